// Package signal ties command lifetimes to process signals.
package signal

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// NotifyContext derives a context from parent that is cancelled on SIGINT
// or SIGTERM. A nil parent means context.Background. Cancelling a run this
// way reaches the provider stream and in-flight tool calls.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
