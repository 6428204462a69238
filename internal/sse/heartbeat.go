package sse

import (
	"context"
	"sync"
	"time"
)

// DefaultHeartbeatInterval is used when StartHeartbeat gets a non-positive
// interval.
const DefaultHeartbeatInterval = 15 * time.Second

// Pinger writes one keep-alive frame.
type Pinger interface {
	Ping() error
}

// Heartbeat keeps an idle stream alive until stopped.
type Heartbeat struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// StartHeartbeat pings once right away and then every interval until Stop
// is called, ctx is done, or a ping fails.
func StartHeartbeat(ctx context.Context, p Pinger, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	h := &Heartbeat{stop: make(chan struct{}), done: make(chan struct{})}
	if err := p.Ping(); err != nil {
		close(h.done)
		return h
	}
	go h.loop(ctx, p, interval)
	return h
}

func (h *Heartbeat) loop(ctx context.Context, p Pinger, interval time.Duration) {
	defer close(h.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Ping(); err != nil {
				return
			}
		}
	}
}

// Stop ends the heartbeat and waits for its goroutine. Safe to call more
// than once and from several goroutines.
func (h *Heartbeat) Stop() {
	h.once.Do(func() { close(h.stop) })
	<-h.done
}

// Done is closed once the heartbeat has stopped writing.
func (h *Heartbeat) Done() <-chan struct{} {
	return h.done
}
