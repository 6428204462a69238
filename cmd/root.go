package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	configFile string
	debugLog   bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default: ~/.config/toolstream/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugLog, "debug", "d", false, "Log at debug level")
}

var rootCmd = &cobra.Command{
	Use:   "toolstream",
	Short: "Streaming tool-augmented LLM orchestration",
	Long: `toolstream answers questions with an LLM that can search the web, read
pages and evaluate arithmetic, streaming progress as server-sent events.

Examples:
  toolstream serve                          # start the SSE server
  toolstream ask "what changed in go 1.25?" # one run in the terminal
  toolstream ask -p anthropic "2^32 in hex"
  toolstream runs list                      # recorded runs
  toolstream config                         # view configuration`,
	Version:           Version,
	SilenceUsage:      true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging installs the default slog logger. Logs always go to stderr
// so they never mix with streamed answers on stdout.
func setupLogging(level, format string) error {
	var lvl slog.Level
	if debugLog {
		lvl = slog.LevelDebug
	} else if err := lvl.UnmarshalText([]byte(strings.ToLower(firstNonEmpty(level, "info")))); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q (text or json)", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
