package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/samsaffron/toolstream/internal/llm"
	"github.com/samsaffron/toolstream/internal/signal"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	askProvider      string
	askTools         []string
	askMaxIterations int
	askVerbose       bool
	askQuiet         bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question and stream the answer",
	Long: `Ask a question and stream the answer to stdout. Progress (searches,
page reads, tool errors) is written to stderr when it is a terminal.

Examples:
  toolstream ask "What is the latest version of Go?"
  toolstream ask --tools calculator "what is 17% of 2340?"
  cat notes.txt | toolstream ask "summarize this"`,
	Args: cobra.ArbitraryArgs,
	RunE: runAsk,
}

func init() {
	AddProviderFlag(askCmd, &askProvider)
	askCmd.Flags().StringSliceVar(&askTools, "tools", nil, "Restrict the run to these tools (comma-separated)")
	askCmd.Flags().IntVar(&askMaxIterations, "max-iterations", 0, "Override engine.max_iterations")
	askCmd.Flags().BoolVarP(&askVerbose, "verbose", "v", false, "Always print progress to stderr")
	askCmd.Flags().BoolVarP(&askQuiet, "quiet", "q", false, "Never print progress")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := strings.TrimSpace(strings.Join(args, " "))
	stdinText, err := readStdin()
	if err != nil {
		return err
	}
	if stdinText != "" {
		question = strings.TrimSpace(stdinText + "\n\n" + question)
	}
	if question == "" {
		return errors.New("a question is required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context())
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyProviderOverrides(cfg, askProvider); err != nil {
		return err
	}
	provider, err := llm.NewProvider(cfg)
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg, provider)
	if err != nil {
		return err
	}
	defer rt.Close()

	progress := !askQuiet && (askVerbose || term.IsTerminal(int(os.Stderr.Fd())))
	sink := newTerminalSink(cmd.OutOrStdout(), cmd.ErrOrStderr(), progress)

	result, err := rt.execute(ctx, llm.RunRequest{
		Messages:      []llm.Message{llm.UserText(question)},
		ToolNames:     askTools,
		MaxIterations: askMaxIterations,
	}, sink)
	if err != nil {
		return err
	}
	if result.Warning != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", result.Warning)
	}
	return nil
}

// readStdin returns piped input, or "" when stdin is a terminal.
func readStdin() (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return "", nil
	}
	stat, err := os.Stdin.Stat()
	if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
		return "", nil
	}
	data, err := io.ReadAll(io.LimitReader(os.Stdin, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// terminalSink prints a run for a human: answer text on out, progress on
// errOut, and the citations once the run is done.
type terminalSink struct {
	out      io.Writer
	errOut   io.Writer
	progress bool

	mu          sync.Mutex
	wroteText   bool
	endsNewline bool
}

func newTerminalSink(out, errOut io.Writer, progress bool) *terminalSink {
	return &terminalSink{out: out, errOut: errOut, progress: progress}
}

func (s *terminalSink) Emit(name string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch p := payload.(type) {
	case llm.ContentPayload:
		if p.Delta == "" {
			return nil
		}
		s.wroteText = true
		s.endsNewline = strings.HasSuffix(p.Delta, "\n")
		_, err := io.WriteString(s.out, p.Delta)
		return err
	case llm.StatusPayload:
		s.note("%s", p.Message)
	case llm.ToolCallPayload:
		if p.Preview != "" {
			s.note("→ %s: %s", p.Tool, p.Preview)
		} else {
			s.note("→ %s", p.Tool)
		}
	case llm.ToolErrorPayload:
		s.note("✗ %s: %s", p.Tool, p.Error)
	case llm.ToolResultPayload:
		// Results go back to the model; the terminal only sees the call.
	case llm.DonePayload:
		s.finishText()
		if len(p.Citations) > 0 {
			fmt.Fprintln(s.out)
			fmt.Fprintln(s.out, "Sources:")
			for i, c := range p.Citations {
				fmt.Fprintf(s.out, "  [%d] %s\n", i+1, c)
			}
		}
	case llm.ErrorPayload:
		s.finishText()
		fmt.Fprintf(s.errOut, "error: %s\n", p.Message)
	default:
		s.note("%s", name)
	}
	return nil
}

func (s *terminalSink) Close() error { return nil }

func (s *terminalSink) note(format string, args ...any) {
	if !s.progress {
		return
	}
	fmt.Fprintf(s.errOut, format+"\n", args...)
}

func (s *terminalSink) finishText() {
	if s.wroteText && !s.endsNewline {
		fmt.Fprintln(s.out)
		s.endsNewline = true
	}
}
