package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/samsaffron/toolstream/internal/store"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a run with its events",
	Long: `Show a recorded run: the question, final answer, citations and every
event that was streamed to the client.

Example:
  toolstream runs show 3f2a9c1e-...`,
	Args: cobra.ExactArgs(1),
	RunE: runRunsShow,
}

var (
	runsLimit  int
	runsJSON   bool
	runsEvents bool
)

func init() {
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list")
	runsListCmd.Flags().BoolVar(&runsJSON, "json", false, "Output as JSON")
	runsShowCmd.Flags().BoolVar(&runsJSON, "json", false, "Output as JSON")
	runsShowCmd.Flags().BoolVar(&runsEvents, "events", false, "Print every event payload")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

func getRunStore() (store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Store.Enabled {
		return nil, fmt.Errorf("run storage is disabled in config")
	}
	return store.New(cfg)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	s, err := getRunStore()
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.ListRuns(context.Background(), runsLimit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	out := cmd.OutOrStdout()
	if runsJSON {
		return writeIndentedJSON(out, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}

	fmt.Fprintf(out, "%-10s %-30s %-9s %5s %4s %-11s %s\n",
		"ID", "QUESTION", "STATUS", "ITERS", "SRCS", "TOKENS", "AGE")
	fmt.Fprintln(out, strings.Repeat("-", 90))
	for _, r := range runs {
		question := r.Question
		if len([]rune(question)) > 30 {
			question = string([]rune(question)[:27]) + "..."
		}
		question = strings.ReplaceAll(question, "\n", " ")
		fmt.Fprintf(out, "%-10s %-30s %-9s %5d %4d %-11s %s\n",
			shortID(r.ID), question, r.Status, r.Iterations, len(r.Citations),
			formatTokens(r.InputTokens, r.OutputTokens), formatRelativeTime(r.CreatedAt))
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	s, err := getRunStore()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	run, err := s.GetRun(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run '%s' not found", args[0])
	}
	events, err := s.Events(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to get events: %w", err)
	}

	out := cmd.OutOrStdout()
	if runsJSON {
		messages, err := s.Messages(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("failed to get messages: %w", err)
		}
		return writeIndentedJSON(out, struct {
			Run      *store.Run      `json:"run"`
			Events   []store.Event   `json:"events"`
			Messages []store.Message `json:"messages"`
		}{run, events, messages})
	}

	fmt.Fprintf(out, "Run: %s\n", run.ID)
	fmt.Fprintf(out, "Provider: %s\n", run.Provider)
	if run.Model != "" {
		fmt.Fprintf(out, "Model: %s\n", run.Model)
	}
	fmt.Fprintf(out, "Status: %s\n", run.Status)
	fmt.Fprintf(out, "Created: %s\n", run.CreatedAt.Format(time.RFC3339))
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(out, "Duration: %s\n", run.FinishedAt.Sub(run.CreatedAt).Round(time.Millisecond))
	}
	fmt.Fprintf(out, "Iterations: %d\n", run.Iterations)
	fmt.Fprintf(out, "Tokens: %s (input: %d, output: %d)\n",
		formatTokens(run.InputTokens, run.OutputTokens), run.InputTokens, run.OutputTokens)
	if run.Warning != "" {
		fmt.Fprintf(out, "Warning: %s\n", run.Warning)
	}
	if run.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", run.Error)
	}
	fmt.Fprintf(out, "\nQ: %s\n", run.Question)
	if run.FinalText != "" {
		fmt.Fprintf(out, "\nA: %s\n", run.FinalText)
	}
	if len(run.Citations) > 0 {
		fmt.Fprintln(out, "\nSources:")
		for i, c := range run.Citations {
			fmt.Fprintf(out, "  [%d] %s\n", i+1, c)
		}
	}

	fmt.Fprintf(out, "\nEvents (%d):\n", len(events))
	for _, ev := range events {
		if runsEvents || ev.Name != "content" {
			fmt.Fprintf(out, "  %4d %-12s %s\n", ev.Sequence, ev.Name, string(ev.Payload))
		}
	}
	return nil
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatTokens formats input/output tokens in compact form
func formatTokens(input, output int) string {
	if input == 0 && output == 0 {
		return "-"
	}
	return fmt.Sprintf("%s/%s", formatCount(input), formatCount(output))
}

// formatCount formats a number in compact form (e.g., 1k, 1.2k, 3.4M)
func formatCount(n int) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%d", n)
	case n < 1000000:
		val := float64(n) / 1000
		if val == float64(int(val)) {
			return fmt.Sprintf("%dk", int(val))
		}
		return fmt.Sprintf("%.1fk", val)
	default:
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
}

// formatRelativeTime returns a human-readable relative time string
func formatRelativeTime(t time.Time) string {
	dur := time.Since(t)
	switch {
	case dur < time.Minute:
		return "just now"
	case dur < time.Hour:
		return fmt.Sprintf("%dm ago", int(dur.Minutes()))
	case dur < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(dur.Hours()))
	case dur < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(dur.Hours()/24))
	default:
		return t.Format("Jan 2")
	}
}
