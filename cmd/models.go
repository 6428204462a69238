package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/samsaffron/toolstream/internal/llm"
	"github.com/spf13/cobra"
)

var (
	modelsProvider string
	modelsJSON     bool
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List available models from a provider",
	Long: `List available models from a provider.

Examples:
  toolstream models                 # list models from the configured provider
  toolstream models -p anthropic    # list models from Anthropic
  toolstream models --json          # output as JSON`,
	RunE: runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	AddProviderFlag(modelsCmd, &modelsProvider)
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "Output as JSON")
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyProviderOverrides(cfg, modelsProvider); err != nil {
		return err
	}
	provider, err := llm.NewProvider(cfg)
	if err != nil {
		return err
	}
	lister, ok := provider.(llm.ModelLister)
	if !ok {
		return fmt.Errorf("provider '%s' does not support model listing", cfg.Provider)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	models, err := lister.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	out := cmd.OutOrStdout()
	if modelsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(models)
	}
	if len(models) == 0 {
		fmt.Fprintln(out, "No models found.")
		return nil
	}

	fmt.Fprintf(out, "Available models from %s:\n\n", cfg.Provider)
	for _, m := range models {
		if m.DisplayName != "" && m.DisplayName != m.ID {
			fmt.Fprintf(out, "  %s (%s)\n", m.ID, m.DisplayName)
		} else {
			fmt.Fprintf(out, "  %s\n", m.ID)
		}
	}
	fmt.Fprintf(out, "\nTo use a model, add to your config:\n")
	fmt.Fprintf(out, "  %s:\n    model: <model-name>\n", cfg.Provider)
	return nil
}
