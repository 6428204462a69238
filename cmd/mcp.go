package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samsaffron/toolstream/internal/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Inspect configured MCP servers",
	Long: `MCP servers listed under 'mcp:' in the config contribute their tools to
every run, named <server>__<tool>.`,
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured MCP servers",
	Args:  cobra.NoArgs,
	RunE:  mcpList,
}

var mcpTestCmd = &cobra.Command{
	Use:   "test <name>",
	Short: "Start a server and list its tools",
	Args:  cobra.ExactArgs(1),
	RunE:  mcpTest,
}

func init() {
	mcpCmd.AddCommand(mcpListCmd)
	mcpCmd.AddCommand(mcpTestCmd)
	rootCmd.AddCommand(mcpCmd)
}

func mcpList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	names := cfg.MCPServerNames()
	if len(names) == 0 {
		fmt.Fprintln(out, "No MCP servers configured.")
		return nil
	}
	servers := mcp.ServersFromConfig(cfg.MCP)
	for _, name := range names {
		srv := servers[name]
		if srv.TransportType() == "http" {
			fmt.Fprintf(out, "  %s (http) %s\n", name, srv.URL)
		} else {
			fmt.Fprintf(out, "  %s (stdio) %s %s\n", name, srv.Command, strings.Join(srv.Args, " "))
		}
	}
	return nil
}

func mcpTest(cmd *cobra.Command, args []string) error {
	name := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	serverCfg, ok := mcp.ServersFromConfig(cfg.MCP)[name]
	if !ok {
		return fmt.Errorf("server '%s' not found in config", name)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Testing MCP server '%s'...\n", name)
	client := mcp.NewClient(name, serverCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Fprint(out, "Starting server...")
	if err := client.Start(ctx); err != nil {
		fmt.Fprintln(out, " FAILED")
		return fmt.Errorf("start server: %w", err)
	}
	fmt.Fprintln(out, " OK")
	defer client.Stop()

	tools := client.Tools()
	fmt.Fprintf(out, "\nAvailable tools (%d):\n", len(tools))
	for _, t := range tools {
		fmt.Fprintf(out, "  - %s\n", t.Name)
		if t.Description != "" {
			desc := t.Description
			if len(desc) > 60 {
				desc = desc[:57] + "..."
			}
			fmt.Fprintf(out, "    %s\n", desc)
		}
	}
	return nil
}
