package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/samsaffron/toolstream/internal/config"
	"github.com/samsaffron/toolstream/internal/tools"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `View or edit the toolstream configuration.

Examples:
  toolstream config                       # show effective configuration
  toolstream config edit                  # open in $EDITOR
  toolstream config set provider anthropic
  toolstream config get engine.max_iterations`,
	RunE: configShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  configShow,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit config file in $EDITOR",
	RunE:  configEdit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file path",
	RunE:  configPath,
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset config to defaults",
	RunE:  configReset,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value using a dotted path.

Examples:
  toolstream config set provider gemini
  toolstream config set validation.fallback_policy clarify
  toolstream config set server.addr 0.0.0.0:8080`,
	Args: cobra.ExactArgs(2),
	RunE: configSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value from the config file",
	Args:  cobra.ExactArgs(1),
	RunE:  configGet,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configResetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
}

func resolvedConfigPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	return config.GetConfigPath()
}

func configShow(cmd *cobra.Command, args []string) error {
	path, err := resolvedConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		fmt.Fprintf(out, "# No config file (using defaults)\n")
		fmt.Fprintf(out, "# Create one at: %s\n\n", path)
	} else {
		fmt.Fprintf(out, "# %s\n\n", path)
	}
	printConfig(out, cfg)
	return nil
}

func printConfig(out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "provider: %s\n\n", cfg.Provider)

	for _, p := range []struct{ name, env string }{
		{"anthropic", "ANTHROPIC_API_KEY"},
		{"openai", "OPENAI_API_KEY"},
		{"gemini", "GEMINI_API_KEY"},
	} {
		pc := cfg.ProviderSettings(p.name)
		fmt.Fprintf(out, "%s:\n", p.name)
		fmt.Fprintf(out, "  model: %s\n", pc.Model)
		if pc.BaseURL != "" {
			fmt.Fprintf(out, "  base_url: %s\n", pc.BaseURL)
		}
		printCredentialStatus(out, pc.APIKey, p.env)
	}

	e := cfg.Engine
	fmt.Fprintf(out, "\nengine:\n")
	fmt.Fprintf(out, "  max_iterations: %d\n", e.MaxIterations)
	fmt.Fprintf(out, "  run_timeout: %s\n", e.RunTimeout)
	fmt.Fprintf(out, "  max_parallel_tools: %d\n", e.MaxParallel)
	fmt.Fprintf(out, "  max_output_chars: %d\n", e.MaxOutputChars)
	if e.ReasoningEffort != "" {
		fmt.Fprintf(out, "  reasoning_effort: %s\n", e.ReasoningEffort)
	}
	if e.Instructions != "" {
		fmt.Fprintf(out, "  instructions: %d chars\n", len(e.Instructions))
	}
	fmt.Fprintf(out, "  retry: %d attempts, backoff %s..%s\n", e.Retry.MaxAttempts, e.Retry.BaseBackoff, e.Retry.MaxBackoff)
	fmt.Fprintf(out, "\nvalidation:\n  fallback_policy: %s\n", cfg.Validation.FallbackPolicy)

	fmt.Fprintf(out, "\ntools:\n  enabled: %s\n", strings.Join(cfg.Tools.Enabled, ", "))
	fmt.Fprintf(out, "  web_search:\n    endpoint: %s\n", cfg.Tools.WebSearch.Endpoint)
	fmt.Fprint(out, "  ")
	printCredentialStatus(out, cfg.Tools.WebSearch.APIKey, "BRAVE_API_KEY")
	if cfg.Redis.Addr != "" {
		fmt.Fprintf(out, "    cache: redis %s\n", cfg.Redis.Addr)
	} else {
		fmt.Fprintf(out, "    cache: memory\n")
	}

	if names := cfg.MCPServerNames(); len(names) > 0 {
		fmt.Fprintf(out, "\nmcp:\n")
		for _, name := range names {
			srv := cfg.MCP[name]
			if srv.URL != "" {
				fmt.Fprintf(out, "  %s: %s\n", name, srv.URL)
			} else {
				fmt.Fprintf(out, "  %s: %s %s\n", name, srv.Command, strings.Join(srv.Args, " "))
			}
		}
	}

	auth := "disabled"
	if cfg.Server.Token != "" {
		auth = "bearer " + maskSecret(cfg.Server.Token)
	}
	fmt.Fprintf(out, "\nserver:\n  addr: %s\n  auth: %s\n  heartbeat_interval: %s\n",
		cfg.Server.Addr, auth, cfg.Server.HeartbeatInterval)

	if cfg.Store.Enabled {
		fmt.Fprintf(out, "\nstore:\n  path: %s\n", cfg.StorePath())
	} else {
		fmt.Fprintf(out, "\nstore:\n  enabled: false\n")
	}
	fmt.Fprintf(out, "\nlog:\n  level: %s\n  format: %s\n", cfg.Log.Level, cfg.Log.Format)
}

func printCredentialStatus(out io.Writer, apiKey, envVar string) {
	if apiKey != "" {
		fmt.Fprintf(out, "  api_key: %s\n", maskSecret(apiKey))
	} else {
		fmt.Fprintf(out, "  api_key: [NOT SET - export %s]\n", envVar)
	}
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

func configEdit(cmd *cobra.Command, args []string) error {
	path, err := ensureConfigFile()
	if err != nil {
		return err
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		editor = "vi"
	}

	editorCmd := exec.Command(editor, path)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr
	return editorCmd.Run()
}

// ensureConfigFile creates the config file with defaults when missing.
func ensureConfigFile() (string, error) {
	path, err := resolvedConfigPath()
	if err != nil {
		return "", fmt.Errorf("failed to get config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(defaultConfigContent()), 0644); err != nil {
			return "", fmt.Errorf("failed to create config file: %w", err)
		}
	}
	return path, nil
}

func configPath(cmd *cobra.Command, args []string) error {
	path, err := resolvedConfigPath()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func configReset(cmd *cobra.Command, args []string) error {
	path, err := resolvedConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigContent()), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Config reset to defaults: %s\n", path)
	return nil
}

func defaultConfigContent() string {
	return `# toolstream configuration
# Run 'toolstream config edit' to modify

provider: openai   # anthropic, openai, gemini or mock

openai:
  model: gpt-5.2
  # api_key: $OPENAI_API_KEY

anthropic:
  model: claude-sonnet-4-5

gemini:
  model: gemini-3-flash-preview

engine:
  max_iterations: 10
  run_timeout: 10m
  max_parallel_tools: 4
  # instructions: |
  #   Answer concisely and cite sources.

validation:
  fallback_policy: repair   # repair or clarify

tools:
  enabled: [` + strings.Join(tools.BuiltinToolNames(), ", ") + `]
  web_search:
    # api_key: $BRAVE_API_KEY
    max_results: 5

# mcp:
#   docs:
#     command: npx
#     args: ["-y", "@modelcontextprotocol/server-everything"]

server:
  addr: 127.0.0.1:8080
  heartbeat_interval: 15s

store:
  enabled: true
  max_age_days: 30

log:
  level: info
  format: text
`
}

func configSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	path, err := resolvedConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	root, err := readConfigDoc(path, true)
	if err != nil {
		return err
	}
	if err := setYAMLValue(root, strings.Split(key, "."), value); err != nil {
		return fmt.Errorf("failed to set value: %w", err)
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(root); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	encoder.Close()

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, value)
	return nil
}

func configGet(cmd *cobra.Command, args []string) error {
	path, err := resolvedConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	root, err := readConfigDoc(path, false)
	if err != nil {
		return err
	}
	value, err := getYAMLValue(root, strings.Split(args[0], "."))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

// readConfigDoc parses the config file as a yaml.Node tree so edits keep
// comments and key order. A missing file yields an empty document when
// allowMissing is set.
func readConfigDoc(path string, allowMissing bool) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if !allowMissing {
				return nil, fmt.Errorf("config file does not exist")
			}
			return &yaml.Node{
				Kind:    yaml.DocumentNode,
				Content: []*yaml.Node{{Kind: yaml.MappingNode}},
			}, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if root.Kind == 0 {
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	return &root, nil
}

// setYAMLValue walks path, creating mappings as needed, and sets the leaf.
func setYAMLValue(root *yaml.Node, path []string, value string) error {
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return fmt.Errorf("invalid document structure")
	}
	current := root.Content[0]
	if current.Kind != yaml.MappingNode {
		return fmt.Errorf("root is not a mapping")
	}

	for i, part := range path {
		last := i == len(path)-1
		child := mappingValue(current, part)
		switch {
		case child == nil && last:
			current.Content = append(current.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: part},
				&yaml.Node{Kind: yaml.ScalarNode, Value: value})
		case child == nil:
			next := &yaml.Node{Kind: yaml.MappingNode}
			current.Content = append(current.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: part}, next)
			current = next
		case last:
			*child = yaml.Node{Kind: yaml.ScalarNode, Value: value, LineComment: child.LineComment}
		default:
			if child.Kind != yaml.MappingNode {
				*child = yaml.Node{Kind: yaml.MappingNode}
			}
			current = child
		}
	}
	return nil
}

func getYAMLValue(root *yaml.Node, path []string) (string, error) {
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return "", fmt.Errorf("invalid document structure")
	}
	current := root.Content[0]
	for _, part := range path {
		if current.Kind != yaml.MappingNode {
			return "", fmt.Errorf("path not found: expected mapping")
		}
		next := mappingValue(current, part)
		if next == nil {
			return "", fmt.Errorf("key not found: %s", part)
		}
		current = next
	}
	switch current.Kind {
	case yaml.ScalarNode:
		return current.Value, nil
	case yaml.SequenceNode:
		items := make([]string, 0, len(current.Content))
		for _, item := range current.Content {
			items = append(items, item.Value)
		}
		return strings.Join(items, ","), nil
	}
	return "", fmt.Errorf("value is not a scalar")
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for j := 0; j+1 < len(m.Content); j += 2 {
		if m.Content[j].Value == key {
			return m.Content[j+1]
		}
	}
	return nil
}
