package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "obox"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage obox configuration.

Running bare 'obox config' is the same as 'obox config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# obox configuration
# See: obox config show (for effective values and sources)

# Directory that receives fork and primary log files (default: ./logs)
# log_dir: {{ .LogDir }}

# SQLite run history (default: ~/.config/obox/obox.db)
# db_path: {{ .DBPath }}

# Agent runtime: "cli" drives the claude binary, "api" calls the Messages API
runtime: "{{ .Runtime }}"

# Custom system prompt template; empty uses the built-in one
system_prompt_path: "{{ .SystemPromptPath }}"

anthropic:
  # API key for the "api" runtime (ANTHROPIC_API_KEY also works)
  # api_key: ""
  max_tokens: {{ .MaxTokens }}

# Agent settings
agent:
  # Turn budget when --max-turns is not given
  max_turns: {{ .MaxTurns }}

  # Tools checked against allowed_directories
  path_restricted_tools: [{{ .PathRestrictedTools }}]

  # Local directories the agent may touch; empty uses temp/, specs/, ai_docs/, app_docs/
  # allowed_directories: []

sandbox:
  # Root of the local sandbox provider used by "obox mcp"
  root: {{ .SandboxRoot }}

# obox serve (read-only run history API)
serve:
  bind: "{{ .ServeBind }}"
  port: {{ .ServePort }}
`

type configTemplateData struct {
	LogDir              string
	DBPath              string
	Runtime             string
	SystemPromptPath    string
	MaxTokens           int
	MaxTurns            int
	PathRestrictedTools string
	SandboxRoot         string
	ServeBind           string
	ServePort           int
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		LogDir:              viper.GetString("log_dir"),
		DBPath:              viper.GetString("db_path"),
		Runtime:             viper.GetString("runtime"),
		SystemPromptPath:    viper.GetString("system_prompt_path"),
		MaxTokens:           viper.GetInt("anthropic.max_tokens"),
		MaxTurns:            viper.GetInt("agent.max_turns"),
		PathRestrictedTools: strings.Join(viper.GetStringSlice("agent.path_restricted_tools"), ", "),
		SandboxRoot:         viper.GetString("sandbox.root"),
		ServeBind:           viper.GetString("serve.bind"),
		ServePort:           viper.GetInt("serve.port"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "working_dir", EnvVar: "OBOX_WORKING_DIR"},
	{Key: "log_dir", EnvVar: "OBOX_LOG_DIR"},
	{Key: "db_path", EnvVar: "OBOX_DB_PATH"},
	{Key: "runtime", EnvVar: "OBOX_RUNTIME"},
	{Key: "claude_bin", EnvVar: "OBOX_CLAUDE_BIN"},
	{Key: "system_prompt_path", EnvVar: "OBOX_SYSTEM_PROMPT_PATH"},
	{Key: "mcp_config_path", EnvVar: "OBOX_MCP_CONFIG_PATH"},
	{Key: "anthropic.max_tokens", EnvVar: "OBOX_ANTHROPIC_MAX_TOKENS"},
	{Key: "agent.max_turns", EnvVar: "OBOX_AGENT_MAX_TURNS"},
	{Key: "agent.path_restricted_tools", EnvVar: "OBOX_AGENT_PATH_RESTRICTED_TOOLS"},
	{Key: "agent.allowed_directories", EnvVar: "OBOX_AGENT_ALLOWED_DIRECTORIES"},
	{Key: "sandbox.root", EnvVar: "OBOX_SANDBOX_ROOT"},
	{Key: "serve.port", EnvVar: "OBOX_SERVE_PORT"},
	{Key: "serve.bind", EnvVar: "OBOX_SERVE_BIND"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-28s %v  %s\n", k.Key, val, source)
	}

	// The API key is reported by presence only.
	keyState := "(not set)"
	if viper.GetString("anthropic.api_key") != "" {
		keyState = "(set)"
	}
	fmt.Fprintf(ui.Out, "  %-28s %s\n", "anthropic.api_key", keyState)

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'obox config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
