package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/obox/internal/config"
	"github.com/joescharf/obox/internal/output"
	"github.com/joescharf/obox/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

// errForksFailed makes Execute exit 1 without printing another error line;
// the failure has already been reported.
var errForksFailed = errors.New("one or more forks failed")

var rootCmd = &cobra.Command{
	Use:   "obox",
	Short: "Orchestrated sandbox forks - run one prompt across N parallel agents",
	Long: `obox forks a git repository into N isolated agent sessions, runs the
same prompt in each of them in parallel and records every session in its own
log file. Local file tools are confined to a few allowed directories; all
other work happens inside sandboxes.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errForksFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/obox/config.yaml)")
}

func initConfig() {
	// .env in the working directory feeds the environment before viper reads it.
	_ = godotenv.Load()

	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "obox")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("OBOX")
	viper.AutomaticEnv()
	// The SDK's conventional variable works without the prefix.
	_ = viper.BindEnv("anthropic.api_key", "OBOX_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")

	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "obox")
	setDefaults(defaultConfigDir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers a default for every configuration key.
func setDefaults(configDir string) {
	wd, _ := os.Getwd()

	viper.SetDefault("working_dir", wd)
	viper.SetDefault("log_dir", filepath.Join(wd, "logs"))
	viper.SetDefault("db_path", filepath.Join(configDir, "obox.db"))
	viper.SetDefault("system_prompt_path", "")
	viper.SetDefault("mcp_config_path", "")
	viper.SetDefault("runtime", runtimeCLI)
	viper.SetDefault("claude_bin", "claude")

	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.max_tokens", 8192)

	viper.SetDefault("models.opus", "claude-opus-4-1-20250805")
	viper.SetDefault("models.sonnet", "claude-sonnet-4-5-20250929")
	viper.SetDefault("models.haiku", "claude-haiku-4-5-20251001")
	viper.SetDefault("pricing.opus.input", 15.0)
	viper.SetDefault("pricing.opus.output", 75.0)
	viper.SetDefault("pricing.sonnet.input", 3.0)
	viper.SetDefault("pricing.sonnet.output", 15.0)
	viper.SetDefault("pricing.haiku.input", 1.0)
	viper.SetDefault("pricing.haiku.output", 5.0)

	viper.SetDefault("agent.max_turns", config.DefaultMaxTurns)
	viper.SetDefault("agent.allowed_tools", config.DefaultAllowedTools())
	viper.SetDefault("agent.disallowed_tools", config.DefaultDisallowedTools)
	viper.SetDefault("agent.path_restricted_tools", config.DefaultPathRestrictedTools)
	viper.SetDefault("agent.allowed_directories", []string{})

	viper.SetDefault("sandbox.root", filepath.Join(configDir, "sandboxes"))

	viper.SetDefault("serve.port", 7780)
	viper.SetDefault("serve.bind", "127.0.0.1")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// Initialize store lazily, only when commands actually need it.
	// This allows config/version commands to run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx := rootCmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}
