package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/obox/internal/agentrt"
	"github.com/joescharf/obox/internal/claudecli"
	"github.com/joescharf/obox/internal/config"
	"github.com/joescharf/obox/internal/forks"
	"github.com/joescharf/obox/internal/git"
	"github.com/joescharf/obox/internal/llm"
	"github.com/joescharf/obox/internal/logs"
	mcpserver "github.com/joescharf/obox/internal/mcp"
	"github.com/joescharf/obox/internal/models"
	"github.com/joescharf/obox/internal/output"
	"github.com/joescharf/obox/internal/report"
	"github.com/joescharf/obox/internal/sandbox"
	"github.com/joescharf/obox/internal/store"
	"github.com/joescharf/obox/internal/tools"
)

const (
	runtimeCLI = "cli"
	runtimeAPI = "api"

	promptPreviewLen = 100
)

type forkOptions struct {
	Branch   string
	Prompt   string
	Forks    int
	MaxTurns int
	// MaxTurnsSet is true when --max-turns was given explicitly.
	MaxTurnsSet bool
	Model       string
	Open        bool
}

var forkFlags forkOptions

// newRuntime builds the agent runtime for a session; replaced in tests.
var newRuntime = buildRuntime

// openLogs opens log files in an editor; replaced in tests.
var openLogs = func(paths []string) error {
	return exec.Command("code", paths...).Run()
}

var sandboxForkCmd = &cobra.Command{
	Use:     "sandbox-fork <repo-url>",
	Aliases: []string{"fork"},
	Short:   "Run one prompt in N parallel agent forks of a repository",
	Long: `Fork a git repository into N isolated agent sessions and run the same
prompt in each of them in parallel.

Every fork works on its own branch (the base branch with -1, -2, ... appended
when more than one fork runs) and writes its own log file. A primary log
records validation, configuration and results. The command exits 0 only if
every fork succeeds.

The prompt is read from a file when --prompt names one, otherwise it is used
as the prompt text.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := forkFlags
		opts.MaxTurnsSet = cmd.Flags().Changed("max-turns")
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return sandboxForkRun(ctx, args[0], opts)
	},
}

func init() {
	f := sandboxForkCmd.Flags()
	f.StringVarP(&forkFlags.Branch, "branch", "b", "", "Git branch to work on (default: generated fork-experiment-<timestamp>)")
	f.StringVarP(&forkFlags.Prompt, "prompt", "p", "", "Prompt text or path to a prompt file")
	f.IntVarP(&forkFlags.Forks, "forks", "f", config.DefaultForks, "Number of forks to run")
	f.IntVarP(&forkFlags.MaxTurns, "max-turns", "t", 0, "Maximum conversation turns per fork (default: agent.max_turns)")
	f.StringVarP(&forkFlags.Model, "model", "m", config.DefaultModel, "Model: opus, sonnet, or haiku")
	f.BoolVar(&forkFlags.Open, "open", false, "Open the log files in VS Code when done")
	_ = sandboxForkCmd.MarkFlagRequired("prompt")
	rootCmd.AddCommand(sandboxForkCmd)
}

// console prints to the terminal and mirrors every line to the primary log.
type console struct {
	ui  *output.UI
	reg *logs.Registry
}

func (c console) info(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	c.ui.Info("%s", msg)
	c.reg.LogPrimary(msg)
}

func (c console) success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	c.ui.Success("%s", msg)
	c.reg.LogPrimary(msg)
}

func (c console) warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	c.ui.Warning("%s", msg)
	c.reg.LogPrimary(msg)
}

// fail records a configuration error in the primary log and returns it.
// The error itself is printed once by Execute.
func (c console) fail(err error) error {
	c.reg.LogPrimary("Error: " + err.Error())
	var ve *config.ValidationError
	if errors.As(err, &ve) && ve.Hint != "" {
		c.warning("%s", ve.Hint)
	}
	return err
}

func sandboxForkRun(ctx context.Context, repoURL string, opts forkOptions) error {
	repoName := git.ParseRepoName(repoURL)
	reg, err := logs.NewRegistry(viper.GetString("log_dir"), repoName)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := reg.CloseAll(); cerr != nil {
			ui.Warning("Closing logs: %v", cerr)
		}
	}()
	out := console{ui: ui, reg: reg}

	out.info("Sandbox Fork - Multi-Agent Experimentation")

	cfg, err := buildRunConfig(out, repoURL, repoName, opts)
	if err != nil {
		return out.fail(err)
	}

	renderConfigTable(out, cfg, opts)

	if dryRun {
		ui.DryRunMsg("Would run %d fork(s) of %s on branch %s", cfg.ForkCount, cfg.RepoURL, cfg.Branch)
		return nil
	}

	rt, err := newRuntime(cfg, reg.Dir())
	if err != nil {
		return out.fail(fmt.Errorf("create agent runtime: %w", err))
	}

	run := &models.Run{
		RepoURL:       cfg.RepoURL,
		Branch:        cfg.Branch,
		Model:         cfg.Model,
		ForkCount:     cfg.ForkCount,
		MaxTurns:      cfg.EffectiveMaxTurns(),
		PromptPreview: preview(cfg.PromptText),
		LogDir:        reg.Dir(),
		PrimaryLog:    reg.PrimaryPath(),
	}
	s := recordRunStart(out, run)

	out.info("Starting parallel fork execution...")
	results := forks.RunParallel(ctx, cfg, reg, forks.NewAgentFactory(rt))
	out.success("All forks completed!")

	summary := report.Build(results, reg.Dir())
	fmt.Fprintln(ui.Out)
	if err := summary.Render(ui); err != nil {
		ui.Warning("Rendering results: %v", err)
	}
	reg.LogPrimary(summary.Text())

	run.Results = results
	if s != nil {
		if err := s.FinishRun(ctx, run); err != nil {
			out.warning("Could not record run results: %v", err)
		} else {
			ui.VerboseLog("Recorded run %s", run.ID)
		}
	}

	paths := reg.AllPaths()
	out.info("Log files:")
	for _, p := range paths {
		out.info("  %s", p)
	}
	if opts.Open {
		if err := openLogs(paths); err != nil {
			out.warning("Could not open log files in VS Code: %v", err)
		} else {
			out.success("Log files opened in VS Code")
		}
	}

	if !summary.AllSucceeded() {
		out.warning("%s", summary.Closing())
		return errForksFailed
	}
	out.success("%s", summary.Closing())
	return nil
}

// buildRunConfig assembles and validates the session configuration from
// flags and viper.
func buildRunConfig(out console, repoURL, repoName string, opts forkOptions) (*config.RunConfig, error) {
	branch := opts.Branch
	if branch == "" {
		branch = git.GenerateBranchName(time.Now())
	}

	if opts.MaxTurnsSet && opts.MaxTurns < 1 {
		return nil, &config.ValidationError{Msg: "max_turns must be at least 1"}
	}
	maxTurns := viper.GetInt("agent.max_turns")
	if opts.MaxTurnsSet {
		maxTurns = opts.MaxTurns
	}

	workingDir, err := filepath.Abs(viper.GetString("working_dir"))
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	cfg := &config.RunConfig{
		RepoURL:             repoURL,
		RepoName:            repoName,
		Branch:              branch,
		ForkCount:           opts.Forks,
		MaxTurns:            maxTurns,
		Model:               strings.ToLower(opts.Model),
		AllowedTools:        viper.GetStringSlice("agent.allowed_tools"),
		DisallowedTools:     viper.GetStringSlice("agent.disallowed_tools"),
		PathRestrictedTools: viper.GetStringSlice("agent.path_restricted_tools"),
		AllowedDirectories:  allowedDirectories(workingDir),
		WorkingDirectory:    workingDir,
		LogDir:              viper.GetString("log_dir"),
		SystemPromptPath:    viper.GetString("system_prompt_path"),
		MCPConfigPath:       viper.GetString("mcp_config_path"),
		Env:                 config.PropagatedEnv(os.LookupEnv),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Branch == "" {
		out.warning("No branch specified, generated: %s", branch)
	}
	cfg.ModelID = viper.GetString("models." + cfg.Model)

	text, fromFile, err := loadPrompt(opts.Prompt)
	if err != nil {
		return nil, err
	}
	if fromFile {
		out.success("Loaded prompt from file: %s", opts.Prompt)
	} else {
		out.success("Using provided prompt text")
	}
	cfg.PromptText = text
	return cfg, nil
}

// allowedDirectories returns the configured directories, or the defaults
// rooted at the working directory and its repository. Relative entries are
// anchored at the working directory so the hook subprocess, which runs in
// the agent's cwd, checks the same locations.
func allowedDirectories(workingDir string) []string {
	if dirs := viper.GetStringSlice("agent.allowed_directories"); len(dirs) > 0 {
		abs := make([]string, len(dirs))
		for i, d := range dirs {
			if filepath.IsAbs(d) {
				abs[i] = filepath.Clean(d)
			} else {
				abs[i] = filepath.Join(workingDir, d)
			}
		}
		return abs
	}
	root, err := git.NewClient().RepoRoot(workingDir)
	if err != nil {
		root = workingDir
	}
	return config.DefaultAllowedDirectories(workingDir, root)
}

// loadPrompt returns the contents of prompt when it names a regular file and
// prompt itself otherwise. Paths the OS rejects (too long, invalid) are
// treated as text.
func loadPrompt(prompt string) (text string, fromFile bool, err error) {
	fi, statErr := os.Stat(prompt)
	if statErr != nil || !fi.Mode().IsRegular() {
		return prompt, false, nil
	}
	data, err := os.ReadFile(prompt)
	if err != nil {
		return "", false, fmt.Errorf("read prompt file: %w", err)
	}
	return string(data), true, nil
}

func preview(text string) string {
	r := []rune(text)
	if len(r) <= promptPreviewLen {
		return text
	}
	return string(r[:promptPreviewLen]) + "..."
}

func renderConfigTable(out console, cfg *config.RunConfig, opts forkOptions) {
	maxTurns := "default"
	if opts.MaxTurnsSet {
		maxTurns = strconv.Itoa(cfg.MaxTurns)
	}
	rows := [][]string{
		{"Repository", cfg.RepoURL},
		{"Branch", cfg.Branch},
		{"Forks", strconv.Itoa(cfg.ForkCount)},
		{"Model", cfg.Model},
		{"Max Turns", maxTurns},
		{"Prompt Preview", preview(cfg.PromptText)},
	}

	var plain bytes.Buffer
	for _, w := range []*output.UI{out.ui, {Out: &plain, ErrOut: &plain}} {
		table := w.Table([]string{"Setting", "Value"})
		for _, row := range rows {
			_ = table.Append(row)
		}
		_ = table.Render()
	}
	out.reg.LogPrimary("Configuration\n" + plain.String())
	fmt.Fprintln(out.ui.Out)
}

// recordRunStart stores the run. History is best effort: a store failure
// never stops the session.
func recordRunStart(out console, run *models.Run) store.Store {
	s, err := getStore()
	if err != nil {
		out.warning("Run history unavailable: %v", err)
		return nil
	}
	if err := s.CreateRun(context.Background(), run); err != nil {
		out.warning("Could not record run: %v", err)
		return nil
	}
	return s
}

// buildRuntime selects the agent runtime named by the runtime setting.
func buildRuntime(cfg *config.RunConfig, logDir string) (agentrt.Runtime, error) {
	switch kind := viper.GetString("runtime"); kind {
	case runtimeAPI:
		provider, err := sandbox.NewLocalProvider(viper.GetString("sandbox.root"))
		if err != nil {
			return nil, err
		}
		registry := tools.NewRegistry(cfg.WorkingDirectory, mcpserver.NewServer(provider).ServerTools())
		return llm.NewRuntime(
			viper.GetString("anthropic.api_key"),
			registry,
			viper.GetInt64("anthropic.max_tokens"),
			pricing(),
		), nil
	case runtimeCLI:
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate obox executable: %w", err)
		}
		if cfg.MCPConfigPath == "" {
			path, err := writeMCPConfig(logDir, self)
			if err != nil {
				return nil, err
			}
			cfg.MCPConfigPath = path
		}
		return claudecli.NewRuntime(viper.GetString("claude_bin"), claudecli.HookConfig{
			Self:               self,
			AllowedDirectories: cfg.AllowedDirectories,
			RestrictedTools:    cfg.PathRestrictedTools,
		}), nil
	default:
		return nil, fmt.Errorf("unknown runtime %q (use: %s, %s)", kind, runtimeCLI, runtimeAPI)
	}
}

// pricing returns the configured price of every model, keyed by model ID.
func pricing() map[string]llm.Price {
	prices := make(map[string]llm.Price, len(config.ValidModels))
	for _, alias := range config.ValidModels {
		prices[viper.GetString("models."+alias)] = llm.Price{
			Input:  viper.GetFloat64("pricing." + alias + ".input"),
			Output: viper.GetFloat64("pricing." + alias + ".output"),
		}
	}
	return prices
}

// writeMCPConfig writes an MCP client configuration registering "obox mcp"
// as the sandbox server and returns its path.
func writeMCPConfig(dir, self string) (string, error) {
	data, err := mcpserver.ClientConfig(self, "mcp")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "mcp-"+time.Now().Format(logs.FileTimestampFormat)+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	return path, nil
}
