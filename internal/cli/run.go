package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/config"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/engine"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/events"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/githubpr"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/gitx"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/logging"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/loop"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/runtime"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/state"
	"github.com/AbdelazizMoustafa10m/Corvus/internal/workspace"
)

// baseDirName is the repository-relative directory holding all Corvus
// state, logs, outputs, and worktrees.
const baseDirName = ".agent-pipeline"

type runFlags struct {
	dryRun        bool
	maxIterations int
	runtimeName   string
	trigger       string
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Execute a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), args[0], flags)
		},
	}

	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "describe the planned run without executing it")
	cmd.Flags().IntVar(&flags.maxIterations, "max-iterations", 0, "override looping.maxIterations")
	cmd.Flags().StringVar(&flags.runtimeName, "runtime", "claude", "agent runtime backend")
	cmd.Flags().StringVar(&flags.trigger, "trigger", "", "trigger tag recorded on the run (defaults to the config's)")
	return cmd
}

func runPipeline(ctx context.Context, configPath string, flags *runFlags) error {
	logger := logging.New("run")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	vcs, err := gitx.NewClient("")
	if err != nil {
		return err
	}
	repoRoot, err := repoTopLevel(vcs)
	if err != nil {
		return err
	}
	// Worktrees, state, and logs always live at the repository root, even
	// when corvus is invoked from a subdirectory.
	rootVCS := vcs.At(repoRoot)

	settings := loadSettings(repoRoot)
	baseDir := resolveBaseDir(repoRoot, settings)

	runtimes := runtime.NewRegistry()
	if err := runtimes.Register(claudeFromSettings(settings)); err != nil {
		return err
	}
	if !runtimes.Has(flags.runtimeName) {
		return fmt.Errorf("unknown runtime %q (available: %s)",
			flags.runtimeName, strings.Join(runtimes.List(), ", "))
	}

	coordinator, bus := buildCoordinator(rootVCS, repoRoot, baseDir, runtimes, flags.runtimeName, cfg.Name)
	defer bus.Close()

	if flags.dryRun {
		plan, err := coordinator.DryRun(cfg)
		if err != nil {
			return err
		}
		fmt.Print(plan)
		return nil
	}

	// Ctrl-C is the abort token: the first signal cancels the context,
	// converting in-flight stages to failed and pending ones to skipped.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := state.NewStore(baseDir)
	controller := loop.NewController(coordinator, store, logging.New("loop"))

	opts := engine.Options{}
	if flags.trigger != "" {
		opts.Trigger = state.Trigger{Type: flags.trigger}
	}

	st, err := controller.Run(ctx, cfg, opts, flags.maxIterations)
	if err != nil {
		return err
	}

	fmt.Println(renderSummary(st))
	if st.Status == state.StatusFailed || st.Status == state.StatusAborted {
		return fmt.Errorf("run %s ended %s", st.RunID, st.Status)
	}
	logger.Debug("run complete", "run", st.RunID, "status", st.Status)
	return nil
}

// buildCoordinator assembles the engine from its collaborators. The
// returned bus must be closed after the run so sinks drain.
func buildCoordinator(vcs gitx.VCS, repoRoot, baseDir string, runtimes *runtime.Registry, runtimeName, pipelineName string) (*engine.Coordinator, *events.Bus) {
	bus := events.NewBus()
	bus.Subscribe("pipeline-log", 0, events.NewLogSink(baseDir, pipelineName))

	commits := engine.NewCommitManager(vcs, logging.New("commit"))
	stages := engine.NewStageExecutor(runtimes, commits,
		engine.WithStageLogger(logging.New("stage")),
		engine.WithStageSink(bus),
	)
	groups := engine.NewGroupExecutor(stages)

	manager := workspace.NewManager(vcs, baseDir, logging.New("workspace"))
	provider := githubpr.NewGHProvider(repoRoot, logging.New("pr"))
	finalizer := workspace.NewFinalizer(vcs, manager, provider,
		workspace.WithFinalizerSink(bus),
		workspace.WithFinalizerLogger(logging.New("finalize")),
	)

	coordinator := engine.NewCoordinator(
		state.NewStore(baseDir),
		manager,
		groups,
		finalizer,
		runtimes,
		runtimeName,
		engine.WithCoordinatorLogger(logging.New("coordinator")),
		engine.WithCoordinatorSink(bus),
		engine.WithAgentDir(filepath.Join(baseDir, "agents")),
	)
	return coordinator, bus
}

// loadSettings reads corvus.toml when present; a missing file yields empty
// settings.
func loadSettings(repoRoot string) *config.Settings {
	path, err := config.FindSettingsFile(repoRoot)
	if err != nil || path == "" {
		return &config.Settings{}
	}
	settings, _, err := config.LoadSettings(path)
	if err != nil {
		logging.New("config").Warn("ignoring unreadable settings file", "path", path, "error", err)
		return &config.Settings{}
	}
	return settings
}

func resolveBaseDir(repoRoot string, settings *config.Settings) string {
	if settings.StateDir != "" {
		if filepath.IsAbs(settings.StateDir) {
			return settings.StateDir
		}
		return filepath.Join(repoRoot, settings.StateDir)
	}
	return filepath.Join(repoRoot, baseDirName)
}

// claudeFromSettings builds the Claude adapter from the [runtimes.claude]
// settings section.
func claudeFromSettings(settings *config.Settings) *runtime.ClaudeRuntime {
	rc := settings.Runtimes["claude"]
	return runtime.NewClaudeRuntime(runtime.ClaudeConfig{
		Command:        rc.Command,
		Model:          rc.Model,
		PermissionMode: rc.PermissionMode,
		ExtraArgs:      rc.ExtraArgs,
	}, logging.New("claude"))
}

// repoTopLevel resolves the repository root of the current directory.
func repoTopLevel(vcs gitx.VCS) (string, error) {
	client, ok := vcs.(*gitx.Client)
	if !ok {
		return vcs.WorkDir(), nil
	}
	return client.TopLevel(context.Background())
}
