package bondipack

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Main runs the bondi-pack command line and returns the process exit code.
func Main(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Execute(ctx, args, os.Stdout, os.Stderr)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Execute is Main with explicit streams. opts are applied after the
// defaults derived from the command line.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer, opts ...Option) int {
	var level slog.LevelVar
	level.Set(slog.LevelInfo)
	logger := NewLogger(stderr, &level, isTerminal(stderr))

	var (
		cfg      = DefaultBuildConfig()
		libc     = string(cfg.Libc)
		buildFor = string(cfg.BuildFor)
		noDebug  bool
		noCopy   bool
		debug    bool
		ran      bool
		runErr   error
	)

	root := &cobra.Command{
		Use:           "bondi-pack <specfile> [action]",
		Short:         "Build binary packages from a package specification",
		Long:          "Actions: " + joinActions(),
		Args:          cobra.RangeArgs(1, 2),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ran = true
			if debug {
				level.Set(slog.LevelDebug)
			}
			runErr = runCommand(cmd, args, &cfg, libc, buildFor, !noDebug, !noCopy, stdout, stderr, logger, opts)
			return runErr
		},
	}
	if args == nil {
		// cobra falls back to os.Args for a nil slice
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.Flags()
	flags.StringVar(&cfg.Arch, "arch", cfg.Arch, "target architecture")
	flags.StringVar(&cfg.ToolsArch, "tools-arch", cfg.ToolsArch, "architecture of the tools folder")
	flags.StringVar(&libc, "libc", libc, "libc of the target (musl, glibc)")
	flags.StringVar(&buildFor, "build-for", buildFor, "build for target, tools or cross-tools")
	flags.StringVar(&cfg.Release, "release", cfg.Release, "release the packages belong to")
	flags.StringSliceVar(&cfg.EnablePackages, "enable-packages", nil, "only produce these binary packages")
	flags.StringSliceVar(&cfg.DisablePackages, "disable-packages", nil, "never produce these binary packages")
	flags.BoolVar(&cfg.IgnoreDeps, "ignore-deps", false, "build even if build dependencies are missing")
	flags.BoolVar(&noDebug, "no-debug-pkgs", false, "do not split debug symbols into -debug packages")
	flags.BoolVar(&noCopy, "no-copy-archives", false, "do not copy source archives next to the output")
	flags.BoolVar(&cfg.ForceLocal, "force-local", false, "never download sources")
	flags.StringVar(&cfg.OutDir, "outdir", "", "directory for binary packages (default: work dir)")
	flags.StringVar(&cfg.WorkDir, "work-dir", "", "build directory (default: current directory)")
	flags.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "source cache directory")
	flags.IntVarP(&cfg.Jobs, "jobs", "j", cfg.Jobs, "parallel jobs")
	flags.BoolVar(&debug, "debug", false, "verbose logging")

	if err := root.ExecuteContext(ctx); err != nil && !ran {
		logger.Error(err.Error())
		return ExitInvocation
	}
	if runErr == nil {
		return ExitOK
	}

	switch KindOf(runErr) {
	case KindSkipBuild:
		logger.Info(runErr.Error())
	case KindInterrupted:
		logger.Warn("interrupted: " + runErr.Error())
	default:
		logger.Error(runErr.Error())
		var se *StageError
		if errors.As(runErr, &se) && se.Output != "" {
			logger.Debug("command output", "tail", strings.TrimSpace(se.Output))
		}
	}
	return ExitCode(runErr)
}

func runCommand(cmd *cobra.Command, args []string, cfg *BuildConfig, libc, buildFor string, debugPkgs, copyArchives bool,
	stdout, stderr io.Writer, logger *slog.Logger, extra []Option) error {
	var err error
	if cfg.Libc, err = ParseLibc(libc); err != nil {
		return err
	}
	if cfg.BuildFor, err = ParseBuildFor(buildFor); err != nil {
		return err
	}
	cfg.DebugPkgs = debugPkgs
	cfg.CopyArchives = copyArchives
	if len(args) > 1 {
		if cfg.Action, err = ParseAction(args[1]); err != nil {
			return err
		}
	}

	settings, err := LoadSettings(ConfigFilePath())
	if err != nil {
		logger.Warn(err.Error())
	}
	flagged := *cfg
	settings.Apply(cfg)
	flags := cmd.Flags()
	if flags.Changed("cache-dir") {
		cfg.CacheDir = flagged.CacheDir
	}
	if flags.Changed("release") {
		cfg.Release = flagged.Release
	}
	if flags.Changed("jobs") {
		cfg.Jobs = flagged.Jobs
	}

	var progress io.Writer
	if isTerminal(stderr) {
		progress = stderr
	}
	opts := []Option{
		WithLogger(logger),
		WithOutput(stdout),
		WithRunner(&ExecRunner{Nice: settings.Bool("BONDI_IDLE_PRIORITY")}),
		WithFetcher(NewDefaultFetcher(settings, progress)),
	}
	c, err := New(args[0], cfg, append(opts, extra...)...)
	if err != nil {
		return err
	}
	_, err = c.Run(cmd.Context(), cfg.Action)
	return err
}

func joinActions() string {
	names := make([]string, len(Actions))
	for i, a := range Actions {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}
