package bondipack

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Action selects what an invocation does.
type Action string

const (
	ActionDefault     Action = "default"
	ActionUnpack      Action = "unpack"
	ActionPrepare     Action = "prepare"
	ActionBuild       Action = "build"
	ActionInstall     Action = "install"
	ActionRepackage   Action = "repackage"
	ActionClean       Action = "clean"
	ActionListDeps    Action = "list_deps"
	ActionMkBuildDeps Action = "mk_build_deps"
	ActionWouldBuild  Action = "would_build"
)

// Actions lists every action in the order they are documented.
var Actions = []Action{
	ActionDefault, ActionUnpack, ActionPrepare, ActionBuild, ActionInstall,
	ActionRepackage, ActionClean, ActionListDeps, ActionMkBuildDeps, ActionWouldBuild,
}

// ParseAction accepts action names with either "_" or "-".
func ParseAction(s string) (Action, error) {
	a := Action(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	if a == "" {
		return ActionDefault, nil
	}
	if slices.Contains(Actions, a) {
		return a, nil
	}
	return "", newError(KindInvocation, "", "unknown action %q", s)
}

// BuildDepsLink is the stable name pointing at the newest build-deps
// package in the output directory.
const BuildDepsLink = "bondi-build-deps.bondi"

// Result is what an action produced.
type Result struct {
	Action       Action
	WouldBuild   bool
	Dependencies *ResolvedDependencies
	// Artifacts are primary artifacts in declared order, debug companions
	// attached.
	Artifacts []*Artifact
	WorkDir   string
}

// Control is the entry point for one specfile and one configuration.
type Control struct {
	Spec   *PackageSpec
	Config BuildConfig

	logger  *slog.Logger
	runner  Runner
	db      PackageDB
	fetcher Fetcher
	writer  ArchiveWriter
	output  io.Writer
}

type Option func(*Control)

func WithLogger(l *slog.Logger) Option { return func(c *Control) { c.logger = l } }

// WithRunner replaces the process runner used for stage commands and
// objcopy.
func WithRunner(r Runner) Option { return func(c *Control) { c.runner = r } }

func WithPackageDB(db PackageDB) Option { return func(c *Control) { c.db = db } }

func WithFetcher(f Fetcher) Option { return func(c *Control) { c.fetcher = f } }

func WithArchiveWriter(w ArchiveWriter) Option { return func(c *Control) { c.writer = w } }

// WithOutput sets where stage command output and list_deps go.
func WithOutput(w io.Writer) Option { return func(c *Control) { c.output = w } }

// New validates cfg, loads the specfile and checks the package filters
// against the declared packages.
func New(specPath string, cfg *BuildConfig, opts ...Option) (*Control, error) {
	c := &Control{Config: *cfg}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = ensureLogger(c.logger)
	if c.runner == nil {
		c.runner = &ExecRunner{}
	}
	if c.db == nil {
		c.db = NewInstalledDB(os.Getenv("BONDI_ROOT"))
	}
	if c.fetcher == nil {
		c.fetcher = &DefaultFetcher{Client: newHTTPClient()}
	}
	if c.writer == nil {
		c.writer = TarZstdWriter{}
	}
	if c.output == nil {
		c.output = io.Discard
	}

	if err := c.Config.Validate(); err != nil {
		return nil, err
	}
	spec, err := LoadSpec(specPath)
	if err != nil {
		return nil, err
	}
	c.Spec = spec

	for _, list := range []struct {
		flag  string
		names []string
	}{{"enable-packages", c.Config.EnablePackages}, {"disable-packages", c.Config.DisablePackages}} {
		for _, name := range list.names {
			if !slices.ContainsFunc(spec.Packages, func(d BinaryPackageDef) bool { return d.Name == name }) {
				return nil, newError(KindInvocation, "", "--%s: %s does not declare a package %q", list.flag, spec.Name, name)
			}
		}
	}
	return c, nil
}

type actionHandler func(c *Control, ctx context.Context) (*Result, error)

var actionHandlers = map[Action]actionHandler{
	ActionDefault:     stagesHandler(DefaultStages...),
	ActionUnpack:      stagesHandler(StageUnpack),
	ActionPrepare:     stagesHandler(StagePrepare),
	ActionBuild:       stagesHandler(StageBuild),
	ActionInstall:     stagesHandler(StageInstall),
	ActionRepackage:   stagesHandler(StageRepackage),
	ActionClean:       stagesHandler(StageClean),
	ActionListDeps:    (*Control).listDeps,
	ActionMkBuildDeps: (*Control).mkBuildDeps,
	ActionWouldBuild:  (*Control).wouldBuild,
}

// Run performs action. Every action first checks that the package applies
// to the configured target and fails with ErrSkipBuild otherwise.
func (c *Control) Run(ctx context.Context, action Action) (*Result, error) {
	handler, ok := actionHandlers[action]
	if !ok {
		return nil, newError(KindInvocation, "", "unknown action %q", action)
	}
	if err := CheckTarget(c.Spec, &c.Config); err != nil {
		return &Result{Action: action}, err
	}
	res, err := handler(c, ctx)
	if res != nil {
		res.Action = action
	}
	return res, err
}

// dependencies resolves build dependencies and enforces them unless
// IgnoreDeps is set.
func (c *Control) dependencies(enforce bool) (*ResolvedDependencies, error) {
	deps := ResolveDependencies(c.Spec, &c.Config, c.db)
	if !enforce || len(deps.Missing) == 0 {
		return deps, nil
	}
	if c.Config.IgnoreDeps {
		c.logger.Warn("ignoring missing dependencies: " + FormatDependencies(deps.Missing))
		return deps, nil
	}
	err := deps.RequireSatisfied()
	if e, ok := err.(*Error); ok {
		e.Package = c.Spec.Name
	}
	return deps, err
}

func stagesHandler(stages ...Stage) actionHandler {
	return func(c *Control, ctx context.Context) (*Result, error) {
		enforce := !slices.Contains(stages, StageClean) && !slices.Equal(stages, []Stage{StageUnpack})
		deps, err := c.dependencies(enforce)
		res := &Result{Dependencies: deps}
		if err != nil {
			return res, err
		}

		x, err := c.executor()
		if err != nil {
			return res, err
		}
		res.WorkDir = x.Context.WorkDir
		c.logger.Info(fmt.Sprintf("Building %s %s for %s (%s, %s)",
			c.Spec.Name, c.Spec.FullVersion(), c.Config.Arch, c.Config.Libc, c.Config.BuildFor))
		err = x.Run(ctx, stages...)
		res.Artifacts = x.Artifacts
		return res, err
	}
}

func (c *Control) executor() (*StageExecutor, error) {
	bc, err := NewBuildContext(c.Config.WorkDir)
	if err != nil {
		return nil, wrapError(KindInvocation, "", err, "resolving work directory")
	}
	return &StageExecutor{
		Spec:      c.Spec,
		Config:    &c.Config,
		Context:   bc,
		Runner:    c.runner,
		Sources:   NewSourceCache(c.Config.CacheDir, c.fetcher, c.logger),
		Assembler: c.assembler(),
		Output:    c.output,
		Logger:    c.logger,
	}, nil
}

func (c *Control) assembler() *Assembler {
	a := &Assembler{Writer: c.writer, Runner: c.runner, Logger: c.logger, Jobs: c.Config.Jobs}
	if idx, ok := c.db.(LibraryIndex); ok {
		a.Libraries = idx
	}
	return a
}

func (c *Control) listDeps(ctx context.Context) (*Result, error) {
	deps, _ := c.dependencies(false)
	if len(deps.Declared) > 0 {
		fmt.Fprintln(c.output, FormatDependencies(deps.Declared))
	}
	return &Result{Dependencies: deps}, nil
}

func (c *Control) wouldBuild(ctx context.Context) (*Result, error) {
	c.logger.Info(fmt.Sprintf("%s would be built for %s", c.Spec.Name, c.Config.Arch))
	return &Result{WouldBuild: true}, nil
}

// mkBuildDeps writes a meta package requiring the missing build
// dependencies and points BuildDepsLink at it.
func (c *Control) mkBuildDeps(ctx context.Context) (*Result, error) {
	deps, _ := c.dependencies(false)
	res := &Result{Dependencies: deps}

	outDir := c.Config.OutDir
	if outDir == "" {
		bc, err := NewBuildContext(c.Config.WorkDir)
		if err != nil {
			return res, wrapError(KindInvocation, "", err, "resolving work directory")
		}
		outDir = bc.WorkDir
	}

	meta := BuildDepsSpec(c.Spec, deps.Missing)
	cfg := c.Config
	cfg.EnablePackages, cfg.DisablePackages = nil, nil
	cfg.DebugPkgs = false

	artifacts, err := c.assembler().Assemble(ctx, meta, "", outDir, &cfg)
	if err != nil {
		return res, err
	}
	res.Artifacts = artifacts
	if len(artifacts) == 0 {
		return res, nil
	}

	link := filepath.Join(outDir, BuildDepsLink)
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return res, wrapError(KindIO, "mk_build_deps", err, "replacing %s", link)
	}
	if err := os.Symlink(artifacts[0].FileName(), link); err != nil {
		return res, wrapError(KindIO, "mk_build_deps", err, "linking %s", link)
	}
	c.logger.Info(fmt.Sprintf("%s -> %s", BuildDepsLink, artifacts[0].FileName()))
	return res, nil
}
