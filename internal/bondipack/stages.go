package bondipack

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage is a named build phase.
type Stage string

const (
	StageUnpack    Stage = "unpack"
	StagePrepare   Stage = "prepare"
	StageBuild     Stage = "build"
	StageInstall   Stage = "install"
	StageRepackage Stage = "repackage"
	StageClean     Stage = "clean"
)

var allStages = []Stage{StageUnpack, StagePrepare, StageBuild, StageInstall, StageRepackage, StageClean}

// stageRank orders the forward stages. clean stands alone.
var stageRank = map[Stage]int{
	StageUnpack:    1,
	StagePrepare:   2,
	StageBuild:     3,
	StageInstall:   4,
	StageRepackage: 5,
}

// DefaultStages is the full forward sequence.
var DefaultStages = []Stage{StageUnpack, StagePrepare, StageBuild, StageInstall, StageRepackage}

// BuildContext is the per-invocation view of the work directory. Completed
// stages are stamped under StateDir so later invocations see them.
type BuildContext struct {
	ID          string
	WorkDir     string
	SourceDir   string
	InstallDir  string
	StateDir    string
	SourcePaths []string

	completed map[Stage]bool
}

// NewBuildContext resolves the directory layout below workDir without
// touching the filesystem.
func NewBuildContext(workDir string) (*BuildContext, error) {
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		workDir = wd
	}
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, err
	}
	return &BuildContext{
		ID:         uuid.NewString(),
		WorkDir:    abs,
		SourceDir:  filepath.Join(abs, "sources"),
		InstallDir: filepath.Join(abs, "install"),
		StateDir:   filepath.Join(abs, ".bondi"),
		completed:  make(map[Stage]bool),
	}, nil
}

func (b *BuildContext) stampPath(s Stage) string {
	return filepath.Join(b.StateDir, string(s)+".done")
}

// Completed reports whether s finished, in this invocation or an earlier one.
func (b *BuildContext) Completed(s Stage) bool {
	if b.completed[s] {
		return true
	}
	_, err := os.Stat(b.stampPath(s))
	return err == nil
}

func (b *BuildContext) markCompleted(s Stage) error {
	b.completed[s] = true
	if err := os.MkdirAll(b.StateDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(b.stampPath(s), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644)
}

// invalidateFrom drops the stamps of s and every later stage; re-running a
// stage makes the output of the following ones stale.
func (b *BuildContext) invalidateFrom(s Stage) {
	for st, rank := range stageRank {
		if rank >= stageRank[s] {
			delete(b.completed, st)
			os.Remove(b.stampPath(st))
		}
	}
}

// StageExecutor drives the stage state machine for one spec.
type StageExecutor struct {
	Spec      *PackageSpec
	Config    *BuildConfig
	Context   *BuildContext
	Runner    Runner
	Sources   *SourceCache
	Assembler *Assembler
	Output    io.Writer
	Logger    *slog.Logger

	// Artifacts holds what repackage produced.
	Artifacts []*Artifact
}

// ValidateSequence accepts a single clean stage or a strictly ascending
// run of forward stages.
func ValidateSequence(stages []Stage) error {
	if len(stages) == 0 {
		return newError(KindInvocation, "stages", "no stage requested")
	}
	for i, s := range stages {
		if s == StageClean {
			if len(stages) != 1 {
				return newError(KindInvocation, "stages", "clean cannot be combined with other stages")
			}
			return nil
		}
		rank, ok := stageRank[s]
		if !ok {
			return newError(KindInvocation, "stages", "unknown stage %q", s)
		}
		if i > 0 && rank <= stageRank[stages[i-1]] {
			return newError(KindInvocation, "stages", "stage %s cannot follow %s", s, stages[i-1])
		}
	}
	return nil
}

// Run executes stages in order. The target check happens before anything
// on disk is touched. The first failure aborts the run and leaves the work
// directory as it is.
func (x *StageExecutor) Run(ctx context.Context, stages ...Stage) error {
	if err := ValidateSequence(stages); err != nil {
		return err
	}
	if err := CheckTarget(x.Spec, x.Config); err != nil {
		return err
	}
	log := ensureLogger(x.Logger).With("build", x.Context.ID)

	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return wrapError(KindInterrupted, string(s), err, "interrupted")
		}
		start := time.Now()
		log.Info(fmt.Sprintf("Running %s stage for %s", s, x.Spec.Name))
		if s != StageClean && s != StageRepackage {
			x.Context.invalidateFrom(s)
		}
		if err := x.runStage(ctx, s); err != nil {
			return err
		}
		if s != StageClean {
			if err := x.Context.markCompleted(s); err != nil {
				return wrapError(KindIO, string(s), err, "recording stage completion")
			}
		}
		log.Debug("stage finished", "stage", string(s), "elapsed", elapsed(start))
	}
	return nil
}

func (x *StageExecutor) runStage(ctx context.Context, s Stage) error {
	switch s {
	case StageUnpack:
		return x.unpack(ctx)
	case StagePrepare, StageBuild:
		if err := os.MkdirAll(x.Context.SourceDir, 0o755); err != nil {
			return wrapError(KindIO, string(s), err, "creating build directory")
		}
		return x.runCommands(ctx, s)
	case StageInstall:
		if err := os.RemoveAll(x.Context.InstallDir); err != nil {
			return wrapError(KindIO, string(s), err, "clearing install directory")
		}
		if err := os.MkdirAll(x.Context.InstallDir, 0o755); err != nil {
			return wrapError(KindIO, string(s), err, "creating install directory")
		}
		return x.runCommands(ctx, s)
	case StageRepackage:
		return x.repackage(ctx)
	case StageClean:
		return x.runCommands(ctx, s)
	}
	return newError(KindInvocation, string(s), "unknown stage")
}

func (x *StageExecutor) unpack(ctx context.Context) error {
	log := ensureLogger(x.Logger)
	if err := os.MkdirAll(x.Context.SourceDir, 0o755); err != nil {
		return wrapError(KindIO, "unpack", err, "creating source directory")
	}

	paths, err := x.Sources.Materialize(ctx, x.Spec, x.Config)
	if err != nil {
		return err
	}
	x.Context.SourcePaths = paths

	for i, path := range paths {
		dest := filepath.Join(x.Context.SourceDir, x.Spec.Sources[i].Subdir)
		log.Info("Unpacking " + filepath.Base(path))
		if err := ExtractArchive(path, x.Spec.Sources[i].FileName(), dest); err != nil {
			return wrapError(KindIO, "unpack", err, "unpacking %s", filepath.Base(path))
		}
	}

	for i, p := range x.Spec.Patches {
		file, err := x.locatePatch(p.File)
		if err != nil {
			return &Error{Kind: KindPatchApply, Op: "unpack", Package: x.Spec.Name, Msg: fmt.Sprintf("patch #%d (%s)", i+1, p.File), Err: err}
		}
		log.Info("Applying " + filepath.Base(file))
		dir := filepath.Join(x.Context.SourceDir, p.Subdir)
		if err := ApplyPatch(file, dir, p.Strip); err != nil {
			return &Error{Kind: KindPatchApply, Op: "unpack", Package: x.Spec.Name, Msg: fmt.Sprintf("patch #%d (%s)", i+1, p.File), Err: err}
		}
	}

	return x.runCommands(ctx, StageUnpack)
}

// locatePatch looks next to the specfile first, then in the sources.
func (x *StageExecutor) locatePatch(name string) (string, error) {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return "", err
		}
		return name, nil
	}
	for _, base := range []string{x.Spec.Dir, x.Context.SourceDir} {
		candidate := filepath.Join(base, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("couldn't locate patch %q", name)
}

func (x *StageExecutor) repackage(ctx context.Context) error {
	if !x.Context.Completed(StageInstall) {
		return &Error{
			Kind:    KindMissingInstalledFiles,
			Op:      "repackage",
			Package: x.Spec.Name,
			Msg:     fmt.Sprintf("no completed install stage in %s, run install first", x.Context.WorkDir),
		}
	}
	if _, err := os.Stat(x.Context.InstallDir); err != nil {
		return wrapError(KindMissingInstalledFiles, "repackage", err, "install tree")
	}

	outDir := x.Config.OutDir
	if outDir == "" {
		outDir = x.Context.WorkDir
	}
	artifacts, err := x.Assembler.Assemble(ctx, x.Spec, x.Context.InstallDir, outDir, x.Config)
	if err != nil {
		return err
	}
	x.Artifacts = artifacts
	return nil
}

// runCommands executes the declared commands of s one after another and
// stops at the first failure.
func (x *StageExecutor) runCommands(ctx context.Context, s Stage) error {
	cmds := x.Spec.Stages[s]
	if len(cmds) == 0 {
		return nil
	}
	log := ensureLogger(x.Logger)
	env := x.Environment()
	lookup := envLookup(env)
	terms := TrueTerms(x.Config)

	out := x.Output
	if out == nil {
		out = io.Discard
	}

	for i, c := range cmds {
		if !c.If.Eval(terms) {
			log.Debug("command skipped by filter", "stage", string(s), "index", i+1, "if", c.If.String())
			continue
		}

		args := make([]string, len(c.Args))
		for j, a := range c.Args {
			args[j] = os.Expand(a, lookup)
		}
		dir := x.Context.SourceDir
		if c.Dir != "" {
			d := os.Expand(c.Dir, lookup)
			if filepath.IsAbs(d) {
				dir = d
			} else {
				dir = filepath.Join(dir, d)
			}
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return wrapError(KindIO, string(s), err, "creating %s", dir)
		}

		log.Debug("run", "stage", string(s), "index", i+1, "command", Command{Args: args}.String(), "dir", dir)

		tail := newTailBuffer(4096)
		w := io.MultiWriter(out, tail)
		err := x.Runner.Run(ctx, &Process{Args: args, Dir: dir, Env: env, Stdout: w, Stderr: w})
		if err == nil {
			continue
		}
		if KindOf(err) == KindInterrupted || ctx.Err() != nil {
			return wrapError(KindInterrupted, string(s), err, "command #%d interrupted", i+1)
		}
		return &StageError{
			Stage:    s,
			Index:    i + 1,
			Command:  args,
			ExitCode: exitStatus(err),
			Output:   tail.String(),
			Err:      err,
		}
	}
	return nil
}

// inherited environment variables besides BONDI_*
var passthroughEnv = []string{"PATH", "USER", "USERNAME", "HOME", "TERM", "TMPDIR"}

// Environment returns the sorted environment stage commands run with.
func (x *StageExecutor) Environment() []string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if strings.HasPrefix(k, "BONDI_") || slices.Contains(passthroughEnv, k) {
			env[k] = v
		}
	}

	cfg, bc := x.Config, x.Context
	env["BONDI_WORK_DIR"] = bc.WorkDir
	env["BONDI_SOURCE_DIR"] = bc.SourceDir
	env["BONDI_BUILD_DIR"] = bc.SourceDir
	env["BONDI_INSTALL_DIR"] = bc.InstallDir
	env["BONDI_BUILD_ID"] = bc.ID
	env["BONDI_ARCH"] = cfg.Arch
	env["BONDI_TOOLS_ARCH"] = cfg.ToolsArch
	env["BONDI_LIBC_NAME"] = string(cfg.Libc)
	env["BONDI_BUILD_FOR"] = string(cfg.BuildFor)
	env["BONDI_RELEASE"] = cfg.Release
	env["BONDI_BUILD_TYPE"] = cfg.TargetType()
	env["BONDI_TOOLS_TYPE"] = cfg.ToolsType()
	env["BONDI_HOST_TYPE"] = cfg.HostType()
	env["BONDI_TARGET_TYPE"] = cfg.BuildTargetType()
	env["BONDI_INSTALL_PREFIX"] = cfg.InstallPrefix()
	if _, ok := env["BONDI_PARALLEL_JOBS"]; !ok {
		env["BONDI_PARALLEL_JOBS"] = strconv.Itoa(max(cfg.Jobs, 1))
	}
	if env["PATH"] == "" {
		env["PATH"] = "/bin:/sbin:/usr/bin:/usr/sbin:/usr/local/bin"
	}
	for k, v := range x.Spec.Defines {
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func envLookup(env []string) func(string) string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return func(k string) string { return m[k] }
}
