package bondipack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// helloProject writes a specfile plus its local source tarball and returns
// the specfile path.
func helloProject(t *testing.T, stages string) string {
	t.Helper()
	dir := t.TempDir()
	tarball := makeTarGz(t, "hello-1.0", map[string]string{"hello.c": "int main() { return 0; }\n"})
	mustWrite(t, filepath.Join(dir, "hello-1.0.tar.gz"), string(tarball))
	return writeSpec(t, dir, fmt.Sprintf(`
name: hello
version: "1.0"
architecture: [x86_64]
build-dependencies:
  - gcc (>= 13) | clang
  - make
sources:
  - url: hello-1.0.tar.gz
    checksum: %s
stages:
%s
packages:
  - name: hello
    files: ${prefix}/bin
  - name: hello-doc
    files: ${prefix}/share/doc
`, sha256Digest(tarball), stages))
}

const helloStages = `  build:
    - write out/hello compiled
  install:
    - write ${BONDI_INSTALL_DIR}/usr/bin/hello hi
    - write ${BONDI_INSTALL_DIR}/usr/share/doc/hello/README docs`

var toolchain = StaticDB{"gcc": "14.2", "make": "4.4"}

func newTestControl(t *testing.T, specPath string, cfg *BuildConfig, opts ...Option) *Control {
	t.Helper()
	defaults := []Option{WithRunner(&fakeRunner{}), WithPackageDB(toolchain), WithFetcher(&fakeFetcher{})}
	c, err := New(specPath, cfg, append(defaults, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestControlSkipsForeignArchitecture(t *testing.T) {
	cfg := testConfig(t)
	cfg.Arch = "aarch64"
	runner := &fakeRunner{}
	c := newTestControl(t, helloProject(t, helloStages), cfg, WithRunner(runner))

	res, err := c.Run(context.Background(), ActionWouldBuild)
	if !errors.Is(err, ErrSkipBuild) {
		t.Fatalf("Run(would_build) error = %v, want ErrSkipBuild", err)
	}
	if res == nil || res.WouldBuild {
		t.Errorf("Run(would_build) result = %+v, want WouldBuild false", res)
	}
	if got := ExitCode(err); got != 42 {
		t.Errorf("ExitCode() = %d, want 42", got)
	}

	if _, err := c.Run(context.Background(), ActionDefault); !errors.Is(err, ErrSkipBuild) {
		t.Fatalf("Run(default) error = %v, want ErrSkipBuild", err)
	}
	if tree := listTree(t, cfg.WorkDir); len(tree) != 0 {
		t.Errorf("work dir touched: %v", tree)
	}
	if len(runner.commands()) != 0 {
		t.Errorf("commands ran: %v", runner.commands())
	}
}

func TestControlWouldBuild(t *testing.T) {
	c := newTestControl(t, helloProject(t, helloStages), testConfig(t))
	res, err := c.Run(context.Background(), ActionWouldBuild)
	if err != nil {
		t.Fatalf("Run(would_build) error = %v", err)
	}
	if !res.WouldBuild || res.Action != ActionWouldBuild {
		t.Errorf("Run(would_build) = %+v", res)
	}
}

func TestControlDefaultAction(t *testing.T) {
	cfg := testConfig(t)
	cfg.OutDir = t.TempDir()
	runner := &fakeRunner{}
	var out bytes.Buffer
	c := newTestControl(t, helloProject(t, helloStages), cfg, WithRunner(runner), WithOutput(&out))

	res, err := c.Run(context.Background(), ActionDefault)
	if err != nil {
		t.Fatalf("Run(default) error = %v", err)
	}
	if len(res.Artifacts) != 2 {
		t.Fatalf("Run(default) produced %d artifacts, want 2", len(res.Artifacts))
	}
	for i, want := range []string{"hello_1.0_x86_64.bondi", "hello-doc_1.0_x86_64.bondi"} {
		if got := filepath.Base(res.Artifacts[i].Path); got != want {
			t.Errorf("artifact %d = %s, want %s", i, got, want)
		}
		if _, err := ReadArtifact(res.Artifacts[i].Path); err != nil {
			t.Errorf("ReadArtifact(%s) error = %v", want, err)
		}
	}
	if res.WorkDir != cfg.WorkDir {
		t.Errorf("WorkDir = %q, want %q", res.WorkDir, cfg.WorkDir)
	}
	if _, err := os.Stat(filepath.Join(cfg.WorkDir, "sources", "hello.c")); err != nil {
		t.Errorf("sources were not unpacked: %v", err)
	}
	if got := len(runner.commands()); got != 3 {
		t.Errorf("ran %d commands, want 3: %v", got, runner.commands())
	}
}

func TestControlStagesAcrossInvocations(t *testing.T) {
	cfg := testConfig(t)
	cfg.OutDir = t.TempDir()
	spec := helloProject(t, helloStages)

	for _, action := range []Action{ActionUnpack, ActionPrepare, ActionBuild, ActionInstall} {
		if _, err := newTestControl(t, spec, cfg).Run(context.Background(), action); err != nil {
			t.Fatalf("Run(%s) error = %v", action, err)
		}
	}
	res, err := newTestControl(t, spec, cfg).Run(context.Background(), ActionRepackage)
	if err != nil {
		t.Fatalf("Run(repackage) error = %v", err)
	}
	if len(res.Artifacts) != 2 {
		t.Errorf("Run(repackage) produced %d artifacts, want 2", len(res.Artifacts))
	}
}

func TestControlBuildFailureKeepsWorkDir(t *testing.T) {
	t.Setenv("BONDI_ROOT", t.TempDir())
	work, cache := t.TempDir(), t.TempDir()
	spec := helloProject(t, `  prepare:
    - write configured yes
  build:
    - fail 2`)
	var stdout, stderr bytes.Buffer

	code := Execute(context.Background(),
		[]string{"--arch", "x86_64", "--libc", "musl", "--work-dir", work, "--cache-dir", cache, spec},
		&stdout, &stderr,
		WithRunner(&fakeRunner{}), WithPackageDB(toolchain), WithFetcher(&fakeFetcher{}))

	if code != 2 {
		t.Fatalf("Execute() = %d, want 2; stderr:\n%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "Error: ") || !strings.Contains(stderr.String(), "build command #1 (fail 2) failed with exit code 2") {
		t.Errorf("stderr = %q", stderr.String())
	}
	if _, err := os.Stat(filepath.Join(work, "sources", "configured")); err != nil {
		t.Errorf("prepare output was removed: %v", err)
	}
	if !strings.Contains(stdout.String(), "boom") {
		t.Errorf("command output not forwarded: %q", stdout.String())
	}
}

func TestControlForceLocalWithoutSource(t *testing.T) {
	t.Setenv("BONDI_ROOT", t.TempDir())
	dir := t.TempDir()
	spec := writeSpec(t, dir, `
name: hello
version: "1.0"
sources:
  - url: https://example.org/hello-1.0.tar.gz
    checksum: `+strings.Repeat("ab", 32)+`
`)
	fetcher := &fakeFetcher{}
	var stdout, stderr bytes.Buffer

	code := Execute(context.Background(),
		[]string{"--arch", "x86_64", "--libc", "musl", "--force-local", "--work-dir", t.TempDir(), "--cache-dir", t.TempDir(), spec, "unpack"},
		&stdout, &stderr,
		WithRunner(&fakeRunner{}), WithPackageDB(toolchain), WithFetcher(fetcher))

	if code != 2 {
		t.Fatalf("Execute() = %d, want 2; stderr:\n%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "network fetch is disabled") {
		t.Errorf("stderr = %q", stderr.String())
	}
	if len(fetcher.urls()) != 0 {
		t.Errorf("fetched %v with --force-local", fetcher.urls())
	}
}

func TestControlListDeps(t *testing.T) {
	var out bytes.Buffer
	c := newTestControl(t, helloProject(t, helloStages), testConfig(t), WithPackageDB(StaticDB{}), WithOutput(&out))

	res, err := c.Run(context.Background(), ActionListDeps)
	if err != nil {
		t.Fatalf("Run(list_deps) error = %v", err)
	}
	if got, want := out.String(), "gcc (>= 13) | clang, make\n"; got != want {
		t.Errorf("list_deps output = %q, want %q", got, want)
	}
	if len(res.Dependencies.Missing) != 2 {
		t.Errorf("Missing = %v", res.Dependencies.Missing)
	}
}

func TestControlUnmetDependencies(t *testing.T) {
	spec := helloProject(t, helloStages)
	db := StaticDB{"make": "4.4"}

	_, err := newTestControl(t, spec, testConfig(t), WithPackageDB(db)).Run(context.Background(), ActionBuild)
	if !errors.Is(err, ErrUnmetDependency) {
		t.Fatalf("Run(build) error = %v, want ErrUnmetDependency", err)
	}
	if !strings.Contains(err.Error(), "gcc (>= 13) | clang") {
		t.Errorf("error %q does not name the missing dependency", err)
	}

	if _, err := newTestControl(t, spec, testConfig(t), WithPackageDB(db)).Run(context.Background(), ActionUnpack); err != nil {
		t.Errorf("Run(unpack) error = %v, want dependencies ignored", err)
	}

	cfg := testConfig(t)
	cfg.IgnoreDeps = true
	if _, err := newTestControl(t, spec, cfg, WithPackageDB(db)).Run(context.Background(), ActionBuild); err != nil {
		t.Errorf("Run(build) with IgnoreDeps error = %v", err)
	}
}

func TestControlMkBuildDeps(t *testing.T) {
	cfg := testConfig(t)
	cfg.OutDir = t.TempDir()
	c := newTestControl(t, helloProject(t, helloStages), cfg, WithPackageDB(StaticDB{"make": "4.4"}))

	for range 2 {
		res, err := c.Run(context.Background(), ActionMkBuildDeps)
		if err != nil {
			t.Fatalf("Run(mk_build_deps) error = %v", err)
		}
		if len(res.Artifacts) != 1 {
			t.Fatalf("Run(mk_build_deps) = %d artifacts, want 1", len(res.Artifacts))
		}
	}

	target, err := os.Readlink(filepath.Join(cfg.OutDir, BuildDepsLink))
	if err != nil {
		t.Fatalf("Readlink() error = %v", err)
	}
	if target != "hello-build-deps_1.0_all.bondi" {
		t.Errorf("%s -> %s", BuildDepsLink, target)
	}
	meta, err := ReadArtifact(filepath.Join(cfg.OutDir, target))
	if err != nil {
		t.Fatalf("ReadArtifact() error = %v", err)
	}
	if got := FormatDependencies(meta.Requires); got != "gcc (>= 13) | clang" {
		t.Errorf("Requires = %q", got)
	}
	if len(meta.Files) != 0 {
		t.Errorf("meta package carries files: %v", meta.Files)
	}
}

func TestControlPackageFilters(t *testing.T) {
	spec := helloProject(t, helloStages)

	cfg := testConfig(t)
	cfg.EnablePackages = []string{"hello-dbg"}
	if _, err := New(spec, cfg, WithPackageDB(toolchain)); !errors.Is(err, ErrInvocation) {
		t.Errorf("New() error = %v, want ErrInvocation for an unknown package", err)
	}

	cfg = testConfig(t)
	cfg.OutDir = t.TempDir()
	cfg.DisablePackages = []string{"hello-doc"}
	res, err := newTestControl(t, spec, cfg).Run(context.Background(), ActionDefault)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Name != "hello" {
		t.Errorf("Run() artifacts = %v, want only hello", res.Artifacts)
	}
}

// recordingWriter keeps artifact destinations instead of writing files.
type recordingWriter struct {
	mu    sync.Mutex
	dests []string
}

func (w *recordingWriter) WriteArtifact(ctx context.Context, a *Artifact, dest string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dests = append(w.dests, dest)
	return nil
}

func TestControlCustomArchiveWriter(t *testing.T) {
	cfg := testConfig(t)
	cfg.OutDir = t.TempDir()
	w := &recordingWriter{}
	res, err := newTestControl(t, helloProject(t, helloStages), cfg, WithArchiveWriter(w)).Run(context.Background(), ActionDefault)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Artifacts) != 2 {
		t.Fatalf("Run() produced %d artifacts, want 2", len(res.Artifacts))
	}
	slices.Sort(w.dests)
	want := []string{
		filepath.Join(cfg.OutDir, "hello-doc_1.0_x86_64.bondi"),
		filepath.Join(cfg.OutDir, "hello_1.0_x86_64.bondi"),
	}
	if diff := cmp.Diff(want, w.dests); diff != "" {
		t.Errorf("writer destinations mismatch (-want +got):\n%s", diff)
	}
	for _, d := range w.dests {
		if _, err := os.Stat(d); !os.IsNotExist(err) {
			t.Errorf("%s exists, the injected writer should have replaced the default", d)
		}
	}
}

func TestParseAction(t *testing.T) {
	for in, want := range map[string]Action{
		"":              ActionDefault,
		"build":         ActionBuild,
		"list-deps":     ActionListDeps,
		"mk_build_deps": ActionMkBuildDeps,
		"would-build":   ActionWouldBuild,
	} {
		got, err := ParseAction(in)
		if err != nil || got != want {
			t.Errorf("ParseAction(%q) = %q, %v, want %q", in, got, err, want)
		}
	}
	if _, err := ParseAction("deploy"); !errors.Is(err, ErrInvocation) {
		t.Errorf("ParseAction(deploy) error = %v, want ErrInvocation", err)
	}
}

func TestExecuteInvocationErrors(t *testing.T) {
	t.Setenv("BONDI_ROOT", t.TempDir())
	spec := helloProject(t, helloStages)
	tests := []struct {
		name string
		args []string
	}{
		{"no arguments", nil},
		{"too many arguments", []string{spec, "build", "extra"}},
		{"unknown flag", []string{"--frobnicate", spec}},
		{"unknown action", []string{"--arch", "x86_64", spec, "deploy"}},
		{"bad libc", []string{"--arch", "x86_64", "--libc", "uclibc", spec}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := Execute(context.Background(), tt.args, &stdout, &stderr, WithRunner(&fakeRunner{})); code != 1 {
				t.Errorf("Execute() = %d, want 1; stderr:\n%s", code, stderr.String())
			}
		})
	}
}

func TestExecuteWouldBuildExitCodes(t *testing.T) {
	t.Setenv("BONDI_ROOT", t.TempDir())
	spec := helloProject(t, helloStages)
	for arch, want := range map[string]int{"x86_64": 0, "aarch64": 42} {
		var stdout, stderr bytes.Buffer
		code := Execute(context.Background(),
			[]string{"--arch", arch, "--libc", "musl", "--work-dir", t.TempDir(), spec, "would_build"},
			&stdout, &stderr, WithRunner(&fakeRunner{}), WithPackageDB(toolchain))
		if code != want {
			t.Errorf("would_build for %s = %d, want %d; stderr:\n%s", arch, code, want, stderr.String())
		}
	}
}

func TestResultArtifactsFlatten(t *testing.T) {
	dbg := &Artifact{Name: "hello-debug"}
	arts := []*Artifact{{Name: "hello", Debug: dbg}, {Name: "hello-doc"}}
	var names []string
	for _, a := range Flatten(arts) {
		names = append(names, a.Name)
	}
	if diff := cmp.Diff([]string{"hello", "hello-debug", "hello-doc"}, names); diff != "" {
		t.Errorf("Flatten() mismatch (-want +got):\n%s", diff)
	}
}
