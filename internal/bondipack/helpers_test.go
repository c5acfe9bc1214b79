package bondipack

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// exitErr mimics *exec.ExitError for fake runners.
type exitErr int

func (e exitErr) Error() string { return "exit status " + strconv.Itoa(int(e)) }
func (e exitErr) ExitCode() int { return int(e) }

// fakeRunner understands a tiny command vocabulary so tests can model
// stage commands without a shell:
//
//	write <path> <content>   create a file (relative to the process dir)
//	fail <code>              print "boom" and exit with code
//	objcopy ...              pretend to split debug info
//
// Anything else succeeds without side effects.
type fakeRunner struct {
	mu    sync.Mutex
	calls []*Process
}

func (r *fakeRunner) Run(ctx context.Context, p *Process) error {
	r.mu.Lock()
	r.calls = append(r.calls, p)
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	switch p.Args[0] {
	case "write":
		target := p.Args[1]
		if !filepath.IsAbs(target) {
			target = filepath.Join(p.Dir, target)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, []byte(strings.Join(p.Args[2:], " ")), 0o755)
	case "fail":
		code, _ := strconv.Atoi(p.Args[1])
		fmt.Fprintln(p.Stderr, "boom")
		return exitErr(code)
	case "objcopy":
		switch p.Args[1] {
		case "--only-keep-debug":
			return os.WriteFile(p.Args[3], []byte("debug info of "+filepath.Base(p.Args[2])), 0o644)
		case "--strip-unneeded":
			return os.WriteFile(p.Args[2], []byte("stripped"), 0o755)
		}
	}
	return nil
}

func (r *fakeRunner) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, p := range r.calls {
		out[i] = strings.Join(p.Args, " ")
	}
	return out
}

// fakeFetcher serves content from a map and records requested URLs.
type fakeFetcher struct {
	mu      sync.Mutex
	content map[string][]byte
	fetched []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string, w io.Writer) error {
	f.mu.Lock()
	f.fetched = append(f.fetched, rawURL)
	data, ok := f.content[rawURL]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("GET %s: 404 Not Found", rawURL)
	}
	_, err := w.Write(data)
	return err
}

func (f *fakeFetcher) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

func testConfig(t *testing.T) *BuildConfig {
	t.Helper()
	return &BuildConfig{
		Arch:         "x86_64",
		ToolsArch:    "x86_64",
		Libc:         LibcMusl,
		BuildFor:     BuildForTarget,
		DebugPkgs:    true,
		CopyArchives: false,
		WorkDir:      t.TempDir(),
		CacheDir:     t.TempDir(),
		Jobs:         2,
		Action:       ActionDefault,
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func writeSpec(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "bondi.yml")
	mustWrite(t, path, body)
	return path
}

func sha256Digest(data []byte) string {
	return fmt.Sprintf("sha256:%x", sha256.Sum256(data))
}

// makeTarGz builds a gzip compressed tarball of files, all below top
// when top is non-empty.
func makeTarGz(t *testing.T, top string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	if top != "" {
		if err := tw.WriteHeader(&tar.Header{Name: top + "/", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
			t.Fatalf("WriteHeader() error = %v", err)
		}
	}
	for _, name := range names {
		full := name
		if top != "" {
			full = top + "/" + name
		}
		body := files[name]
		hdr := &tar.Header{Name: full, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader() error = %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close() error = %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip Close() error = %v", err)
	}
	return buf.Bytes()
}

// listTree returns every path below root, slash separated and sorted.
func listTree(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	return out
}
