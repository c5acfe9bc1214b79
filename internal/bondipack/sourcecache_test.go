package bondipack

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
)

var helloTarball = []byte("pretend this is hello-1.0.tar.gz")

func sourceSpec(t *testing.T, url string, data []byte) *PackageSpec {
	t.Helper()
	return &PackageSpec{
		Name:    "hello",
		Version: "1.0",
		Dir:     t.TempDir(),
		Sources: []SourceArchive{{URL: url, Checksum: digest.Digest(sha256Digest(data))}},
	}
}

func TestMaterializeLocalCandidate(t *testing.T) {
	spec := sourceSpec(t, "hello-1.0.tar.gz", helloTarball)
	local := filepath.Join(spec.Dir, "hello-1.0.tar.gz")
	mustWrite(t, local, string(helloTarball))
	cfg := testConfig(t)
	fetcher := &fakeFetcher{}

	paths, err := NewSourceCache(cfg.CacheDir, fetcher, nil).Materialize(context.Background(), spec, cfg)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if diff := cmp.Diff([]string{local}, paths); diff != "" {
		t.Errorf("Materialize() mismatch (-want +got):\n%s", diff)
	}
	if len(fetcher.urls()) != 0 {
		t.Errorf("fetched %v, want nothing", fetcher.urls())
	}
}

func TestMaterializeArchiveDirCandidate(t *testing.T) {
	spec := sourceSpec(t, "https://example.org/hello-1.0.tar.gz", helloTarball)
	local := filepath.Join(spec.Dir, "archive", "hello", "1.0", "hello-1.0.tar.gz")
	mustWrite(t, local, string(helloTarball))
	cfg := testConfig(t)

	paths, err := NewSourceCache(cfg.CacheDir, &fakeFetcher{}, nil).Materialize(context.Background(), spec, cfg)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if paths[0] != local {
		t.Errorf("Materialize() = %q, want %q", paths[0], local)
	}
}

func TestMaterializeLocalCandidateBadChecksum(t *testing.T) {
	spec := sourceSpec(t, "hello-1.0.tar.gz", helloTarball)
	mustWrite(t, filepath.Join(spec.Dir, "hello-1.0.tar.gz"), "tampered")
	cfg := testConfig(t)

	_, err := NewSourceCache(cfg.CacheDir, &fakeFetcher{}, nil).Materialize(context.Background(), spec, cfg)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Materialize() error = %v, want ErrChecksumMismatch", err)
	}
}

func TestMaterializeFetchesOnceThenHitsCache(t *testing.T) {
	const url = "https://example.org/hello-1.0.tar.gz"
	spec := sourceSpec(t, url, helloTarball)
	cfg := testConfig(t)
	fetcher := &fakeFetcher{content: map[string][]byte{url: helloTarball}}
	cache := NewSourceCache(cfg.CacheDir, fetcher, nil)

	paths, err := cache.Materialize(context.Background(), spec, cfg)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	want := cache.ObjectPath(spec.Sources[0].Checksum)
	if paths[0] != want {
		t.Errorf("Materialize() = %q, want %q", paths[0], want)
	}
	got, err := os.ReadFile(want)
	if err != nil || !bytes.Equal(got, helloTarball) {
		t.Fatalf("cached object = %q, %v", got, err)
	}
	info, _ := os.Stat(want)
	if info.Mode().Perm() != 0o644 {
		t.Errorf("cached object mode = %v, want 0644", info.Mode().Perm())
	}

	if _, err := cache.Materialize(context.Background(), spec, cfg); err != nil {
		t.Fatalf("second Materialize() error = %v", err)
	}
	if diff := cmp.Diff([]string{url}, fetcher.urls()); diff != "" {
		t.Errorf("fetched URLs mismatch (-want +got):\n%s", diff)
	}
}

func TestMaterializeFetchedChecksumMismatch(t *testing.T) {
	const url = "https://example.org/hello-1.0.tar.gz"
	spec := sourceSpec(t, url, helloTarball)
	cfg := testConfig(t)
	fetcher := &fakeFetcher{content: map[string][]byte{url: []byte("not what we expected")}}
	cache := NewSourceCache(cfg.CacheDir, fetcher, nil)

	_, err := cache.Materialize(context.Background(), spec, cfg)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Materialize() error = %v, want ErrChecksumMismatch", err)
	}
	if got := ExitCode(err); got != 2 {
		t.Errorf("ExitCode() = %d, want 2", got)
	}
	object := cache.ObjectPath(spec.Sources[0].Checksum)
	if _, err := os.Stat(object); !os.IsNotExist(err) {
		t.Errorf("object %s exists after a mismatch", object)
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(object), ".fetch-*"))
	if len(leftovers) != 0 {
		t.Errorf("temporary files left behind: %v", leftovers)
	}
}

func TestMaterializeMirrorThenUpstream(t *testing.T) {
	const url = "https://example.org/hello-1.0.tar.gz"
	spec := sourceSpec(t, url, helloTarball)
	cfg := testConfig(t)
	cfg.Mirror = "https://mirror.example.org/bondi/"
	cfg.Release = "stable"
	fetcher := &fakeFetcher{content: map[string][]byte{url: helloTarball}}

	if _, err := NewSourceCache(cfg.CacheDir, fetcher, nil).Materialize(context.Background(), spec, cfg); err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	want := []string{
		"https://mirror.example.org/bondi/stable/sources/h/hello/1.0/hello-1.0.tar.gz",
		url,
	}
	if diff := cmp.Diff(want, fetcher.urls()); diff != "" {
		t.Errorf("fetch order mismatch (-want +got):\n%s", diff)
	}
}

func TestMaterializeAllLocationsFail(t *testing.T) {
	spec := sourceSpec(t, "https://example.org/hello-1.0.tar.gz", helloTarball)
	spec.Sources[0].Upstream = "https://upstream.example.org/hello-1.0.tar.gz"
	cfg := testConfig(t)
	fetcher := &fakeFetcher{}

	_, err := NewSourceCache(cfg.CacheDir, fetcher, nil).Materialize(context.Background(), spec, cfg)
	if !errors.Is(err, ErrMissingSource) {
		t.Fatalf("Materialize() error = %v, want ErrMissingSource", err)
	}
	if len(fetcher.urls()) != 2 {
		t.Errorf("fetched %v, want both locations tried", fetcher.urls())
	}
}

func TestMaterializeForceLocal(t *testing.T) {
	const url = "https://example.org/hello-1.0.tar.gz"
	spec := sourceSpec(t, url, helloTarball)
	cfg := testConfig(t)
	cfg.ForceLocal = true
	fetcher := &fakeFetcher{content: map[string][]byte{url: helloTarball}}

	_, err := NewSourceCache(cfg.CacheDir, fetcher, nil).Materialize(context.Background(), spec, cfg)
	if !errors.Is(err, ErrMissingSource) {
		t.Fatalf("Materialize() error = %v, want ErrMissingSource", err)
	}
	if len(fetcher.urls()) != 0 {
		t.Errorf("fetched %v with force-local set", fetcher.urls())
	}
}

func TestMaterializeCopyArchives(t *testing.T) {
	const url = "https://example.org/hello-1.0.tar.gz"
	spec := sourceSpec(t, url, helloTarball)
	cfg := testConfig(t)
	cfg.CopyArchives = true
	cfg.OutDir = t.TempDir()
	fetcher := &fakeFetcher{content: map[string][]byte{url: helloTarball}}

	if _, err := NewSourceCache(cfg.CacheDir, fetcher, nil).Materialize(context.Background(), spec, cfg); err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	got, err := os.ReadFile(filepath.Join(cfg.OutDir, "archive", "hello", "1.0", "hello-1.0.tar.gz"))
	if err != nil || !bytes.Equal(got, helloTarball) {
		t.Errorf("copied archive = %q, %v", got, err)
	}
}

func TestMaterializeKeepsDeclarationOrder(t *testing.T) {
	a, b := []byte("archive a"), []byte("archive b")
	spec := &PackageSpec{
		Name:    "hello",
		Version: "1.0",
		Dir:     t.TempDir(),
		Sources: []SourceArchive{
			{URL: "https://example.org/a.tar.gz", Checksum: digest.Digest(sha256Digest(a))},
			{URL: "https://example.org/b.tar.gz", Checksum: digest.Digest(sha256Digest(b))},
		},
	}
	cfg := testConfig(t)
	fetcher := &fakeFetcher{content: map[string][]byte{
		"https://example.org/a.tar.gz": a,
		"https://example.org/b.tar.gz": b,
	}}
	cache := NewSourceCache(cfg.CacheDir, fetcher, nil)

	paths, err := cache.Materialize(context.Background(), spec, cfg)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	want := []string{cache.ObjectPath(spec.Sources[0].Checksum), cache.ObjectPath(spec.Sources[1].Checksum)}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("Materialize() mismatch (-want +got):\n%s", diff)
	}
}

func TestPoolLetter(t *testing.T) {
	for name, want := range map[string]string{"hello": "h", "libfoo": "f", "lib": "l", "zlib": "z"} {
		if got := poolLetter(name); got != want {
			t.Errorf("poolLetter(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestRemoteCandidates(t *testing.T) {
	spec := &PackageSpec{Name: "libpng", Version: "1.6", Repo: "extra"}
	src := SourceArchive{URL: "https://example.org/libpng-1.6.tar.xz", Upstream: "https://up.example.org/libpng-1.6.tar.xz"}
	cfg := &BuildConfig{Mirror: "https://mirror.example.org"}

	want := []string{
		"https://mirror.example.org/extra/sources/p/libpng/1.6/libpng-1.6.tar.xz",
		"https://example.org/libpng-1.6.tar.xz",
		"https://up.example.org/libpng-1.6.tar.xz",
	}
	if diff := cmp.Diff(want, remoteCandidates(spec, cfg, src)); diff != "" {
		t.Errorf("remoteCandidates() mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hello-1.0.tar.gz" {
			http.NotFound(w, r)
			return
		}
		w.Write(helloTarball)
	}))
	defer srv.Close()

	f := &DefaultFetcher{Client: srv.Client()}
	var buf bytes.Buffer
	if err := f.Fetch(context.Background(), srv.URL+"/hello-1.0.tar.gz", &buf); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !bytes.Equal(buf.Bytes(), helloTarball) {
		t.Errorf("Fetch() body = %q", buf.Bytes())
	}
	if err := f.Fetch(context.Background(), srv.URL+"/missing", &buf); err == nil {
		t.Errorf("Fetch(missing) error = nil")
	}

	local := filepath.Join(t.TempDir(), "local.tar")
	mustWrite(t, local, "local bytes")
	buf.Reset()
	if err := f.Fetch(context.Background(), "file://"+local, &buf); err != nil || buf.String() != "local bytes" {
		t.Errorf("Fetch(file) = %q, %v", buf.String(), err)
	}
	if err := f.Fetch(context.Background(), "gopher://example.org/x", &buf); err == nil {
		t.Errorf("Fetch(gopher) error = nil")
	}
}
