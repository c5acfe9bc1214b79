package bondipack

import (
	"context"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// SourceCache stores source archives addressed by their checksum below
// <Dir>/bondi/sources.
type SourceCache struct {
	Dir     string
	Fetcher Fetcher
	Logger  *slog.Logger
}

// NewSourceCache returns a cache rooted at dir.
func NewSourceCache(dir string, fetcher Fetcher, logger *slog.Logger) *SourceCache {
	return &SourceCache{Dir: dir, Fetcher: fetcher, Logger: logger}
}

// ObjectPath is where an archive with checksum d lives in the cache.
func (c *SourceCache) ObjectPath(d digest.Digest) string {
	hex := d.Encoded()
	return filepath.Join(c.Dir, "bondi", "sources", string(d.Algorithm()), hex[:2], hex)
}

// Materialize resolves every declared source to a verified local path.
// Results keep declaration order; up to cfg.Jobs sources are handled at
// once.
func (c *SourceCache) Materialize(ctx context.Context, spec *PackageSpec, cfg *BuildConfig) ([]string, error) {
	paths := make([]string, len(spec.Sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Jobs, 1))
	for i, src := range spec.Sources {
		g.Go(func() error {
			p, err := c.materialize(gctx, spec, cfg, src)
			if err != nil {
				return err
			}
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if cfg.CopyArchives {
		c.copyArchives(spec, cfg, paths)
	}
	return paths, nil
}

func (c *SourceCache) materialize(ctx context.Context, spec *PackageSpec, cfg *BuildConfig, src SourceArchive) (string, error) {
	log := ensureLogger(c.Logger)
	fail := func(kind Kind, err error, format string, args ...any) error {
		e := wrapError(kind, "source", err, format, args...)
		e.Package = spec.Name
		return e
	}

	for _, candidate := range localCandidates(spec, src) {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		log.Info("Found local candidate " + candidate)
		ok, err := verifyFile(candidate, src.Checksum)
		if err != nil {
			return "", fail(KindIO, err, "checking %s", candidate)
		}
		if !ok {
			return "", fail(KindChecksumMismatch, nil, "local candidate %s has incorrect checksum", candidate)
		}
		return candidate, nil
	}

	object := c.ObjectPath(src.Checksum)
	if ok, err := verifyFile(object, src.Checksum); err == nil && ok {
		log.Debug("cache hit", "file", src.FileName(), "object", object)
		return object, nil
	}

	if cfg.ForceLocal {
		return "", fail(KindMissingSource, nil, "%s is not in the local cache and network fetch is disabled", src.FileName())
	}

	urls := remoteCandidates(spec, cfg, src)
	if len(urls) == 0 {
		return "", fail(KindMissingSource, nil, "no location known for %s", src.FileName())
	}

	var lastErr error
	for _, u := range urls {
		err := c.fetchInto(ctx, u, object, src.Checksum)
		if err == nil {
			return object, nil
		}
		if errors.Is(err, ErrChecksumMismatch) || ctx.Err() != nil {
			e := fail(KindOf(err), err, "retrieving %s", src.FileName())
			return "", e
		}
		log.Warn(fmt.Sprintf("failed to retrieve %s: %v", u, err))
		lastErr = err
	}
	return "", fail(KindMissingSource, lastErr, "source archive %s could not be retrieved", src.FileName())
}

// localCandidates lists files next to the specfile that may hold src.
func localCandidates(spec *PackageSpec, src SourceArchive) []string {
	var out []string
	if !strings.Contains(src.URL, "://") {
		p := src.URL
		if !filepath.IsAbs(p) {
			p = filepath.Join(spec.Dir, p)
		}
		out = append(out, p)
	}
	out = append(out, filepath.Join(spec.Dir, "archive", spec.Name, spec.Version, src.FileName()))
	return out
}

// remoteCandidates lists download locations: the mirror pool first, then
// the declared url, then upstream.
func remoteCandidates(spec *PackageSpec, cfg *BuildConfig, src SourceArchive) []string {
	var out []string
	if cfg.Mirror != "" {
		parts := []string{strings.TrimRight(cfg.Mirror, "/")}
		for _, p := range []string{cfg.Release, spec.Repo} {
			if p != "" {
				parts = append(parts, p)
			}
		}
		parts = append(parts, "sources", poolLetter(spec.Name), spec.Name, spec.Version, src.FileName())
		out = append(out, strings.Join(parts, "/"))
	}
	if strings.Contains(src.URL, "://") {
		out = append(out, src.URL)
	}
	if src.Upstream != "" {
		out = append(out, src.Upstream)
	}
	return out
}

// poolLetter groups lib* packages by their fourth letter.
func poolLetter(name string) string {
	if len(name) > 3 && strings.HasPrefix(name, "lib") {
		return name[3:4]
	}
	return name[:1]
}

// fetchInto downloads u to object under an exclusive lock and verifies it
// before it becomes visible.
func (c *SourceCache) fetchInto(ctx context.Context, u, object string, want digest.Digest) error {
	if err := os.MkdirAll(filepath.Dir(object), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	lock, err := os.OpenFile(object+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)

	// another process may have finished the download while we waited
	if ok, err := verifyFile(object, want); err == nil && ok {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(object), ".fetch-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	ensureLogger(c.Logger).Info("Retrieving " + u)
	verifier := want.Verifier()
	if err := c.Fetcher.Fetch(ctx, u, io.MultiWriter(tmp, verifier)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if !verifier.Verified() {
		return newError(KindChecksumMismatch, "source", "%s does not match %s", u, want)
	}
	return os.Rename(tmp.Name(), object)
}

// verifyFile reports whether the file at p has digest want.
func verifyFile(p string, want digest.Digest) (bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return false, err
	}
	defer f.Close()
	got, err := want.Algorithm().FromReader(f)
	if err != nil {
		return false, err
	}
	return got == want, nil
}

// copyArchives keeps a copy of every source beside the output. Failures
// are only logged.
func (c *SourceCache) copyArchives(spec *PackageSpec, cfg *BuildConfig, paths []string) {
	log := ensureLogger(c.Logger)
	base := cfg.OutDir
	if base == "" {
		base = cfg.WorkDir
	}
	if base == "" {
		base = "."
	}
	dir := filepath.Join(base, "archive", spec.Name, spec.Version)

	for i, p := range paths {
		dst := filepath.Join(dir, spec.Sources[i].FileName())
		if same, _ := samePath(p, dst); same {
			continue
		}
		if err := copyFile(p, dst); err != nil {
			log.Warn(fmt.Sprintf("could not copy %s to %s: %v", filepath.Base(p), dir, err))
			continue
		}
		log.Debug("copied source archive", "file", dst)
	}
}

func samePath(a, b string) (bool, error) {
	ra, err := filepath.EvalSymlinks(a)
	if err != nil {
		return false, err
	}
	rb, err := filepath.EvalSymlinks(b)
	if err != nil {
		return false, err
	}
	return ra == rb, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	defer os.Remove(out.Name())
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Chmod(out.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(out.Name(), dst)
}
