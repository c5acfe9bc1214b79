package bondipack

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"lukechampine.com/blake3"
)

// EntryType tells directories, regular files and symlinks apart in a
// manifest.
type EntryType byte

const (
	EntryFile EntryType = iota
	EntryDir
	EntrySymlink
)

// ManifestEntry is one path of a binary package. Path is slash separated
// and relative to the package root.
type ManifestEntry struct {
	Path     string
	Type     EntryType
	Mode     fs.FileMode
	Size     int64
	Checksum string
	Link     string
	Owner    string
	Group    string
	Conffile bool

	// src is where the content lives on disk while assembling.
	src string
}

// manifestLine renders the entry the way it appears in meta/manifest.
func (e ManifestEntry) manifestLine() string {
	switch e.Type {
	case EntryDir:
		return "/" + e.Path + "/"
	case EntrySymlink:
		return "/" + e.Path + " -> " + e.Link
	}
	return fmt.Sprintf("/%s  %s", e.Path, e.Checksum)
}

// ManifestText is the canonical manifest of files: one line per entry in
// the given order.
func ManifestText(files []ManifestEntry) string {
	var b strings.Builder
	for _, e := range files {
		b.WriteString(e.manifestLine())
		b.WriteByte('\n')
	}
	return b.String()
}

// specialBits are the mode bits kept in packages besides the permissions.
const specialBits = fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky

// entryMode drops everything from m except permissions and special bits.
func entryMode(m fs.FileMode) fs.FileMode {
	return m & (fs.ModePerm | specialBits)
}

// tarMode renders m the way tar headers store it, with the special bits
// as 04000, 02000 and 01000.
func tarMode(m fs.FileMode) int64 {
	mode := int64(m.Perm())
	if m&fs.ModeSetuid != 0 {
		mode |= 0o4000
	}
	if m&fs.ModeSetgid != 0 {
		mode |= 0o2000
	}
	if m&fs.ModeSticky != 0 {
		mode |= 0o1000
	}
	return mode
}

// modeFromOctal is the inverse of tarMode.
func modeFromOctal(v int64) fs.FileMode {
	m := fs.FileMode(v) & fs.ModePerm
	if v&0o4000 != 0 {
		m |= fs.ModeSetuid
	}
	if v&0o2000 != 0 {
		m |= fs.ModeSetgid
	}
	if v&0o1000 != 0 {
		m |= fs.ModeSticky
	}
	return m
}

// hashBytes is the hex blake3-256 of data.
func hashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}

func hashReader(r io.Reader) (string, error) {
	h := blake3.New(32, nil)
	if _, err := io.CopyBuffer(h, r, make([]byte, 64*1024)); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func hashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return hashReader(f)
}

// expandSelector substitutes ${prefix} and makes the selector relative to
// the install root.
func expandSelector(sel, prefix string) string {
	s := strings.ReplaceAll(sel, "${prefix}", strings.TrimPrefix(prefix, "/"))
	s = path.Clean("/" + s)
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return "."
	}
	return s
}

func isGlob(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// SelectManifest expands the file selectors of def against the install
// tree. Directories recurse, excludes are removed, parent directories are
// added and the result is sorted. Literal selectors that match nothing
// fail with ErrMissingInstalledFiles.
func SelectManifest(installDir string, def BinaryPackageDef, cfg *BuildConfig) ([]string, error) {
	if len(def.Files) == 0 {
		return nil, nil
	}
	fsys := os.DirFS(installDir)
	prefix := cfg.InstallPrefix()
	selected := make(map[string]bool)

	for _, sel := range def.Files {
		pattern := expandSelector(sel, prefix)
		var matches []string
		if isGlob(pattern) {
			m, err := doublestar.Glob(fsys, pattern)
			if err != nil {
				return nil, wrapError(KindSpecValidation, "manifest", err, "package %s: selector %q", def.Name, sel)
			}
			matches = m
		} else {
			if _, err := os.Lstat(filepath.Join(installDir, filepath.FromSlash(pattern))); err != nil {
				return nil, &Error{
					Kind:    KindMissingInstalledFiles,
					Op:      "manifest",
					Package: def.Name,
					Msg:     fmt.Sprintf("/%s was not installed", pattern),
				}
			}
			matches = []string{pattern}
		}
		for _, m := range matches {
			if err := addTree(fsys, installDir, m, selected); err != nil {
				return nil, wrapError(KindIO, "manifest", err, "walking %s", m)
			}
		}
	}

	excludes := make([]string, len(def.Exclude))
	for i, ex := range def.Exclude {
		excludes[i] = expandSelector(ex, prefix)
	}
	tools := cfg.BuildFor != BuildForTarget

	out := make([]string, 0, len(selected))
	for p := range selected {
		if p == "." || excluded(p, excludes) {
			continue
		}
		if tools && (underDir(p, "etc") || underDir(p, "var")) {
			continue
		}
		out = append(out, p)
	}

	// parents of whatever survived
	seen := make(map[string]bool, len(out))
	for _, p := range out {
		seen[p] = true
	}
	for _, p := range slices.Clone(out) {
		for d := path.Dir(p); d != "." && !seen[d]; d = path.Dir(d) {
			seen[d] = true
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return out, nil
}

// addTree adds p and, for directories, everything below it. Symlinks are
// never followed.
func addTree(fsys fs.FS, root, p string, selected map[string]bool) error {
	fi, err := os.Lstat(filepath.Join(root, filepath.FromSlash(p)))
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		selected[p] = true
		return nil
	}
	return fs.WalkDir(fsys, p, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		selected[name] = true
		return nil
	})
}

func excluded(p string, patterns []string) bool {
	for _, ex := range patterns {
		if ex == "." || underDir(p, ex) {
			return true
		}
		if ok, _ := doublestar.Match(ex, p); ok {
			return true
		}
	}
	return false
}

func underDir(p, dir string) bool {
	return p == dir || strings.HasPrefix(p, dir+"/")
}

// describe stats paths below root and returns manifest entries with
// checksums for regular files. replaced maps paths to an alternative
// on-disk location of their content.
func describe(root string, paths []string, replaced map[string]string) ([]ManifestEntry, error) {
	entries := make([]ManifestEntry, 0, len(paths))
	for _, p := range paths {
		full, ok := replaced[p]
		if !ok {
			full = filepath.Join(root, filepath.FromSlash(p))
		}
		fi, err := os.Lstat(full)
		if err != nil {
			return nil, err
		}
		e := ManifestEntry{Path: p, Mode: entryMode(fi.Mode()), Owner: "root", Group: "root", src: full}
		switch {
		case fi.IsDir():
			e.Type = EntryDir
		case fi.Mode()&fs.ModeSymlink != 0:
			e.Type = EntrySymlink
			if e.Link, err = os.Readlink(full); err != nil {
				return nil, err
			}
		case fi.Mode().IsRegular():
			e.Type = EntryFile
			e.Size = fi.Size()
			if e.Checksum, err = hashFile(full); err != nil {
				return nil, fmt.Errorf("failed to compute checksum for %s: %w", full, err)
			}
		default:
			return nil, fmt.Errorf("unsupported file type at %s", full)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// applyAttributes overrides mode, ownership and the conffile flag of the
// entries attrs select. Later attributes win. Only regular files become
// conffiles and symlinks keep their mode.
func applyAttributes(entries []ManifestEntry, attrs []FileAttributes, prefix string) {
	for _, a := range attrs {
		pattern := expandSelector(a.Path, prefix)
		for i := range entries {
			e := &entries[i]
			if !selects(pattern, e.Path) {
				continue
			}
			if a.Mode != nil && e.Type != EntrySymlink {
				e.Mode = *a.Mode
			}
			if a.Owner != "" {
				e.Owner = a.Owner
			}
			if a.Group != "" {
				e.Group = a.Group
			}
			if a.Conffile && e.Type == EntryFile {
				e.Conffile = true
			}
		}
	}
}

func selects(pattern, p string) bool {
	if pattern == "." || underDir(p, pattern) {
		return true
	}
	if isGlob(pattern) {
		ok, _ := doublestar.Match(pattern, p)
		return ok
	}
	return false
}
