package bondipack

import (
	"archive/tar"
	"bufio"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
)

// Artifact is a binary package produced by repackage.
type Artifact struct {
	Name        string
	Version     string
	Arch        string
	Libc        Libc
	Description string
	Requires    []Alternatives
	Files       []ManifestEntry
	// Scripts are the maintainer scripts by name.
	Scripts map[string]string
	// Checksum is the blake3 of the manifest text.
	Checksum string
	Path     string
	Debug    *Artifact
}

// FileName is <name>_<version>_<arch>.bondi.
func (a *Artifact) FileName() string {
	return fmt.Sprintf("%s_%s_%s.bondi", a.Name, a.Version, a.Arch)
}

func (a *Artifact) info() string {
	var b strings.Builder
	fmt.Fprintf(&b, "name=%s\n", a.Name)
	fmt.Fprintf(&b, "version=%s\n", a.Version)
	fmt.Fprintf(&b, "arch=%s\n", a.Arch)
	fmt.Fprintf(&b, "libc=%s\n", a.Libc)
	if a.Description != "" {
		fmt.Fprintf(&b, "description=%s\n", strings.ReplaceAll(a.Description, "\n", " "))
	}
	if len(a.Requires) > 0 {
		fmt.Fprintf(&b, "requires=%s\n", FormatDependencies(a.Requires))
	}
	fmt.Fprintf(&b, "checksum=%s\n", a.Checksum)
	return b.String()
}

func conffiles(files []ManifestEntry) string {
	var b strings.Builder
	for _, e := range files {
		if e.Conffile {
			b.WriteString("/" + e.Path + "\n")
		}
	}
	return b.String()
}

// ArchiveWriter stores an artifact at dest.
type ArchiveWriter interface {
	WriteArtifact(ctx context.Context, a *Artifact, dest string) error
}

// TarZstdWriter writes artifacts as zstd compressed tarballs holding
// meta/info, meta/manifest, meta/conffiles and the maintainer scripts when
// there are any, and the package content below data/. The file appears
// atomically.
type TarZstdWriter struct{}

var metaTime = time.Unix(0, 0).UTC()

func (TarZstdWriter) WriteArtifact(ctx context.Context, a *Artifact, dest string) error {
	pending, err := renameio.TempFile("", dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer pending.Cleanup()

	zw, err := zstd.NewWriter(pending)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	type metaFile struct {
		name, body string
		mode       int64
	}
	meta := []metaFile{
		{"meta/info", a.info(), 0o644},
		{"meta/manifest", ManifestText(a.Files), 0o644},
	}
	if cf := conffiles(a.Files); cf != "" {
		meta = append(meta, metaFile{"meta/conffiles", cf, 0o644})
	}
	for _, name := range slices.Sorted(maps.Keys(a.Scripts)) {
		meta = append(meta, metaFile{"meta/" + name, a.Scripts[name], 0o755})
	}
	for _, m := range meta {
		hdr := &tar.Header{
			Name:     m.name,
			Typeflag: tar.TypeReg,
			Mode:     m.mode,
			Size:     int64(len(m.body)),
			ModTime:  metaTime,
			Uname:    "root",
			Gname:    "root",
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := io.WriteString(tw, m.body); err != nil {
			return err
		}
	}

	for _, e := range a.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeEntry(tw, e); err != nil {
			return fmt.Errorf("failed to add /%s: %w", e.Path, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	if err := pending.Chmod(0o644); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}

func writeEntry(tw *tar.Writer, e ManifestEntry) error {
	hdr := &tar.Header{
		Name:    "data/" + e.Path,
		Mode:    tarMode(e.Mode),
		ModTime: metaTime,
		Uname:   cmp.Or(e.Owner, "root"),
		Gname:   cmp.Or(e.Group, "root"),
	}
	if fi, err := os.Lstat(e.src); err == nil {
		hdr.ModTime = fi.ModTime()
	}

	switch e.Type {
	case EntryDir:
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
		return tw.WriteHeader(hdr)
	case EntrySymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.Link
		return tw.WriteHeader(hdr)
	}

	hdr.Typeflag = tar.TypeReg
	hdr.Size = e.Size
	f, err := os.Open(e.src)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.CopyN(tw, f, e.Size)
	return err
}

// ReadArtifact loads the artifact at path, recomputes every file checksum
// and the manifest checksum, and fails with ErrChecksumMismatch when they
// disagree with the stored ones.
func ReadArtifact(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	var (
		info      = make(map[string]string)
		manifest  string
		files     []ManifestEntry
		scripts   map[string]string
		conffiles = make(map[string]bool)
	)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", filepath.Base(path), err)
		}

		switch {
		case hdr.Name == "meta/info":
			sc := bufio.NewScanner(tr)
			for sc.Scan() {
				if k, v, ok := strings.Cut(sc.Text(), "="); ok {
					info[k] = v
				}
			}
			if err := sc.Err(); err != nil {
				return nil, err
			}
		case hdr.Name == "meta/manifest":
			b, err := io.ReadAll(tr)
			if err != nil {
				return nil, err
			}
			manifest = string(b)
		case hdr.Name == "meta/conffiles":
			sc := bufio.NewScanner(tr)
			for sc.Scan() {
				if p := strings.TrimPrefix(strings.TrimSpace(sc.Text()), "/"); p != "" {
					conffiles[p] = true
				}
			}
			if err := sc.Err(); err != nil {
				return nil, err
			}
		case strings.HasPrefix(hdr.Name, "meta/") && slices.Contains(MaintainerScripts, strings.TrimPrefix(hdr.Name, "meta/")):
			b, err := io.ReadAll(tr)
			if err != nil {
				return nil, err
			}
			if scripts == nil {
				scripts = make(map[string]string)
			}
			scripts[strings.TrimPrefix(hdr.Name, "meta/")] = string(b)
		case strings.HasPrefix(hdr.Name, "data/"):
			e := ManifestEntry{
				Path:  strings.TrimSuffix(strings.TrimPrefix(hdr.Name, "data/"), "/"),
				Mode:  modeFromOctal(hdr.Mode),
				Owner: hdr.Uname,
				Group: hdr.Gname,
			}
			switch hdr.Typeflag {
			case tar.TypeDir:
				e.Type = EntryDir
			case tar.TypeSymlink:
				e.Type = EntrySymlink
				e.Link = hdr.Linkname
			case tar.TypeReg:
				e.Type = EntryFile
				e.Size = hdr.Size
				if e.Checksum, err = hashReader(tr); err != nil {
					return nil, err
				}
			default:
				return nil, fmt.Errorf("unexpected entry %s in %s", hdr.Name, filepath.Base(path))
			}
			files = append(files, e)
		}
	}

	for i := range files {
		files[i].Conffile = conffiles[files[i].Path]
	}

	text := ManifestText(files)
	sum := hashBytes([]byte(text))
	if text != manifest || sum != info["checksum"] {
		return nil, newError(KindChecksumMismatch, "artifact", "%s: content does not match its manifest", filepath.Base(path))
	}

	a := &Artifact{
		Name:        info["name"],
		Version:     info["version"],
		Arch:        info["arch"],
		Libc:        Libc(info["libc"]),
		Description: info["description"],
		Files:       files,
		Scripts:     scripts,
		Checksum:    sum,
		Path:        path,
	}
	if req := info["requires"]; req != "" {
		for _, part := range strings.Split(req, ", ") {
			alt, err := ParseAlternatives(part)
			if err != nil {
				return nil, fmt.Errorf("invalid requires in %s: %w", filepath.Base(path), err)
			}
			a.Requires = append(a.Requires, alt)
		}
	}
	return a, nil
}
