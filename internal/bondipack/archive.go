package bondipack

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

var (
	magicGzip  = []byte{0x1f, 0x8b}
	magicBzip2 = []byte("BZh")
	magicXz    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicZip   = []byte("PK\x03\x04")
)

// ExtractArchive unpacks the file at path into dest. name is the declared
// file name and only matters for plain files, which are copied as is, and
// for compressed single files, which are stored without the compression
// suffix. A single top-level directory in an archive is stripped.
func ExtractArchive(path, name, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 64*1024)
	head, _ := br.Peek(8)
	if bytes.HasPrefix(head, magicZip) {
		return extractZip(path, dest)
	}

	r, stripped, err := decompressor(br, head, name)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}

	tr := bufio.NewReaderSize(r, 64*1024)
	if !looksLikeTar(tr, name) {
		return writeFile(filepath.Join(dest, stripped), tr, 0o644)
	}
	return withStaging(dest, func(tmp string) error {
		return extractTar(tar.NewReader(tr), tmp)
	})
}

// decompressor wraps r according to its magic bytes and returns the name
// without compression suffix.
func decompressor(r io.Reader, head []byte, name string) (io.Reader, string, error) {
	trim := func(exts ...string) string {
		for _, e := range exts {
			if strings.HasSuffix(name, e) {
				return strings.TrimSuffix(name, e)
			}
		}
		return name
	}
	switch {
	case bytes.HasPrefix(head, magicGzip):
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, "", err
		}
		return gz, trim(".gz", ".tgz"), nil
	case bytes.HasPrefix(head, magicBzip2):
		return bzip2.NewReader(r), trim(".bz2", ".tbz2"), nil
	case bytes.HasPrefix(head, magicXz):
		x, err := xz.NewReader(r)
		if err != nil {
			return nil, "", err
		}
		return x, trim(".xz", ".txz"), nil
	case bytes.HasPrefix(head, magicZstd):
		z, err := zstd.NewReader(r)
		if err != nil {
			return nil, "", err
		}
		return zstdCloser{z}, trim(".zst", ".zstd"), nil
	}
	return r, name, nil
}

type zstdCloser struct{ *zstd.Decoder }

func (z zstdCloser) Close() error {
	z.Decoder.Close()
	return nil
}

func looksLikeTar(r *bufio.Reader, name string) bool {
	block, _ := r.Peek(512)
	if len(block) >= 262 && bytes.HasPrefix(block[257:], []byte("ustar")) {
		return true
	}
	for _, ext := range []string{".tar", ".tgz", ".tbz2", ".txz"} {
		if strings.Contains(name, ext) {
			return true
		}
	}
	return false
}

// withStaging extracts into a scratch directory inside dest, then moves
// the result into dest, dropping a lone top-level directory.
func withStaging(dest string, extract func(tmp string) error) error {
	tmp, err := os.MkdirTemp(dest, ".unpack-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	if err := extract(tmp); err != nil {
		return err
	}

	root := tmp
	entries, err := os.ReadDir(tmp)
	if err != nil {
		return err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		root = filepath.Join(tmp, entries[0].Name())
	}
	return mergeInto(root, dest)
}

// mergeInto moves every entry of src into dst, descending into directories
// that exist on both sides.
func mergeInto(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		from := filepath.Join(src, e.Name())
		to := filepath.Join(dst, e.Name())
		if fi, err := os.Lstat(to); err == nil {
			if fi.IsDir() && e.IsDir() {
				if err := mergeInto(from, to); err != nil {
					return err
				}
				continue
			}
			if err := os.RemoveAll(to); err != nil {
				return err
			}
		}
		if err := os.Rename(from, to); err != nil {
			return err
		}
	}
	return nil
}

// safeJoin joins name below root and rejects paths that escape it.
func safeJoin(root, name string) (string, error) {
	p := filepath.Join(root, name)
	if p != root && !strings.HasPrefix(p, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal file path in archive: %s", name)
	}
	return p, nil
}

// entryName cleans an archive member name and rejects names that leave
// the extraction root. The root itself is ".".
func entryName(name string) (string, error) {
	p := filepath.Clean(filepath.FromSlash(strings.TrimLeft(name, "/")))
	if p == ".." || strings.HasPrefix(p, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal file path in archive: %s", name)
	}
	return p, nil
}

// extractTar unpacks tr below dest. All writes go through an os.Root, so
// symlinks from the archive cannot redirect later members outside dest.
func extractTar(tr *tar.Reader, dest string) error {
	root, err := os.OpenRoot(dest)
	if err != nil {
		return err
	}
	defer root.Close()

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading tar header: %w", err)
		}

		name, err := entryName(hdr.Name)
		if err != nil {
			return err
		}
		if name == "." {
			continue
		}
		if dir := filepath.Dir(name); dir != "." {
			if err := root.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create parent dir for %s: %w", hdr.Name, err)
			}
		}
		mode := modeFromOctal(hdr.Mode)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(name, mode.Perm()|0o700); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", hdr.Name, err)
			}
			if mode&specialBits != 0 {
				if err := root.Chmod(name, mode|0o700); err != nil {
					return fmt.Errorf("failed to set mode of %s: %w", hdr.Name, err)
				}
			}
		case tar.TypeReg:
			if err := writeRootFile(root, name, tr, mode); err != nil {
				return err
			}
			if err := root.Chtimes(name, hdr.AccessTime, hdr.ModTime); err != nil {
				return fmt.Errorf("failed to set times for file %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			root.Remove(name)
			if err := root.Symlink(hdr.Linkname, name); err != nil {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", hdr.Name, hdr.Linkname, err)
			}
			mtime := unix.NsecToTimeval(hdr.ModTime.UnixNano())
			// symlink times are cosmetic
			_ = unix.Lutimes(filepath.Join(dest, name), []unix.Timeval{mtime, mtime})
		case tar.TypeLink:
			src, err := entryName(hdr.Linkname)
			if err != nil {
				return err
			}
			root.Remove(name)
			if err := root.Link(src, name); err != nil {
				return fmt.Errorf("failed to create hard link %s: %w", hdr.Name, err)
			}
		}
	}
}

func extractZip(path, dest string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer zr.Close()

	return withStaging(dest, func(tmp string) error {
		root, err := os.OpenRoot(tmp)
		if err != nil {
			return err
		}
		defer root.Close()

		for _, f := range zr.File {
			name, err := entryName(f.Name)
			if err != nil {
				return err
			}
			if name == "." {
				continue
			}
			if f.FileInfo().IsDir() {
				if err := root.MkdirAll(name, 0o755); err != nil {
					return err
				}
				continue
			}
			if dir := filepath.Dir(name); dir != "." {
				if err := root.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			rc, err := f.Open()
			if err != nil {
				return err
			}
			err = writeRootFile(root, name, rc, entryMode(f.Mode()))
			rc.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// writeRootFile writes r to name below root. Special mode bits are applied
// after the content is in place.
func writeRootFile(root *os.Root, name string, r io.Reader, mode os.FileMode) error {
	out, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o600)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", name, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to write file %s: %w", name, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if mode&specialBits != 0 {
		return root.Chmod(name, mode|0o600)
	}
	return nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode|0o600)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to write file %s: %w", target, err)
	}
	return out.Close()
}
