package bondipack

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/google/renameio"
)

// ApplyPatch applies the unified or git-style diff in file to the tree at
// dir, dropping strip leading path components from every name, like
// patch -p<strip>. Either every file applies or the tree is left with
// whatever was written before the first failure.
func ApplyPatch(file, dir string, strip int) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	files, _, err := gitdiff.Parse(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid patch: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("%s contains no changes", filepath.Base(file))
	}

	// git headers already come without their a/ and b/ prefixes
	if isGitDiff(data) && strip > 0 {
		strip--
	}

	for _, f := range files {
		if err := applyFile(f, dir, strip); err != nil {
			return err
		}
	}
	return nil
}

func isGitDiff(data []byte) bool {
	return bytes.HasPrefix(data, []byte("diff --git ")) || bytes.Contains(data, []byte("\ndiff --git "))
}

func applyFile(f *gitdiff.File, dir string, strip int) error {
	var oldPath, newPath string
	var err error
	if !f.IsNew {
		if oldPath, err = patchTarget(dir, f.OldName, strip); err != nil {
			return err
		}
	}
	if !f.IsDelete {
		if newPath, err = patchTarget(dir, f.NewName, strip); err != nil {
			return err
		}
	}

	var src []byte
	mode := os.FileMode(0o644)
	if oldPath != "" {
		fi, err := os.Stat(oldPath)
		if err != nil {
			return fmt.Errorf("file to patch not found: %s", f.OldName)
		}
		mode = fi.Mode().Perm()
		if src, err = os.ReadFile(oldPath); err != nil {
			return err
		}
	}

	var out bytes.Buffer
	if err := gitdiff.Apply(&out, bytes.NewReader(src), f); err != nil {
		name := f.NewName
		if name == "" {
			name = f.OldName
		}
		return fmt.Errorf("%s: %w", name, err)
	}

	if f.IsDelete {
		return os.Remove(oldPath)
	}
	if f.NewMode != 0 {
		mode = f.NewMode.Perm()
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return err
	}
	if err := renameio.WriteFile(newPath, out.Bytes(), mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", newPath, err)
	}
	if f.IsRename && oldPath != newPath {
		return os.Remove(oldPath)
	}
	return nil
}

// patchTarget strips the leading components of name and resolves it below
// dir.
func patchTarget(dir, name string, strip int) (string, error) {
	parts := strings.Split(filepath.ToSlash(name), "/")
	if strip >= len(parts) {
		return "", fmt.Errorf("cannot strip %d components from %s", strip, name)
	}
	return safeJoin(dir, filepath.Join(parts[strip:]...))
}
