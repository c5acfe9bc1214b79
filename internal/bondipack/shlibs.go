package bondipack

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// LibraryIndex finds the installed package that ships a shared object.
type LibraryIndex interface {
	LibraryOwner(soname string) (pkg, version string, ok bool)
}

// neededLibraries returns the DT_NEEDED entries of the ELF object at p.
// Anything that is not ELF needs nothing.
func neededLibraries(p string) ([]string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil || !bytes.Equal(magic, []byte(elf.ELFMAG)) {
		return nil, nil
	}

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, err
	}
	defer ef.Close()
	if ef.Type != elf.ET_EXEC && ef.Type != elf.ET_DYN {
		return nil, nil
	}
	return ef.ImportedLibraries()
}

// libraryDeps adds runtime dependencies to each package for the shared
// objects its ELF files need. Objects shipped by another package of the
// same build win over installed ones and are required at >= the build
// version. A lib*.so development symlink requires the exact version of
// the package holding its target. Objects nobody ships are reported and
// skipped.
func (a *Assembler) libraryDeps(jobs []*assembly, installDir, version string) error {
	log := ensureLogger(a.Logger)
	byPath := make(map[string]string)
	byName := make(map[string]string)
	for _, job := range jobs {
		for _, p := range job.paths {
			if _, ok := byPath[p]; !ok {
				byPath[p] = job.artifact.Name
			}
			if _, ok := byName[path.Base(p)]; !ok {
				byName[path.Base(p)] = job.artifact.Name
			}
		}
	}

	for _, job := range jobs {
		art := job.artifact
		add := func(d Dependency) {
			if d.Name == art.Name {
				return
			}
			for _, alts := range art.Requires {
				if slices.ContainsFunc(alts, func(x Dependency) bool { return x.Name == d.Name }) {
					return
				}
			}
			log.Debug("shared library dependency", "package", art.Name, "requires", d.String())
			art.Requires = append(art.Requires, Alternatives{d})
		}

		for _, p := range job.paths {
			full := filepath.Join(installDir, filepath.FromSlash(p))
			fi, err := os.Lstat(full)
			if err != nil {
				return err
			}

			if fi.Mode()&os.ModeSymlink != 0 {
				if !strings.HasSuffix(p, ".so") {
					continue
				}
				target, err := os.Readlink(full)
				if err != nil {
					return err
				}
				if path.IsAbs(target) {
					target = strings.TrimPrefix(path.Clean(target), "/")
				} else {
					target = path.Join(path.Dir(p), target)
				}
				if owner, ok := byPath[target]; ok {
					add(Dependency{Name: owner, Relation: RelEqual, Version: version})
				}
				continue
			}
			if !fi.Mode().IsRegular() {
				continue
			}

			needed, err := neededLibraries(full)
			if err != nil {
				log.Warn(fmt.Sprintf("cannot read dynamic section of /%s: %v", p, err))
				continue
			}
			for _, lib := range needed {
				if owner, ok := byName[lib]; ok {
					add(Dependency{Name: owner, Relation: RelGreatEq, Version: version})
					continue
				}
				if a.Libraries != nil {
					if pkg, v, ok := a.Libraries.LibraryOwner(lib); ok {
						add(Dependency{Name: pkg, Relation: RelGreatEq, Version: v})
						continue
					}
				}
				log.Warn(fmt.Sprintf("%s: no package ships %s needed by /%s", art.Name, lib, p))
			}
		}
	}
	return nil
}
