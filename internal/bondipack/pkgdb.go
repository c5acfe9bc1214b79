package bondipack

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// PackageDB reports what is installed in the target environment.
type PackageDB interface {
	InstalledVersion(name string) (version string, ok bool)
}

// InstalledDB reads the on-disk database of installed packages. Each
// package owns a directory holding a "version" file ("<version> [<revision>]"),
// optionally a "provides" file listing virtual names and a "shlibs" file
// listing the sonames it ships, one per line.
type InstalledDB struct {
	Dir string

	once     sync.Once
	provides map[string]string

	libsOnce  sync.Once
	libraries map[string]installedPackage
}

type installedPackage struct {
	name, version string
}

// NewInstalledDB opens the database below root.
func NewInstalledDB(root string) *InstalledDB {
	if root == "" {
		root = "/"
	}
	return &InstalledDB{Dir: filepath.Join(root, "var", "lib", "bondi", "installed")}
}

func (db *InstalledDB) InstalledVersion(name string) (string, bool) {
	if v, ok := readVersionFile(filepath.Join(db.Dir, name, "version")); ok {
		return v, true
	}
	db.once.Do(db.loadProvides)
	v, ok := db.provides[name]
	return v, ok
}

func readVersionFile(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	fields := strings.Fields(string(data))
	switch len(fields) {
	case 0:
		return "", false
	case 1:
		return fields[0], true
	}
	return fields[0] + "-" + fields[1], true
}

// LibraryOwner reports which installed package ships soname.
func (db *InstalledDB) LibraryOwner(soname string) (string, string, bool) {
	db.libsOnce.Do(func() {
		db.libraries = make(map[string]installedPackage)
		db.eachListed("shlibs", func(pkg, version, soname string) {
			if _, seen := db.libraries[soname]; !seen {
				db.libraries[soname] = installedPackage{pkg, version}
			}
		})
	})
	p, ok := db.libraries[soname]
	return p.name, p.version, ok
}

// loadProvides indexes virtual package names. The first provider wins.
func (db *InstalledDB) loadProvides() {
	db.provides = make(map[string]string)
	db.eachListed("provides", func(pkg, version, name string) {
		if _, seen := db.provides[name]; !seen {
			db.provides[name] = version
		}
	})
}

// eachListed calls fn for every line of the list file of every installed
// package, in directory order. Blank lines and comments are skipped.
func (db *InstalledDB) eachListed(list string, fn func(pkg, version, line string)) {
	entries, err := os.ReadDir(db.Dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		version, ok := readVersionFile(filepath.Join(db.Dir, e.Name(), "version"))
		if !ok {
			continue
		}
		f, err := os.Open(filepath.Join(db.Dir, e.Name(), list))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			fn(e.Name(), version, line)
		}
		f.Close()
	}
}

// StaticDB is a fixed name→version map.
type StaticDB map[string]string

func (db StaticDB) InstalledVersion(name string) (string, bool) {
	v, ok := db[name]
	return v, ok
}
