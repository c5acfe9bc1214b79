package bondipack

import (
	"context"
	"debug/elf"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

// debugSplit is the outcome of separating debug symbols from one package.
type debugSplit struct {
	// stripped maps manifest paths to their stripped copies.
	stripped map[string]string
	// root holds the debug files; paths lists them with parents.
	root  string
	paths []string
}

// splitDebug copies every ELF object among paths into scratch, strips the
// copy, turns its RPATH into a RUNPATH and keeps its debug information
// under <prefix>/lib/debug. Objects that objcopy cannot handle stay
// unstripped with a warning; chrpath failures are ignored.
func (a *Assembler) splitDebug(ctx context.Context, installDir, scratch string, paths []string, cfg *BuildConfig) (*debugSplit, error) {
	log := ensureLogger(a.Logger)
	objcopy := a.Objcopy
	if objcopy == "" {
		objcopy = "objcopy"
	}
	chrpath := a.Chrpath
	if chrpath == "" {
		chrpath = "chrpath"
	}
	prefix := strings.TrimPrefix(cfg.InstallPrefix(), "/")
	debugDir := path.Join(prefix, "lib", "debug")

	split := &debugSplit{
		stripped: make(map[string]string),
		root:     filepath.Join(scratch, "debug"),
	}
	seen := make(map[string]bool)

	for _, p := range paths {
		if underDir(p, debugDir) {
			continue
		}
		src := filepath.Join(installDir, filepath.FromSlash(p))
		fi, err := os.Lstat(src)
		if err != nil {
			return nil, err
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		id, ok := elfBuildID(src)
		if !ok {
			continue
		}

		rel := path.Join(debugDir, p+".debug")
		if len(id) > 2 {
			rel = path.Join(debugDir, ".build-id", id[:2], id[2:]+".debug")
		}
		if seen[rel] {
			continue
		}
		dbg := filepath.Join(split.root, filepath.FromSlash(rel))
		out := filepath.Join(scratch, "stripped", filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(dbg), 0o755); err != nil {
			return nil, err
		}
		if err := copyFile(src, out); err != nil {
			return nil, fmt.Errorf("failed to copy %s: %w", p, err)
		}
		if err := os.Chmod(out, fi.Mode().Perm()|0o200); err != nil {
			return nil, err
		}

		steps := [][]string{
			{objcopy, "--only-keep-debug", src, dbg},
			{objcopy, "--strip-unneeded", out},
			{objcopy, "--add-gnu-debuglink=" + dbg, out},
		}
		if err := a.runAll(ctx, steps); err != nil {
			if ctx.Err() != nil {
				return nil, wrapError(KindInterrupted, "debug", ctx.Err(), "splitting %s", p)
			}
			log.Warn(fmt.Sprintf("failed to split debug info from /%s: %v", p, err))
			os.Remove(dbg)
			os.Remove(out)
			continue
		}
		// RPATH becomes RUNPATH
		if err := a.runAll(ctx, [][]string{{chrpath, "-c", out}}); err != nil {
			if ctx.Err() != nil {
				return nil, wrapError(KindInterrupted, "debug", ctx.Err(), "converting rpath of %s", p)
			}
			log.Debug("rpath left as is", "file", "/"+p, "err", err)
		}
		if err := os.Chmod(out, entryMode(fi.Mode())); err != nil {
			return nil, err
		}

		log.Debug("split debug info", "file", "/"+p, "debug", "/"+rel)
		split.stripped[p] = out
		seen[rel] = true
		split.paths = append(split.paths, rel)
	}

	for _, rel := range slices.Clone(split.paths) {
		for d := path.Dir(rel); d != "." && !seen[d]; d = path.Dir(d) {
			seen[d] = true
			split.paths = append(split.paths, d)
		}
	}
	slices.Sort(split.paths)
	return split, nil
}

func (a *Assembler) runAll(ctx context.Context, steps [][]string) error {
	for _, args := range steps {
		tail := newTailBuffer(1024)
		err := a.Runner.Run(ctx, &Process{Args: args, Stdout: io.Discard, Stderr: tail})
		if err != nil {
			if msg := strings.TrimSpace(tail.String()); msg != "" {
				return fmt.Errorf("%s: %w: %s", args[1], err, msg)
			}
			return fmt.Errorf("%s: %w", args[1], err)
		}
	}
	return nil
}

// elfBuildID reports whether p is an ELF executable or shared object and
// returns its GNU build id in hex, if it has one.
func elfBuildID(p string) (string, bool) {
	f, err := elf.Open(p)
	if err != nil {
		return "", false
	}
	defer f.Close()
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return "", false
	}
	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return "", true
	}
	data, err := sec.Data()
	if err != nil || len(data) < 16 {
		return "", true
	}
	namesz := f.ByteOrder.Uint32(data[0:4])
	descsz := f.ByteOrder.Uint32(data[4:8])
	typ := f.ByteOrder.Uint32(data[8:12])
	off := 12 + (namesz+3)&^3
	if typ != 3 || uint64(off)+uint64(descsz) > uint64(len(data)) {
		return "", true
	}
	return hex.EncodeToString(data[off : off+descsz]), true
}
