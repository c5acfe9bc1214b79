package bondipack

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/sync/errgroup"
)

// Assembler cuts binary packages out of an install tree.
type Assembler struct {
	Writer ArchiveWriter
	// Runner executes objcopy for debug splitting.
	Runner Runner
	Logger *slog.Logger
	// Jobs bounds the number of artifacts written at once.
	Jobs int
	// Objcopy and Chrpath override the binaries used on ELF objects.
	Objcopy string
	Chrpath string
	// Libraries resolves shared objects no package of the build ships.
	Libraries LibraryIndex
}

// Assemble writes the packages of spec from installDir with the default
// writer and runner. Artifacts go to cfg.OutDir, or next to installDir.
func Assemble(ctx context.Context, spec *PackageSpec, installDir string, cfg *BuildConfig) ([]*Artifact, error) {
	a := &Assembler{Writer: TarZstdWriter{}, Runner: &ExecRunner{}, Jobs: cfg.Jobs}
	outDir := cfg.OutDir
	if outDir == "" {
		outDir = filepath.Dir(filepath.Clean(installDir))
	}
	return a.Assemble(ctx, spec, installDir, outDir, cfg)
}

// SelectPackages returns the package definitions that survive the if
// filters and the enable and disable lists. disable wins over enable.
func SelectPackages(spec *PackageSpec, cfg *BuildConfig) []BinaryPackageDef {
	terms := TrueTerms(cfg)
	var out []BinaryPackageDef
	for _, def := range spec.Packages {
		if !def.If.Eval(terms) {
			continue
		}
		if len(cfg.EnablePackages) > 0 && !slices.Contains(cfg.EnablePackages, def.Name) {
			continue
		}
		if slices.Contains(cfg.DisablePackages, def.Name) {
			continue
		}
		out = append(out, def)
	}
	return out
}

// assembly is one artifact waiting to be checksummed and written.
type assembly struct {
	artifact *Artifact
	root     string
	paths    []string
	replaced map[string]string
	attrs    []FileAttributes
	prefix   string
}

// Assemble produces one artifact per selected package, plus a -debug
// companion for split packages that yielded debug files. The result keeps
// the declared order; companions hang off Artifact.Debug.
func (a *Assembler) Assemble(ctx context.Context, spec *PackageSpec, installDir, outDir string, cfg *BuildConfig) ([]*Artifact, error) {
	log := ensureLogger(a.Logger)
	writer := a.Writer
	if writer == nil {
		writer = TarZstdWriter{}
	}
	defs := SelectPackages(spec, cfg)
	if len(defs) == 0 {
		log.Info(fmt.Sprintf("No binary packages selected for %s", spec.Name))
		return nil, nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, wrapError(KindIO, "repackage", err, "creating %s", outDir)
	}

	var scratch string
	defer func() {
		if scratch != "" {
			os.RemoveAll(scratch)
		}
	}()

	var (
		jobs     []*assembly
		primary  = make([]*Artifact, 0, len(defs))
		selected = make([]*assembly, 0, len(defs))
	)
	for _, def := range defs {
		art := &Artifact{
			Name:        cfg.packageName(def.Name),
			Version:     spec.FullVersion(),
			Arch:        cfg.PackageArch(spec.ArchIndependent),
			Libc:        cfg.Libc,
			Description: def.Description,
			Requires:    slices.Clone(def.Requires),
			Scripts:     maintainerScripts(def.Scripts, cfg),
		}
		paths, err := SelectManifest(installDir, def, cfg)
		if err != nil {
			return nil, err
		}
		job := &assembly{artifact: art, root: installDir, paths: paths, attrs: def.Attributes, prefix: cfg.InstallPrefix()}
		jobs = append(jobs, job)
		selected = append(selected, job)
		primary = append(primary, art)

		if !cfg.DebugPkgs || !def.DebugSplit || len(paths) == 0 {
			continue
		}
		if scratch == "" {
			if scratch, err = os.MkdirTemp("", "bondi-assemble-"); err != nil {
				return nil, wrapError(KindIO, "repackage", err, "creating scratch directory")
			}
		}
		split, err := a.splitDebug(ctx, installDir, filepath.Join(scratch, def.Name), paths, cfg)
		if err != nil {
			if KindOf(err) == KindInterrupted {
				return nil, err
			}
			return nil, wrapError(KindIO, "repackage", err, "splitting debug info of %s", def.Name)
		}
		job.replaced = split.stripped
		if len(split.paths) == 0 {
			continue
		}
		art.Debug = &Artifact{
			Name:        art.Name + "-debug",
			Version:     art.Version,
			Arch:        art.Arch,
			Libc:        art.Libc,
			Description: "debug symbols for " + art.Name,
		}
		jobs = append(jobs, &assembly{artifact: art.Debug, root: split.root, paths: split.paths})
	}

	if err := a.libraryDeps(selected, installDir, spec.FullVersion()); err != nil {
		return nil, wrapError(KindIO, "repackage", err, "computing shared library dependencies")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(a.Jobs, 1))
	for _, job := range jobs {
		g.Go(func() error {
			return a.write(gctx, writer, job, outDir)
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, wrapError(KindInterrupted, "repackage", ctx.Err(), "writing packages")
		}
		return nil, err
	}

	for _, art := range primary {
		log.Info(fmt.Sprintf("Created %s (%d entries)", filepath.Base(art.Path), len(art.Files)))
		if art.Debug != nil {
			log.Info(fmt.Sprintf("Created %s (%d entries)", filepath.Base(art.Debug.Path), len(art.Debug.Files)))
		}
	}
	return primary, nil
}

func (a *Assembler) write(ctx context.Context, writer ArchiveWriter, job *assembly, outDir string) error {
	art := job.artifact
	files, err := describe(job.root, job.paths, job.replaced)
	if err != nil {
		return wrapError(KindIO, "repackage", err, "collecting files of %s", art.Name)
	}
	applyAttributes(files, job.attrs, job.prefix)
	art.Files = files
	art.Checksum = hashBytes([]byte(ManifestText(files)))
	art.Path = filepath.Join(outDir, art.FileName())
	if err := writer.WriteArtifact(ctx, art, art.Path); err != nil {
		return wrapError(KindIO, "repackage", err, "writing %s", art.FileName())
	}
	return nil
}

const scriptHeader = `#!/bin/sh -e

export BONDI_INSTALL_PREFIX="%s"
export BONDI_HOST_TYPE="%s"
export PATH="/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin"

if [ -d "/tools" ]; then
    export PATH="/tools/sbin:/tools/bin:$PATH"
fi

`

// maintainerScripts prefixes each script body with the environment it
// runs in on the target.
func maintainerScripts(bodies map[string]string, cfg *BuildConfig) map[string]string {
	if len(bodies) == 0 {
		return nil
	}
	out := make(map[string]string, len(bodies))
	for name, body := range bodies {
		out[name] = fmt.Sprintf(scriptHeader, cfg.InstallPrefix(), cfg.HostType()) + body
	}
	return out
}

// Flatten lists artifacts with each debug companion right after its
// primary.
func Flatten(artifacts []*Artifact) []*Artifact {
	out := make([]*Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, a)
		if a.Debug != nil {
			out = append(out, a.Debug)
		}
	}
	return out
}
