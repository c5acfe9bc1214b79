package bondipack

import (
	"slices"
	"strings"
)

// Applies reports whether spec can be built for cfg. It performs no I/O.
func Applies(spec *PackageSpec, cfg *BuildConfig) bool {
	return CheckTarget(spec, cfg) == nil
}

// CheckTarget evaluates the architecture, libc, build-for and "if" rules
// in that order and returns ErrSkipBuild naming the first rule that fails.
func CheckTarget(spec *PackageSpec, cfg *BuildConfig) error {
	skip := func(format string, args ...any) error {
		e := newError(KindSkipBuild, "target", format, args...)
		e.Package = spec.Name
		return e
	}

	if !archAllowed(spec, cfg.Arch) {
		return skip("architecture %s is not supported (%s)", cfg.Arch, spec.Architecture)
	}
	if len(spec.Libc) > 0 && !slices.Contains(spec.Libc, cfg.Libc) {
		return skip("libc %s is not supported", cfg.Libc)
	}
	if len(spec.BuildFor) > 0 && !slices.Contains(spec.BuildFor, cfg.BuildFor) {
		return skip("package cannot be built for %s", cfg.BuildFor)
	}
	if !spec.If.Eval(TrueTerms(cfg)) {
		return skip("package is marked to be skipped unless %q", spec.If.String())
	}
	return nil
}

func archAllowed(spec *PackageSpec, arch string) bool {
	if spec.ArchIndependent {
		return true
	}
	rules := spec.Architecture
	if slices.Contains(rules.Deny, arch) {
		return false
	}
	if rules.Any || len(rules.Allow) == 0 {
		return true
	}
	return slices.Contains(rules.Allow, arch)
}

func (r ArchRules) String() string {
	if r.Empty() {
		return "any"
	}
	parts := append([]string(nil), r.Allow...)
	for _, d := range r.Deny {
		parts = append(parts, "!"+d)
	}
	return strings.Join(parts, ", ")
}
