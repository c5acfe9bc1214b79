package bondipack

import (
	"fmt"
	"strings"
)

// Dependency is a package name with an optional version constraint.
// Satisfied is only ever set by ResolveDependencies.
type Dependency struct {
	Name      string
	Relation  Relation
	Version   string
	Satisfied bool
}

func (d Dependency) String() string {
	if d.Relation == RelNone {
		return d.Name
	}
	return fmt.Sprintf("%s (%s %s)", d.Name, d.Relation, d.Version)
}

// Alternatives is a non-empty list of dependencies of which one suffices.
type Alternatives []Dependency

func (a Alternatives) String() string {
	parts := make([]string, len(a))
	for i, d := range a {
		parts[i] = d.String()
	}
	return strings.Join(parts, " | ")
}

// ParseAlternatives parses "name (>= 1.0) | other" lines. The operator may
// also be written without parentheses, as in "name>=1.0".
func ParseAlternatives(line string) (Alternatives, error) {
	var alts Alternatives
	for _, tok := range strings.Split(line, "|") {
		dep, err := parseDependency(tok)
		if err != nil {
			return nil, err
		}
		alts = append(alts, dep)
	}
	return alts, nil
}

// relation operators, longest first so "<<" wins over "<"
var relationTokens = []string{"<<", "<=", ">=", ">>", "==", "=", "<", ">"}

func parseDependency(token string) (Dependency, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Dependency{}, fmt.Errorf("empty dependency")
	}

	name, constraint := token, ""
	if open := strings.IndexByte(token, '('); open >= 0 {
		if !strings.HasSuffix(token, ")") {
			return Dependency{}, fmt.Errorf("unbalanced parenthesis in %q", token)
		}
		name = strings.TrimSpace(token[:open])
		constraint = strings.TrimSpace(token[open+1 : len(token)-1])
	} else if i := strings.IndexAny(token, "<=>"); i >= 0 {
		name = strings.TrimSpace(token[:i])
		constraint = strings.TrimSpace(token[i:])
	}

	if !nameRegexp.MatchString(name) {
		return Dependency{}, fmt.Errorf("invalid package name %q", name)
	}
	dep := Dependency{Name: name}
	if constraint == "" {
		return dep, nil
	}

	for _, op := range relationTokens {
		if !strings.HasPrefix(constraint, op) {
			continue
		}
		rel, _ := ParseRelation(op)
		ver := strings.TrimSpace(constraint[len(op):])
		if ver == "" || strings.ContainsAny(ver, " \t") {
			return Dependency{}, fmt.Errorf("invalid version in %q", token)
		}
		dep.Relation, dep.Version = rel, ver
		return dep, nil
	}
	return Dependency{}, fmt.Errorf("invalid relation in %q", token)
}

// ResolvedDependencies splits the declared build dependencies. All three
// lists keep declaration order.
type ResolvedDependencies struct {
	Declared  []Alternatives
	Satisfied []Alternatives
	Missing   []Alternatives
}

// ResolveDependencies checks every declared alternatives group against db.
// IgnoreDeps in cfg has no influence on the result.
func ResolveDependencies(spec *PackageSpec, cfg *BuildConfig, db PackageDB) *ResolvedDependencies {
	res := &ResolvedDependencies{}
	for _, group := range targetDependencies(spec.BuildDependencies, cfg) {
		alts := make(Alternatives, len(group))
		copy(alts, group)

		ok := false
		for i := range alts {
			installed, found := db.InstalledVersion(alts[i].Name)
			if found && alts[i].Relation.Satisfies(installed, alts[i].Version) {
				alts[i].Satisfied = true
				ok = true
			}
		}
		res.Declared = append(res.Declared, alts)
		if ok {
			res.Satisfied = append(res.Satisfied, alts)
		} else {
			res.Missing = append(res.Missing, alts)
		}
	}
	return res
}

// targetDependencies rewrites dependency names for tools builds. Cross
// tools need every dependency twice: once for the target and once
// prefixed for the tools folder.
func targetDependencies(groups []Alternatives, cfg *BuildConfig) []Alternatives {
	switch cfg.BuildFor {
	case BuildForTools:
		out := make([]Alternatives, 0, len(groups))
		for _, g := range groups {
			out = append(out, prefixed(g, "tools-"))
		}
		return out
	case BuildForCrossTools:
		out := make([]Alternatives, 0, 2*len(groups))
		for _, g := range groups {
			out = append(out, prefixed(g, "tools-"), g)
		}
		return out
	}
	return groups
}

func prefixed(g Alternatives, prefix string) Alternatives {
	out := make(Alternatives, len(g))
	for i, d := range g {
		d.Name = prefix + d.Name
		out[i] = d
	}
	return out
}

// RequireSatisfied fails with ErrUnmetDependency when something is missing.
func (r *ResolvedDependencies) RequireSatisfied() error {
	if len(r.Missing) == 0 {
		return nil
	}
	return newError(KindUnmetDependency, "dependencies", "missing dependencies: %s", FormatDependencies(r.Missing))
}

// FormatDependencies renders groups joined by ", ".
func FormatDependencies(groups []Alternatives) string {
	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = g.String()
	}
	return strings.Join(parts, ", ")
}

// BuildDepsSpec synthesises the "<name>-build-deps" meta package: no files,
// architecture independent, requiring exactly the missing set.
func BuildDepsSpec(spec *PackageSpec, missing []Alternatives) *PackageSpec {
	name := spec.Name + "-build-deps"
	return &PackageSpec{
		Name:            name,
		Version:         spec.Version,
		Release:         spec.Release,
		Epoch:           spec.Epoch,
		Summary:         fmt.Sprintf("Build dependencies for %s %s", spec.Name, spec.Version),
		Maintainer:      "Package Control",
		Repo:            spec.Repo,
		ArchIndependent: true,
		Stages:          map[Stage][]Command{},
		Dir:             spec.Dir,
		Packages: []BinaryPackageDef{{
			Name:        name,
			Description: fmt.Sprintf("Install this package to pull in all build dependencies required to build %q version %q.", spec.Name, spec.Version),
			Requires:    missing,
		}},
	}
}
