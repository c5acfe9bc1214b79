package bondipack

import (
	"bytes"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"
)

// PackageSpec is a parsed and validated specfile. It is read-only after
// LoadSpec returns.
type PackageSpec struct {
	Name       string
	Version    string
	Release    string
	Epoch      string
	Summary    string
	Maintainer string
	Repo       string

	ArchIndependent bool
	Architecture    ArchRules
	Libc            []Libc
	BuildFor        []BuildFor
	If              *Filter

	BuildDependencies []Alternatives
	Packages          []BinaryPackageDef
	Stages            map[Stage][]Command
	Sources           []SourceArchive
	Patches           []Patch
	Defines           map[string]string

	// Dir is the directory holding the specfile.
	Dir string
}

// FullVersion renders [epoch:]version[-release].
func (s *PackageSpec) FullVersion() string {
	v := s.Version
	if s.Epoch != "" && s.Epoch != "0" {
		v = s.Epoch + ":" + v
	}
	if s.Release != "" {
		v += "-" + s.Release
	}
	return v
}

// ArchRules restricts the target architecture. An empty rule set or "any"
// allows everything; "!arch" entries deny.
type ArchRules struct {
	Any   bool
	Allow []string
	Deny  []string
}

func (r ArchRules) Empty() bool {
	return r.Any || (len(r.Allow) == 0 && len(r.Deny) == 0)
}

// BinaryPackageDef describes one binary package cut from the install tree.
type BinaryPackageDef struct {
	Name        string
	Description string
	Files       []string
	Exclude     []string
	DebugSplit  bool
	Requires    []Alternatives
	If          *Filter
	Attributes  []FileAttributes
	// Scripts maps preinst, postinst, prerm and postrm to their body.
	Scripts map[string]string
}

// FileAttributes overrides mode, ownership or the conffile flag of the
// entries a selector matches. Entries below a matched directory inherit
// them.
type FileAttributes struct {
	Path     string
	Mode     *fs.FileMode
	Owner    string
	Group    string
	Conffile bool
}

// MaintainerScripts are the script names a binary package may carry.
var MaintainerScripts = []string{"preinst", "postinst", "prerm", "postrm"}

// Command is one argv executed during a stage. Words are expanded against
// the stage environment right before execution.
type Command struct {
	Args []string
	Dir  string
	If   *Filter
}

func (c Command) String() string {
	return shellquote.Join(c.Args...)
}

// SourceArchive is a declared source file.
type SourceArchive struct {
	URL      string
	Upstream string
	Checksum digest.Digest
	Subdir   string
}

// FileName is the name the archive is stored under.
func (s SourceArchive) FileName() string {
	u := s.URL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return filepath.Base(u)
}

// Patch is applied to the unpacked sources with the given strip level.
type Patch struct {
	File   string
	Strip  int
	Subdir string
}

var (
	nameRegexp    = regexp.MustCompile(`^[a-zA-Z0-9]+(?:[+\-.][a-zA-Z0-9]+)*$`)
	versionRegexp = regexp.MustCompile(`^[-.+~a-zA-Z0-9]+$`)
	epochRegexp   = regexp.MustCompile(`^\d+$`)
	accountRegexp = regexp.MustCompile(`^[a-z_][a-z0-9_-]*\$?$`)
	defineRegexp  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// on-disk layout

type specDocument struct {
	Name            string               `yaml:"name"`
	Version         string               `yaml:"version"`
	Release         string               `yaml:"release"`
	Epoch           string               `yaml:"epoch"`
	Summary         string               `yaml:"summary"`
	Maintainer      string               `yaml:"maintainer"`
	Repo            string               `yaml:"repo"`
	ArchIndependent bool                 `yaml:"arch-independent"`
	Architecture    stringList           `yaml:"architecture"`
	Libc            stringList           `yaml:"libc"`
	BuildFor        stringList           `yaml:"build-for"`
	If              string               `yaml:"if"`
	BuildDeps       []string             `yaml:"build-dependencies"`
	Sources         []sourceDocument     `yaml:"sources"`
	Patches         []patchDocument      `yaml:"patches"`
	Defines         map[string]string    `yaml:"defines"`
	Stages          map[string][]command `yaml:"stages"`
	Packages        []packageDocument    `yaml:"packages"`
}

type sourceDocument struct {
	URL      string `yaml:"url"`
	Upstream string `yaml:"upstream"`
	Checksum string `yaml:"checksum"`
	Subdir   string `yaml:"subdir"`
}

type patchDocument struct {
	File   string `yaml:"file"`
	Strip  *int   `yaml:"strip"`
	Subdir string `yaml:"subdir"`
}

type packageDocument struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Files       stringList `yaml:"files"`
	Exclude     stringList `yaml:"exclude"`
	DebugSplit  bool       `yaml:"debug-split"`
	Requires    []string   `yaml:"requires"`
	If          string     `yaml:"if"`

	Attributes []attributeDocument `yaml:"attributes"`
	Scripts    map[string]string   `yaml:"scripts"`
}

type attributeDocument struct {
	Path     string `yaml:"path"`
	Mode     string `yaml:"mode"`
	Owner    string `yaml:"owner"`
	Group    string `yaml:"group"`
	Conffile bool   `yaml:"conffile"`
}

// stringList accepts a scalar or a sequence of scalars.
type stringList []string

func (l *stringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Value != "" {
			*l = stringList{n.Value}
		}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := n.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", n.Line)
}

// command is a stage command as written: a string split like a shell
// would, an argv list, or a mapping with run/dir/if keys.
type command struct {
	Args []string
	Dir  string
	If   string
}

func (c *command) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		args, err := shellquote.Split(n.Value)
		if err != nil {
			return fmt.Errorf("line %d: %v", n.Line, err)
		}
		c.Args = args
		return nil
	case yaml.SequenceNode:
		return n.Decode(&c.Args)
	case yaml.MappingNode:
		var m struct {
			Run yaml.Node `yaml:"run"`
			Dir string    `yaml:"dir"`
			If  string    `yaml:"if"`
		}
		if err := n.Decode(&m); err != nil {
			return err
		}
		if m.Run.Kind == 0 {
			return fmt.Errorf("line %d: command mapping needs a run key", n.Line)
		}
		var inner command
		if err := inner.UnmarshalYAML(&m.Run); err != nil {
			return err
		}
		c.Args, c.Dir, c.If = inner.Args, m.Dir, m.If
		return nil
	}
	return fmt.Errorf("line %d: unsupported command form", n.Line)
}

// LoadSpec reads and validates a specfile.
func LoadSpec(path string) (*PackageSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapError(KindSpecParse, "load", err, "reading specfile")
	}

	var doc specDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, wrapError(KindSpecParse, "load", err, "parsing %s", path)
	}
	if strings.TrimSpace(doc.Name) == "" {
		return nil, newError(KindSpecParse, "load", "%s: name is required", path)
	}
	if strings.TrimSpace(doc.Version) == "" {
		return nil, newError(KindSpecParse, "load", "%s: version is required", path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, wrapError(KindSpecParse, "load", err, "resolving %s", path)
	}

	spec, problems := doc.convert()
	spec.Dir = filepath.Dir(abs)
	problems = append(problems, spec.check()...)
	if len(problems) > 0 {
		return nil, &Error{
			Kind:    KindSpecValidation,
			Op:      "validate",
			Package: spec.Name,
			Msg:     strings.Join(problems, "; "),
		}
	}
	return spec, nil
}

// Validate re-runs the cross-field checks on an already built spec.
func (s *PackageSpec) Validate() error {
	if problems := s.check(); len(problems) > 0 {
		return &Error{Kind: KindSpecValidation, Op: "validate", Package: s.Name, Msg: strings.Join(problems, "; ")}
	}
	return nil
}

// convert turns the document into a PackageSpec, collecting every problem
// that prevents a faithful conversion.
func (d *specDocument) convert() (*PackageSpec, []string) {
	var problems []string
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	filter := func(field, expr string) *Filter {
		f, err := ParseFilter(expr)
		if err != nil {
			bad("%s: %v", field, err)
		}
		return f
	}

	s := &PackageSpec{
		Name:            strings.TrimSpace(d.Name),
		Version:         strings.TrimSpace(d.Version),
		Release:         strings.TrimSpace(d.Release),
		Epoch:           strings.TrimSpace(d.Epoch),
		Summary:         d.Summary,
		Maintainer:      d.Maintainer,
		Repo:            d.Repo,
		ArchIndependent: d.ArchIndependent,
		If:              filter("if", d.If),
		Defines:         d.Defines,
		Stages:          make(map[Stage][]Command),
	}

	for _, a := range d.Architecture {
		a = strings.TrimSpace(a)
		switch {
		case a == "any" || a == "all":
			s.Architecture.Any = true
		case strings.HasPrefix(a, "!"):
			s.Architecture.Deny = append(s.Architecture.Deny, strings.TrimPrefix(a, "!"))
		case a != "":
			s.Architecture.Allow = append(s.Architecture.Allow, a)
		}
	}
	for _, l := range d.Libc {
		libc, err := ParseLibc(l)
		if err != nil {
			bad("libc: unsupported value %q", l)
			continue
		}
		s.Libc = append(s.Libc, libc)
	}
	for _, b := range d.BuildFor {
		bf, err := ParseBuildFor(b)
		if err != nil {
			bad("build-for: unsupported value %q", b)
			continue
		}
		s.BuildFor = append(s.BuildFor, bf)
	}

	for i, line := range d.BuildDeps {
		alts, err := ParseAlternatives(line)
		if err != nil {
			bad("build-dependencies[%d]: %v", i, err)
			continue
		}
		s.BuildDependencies = append(s.BuildDependencies, alts)
	}

	for i, src := range d.Sources {
		sa := SourceArchive{URL: strings.TrimSpace(src.URL), Upstream: strings.TrimSpace(src.Upstream), Subdir: src.Subdir}
		if sa.URL == "" {
			bad("sources[%d].url is required", i)
		}
		dg, err := parseChecksum(src.Checksum)
		if err != nil {
			bad("sources[%d].checksum: %v", i, err)
		}
		sa.Checksum = dg
		s.Sources = append(s.Sources, sa)
	}

	for i, p := range d.Patches {
		strip := 1
		if p.Strip != nil {
			strip = *p.Strip
		}
		if p.File == "" {
			bad("patches[%d].file is required", i)
		}
		if strip < 1 {
			bad("patches[%d].strip must be at least 1", i)
		}
		s.Patches = append(s.Patches, Patch{File: p.File, Strip: strip, Subdir: p.Subdir})
	}

	for _, name := range slices.Sorted(maps.Keys(d.Stages)) {
		cmds := d.Stages[name]
		stage, ok := ParseStage(name)
		if !ok || stage == StageRepackage {
			bad("stages: unknown stage %q", name)
			continue
		}
		for i, c := range cmds {
			if len(c.Args) == 0 {
				bad("stages.%s[%d] is empty", name, i)
			}
			s.Stages[stage] = append(s.Stages[stage], Command{
				Args: c.Args,
				Dir:  c.Dir,
				If:   filter(fmt.Sprintf("stages.%s[%d].if", name, i), c.If),
			})
		}
	}

	for i, p := range d.Packages {
		def := BinaryPackageDef{
			Name:        strings.TrimSpace(p.Name),
			Description: p.Description,
			Files:       p.Files,
			Exclude:     p.Exclude,
			DebugSplit:  p.DebugSplit,
			If:          filter(fmt.Sprintf("packages[%d].if", i), p.If),
		}
		for j, line := range p.Requires {
			alts, err := ParseAlternatives(line)
			if err != nil {
				bad("packages[%d].requires[%d]: %v", i, j, err)
				continue
			}
			def.Requires = append(def.Requires, alts)
		}
		for j, ad := range p.Attributes {
			attr := FileAttributes{
				Path:     strings.TrimSpace(ad.Path),
				Owner:    strings.TrimSpace(ad.Owner),
				Group:    strings.TrimSpace(ad.Group),
				Conffile: ad.Conffile,
			}
			if attr.Path == "" {
				bad("packages[%d].attributes[%d].path is required", i, j)
			}
			if ad.Mode != "" {
				v, err := strconv.ParseUint(strings.TrimSpace(ad.Mode), 8, 32)
				if err != nil || v > 0o7777 {
					bad("packages[%d].attributes[%d].mode: %q is not an octal file mode", i, j, ad.Mode)
				} else {
					m := modeFromOctal(int64(v))
					attr.Mode = &m
				}
			}
			def.Attributes = append(def.Attributes, attr)
		}
		if len(p.Scripts) > 0 {
			def.Scripts = maps.Clone(p.Scripts)
		}
		s.Packages = append(s.Packages, def)
	}

	return s, problems
}

// check enforces the cross-field invariants.
func (s *PackageSpec) check() []string {
	var problems []string
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !nameRegexp.MatchString(s.Name) {
		bad("name %q is not a valid package name", s.Name)
	}
	if !versionRegexp.MatchString(s.Version) {
		bad("version %q is not a valid version", s.Version)
	}
	if s.Release != "" && !versionRegexp.MatchString(s.Release) {
		bad("release %q is not a valid revision", s.Release)
	}
	if s.Epoch != "" && !epochRegexp.MatchString(s.Epoch) {
		bad("epoch %q must be numeric", s.Epoch)
	}
	for _, k := range slices.Sorted(maps.Keys(s.Defines)) {
		if !defineRegexp.MatchString(k) {
			bad("defines: %q is not a valid variable name", k)
		}
	}

	hasInstall := len(s.Stages[StageInstall]) > 0
	seen := make(map[string]bool, len(s.Packages))
	for i, p := range s.Packages {
		if !nameRegexp.MatchString(p.Name) {
			bad("packages[%d].name %q is not a valid package name", i, p.Name)
		}
		if seen[p.Name] {
			bad("packages[%d].name %q is declared twice", i, p.Name)
		}
		seen[p.Name] = true

		if len(p.Files) > 0 && !hasInstall {
			bad("packages[%d] (%s) selects files but no install stage is declared", i, p.Name)
		}
		for _, name := range slices.Sorted(maps.Keys(p.Scripts)) {
			if !slices.Contains(MaintainerScripts, name) {
				bad("packages[%d] (%s) declares unknown maintainer script %q", i, p.Name, name)
			}
		}
		for j, a := range p.Attributes {
			for _, id := range []string{a.Owner, a.Group} {
				if id != "" && !accountRegexp.MatchString(id) {
					bad("packages[%d].attributes[%d]: %q is not a valid user or group name", i, j, id)
				}
			}
		}
		if p.DebugSplit {
			for _, ex := range p.Exclude {
				if excludesDebugSymbols(ex) {
					bad("packages[%d] (%s) is debug-split but excludes debug symbols via %q", i, p.Name, ex)
				}
			}
		}
	}

	for i, src := range s.Sources {
		if src.Checksum == "" {
			bad("sources[%d].checksum is required", i)
		}
		if filepath.IsAbs(src.Subdir) || strings.HasPrefix(filepath.Clean(src.Subdir), "..") {
			bad("sources[%d].subdir must stay inside the source tree", i)
		}
	}
	for i, p := range s.Patches {
		if filepath.IsAbs(p.Subdir) || strings.HasPrefix(filepath.Clean(p.Subdir), "..") {
			bad("patches[%d].subdir must stay inside the source tree", i)
		}
	}
	return problems
}

func excludesDebugSymbols(selector string) bool {
	sel := strings.TrimSuffix(selector, "/")
	return strings.Contains(sel, "lib/debug") || strings.HasSuffix(sel, ".debug")
}

// parseChecksum accepts "alg:hex" digests and bare sha256 hex strings.
func parseChecksum(s string) (digest.Digest, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if !strings.Contains(s, ":") {
		s = string(digest.SHA256) + ":" + strings.ToLower(s)
	}
	d, err := digest.Parse(s)
	if err != nil {
		return "", err
	}
	return d, nil
}

// ParseStage maps a stage name onto a Stage.
func ParseStage(name string) (Stage, bool) {
	for _, st := range allStages {
		if string(st) == name {
			return st, true
		}
	}
	return "", false
}
