package bondipack

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
	"golang.org/x/sys/unix"
)

// DefaultConfigFile is read unless BONDI_ROOT points elsewhere.
const DefaultConfigFile = "/etc/bondi/bondi.conf"

// Libc names a C library variant.
type Libc string

const (
	LibcMusl  Libc = "musl"
	LibcGlibc Libc = "glibc"
)

// BuildFor selects where the produced binaries will live.
type BuildFor string

const (
	BuildForTarget     BuildFor = "target"
	BuildForTools      BuildFor = "tools"
	BuildForCrossTools BuildFor = "cross-tools"
)

// ParseLibc validates a libc name.
func ParseLibc(s string) (Libc, error) {
	switch Libc(s) {
	case LibcMusl, LibcGlibc:
		return Libc(s), nil
	}
	return "", newError(KindInvocation, "", "libc must be one of musl, glibc (got %q)", s)
}

// ParseBuildFor validates a build-for value.
func ParseBuildFor(s string) (BuildFor, error) {
	switch BuildFor(s) {
	case BuildForTarget, BuildForTools, BuildForCrossTools:
		return BuildFor(s), nil
	}
	return "", newError(KindInvocation, "", "build-for must be one of target, tools, cross-tools (got %q)", s)
}

// BuildConfig is fixed for the duration of one invocation.
type BuildConfig struct {
	Arch      string
	ToolsArch string
	Libc      Libc
	BuildFor  BuildFor
	Release   string

	EnablePackages  []string
	DisablePackages []string

	DebugPkgs    bool
	CopyArchives bool
	ForceLocal   bool
	IgnoreDeps   bool

	OutDir   string // empty: artifacts go to the work dir
	WorkDir  string // empty: current directory
	CacheDir string
	Mirror   string
	Jobs     int

	Action Action
}

// DefaultBuildConfig describes a target build for the running host.
func DefaultBuildConfig() BuildConfig {
	arch := HostArch()
	return BuildConfig{
		Arch:         arch,
		ToolsArch:    arch,
		Libc:         HostLibc(),
		BuildFor:     BuildForTarget,
		DebugPkgs:    true,
		CopyArchives: true,
		CacheDir:     xdg.CacheHome,
		Jobs:         runtime.NumCPU(),
		Action:       ActionDefault,
	}
}

// Validate checks the values that must hold before any work starts.
func (c *BuildConfig) Validate() error {
	if c.Arch == "" {
		return newError(KindInvocation, "", "target architecture is not set")
	}
	if c.ToolsArch == "" {
		return newError(KindInvocation, "", "tools architecture is not set")
	}
	if _, err := ParseLibc(string(c.Libc)); err != nil {
		return err
	}
	if _, err := ParseBuildFor(string(c.BuildFor)); err != nil {
		return err
	}
	for _, dir := range []struct{ flag, path string }{{"outdir", c.OutDir}, {"work-dir", c.WorkDir}} {
		if dir.path == "" {
			continue
		}
		fi, err := os.Stat(dir.path)
		if err != nil {
			return wrapError(KindInvocation, "", err, "%s %q", dir.flag, dir.path)
		}
		if !fi.IsDir() {
			return newError(KindInvocation, "", "%s %q is not a directory", dir.flag, dir.path)
		}
	}
	if c.Jobs < 1 {
		c.Jobs = 1
	}
	return nil
}

// PackageArch is the architecture stamped on produced packages.
func (c *BuildConfig) PackageArch(archIndependent bool) string {
	switch {
	case c.BuildFor == BuildForTools || c.BuildFor == BuildForCrossTools:
		return "tools"
	case archIndependent:
		return "all"
	}
	return c.Arch
}

// InstallPrefix is where stage commands install into.
func (c *BuildConfig) InstallPrefix() string {
	if c.BuildFor == BuildForTarget {
		return "/usr"
	}
	return "/tools"
}

func (c *BuildConfig) libcSuffix() string {
	if c.Libc == LibcGlibc {
		return "gnu"
	}
	return "musl"
}

// TargetType is the GNU triplet of the target system.
func (c *BuildConfig) TargetType() string {
	return c.Arch + "-linux-" + c.libcSuffix()
}

// ToolsType is the GNU triplet of the tools folder.
func (c *BuildConfig) ToolsType() string {
	return c.ToolsArch + "-tools-linux-" + c.libcSuffix()
}

// HostType is the triplet binaries are built to run on.
func (c *BuildConfig) HostType() string {
	if c.BuildFor == BuildForTarget {
		return c.TargetType()
	}
	return c.ToolsType()
}

// BuildTargetType is the triplet binaries are built to generate code for.
func (c *BuildConfig) BuildTargetType() string {
	if c.BuildFor == BuildForTools {
		return c.ToolsType()
	}
	return c.TargetType()
}

// packageName applies the tools prefixes to a binary package name.
func (c *BuildConfig) packageName(name string) string {
	switch c.BuildFor {
	case BuildForTools:
		return "tools-" + name
	case BuildForCrossTools:
		return "tools-target-" + name
	}
	return name
}

// Settings holds key=value pairs from the config file merged with the
// BONDI_* environment.
type Settings struct {
	Values map[string]string
}

// ConfigFilePath honours BONDI_ROOT.
func ConfigFilePath() string {
	if root := os.Getenv("BONDI_ROOT"); root != "" {
		return filepath.Join(root, "etc", "bondi", "bondi.conf")
	}
	return DefaultConfigFile
}

// LoadSettings reads path (missing files are fine) and merges BONDI_* env
// overrides on top.
func LoadSettings(path string) (*Settings, error) {
	s := &Settings{Values: make(map[string]string)}

	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, val, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			s.Values[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(val), `"'`)
		}
		if err := scanner.Err(); err != nil {
			return s, fmt.Errorf("reading %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return s, fmt.Errorf("opening %s: %w", path, err)
	}

	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "BONDI_") {
			continue
		}
		if key, val, ok := strings.Cut(env, "="); ok {
			s.Values[key] = val
		}
	}
	return s, nil
}

func (s *Settings) Get(key string) string {
	if s == nil {
		return ""
	}
	return s.Values[key]
}

// Bool treats "1", "true" and "yes" as set.
func (s *Settings) Bool(key string) bool {
	switch strings.ToLower(s.Get(key)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// Apply copies settings into cfg where cfg still holds its default.
func (s *Settings) Apply(cfg *BuildConfig) {
	if v := s.Get("BONDI_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := s.Get("BONDI_MIRROR"); v != "" {
		cfg.Mirror = strings.TrimRight(v, "/")
	}
	if v := s.Get("BONDI_RELEASE"); v != "" {
		cfg.Release = v
	}
	if v := s.Get("BONDI_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Jobs = n
		}
	}
}

// S3Settings configures the s3:// fetcher.
type S3Settings struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

func (s *Settings) S3() S3Settings {
	region := s.Get("BONDI_S3_REGION")
	if region == "" {
		region = "auto"
	}
	return S3Settings{
		Endpoint:        s.Get("BONDI_S3_ENDPOINT"),
		Region:          region,
		AccessKeyID:     s.Get("BONDI_S3_ACCESS_KEY_ID"),
		SecretAccessKey: s.Get("BONDI_S3_SECRET_ACCESS_KEY"),
	}
}

// HostArch reports the machine name of the running kernel, normalised to
// the names used in specfiles.
func HostArch() string {
	var uts unix.Utsname
	arch := ""
	if err := unix.Uname(&uts); err == nil {
		arch = unix.ByteSliceToString(uts.Machine[:])
	}
	if arch == "" {
		arch = runtime.GOARCH
	}
	return normalizeArch(arch)
}

func normalizeArch(arch string) string {
	switch arch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i686"
	}
	return arch
}

// HostLibc guesses the libc of the running system from the dynamic loader.
func HostLibc() Libc {
	if matches, _ := filepath.Glob("/lib/ld-musl-*.so.1"); len(matches) > 0 {
		return LibcMusl
	}
	return LibcGlibc
}
