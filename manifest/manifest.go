package manifest

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"github.com/ardnew/tildabridge/pkg"
)

// Package is the [package] table.
type Package struct {
	Name    string   `toml:"name"`
	Version string   `toml:"version"`
	Authors []string `toml:"authors"`
	Edition string   `toml:"edition"`
	Readme  string   `toml:"readme"`
}

// Binary is one [[bin]] target.
type Binary struct {
	Name  string `toml:"name"`
	Path  string `toml:"path"`
	Test  *bool  `toml:"test"`
	Bench *bool  `toml:"bench"`
}

// Dependency is one entry of [dependencies], in either the short string
// form or the table form.
type Dependency struct {
	Name            string
	Version         string
	Features        []string
	Optional        bool
	DefaultFeatures bool
	Git             string
	Path            string
}

// HasFeature reports whether feature f is enabled explicitly.
func (d Dependency) HasFeature(f string) bool {
	for _, x := range d.Features {
		if x == f {
			return true
		}
	}
	return false
}

// Profile holds the build knobs of one [profile.*] table. Unset knobs are
// empty; integer and boolean values are kept in their TOML spelling.
type Profile struct {
	Name         string
	CodegenUnits int // 0 when unset
	OptLevel     string
	Debug        string
	LTO          string
	Panic        string
}

// Release defaults applied to knobs the manifest leaves unset.
var releaseDefaults = Profile{
	Name:         "release",
	CodegenUnits: 16,
	OptLevel:     "3",
	Debug:        "false",
	LTO:          "false",
	Panic:        "unwind",
}

// Effective fills unset knobs with the release defaults.
func (p Profile) Effective() Profile {
	if p.CodegenUnits == 0 {
		p.CodegenUnits = releaseDefaults.CodegenUnits
	}
	if p.OptLevel == "" {
		p.OptLevel = releaseDefaults.OptLevel
	}
	if p.Debug == "" {
		p.Debug = releaseDefaults.Debug
	}
	if p.LTO == "" {
		p.LTO = releaseDefaults.LTO
	}
	if p.Panic == "" {
		p.Panic = releaseDefaults.Panic
	}
	return p
}

// DebugInfo reports whether the profile emits debug information.
func (p Profile) DebugInfo() bool {
	switch p.Debug {
	case "", "false", "0", "none":
		return false
	}
	return true
}

// Manifest is a parsed Cargo.toml.
type Manifest struct {
	Package      Package
	Binaries     []Binary
	Dependencies []Dependency // sorted by name
	Profiles     map[string]Profile
}

// Dependency returns the dependency called name.
func (m *Manifest) Dependency(name string) (Dependency, bool) {
	i := sort.Search(len(m.Dependencies), func(i int) bool { return m.Dependencies[i].Name >= name })
	if i < len(m.Dependencies) && m.Dependencies[i].Name == name {
		return m.Dependencies[i], true
	}
	return Dependency{}, false
}

// Release returns the release profile, empty when the manifest declares none.
func (m *Manifest) Release() Profile {
	if p, ok := m.Profiles["release"]; ok {
		return p
	}
	return Profile{Name: "release"}
}

type rawProfile struct {
	CodegenUnits *int64 `toml:"codegen-units"`
	OptLevel     any    `toml:"opt-level"`
	Debug        any    `toml:"debug"`
	LTO          any    `toml:"lto"`
	Panic        string `toml:"panic"`
}

type rawManifest struct {
	Package      Package               `toml:"package"`
	Bin          []Binary              `toml:"bin"`
	Dependencies map[string]any        `toml:"dependencies"`
	Profile      map[string]rawProfile `toml:"profile"`
}

// Load parses the manifest at path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pkg.ErrManifest, err)
	}
	defer f.Close()
	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a Cargo.toml.
func Parse(r io.Reader) (*Manifest, error) {
	var raw rawManifest
	if err := toml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %w", pkg.ErrManifest, err)
	}
	if raw.Package.Name == "" {
		return nil, fmt.Errorf("%w: [package] has no name", pkg.ErrManifest)
	}

	m := &Manifest{
		Package:  raw.Package,
		Binaries: raw.Bin,
		Profiles: make(map[string]Profile, len(raw.Profile)),
	}
	for name, value := range raw.Dependencies {
		dep, err := parseDependency(name, value)
		if err != nil {
			return nil, err
		}
		m.Dependencies = append(m.Dependencies, dep)
	}
	sort.Slice(m.Dependencies, func(i, j int) bool { return m.Dependencies[i].Name < m.Dependencies[j].Name })

	for name, rp := range raw.Profile {
		p, err := parseProfile(name, rp)
		if err != nil {
			return nil, err
		}
		m.Profiles[name] = p
	}

	pkg.LogDebug(pkg.ComponentManifest, "manifest parsed",
		"package", m.Package.Name,
		"dependencies", len(m.Dependencies),
		"profiles", len(m.Profiles))
	return m, nil
}

func parseDependency(name string, value any) (Dependency, error) {
	dep := Dependency{Name: name, DefaultFeatures: true}
	switch v := value.(type) {
	case string:
		dep.Version = v
		return dep, nil
	case map[string]any:
		var err error
		for key, field := range v {
			switch key {
			case "version":
				dep.Version, err = asString(name, key, field)
			case "git":
				dep.Git, err = asString(name, key, field)
			case "path":
				dep.Path, err = asString(name, key, field)
			case "optional":
				dep.Optional, err = asBool(name, key, field)
			case "default-features", "default_features":
				dep.DefaultFeatures, err = asBool(name, key, field)
			case "features":
				dep.Features, err = asStrings(name, key, field)
			}
			if err != nil {
				return Dependency{}, err
			}
		}
		return dep, nil
	}
	return Dependency{}, fmt.Errorf("%w: dependency %s: unexpected %T", pkg.ErrManifest, name, value)
}

func parseProfile(name string, rp rawProfile) (Profile, error) {
	p := Profile{Name: name, Panic: rp.Panic}
	if rp.CodegenUnits != nil {
		if *rp.CodegenUnits < 1 {
			return Profile{}, fmt.Errorf("%w: profile.%s.codegen-units = %d", pkg.ErrManifest, name, *rp.CodegenUnits)
		}
		p.CodegenUnits = int(*rp.CodegenUnits)
	}
	var err error
	if p.OptLevel, err = knob(name, "opt-level", rp.OptLevel, false); err != nil {
		return Profile{}, err
	}
	if p.Debug, err = knob(name, "debug", rp.Debug, true); err != nil {
		return Profile{}, err
	}
	if p.LTO, err = knob(name, "lto", rp.LTO, true); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// knob renders a profile value that may be an integer, a string, or (when
// allowBool is set) a boolean.
func knob(profile, key string, value any, allowBool bool) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case bool:
		if allowBool {
			return strconv.FormatBool(v), nil
		}
	}
	return "", fmt.Errorf("%w: profile.%s.%s: unexpected %T", pkg.ErrManifest, profile, key, value)
}

func asString(dep, key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: dependency %s: %s is %T, want string", pkg.ErrManifest, dep, key, v)
	}
	return s, nil
}

func asBool(dep, key string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: dependency %s: %s is %T, want bool", pkg.ErrManifest, dep, key, v)
	}
	return b, nil
}

func asStrings(dep, key string, v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: dependency %s: %s is %T, want array", pkg.ErrManifest, dep, key, v)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, err := asString(dep, key, item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
