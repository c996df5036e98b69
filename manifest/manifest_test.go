package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/tildabridge/pkg"
)

func loadFixture(t *testing.T) *Manifest {
	t.Helper()
	m, err := Load(filepath.Join("testdata", "Cargo.toml"))
	require.NoError(t, err)
	return m
}

func TestLoad(t *testing.T) {
	m := loadFixture(t)

	assert.Equal(t, Package{
		Name:    "tilda-bridge",
		Version: "0.1.0",
		Authors: []string{"EMF Badge Team"},
		Edition: "2018",
		Readme:  "README.md",
	}, m.Package)

	require.Len(t, m.Binaries, 1)
	assert.Equal(t, "tilda-bridge", m.Binaries[0].Name)
	require.NotNil(t, m.Binaries[0].Test)
	assert.False(t, *m.Binaries[0].Test)

	var names []string
	for _, d := range m.Dependencies {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{
		"cortex-m", "cortex-m-rt", "panic-reset", "panic-semihosting",
		"stm32-device-signature", "stm32-usbd", "stm32f0xx-hal", "usb-device", "usbd-serial",
	}, names)

	hal, ok := m.Dependency("stm32f0xx-hal")
	require.True(t, ok)
	assert.Equal(t, "0.16.0", hal.Version)
	assert.Equal(t, []string{"rt", "stm32-usbd", "stm32f072"}, hal.Features)
	assert.True(t, hal.DefaultFeatures)

	rt, ok := m.Dependency("cortex-m-rt")
	require.True(t, ok)
	assert.Equal(t, "0.6.12", rt.Version)
	assert.Empty(t, rt.Features)

	_, ok = m.Dependency("embedded-hal")
	assert.False(t, ok)

	assert.Equal(t, Profile{
		Name:         "release",
		CodegenUnits: 1,
		OptLevel:     "s",
		Debug:        "true",
		LTO:          "false",
	}, m.Release())
}

func TestParseDependencyForms(t *testing.T) {
	m, err := Parse(strings.NewReader(`
[package]
name = "x"

[dependencies]
a = "1"
b = { git = "https://example.com/b.git", optional = true, default-features = false }
c = { path = "../c", features = ["one", "two"] }
`))
	require.NoError(t, err)

	a, _ := m.Dependency("a")
	assert.Equal(t, Dependency{Name: "a", Version: "1", DefaultFeatures: true}, a)
	b, _ := m.Dependency("b")
	assert.Equal(t, Dependency{Name: "b", Git: "https://example.com/b.git", Optional: true}, b)
	c, _ := m.Dependency("c")
	assert.Equal(t, []string{"one", "two"}, c.Features)
	assert.Equal(t, "../c", c.Path)
	assert.True(t, c.HasFeature("two"))
	assert.False(t, c.HasFeature("three"))
}

func TestParseProfileForms(t *testing.T) {
	m, err := Parse(strings.NewReader(`
[package]
name = "x"

[profile.release]
opt-level = 3
debug = 2
lto = "fat"

[profile.dev]
opt-level = 1
debug = false
`))
	require.NoError(t, err)

	rel := m.Release()
	assert.Equal(t, "3", rel.OptLevel)
	assert.Equal(t, "2", rel.Debug)
	assert.True(t, rel.DebugInfo())
	assert.Equal(t, "fat", rel.LTO)
	assert.Zero(t, rel.CodegenUnits)

	dev := m.Profiles["dev"]
	assert.Equal(t, "1", dev.OptLevel)
	assert.False(t, dev.DebugInfo())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"syntax", "[package\nname = 1"},
		{"no package name", "[package]\nversion = \"1\""},
		{"dependency type", "[package]\nname = \"x\"\n[dependencies]\na = 1"},
		{"features type", "[package]\nname = \"x\"\n[dependencies]\na = { features = \"rt\" }"},
		{"optional type", "[package]\nname = \"x\"\n[dependencies]\na = { optional = \"yes\" }"},
		{"opt-level bool", "[package]\nname = \"x\"\n[profile.release]\nopt-level = true"},
		{"codegen-units zero", "[package]\nname = \"x\"\n[profile.release]\ncodegen-units = 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.toml))
			assert.ErrorIs(t, err, pkg.ErrManifest)
		})
	}

	_, err := Load(filepath.Join("testdata", "missing.toml"))
	assert.ErrorIs(t, err, pkg.ErrManifest)
}

func TestCheckRelease(t *testing.T) {
	good := Profile{Name: "release", CodegenUnits: 1, OptLevel: "s", Debug: "true", LTO: "false"}
	assert.Empty(t, CheckRelease(good))

	tests := []struct {
		name   string
		modify func(*Profile)
		key    string
	}{
		{"lto on", func(p *Profile) { p.LTO = "true" }, "lto"},
		{"fat lto", func(p *Profile) { p.LTO = "fat" }, "lto"},
		{"parallel codegen", func(p *Profile) { p.CodegenUnits = 16 }, "codegen-units"},
		{"speed", func(p *Profile) { p.OptLevel = "3" }, "opt-level"},
		{"smallest", func(p *Profile) { p.OptLevel = "z" }, "opt-level"},
		{"no debug", func(p *Profile) { p.Debug = "false" }, "debug"},
		{"debug zero", func(p *Profile) { p.Debug = "0" }, "debug"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := good
			tt.modify(&p)
			vs := CheckRelease(p)
			require.Len(t, vs, 1)
			assert.Equal(t, tt.key, vs[0].Key)
			assert.ErrorIs(t, vs[0], pkg.ErrProfile)
		})
	}
}

func TestCheckReleaseDefaults(t *testing.T) {
	// Cargo's release defaults satisfy only the LTO rule.
	vs := CheckRelease(Profile{Name: "release"})
	var keys []string
	for _, v := range vs {
		keys = append(keys, v.Key)
	}
	assert.Equal(t, []string{"codegen-units", "opt-level", "debug"}, keys)
	assert.EqualError(t, vs[1], `profile.release.opt-level: is "3", want "s"`)
}

func TestCheck(t *testing.T) {
	m := loadFixture(t)
	assert.Empty(t, Check(m))
	assert.NoError(t, Join(Check(m)))

	assert.Equal(t, RoleHAL, RoleOf("stm32f0xx-hal"))
	assert.Equal(t, RoleHAL, RoleOf("stm32l4xx-hal"))
	assert.Equal(t, RolePanic, RoleOf("panic-halt"))
	assert.Equal(t, RoleOther, RoleOf("heapless"))
	assert.Equal(t, "usb-peripheral", RoleUSBPeripheral.String())
	assert.Len(t, m.ByRole(RolePanic), 2)
}

func TestCheckViolations(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Manifest)
		want   string
	}{
		{
			name: "missing signature",
			modify: func(m *Manifest) {
				m.Dependencies = without(m.Dependencies, "stm32-device-signature")
			},
			want: "dependencies: no signature dependency",
		},
		{
			name: "no panic strategy",
			modify: func(m *Manifest) {
				m.Dependencies = without(without(m.Dependencies, "panic-reset"), "panic-semihosting")
			},
			want: "dependencies: no panic dependency",
		},
		{
			name: "hal without rt",
			modify: func(m *Manifest) {
				setFeatures(m, "stm32f0xx-hal", "stm32f072")
			},
			want: `dependencies.stm32f0xx-hal: missing feature "rt"`,
		},
		{
			name: "hal without chip",
			modify: func(m *Manifest) {
				setFeatures(m, "stm32f0xx-hal", "rt")
			},
			want: "dependencies.stm32f0xx-hal: want exactly one chip feature, have []",
		},
		{
			name: "usb peripheral without chip",
			modify: func(m *Manifest) {
				setFeatures(m, "stm32-usbd")
			},
			want: "dependencies.stm32-usbd: no chip feature",
		},
		{
			name: "chip mismatch",
			modify: func(m *Manifest) {
				setFeatures(m, "stm32-usbd", "stm32f042xx")
			},
			want: "dependencies.stm32-usbd: chip [stm32f042] does not match stm32f0xx-hal chip [stm32f072]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := loadFixture(t)
			tt.modify(m)
			vs := Check(m)
			require.Len(t, vs, 1)
			assert.EqualError(t, vs[0], tt.want)

			err := Join(vs)
			assert.ErrorIs(t, err, pkg.ErrManifest)
			assert.False(t, errors.Is(err, pkg.ErrProfile))
		})
	}
}

func TestCheckCombinesProfileAndDependencies(t *testing.T) {
	m := loadFixture(t)
	m.Profiles["release"] = Profile{Name: "release", CodegenUnits: 1, OptLevel: "s", Debug: "true", LTO: "true"}
	m.Dependencies = without(m.Dependencies, "usbd-serial")
	m.Dependencies = without(m.Dependencies, "usb-device")

	err := Join(Check(m))
	assert.ErrorIs(t, err, pkg.ErrProfile)
	assert.ErrorIs(t, err, pkg.ErrManifest)

	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "lto", v.Key)
}

func TestActivePanic(t *testing.T) {
	m := loadFixture(t)
	src, err := os.ReadFile(filepath.Join("testdata", "main.rs"))
	require.NoError(t, err)

	name, err := m.ActivePanic(string(src))
	require.NoError(t, err)
	assert.Equal(t, "panic-reset", name)

	name, err = m.ActivePanic("use panic_semihosting as _;\n")
	require.NoError(t, err)
	assert.Equal(t, "panic-semihosting", name)

	tests := []struct {
		name string
		src  string
	}{
		{"none", "use cortex_m_rt::entry;\n// extern crate panic_reset;\n"},
		{"both", "extern crate panic_reset;\nuse panic_semihosting as _;\n"},
		{"undeclared", "use panic_halt as _;\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.ActivePanic(tt.src)
			assert.ErrorIs(t, err, pkg.ErrManifest)
		})
	}
}

func without(deps []Dependency, name string) []Dependency {
	var out []Dependency
	for _, d := range deps {
		if d.Name != name {
			out = append(out, d)
		}
	}
	return out
}

func setFeatures(m *Manifest, name string, features ...string) {
	for i := range m.Dependencies {
		if m.Dependencies[i].Name == name {
			m.Dependencies[i].Features = features
		}
	}
}
