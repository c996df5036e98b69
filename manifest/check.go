package manifest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ardnew/tildabridge/pkg"
)

// Role is what a dependency contributes to the firmware.
type Role int

const (
	RoleOther Role = iota
	RoleRuntime
	RoleHAL
	RoleUSBStack
	RoleUSBPeripheral
	RoleSignature
	RolePanic
)

var roleNames = [...]string{
	RoleOther:         "other",
	RoleRuntime:       "runtime",
	RoleHAL:           "hal",
	RoleUSBStack:      "usb-stack",
	RoleUSBPeripheral: "usb-peripheral",
	RoleSignature:     "signature",
	RolePanic:         "panic",
}

func (r Role) String() string {
	if r >= 0 && int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// RequiredRoles must each be filled by at least one dependency.
var RequiredRoles = []Role{RoleRuntime, RoleHAL, RoleUSBStack, RoleUSBPeripheral, RoleSignature, RolePanic}

// RoleOf classifies a dependency by crate name.
func RoleOf(name string) Role {
	switch {
	case name == "cortex-m", name == "cortex-m-rt":
		return RoleRuntime
	case name == "usb-device", name == "usbd-serial":
		return RoleUSBStack
	case name == "stm32-usbd":
		return RoleUSBPeripheral
	case name == "stm32-device-signature":
		return RoleSignature
	case strings.HasPrefix(name, "stm32") && strings.HasSuffix(name, "-hal"):
		return RoleHAL
	case strings.HasPrefix(name, "panic-"):
		return RolePanic
	}
	return RoleOther
}

// ByRole returns the dependencies filling role, by name.
func (m *Manifest) ByRole(role Role) []Dependency {
	var deps []Dependency
	for _, d := range m.Dependencies {
		if RoleOf(d.Name) == role {
			deps = append(deps, d)
		}
	}
	return deps
}

// Violation is one broken build rule.
type Violation struct {
	Section string // manifest table, e.g. "profile.release"
	Key     string
	Reason  string

	err error
}

func (v *Violation) Error() string {
	if v.Key == "" {
		return fmt.Sprintf("%s: %s", v.Section, v.Reason)
	}
	return fmt.Sprintf("%s.%s: %s", v.Section, v.Key, v.Reason)
}

// Unwrap returns pkg.ErrProfile for profile rules and pkg.ErrManifest
// otherwise.
func (v *Violation) Unwrap() error { return v.err }

// Join combines violations into one error, nil when there are none.
func Join(vs []*Violation) error {
	errs := make([]error, len(vs))
	for i, v := range vs {
		errs[i] = v
	}
	return errors.Join(errs...)
}

// CheckRelease verifies the release profile settings: no link-time
// optimization, one codegen unit, size optimization and retained debug
// information. The settings only pass together.
func CheckRelease(p Profile) []*Violation {
	eff := p.Effective()
	section := "profile." + eff.Name
	var vs []*Violation
	add := func(key, format string, args ...any) {
		vs = append(vs, &Violation{Section: section, Key: key, Reason: fmt.Sprintf(format, args...), err: pkg.ErrProfile})
	}
	if eff.LTO != "false" {
		add("lto", "is %s, want false", eff.LTO)
	}
	if eff.CodegenUnits != 1 {
		add("codegen-units", "is %d, want 1", eff.CodegenUnits)
	}
	if eff.OptLevel != "s" {
		add("opt-level", "is %q, want \"s\"", eff.OptLevel)
	}
	if !eff.DebugInfo() {
		add("debug", "is %s, want debug info retained", eff.Debug)
	}
	return vs
}

// Check verifies the whole manifest: the release profile, one dependency
// per required role, the HAL runtime feature, a shared chip model between
// the HAL and the USB peripheral driver, and at least one panic strategy.
func Check(m *Manifest) []*Violation {
	vs := CheckRelease(m.Release())
	add := func(key, format string, args ...any) {
		vs = append(vs, &Violation{Section: "dependencies", Key: key, Reason: fmt.Sprintf(format, args...), err: pkg.ErrManifest})
	}

	for _, role := range RequiredRoles {
		if len(m.ByRole(role)) == 0 {
			add("", "no %s dependency", role)
		}
	}

	hals := m.ByRole(RoleHAL)
	for _, hal := range hals {
		if !hal.HasFeature("rt") {
			add(hal.Name, "missing feature \"rt\"")
		}
		if len(ChipModels(hal)) != 1 {
			add(hal.Name, "want exactly one chip feature, have %v", ChipModels(hal))
		}
	}
	for _, usb := range m.ByRole(RoleUSBPeripheral) {
		chips := ChipModels(usb)
		if len(chips) == 0 {
			add(usb.Name, "no chip feature")
			continue
		}
		for _, hal := range hals {
			if halChips := ChipModels(hal); len(halChips) == 1 && !sameChip(halChips, chips) {
				add(usb.Name, "chip %v does not match %s chip %v", chips, hal.Name, ChipModels(hal))
			}
		}
	}

	if len(vs) > 0 {
		pkg.LogDebug(pkg.ComponentManifest, "manifest check failed",
			"package", m.Package.Name,
			"violations", len(vs))
	}
	return vs
}

// ChipModels returns the chip-model features of d, normalised to lower case
// without the trailing "x" wildcards ("stm32f072xx" becomes "stm32f072").
// Features naming other crates, like "stm32-usbd", are not chips.
func ChipModels(d Dependency) []string {
	var chips []string
	for _, f := range d.Features {
		f = strings.ToLower(f)
		if strings.HasPrefix(f, "stm32") && len(f) > len("stm32") && !strings.Contains(f, "-") {
			chips = append(chips, strings.TrimRight(f, "x"))
		}
	}
	return chips
}

func sameChip(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
