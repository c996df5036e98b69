package manifest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ardnew/tildabridge/pkg"
)

// panicLink matches the two ways a crate root links a panic handler crate.
var panicLink = regexp.MustCompile(`(?m)^\s*(?:use\s+(panic_\w+)\s+as\s+_\s*;|extern\s+crate\s+(panic_\w+)\s*;)`)

// ActivePanic returns the declared panic crate that the firmware source
// links. Declaring several strategies is allowed; linking more than one,
// none, or one that is not declared is an error.
func (m *Manifest) ActivePanic(src string) (string, error) {
	declared := make(map[string]string)
	for _, d := range m.ByRole(RolePanic) {
		declared[strings.ReplaceAll(d.Name, "-", "_")] = d.Name
	}

	var linked []string
	for _, match := range panicLink.FindAllStringSubmatch(src, -1) {
		ident := match[1] + match[2]
		name, ok := declared[ident]
		if !ok {
			return "", fmt.Errorf("%w: source links %s, which is not a dependency", pkg.ErrManifest, ident)
		}
		linked = append(linked, name)
	}

	switch len(linked) {
	case 0:
		return "", fmt.Errorf("%w: source links no panic strategy", pkg.ErrManifest)
	case 1:
		pkg.LogDebug(pkg.ComponentManifest, "panic strategy", "crate", linked[0])
		return linked[0], nil
	}
	return "", fmt.Errorf("%w: source links %d panic strategies: %s",
		pkg.ErrManifest, len(linked), strings.Join(linked, ", "))
}
