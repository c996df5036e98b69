// Package pins resolves the board's GPIO lines by name through the periph
// registry.
package pins

import (
	"fmt"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/ardnew/tildabridge/pkg"
)

var hostInitialized atomic.Bool

// Init loads the periph host drivers once per process.
func Init() error {
	if hostInitialized.CompareAndSwap(false, true) {
		state, err := host.Init()
		if err != nil {
			hostInitialized.Store(false)
			return fmt.Errorf("host initialization failed: %w", err)
		}
		for _, failure := range state.Failed {
			pkg.LogDebug(pkg.ComponentPins, "driver failed to load",
				"driver", failure.D.String(),
				"error", failure.Err)
		}
	}
	return nil
}

// Resolve returns the output pin registered as name. An empty name returns
// a pin that accepts and discards every level.
func Resolve(name string) (gpio.PinOut, error) {
	if name == "" {
		return Nop{}, nil
	}
	if err := Init(); err != nil {
		return nil, err
	}
	return lookup(name)
}

func lookup(name string) (gpio.PinOut, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("pin %q: %w", name, pkg.ErrInvalidParameter)
	}
	pkg.LogDebug(pkg.ComponentPins, "pin resolved",
		"name", name,
		"pin", p.String())
	return p, nil
}

// Nop is an unconnected output.
type Nop struct{}

func (Nop) String() string { return "NOP" }
func (Nop) Name() string { return "NOP" }
func (Nop) Number() int { return -1 }
func (Nop) Function() string { return "" }
func (Nop) Halt() error { return nil }
func (Nop) Out(gpio.Level) error { return nil }
func (Nop) PWM(gpio.Duty, physic.Frequency) error { return pkg.ErrNotSupported }

var _ gpio.PinOut = Nop{}
