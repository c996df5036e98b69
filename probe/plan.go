package probe

import (
	"fmt"
	"slices"

	"github.com/ardnew/tildabridge/pkg"
)

// Fixed parts of every debug session.
const (
	DefaultDevice  = "/dev/ttyACM0"
	DefaultTarget  = 1
	BacktraceLimit = 32
	StepCount      = 1
)

// FaultSymbols are the entry points that halt the core on an unrecoverable
// fault or panic, in installation order.
var FaultSymbols = []string{"DefaultHandler", "HardFault", "rust_begin_unwind"}

// Plan describes one attach session.
type Plan struct {
	Device      string // probe GDB serial port
	PowerSense  bool   // enable target power from the probe
	Target      int    // 1-based index into the scan result
	Demangle    bool   // demangle symbol names
	PrettyPrint bool   // multi-line register and frame output

	BacktraceLimit int
	Breakpoints    []string
	Load           bool
	StepCount      int
}

// DefaultPlan returns the standard session for the probe at device.
func DefaultPlan(device string) Plan {
	return Plan{
		Device:         device,
		PowerSense:     true,
		Target:         DefaultTarget,
		Demangle:       true,
		PrettyPrint:    true,
		BacktraceLimit: BacktraceLimit,
		Breakpoints:    slices.Clone(FaultSymbols),
		Load:           true,
		StepCount:      StepCount,
	}
}

// Validate checks the operator-editable fields and rejects any change to
// the fixed breakpoint set, backtrace limit, or step count.
func (p Plan) Validate() error {
	if p.Device == "" {
		return fmt.Errorf("probe device path is empty: %w", pkg.ErrInvalidParameter)
	}
	if p.Target < 1 {
		return fmt.Errorf("target index %d: %w", p.Target, pkg.ErrInvalidParameter)
	}
	if p.BacktraceLimit != BacktraceLimit {
		return fmt.Errorf("backtrace limit %d, want %d: %w",
			p.BacktraceLimit, BacktraceLimit, pkg.ErrInvalidParameter)
	}
	if !slices.Equal(p.Breakpoints, FaultSymbols) {
		return fmt.Errorf("breakpoints %v, want %v: %w",
			p.Breakpoints, FaultSymbols, pkg.ErrInvalidParameter)
	}
	if p.StepCount != StepCount {
		return fmt.Errorf("step count %d, want %d: %w",
			p.StepCount, StepCount, pkg.ErrInvalidParameter)
	}
	return nil
}
