package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/tildabridge/pkg"
)

func TestDefaultPlan(t *testing.T) {
	plan := DefaultPlan("/dev/ttyBmpGdb")
	require.NoError(t, plan.Validate())
	assert.Equal(t, "/dev/ttyBmpGdb", plan.Device)
	assert.Equal(t, 1, plan.Target)
	assert.Equal(t, []string{"DefaultHandler", "HardFault", "rust_begin_unwind"}, plan.Breakpoints)

	// The plan owns its breakpoint list.
	plan.Breakpoints[0] = "main"
	assert.Equal(t, "DefaultHandler", FaultSymbols[0])
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Plan)
		ok     bool
	}{
		{"default", func(*Plan) {}, true},
		{"no power sense", func(p *Plan) { p.PowerSense = false }, true},
		{"second target", func(p *Plan) { p.Target = 2 }, true},
		{"no load", func(p *Plan) { p.Load = false }, true},
		{"empty device", func(p *Plan) { p.Device = "" }, false},
		{"zero target", func(p *Plan) { p.Target = 0 }, false},
		{"backtrace limit", func(p *Plan) { p.BacktraceLimit = 64 }, false},
		{"extra breakpoint", func(p *Plan) { p.Breakpoints = append(p.Breakpoints, "main") }, false},
		{"reordered breakpoints", func(p *Plan) {
			p.Breakpoints[0], p.Breakpoints[1] = p.Breakpoints[1], p.Breakpoints[0]
		}, false},
		{"two steps", func(p *Plan) { p.StepCount = 2 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := DefaultPlan(DefaultDevice)
			tt.modify(&plan)
			err := plan.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
			}
		})
	}
}

func TestScript(t *testing.T) {
	script, err := Script(DefaultPlan(DefaultDevice))
	require.NoError(t, err)
	assert.Equal(t, `target extended-remote /dev/ttyACM0
monitor tpwr enable
monitor swdp_scan
attach 1
set print asm-demangle on
set print pretty on
set backtrace limit 32
break DefaultHandler
break HardFault
break rust_begin_unwind
load
stepi
`, script)
}

func TestScriptOptions(t *testing.T) {
	plan := DefaultPlan("/dev/ttyACM2")
	plan.PowerSense = false
	plan.Demangle = false
	plan.Load = false
	plan.Target = 3

	script, err := Script(plan)
	require.NoError(t, err)
	assert.Equal(t, `target extended-remote /dev/ttyACM2
monitor swdp_scan
attach 3
set print asm-demangle off
set print pretty on
set backtrace limit 32
break DefaultHandler
break HardFault
break rust_begin_unwind
stepi
`, script)

	plan.StepCount = 0
	_, err = Script(plan)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}
