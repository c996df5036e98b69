package pins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"github.com/ardnew/tildabridge/pkg"
)

func TestResolveEmptyName(t *testing.T) {
	p, err := Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "NOP", p.Name())
	assert.NoError(t, p.Out(gpio.Low))
	assert.ErrorIs(t, p.PWM(gpio.DutyHalf, 0), pkg.ErrNotSupported)
}

func TestLookup(t *testing.T) {
	pin := &gpiotest.Pin{N: "TILDA_TEST_EN", Num: 901}
	require.NoError(t, gpioreg.Register(pin))
	t.Cleanup(func() { gpioreg.Unregister(pin.N) })

	p, err := lookup("TILDA_TEST_EN")
	require.NoError(t, err)
	require.NoError(t, p.Out(gpio.High))
	assert.Equal(t, gpio.High, pin.Read())

	_, err = lookup("TILDA_NO_SUCH_PIN")
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}
