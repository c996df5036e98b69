package uart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"periph.io/x/conn/v3/physic"
)

func TestBaud(t *testing.T) {
	assert.Equal(t, 115200, Baud(DefaultRate))
	assert.Equal(t, 9600, Baud(9600*physic.Hertz))
	assert.Equal(t, 1000000, Baud(physic.MegaHertz))
}
