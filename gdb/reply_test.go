package gdb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/tildabridge/pkg"
)

func TestParseStopReply(t *testing.T) {
	stop, err := ParseStopReply([]byte("T05hwbreak:;thread:01;0f:31010008;"))
	require.NoError(t, err)
	assert.Equal(t, byte('T'), stop.Kind)
	assert.Equal(t, uint8(SignalTrap), stop.Signal)
	assert.Equal(t, "01", stop.Values["thread"])
	assert.Equal(t, "31010008", stop.Values["0f"])
	assert.Contains(t, stop.Values, "hwbreak")
	assert.False(t, stop.Exited())

	stop, err = ParseStopReply([]byte("S02"))
	require.NoError(t, err)
	assert.Equal(t, uint8(SignalInterrupt), stop.Signal)
	assert.Nil(t, stop.Values)
	assert.Equal(t, "stopped by signal 2", stop.String())

	stop, err = ParseStopReply([]byte("W00"))
	require.NoError(t, err)
	assert.True(t, stop.Exited())

	for _, bad := range []string{"", "OK", "E01", "Tzz", "S0"} {
		_, err := ParseStopReply([]byte(bad))
		assert.ErrorIs(t, err, pkg.ErrProtocol, "%q", bad)
	}
}

func TestReplyError(t *testing.T) {
	err := replyError([]byte("E0E"))
	var re *ReplyError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, uint8(0x0E), re.Code)
	assert.Equal(t, "remote error E0E", re.Error())

	err = replyError([]byte("E.flash locked"))
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "remote error: flash locked", re.Error())

	assert.ErrorIs(t, replyError(nil), pkg.ErrNotSupported)
	assert.ErrorIs(t, replyError([]byte("junk")), pkg.ErrProtocol)

	assert.NoError(t, checkOK([]byte("OK")))
	assert.Error(t, checkOK([]byte("E01")))
}

func TestOutputPayload(t *testing.T) {
	text, ok := outputPayload([]byte("O48690a"))
	require.True(t, ok)
	assert.Equal(t, "Hi\n", string(text))

	for _, notOutput := range []string{"OK", "O", "O4", "Ozz"} {
		_, ok := outputPayload([]byte(notOutput))
		assert.False(t, ok, notOutput)
	}
}

func TestParseMemoryMap(t *testing.T) {
	doc := `<?xml version="1.0"?>
<!DOCTYPE memory-map PUBLIC "+//IDN gnu.org//DTD GDB Memory Map V1.0//EN" "http://sourceware.org/gdb/gdb-memory-map.dtd">
<memory-map>
  <memory type="flash" start="0x8000000" length="0x10000">
    <property name="blocksize">0x800</property>
  </memory>
  <memory type="ram" start="0x20000000" length="0x4000"/>
</memory-map>`

	m, err := ParseMemoryMap([]byte(doc))
	require.NoError(t, err)
	require.Len(t, m.Regions, 2)

	flash := m.Regions[0]
	assert.Equal(t, RegionFlash, flash.Type)
	assert.Equal(t, uint32(0x08000000), flash.Start)
	assert.Equal(t, uint32(0x10000), flash.Length)
	assert.Equal(t, uint32(0x800), flash.BlockSize)

	r, ok := m.Find(0x20003FFF)
	require.True(t, ok)
	assert.Equal(t, RegionRAM, r.Type)
	_, ok = m.Find(0x20004000)
	assert.False(t, ok)

	_, err = ParseMemoryMap([]byte(`<memory-map><memory type="ram" start="zz" length="1"/></memory-map>`))
	assert.ErrorIs(t, err, pkg.ErrProtocol)
	_, err = ParseMemoryMap([]byte(`<nope/>`))
	assert.ErrorIs(t, err, pkg.ErrProtocol)
}
