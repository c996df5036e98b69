package prof

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCPU(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpu.pprof")
	stop, err := StartCPU(path)
	require.NoError(t, err)

	_, err = StartCPU(filepath.Join(t.TempDir(), "second.pprof"))
	assert.ErrorIs(t, err, ErrCPUProfileActive)

	require.NoError(t, stop())
	require.NoError(t, stop(), "stop is idempotent")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())

	// A new profile can start once the first has stopped.
	stop, err = StartCPU(filepath.Join(t.TempDir(), "again.pprof"))
	require.NoError(t, err)
	require.NoError(t, stop())
}

func TestWriteHeap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heap.pprof")
	require.NoError(t, WriteHeap(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())

	assert.Error(t, WriteHeap(filepath.Join(t.TempDir(), "missing", "heap.pprof")))
}
