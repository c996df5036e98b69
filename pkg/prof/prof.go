// Package prof captures runtime profiles of a command, for tuning the
// bridge's pumps and the probe's packet exchange.
package prof

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"

	"github.com/ardnew/tildabridge/pkg"
)

// ErrCPUProfileActive indicates a CPU profile is already being captured.
var ErrCPUProfileActive = errors.New("cpu profile already active")

var (
	cpuMutex sync.Mutex
	cpuFile  *os.File
)

// StartCPU begins a CPU profile written to path. The returned function is
// StopCPU.
func StartCPU(path string) (stop func() error, err error) {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if cpuFile != nil {
		return nil, ErrCPUProfileActive
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("cpu profile: %w", err)
	}
	cpuFile = f
	pkg.LogDebug(pkg.ComponentCLI, "cpu profile started", "path", path)

	return StopCPU, nil
}

// StopCPU stops the active CPU profile, if any, and closes its file.
func StopCPU() error {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if cpuFile == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := cpuFile.Close()
	cpuFile = nil
	return err
}

// WriteHeap writes a heap profile to path after a collection.
func WriteHeap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	runtime.GC()
	if err := pprof.Lookup("heap").WriteTo(f, 0); err != nil {
		f.Close()
		return fmt.Errorf("heap profile: %w", err)
	}
	return f.Close()
}
