// Package uart opens the serial line to the co-processor in raw mode.
package uart

import (
	"fmt"
	"os"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/ardnew/tildabridge/pkg"
)

// DefaultRate is the co-processor console rate.
const DefaultRate = 115200 * physic.Hertz

// Port is a raw serial line.
type Port struct {
	file *os.File
	path string
	rate physic.Frequency
}

// Open opens path as a raw 8N1 line at rate. Rates the platform cannot
// program are an error.
func Open(path string, rate physic.Frequency) (*Port, error) {
	baud, err := baudConstant(rate)
	if err != nil {
		return nil, err
	}

	file, err := openFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := makeRaw(file, baud); err != nil {
		file.Close()
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}

	pkg.LogInfo(pkg.ComponentUART, "port opened",
		"path", path,
		"rate", rate.String())
	return &Port{file: file, path: path, rate: rate}, nil
}

// Read reads whatever the line has buffered, blocking until at least one
// byte arrives or the port is closed.
func (p *Port) Read(buf []byte) (int, error) { return p.file.Read(buf) }

// Write writes data to the line.
func (p *Port) Write(data []byte) (int, error) { return p.file.Write(data) }

// SetBreak starts or ends a break condition on the transmit line.
func (p *Port) SetBreak(on bool) error { return setBreak(p.file, on) }

// Close closes the port. A blocked Read returns.
func (p *Port) Close() error { return p.file.Close() }

// SetDeadline bounds pending and future Read and Write calls. A zero t
// clears the deadline.
func (p *Port) SetDeadline(t time.Time) error { return p.file.SetDeadline(t) }

// Path returns the device path.
func (p *Port) Path() string { return p.path }

// Rate returns the line rate.
func (p *Port) Rate() physic.Frequency { return p.rate }

// Baud converts a frequency to an integral symbol rate.
func Baud(rate physic.Frequency) int {
	return int(rate / physic.Hertz)
}
