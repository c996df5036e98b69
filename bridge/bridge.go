package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"periph.io/x/conn/v3/gpio"

	"github.com/ardnew/tildabridge/device"
	"github.com/ardnew/tildabridge/device/class/cdc"
	"github.com/ardnew/tildabridge/device/hal"
	"github.com/ardnew/tildabridge/pins"
	"github.com/ardnew/tildabridge/pkg"
)

// Defaults for the UART fan-out.
const (
	DefaultWriteTimeout = 100 * time.Millisecond
	DefaultWarnInterval = time.Second
)

// packetSize matches the bulk endpoints; one read never exceeds a packet.
const packetSize = 64

// idlePoll is how long a USB pump waits before retrying a read that failed
// because the device is not configured.
const idlePoll = 10 * time.Millisecond

// Port is one USB function carrying serial data.
type Port interface {
	Read(ctx context.Context, buf []byte) (int, error)
	Write(ctx context.Context, data []byte) (int, error)
	DTR() bool
	RTS() bool
}

// Breaker is a UART that can hold its transmit line in a break condition.
// The host's SEND_BREAK on the serial function is forwarded to it.
type Breaker interface {
	SetBreak(on bool) error
}

// carrierState is reported to the host when it opens the serial port: the
// UART is always attached while the bridge runs.
const carrierState = cdc.SerialStateRxCarrier | cdc.SerialStateTxCarrier

type namedPort struct {
	name string
	port Port
}

// Pins are the board lines the bridge drives. Nil pins are not connected.
type Pins struct {
	EN    gpio.PinOut // ESP32 chip enable
	GPIO0 gpio.PinOut // ESP32 boot strap
	LED   gpio.PinOut // activity, active low
}

// Stats counts bytes moved through the bridge.
type Stats struct {
	ToUART   uint64 // bytes written to the UART
	FromUART uint64 // bytes read from the UART
	Dropped  uint64 // USB writes of UART data that failed or were skipped
}

// BootPins returns the ESP32 EN and GPIO0 levels for the combined host
// control lines. Asserting DTR and RTS together leaves the chip running, as
// the auto-reset transistor pair on ESP32 boards does.
//
//	DTR RTS | EN  GPIO0
//	 0   0  |  1   1
//	 1   1  |  1   1
//	 1   0  |  1   0
//	 0   1  |  0   1
func BootPins(dtr, rts bool) (en, gpio0 gpio.Level) {
	// The wire levels are the inverse of the asserted flags.
	ndtr, nrts := !dtr, !rts
	if !ndtr && !nrts {
		return gpio.High, gpio.High
	}
	return gpio.Level(nrts), gpio.Level(ndtr)
}

// Bridge relays both USB functions to the UART and the UART back to both
// functions, and drives the ESP32 boot pins from the host control lines.
type Bridge struct {
	dev   *device.Device
	stack *device.Stack
	fns   Functions
	ports [2]namedPort
	uart  io.ReadWriteCloser
	pins  Pins

	writeTimeout time.Duration

	uartMutex sync.Mutex

	pinMutex sync.Mutex
	active   int

	breakMutex sync.Mutex
	breakGen   uint64
	breakTimer *time.Timer

	serialState chan uint16 // latest SERIAL_STATE awaiting delivery

	toUART   atomic.Uint64
	fromUART atomic.Uint64
	dropped  atomic.Uint64
	warn     rate.Sometimes

	running atomic.Bool
}

// New creates a bridge for a device built by BuildDevice, serviced on bus.
// The bridge owns uart and closes it when Run returns.
func New(dev *device.Device, fns Functions, bus hal.DeviceHAL, uart io.ReadWriteCloser, p Pins) *Bridge {
	if p.EN == nil {
		p.EN = pins.Nop{}
	}
	if p.GPIO0 == nil {
		p.GPIO0 = pins.Nop{}
	}
	if p.LED == nil {
		p.LED = pins.Nop{}
	}

	stack := device.NewStack(dev, bus)
	fns.Serial.SetStack(stack)
	fns.WebUSB.SetStack(stack)

	return &Bridge{
		dev:   dev,
		stack: stack,
		fns:   fns,
		ports: [2]namedPort{
			{name: "serial", port: fns.Serial},
			{name: "webusb", port: fns.WebUSB},
		},
		uart:         uart,
		pins:         p,
		writeTimeout: DefaultWriteTimeout,
		serialState:  make(chan uint16, 1),
		warn:         rate.Sometimes{Interval: DefaultWarnInterval},
	}
}

// SetWriteTimeout bounds each USB write of UART data. Call before Run.
func (b *Bridge) SetWriteTimeout(d time.Duration) {
	b.writeTimeout = d
}

// Device returns the USB device.
func (b *Bridge) Device() *device.Device { return b.dev }

// Stack returns the USB device stack.
func (b *Bridge) Stack() *device.Stack { return b.stack }

// Stats returns a snapshot of the traffic counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		ToUART:   b.toUART.Load(),
		FromUART: b.fromUART.Load(),
		Dropped:  b.dropped.Load(),
	}
}

// Run services the bridge until ctx is cancelled or the UART fails.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return pkg.ErrAlreadyRunning
	}
	defer b.running.Store(false)
	defer b.uart.Close()

	if err := b.initPins(); err != nil {
		return err
	}

	b.fns.Serial.SetOnControlStateChange(func(dtr, _ bool) {
		b.updateBootPins()
		if dtr {
			b.reportSerialState(carrierState)
		}
	})
	b.fns.WebUSB.SetOnControlStateChange(func(bool, bool) { b.updateBootPins() })
	b.fns.Serial.SetOnBreak(b.sendBreak)
	b.fns.Serial.SetOnLineCodingChange(func(lc cdc.LineCoding) {
		pkg.LogInfo(pkg.ComponentBridge, "host set serial line coding",
			"coding", lc.String())
	})

	if err := b.stack.Start(ctx); err != nil {
		return fmt.Errorf("start stack: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range b.ports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.pumpUSB(ctx, p)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.pumpSerialState(ctx)
	}()
	uartErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		uartErr <- b.pumpUART(ctx)
	}()

	pkg.LogInfo(pkg.ComponentBridge, "bridge running")

	var err error
	select {
	case <-ctx.Done():
	case err = <-uartErr:
	}

	cancel()
	b.stopBreak()
	b.uart.Close()
	if stopErr := b.stack.Stop(); stopErr != nil {
		pkg.LogWarn(pkg.ComponentBridge, "error stopping stack",
			"error", stopErr)
	}
	wg.Wait()

	stats := b.Stats()
	pkg.LogInfo(pkg.ComponentBridge, "bridge stopped",
		"toUART", stats.ToUART,
		"fromUART", stats.FromUART,
		"dropped", stats.Dropped)
	return err
}

func (b *Bridge) initPins() error {
	b.pinMutex.Lock()
	defer b.pinMutex.Unlock()

	if err := b.pins.EN.Out(gpio.High); err != nil {
		return fmt.Errorf("EN pin: %w", err)
	}
	if err := b.pins.GPIO0.Out(gpio.High); err != nil {
		return fmt.Errorf("GPIO0 pin: %w", err)
	}
	if err := b.pins.LED.Out(gpio.High); err != nil {
		return fmt.Errorf("LED pin: %w", err)
	}
	return nil
}

func (b *Bridge) updateBootPins() {
	dtr := b.fns.Serial.DTR() || b.fns.WebUSB.DTR()
	rts := b.fns.Serial.RTS() || b.fns.WebUSB.RTS()
	en, gpio0 := BootPins(dtr, rts)

	b.pinMutex.Lock()
	defer b.pinMutex.Unlock()

	if err := b.pins.GPIO0.Out(gpio0); err != nil {
		pkg.LogWarn(pkg.ComponentBridge, "error driving GPIO0", "error", err)
	}
	if err := b.pins.EN.Out(en); err != nil {
		pkg.LogWarn(pkg.ComponentBridge, "error driving EN", "error", err)
	}
	pkg.LogDebug(pkg.ComponentBridge, "boot pins updated",
		"dtr", dtr,
		"rts", rts,
		"en", en,
		"gpio0", gpio0)
}

// activity drives the LED low while any transfer is in flight.
func (b *Bridge) activity(start bool) {
	b.pinMutex.Lock()
	defer b.pinMutex.Unlock()

	level := gpio.High
	if start {
		b.active++
		if b.active != 1 {
			return
		}
		level = gpio.Low
	} else {
		b.active--
		if b.active != 0 {
			return
		}
	}
	if err := b.pins.LED.Out(level); err != nil {
		pkg.LogDebug(pkg.ComponentBridge, "error driving LED", "error", err)
	}
}

// sendBreak applies a SEND_BREAK: 0 ends the break, BreakUntilCleared
// holds it, and any other value holds it for that many milliseconds.
func (b *Bridge) sendBreak(millis uint16) {
	br, ok := b.uart.(Breaker)
	if !ok {
		pkg.LogDebug(pkg.ComponentBridge, "uart has no break control", "ms", millis)
		return
	}

	b.breakMutex.Lock()
	defer b.breakMutex.Unlock()

	b.breakGen++
	if b.breakTimer != nil {
		b.breakTimer.Stop()
		b.breakTimer = nil
	}
	on := millis != 0
	if err := br.SetBreak(on); err != nil {
		pkg.LogWarn(pkg.ComponentBridge, "error setting uart break",
			"on", on,
			"error", err)
		return
	}
	if !on || millis == cdc.BreakUntilCleared {
		return
	}

	gen := b.breakGen
	b.breakTimer = time.AfterFunc(time.Duration(millis)*time.Millisecond, func() {
		b.breakMutex.Lock()
		defer b.breakMutex.Unlock()
		if b.breakGen != gen {
			return
		}
		b.breakTimer = nil
		if err := br.SetBreak(false); err != nil {
			pkg.LogWarn(pkg.ComponentBridge, "error ending uart break", "error", err)
		}
	})
}

func (b *Bridge) stopBreak() {
	b.breakMutex.Lock()
	defer b.breakMutex.Unlock()
	b.breakGen++
	if b.breakTimer != nil {
		b.breakTimer.Stop()
		b.breakTimer = nil
	}
}

// reportSerialState queues state for the host, replacing any state not yet
// sent. Only the control goroutine calls it.
func (b *Bridge) reportSerialState(state uint16) {
	select {
	case <-b.serialState:
	default:
	}
	b.serialState <- state
}

// pumpSerialState delivers queued SERIAL_STATE notifications. A host that
// never polls the notification endpoint only costs a timed-out write.
func (b *Bridge) pumpSerialState(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case state := <-b.serialState:
			wctx, cancel := context.WithTimeout(ctx, b.writeTimeout)
			err := b.fns.Serial.SendSerialState(wctx, state)
			cancel()
			if err != nil {
				pkg.LogDebug(pkg.ComponentBridge, "serial state not delivered",
					"state", state,
					"error", err)
			}
		}
	}
}

// pumpUSB copies packets from one USB function to the UART.
func (b *Bridge) pumpUSB(ctx context.Context, p namedPort) {
	var buf [packetSize]byte
	for ctx.Err() == nil {
		n, err := p.port.Read(ctx, buf[:])
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, pkg.ErrNotConfigured) {
				pkg.LogDebug(pkg.ComponentBridge, "usb read failed",
					"port", p.name,
					"error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePoll):
			}
			continue
		}
		if n == 0 {
			continue
		}

		b.activity(true)
		err = b.writeUART(buf[:n])
		b.activity(false)
		if err != nil {
			pkg.LogWarn(pkg.ComponentBridge, "uart write failed",
				"port", p.name,
				"error", err)
		}
	}
}

// writeUART writes all of data. Writers from both functions are serialized
// so packets are never interleaved.
func (b *Bridge) writeUART(data []byte) error {
	b.uartMutex.Lock()
	defer b.uartMutex.Unlock()

	for len(data) > 0 {
		n, err := b.uart.Write(data)
		b.toUART.Add(uint64(n))
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// pumpUART copies UART input to both USB functions.
func (b *Bridge) pumpUART(ctx context.Context) error {
	var buf [packetSize]byte
	for {
		n, err := b.uart.Read(buf[:])
		if n > 0 {
			b.fromUART.Add(uint64(n))
			b.fanOut(ctx, buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("uart read: %w", err)
		}
	}
}

func (b *Bridge) fanOut(ctx context.Context, data []byte) {
	if !b.dev.IsConfigured() {
		for _, p := range b.ports {
			b.drop(p.name, len(data), pkg.ErrNotConfigured)
		}
		return
	}

	b.activity(true)
	defer b.activity(false)

	for _, p := range b.ports {
		wctx, cancel := context.WithTimeout(ctx, b.writeTimeout)
		_, err := p.port.Write(wctx, data)
		cancel()
		if err != nil {
			b.drop(p.name, len(data), err)
		}
	}
}

func (b *Bridge) drop(port string, n int, err error) {
	total := b.dropped.Add(1)
	b.warn.Do(func() {
		pkg.LogWarn(pkg.ComponentBridge, "uart data dropped",
			"port", port,
			"bytes", n,
			"error", err,
			"dropped", total)
	})
}
