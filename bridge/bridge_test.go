package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"github.com/ardnew/tildabridge/device"
	"github.com/ardnew/tildabridge/device/class/cdc"
	"github.com/ardnew/tildabridge/device/hal/haltest"
	"github.com/ardnew/tildabridge/pkg"
)

const testSerial = "3036470A3238333334353835"

// fakeUART feeds queued chunks to the bridge and records what it writes.
type fakeUART struct {
	rx      chan []byte
	closed  chan struct{}
	once    sync.Once
	pending []byte

	mutex  sync.Mutex
	tx     bytes.Buffer
	breaks []bool
}

func newFakeUART() *fakeUART {
	return &fakeUART{
		rx:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (u *fakeUART) Read(p []byte) (int, error) {
	if len(u.pending) == 0 {
		select {
		case data := <-u.rx:
			u.pending = data
		case <-u.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, u.pending)
	u.pending = u.pending[n:]
	return n, nil
}

func (u *fakeUART) Write(p []byte) (int, error) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.tx.Write(p)
}

func (u *fakeUART) Close() error {
	u.once.Do(func() { close(u.closed) })
	return nil
}

func (u *fakeUART) SetBreak(on bool) error {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.breaks = append(u.breaks, on)
	return nil
}

func (u *fakeUART) breakLog() []bool {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return slices.Clone(u.breaks)
}

func (u *fakeUART) written() string {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.tx.String()
}

type failingUART struct{ err error }

func (u failingUART) Read([]byte) (int, error)    { return 0, u.err }
func (u failingUART) Write(p []byte) (int, error) { return len(p), nil }
func (u failingUART) Close() error                { return nil }

type harness struct {
	bridge *Bridge
	bus    *haltest.HAL
	uart   *fakeUART
	en     *gpiotest.Pin
	gpio0  *gpiotest.Pin
	led    *gpiotest.Pin
	ctx    context.Context
}

func startBridge(t *testing.T) *harness {
	t.Helper()
	dev, fns, err := BuildDevice(context.Background(), DefaultIdentity(testSerial))
	require.NoError(t, err)

	h := &harness{
		bus:   haltest.New(),
		uart:  newFakeUART(),
		en:    &gpiotest.Pin{N: "EN"},
		gpio0: &gpiotest.Pin{N: "GPIO0"},
		led:   &gpiotest.Pin{N: "LED"},
	}
	h.bridge = New(dev, fns, h.bus, h.uart, Pins{EN: h.en, GPIO0: h.gpio0, LED: h.led})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	h.ctx = ctx
	done := make(chan error, 1)
	go func() { done <- h.bridge.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	require.NoError(t, h.bus.Reset(ctx))
	return h
}

func (h *harness) control(t *testing.T, setup device.SetupPacket, data []byte) {
	t.Helper()
	_, err := h.bus.Control(h.ctx, setup.HAL(), data)
	require.NoError(t, err)
}

func (h *harness) enumerate(t *testing.T) {
	t.Helper()
	var setup device.SetupPacket
	device.GetSetAddressSetup(&setup, 4)
	h.control(t, setup, nil)
	device.GetSetConfigurationSetup(&setup, ConfigurationValue)
	h.control(t, setup, nil)
	require.Eventually(t, func() bool { return len(h.bus.Endpoints()) == 6 }, time.Second, 5*time.Millisecond)
}

func (h *harness) setLines(t *testing.T, iface uint8, lines uint16) {
	t.Helper()
	var setup device.SetupPacket
	device.ClassSetup(&setup, device.RequestDirectionHostToDevice, cdc.RequestSetControlLineState, lines, iface, 0)
	h.control(t, setup, nil)
}

func (h *harness) waitPins(t *testing.T, en, gpio0 gpio.Level) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.en.Read() == en && h.gpio0.Read() == gpio0
	}, time.Second, 5*time.Millisecond, "want EN=%v GPIO0=%v", en, gpio0)
}

func TestBootPins(t *testing.T) {
	tests := []struct {
		dtr, rts  bool
		en, gpio0 gpio.Level
	}{
		{false, false, gpio.High, gpio.High},
		{true, true, gpio.High, gpio.High},
		{true, false, gpio.High, gpio.Low},
		{false, true, gpio.Low, gpio.High},
	}
	for _, tt := range tests {
		en, gpio0 := BootPins(tt.dtr, tt.rts)
		assert.Equal(t, tt.en, en, "EN for dtr=%v rts=%v", tt.dtr, tt.rts)
		assert.Equal(t, tt.gpio0, gpio0, "GPIO0 for dtr=%v rts=%v", tt.dtr, tt.rts)
	}
}

func TestBuildDevice(t *testing.T) {
	dev, fns, err := BuildDevice(context.Background(), DefaultIdentity(testSerial))
	require.NoError(t, err)
	require.NotNil(t, fns.Serial)
	require.NotNil(t, fns.WebUSB)

	assert.Equal(t, uint16(0x16C0), dev.Descriptor.VendorID)
	assert.Equal(t, uint16(0x27DD), dev.Descriptor.ProductID)
	assert.Equal(t, uint8(device.ClassMisc), dev.Descriptor.DeviceClass)
	assert.Equal(t, uint16(device.USBVersion21), dev.Descriptor.USBVersion)
	assert.Equal(t, 2, dev.NumCapabilities())

	config := dev.GetConfiguration(ConfigurationValue)
	require.NotNil(t, config)
	assert.Equal(t, uint8(250), config.MaxPower)
	assert.Equal(t, 4, config.NumInterfaces())
	assert.Equal(t, uint16(133), config.Descriptor().TotalLength)

	var buf [512]byte
	n := config.MarshalTo(buf[:])
	require.Equal(t, 133, n)

	var endpoints []uint8
	var classes []uint8
	require.NoError(t, device.WalkDescriptors(buf[:n], func(descType uint8, desc []byte) bool {
		switch descType {
		case device.DescriptorTypeEndpoint:
			endpoints = append(endpoints, desc[2])
		case device.DescriptorTypeInterface:
			classes = append(classes, desc[5])
		}
		return true
	}))
	assert.Equal(t, []uint8{SerialNotifyEP, SerialInEP, SerialOutEP, WebUSBNotifyEP, WebUSBInEP, WebUSBOutEP}, endpoints)
	assert.Equal(t, []uint8{device.ClassCDC, device.ClassCDCData, device.ClassVendor, device.ClassVendor}, classes)

	serial := dev.GetString(3)
	require.NotNil(t, serial)
	assert.Equal(t, uint8(2+2*len(testSerial)), serial[0])

	id := DefaultIdentity(testSerial)
	id.MaxPower = 900
	_, _, err = BuildDevice(context.Background(), id)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestBridgeInitialPins(t *testing.T) {
	h := startBridge(t)
	require.Eventually(t, func() bool {
		return h.en.Read() == gpio.High && h.gpio0.Read() == gpio.High && h.led.Read() == gpio.High
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.bridge.Run(h.ctx), pkg.ErrAlreadyRunning)
}

func TestBridgeUSBToUART(t *testing.T) {
	h := startBridge(t)
	h.enumerate(t)

	require.NoError(t, h.bus.SendOut(h.ctx, SerialOutEP, []byte("hello ")))
	require.Eventually(t, func() bool { return h.uart.written() == "hello " }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.bus.SendOut(h.ctx, WebUSBOutEP, []byte("world")))
	require.Eventually(t, func() bool { return h.uart.written() == "hello world" }, time.Second, 5*time.Millisecond)

	assert.Equal(t, uint64(11), h.bridge.Stats().ToUART)
	require.Eventually(t, func() bool { return h.led.Read() == gpio.High }, time.Second, 5*time.Millisecond)
}

func TestBridgeUARTToUSB(t *testing.T) {
	h := startBridge(t)
	h.enumerate(t)

	h.uart.rx <- []byte("rst:0x1 (POWERON)")

	got, err := h.bus.ReceiveIn(h.ctx, SerialInEP)
	require.NoError(t, err)
	assert.Equal(t, "rst:0x1 (POWERON)", string(got))

	got, err = h.bus.ReceiveIn(h.ctx, WebUSBInEP)
	require.NoError(t, err)
	assert.Equal(t, "rst:0x1 (POWERON)", string(got))

	stats := h.bridge.Stats()
	assert.Equal(t, uint64(17), stats.FromUART)
	assert.Zero(t, stats.Dropped)
}

func TestBridgeUndrainedFunctionDoesNotStallSerial(t *testing.T) {
	h := startBridge(t)
	h.enumerate(t)

	// Nothing reads WebUSBInEP: the in-memory bus queues 16 packets and the
	// rest time out.
	const chunks = 24
	for i := range chunks {
		chunk := []byte{'a' + byte(i)}
		h.uart.rx <- chunk
		got, err := h.bus.ReceiveIn(h.ctx, SerialInEP)
		require.NoError(t, err, "chunk %d", i)
		assert.Equal(t, chunk, got)
	}

	require.Eventually(t, func() bool { return h.bridge.Stats().Dropped == chunks-16 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(chunks), h.bridge.Stats().FromUART)
}

func TestBridgeDropsBeforeConfiguration(t *testing.T) {
	h := startBridge(t)

	h.uart.rx <- []byte("x")
	require.Eventually(t, func() bool { return h.bridge.Stats().Dropped == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), h.bridge.Stats().FromUART)
}

func TestBridgeBootPinControl(t *testing.T) {
	h := startBridge(t)
	h.enumerate(t)

	// Serial DTR alone pulls GPIO0 low.
	h.setLines(t, SerialControlInterface, cdc.ControlLineDTR)
	h.waitPins(t, gpio.High, gpio.Low)

	// WebUSB RTS combines with serial DTR: both asserted leaves the chip running.
	h.setLines(t, WebUSBCommInterface, cdc.ControlLineRTS)
	h.waitPins(t, gpio.High, gpio.High)

	// RTS alone holds the chip in reset.
	h.setLines(t, SerialControlInterface, 0)
	h.waitPins(t, gpio.Low, gpio.High)

	// A bus reset drops every line.
	require.NoError(t, h.bus.Reset(h.ctx))
	h.waitPins(t, gpio.High, gpio.High)
}

func TestBridgeSendBreak(t *testing.T) {
	h := startBridge(t)
	h.enumerate(t)

	sendBreak := func(millis uint16) {
		var setup device.SetupPacket
		device.ClassSetup(&setup, device.RequestDirectionHostToDevice, cdc.RequestSendBreak, millis, SerialControlInterface, 0)
		h.control(t, setup, nil)
	}
	waitBreaks := func(want ...bool) {
		require.Eventually(t, func() bool { return slices.Equal(h.uart.breakLog(), want) },
			time.Second, 5*time.Millisecond, "want breaks %v, have %v", want, h.uart.breakLog())
	}

	// A timed break ends by itself.
	sendBreak(20)
	waitBreaks(true, false)

	// An open-ended break lasts until the host clears it.
	sendBreak(cdc.BreakUntilCleared)
	waitBreaks(true, false, true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []bool{true, false, true}, h.uart.breakLog())
	sendBreak(0)
	waitBreaks(true, false, true, false)
}

func TestBridgeReportsCarrierOnOpen(t *testing.T) {
	h := startBridge(t)
	h.enumerate(t)

	h.setLines(t, SerialControlInterface, cdc.ControlLineDTR)

	got, err := h.bus.ReceiveIn(h.ctx, SerialNotifyEP)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0xA1, cdc.NotificationSerialState, 0, 0, SerialControlInterface, 0, 2, 0,
		cdc.SerialStateRxCarrier | cdc.SerialStateTxCarrier, 0,
	}, got)
}

func TestBridgeUARTFailure(t *testing.T) {
	dev, fns, err := BuildDevice(context.Background(), DefaultIdentity(testSerial))
	require.NoError(t, err)

	fault := errors.New("line fault")
	b := New(dev, fns, haltest.New(), failingUART{err: fault}, Pins{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorIs(t, b.Run(ctx), fault)
}

func TestDescriptors(t *testing.T) {
	dev, _, err := BuildDevice(context.Background(), DefaultIdentity(testSerial))
	require.NoError(t, err)

	descs, err := Descriptors(dev)
	require.NoError(t, err)

	byName := make(map[string][]byte)
	var names []string
	for _, d := range descs {
		byName[d.Name] = d.Data
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{
		"device", "configuration", "string 0", "string 1", "string 2", "string 3",
		"bos", "webusb url", "ms os 2.0 set",
	}, names)

	assert.Equal(t, []byte{18, device.DescriptorTypeDevice}, byName["device"][:2])
	assert.Len(t, byName["configuration"], 133)
	assert.Equal(t, uint8(device.DescriptorTypeBOS), byName["bos"][1])
	assert.Len(t, byName["string 3"], 2+2*len(testSerial))

	url := byName["webusb url"]
	require.NotEmpty(t, url)
	assert.Equal(t, int(url[0]), len(url))
	assert.Equal(t, 3+len("tide.emfcamp.org"), len(url))
	assert.Equal(t, "tide.emfcamp.org", string(url[3:]))

	assert.Len(t, byName["ms os 2.0 set"], 0xB2)
}
