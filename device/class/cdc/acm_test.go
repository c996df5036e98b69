package cdc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/tildabridge/device"
	"github.com/ardnew/tildabridge/device/hal/haltest"
	"github.com/ardnew/tildabridge/pkg"
)

func buildSerialDevice(t *testing.T, acm *ACM) *device.Device {
	t.Helper()
	builder := device.NewDeviceBuilder().
		WithVendorProduct(0x16C0, 0x27DD).
		WithDeviceClass(device.ClassMisc, 0x02, 0x01).
		AddConfiguration(1)
	acm.ConfigureDevice(builder, 0x81, 0x82, 0x01)
	dev, err := builder.Build(context.Background())
	require.NoError(t, err)
	require.NoError(t, acm.AttachToInterfaces(dev, 1, 0, 1))
	return dev
}

// lineEvents records callbacks from the stack goroutine.
type lineEvents struct {
	mutex  sync.Mutex
	coding []LineCoding
	lines  [][2]bool
	breaks []uint16
}

func (e *lineEvents) attach(acm *ACM) {
	acm.SetOnLineCodingChange(func(lc LineCoding) {
		e.mutex.Lock()
		defer e.mutex.Unlock()
		e.coding = append(e.coding, lc)
	})
	acm.SetOnControlStateChange(func(dtr, rts bool) {
		e.mutex.Lock()
		defer e.mutex.Unlock()
		e.lines = append(e.lines, [2]bool{dtr, rts})
	})
	acm.SetOnBreak(func(ms uint16) {
		e.mutex.Lock()
		defer e.mutex.Unlock()
		e.breaks = append(e.breaks, ms)
	})
}

func (e *lineEvents) snapshot() ([]LineCoding, [][2]bool, []uint16) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]LineCoding(nil), e.coding...),
		append([][2]bool(nil), e.lines...),
		append([]uint16(nil), e.breaks...)
}

func startSerial(t *testing.T) (*ACM, *device.Device, *haltest.HAL, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	acm := NewACM()
	dev := buildSerialDevice(t, acm)
	bus := haltest.New()
	stack := device.NewStack(dev, bus)
	acm.SetStack(stack)
	require.NoError(t, stack.Start(ctx))
	t.Cleanup(func() { stack.Stop() })
	require.NoError(t, bus.Reset(ctx))

	var setup device.SetupPacket
	device.GetSetAddressSetup(&setup, 3)
	_, err := bus.Control(ctx, setup.HAL(), nil)
	require.NoError(t, err)
	device.GetSetConfigurationSetup(&setup, 1)
	_, err = bus.Control(ctx, setup.HAL(), nil)
	require.NoError(t, err)
	require.Eventually(t, dev.IsConfigured, time.Second, 5*time.Millisecond)
	return acm, dev, bus, ctx
}

func TestACMConfigureDevice(t *testing.T) {
	acm := NewACM()
	dev := buildSerialDevice(t, acm)
	config := dev.GetConfiguration(1)
	require.NotNil(t, config)

	var buf [256]byte
	n := config.MarshalTo(buf[:])
	require.NotZero(t, n)

	var types []uint8
	var endpoints []uint8
	require.NoError(t, device.WalkDescriptors(buf[:n], func(descType uint8, desc []byte) bool {
		types = append(types, descType)
		if descType == device.DescriptorTypeEndpoint {
			endpoints = append(endpoints, desc[2])
		}
		if descType == device.DescriptorTypeInterfaceAssociation {
			assert.Equal(t, []byte{0, 2, device.ClassCDC, SubclassACM, ProtocolNone}, desc[2:7])
		}
		return true
	}))

	assert.Equal(t, []uint8{
		device.DescriptorTypeConfiguration,
		device.DescriptorTypeInterfaceAssociation,
		device.DescriptorTypeInterface,
		device.DescriptorTypeCSInterface,
		device.DescriptorTypeCSInterface,
		device.DescriptorTypeCSInterface,
		device.DescriptorTypeCSInterface,
		device.DescriptorTypeInterface,
		device.DescriptorTypeEndpoint,
		device.DescriptorTypeEndpoint,
		device.DescriptorTypeEndpoint,
	}, types)
	assert.Equal(t, []uint8{0x81, 0x82, 0x01}, endpoints)

	assert.Equal(t, uint8(255), dev.GetEndpoint(0x81).Interval)
	assert.Equal(t, uint16(DataPacketSize), dev.GetEndpoint(0x01).MaxPacketSize)
}

func TestACMLineCoding(t *testing.T) {
	acm, _, bus, ctx := startSerial(t)
	var events lineEvents
	events.attach(acm)

	var setup device.SetupPacket
	device.ClassSetup(&setup, device.RequestDirectionDeviceToHost, RequestGetLineCoding, 0, 0, LineCodingSize)
	resp, err := bus.Control(ctx, setup.HAL(), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xC2, 0x01, 0x00, 0, 0, 8}, resp)

	coding := []byte{0x80, 0x25, 0x00, 0x00, StopBits2, ParityEven, 7}
	device.ClassSetup(&setup, device.RequestDirectionHostToDevice, RequestSetLineCoding, 0, 0, LineCodingSize)
	_, err = bus.Control(ctx, setup.HAL(), coding)
	require.NoError(t, err)

	want := LineCoding{DTERate: 9600, CharFormat: StopBits2, ParityType: ParityEven, DataBits: 7}
	assert.Equal(t, want, acm.LineCoding())
	got, _, _ := events.snapshot()
	assert.Equal(t, []LineCoding{want}, got)

	device.ClassSetup(&setup, device.RequestDirectionDeviceToHost, RequestGetLineCoding, 0, 0, LineCodingSize)
	resp, err = bus.Control(ctx, setup.HAL(), nil)
	require.NoError(t, err)
	assert.Equal(t, coding, resp)

	// A short data stage is refused.
	device.ClassSetup(&setup, device.RequestDirectionHostToDevice, RequestSetLineCoding, 0, 0, 3)
	_, err = bus.Control(ctx, setup.HAL(), coding[:3])
	assert.ErrorIs(t, err, pkg.ErrStall)
	assert.Equal(t, want, acm.LineCoding())
}

func TestACMControlLines(t *testing.T) {
	acm, _, bus, ctx := startSerial(t)
	var events lineEvents
	events.attach(acm)

	var setup device.SetupPacket
	device.ClassSetup(&setup, device.RequestDirectionHostToDevice, RequestSetControlLineState, ControlLineDTR, 0, 0)
	_, err := bus.Control(ctx, setup.HAL(), nil)
	require.NoError(t, err)
	assert.True(t, acm.DTR())
	assert.False(t, acm.RTS())

	// Repeating the same state does not fire the callback again.
	_, err = bus.Control(ctx, setup.HAL(), nil)
	require.NoError(t, err)

	device.ClassSetup(&setup, device.RequestDirectionHostToDevice, RequestSetControlLineState, ControlLineDTR|ControlLineRTS, 0, 0)
	_, err = bus.Control(ctx, setup.HAL(), nil)
	require.NoError(t, err)

	device.ClassSetup(&setup, device.RequestDirectionHostToDevice, RequestSendBreak, 250, 0, 0)
	_, err = bus.Control(ctx, setup.HAL(), nil)
	require.NoError(t, err)

	_, lines, breaks := events.snapshot()
	assert.Equal(t, [][2]bool{{true, false}, {true, true}}, lines)
	assert.Equal(t, []uint16{250}, breaks)
}

func TestACMUnknownRequests(t *testing.T) {
	_, _, bus, ctx := startSerial(t)

	var setup device.SetupPacket
	device.ClassSetup(&setup, device.RequestDirectionDeviceToHost, RequestGetEncapsulatedResponse, 0, 0, 16)
	_, err := bus.Control(ctx, setup.HAL(), nil)
	assert.ErrorIs(t, err, pkg.ErrStall)

	// Class requests to the data interface are not serial requests.
	device.ClassSetup(&setup, device.RequestDirectionDeviceToHost, RequestGetLineCoding, 0, 1, LineCodingSize)
	_, err = bus.Control(ctx, setup.HAL(), nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
}

func TestACMBusResetRestoresDefaults(t *testing.T) {
	acm, _, bus, ctx := startSerial(t)
	var events lineEvents
	events.attach(acm)

	var setup device.SetupPacket
	device.ClassSetup(&setup, device.RequestDirectionHostToDevice, RequestSetLineCoding, 0, 0, LineCodingSize)
	_, err := bus.Control(ctx, setup.HAL(), []byte{0x40, 0x1F, 0, 0, 0, 0, 8})
	require.NoError(t, err)
	device.ClassSetup(&setup, device.RequestDirectionHostToDevice, RequestSetControlLineState, ControlLineDTR|ControlLineRTS, 0, 0)
	_, err = bus.Control(ctx, setup.HAL(), nil)
	require.NoError(t, err)
	require.True(t, acm.RTS())

	require.NoError(t, bus.Reset(ctx))
	require.Eventually(t, func() bool {
		_, lines, _ := events.snapshot()
		return len(lines) == 2
	}, time.Second, 5*time.Millisecond)
	assert.False(t, acm.DTR())
	assert.False(t, acm.RTS())
	assert.Equal(t, DefaultLineCoding, acm.LineCoding())

	_, lines, _ := events.snapshot()
	assert.Equal(t, [][2]bool{{true, true}, {false, false}}, lines)
}

func TestACMData(t *testing.T) {
	acm, _, bus, ctx := startSerial(t)

	require.NoError(t, bus.SendOut(ctx, 0x01, []byte("hello")))
	buf := make([]byte, DataPacketSize)
	n, err := acm.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = acm.Write(ctx, []byte("world"))
	require.NoError(t, err)
	got, err := bus.ReceiveIn(ctx, 0x82)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))

	require.NoError(t, acm.SendSerialState(ctx, SerialStateRxCarrier|SerialStateTxCarrier))
	got, err = bus.ReceiveIn(ctx, 0x81)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA1, NotificationSerialState, 0, 0, 0, 0, 2, 0, 0x03, 0}, got)
}

func TestACMUnattached(t *testing.T) {
	acm := NewACM()
	_, err := acm.Write(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, pkg.ErrNotConfigured)
	assert.ErrorIs(t, acm.SendSerialState(context.Background(), 0), pkg.ErrNotConfigured)
	assert.Equal(t, DefaultLineCoding, acm.LineCoding())
	assert.ErrorIs(t, acm.SetAlternate(nil, 1), pkg.ErrInvalidRequest)
}

func TestLineCodingString(t *testing.T) {
	assert.Equal(t, "115200 8N1", DefaultLineCoding.String())
	assert.Equal(t, "9600 7E2", LineCoding{DTERate: 9600, CharFormat: StopBits2, ParityType: ParityEven, DataBits: 7}.String())
	assert.Equal(t, "300 8O1.5", LineCoding{DTERate: 300, CharFormat: StopBits1_5, ParityType: ParityOdd, DataBits: 8}.String())
}

func TestFunctionalDescriptors(t *testing.T) {
	var buf [FunctionalDescriptorsSize]byte
	n := FunctionalDescriptorsTo(buf[:], 2, 3, ACMCapLineCoding)
	require.Equal(t, FunctionalDescriptorsSize, n)
	assert.Equal(t, []byte{
		0x05, 0x24, SubtypeHeader, 0x10, 0x01,
		0x05, 0x24, SubtypeCallManagement, 0x00, 3,
		0x04, 0x24, SubtypeACM, ACMCapLineCoding,
		0x05, 0x24, SubtypeUnion, 2, 3,
	}, buf[:n])

	assert.Zero(t, FunctionalDescriptorsTo(buf[:4], 2, 3, 0))
}
