package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/tildabridge/pkg"
)

// testClassDesc is a minimal class-specific block: a 5-byte CDC header.
var testClassDesc = []byte{0x05, DescriptorTypeCSInterface, 0x00, 0x10, 0x01}

// buildTestDevice returns a device with one configuration: interface 0
// carries class descriptors and an interrupt endpoint, interface 1 a pair
// of bulk endpoints.
func buildTestDevice(t *testing.T) *Device {
	t.Helper()
	dev, err := NewDeviceBuilder().
		WithVendorProduct(0x16C0, 0x27DD).
		WithStrings("Electromagnetic Field", "TiLDA MkV", "0123456789AB").
		AddConfiguration(1).
		WithMaxPower(500).
		AddInterface(ClassCDC, 0x02, 0x00).
		WithClassDescriptors(testClassDesc).
		AddEndpointInterval(0x81, EndpointTypeInterrupt, 8, 255).
		AddInterface(ClassCDCData, 0x00, 0x00).
		AddEndpoint(0x01, EndpointTypeBulk, 64).
		AddEndpoint(0x82, EndpointTypeBulk, 64).
		Build(context.Background())
	require.NoError(t, err)
	return dev
}

// enumerate moves a device through reset, addressing and configuration.
func enumerate(t *testing.T, dev *Device) {
	t.Helper()
	dev.Reset()
	require.NoError(t, dev.SetAddress(5))
	require.NoError(t, dev.SetConfiguration(1))
}

func TestDeviceBuilder(t *testing.T) {
	dev := buildTestDevice(t)

	assert.Equal(t, uint16(0x16C0), dev.Descriptor.VendorID)
	assert.Equal(t, uint16(0x27DD), dev.Descriptor.ProductID)
	assert.Equal(t, uint16(USBVersion20), dev.Descriptor.USBVersion)
	assert.Equal(t, uint8(1), dev.Descriptor.NumConfigurations)
	assert.Equal(t, uint8(3), dev.Descriptor.SerialNumberIndex)

	config := dev.GetConfiguration(1)
	require.NotNil(t, config)
	assert.Equal(t, uint8(250), config.MaxPower)
	assert.Equal(t, 2, config.NumInterfaces())
	assert.Equal(t, testClassDesc, config.GetInterface(0).ClassDescriptors())
	assert.Equal(t, uint8(255), config.GetInterface(0).GetEndpoint(0x81).Interval)

	str := dev.GetString(2)
	require.NotNil(t, str)
	assert.Equal(t, uint8(2+2*len("TiLDA MkV")), str[0])
}

func TestDeviceBuilderErrors(t *testing.T) {
	_, err := NewDeviceBuilder().AddConfiguration(1).Build(context.Background())
	assert.ErrorIs(t, err, pkg.ErrInvalidState)

	_, err = NewDeviceBuilder().
		WithVendorProduct(1, 2).
		AddConfiguration(1).
		WithMaxPower(510).
		Build(context.Background())
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	_, err = NewDeviceBuilder().
		WithVendorProduct(1, 2).
		WithClassDescriptors(testClassDesc).
		Build(context.Background())
	assert.ErrorIs(t, err, pkg.ErrInvalidState)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewDeviceBuilder().WithVendorProduct(1, 2).Build(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeviceStateTransitions(t *testing.T) {
	dev := buildTestDevice(t)
	assert.Equal(t, StateAttached, dev.State())

	// Addressing before a bus reset is refused.
	assert.ErrorIs(t, dev.SetAddress(3), pkg.ErrInvalidState)

	var transitions []State
	dev.SetOnStateChange(func(_, next State) { transitions = append(transitions, next) })

	dev.Reset()
	require.NoError(t, dev.SetAddress(7))
	assert.Equal(t, uint8(7), dev.Address())
	assert.ErrorIs(t, dev.SetConfiguration(9), pkg.ErrInvalidRequest)
	require.NoError(t, dev.SetConfiguration(1))
	assert.True(t, dev.IsConfigured())
	require.NotNil(t, dev.ActiveConfiguration())

	require.NoError(t, dev.SetConfiguration(0))
	assert.Nil(t, dev.ActiveConfiguration())

	assert.Equal(t, []State{StateDefault, StateAddress, StateConfigured, StateAddress}, transitions)
}

func TestDeviceResetHooks(t *testing.T) {
	dev := buildTestDevice(t)
	enumerate(t, dev)

	var order []string
	require.NoError(t, dev.AddResetHook(func() { order = append(order, "hook1") }))
	require.NoError(t, dev.AddResetHook(func() { order = append(order, "hook2") }))
	dev.SetOnReset(func() { order = append(order, "callback") })

	dev.Reset()
	assert.Equal(t, []string{"hook1", "hook2", "callback"}, order)
	assert.Equal(t, StateDefault, dev.State())
	assert.Zero(t, dev.Address())
	assert.Nil(t, dev.ActiveConfiguration())

	for range MaxVendorHandlers - 2 {
		require.NoError(t, dev.AddResetHook(func() {}))
	}
	assert.ErrorIs(t, dev.AddResetHook(func() {}), pkg.ErrNoMemory)
}

func TestDeviceCapabilities(t *testing.T) {
	dev := buildTestDevice(t)

	var buf [64]byte
	assert.Zero(t, dev.MarshalBOSTo(buf[:]))

	require.NoError(t, dev.AddCapability(CapabilityUSB20Extension, []byte{0x02, 0, 0, 0}))
	require.NoError(t, dev.AddCapability(CapabilityPlatform, []byte{0xAA, 0xBB}))
	assert.Equal(t, 2, dev.NumCapabilities())
	assert.Equal(t, uint16(USBVersion21), dev.Descriptor.USBVersion)

	n := dev.MarshalBOSTo(buf[:])
	require.Equal(t, 5+7+5, n)
	assert.Equal(t, []byte{
		5, DescriptorTypeBOS, 17, 0, 2,
		7, DescriptorTypeDeviceCapability, CapabilityUSB20Extension, 0x02, 0, 0, 0,
		5, DescriptorTypeDeviceCapability, CapabilityPlatform, 0xAA, 0xBB,
	}, buf[:n])

	assert.Zero(t, dev.MarshalBOSTo(buf[:10]))
	assert.ErrorIs(t, dev.AddCapability(CapabilityPlatform, make([]byte, 253)), pkg.ErrInvalidParameter)
}

type vendorFunc func(setup *SetupPacket, data []byte) ([]byte, bool, error)

func (f vendorFunc) HandleVendor(setup *SetupPacket, data []byte) ([]byte, bool, error) {
	return f(setup, data)
}

func TestDeviceHandleVendor(t *testing.T) {
	dev := buildTestDevice(t)

	var calls []string
	require.NoError(t, dev.AddVendorHandler(vendorFunc(func(setup *SetupPacket, _ []byte) ([]byte, bool, error) {
		calls = append(calls, "first")
		if setup.Request != 0x42 {
			return nil, false, nil
		}
		return []byte{0x42}, true, nil
	})))
	require.NoError(t, dev.AddVendorHandler(vendorFunc(func(setup *SetupPacket, _ []byte) ([]byte, bool, error) {
		calls = append(calls, "second")
		if setup.Request != 0x43 {
			return nil, false, nil
		}
		return []byte{0x43}, true, nil
	})))

	var setup SetupPacket
	VendorSetup(&setup, RequestDirectionDeviceToHost, 0x42, 0, 2, 255)
	resp, handled, err := dev.HandleVendor(&setup, nil)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []byte{0x42}, resp)
	assert.Equal(t, []string{"first"}, calls)

	calls = nil
	VendorSetup(&setup, RequestDirectionDeviceToHost, 0x43, 0, 7, 255)
	resp, handled, _ = dev.HandleVendor(&setup, nil)
	assert.True(t, handled)
	assert.Equal(t, []byte{0x43}, resp)
	assert.Equal(t, []string{"first", "second"}, calls)

	VendorSetup(&setup, RequestDirectionDeviceToHost, 0x44, 0, 0, 1)
	_, handled, _ = dev.HandleVendor(&setup, nil)
	assert.False(t, handled)
}

func TestDeviceEndpointLookup(t *testing.T) {
	dev := buildTestDevice(t)

	assert.Same(t, dev.ControlEndpoint(), dev.GetEndpoint(0x00))
	assert.Nil(t, dev.GetEndpoint(0x82), "no endpoints before configuration")
	assert.Nil(t, dev.GetInterface(0))

	enumerate(t, dev)
	ep := dev.GetEndpoint(0x82)
	require.NotNil(t, ep)
	assert.True(t, ep.IsBulk())

	require.NoError(t, dev.SetEndpointStall(0x82, true))
	assert.True(t, ep.IsStalled())
	assert.ErrorIs(t, dev.SetEndpointStall(0x85, true), pkg.ErrInvalidEndpoint)
}

func TestDeviceStatus(t *testing.T) {
	dev := buildTestDevice(t)
	enumerate(t, dev)
	assert.Zero(t, dev.GetStatus())

	dev.EnableRemoteWakeup(true)
	dev.ActiveConfiguration().SetSelfPowered(true)
	assert.Equal(t, DeviceStatusSelfPowered|DeviceStatusRemoteWakeup, dev.GetStatus())

	dev.Reset()
	assert.False(t, dev.IsRemoteWakeupEnabled())
}

func TestDeviceClose(t *testing.T) {
	dev := buildTestDevice(t)
	enumerate(t, dev)

	require.NoError(t, dev.Close())
	assert.Nil(t, dev.GetConfiguration(1))
	assert.Nil(t, dev.ActiveConfiguration())
}
