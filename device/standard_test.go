package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/tildabridge/pkg"
)

func TestStandardGetDescriptor(t *testing.T) {
	dev := buildTestDevice(t)
	h := NewStandardRequestHandler(dev)

	var setup SetupPacket

	GetDescriptorSetup(&setup, DescriptorTypeDevice, 0, 64)
	resp, err := h.HandleSetup(&setup, nil)
	require.NoError(t, err)
	require.Len(t, resp, DeviceDescriptorSize)
	assert.Equal(t, byte(DescriptorTypeDevice), resp[1])

	// Truncated to wLength.
	GetDescriptorSetup(&setup, DescriptorTypeDevice, 0, 8)
	resp, err = h.HandleSetup(&setup, nil)
	require.NoError(t, err)
	assert.Len(t, resp, 8)

	GetDescriptorSetup(&setup, DescriptorTypeConfiguration, 0, 0xFF)
	resp, err = h.HandleSetup(&setup, nil)
	require.NoError(t, err)
	assert.Equal(t, int(dev.GetConfiguration(1).Descriptor().TotalLength), len(resp))

	GetDescriptorSetup(&setup, DescriptorTypeConfiguration, 1, 0xFF)
	_, err = h.HandleSetup(&setup, nil)
	assert.ErrorIs(t, err, pkg.ErrInvalidRequest)

	GetDescriptorSetup(&setup, DescriptorTypeString, 1, 0xFF)
	resp, err = h.HandleSetup(&setup, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(2+2*len("Electromagnetic Field")), resp[0])

	GetDescriptorSetup(&setup, DescriptorTypeString, 0xEE, 0xFF)
	_, err = h.HandleSetup(&setup, nil)
	assert.ErrorIs(t, err, pkg.ErrInvalidRequest)

	GetDescriptorSetup(&setup, DescriptorTypeDeviceQualifier, 0, 10)
	_, err = h.HandleSetup(&setup, nil)
	assert.ErrorIs(t, err, pkg.ErrNotSupported)
}

func TestStandardGetDescriptorBOS(t *testing.T) {
	dev := buildTestDevice(t)
	h := NewStandardRequestHandler(dev)

	var setup SetupPacket
	GetDescriptorSetup(&setup, DescriptorTypeBOS, 0, 0xFF)
	_, err := h.HandleSetup(&setup, nil)
	assert.ErrorIs(t, err, pkg.ErrNotSupported)

	require.NoError(t, dev.AddCapability(CapabilityPlatform, []byte{1, 2, 3, 4}))

	// Hosts read the 5-byte header first, then the whole store.
	GetDescriptorSetup(&setup, DescriptorTypeBOS, 0, BOSDescriptorSize)
	resp, err := h.HandleSetup(&setup, nil)
	require.NoError(t, err)
	var bos BOSDescriptor
	require.NoError(t, ParseBOSDescriptor(resp, &bos))
	assert.Equal(t, uint16(12), bos.TotalLength)
	assert.Equal(t, uint8(1), bos.NumDeviceCaps)

	GetDescriptorSetup(&setup, DescriptorTypeBOS, 0, bos.TotalLength)
	resp, err = h.HandleSetup(&setup, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, DescriptorTypeDeviceCapability, CapabilityPlatform, 1, 2, 3, 4}, resp[5:])
}

func TestStandardAddressAndConfiguration(t *testing.T) {
	dev := buildTestDevice(t)
	dev.Reset()
	h := NewStandardRequestHandler(dev)

	var setup SetupPacket
	GetSetAddressSetup(&setup, 0x85)
	_, err := h.HandleSetup(&setup, nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x05), dev.Address(), "address is masked to 7 bits")

	get := SetupPacket{
		RequestType: RequestDirectionDeviceToHost,
		Request:     RequestGetConfiguration,
		Length:      1,
	}
	resp, err := h.HandleSetup(&get, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, resp)

	GetSetConfigurationSetup(&setup, 1)
	_, err = h.HandleSetup(&setup, nil)
	require.NoError(t, err)
	assert.True(t, dev.IsConfigured())

	resp, err = h.HandleSetup(&get, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, resp)

	GetSetConfigurationSetup(&setup, 2)
	_, err = h.HandleSetup(&setup, nil)
	assert.ErrorIs(t, err, pkg.ErrInvalidRequest)
}

func TestStandardStatusAndFeatures(t *testing.T) {
	dev := buildTestDevice(t)
	enumerate(t, dev)
	h := NewStandardRequestHandler(dev)

	status := SetupPacket{RequestType: RequestDirectionDeviceToHost, Request: RequestGetStatus, Length: 2}
	resp, err := h.HandleSetup(&status, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, resp)

	wake := SetupPacket{Request: RequestSetFeature, Value: FeatureDeviceRemoteWakeup}
	_, err = h.HandleSetup(&wake, nil)
	require.NoError(t, err)
	resp, _ = h.HandleSetup(&status, nil)
	assert.Equal(t, []byte{byte(DeviceStatusRemoteWakeup), 0}, resp)

	short := status
	short.Length = 1
	_, err = h.HandleSetup(&short, nil)
	assert.ErrorIs(t, err, pkg.ErrInvalidRequest)

	halt := SetupPacket{RequestType: RequestRecipientEndpoint, Request: RequestSetFeature, Value: FeatureEndpointHalt, Index: 0x82}
	_, err = h.HandleSetup(&halt, nil)
	require.NoError(t, err)

	epStatus := SetupPacket{RequestType: RequestDirectionDeviceToHost | RequestRecipientEndpoint, Request: RequestGetStatus, Index: 0x82, Length: 2}
	resp, err = h.HandleSetup(&epStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0}, resp)

	halt.Request = RequestClearFeature
	_, err = h.HandleSetup(&halt, nil)
	require.NoError(t, err)
	assert.False(t, dev.GetEndpoint(0x82).IsStalled())

	halt.Index = 0x8E
	_, err = h.HandleSetup(&halt, nil)
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)
}

func TestStandardInterfaceRequests(t *testing.T) {
	dev := buildTestDevice(t)
	enumerate(t, dev)
	h := NewStandardRequestHandler(dev)

	driver := &mockClassDriver{}
	require.NoError(t, dev.GetInterface(1).SetClassDriver(driver))

	set := SetupPacket{RequestType: RequestRecipientInterface, Request: RequestSetInterface, Value: 0, Index: 1}
	_, err := h.HandleSetup(&set, nil)
	require.NoError(t, err)

	get := SetupPacket{RequestType: RequestDirectionDeviceToHost | RequestRecipientInterface, Request: RequestGetInterface, Index: 1, Length: 1}
	resp, err := h.HandleSetup(&get, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, resp)

	get.Index = 6
	_, err = h.HandleSetup(&get, nil)
	assert.ErrorIs(t, err, pkg.ErrInvalidRequest)

	vendor := SetupPacket{RequestType: RequestTypeVendor}
	_, err = h.HandleSetup(&vendor, nil)
	assert.ErrorIs(t, err, pkg.ErrInvalidRequest)
}
