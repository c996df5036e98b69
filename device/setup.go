package device

import (
	"fmt"

	"github.com/ardnew/tildabridge/device/hal"
	"github.com/ardnew/tildabridge/pkg"
)

// bRequest of the chapter 9 requests.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

// Feature selectors for SET_FEATURE and CLEAR_FEATURE.
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
	FeatureTestMode           = 0x02
)

// bmRequestType is direction (bit 7), type (bits 6..5) and recipient
// (bits 4..0).
const (
	RequestTypeDirectionMask = 0x80
	RequestTypeTypeMask      = 0x60
	RequestTypeRecipientMask = 0x1F

	RequestDirectionHostToDevice = 0x00
	RequestDirectionDeviceToHost = 0x80

	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RequestRecipientDevice    = 0x00
	RequestRecipientInterface = 0x01
	RequestRecipientEndpoint  = 0x02
	RequestRecipientOther     = 0x03
)

// SetupPacket is the eight bytes that open every control transfer.
type SetupPacket struct {
	RequestType uint8 // bmRequestType
	Request     uint8 // bRequest
	Value       uint16
	Index       uint16
	Length      uint16 // bytes in the data stage
}

const SetupPacketSize = hal.SetupPacketSize

// ParseSetupPacket decodes the little-endian packet at the start of data.
func ParseSetupPacket(data []byte, out *SetupPacket) error {
	var raw hal.SetupPacket
	if !hal.ParseSetupPacket(data, &raw) {
		return pkg.ErrSetupPacketTooShort
	}
	setupFromHAL(&raw, out)
	return nil
}

// MarshalTo encodes the packet and returns SetupPacketSize, or 0 when buf
// is short.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	raw := s.HAL()
	return raw.MarshalTo(buf)
}

func (s *SetupPacket) Direction() uint8 { return s.RequestType & RequestTypeDirectionMask }
func (s *SetupPacket) Type() uint8      { return s.RequestType & RequestTypeTypeMask }
func (s *SetupPacket) Recipient() uint8 { return s.RequestType & RequestTypeRecipientMask }

func (s *SetupPacket) IsDeviceToHost() bool { return s.Direction() == RequestDirectionDeviceToHost }
func (s *SetupPacket) IsHostToDevice() bool { return s.Direction() == RequestDirectionHostToDevice }

func (s *SetupPacket) IsStandard() bool { return s.Type() == RequestTypeStandard }
func (s *SetupPacket) IsClass() bool    { return s.Type() == RequestTypeClass }
func (s *SetupPacket) IsVendor() bool   { return s.Type() == RequestTypeVendor }

func (s *SetupPacket) IsDeviceRecipient() bool    { return s.Recipient() == RequestRecipientDevice }
func (s *SetupPacket) IsInterfaceRecipient() bool { return s.Recipient() == RequestRecipientInterface }
func (s *SetupPacket) IsEndpointRecipient() bool  { return s.Recipient() == RequestRecipientEndpoint }

// DescriptorType and DescriptorIndex split wValue of GET_DESCRIPTOR.
func (s *SetupPacket) DescriptorType() uint8  { return uint8(s.Value >> 8) }
func (s *SetupPacket) DescriptorIndex() uint8 { return uint8(s.Value) }

// InterfaceNumber and EndpointAddress read the low byte of wIndex.
func (s *SetupPacket) InterfaceNumber() uint8 { return uint8(s.Index) }
func (s *SetupPacket) EndpointAddress() uint8 { return uint8(s.Index) }

var standardRequestNames = [...]string{
	RequestGetStatus:        "GET_STATUS",
	RequestClearFeature:     "CLEAR_FEATURE",
	RequestSetFeature:       "SET_FEATURE",
	RequestSetAddress:       "SET_ADDRESS",
	RequestGetDescriptor:    "GET_DESCRIPTOR",
	RequestSetDescriptor:    "SET_DESCRIPTOR",
	RequestGetConfiguration: "GET_CONFIGURATION",
	RequestSetConfiguration: "SET_CONFIGURATION",
	RequestGetInterface:     "GET_INTERFACE",
	RequestSetInterface:     "SET_INTERFACE",
	RequestSynchFrame:       "SYNCH_FRAME",
}

var (
	requestTypeNames = [...]string{"standard", "class", "vendor", "reserved"}
	recipientNames   = [...]string{"device", "interface", "endpoint", "other"}
)

// String formats the packet for logs, naming standard requests.
func (s *SetupPacket) String() string {
	dir := "OUT"
	if s.IsDeviceToHost() {
		dir = "IN"
	}
	recipient := "reserved"
	if int(s.Recipient()) < len(recipientNames) {
		recipient = recipientNames[s.Recipient()]
	}
	req := fmt.Sprintf("bRequest=0x%02X", s.Request)
	if s.IsStandard() && int(s.Request) < len(standardRequestNames) && standardRequestNames[s.Request] != "" {
		req = standardRequestNames[s.Request]
	}
	return fmt.Sprintf("%s %s/%s %s wValue=0x%04X wIndex=0x%04X wLength=%d",
		dir, requestTypeNames[s.Type()>>5], recipient, req, s.Value, s.Index, s.Length)
}

func setupFor(out *SetupPacket, requestType, request uint8, value, index, length uint16) {
	*out = SetupPacket{RequestType: requestType, Request: request, Value: value, Index: index, Length: length}
}

// GetDescriptorSetup fills out with GET_DESCRIPTOR for descType/descIndex.
func GetDescriptorSetup(out *SetupPacket, descType, descIndex uint8, length uint16) {
	setupFor(out, RequestDirectionDeviceToHost, RequestGetDescriptor, uint16(descType)<<8|uint16(descIndex), 0, length)
}

// GetSetAddressSetup fills out with SET_ADDRESS.
func GetSetAddressSetup(out *SetupPacket, address uint8) {
	setupFor(out, RequestDirectionHostToDevice, RequestSetAddress, uint16(address), 0, 0)
}

// GetSetConfigurationSetup fills out with SET_CONFIGURATION.
func GetSetConfigurationSetup(out *SetupPacket, config uint8) {
	setupFor(out, RequestDirectionHostToDevice, RequestSetConfiguration, uint16(config), 0, 0)
}

// ClassSetup fills out with a class request to interface iface.
func ClassSetup(out *SetupPacket, direction, request uint8, value uint16, iface uint8, length uint16) {
	setupFor(out, direction|RequestTypeClass|RequestRecipientInterface, request, value, uint16(iface), length)
}

// VendorSetup fills out with a vendor request to the device.
func VendorSetup(out *SetupPacket, direction, request uint8, value, index, length uint16) {
	setupFor(out, direction|RequestTypeVendor|RequestRecipientDevice, request, value, index, length)
}

// HAL converts the packet to its HAL representation.
func (s *SetupPacket) HAL() hal.SetupPacket {
	return hal.SetupPacket(*s)
}

func setupFromHAL(in *hal.SetupPacket, out *SetupPacket) {
	*out = SetupPacket(*in)
}
