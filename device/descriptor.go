package device

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/ardnew/tildabridge/pkg"
)

// USB Descriptor Types (USB 2.0 Spec Table 9-5, USB 3.2 Table 9-6).
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeDeviceQualifier      = 0x06
	DescriptorTypeOtherSpeedConfig     = 0x07
	DescriptorTypeInterfaceAssociation = 0x0B
	DescriptorTypeBOS                  = 0x0F
	DescriptorTypeDeviceCapability     = 0x10
	DescriptorTypeCSInterface          = 0x24 // Class-specific interface
	DescriptorTypeCSEndpoint           = 0x25 // Class-specific endpoint
)

// Device capability types carried in a BOS descriptor.
const (
	CapabilityUSB20Extension = 0x02
	CapabilityPlatform       = 0x05
)

// USB Class Codes used by the bridge functions.
const (
	ClassPerInterface = 0x00 // Class defined at interface level
	ClassCDC          = 0x02 // Communications Device Class
	ClassCDCData      = 0x0A // CDC-Data
	ClassMisc         = 0xEF // Miscellaneous
	ClassVendor       = 0xFF // Vendor Specific
)

// USB specification release numbers (BCD).
const (
	USBVersion20  = 0x0200
	USBVersion201 = 0x0201 // Minimum release that allows a BOS descriptor
	USBVersion21  = 0x0210
)

// Fixed-size descriptors are plain structs whose field order and widths
// match the wire layout, so encoding/binary packs them directly.

// marshalFixed writes v to buf, returning size, or 0 when buf is short.
func marshalFixed[T any](buf []byte, v *T, size int) int {
	if len(buf) < size {
		return 0
	}
	n, err := binary.Encode(buf[:size], binary.LittleEndian, v)
	if err != nil {
		return 0
	}
	return n
}

// parseFixed checks the length and bDescriptorType of data and decodes it.
func parseFixed[T any](data []byte, descType uint8, size int, out *T) error {
	if len(data) < size {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != descType {
		return pkg.ErrDescriptorTypeMismatch
	}
	_, err := binary.Decode(data[:size], binary.LittleEndian, out)
	return err
}

// DeviceDescriptor is the 18-byte device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16 // bcdUSB
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16 // bcdDevice
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

const DeviceDescriptorSize = 18

// MarshalTo writes the descriptor with its fixed bLength and type.
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	v := *d
	v.Length, v.DescriptorType = DeviceDescriptorSize, DescriptorTypeDevice
	return marshalFixed(buf, &v, DeviceDescriptorSize)
}

func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	return parseFixed(data, DescriptorTypeDevice, DeviceDescriptorSize, out)
}

// ConfigurationDescriptor is the 9-byte configuration header. TotalLength
// covers everything the configuration emits after it.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8 // 2 mA units
}

// Configuration attribute bits. Bit 7 is reserved and always set.
const (
	ConfigAttrBusPowered   = 0x80
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

const ConfigurationDescriptorSize = 9

func (c *ConfigurationDescriptor) MarshalTo(buf []byte) int {
	v := *c
	v.Length, v.DescriptorType = ConfigurationDescriptorSize, DescriptorTypeConfiguration
	return marshalFixed(buf, &v, ConfigurationDescriptorSize)
}

func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) error {
	return parseFixed(data, DescriptorTypeConfiguration, ConfigurationDescriptorSize, out)
}

// InterfaceDescriptor is the 9-byte interface descriptor.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8 // excluding EP0
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

const InterfaceDescriptorSize = 9

func (i *InterfaceDescriptor) MarshalTo(buf []byte) int {
	v := *i
	v.Length, v.DescriptorType = InterfaceDescriptorSize, DescriptorTypeInterface
	return marshalFixed(buf, &v, InterfaceDescriptorSize)
}

func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) error {
	return parseFixed(data, DescriptorTypeInterface, InterfaceDescriptorSize, out)
}

// EndpointDescriptor is the 7-byte endpoint descriptor.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

const EndpointDescriptorSize = 7

func (e *EndpointDescriptor) MarshalTo(buf []byte) int {
	v := *e
	v.Length, v.DescriptorType = EndpointDescriptorSize, DescriptorTypeEndpoint
	return marshalFixed(buf, &v, EndpointDescriptorSize)
}

func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) error {
	return parseFixed(data, DescriptorTypeEndpoint, EndpointDescriptorSize, out)
}

// InterfaceAssociationDescriptor groups the interfaces of one function,
// the CDC control and data pair in the bridge.
type InterfaceAssociationDescriptor struct {
	Length           uint8
	DescriptorType   uint8
	FirstInterface   uint8
	InterfaceCount   uint8
	FunctionClass    uint8
	FunctionSubClass uint8
	FunctionProtocol uint8
	FunctionIndex    uint8
}

const IADSize = 8

func (i *InterfaceAssociationDescriptor) MarshalTo(buf []byte) int {
	v := *i
	v.Length, v.DescriptorType = IADSize, DescriptorTypeInterfaceAssociation
	return marshalFixed(buf, &v, IADSize)
}

// maxStringUnits is the UTF-16 payload limit of a string descriptor.
const maxStringUnits = (254 - 2) / 2

// StringDescriptorTo writes s as a UTF-16LE string descriptor and returns
// its length, or 0 when buf is short. Strings beyond 126 code units are cut
// without splitting a surrogate pair.
func StringDescriptorTo(buf []byte, s string) int {
	units := utf16.Encode([]rune(s))
	if len(units) > maxStringUnits {
		cut := maxStringUnits
		if utf16.IsSurrogate(rune(units[cut-1])) && units[cut-1] < 0xDC00 {
			cut--
		}
		units = units[:cut]
	}
	return LanguageDescriptorTo(buf, units...)
}

// LanguageDescriptorTo writes string descriptor zero, the LANGID list.
// It returns 0 when buf is short.
func LanguageDescriptorTo(buf []byte, langIDs ...uint16) int {
	length := 2 + 2*len(langIDs)
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, id := range langIDs {
		binary.LittleEndian.PutUint16(buf[2+2*i:], id)
	}
	return length
}

const LangIDUSEnglish = 0x0409

const (
	// BOSDescriptorSize is the BOS header alone.
	BOSDescriptorSize = 5

	// DeviceCapabilityHeaderSize covers bLength, bDescriptorType and
	// bDevCapabilityType.
	DeviceCapabilityHeaderSize = 3
)

// BOSDescriptor is the Binary device Object Store header.
type BOSDescriptor struct {
	TotalLength   uint16 // header plus every capability
	NumDeviceCaps uint8
}

type bosWire struct {
	Length         uint8
	DescriptorType uint8
	BOSDescriptor
}

func (b *BOSDescriptor) MarshalTo(buf []byte) int {
	return marshalFixed(buf, &bosWire{BOSDescriptorSize, DescriptorTypeBOS, *b}, BOSDescriptorSize)
}

func ParseBOSDescriptor(data []byte, out *BOSDescriptor) error {
	var w bosWire
	if err := parseFixed(data, DescriptorTypeBOS, BOSDescriptorSize, &w); err != nil {
		return err
	}
	*out = w.BOSDescriptor
	return nil
}

// DeviceCapabilityTo writes one device capability descriptor. It returns 0
// when buf is short or data exceeds a single descriptor.
func DeviceCapabilityTo(buf []byte, capType uint8, data []byte) int {
	length := DeviceCapabilityHeaderSize + len(data)
	if length > 0xFF || len(buf) < length {
		return 0
	}
	buf[0], buf[1], buf[2] = uint8(length), DescriptorTypeDeviceCapability, capType
	copy(buf[DeviceCapabilityHeaderSize:], data)
	return length
}

// WalkDescriptors calls fn on each descriptor of a concatenated block, such
// as a configuration or BOS response, until fn returns false. A zero-length
// or truncated descriptor is pkg.ErrDescriptorTooShort.
func WalkDescriptors(data []byte, fn func(descType uint8, desc []byte) bool) error {
	for len(data) > 0 {
		if len(data) < 2 || data[0] < 2 || int(data[0]) > len(data) {
			return pkg.ErrDescriptorTooShort
		}
		n := int(data[0])
		if !fn(data[1], data[:n]) {
			return nil
		}
		data = data[n:]
	}
	return nil
}
