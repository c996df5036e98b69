package webusb

import (
	"strings"

	"github.com/google/uuid"
)

// Sizes of the fixed MS OS 2.0 headers and features.
const (
	msosSetHeaderSize    = 10
	msosSubsetHeaderSize = 8
	msosCompatibleIDSize = 20
	msosRegPropertyFixed = 10 // wLength, wDescriptorType, wPropertyDataType, wPropertyNameLength, wPropertyDataLength
)

const registryPropertyName = "DeviceInterfaceGUIDs\x00"

// Capability body sizes, bReserved included.
const (
	WebUSBCapabilitySize = 1 + 16 + 2 + 1 + 1
	MSOS20CapabilitySize = 1 + 16 + 4 + 2 + 1 + 1
)

// GUIDTo writes u in the mixed-endian layout USB descriptors use for GUIDs:
// the first three fields little-endian, the remaining eight bytes as is.
func GUIDTo(buf []byte, u uuid.UUID) int {
	if len(buf) < 16 {
		return 0
	}
	buf[0], buf[1], buf[2], buf[3] = u[3], u[2], u[1], u[0]
	buf[4], buf[5] = u[5], u[4]
	buf[6], buf[7] = u[7], u[6]
	copy(buf[8:16], u[8:16])
	return 16
}

// WebUSBCapabilityTo writes the body of the WebUSB platform capability.
func WebUSBCapabilityTo(buf []byte, vendorCode, landingPage uint8) int {
	if len(buf) < WebUSBCapabilitySize {
		return 0
	}
	b := NewBuilder(buf)
	b.WriteU8(0) // bReserved
	b.reserveGUID(WebUSBPlatformUUID)
	b.WriteU16(0x0100)
	b.WriteU8(vendorCode)
	b.WriteU8(landingPage)
	return b.Len()
}

// MSOS20CapabilityTo writes the body of the Microsoft OS 2.0 platform
// capability announcing a descriptor set of setLength bytes.
func MSOS20CapabilityTo(buf []byte, setLength uint16, vendorCode, altEnum uint8) int {
	if len(buf) < MSOS20CapabilitySize {
		return 0
	}
	b := NewBuilder(buf)
	b.WriteU8(0)
	b.reserveGUID(MSOS20PlatformUUID)
	b.WriteU32(MSOS20WindowsVersion)
	b.WriteU16(setLength)
	b.WriteU8(vendorCode)
	b.WriteU8(altEnum)
	return b.Len()
}

func (b *Builder) reserveGUID(u uuid.UUID) {
	if p := b.reserve(16); p != nil {
		GUIDTo(p, u)
	}
}

// interfaceGUIDs is the REG_MULTI_SZ value naming one device interface GUID.
func interfaceGUIDs(guid uuid.UUID) string {
	return "{" + guid.String() + "}\x00\x00"
}

// DescriptorSetLength returns the size of the MS OS 2.0 descriptor set
// DescriptorSetTo writes for guid.
func DescriptorSetLength(guid uuid.UUID) int {
	return msosSetHeaderSize + msosSubsetHeaderSize + msosSubsetHeaderSize +
		msosCompatibleIDSize + registryPropertyLength(guid)
}

func registryPropertyLength(guid uuid.UUID) int {
	return msosRegPropertyFixed + UTF16Len(registryPropertyName) + UTF16Len(interfaceGUIDs(guid))
}

// DescriptorSetTo writes the MS OS 2.0 descriptor set binding WinUSB to the
// function starting at firstInterface of the first configuration, with guid
// as its device interface GUID. Returns 0 if buf is too small.
func DescriptorSetTo(buf []byte, firstInterface uint8, guid uuid.UUID) int {
	b := NewBuilder(buf)

	b.WriteU16(msosSetHeaderSize)
	b.WriteU16(MSOS20SetHeaderDescriptor)
	b.WriteU32(MSOS20WindowsVersion)
	b.WriteU16(0) // wTotalLength

	config := b.Len()
	b.WriteU16(msosSubsetHeaderSize)
	b.WriteU16(MSOS20SubsetHeaderConfiguration)
	b.WriteU8(0) // bConfigurationValue is an index here
	b.WriteU8(0)
	b.WriteU16(0) // wTotalLength

	function := b.Len()
	b.WriteU16(msosSubsetHeaderSize)
	b.WriteU16(MSOS20SubsetHeaderFunction)
	b.WriteU8(firstInterface)
	b.WriteU8(0)
	b.WriteU16(0) // wSubsetLength

	b.WriteU16(msosCompatibleIDSize)
	b.WriteU16(MSOS20FeatureCompatibleID)
	b.Write([]byte("WINUSB\x00\x00"))
	b.Write(make([]byte, 8)) // SubCompatibleID

	value := interfaceGUIDs(guid)
	b.WriteU16(uint16(registryPropertyLength(guid)))
	b.WriteU16(MSOS20FeatureRegProperty)
	b.WriteU16(RegMultiSZ)
	b.WriteU16(uint16(UTF16Len(registryPropertyName)))
	b.WriteUTF16(registryPropertyName)
	b.WriteU16(uint16(UTF16Len(value)))
	b.WriteUTF16(value)

	end := b.Len()
	b.PutU16(8, uint16(end))
	b.PutU16(config+6, uint16(end-config))
	b.PutU16(function+6, uint16(end-function))

	if b.Err() != nil {
		return 0
	}
	return end
}

// URLDescriptorTo writes a WebUSB URL descriptor for rawURL. An http:// or
// https:// prefix is encoded in bScheme; any other URL is sent whole.
// Returns 0 if buf is too small or the URL does not fit a descriptor.
func URLDescriptorTo(buf []byte, rawURL string) int {
	scheme := uint8(SchemeNone)
	rest := rawURL
	if s, ok := strings.CutPrefix(rawURL, "https://"); ok {
		scheme, rest = SchemeHTTPS, s
	} else if s, ok := strings.CutPrefix(rawURL, "http://"); ok {
		scheme, rest = SchemeHTTP, s
	}
	if len(rest) > MaxURLLength {
		return 0
	}

	n := 3 + len(rest)
	if len(buf) < n {
		return 0
	}
	buf[0] = uint8(n)
	buf[1] = DescriptorTypeURL
	buf[2] = scheme
	copy(buf[3:], rest)
	return n
}
