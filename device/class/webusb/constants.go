package webusb

import (
	"github.com/google/uuid"
)

// Vendor request codes advertised in the platform capabilities.
const (
	VendorCodeWebUSB = 0x42
	VendorCodeMSOS20 = 0x43
)

// WebUSB request indices and descriptor types.
const (
	RequestGetURL     = 0x02
	DescriptorTypeURL = 0x03
	LandingPageIndex  = 1
)

// URL scheme prefixes of the URL descriptor.
const (
	SchemeHTTP  = 0x00
	SchemeHTTPS = 0x01
	SchemeNone  = 0xFF
)

// MaxURLLength is the longest URL a URL descriptor can carry.
const MaxURLLength = 255 - 3

// MS OS 2.0 request index.
const MSOS20DescriptorIndex = 0x07

// MS OS 2.0 descriptor types.
const (
	MSOS20SetHeaderDescriptor       = 0x00
	MSOS20SubsetHeaderConfiguration = 0x01
	MSOS20SubsetHeaderFunction      = 0x02
	MSOS20FeatureCompatibleID       = 0x03
	MSOS20FeatureRegProperty        = 0x04
)

// MSOS20WindowsVersion is Windows 8.1, the first release that reads MS OS
// 2.0 descriptors.
const MSOS20WindowsVersion = 0x06030000

// RegMultiSZ is the REG_MULTI_SZ registry property data type.
const RegMultiSZ = 0x0007

// Platform capability UUIDs.
var (
	WebUSBPlatformUUID = uuid.MustParse("3408b638-09a9-47a0-8bfd-a0768815b665")
	MSOS20PlatformUUID = uuid.MustParse("d8dd60df-4589-4cc7-9cd2-659d9e648a9f")
)

// DefaultInterfaceGUID is the device interface GUID WinUSB registers for the
// vendor interface.
var DefaultInterfaceGUID = uuid.MustParse("f37ccce8-a70f-492a-acfb-cf2b2dab56a3")

// DefaultLandingPage is the URL browsers offer when the device is plugged in.
const DefaultLandingPage = "https://tide.emfcamp.org"

// Interface codes of the vendor function.
const (
	SubclassComm = 0x00
	SubclassData = 0x01
)

// Class request codes accepted on the comm interface.
const (
	RequestSendEncapsulatedCommand = 0x00
	RequestSetLineCoding           = 0x20
	RequestGetLineCoding           = 0x21
	RequestSetControlLineState     = 0x22
)

// Endpoint sizes used by ConfigureDevice.
const (
	NotifyPacketSize = 8
	NotifyInterval   = 255
	DataPacketSize   = 64
)
