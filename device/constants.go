package device

import "fmt"

// Table sizes. The bridge's composite device uses four interfaces, six
// endpoints, one configuration and two BOS capabilities; the limits leave
// room for test devices.
const (
	MaxEndpointsPerInterface      = 16
	MaxInterfacesPerConfiguration = 8
	MaxConfigurations             = 4
	MaxStrings                    = 16
	MaxCapabilities               = 4
	MaxVendorHandlers             = 4

	// MaxClassDescriptorSize bounds the class-specific descriptors of one
	// interface. CDC functional descriptors take 19 bytes.
	MaxClassDescriptorSize = 64
)

// Speed is the bus speed the HAL negotiated.
type Speed uint8

const (
	SpeedLow  Speed = 0 // 1.5 Mbit/s
	SpeedFull Speed = 1 // 12 Mbit/s, the STM32F0 USB peripheral
	SpeedHigh Speed = 2 // 480 Mbit/s
)

var speedNames = [...]string{
	SpeedLow:  "Low Speed (1.5 Mbps)",
	SpeedFull: "Full Speed (12 Mbps)",
	SpeedHigh: "High Speed (480 Mbps)",
}

func (s Speed) String() string {
	if int(s) < len(speedNames) {
		return speedNames[s]
	}
	return fmt.Sprintf("Unknown Speed (%d)", s)
}

// MaxPacketSize0 is the largest EP0 packet allowed at s.
func (s Speed) MaxPacketSize0() uint16 {
	if s == SpeedLow {
		return 8
	}
	return 64
}

// State is the chapter 9 device state.
type State uint8

const (
	StateAttached State = iota
	StatePowered
	StateDefault
	StateAddress
	StateConfigured
	StateSuspended
)

var stateNames = [...]string{
	StateAttached:   "Attached",
	StatePowered:    "Powered",
	StateDefault:    "Default",
	StateAddress:    "Address",
	StateConfigured: "Configured",
	StateSuspended:  "Suspended",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("Unknown State (%d)", s)
}
