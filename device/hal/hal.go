package hal

import (
	"context"
	"encoding/binary"
)

// Speed is the bus speed a controller negotiated.
type Speed uint8

const (
	SpeedUnknown Speed = iota // detached
	SpeedLow                  // 1.5 Mbit/s
	SpeedFull                 // 12 Mbit/s
	SpeedHigh                 // 480 Mbit/s
)

var speedNames = [...]string{"Unknown", "Low Speed", "Full Speed", "High Speed"}

func (s Speed) String() string {
	if int(s) < len(speedNames) {
		return speedNames[s]
	}
	return speedNames[SpeedUnknown]
}

// EndpointConfig is one data endpoint the controller must enable when a
// configuration is selected.
type EndpointConfig struct {
	Address       uint8 // bEndpointAddress, direction in bit 7
	Attributes    uint8 // bmAttributes
	MaxPacketSize uint16
	Interval      uint8 // bInterval, interrupt endpoints only
}

func (e *EndpointConfig) Number() uint8       { return e.Address & 0x0F }
func (e *EndpointConfig) IsIn() bool          { return e.Address&0x80 != 0 }
func (e *EndpointConfig) TransferType() uint8 { return e.Attributes & 0x03 }

// SetupPacket is a SETUP transaction as it crosses the wire, little-endian.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

const SetupPacketSize = 8

// ParseSetupPacket decodes the first eight bytes of data into out. It
// reports false when data is short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	n, err := binary.Decode(data, binary.LittleEndian, out)
	return err == nil && n == SetupPacketSize
}

// MarshalTo encodes the packet into buf and returns SetupPacketSize, or 0
// when buf is short.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	n, err := binary.Encode(buf, binary.LittleEndian, s)
	if err != nil {
		return 0
	}
	return n
}

// Lifecycle brings a controller up and down.
type Lifecycle interface {
	// Init prepares the peripheral without attaching to the bus.
	Init(ctx context.Context) error

	// Start attaches to the bus. The host may begin enumeration as soon as
	// Start returns.
	Start() error

	// Stop detaches and releases the peripheral.
	Stop() error
}

// ControlPipe carries EP0 traffic. A control transfer arrives as
// ReadSetup, then ReadEP0 for an OUT data stage if there is one, then
// either WriteEP0 plus a zero-length ReadEP0 for IN transfers, AckEP0 for
// OUT transfers, or StallEP0 when the request is refused.
type ControlPipe interface {
	// ReadSetup blocks for the next SETUP packet. A bus reset is reported
	// as pkg.ErrReset.
	ReadSetup(ctx context.Context, out *SetupPacket) error

	// WriteEP0 sends the IN data stage, which may be empty.
	WriteEP0(ctx context.Context, data []byte) error

	// ReadEP0 receives the OUT data stage, or with an empty buf the status
	// stage of an IN transfer.
	ReadEP0(ctx context.Context, buf []byte) (int, error)

	StallEP0() error
	AckEP0() error

	// SetAddress programs the device address once the SET_ADDRESS status
	// stage is done.
	SetAddress(address uint8) error

	// ConfigureEndpoints enables exactly endpoints; an empty slice
	// disables every data endpoint.
	ConfigureEndpoints(endpoints []EndpointConfig) error
}

// DataPipe moves packets on the data endpoints.
type DataPipe interface {
	// Read blocks for a packet on OUT endpoint address.
	Read(ctx context.Context, address uint8, buf []byte) (int, error)

	// Write sends data on IN endpoint address.
	Write(ctx context.Context, address uint8, data []byte) (int, error)

	Stall(address uint8) error
	ClearStall(address uint8) error
}

// Link reports the attachment to a host.
type Link interface {
	IsConnected() bool
	GetSpeed() Speed
	WaitConnect(ctx context.Context) error
	WaitDisconnect(ctx context.Context) error
}

// DeviceHAL is everything the device stack needs from a controller. The
// stack owns the protocol; a DeviceHAL only moves packets and reports bus
// events.
type DeviceHAL interface {
	Lifecycle
	ControlPipe
	DataPipe
	Link
}
