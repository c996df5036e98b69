package device

import (
	"fmt"
	"sync"

	"github.com/ardnew/tildabridge/pkg"
)

// Endpoint transfer types, the low two bits of bmAttributes.
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// Endpoint directions, bit 7 of the address.
const (
	EndpointDirectionOut = 0x00
	EndpointDirectionIn  = 0x80
)

const (
	endpointNumberMask = 0x0F
	transferTypeMask   = 0x03
)

var transferTypeNames = [...]string{
	EndpointTypeControl:     "Control",
	EndpointTypeIsochronous: "Isochronous",
	EndpointTypeBulk:        "Bulk",
	EndpointTypeInterrupt:   "Interrupt",
}

// Endpoint is a non-control endpoint of an interface. The halt flag and
// data toggle are shared between the control pipe and the data pumps.
type Endpoint struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8 // frames, interrupt endpoints only

	mutex      sync.Mutex
	stalled    bool
	dataToggle bool
}

// NewEndpoint copies the fields of desc.
func NewEndpoint(desc *EndpointDescriptor) *Endpoint {
	return &Endpoint{
		Address:       desc.EndpointAddress,
		Attributes:    desc.Attributes,
		MaxPacketSize: desc.MaxPacketSize,
		Interval:      desc.Interval,
	}
}

func (e *Endpoint) Number() uint8       { return e.Address & endpointNumberMask }
func (e *Endpoint) Direction() uint8    { return e.Address & EndpointDirectionIn }
func (e *Endpoint) IsIn() bool          { return e.Direction() == EndpointDirectionIn }
func (e *Endpoint) IsOut() bool         { return e.Direction() == EndpointDirectionOut }
func (e *Endpoint) TransferType() uint8 { return e.Attributes & transferTypeMask }
func (e *Endpoint) IsBulk() bool        { return e.TransferType() == EndpointTypeBulk }
func (e *Endpoint) IsInterrupt() bool   { return e.TransferType() == EndpointTypeInterrupt }

// String formats the endpoint as "0x82 IN Bulk/64".
func (e *Endpoint) String() string {
	return fmt.Sprintf("0x%02X %s %s/%d",
		e.Address, DirectionName(e.Direction()), TransferTypeName(e.TransferType()), e.MaxPacketSize)
}

// SetStall sets or clears ENDPOINT_HALT. Clearing the halt also resets the
// data toggle to DATA0.
func (e *Endpoint) SetStall(stalled bool) {
	e.mutex.Lock()
	e.stalled = stalled
	if !stalled {
		e.dataToggle = false
	}
	e.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentDevice, "endpoint halt changed",
		"endpoint", e.String(),
		"halted", stalled)
}

func (e *Endpoint) IsStalled() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.stalled
}

// DataToggle reports whether the next packet is DATA1.
func (e *Endpoint) DataToggle() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.dataToggle
}

// ToggleData advances the toggle after a completed packet.
func (e *Endpoint) ToggleData() {
	e.mutex.Lock()
	e.dataToggle = !e.dataToggle
	e.mutex.Unlock()
}

// Descriptor rebuilds the endpoint descriptor.
func (e *Endpoint) Descriptor() *EndpointDescriptor {
	return &EndpointDescriptor{
		Length:          EndpointDescriptorSize,
		DescriptorType:  DescriptorTypeEndpoint,
		EndpointAddress: e.Address,
		Attributes:      e.Attributes,
		MaxPacketSize:   e.MaxPacketSize,
		Interval:        e.Interval,
	}
}

// TransferTypeName names the transfer type in the low bits of t.
func TransferTypeName(t uint8) string {
	return transferTypeNames[t&transferTypeMask]
}

// DirectionName returns "IN" or "OUT" for an address or direction bit.
func DirectionName(dir uint8) string {
	if dir&EndpointDirectionIn != 0 {
		return "IN"
	}
	return "OUT"
}
