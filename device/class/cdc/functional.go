package cdc

import (
	"encoding/binary"

	"github.com/ardnew/tildabridge/device"
)

// Functional descriptor subtypes.
const (
	SubtypeHeader         = 0x00
	SubtypeCallManagement = 0x01
	SubtypeACM            = 0x02
	SubtypeUnion          = 0x06
)

// CDCVersion110 is bcdCDC of the header functional descriptor.
const CDCVersion110 = 0x0110

const (
	SubclassACM  = 0x02
	ProtocolNone = 0x00
	ProtocolAT   = 0x01
)

// Class requests.
const (
	RequestSendEncapsulatedCommand = 0x00
	RequestGetEncapsulatedResponse = 0x01
	RequestSetLineCoding           = 0x20
	RequestGetLineCoding           = 0x21
	RequestSetControlLineState     = 0x22
	RequestSendBreak               = 0x23
)

// wValue of SEND_BREAK that holds the break until a SEND_BREAK of 0.
const BreakUntilCleared = 0xFFFF

// wValue of SET_CONTROL_LINE_STATE.
const (
	ControlLineDTR = 1 << 0
	ControlLineRTS = 1 << 1
)

const (
	NotificationSerialState     = 0x20
	SerialStateNotificationSize = 10
)

// UART state bitmap of SERIAL_STATE.
const (
	SerialStateRxCarrier = 1 << iota // DCD
	SerialStateTxCarrier             // DSR
	SerialStateBreak
	SerialStateRing
	SerialStateFraming
	SerialStateParity
	SerialStateOverrun
)

const (
	HeaderDescriptorSize         = 5
	CallManagementDescriptorSize = 5
	ACMDescriptorSize            = 4
	UnionDescriptorSize          = 5

	// FunctionalDescriptorsSize is what FunctionalDescriptorsTo writes.
	FunctionalDescriptorsSize = HeaderDescriptorSize + CallManagementDescriptorSize +
		ACMDescriptorSize + UnionDescriptorSize
)

// bmCapabilities of the ACM functional descriptor.
const (
	ACMCapCommFeature = 1 << iota
	ACMCapLineCoding
	ACMCapSendBreak
	ACMCapNetworkConn
)

// functionalTo writes a CS_INTERFACE descriptor of subtype with body. It
// returns 0 when buf is short.
func functionalTo(buf []byte, subtype uint8, body ...byte) int {
	n := 3 + len(body)
	if len(buf) < n {
		return 0
	}
	buf[0], buf[1], buf[2] = byte(n), device.DescriptorTypeCSInterface, subtype
	copy(buf[3:], body)
	return n
}

func HeaderDescriptorTo(buf []byte, version uint16) int {
	return functionalTo(buf, SubtypeHeader, byte(version), byte(version>>8))
}

// CallManagementDescriptorTo names dataIface as the interface carrying
// calls.
func CallManagementDescriptorTo(buf []byte, caps, dataIface uint8) int {
	return functionalTo(buf, SubtypeCallManagement, caps, dataIface)
}

func ACMDescriptorTo(buf []byte, caps uint8) int {
	return functionalTo(buf, SubtypeACM, caps)
}

// UnionDescriptorTo groups one subordinate interface under control.
func UnionDescriptorTo(buf []byte, control, subordinate uint8) int {
	return functionalTo(buf, SubtypeUnion, control, subordinate)
}

// FunctionalDescriptorsTo writes the header, call management, ACM and
// union descriptors of one serial function, or nothing when buf is short.
func FunctionalDescriptorsTo(buf []byte, control, data, acmCaps uint8) int {
	if len(buf) < FunctionalDescriptorsSize {
		return 0
	}
	n := HeaderDescriptorTo(buf, CDCVersion110)
	n += CallManagementDescriptorTo(buf[n:], 0, data)
	n += ACMDescriptorTo(buf[n:], acmCaps)
	n += UnionDescriptorTo(buf[n:], control, data)
	return n
}

// serialState is the SERIAL_STATE notification: a class request header
// followed by the two-byte state bitmap.
type serialState struct {
	RequestType  uint8
	Notification uint8
	Value        uint16
	Index        uint16
	Length       uint16
	State        uint16
}

// SerialStateTo writes a SERIAL_STATE notification for iface.
func SerialStateTo(buf []byte, iface uint8, state uint16) int {
	n, err := binary.Encode(buf, binary.LittleEndian, &serialState{
		RequestType:  device.RequestDirectionDeviceToHost | device.RequestTypeClass | device.RequestRecipientInterface,
		Notification: NotificationSerialState,
		Index:        uint16(iface),
		Length:       2,
		State:        state,
	})
	if err != nil {
		return 0
	}
	return n
}
