package cdc

import (
	"encoding/binary"
	"fmt"
)

// LineCoding is the payload of SET_LINE_CODING and GET_LINE_CODING.
type LineCoding struct {
	DTERate    uint32 // bit/s
	CharFormat uint8  // StopBits*
	ParityType uint8  // Parity*
	DataBits   uint8  // 5 to 8, or 16
}

const LineCodingSize = 7

// bCharFormat
const (
	StopBits1   = 0
	StopBits1_5 = 1
	StopBits2   = 2
)

// bParityType
const (
	ParityNone  = 0
	ParityOdd   = 1
	ParityEven  = 2
	ParityMark  = 3
	ParitySpace = 4
)

// DefaultLineCoding is 115200 8N1, restored on every bus reset.
var DefaultLineCoding = LineCoding{DTERate: 115200, DataBits: 8}

// MarshalTo encodes the line coding into buf. It returns 0 when buf is
// short.
func (lc *LineCoding) MarshalTo(buf []byte) int {
	n, err := binary.Encode(buf, binary.LittleEndian, lc)
	if err != nil {
		return 0
	}
	return n
}

// ParseLineCoding decodes data into out and reports false when data is
// short.
func ParseLineCoding(data []byte, out *LineCoding) bool {
	_, err := binary.Decode(data, binary.LittleEndian, out)
	return err == nil
}

var (
	parityLetters = [...]string{ParityNone: "N", ParityOdd: "O", ParityEven: "E", ParityMark: "M", ParitySpace: "S"}
	stopBitNames  = [...]string{StopBits1: "1", StopBits1_5: "1.5", StopBits2: "2"}
)

// String is the conventional terminal notation, such as "115200 8N1".
func (lc LineCoding) String() string {
	parity, stop := "?", "1"
	if int(lc.ParityType) < len(parityLetters) {
		parity = parityLetters[lc.ParityType]
	}
	if int(lc.CharFormat) < len(stopBitNames) {
		stop = stopBitNames[lc.CharFormat]
	}
	return fmt.Sprintf("%d %d%s%s", lc.DTERate, lc.DataBits, parity, stop)
}
