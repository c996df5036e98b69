package gdb

import (
	"github.com/ardnew/tildabridge/pkg"
)

// Framing bytes of the remote serial protocol.
const (
	packetStart   = '$'
	packetEnd     = '#'
	escapeByte    = '}'
	runLengthByte = '*'
	ackByte       = '+'
	nakByte       = '-'
	interruptByte = 0x03
)

// escapeXOR is applied to a byte following escapeByte.
const escapeXOR = 0x20

// runLengthBias is subtracted from the count character of a run.
const runLengthBias = 29

const hexDigits = "0123456789abcdef"

// Checksum returns the modulo-256 sum of payload.
func Checksum(payload []byte) uint8 {
	var sum uint8
	for _, c := range payload {
		sum += c
	}
	return sum
}

// AppendPacket appends payload framed as $payload#xx to dst.
func AppendPacket(dst, payload []byte) []byte {
	sum := Checksum(payload)
	dst = append(dst, packetStart)
	dst = append(dst, payload...)
	return append(dst, packetEnd, hexDigits[sum>>4], hexDigits[sum&0x0F])
}

// needsEscape reports whether c must be escaped inside binary data.
func needsEscape(c byte) bool {
	switch c {
	case packetStart, packetEnd, escapeByte, runLengthByte:
		return true
	}
	return false
}

// Escape appends data to dst with the binary escapes applied.
func Escape(dst, data []byte) []byte {
	for _, c := range data {
		if needsEscape(c) {
			dst = append(dst, escapeByte, c^escapeXOR)
			continue
		}
		dst = append(dst, c)
	}
	return dst
}

// Unescape appends data to dst with the binary escapes removed.
func Unescape(dst, data []byte) ([]byte, error) {
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c == escapeByte {
			i++
			if i == len(data) {
				return dst, pkg.ErrProtocol
			}
			c = data[i] ^ escapeXOR
		}
		dst = append(dst, c)
	}
	return dst, nil
}

// ExpandRunLength appends data to dst with run-length encoding expanded.
// "X*n" repeats X a further n-29 times. Escapes are kept, so a literal '*'
// in binary data is never taken as a run, and a run after an escaped pair
// repeats the whole pair.
func ExpandRunLength(dst, data []byte) ([]byte, error) {
	var (
		last [2]byte // previous character, as sent
		size int
	)
	for i := 0; i < len(data); i++ {
		c := data[i]
		switch c {
		case escapeByte:
			if i+1 == len(data) {
				return dst, pkg.ErrProtocol
			}
			i++
			last, size = [2]byte{c, data[i]}, 2
			dst = append(dst, last[:size]...)
		case runLengthByte:
			if size == 0 || i+1 == len(data) {
				return dst, pkg.ErrProtocol
			}
			i++
			n := int(data[i]) - runLengthBias
			if n < 0 {
				return dst, pkg.ErrProtocol
			}
			for range n {
				dst = append(dst, last[:size]...)
			}
		default:
			last, size = [2]byte{c}, 1
			dst = append(dst, c)
		}
	}
	return dst, nil
}

// escapedLen returns the size of data after Escape.
func escapedLen(data []byte) int {
	n := len(data)
	for _, c := range data {
		if needsEscape(c) {
			n++
		}
	}
	return n
}
