package webusb

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/ardnew/tildabridge/pkg"
)

// Builder appends little-endian descriptor fields to a caller-supplied
// buffer. Writes past the end of the buffer are dropped and reported by Err.
type Builder struct {
	buf      []byte
	pos      int
	overflow bool
}

// NewBuilder returns a builder writing into buf.
func NewBuilder(buf []byte) *Builder {
	return &Builder{buf: buf}
}

func (b *Builder) reserve(n int) []byte {
	if b.overflow || b.pos+n > len(b.buf) {
		b.overflow = true
		return nil
	}
	p := b.buf[b.pos : b.pos+n]
	b.pos += n
	return p
}

// Write appends raw bytes.
func (b *Builder) Write(data []byte) {
	if p := b.reserve(len(data)); p != nil {
		copy(p, data)
	}
}

// WriteU8 appends one byte.
func (b *Builder) WriteU8(v uint8) {
	if p := b.reserve(1); p != nil {
		p[0] = v
	}
}

// WriteU16 appends v in little-endian order.
func (b *Builder) WriteU16(v uint16) {
	if p := b.reserve(2); p != nil {
		binary.LittleEndian.PutUint16(p, v)
	}
}

// WriteU32 appends v in little-endian order.
func (b *Builder) WriteU32(v uint32) {
	if p := b.reserve(4); p != nil {
		binary.LittleEndian.PutUint32(p, v)
	}
}

// WriteUTF16 appends s as UTF-16LE code units. No terminator is added.
func (b *Builder) WriteUTF16(s string) {
	for _, cu := range utf16.Encode([]rune(s)) {
		b.WriteU16(cu)
	}
}

// PutU16 overwrites the 16-bit field at offset, for lengths that are only
// known once the enclosed descriptors are written.
func (b *Builder) PutU16(offset int, v uint16) {
	if offset < 0 || offset+2 > b.pos {
		b.overflow = true
		return
	}
	binary.LittleEndian.PutUint16(b.buf[offset:], v)
}

// Len returns the number of bytes written.
func (b *Builder) Len() int { return b.pos }

// Bytes returns the written bytes.
func (b *Builder) Bytes() []byte { return b.buf[:b.pos] }

// Err returns pkg.ErrBufferTooSmall if any write did not fit.
func (b *Builder) Err() error {
	if b.overflow {
		return pkg.ErrBufferTooSmall
	}
	return nil
}

// UTF16Len returns the encoded size of s in bytes.
func UTF16Len(s string) int {
	return 2 * len(utf16.Encode([]rune(s)))
}
