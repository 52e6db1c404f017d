// Package stream reads fixed-width integers from a byte image in either byte
// order. Jump-table entries and instruction immediates are read through it.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrStreamEOF = errors.New("stream: unexpected end of data")
	ErrBadWidth  = errors.New("stream: unsupported width")
)

// Stream reads integers from data starting at a position.
type Stream struct {
	data  []byte
	pos   int
	end   int
	order binary.ByteOrder
}

// NewStreamOrder creates a stream over data using the given byte order. A
// nil order reads little-endian.
func NewStreamOrder(data []byte, order binary.ByteOrder) *Stream {
	if order == nil {
		order = binary.LittleEndian
	}
	return &Stream{data: data, end: len(data), order: order}
}

// ReadByte reads a single byte.
func (s *Stream) ReadByte() (byte, error) {
	if s.pos >= s.end {
		return 0, ErrStreamEOF
	}
	b := s.data[s.pos]
	s.pos++
	return b, nil
}

// ReadUint16 reads a uint16.
func (s *Stream) ReadUint16() (uint16, error) {
	if s.pos+2 > s.end {
		return 0, ErrStreamEOF
	}
	v := s.order.Uint16(s.data[s.pos:])
	s.pos += 2
	return v, nil
}

// ReadUint32 reads a uint32.
func (s *Stream) ReadUint32() (uint32, error) {
	if s.pos+4 > s.end {
		return 0, ErrStreamEOF
	}
	v := s.order.Uint32(s.data[s.pos:])
	s.pos += 4
	return v, nil
}

// ReadUint64 reads a uint64.
func (s *Stream) ReadUint64() (uint64, error) {
	if s.pos+8 > s.end {
		return 0, ErrStreamEOF
	}
	v := s.order.Uint64(s.data[s.pos:])
	s.pos += 8
	return v, nil
}

// ReadUint reads an unsigned integer of width bytes (1, 2, 4 or 8),
// zero-extended to 64 bits.
func (s *Stream) ReadUint(width int) (uint64, error) {
	switch width {
	case 1:
		b, err := s.ReadByte()
		return uint64(b), err
	case 2:
		v, err := s.ReadUint16()
		return uint64(v), err
	case 4:
		v, err := s.ReadUint32()
		return uint64(v), err
	case 8:
		return s.ReadUint64()
	}
	return 0, fmt.Errorf("%w: %d", ErrBadWidth, width)
}

// SignExtend sign-extends the low bits of v to 64 bits.
func SignExtend(v uint64, bits int) int64 {
	if bits <= 0 || bits >= 64 {
		return int64(v)
	}
	shift := 64 - uint(bits)
	return int64(v<<shift) >> shift
}

// Truncate keeps the low bits of v.
func Truncate(v uint64, bits int) uint64 {
	if bits <= 0 || bits >= 64 {
		return v
	}
	return v & (uint64(1)<<uint(bits) - 1)
}
