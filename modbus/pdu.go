// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
)

// PDU is a fixed capacity Protocol Data Unit buffer.
//
// Byte 0 holds the function code, the payload follows. Every accessor is
// bounds checked against the declared size, never against the capacity.
// A PDU is owned by one in-flight request at a time.
type PDU struct {
	buf  [MaxPDUSize]byte
	size int
}

// Size returns the declared size in bytes. Zero means empty.
func (p *PDU) Size() int {
	return p.size
}

// SetSize declares the PDU size. Bytes past the previous size are zeroed.
func (p *PDU) SetSize(n int) error {
	if n < 1 || n > MaxPDUSize {
		return fmt.Errorf("%w: %d not in 1..%d", ErrSize, n, MaxPDUSize)
	}
	if n > p.size {
		clear(p.buf[p.size:n])
	}
	p.size = n
	return nil
}

// Reset empties the PDU. An empty response PDU means "do not respond".
func (p *PDU) Reset() {
	p.size = 0
}

// Bytes returns the declared bytes. The slice aliases the buffer.
func (p *PDU) Bytes() []byte {
	return p.buf[:p.size]
}

// SetBytes replaces the content with a copy of b.
func (p *PDU) SetBytes(b []byte) error {
	if err := p.SetSize(len(b)); err != nil {
		return err
	}
	copy(p.buf[:], b)
	return nil
}

// Function returns the function code byte, 0 when empty.
func (p *PDU) Function() byte {
	if p.size == 0 {
		return 0
	}
	return p.buf[0]
}

// SetFunction writes the function code byte.
func (p *PDU) SetFunction(fc byte) error {
	if p.size < 1 {
		return fmt.Errorf("%w: function code on empty pdu", ErrBounds)
	}
	p.buf[0] = fc
	return nil
}

// IsException reports whether the exception bit is set on the function code.
func (p *PDU) IsException() bool {
	return p.size > 0 && p.buf[0]&ExceptionFlag != 0
}

// SetException turns the PDU into the 2 byte exception response for fc.
func (p *PDU) SetException(fc byte, code ExceptionCode) {
	p.size = 2
	p.buf[0] = fc | ExceptionFlag
	p.buf[1] = byte(code)
}

// ExceptionCode returns the code of an exception PDU.
func (p *PDU) ExceptionCode() ExceptionCode {
	if p.size < 2 {
		return 0
	}
	return ExceptionCode(p.buf[1])
}

// Byte reads a raw byte at off.
func (p *PDU) Byte(off int) (byte, error) {
	if off < 0 || off >= p.size {
		return 0, p.boundsError(off, 1)
	}
	return p.buf[off], nil
}

// SetByte writes a raw payload byte. Offset 0 is reserved for the function code.
func (p *PDU) SetByte(off int, v byte) error {
	if off < 1 || off >= p.size {
		return p.boundsError(off, 1)
	}
	p.buf[off] = v
	return nil
}

// Uint16 reads the big-endian word at off (1..size-2).
func (p *PDU) Uint16(off int) (uint16, error) {
	if err := p.checkWord(off, 2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p.buf[off:]), nil
}

// Int16 reads the word at off as a signed value.
func (p *PDU) Int16(off int) (int16, error) {
	v, err := p.Uint16(off)
	return int16(v), err
}

// SetUint16 writes v big-endian at off (1..size-2).
func (p *PDU) SetUint16(off int, v uint16) error {
	if err := p.checkWord(off, 2); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(p.buf[off:], v)
	return nil
}

// SetInt16 writes the bit pattern of v at off.
func (p *PDU) SetInt16(off int, v int16) error {
	return p.SetUint16(off, uint16(v))
}

// Uint32 reads two consecutive words at off combined in the given order.
func (p *PDU) Uint32(off int, order WordOrder) (uint32, error) {
	if err := p.checkWord(off, 4); err != nil {
		return 0, err
	}
	first := binary.BigEndian.Uint16(p.buf[off:])
	second := binary.BigEndian.Uint16(p.buf[off+2:])
	return Uint32FromWords(first, second, order), nil
}

// Float32 reads two consecutive words at off as an IEEE-754 value.
func (p *PDU) Float32(off int, order WordOrder) (float32, error) {
	if err := p.checkWord(off, 4); err != nil {
		return 0, err
	}
	first := binary.BigEndian.Uint16(p.buf[off:])
	second := binary.BigEndian.Uint16(p.buf[off+2:])
	return Float32FromWords(first, second, order), nil
}

// Bit reads bit (0..7) of the byte at off.
func (p *PDU) Bit(off, bit int) (bool, error) {
	if off < 1 || off >= p.size || bit < 0 || bit > 7 {
		return false, p.boundsError(off, 1)
	}
	return p.buf[off]&(1<<bit) != 0, nil
}

// SetBit sets or clears bit (0..7) of the byte at off.
func (p *PDU) SetBit(off, bit int, v bool) error {
	if off < 1 || off >= p.size || bit < 0 || bit > 7 {
		return p.boundsError(off, 1)
	}
	if v {
		p.buf[off] |= 1 << bit
	} else {
		p.buf[off] &^= 1 << bit
	}
	return nil
}

// String renders the declared bytes in hex.
func (p *PDU) String() string {
	return hex.EncodeToString(p.Bytes())
}

func (p *PDU) checkWord(off, width int) error {
	if off < 1 || off+width > p.size {
		return p.boundsError(off, width)
	}
	return nil
}

func (p *PDU) boundsError(off, width int) error {
	return fmt.Errorf("%w: offset %d width %d size %d", ErrBounds, off, width, p.size)
}

var pduPool = sync.Pool{
	New: func() any { return new(PDU) },
}

// AcquirePDU takes an empty PDU from the pool.
func AcquirePDU() *PDU {
	p := pduPool.Get().(*PDU)
	p.Reset()
	return p
}

// ReleasePDU returns p to the pool. p must not be used afterwards.
func ReleasePDU(p *PDU) {
	pduPool.Put(p)
}
