// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/ffutop/gomodbus/modbus"
)

const (
	// HeaderSize is the MBAP header including the unit id.
	HeaderSize = 7
	// PrefixSize is the part of the header that carries the length field.
	PrefixSize = 6
	MinSize    = HeaderSize + 1
	MaxSize    = HeaderSize + modbus.MaxPDUSize

	// MinLength and MaxLength bound the length field: unit id plus PDU.
	MinLength = 2
	MaxLength = 1 + modbus.MaxPDUSize

	// exceptionLength is unit id, function code and exception code.
	exceptionLength = 3
)

// ApplicationDataUnit is a Modbus/TCP frame: MBAP header followed by the PDU.
type ApplicationDataUnit struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	UnitID        byte
	// PDU aliases the decoded frame.
	PDU []byte
}

// Header is the decoded 6 byte MBAP prefix.
type Header struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
}

// ParseHeader decodes and validates an MBAP prefix.
func ParseHeader(raw []byte) (Header, error) {
	if len(raw) < PrefixSize {
		return Header{}, fmt.Errorf("modbus: mbap prefix needs %d bytes, got %d", PrefixSize, len(raw))
	}
	h := Header{
		TransactionID: binary.BigEndian.Uint16(raw[0:]),
		ProtocolID:    binary.BigEndian.Uint16(raw[2:]),
		Length:        binary.BigEndian.Uint16(raw[4:]),
	}
	if h.ProtocolID != 0 {
		return h, fmt.Errorf("modbus: protocol id '%v' is not modbus", h.ProtocolID)
	}
	if h.Length < MinLength || h.Length > MaxLength {
		return h, fmt.Errorf("modbus: length field '%v' not within '%v'..'%v'", h.Length, MinLength, MaxLength)
	}
	return h, nil
}

// Decode parses a complete frame.
func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	if len(raw) < MinSize {
		err = fmt.Errorf("modbus: frame length '%v' does not meet minimum '%v'", len(raw), MinSize)
		return
	}
	h, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}
	if int(h.Length) != len(raw)-PrefixSize {
		err = fmt.Errorf("modbus: length field '%v' does not match frame length '%v'", h.Length, len(raw)-PrefixSize)
		return
	}
	adu = &ApplicationDataUnit{
		TransactionID: h.TransactionID,
		ProtocolID:    h.ProtocolID,
		Length:        h.Length,
		UnitID:        raw[6],
		PDU:           raw[HeaderSize:],
	}
	return
}

// Encode appends the frame to dst. The length field is derived from the PDU.
func (adu *ApplicationDataUnit) Encode(dst []byte) ([]byte, error) {
	if len(adu.PDU) == 0 || len(adu.PDU) > modbus.MaxPDUSize {
		return nil, fmt.Errorf("modbus: length of pdu '%v' must be within '1'..'%v'", len(adu.PDU), modbus.MaxPDUSize)
	}
	adu.Length = uint16(len(adu.PDU) + 1)
	dst = binary.BigEndian.AppendUint16(dst, adu.TransactionID)
	dst = binary.BigEndian.AppendUint16(dst, adu.ProtocolID)
	dst = binary.BigEndian.AppendUint16(dst, adu.Length)
	dst = append(dst, adu.UnitID)
	return append(dst, adu.PDU...), nil
}

// Verify checks that resp answers req.
func (req *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) error {
	if resp.TransactionID != req.TransactionID {
		return modbus.BadResponse("transaction id '%v' does not match request '%v'", resp.TransactionID, req.TransactionID)
	}
	if resp.ProtocolID != 0 {
		return modbus.BadResponse("protocol id '%v' is not modbus", resp.ProtocolID)
	}
	if resp.UnitID != req.UnitID {
		return modbus.BadResponse("unit id '%v' does not match request '%v'", resp.UnitID, req.UnitID)
	}
	return nil
}

// TransactionCounter hands out transaction ids 1..65535, wrapping back to 1.
type TransactionCounter struct {
	last atomic.Uint32
}

// Next returns the next transaction id.
func (c *TransactionCounter) Next() uint16 {
	for {
		old := c.last.Load()
		next := old + 1
		if next > 0xFFFF {
			next = 1
		}
		if c.last.CompareAndSwap(old, next) {
			return uint16(next)
		}
	}
}
