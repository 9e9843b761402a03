// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"

	"github.com/ffutop/gomodbus/modbus"
	"github.com/ffutop/gomodbus/modbus/crc"
)

// ErrCRC is returned by Decode when the trailing checksum does not match.
var ErrCRC = errors.New("modbus: crc mismatch")

// ApplicationDataUnit is an RTU frame:
//
//	Unit Address    : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes, low byte first
type ApplicationDataUnit struct {
	UnitID byte
	// PDU aliases the decoded frame.
	PDU []byte
}

// Decode validates raw and splits it into unit id and PDU.
func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	length := len(raw)
	// Minimum size (including address, function and CRC)
	if length < MinSize {
		err = fmt.Errorf("modbus: frame length '%v' does not meet minimum '%v'", length, MinSize)
		return
	}
	if length > MaxSize {
		err = fmt.Errorf("modbus: frame length '%v' exceeds maximum '%v'", length, MaxSize)
		return
	}
	if !crc.Valid(raw) {
		checksum := uint16(raw[length-1])<<8 | uint16(raw[length-2])
		err = fmt.Errorf("%w: received %04X, computed %04X", ErrCRC, checksum, crc.Checksum(raw[:length-2]))
		return
	}
	adu = &ApplicationDataUnit{
		UnitID: raw[0],
		PDU:    raw[1 : length-2],
	}
	return
}

// Encode appends the frame to dst and returns the extended slice.
func (adu *ApplicationDataUnit) Encode(dst []byte) ([]byte, error) {
	length := len(adu.PDU) + 3
	if len(adu.PDU) == 0 || len(adu.PDU) > modbus.MaxPDUSize {
		return nil, fmt.Errorf("modbus: length of frame '%v' must be within '%v'..'%v'", length, MinSize, MaxSize)
	}
	start := len(dst)
	dst = append(dst, adu.UnitID)
	dst = append(dst, adu.PDU...)
	sum := crc.Checksum(dst[start:])
	return append(dst, byte(sum), byte(sum>>8)), nil
}
