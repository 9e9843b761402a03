// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ffutop/gomodbus/databank"
)

// On-disk image:
//
//	0   magic "MBDB"
//	4   version (uint16)
//	6   reserved
//	8   4 x {start uint32, count uint32} in Kind order
//	40  cells of every table, 2 bytes each, big-endian, in Kind order
//
// Bit tables use one cell per bit so that offsets do not depend on kind.
const (
	magic      = "MBDB"
	version    = 1
	headerSize = 40
	cellSize   = 2
)

var errLayoutMismatch = errors.New("persistence: image does not match layout")

// image maps bank addresses to offsets of a persisted image.
type image struct {
	layout databank.Layout
	base   [4]int
	size   int
}

func newImage(l databank.Layout) image {
	im := image{layout: l}
	off := headerSize
	for k := databank.Coils; k <= databank.InputRegisters; k++ {
		im.base[k] = off
		off += l.Range(k).Count * cellSize
	}
	im.size = off
	return im
}

// offset returns the byte offset of address a in table k.
func (im image) offset(k databank.Kind, a int) int {
	return im.base[k] + (a-im.layout.Range(k).Start)*cellSize
}

func (im image) header() []byte {
	h := make([]byte, headerSize)
	copy(h, magic)
	binary.BigEndian.PutUint16(h[4:], version)
	for k := databank.Coils; k <= databank.InputRegisters; k++ {
		r := im.layout.Range(k)
		binary.BigEndian.PutUint32(h[8+8*int(k):], uint32(r.Start))
		binary.BigEndian.PutUint32(h[12+8*int(k):], uint32(r.Count))
	}
	return h
}

// check verifies that raw starts with the header of im and is large enough.
func (im image) check(raw []byte) error {
	if len(raw) < im.size {
		return fmt.Errorf("%w: size %d, want %d", errLayoutMismatch, len(raw), im.size)
	}
	if !bytes.Equal(raw[:headerSize], im.header()) {
		return fmt.Errorf("%w: header % X", errLayoutMismatch, raw[:8])
	}
	return nil
}

// encode writes the cells [a, a+n) of table k into dst, which is the whole image.
func (im image) encode(dst []byte, b *databank.Bank, k databank.Kind, a, n int) error {
	cells := make([]uint16, n)
	if err := b.Table(k).ReadUint16s(a, cells); err != nil {
		return err
	}
	off := im.offset(k, a)
	for i, v := range cells {
		binary.BigEndian.PutUint16(dst[off+i*cellSize:], v)
	}
	return nil
}

// encodeAll renders the header and every table of b.
func (im image) encodeAll(dst []byte, b *databank.Bank) error {
	copy(dst, im.header())
	for k := databank.Coils; k <= databank.InputRegisters; k++ {
		r := im.layout.Range(k)
		if r.Count == 0 {
			continue
		}
		if err := im.encode(dst, b, k, r.Start, r.Count); err != nil {
			return err
		}
	}
	return nil
}

// decodeAll loads every table of b from src.
func (im image) decodeAll(src []byte, b *databank.Bank) error {
	for k := databank.Coils; k <= databank.InputRegisters; k++ {
		r := im.layout.Range(k)
		if r.Count == 0 {
			continue
		}
		cells := make([]uint16, r.Count)
		off := im.base[k]
		for i := range cells {
			cells[i] = binary.BigEndian.Uint16(src[off+i*cellSize:])
		}
		if err := b.Table(k).WriteUint16s(r.Start, cells); err != nil {
			return err
		}
	}
	return nil
}
