// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package databank holds the server side address spaces: one Table per
// Modbus data kind, grouped in a Bank.
package databank

import (
	"fmt"
	"sync"

	"github.com/ffutop/gomodbus/modbus"
)

const (
	MaxAddress = 65535
)

// Kind represents the type of Modbus data table.
type Kind int

const (
	Coils Kind = iota
	DiscreteInputs
	HoldingRegisters
	InputRegisters

	numKinds = 4
)

func (k Kind) String() string {
	switch k {
	case Coils:
		return "coils"
	case DiscreteInputs:
		return "discrete_inputs"
	case HoldingRegisters:
		return "holding_registers"
	case InputRegisters:
		return "input_registers"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsBit reports whether cells of this kind are single bits.
func (k Kind) IsBit() bool {
	return k == Coils || k == DiscreteInputs
}

// Table is a contiguous, thread safe range of cells starting at a fixed
// address. Bit tables store 0 or 1 per cell.
type Table struct {
	kind  Kind
	start int

	mu    sync.RWMutex
	cells []uint16
}

// NewTable creates a zeroed table covering [start, start+count-1].
func NewTable(kind Kind, start, count int) (*Table, error) {
	if start < 0 || count < 0 || start+count > MaxAddress+1 {
		return nil, fmt.Errorf("%w: %s table start %d count %d", modbus.ErrInvalidArgument, kind, start, count)
	}
	return &Table{
		kind:  kind,
		start: start,
		cells: make([]uint16, count),
	}, nil
}

func (t *Table) Kind() Kind { return t.kind }

// Start returns the first valid address.
func (t *Table) Start() int { return t.start }

// Count returns the number of cells.
func (t *Table) Count() int { return len(t.cells) }

// IsValidAddress reports whether start <= a <= start+count-1.
func (t *Table) IsValidAddress(a int) bool {
	return a >= t.start && a <= t.start+len(t.cells)-1
}

// IsValidRange reports whether n cells starting at a are all valid.
func (t *Table) IsValidRange(a, n int) bool {
	return n > 0 && t.IsValidAddress(a) && t.IsValidAddress(a+n-1)
}

// Uint16 returns the register at address a.
func (t *Table) Uint16(a int) (uint16, error) {
	if !t.IsValidAddress(a) {
		return 0, t.rangeError(a, 1)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cells[a-t.start], nil
}

// Int16 returns the register at address a as a signed value.
func (t *Table) Int16(a int) (int16, error) {
	v, err := t.Uint16(a)
	return int16(v), err
}

// SetUint16 stores v at address a.
func (t *Table) SetUint16(a int, v uint16) error {
	if !t.IsValidAddress(a) {
		return t.rangeError(a, 1)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cells[a-t.start] = v
	return nil
}

// SetInt16 stores the bit pattern of v at address a.
func (t *Table) SetInt16(a int, v int16) error {
	return t.SetUint16(a, uint16(v))
}

// Bool returns the cell at a as a bit.
func (t *Table) Bool(a int) (bool, error) {
	v, err := t.Uint16(a)
	return v != 0, err
}

// SetBool stores a bit at address a.
func (t *Table) SetBool(a int, v bool) error {
	return t.SetUint16(a, boolCell(v))
}

// ReadUint16s copies len(dst) cells starting at a under one lock.
func (t *Table) ReadUint16s(a int, dst []uint16) error {
	if !t.IsValidRange(a, len(dst)) {
		return t.rangeError(a, len(dst))
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	copy(dst, t.cells[a-t.start:])
	return nil
}

// WriteUint16s stores src starting at a under one lock.
func (t *Table) WriteUint16s(a int, src []uint16) error {
	if !t.IsValidRange(a, len(src)) {
		return t.rangeError(a, len(src))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	copy(t.cells[a-t.start:], src)
	return nil
}

// ReadBools copies len(dst) bits starting at a under one lock.
func (t *Table) ReadBools(a int, dst []bool) error {
	if !t.IsValidRange(a, len(dst)) {
		return t.rangeError(a, len(dst))
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range dst {
		dst[i] = t.cells[a-t.start+i] != 0
	}
	return nil
}

// WriteBools stores src starting at a under one lock.
func (t *Table) WriteBools(a int, src []bool) error {
	if !t.IsValidRange(a, len(src)) {
		return t.rangeError(a, len(src))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, v := range src {
		t.cells[a-t.start+i] = boolCell(v)
	}
	return nil
}

func (t *Table) rangeError(a, n int) error {
	return fmt.Errorf("%w: %s %d+%d outside %d..%d", modbus.ErrOutOfRange, t.kind, a, n, t.start, t.start+len(t.cells)-1)
}

func boolCell(v bool) uint16 {
	if v {
		return 1
	}
	return 0
}
