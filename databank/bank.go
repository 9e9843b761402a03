// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package databank

import (
	"fmt"
	"sync"

	"github.com/TheCount/go-multilocker/multilocker"
)

// Range is the address window of one table.
type Range struct {
	Start int `mapstructure:"start"`
	Count int `mapstructure:"count"`
}

// Layout configures the windows of the four tables of a Bank.
type Layout struct {
	Coils            Range `mapstructure:"coils"`
	DiscreteInputs   Range `mapstructure:"discrete_inputs"`
	HoldingRegisters Range `mapstructure:"holding_registers"`
	InputRegisters   Range `mapstructure:"input_registers"`
}

// DefaultLayout gives every table 100 cells starting at address 0.
func DefaultLayout() Layout {
	r := Range{Start: 0, Count: 100}
	return Layout{Coils: r, DiscreteInputs: r, HoldingRegisters: r, InputRegisters: r}
}

// Range returns the window configured for kind k.
func (l Layout) Range(k Kind) Range {
	switch k {
	case Coils:
		return l.Coils
	case DiscreteInputs:
		return l.DiscreteInputs
	case HoldingRegisters:
		return l.HoldingRegisters
	default:
		return l.InputRegisters
	}
}

// Bank groups one table of every kind.
type Bank struct {
	tables [numKinds]*Table
}

// NewBank allocates the four tables described by l.
func NewBank(l Layout) (*Bank, error) {
	b := &Bank{}
	for k := Kind(0); k < numKinds; k++ {
		r := l.Range(k)
		t, err := NewTable(k, r.Start, r.Count)
		if err != nil {
			return nil, err
		}
		b.tables[k] = t
	}
	return b, nil
}

// Table returns the table of kind k.
func (b *Bank) Table(k Kind) *Table {
	if k < 0 || k >= numKinds {
		panic(fmt.Sprintf("databank: unknown kind %d", int(k)))
	}
	return b.tables[k]
}

func (b *Bank) Coils() *Table            { return b.tables[Coils] }
func (b *Bank) DiscreteInputs() *Table   { return b.tables[DiscreteInputs] }
func (b *Bank) HoldingRegisters() *Table { return b.tables[HoldingRegisters] }
func (b *Bank) InputRegisters() *Table   { return b.tables[InputRegisters] }

// Layout reports the windows of the bank's tables.
func (b *Bank) Layout() Layout {
	var l Layout
	for _, t := range b.tables {
		r := Range{Start: t.start, Count: len(t.cells)}
		switch t.kind {
		case Coils:
			l.Coils = r
		case DiscreteInputs:
			l.DiscreteInputs = r
		case HoldingRegisters:
			l.HoldingRegisters = r
		case InputRegisters:
			l.InputRegisters = r
		}
	}
	return l
}

// Snapshot is a consistent copy of all cells of a Bank.
type Snapshot [numKinds][]uint16

// Snapshot copies every table while holding all table locks at once.
func (b *Bank) Snapshot() Snapshot {
	var s Snapshot
	lk := b.readLocker()
	lk.Lock()
	defer lk.Unlock()
	for k, t := range b.tables {
		s[k] = append([]uint16(nil), t.cells...)
	}
	return s
}

// Restore writes s back into the bank. Tables whose size differs from the
// snapshot are copied up to the shorter length.
func (b *Bank) Restore(s Snapshot) {
	lk := b.writeLocker()
	lk.Lock()
	defer lk.Unlock()
	for k, t := range b.tables {
		copy(t.cells, s[k])
	}
}

func (b *Bank) readLocker() sync.Locker {
	lockers := make([]sync.Locker, len(b.tables))
	for i, t := range b.tables {
		lockers[i] = t.mu.RLocker()
	}
	return multilocker.New(lockers...)
}

func (b *Bank) writeLocker() sync.Locker {
	lockers := make([]sync.Locker, len(b.tables))
	for i, t := range b.tables {
		lockers[i] = &t.mu
	}
	return multilocker.New(lockers...)
}
