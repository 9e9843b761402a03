// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package databank

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ffutop/gomodbus/modbus"
)

func TestTable_IsValidAddress(t *testing.T) {
	tbl, err := NewTable(HoldingRegisters, 100, 10)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		addr int
		want bool
	}{
		{99, false},
		{100, true},
		{105, true},
		{109, true},
		{110, false},
	}
	for _, tt := range tests {
		if got := tbl.IsValidAddress(tt.addr); got != tt.want {
			t.Errorf("IsValidAddress(%d) = %v, want %v", tt.addr, got, tt.want)
		}
	}
	if tbl.IsValidRange(105, 6) {
		t.Error("IsValidRange(105, 6) crosses the end")
	}
	if !tbl.IsValidRange(100, 10) {
		t.Error("IsValidRange(100, 10) rejected the whole table")
	}
	if tbl.IsValidRange(100, 0) {
		t.Error("IsValidRange accepted an empty range")
	}
}

func TestTable_Accessors(t *testing.T) {
	tbl, _ := NewTable(HoldingRegisters, 0, 4)
	if err := tbl.SetInt16(2, -2); err != nil {
		t.Fatal(err)
	}
	if v, _ := tbl.Uint16(2); v != 0xFFFE {
		t.Errorf("Uint16(2) = %#x, want 0xfffe", v)
	}
	if v, _ := tbl.Int16(2); v != -2 {
		t.Errorf("Int16(2) = %d, want -2", v)
	}
	if err := tbl.SetUint16(4, 1); !errors.Is(err, modbus.ErrOutOfRange) {
		t.Errorf("SetUint16(4) err = %v, want out of range", err)
	}
	if _, err := tbl.Uint16(-1); !errors.Is(err, modbus.ErrOutOfRange) {
		t.Errorf("Uint16(-1) err = %v, want out of range", err)
	}
}

func TestTable_RangeOps(t *testing.T) {
	tbl, _ := NewTable(Coils, 10, 8)
	if err := tbl.WriteBools(12, []bool{true, false, true}); err != nil {
		t.Fatal(err)
	}
	got := make([]bool, 8)
	if err := tbl.ReadBools(10, got); err != nil {
		t.Fatal(err)
	}
	want := []bool{false, false, true, false, true, false, false, false}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadBools mismatch (-want +got):\n%s", diff)
	}
	if err := tbl.WriteBools(16, []bool{true, true, true}); !errors.Is(err, modbus.ErrOutOfRange) {
		t.Errorf("WriteBools past end err = %v", err)
	}
	if on, _ := tbl.Bool(17); on {
		t.Error("rejected write modified the table")
	}
}

func TestNewTable_Invalid(t *testing.T) {
	if _, err := NewTable(InputRegisters, 65530, 10); !errors.Is(err, modbus.ErrInvalidArgument) {
		t.Errorf("err = %v, want invalid argument", err)
	}
	if _, err := NewTable(InputRegisters, 0, 65536); err != nil {
		t.Errorf("full address space rejected: %v", err)
	}
}

func TestBank_SnapshotRestore(t *testing.T) {
	b, err := NewBank(DefaultLayout())
	if err != nil {
		t.Fatal(err)
	}
	b.HoldingRegisters().SetUint16(3, 123)
	b.Coils().SetBool(7, true)

	snap := b.Snapshot()
	b.HoldingRegisters().SetUint16(3, 9)
	b.Coils().SetBool(7, false)
	b.InputRegisters().SetUint16(0, 1)

	b.Restore(snap)
	if v, _ := b.HoldingRegisters().Uint16(3); v != 123 {
		t.Errorf("holding 3 = %d, want 123", v)
	}
	if on, _ := b.Coils().Bool(7); !on {
		t.Error("coil 7 not restored")
	}
	if v, _ := b.InputRegisters().Uint16(0); v != 0 {
		t.Errorf("input 0 = %d, want 0", v)
	}
}

func TestBank_Layout(t *testing.T) {
	l := Layout{
		Coils:            Range{Start: 1, Count: 2},
		DiscreteInputs:   Range{Start: 3, Count: 4},
		HoldingRegisters: Range{Start: 5, Count: 6},
		InputRegisters:   Range{Start: 7, Count: 8},
	}
	b, err := NewBank(l)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(l, b.Layout()); diff != "" {
		t.Errorf("Layout mismatch (-want +got):\n%s", diff)
	}
	if b.Table(DiscreteInputs).Start() != 3 {
		t.Error("Table(DiscreteInputs) returned the wrong table")
	}
}

func TestBank_ConcurrentAccess(t *testing.T) {
	b, _ := NewBank(DefaultLayout())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.HoldingRegisters().WriteUint16s(0, []uint16{uint16(i), uint16(i)})
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s := b.Snapshot()
				if s[HoldingRegisters][0] != s[HoldingRegisters][1] {
					t.Error("snapshot observed a torn range write")
					return
				}
			}
		}()
	}
	wg.Wait()
}
