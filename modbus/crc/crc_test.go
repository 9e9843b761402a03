// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package crc

import (
	"math/rand"
	"testing"

	"github.com/sigurn/crc16"
)

func TestCRC(t *testing.T) {
	var crc CRC
	crc.Reset()
	crc.PushBytes([]byte{0x02, 0x07})

	if crc.Value() != 0x1241 {
		t.Fatalf("crc expected %v, actual %v", 0x1241, crc.Value())
	}
}

func TestAppend(t *testing.T) {
	frame := Append([]byte{0x01, 0x05, 0x00, 0x05, 0xFF, 0x00})
	if frame[6] != 0x9C || frame[7] != 0x3B {
		t.Fatalf("unexpected crc bytes % X", frame[6:])
	}
	if !Valid(frame) {
		t.Fatal("appended frame does not validate")
	}
}

func TestMatchesReferenceImplementation(t *testing.T) {
	ref := crc16.MakeTable(crc16.CRC16_MODBUS)
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		b := make([]byte, rnd.Intn(256))
		rnd.Read(b)
		if got, want := Checksum(b), crc16.Checksum(b, ref); got != want {
			t.Fatalf("len %d: got %04X, want %04X", len(b), got, want)
		}
	}
}

func TestSingleBitFlipFailsValidation(t *testing.T) {
	rnd := rand.New(rand.NewSource(2))
	for i := 0; i < 50; i++ {
		payload := make([]byte, 1+rnd.Intn(32))
		rnd.Read(payload)
		frame := Append(payload)
		if !Valid(frame) {
			t.Fatalf("round trip failed for % X", frame)
		}
		for bit := 0; bit < len(payload)*8; bit++ {
			frame[bit/8] ^= 1 << (bit % 8)
			if Valid(frame) {
				t.Fatalf("flip of bit %d in % X not detected", bit, payload)
			}
			frame[bit/8] ^= 1 << (bit % 8)
		}
	}
}

func TestValidShortFrame(t *testing.T) {
	if Valid([]byte{0x01}) {
		t.Error("1 byte frame reported valid")
	}
}
