// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import "math"

// WordOrder tells how a device spreads a 32-bit value over two registers.
type WordOrder int

const (
	// HighWordFirst is plain big-endian: the first register holds the high word.
	HighWordFirst WordOrder = iota
	// LowWordFirst is the word swapped (middle-endian) layout.
	LowWordFirst
)

func (o WordOrder) String() string {
	if o == LowWordFirst {
		return "low-word-first"
	}
	return "high-word-first"
}

// Uint32FromWords combines two consecutive registers.
func Uint32FromWords(first, second uint16, order WordOrder) uint32 {
	if order == LowWordFirst {
		first, second = second, first
	}
	return uint32(first)<<16 | uint32(second)
}

// Int32FromWords is Uint32FromWords reinterpreted as signed.
func Int32FromWords(first, second uint16, order WordOrder) int32 {
	return int32(Uint32FromWords(first, second, order))
}

// Float32FromWords reinterprets two registers as an IEEE-754 single.
func Float32FromWords(first, second uint16, order WordOrder) float32 {
	return math.Float32frombits(Uint32FromWords(first, second, order))
}

// WordsFromUint32 splits v into the two registers to write, in order.
func WordsFromUint32(v uint32, order WordOrder) (first, second uint16) {
	hi, lo := uint16(v>>16), uint16(v)
	if order == LowWordFirst {
		return lo, hi
	}
	return hi, lo
}

// WordsFromFloat32 splits the bits of f into two registers.
func WordsFromFloat32(f float32, order WordOrder) (first, second uint16) {
	return WordsFromUint32(math.Float32bits(f), order)
}
