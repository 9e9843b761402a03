// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import "time"

const (
	// MinSize is unit id, function code and CRC.
	MinSize = 4
	MaxSize = 256

	// ExceptionSize is unit id, function code, exception code and CRC.
	ExceptionSize = 5

	// headerSize is what must be read before the exception bit is known.
	headerSize = 2
	crcSize    = 2

	DefaultTimeout = time.Second
)
