// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the transport independent part of the protocol:
// function and exception codes, the PDU buffer, the result taxonomy and the
// byte channel contracts that framers drive.
package modbus

import "fmt"

// Function Codes
const (
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10

	// ExceptionFlag is set on the function code of an exception response.
	ExceptionFlag = 0x80
)

// Protocol limits.
const (
	MaxPDUSize = 253

	MaxReadBits       = 2000
	MaxReadRegisters  = 125
	MaxWriteCoils     = 1968
	MaxWriteRegisters = 123

	// CoilOn and CoilOff are the only values a write single coil request may carry.
	CoilOn  = 0xFF00
	CoilOff = 0x0000
)

// ExceptionCode is the reason a server rejected a request.
type ExceptionCode byte

// Exception Codes
const (
	ExceptionCodeIllegalFunction     ExceptionCode = 1
	ExceptionCodeIllegalDataAddress  ExceptionCode = 2
	ExceptionCodeIllegalDataValue    ExceptionCode = 3
	ExceptionCodeServerDeviceFailure ExceptionCode = 4
)

func (c ExceptionCode) String() string {
	switch c {
	case ExceptionCodeIllegalFunction:
		return "illegal function"
	case ExceptionCodeIllegalDataAddress:
		return "illegal data address"
	case ExceptionCodeIllegalDataValue:
		return "illegal data value"
	case ExceptionCodeServerDeviceFailure:
		return "server device failure"
	default:
		return fmt.Sprintf("exception code %d", byte(c))
	}
}

// Error implements error.
func (c ExceptionCode) Error() string {
	return "modbus: exception: " + c.String()
}

// FunctionName returns a readable name for log lines.
func FunctionName(fc byte) string {
	switch fc &^ ExceptionFlag {
	case FuncCodeReadCoils:
		return "ReadCoils"
	case FuncCodeReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncCodeReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncCodeReadInputRegisters:
		return "ReadInputRegisters"
	case FuncCodeWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncCodeWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncCodeWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncCodeWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	default:
		return fmt.Sprintf("0x%02X", fc&^ExceptionFlag)
	}
}

// BitBytes returns the number of bytes needed to pack n bits.
func BitBytes(n int) int {
	return (n + 7) / 8
}
