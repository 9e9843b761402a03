// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
)

// Outcomes of a request that a caller may retry or inspect.
var (
	ErrTimeout     = errors.New("modbus: request timed out")
	ErrBadResponse = errors.New("modbus: bad response")
)

// Contract violations. They never reach the wire.
var (
	ErrInvalidArgument = errors.New("modbus: invalid argument")
	ErrIllegalState    = errors.New("modbus: illegal state")
	ErrOutOfRange      = errors.New("modbus: address out of range")
	ErrSize            = errors.New("modbus: invalid pdu size")
	ErrBounds          = errors.New("modbus: offset out of bounds")
)

// ExceptionError is returned when the remote unit answered with an exception PDU.
type ExceptionError struct {
	Function byte
	Code     ExceptionCode
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: %s: %s", FunctionName(e.Function), e.Code)
}

// Unwrap lets errors.Is match the bare ExceptionCode.
func (e *ExceptionError) Unwrap() error {
	return e.Code
}

// Result classifies the outcome of one request/response cycle.
type Result int

const (
	ResultOK Result = iota
	ResultTimeout
	ResultException
	ResultBadResponse
	// ResultIOError covers transport failures such as a reset connection.
	ResultIOError
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultTimeout:
		return "timeout"
	case ResultException:
		return "exception"
	case ResultBadResponse:
		return "bad response"
	default:
		return "io error"
	}
}

// ResultOf maps an error returned by a Transporter to its Result.
func ResultOf(err error) Result {
	var exc *ExceptionError
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrTimeout):
		return ResultTimeout
	case errors.As(err, &exc):
		return ResultException
	case errors.Is(err, ErrBadResponse):
		return ResultBadResponse
	default:
		return ResultIOError
	}
}

// BadResponse wraps ErrBadResponse with a reason.
func BadResponse(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadResponse, fmt.Sprintf(format, args...))
}
