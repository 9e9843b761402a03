// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ffutop/gomodbus/modbus"
)

// requestHeaderSize covers the byte count of a write multiple request.
const requestHeaderSize = 7

// ErrMalformedRequest is returned for request frames whose length cannot be
// determined.
var ErrMalformedRequest = errors.New("modbus: malformed request frame")

// IsFrameError reports whether err came from garbage on the line rather than
// from the line itself. Reading may continue after the input is drained.
func IsFrameError(err error) bool {
	return errors.Is(err, ErrMalformedRequest) || errors.Is(err, ErrCRC) || errors.Is(err, modbus.ErrTimeout)
}

// RequestReader reads request frames on the slave side of an RTU byte stream.
type RequestReader struct {
	R modbus.DeadlineReader
	// Timeout bounds the rest of a frame once its first byte arrived.
	Timeout time.Duration
	Logger  *slog.Logger

	buf [MaxSize]byte
}

// NewRequestReader returns a RequestReader over r with default settings.
func NewRequestReader(r modbus.DeadlineReader) *RequestReader {
	return &RequestReader{R: r, Timeout: DefaultTimeout, Logger: slog.Default()}
}

// ReadRequest waits for the first byte of a frame until idle (zero leaves the
// deadline to the stream), then reads the frame the request header announces and checks its
// CRC. The returned ADU aliases the reader's buffer until the next call.
//
// An unknown function code or a CRC mismatch leaves the stream position
// unknown; the caller decides whether to resynchronize or hang up.
func (r *RequestReader) ReadRequest(ctx context.Context, idle time.Time) (*ApplicationDataUnit, error) {
	frame := r.buf[:]
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.R.SetReadDeadline(idle); err != nil {
			return nil, err
		}
		n, err := r.R.Read(frame[:1])
		if n == 1 {
			break
		}
		switch {
		case err == nil:
		case modbus.IsTimeout(err) && !idle.IsZero() && time.Now().Before(idle):
		case modbus.IsTimeout(err) && !idle.IsZero():
			return nil, fmt.Errorf("%w: no request before idle deadline", modbus.ErrTimeout)
		default:
			return nil, err
		}
	}

	deadline := time.Now().Add(r.Timeout)
	if _, err := modbus.ReadFull(r.R, frame[1:requestHeaderSize], deadline); err != nil {
		return nil, err
	}
	size, err := CalculateRequestLength(frame[1], frame[:requestHeaderSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	if size > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformedRequest, size, MaxSize)
	}
	if _, err := modbus.ReadFull(r.R, frame[requestHeaderSize:size], deadline); err != nil {
		return nil, err
	}
	frame = frame[:size]
	r.logger().Debug("recv rtu request", "request", hex.EncodeToString(frame))
	adu, err := Decode(frame)
	if err != nil && !errors.Is(err, ErrCRC) {
		err = fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	return adu, err
}

func (r *RequestReader) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// EncodeResponse appends the response frame for unitID to dst.
func EncodeResponse(dst []byte, unitID byte, pdu *modbus.PDU) ([]byte, error) {
	adu := ApplicationDataUnit{UnitID: unitID, PDU: pdu.Bytes()}
	return adu.Encode(dst)
}
