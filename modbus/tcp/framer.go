// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/ffutop/gomodbus/modbus"
)

const DefaultTimeout = time.Second

// Framer carries MBAP frames over a TCP stream.
//
// A response that does not match the outstanding transaction leaves the
// stream position unknown, so the connection is dropped and reopened on the
// next request.
type Framer struct {
	Stream         modbus.Stream
	Timeout        time.Duration
	Pause          time.Duration
	KeepConnection bool
	Logger         *slog.Logger

	tid  TransactionCounter
	last uint16
	buf  [MaxSize]byte
}

// NewFramer returns a Framer over s with default settings.
func NewFramer(s modbus.Stream) *Framer {
	return &Framer{
		Stream:         s,
		Timeout:        DefaultTimeout,
		KeepConnection: true,
		Logger:         slog.Default(),
	}
}

// Send writes the request frame with a fresh transaction id.
func (f *Framer) Send(ctx context.Context, req *modbus.Request) (err error) {
	if err = modbus.Sleep(ctx, f.Pause); err != nil {
		return err
	}
	if err = f.Stream.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Stream.Close()
		}
	}()

	if n, err := modbus.Drain(f.Stream); err != nil {
		return fmt.Errorf("modbus: drain stale input: %w", err)
	} else if n > 0 {
		f.logger().Warn("Discarded stale input", "bytes", n)
	}

	f.last = f.tid.Next()
	adu := ApplicationDataUnit{TransactionID: f.last, UnitID: req.UnitID, PDU: req.PDU.Bytes()}
	raw, err := adu.Encode(f.buf[:0])
	if err != nil {
		return err
	}
	f.logger().Debug("send tcp frame", "request", hex.EncodeToString(raw))
	if _, err = f.Stream.Write(raw); err != nil {
		return fmt.Errorf("modbus: write request: %w", err)
	}
	return nil
}

// Receive reads the response frame for the last request sent.
func (f *Framer) Receive(ctx context.Context, req *modbus.Request, resp *modbus.PDU) (err error) {
	defer func() {
		switch modbus.ResultOf(err) {
		case modbus.ResultOK, modbus.ResultException, modbus.ResultTimeout:
			if f.KeepConnection {
				return
			}
		}
		f.Stream.Close()
	}()
	if err = f.Stream.Open(ctx); err != nil {
		return err
	}

	deadline := modbus.Deadline(ctx, f.Timeout)
	frame := f.buf[:]
	if _, err = modbus.ReadFull(f.Stream, frame[:HeaderSize+1], deadline); err != nil {
		return err
	}
	tid := binary.BigEndian.Uint16(frame[0:])
	proto := binary.BigEndian.Uint16(frame[2:])
	length := int(binary.BigEndian.Uint16(frame[4:]))
	switch {
	case tid != f.last:
		return modbus.BadResponse("transaction id '%v' does not match request '%v'", tid, f.last)
	case proto != 0:
		return modbus.BadResponse("protocol id '%v' is not modbus", proto)
	case frame[6] != req.UnitID:
		return modbus.BadResponse("unit id '%v' does not match request '%v'", frame[6], req.UnitID)
	}

	fc := req.PDU.Function()
	switch {
	case frame[7] == fc|modbus.ExceptionFlag && length == exceptionLength:
	case frame[7] == fc && length == req.ResponseSize+1:
	default:
		return modbus.BadResponse("unexpected function '%02X' with length '%v'", frame[7], length)
	}
	size := PrefixSize + length
	if size > MaxSize {
		return fmt.Errorf("%w: response size %d", modbus.ErrInvalidArgument, req.ResponseSize)
	}
	if _, err = modbus.ReadFull(f.Stream, frame[HeaderSize+1:size], deadline); err != nil {
		return err
	}
	frame = frame[:size]
	f.logger().Debug("recv tcp frame", "response", hex.EncodeToString(frame))

	if err = resp.SetBytes(frame[HeaderSize:]); err != nil {
		return err
	}
	if resp.IsException() {
		return &modbus.ExceptionError{Function: fc, Code: resp.ExceptionCode()}
	}
	return nil
}

// Close closes the underlying stream.
func (f *Framer) Close() error {
	return f.Stream.Close()
}

func (f *Framer) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

var _ modbus.Transporter = (*Framer)(nil)
