// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/ffutop/gomodbus/modbus"
	"github.com/ffutop/gomodbus/modbus/crc"
)

// CalculateRequestLength returns the expected total length of the Request RTU ADU based on the header.
func CalculateRequestLength(funcCode byte, header []byte) (int, error) {
	// Header should be at least 7 bytes to cover ByteCount for 0x0F/0x10.
	// [SlaveID, Func, Appd1, Appd2, Appd3, Appd4/ByteCount]

	switch funcCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister:
		// Fixed 8 bytes: [SlaveID, Func, Addr(2), Val(2), CRC(2)]
		return 8, nil
	case modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		// Req: [SlaveID, Func, Addr(2), Quant(2), ByteCount(1), Data(N), CRC(2)]
		if len(header) < 7 {
			return 0, fmt.Errorf("need 7 bytes to determine length for 0x%02X, got %d", funcCode, len(header))
		}
		byteCount := int(header[6])
		return 7 + byteCount + 2, nil
	default:
		return 0, fmt.Errorf("unsupported function code: 0x%02X", funcCode)
	}
}

// Framer carries RTU frames over a byte stream: a serial line or a TCP
// socket (RTU over TCP).
type Framer struct {
	Stream modbus.Stream
	// Timeout bounds the wait for a complete response.
	Timeout time.Duration
	// Pause is slept before every request, for slow devices.
	Pause time.Duration
	// FrameDelay is the minimum silence between two frames on the line.
	FrameDelay time.Duration
	// KeepConnection leaves the stream open between requests.
	KeepConnection bool
	// ReconnectOnBadResponse closes the stream after a bad response so the
	// next request starts on a fresh connection.
	ReconnectOnBadResponse bool
	Logger                 *slog.Logger

	lastFrame time.Time
	buf       [MaxSize]byte
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

// Send writes the request frame.
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

	adu := ApplicationDataUnit{UnitID: req.UnitID, PDU: req.PDU.Bytes()}
	raw, err := adu.Encode(f.buf[:0])
	if err != nil {
		return err
	}

	if f.FrameDelay > 0 {
		if err = modbus.Sleep(ctx, f.FrameDelay-time.Since(f.lastFrame)); err != nil {
			return err
		}
	}
	f.logger().Debug("send rtu frame", "request", hex.EncodeToString(raw))
	if _, err = f.Stream.Write(raw); err != nil {
		return fmt.Errorf("modbus: write request: %w", err)
	}
	f.lastFrame = time.Now()
	return nil
}

// Receive reads the response frame for req into resp.
func (f *Framer) Receive(ctx context.Context, req *modbus.Request, resp *modbus.PDU) (err error) {
	defer func() {
		f.lastFrame = time.Now()
		if f.closeAfter(err) {
			f.Stream.Close()
		}
	}()
	if err = f.Stream.Open(ctx); err != nil {
		return err
	}

	deadline := modbus.Deadline(ctx, f.Timeout)
	frame := f.buf[:]
	if _, err = modbus.ReadFull(f.Stream, frame[:headerSize], deadline); err != nil {
		return err
	}
	if frame[0] != req.UnitID {
		return modbus.BadResponse("unit id %d does not match request %d", frame[0], req.UnitID)
	}

	fc := req.PDU.Function()
	var size int
	switch frame[1] {
	case fc:
		size = 1 + req.ResponseSize + crcSize
	case fc | modbus.ExceptionFlag:
		size = ExceptionSize
	default:
		return modbus.BadResponse("function code %02X does not match request %02X", frame[1], fc)
	}
	if size > MaxSize {
		return fmt.Errorf("%w: response size %d", modbus.ErrInvalidArgument, req.ResponseSize)
	}
	if _, err = modbus.ReadFull(f.Stream, frame[headerSize:size], deadline); err != nil {
		return err
	}
	frame = frame[:size]
	f.logger().Debug("recv rtu frame", "response", hex.EncodeToString(frame))

	if !crc.Valid(frame) {
		return fmt.Errorf("%w: %w", modbus.ErrBadResponse, ErrCRC)
	}
	if err = resp.SetBytes(frame[1 : size-crcSize]); err != nil {
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

func (f *Framer) closeAfter(err error) bool {
	switch modbus.ResultOf(err) {
	case modbus.ResultOK, modbus.ResultException, modbus.ResultTimeout:
		return !f.KeepConnection
	case modbus.ResultBadResponse:
		return !f.KeepConnection || f.ReconnectOnBadResponse
	default:
		return true
	}
}

var _ modbus.Transporter = (*Framer)(nil)
