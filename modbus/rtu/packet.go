// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ffutop/gomodbus/modbus"
	"github.com/ffutop/gomodbus/modbus/crc"
)

// PacketFramer carries RTU frames in UDP datagrams, one frame per datagram.
type PacketFramer struct {
	Conn           modbus.Packet
	Timeout        time.Duration
	Pause          time.Duration
	KeepConnection bool
	Logger         *slog.Logger

	buf [MaxSize + 1]byte
}

// NewPacketFramer returns a PacketFramer over c with default settings.
func NewPacketFramer(c modbus.Packet) *PacketFramer {
	return &PacketFramer{
		Conn:           c,
		Timeout:        DefaultTimeout,
		KeepConnection: true,
		Logger:         slog.Default(),
	}
}

// Send writes the request datagram.
func (f *PacketFramer) Send(ctx context.Context, req *modbus.Request) error {
	if err := modbus.Sleep(ctx, f.Pause); err != nil {
		return err
	}
	if err := f.Conn.Open(ctx); err != nil {
		return err
	}
	if n, err := modbus.DrainPacket(f.Conn); err != nil {
		f.Conn.Close()
		return fmt.Errorf("modbus: drain stale datagrams: %w", err)
	} else if n > 0 {
		f.logger().Warn("Discarded stale datagrams", "count", n)
	}

	adu := ApplicationDataUnit{UnitID: req.UnitID, PDU: req.PDU.Bytes()}
	raw, err := adu.Encode(f.buf[:0])
	if err != nil {
		return err
	}
	f.logger().Debug("send rtu datagram", "request", hex.EncodeToString(raw), "peer", f.Conn.RemoteAddr())
	if _, err := f.Conn.Write(raw); err != nil {
		f.Conn.Close()
		return fmt.Errorf("modbus: write request: %w", err)
	}
	return nil
}

// Receive waits for the datagram answering req. Datagrams from other peers or
// for other units are ignored until the deadline.
func (f *PacketFramer) Receive(ctx context.Context, req *modbus.Request, resp *modbus.PDU) (err error) {
	defer func() {
		if !f.KeepConnection || modbus.ResultOf(err) == modbus.ResultIOError {
			f.Conn.Close()
		}
	}()
	if err = f.Conn.Open(ctx); err != nil {
		return err
	}

	peer := f.Conn.RemoteAddr()
	accept := func(b []byte, from net.Addr) bool {
		if !modbus.SameAddr(from, peer) {
			f.logger().Debug("Dropped datagram from unexpected peer", "from", from)
			return false
		}
		if len(b) < ExceptionSize || b[0] != req.UnitID {
			f.logger().Debug("Dropped datagram", "data", hex.EncodeToString(b))
			return false
		}
		return true
	}
	n, err := modbus.ReadPacket(f.Conn, f.buf[:], modbus.Deadline(ctx, f.Timeout), accept)
	if err != nil {
		return err
	}
	frame := f.buf[:n]
	f.logger().Debug("recv rtu datagram", "response", hex.EncodeToString(frame))

	fc := req.PDU.Function()
	switch {
	case frame[1] == fc|modbus.ExceptionFlag && n == ExceptionSize:
	case frame[1] == fc && n == 1+req.ResponseSize+crcSize:
	default:
		return modbus.BadResponse("unexpected datagram: function %02X, %d bytes", frame[1], n)
	}
	if !crc.Valid(frame) {
		return fmt.Errorf("%w: %w", modbus.ErrBadResponse, ErrCRC)
	}
	if err = resp.SetBytes(frame[1 : n-crcSize]); err != nil {
		return err
	}
	if resp.IsException() {
		return &modbus.ExceptionError{Function: fc, Code: resp.ExceptionCode()}
	}
	return nil
}

// Close closes the datagram channel.
func (f *PacketFramer) Close() error {
	return f.Conn.Close()
}

func (f *PacketFramer) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

var _ modbus.Transporter = (*PacketFramer)(nil)
