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
	"net"
	"time"

	"github.com/ffutop/gomodbus/modbus"
)

// PacketFramer carries MBAP frames in UDP datagrams, one frame per datagram.
type PacketFramer struct {
	Conn           modbus.Packet
	Timeout        time.Duration
	Pause          time.Duration
	KeepConnection bool
	Logger         *slog.Logger

	tid  TransactionCounter
	last uint16
	buf  [MaxSize + 1]byte
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

// Send writes the request datagram with a fresh transaction id.
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

	f.last = f.tid.Next()
	adu := ApplicationDataUnit{TransactionID: f.last, UnitID: req.UnitID, PDU: req.PDU.Bytes()}
	raw, err := adu.Encode(f.buf[:0])
	if err != nil {
		return err
	}
	f.logger().Debug("send tcp datagram", "request", hex.EncodeToString(raw), "peer", f.Conn.RemoteAddr())
	if _, err := f.Conn.Write(raw); err != nil {
		f.Conn.Close()
		return fmt.Errorf("modbus: write request: %w", err)
	}
	return nil
}

// Receive waits for the datagram echoing the last transaction id and unit.
// Anything else is dropped until the deadline.
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
		if len(b) < MinSize+1 || binary.BigEndian.Uint16(b) != f.last || b[6] != req.UnitID {
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
	f.logger().Debug("recv tcp datagram", "response", hex.EncodeToString(frame))

	adu, err := Decode(frame)
	if err != nil {
		return fmt.Errorf("%w: %w", modbus.ErrBadResponse, err)
	}
	sent := ApplicationDataUnit{TransactionID: f.last, UnitID: req.UnitID}
	if err = sent.Verify(adu); err != nil {
		return err
	}
	fc := req.PDU.Function()
	switch {
	case adu.PDU[0] == fc|modbus.ExceptionFlag && len(adu.PDU) == 2:
	case adu.PDU[0] == fc && len(adu.PDU) == req.ResponseSize:
	default:
		return modbus.BadResponse("unexpected function '%02X' with pdu size '%v'", adu.PDU[0], len(adu.PDU))
	}
	if err = resp.SetBytes(adu.PDU); err != nil {
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
