// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package udp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/ffutop/gomodbus/modbus"
	rtuframer "github.com/ffutop/gomodbus/modbus/rtu"
	tcpframer "github.com/ffutop/gomodbus/modbus/tcp"
	"github.com/ffutop/gomodbus/transport"
)

// Framing selects how requests are carried in datagrams.
type Framing int

const (
	// FramingMBAP carries MBAP frames (Modbus TCP over UDP).
	FramingMBAP Framing = iota
	// FramingRTU carries RTU frames with CRC.
	FramingRTU
)

func (f Framing) String() string {
	if f == FramingRTU {
		return "rtu-over-udp"
	}
	return "udp"
}

// Server answers requests arriving in UDP datagrams. Every datagram is a
// session of its own: one request in, at most one response back to the
// sender.
type Server struct {
	Address string
	Framing Framing
	Logger  *slog.Logger

	mu     sync.Mutex
	conn   net.PacketConn
	closed bool
}

// NewServer creates a UDP server for the given framing.
func NewServer(address string, framing Framing) *Server {
	return &Server{Address: address, Framing: framing}
}

// Listen binds the socket. Start calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	if s.conn != nil {
		return nil
	}
	conn, err := net.ListenPacket("udp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.conn = conn
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Start serves datagrams until ctx is done or Close is called.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	s.logger().Info("Modbus server listening", "type", s.Framing, "addr", conn.LocalAddr())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()

	pdu := modbus.AcquirePDU()
	defer modbus.ReleasePDU(pdu)
	var in, out [tcpframer.MaxSize + 1]byte
	for {
		n, from, err := conn.ReadFrom(in[:])
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("udp read: %w", err)
		}
		raw, err := s.serveDatagram(ctx, in[:n], out[:0], pdu, handler)
		if err != nil {
			s.logger().Debug("Dropped datagram", "from", from, "err", err, "data", hex.EncodeToString(in[:n]))
			continue
		}
		if raw == nil {
			continue
		}
		s.logger().Debug("send udp response", "to", from, "response", hex.EncodeToString(raw))
		if _, err := conn.WriteTo(raw, from); err != nil {
			s.logger().Error("Failed to write response", "to", from, "err", err)
		}
	}
}

// serveDatagram decodes one request, runs handler and returns the encoded
// response appended to dst, nil when nothing is to be sent.
func (s *Server) serveDatagram(ctx context.Context, b, dst []byte, pdu *modbus.PDU, handler transport.RequestHandler) ([]byte, error) {
	switch s.Framing {
	case FramingRTU:
		adu, err := rtuframer.Decode(b)
		if err != nil {
			return nil, err
		}
		if err := pdu.SetBytes(adu.PDU); err != nil {
			return nil, err
		}
		if !handler(ctx, adu.UnitID, pdu) {
			return nil, nil
		}
		return rtuframer.EncodeResponse(dst, adu.UnitID, pdu)
	default:
		adu, err := tcpframer.Decode(b)
		if err != nil {
			return nil, err
		}
		if err := pdu.SetBytes(adu.PDU); err != nil {
			return nil, err
		}
		if !handler(ctx, adu.UnitID, pdu) {
			return nil, nil
		}
		resp := tcpframer.ApplicationDataUnit{TransactionID: adu.TransactionID, UnitID: adu.UnitID, PDU: pdu.Bytes()}
		return resp.Encode(dst)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close closes the socket. Start returns afterwards.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

var _ transport.Upstream = (*Server)(nil)
