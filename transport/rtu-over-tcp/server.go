// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtuovertcp

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/ffutop/gomodbus/modbus"
	rtuframer "github.com/ffutop/gomodbus/modbus/rtu"
	"github.com/ffutop/gomodbus/transport"
)

// Server implements a Modbus RTU over TCP Server.
// It listens on a TCP port and handles incoming connections as Modbus RTU streams.
type Server struct {
	transport.Listener
	// FrameTimeout bounds the rest of a frame once its first byte arrived.
	FrameTimeout time.Duration
}

// NewServer creates a new RTU over TCP Server.
func NewServer(address string) *Server {
	return &Server{
		Listener: transport.Listener{
			Address:  address,
			MaxConns: transport.DefaultMaxConns,
			Name:     "rtu-over-tcp",
		},
		FrameTimeout: rtuframer.DefaultTimeout,
	}
}

// Start serves connections until ctx is done or Close is called.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	return s.Serve(ctx, func(ctx context.Context, conn net.Conn) error {
		return s.handleConnection(ctx, conn, handler)
	})
}

// handleConnection serves RTU requests on conn. A frame that cannot be
// delimited or fails its CRC ends the connection, the stream position being
// unknown afterwards.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn, handler transport.RequestHandler) error {
	r := rtuframer.NewRequestReader(conn)
	r.Timeout = s.FrameTimeout
	r.Logger = s.Log()

	pdu := modbus.AcquirePDU()
	defer modbus.ReleasePDU(pdu)
	var buf [rtuframer.MaxSize]byte
	for {
		adu, err := r.ReadRequest(ctx, time.Time{})
		if err != nil {
			if rtuframer.IsFrameError(err) {
				s.Log().Warn("Invalid RTU frame, closing connection", "addr", conn.RemoteAddr(), "err", err)
			}
			return err
		}
		if err := pdu.SetBytes(adu.PDU); err != nil {
			return err
		}
		if !handler(ctx, adu.UnitID, pdu) {
			continue
		}
		raw, err := rtuframer.EncodeResponse(buf[:0], adu.UnitID, pdu)
		if err != nil {
			return err
		}
		s.Log().Debug("send rtu response", "response", hex.EncodeToString(raw))
		if _, err := conn.Write(raw); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
}

var _ transport.Upstream = (*Server)(nil)
