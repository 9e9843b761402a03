// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"

	"github.com/ffutop/gomodbus/modbus"
	tcpframer "github.com/ffutop/gomodbus/modbus/tcp"
	"github.com/ffutop/gomodbus/transport"
)

// Server implements a Modbus TCP Server.
type Server struct {
	transport.Listener
}

// NewServer creates a new TCP Server.
func NewServer(address string) *Server {
	return &Server{
		Listener: transport.Listener{
			Address:  address,
			MaxConns: transport.DefaultMaxConns,
			Name:     "tcp",
		},
	}
}

// Start starts the TCP server.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	return s.Serve(ctx, func(ctx context.Context, conn net.Conn) error {
		return s.handleConnection(ctx, conn, handler)
	})
}

// handleConnection serves MBAP requests on conn. A malformed header ends the
// connection since the stream position can no longer be trusted.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn, handler transport.RequestHandler) error {
	var buf [tcpframer.MaxSize]byte
	pdu := modbus.AcquirePDU()
	defer modbus.ReleasePDU(pdu)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if _, err := io.ReadFull(conn, buf[:tcpframer.PrefixSize]); err != nil {
			return err
		}
		h, err := tcpframer.ParseHeader(buf[:tcpframer.PrefixSize])
		if err != nil {
			return err
		}
		size := tcpframer.PrefixSize + int(h.Length)
		if _, err := io.ReadFull(conn, buf[tcpframer.PrefixSize:size]); err != nil {
			return fmt.Errorf("short request: %w", err)
		}
		unitID := buf[tcpframer.HeaderSize-1]
		s.Log().Debug("recv tcp request", "request", hex.EncodeToString(buf[:size]))

		if err := pdu.SetBytes(buf[tcpframer.HeaderSize:size]); err != nil {
			return err
		}
		if !handler(ctx, unitID, pdu) {
			continue
		}

		resp := tcpframer.ApplicationDataUnit{
			TransactionID: h.TransactionID,
			UnitID:        unitID,
			PDU:           pdu.Bytes(),
		}
		raw, err := resp.Encode(buf[:0])
		if err != nil {
			return err
		}
		s.Log().Debug("send tcp response", "response", hex.EncodeToString(raw))
		if _, err := conn.Write(raw); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
}
