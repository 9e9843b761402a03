// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/gomodbus/internal/config"
	"github.com/ffutop/gomodbus/modbus"
	rtuframer "github.com/ffutop/gomodbus/modbus/rtu"
	"github.com/ffutop/gomodbus/transport"
)

// Server implements a Modbus RTU Server (Upstream).
// It acts as a Slave on the serial bus, waiting for requests from an external Master.
//
// Requests for other units are ignored. Broadcasts (unit 0) are processed
// but never answered.
type Server struct {
	Config config.SerialConfig
	// UnitID is the address of this slave, 0 answers every unit.
	UnitID byte
	Logger *slog.Logger

	mu     sync.Mutex
	stream modbus.Stream
	closed bool
}

// NewServer creates a new RTU Server.
func NewServer(cfg config.SerialConfig, unitID byte) *Server {
	return &Server{
		Config: cfg,
		UnitID: unitID,
	}
}

// Start opens the serial line and serves requests until ctx is done or
// Close is called.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	stream, err := NewStream(s.Config)
	if err != nil {
		return err
	}
	if err := stream.Open(ctx); err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.Config.Device, err)
	}
	s.logger().Info("RTU Server listening", "device", s.Config.Device, "unit", s.UnitID)
	return s.serve(ctx, stream, handler)
}

// serve runs the slave loop on an open stream.
func (s *Server) serve(ctx context.Context, stream modbus.Stream, handler transport.RequestHandler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stream.Close()
		return nil
	}
	s.stream = stream
	s.mu.Unlock()
	defer s.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()

	handler = transport.FilterUnit(s.UnitID, true, handler)
	r := rtuframer.NewRequestReader(stream)
	if s.Config.Timeout > 0 {
		r.Timeout = s.Config.Timeout
	}
	r.Logger = s.logger()
	silence := calculateDelay(s.Config.BaudRate, 0)

	pdu := modbus.AcquirePDU()
	defer modbus.ReleasePDU(pdu)
	var buf [rtuframer.MaxSize]byte
	for {
		adu, err := r.ReadRequest(ctx, time.Time{})
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			if !rtuframer.IsFrameError(err) {
				return err
			}
			s.logger().Debug("Discarded request frame", "err", err)
			modbus.Drain(stream)
			continue
		}

		unitID := adu.UnitID
		if err := pdu.SetBytes(adu.PDU); err != nil {
			continue
		}
		if !handler(ctx, unitID, pdu) || unitID == 0 {
			continue
		}
		raw, err := rtuframer.EncodeResponse(buf[:0], unitID, pdu)
		if err != nil {
			s.logger().Error("Failed to encode response", "err", err)
			continue
		}
		if err := modbus.Sleep(ctx, silence); err != nil {
			return nil
		}
		s.logger().Debug("send rtu response", "response", hex.EncodeToString(raw))
		if _, err := stream.Write(raw); err != nil {
			if s.isClosed() {
				return nil
			}
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close closes the serial line. Start returns afterwards.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	return err
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

var _ transport.Upstream = (*Server)(nil)
