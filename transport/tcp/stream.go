// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ffutop/gomodbus/modbus"
)

const (
	tcpTimeout = 10 * time.Second
)

// Stream is a modbus.Stream over a TCP connection that is dialed on Open and
// redialed after Close.
type Stream struct {
	Address string
	// LocalAddress optionally binds the local end.
	LocalAddress string
	DialTimeout  time.Duration
	// ConnectPause is waited before every dial.
	ConnectPause time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewStream returns a Stream dialing address.
func NewStream(address string) *Stream {
	return &Stream{
		Address:     address,
		DialTimeout: tcpTimeout,
	}
}

// Open dials the remote end unless a connection is already established.
func (s *Stream) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	if err := modbus.Sleep(ctx, s.ConnectPause); err != nil {
		return err
	}
	d := net.Dialer{Timeout: s.DialTimeout}
	if s.LocalAddress != "" {
		laddr, err := net.ResolveTCPAddr("tcp", s.LocalAddress)
		if err != nil {
			return fmt.Errorf("modbus: resolve local address %s: %w", s.LocalAddress, err)
		}
		d.LocalAddr = laddr
	}
	conn, err := d.DialContext(ctx, "tcp", s.Address)
	if err != nil {
		return fmt.Errorf("modbus: failed to connect to %s: %w", s.Address, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// Reset instead of lingering in TIME_WAIT so a quick reconnect may
		// reuse the local address.
		tc.SetLinger(0)
	}
	s.conn = conn
	return nil
}

func (s *Stream) current() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, net.ErrClosed
	}
	return s.conn, nil
}

func (s *Stream) Read(b []byte) (int, error) {
	c, err := s.current()
	if err != nil {
		return 0, err
	}
	return c.Read(b)
}

func (s *Stream) Write(b []byte) (int, error) {
	c, err := s.current()
	if err != nil {
		return 0, err
	}
	return c.Write(b)
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	return c.SetReadDeadline(t)
}

// Close closes the connection. The next Open dials again.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

var _ modbus.Stream = (*Stream)(nil)
