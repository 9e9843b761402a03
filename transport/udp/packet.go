// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package udp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ffutop/gomodbus/modbus"
)

// Conn is a modbus.Packet on an unconnected UDP socket. Requests go to
// Address; datagrams from any sender are returned so the framer can tell
// the peer's answers from noise.
type Conn struct {
	Address string
	// LocalAddress optionally binds the local end.
	LocalAddress string

	mu     sync.Mutex
	conn   *net.UDPConn
	remote *net.UDPAddr
}

// NewConn returns a Conn sending to address.
func NewConn(address string) *Conn {
	return &Conn{Address: address}
}

// Open resolves the peer and binds the local socket unless already open.
func (c *Conn) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	remote, err := net.ResolveUDPAddr("udp", c.Address)
	if err != nil {
		return fmt.Errorf("modbus: resolve %s: %w", c.Address, err)
	}
	var local *net.UDPAddr
	if c.LocalAddress != "" {
		if local, err = net.ResolveUDPAddr("udp", c.LocalAddress); err != nil {
			return fmt.Errorf("modbus: resolve local address %s: %w", c.LocalAddress, err)
		}
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return fmt.Errorf("modbus: bind udp socket: %w", err)
	}
	c.conn, c.remote = conn, remote
	return nil
}

func (c *Conn) current() (*net.UDPConn, *net.UDPAddr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, nil, net.ErrClosed
	}
	return c.conn, c.remote, nil
}

// Write sends b as one datagram to the peer.
func (c *Conn) Write(b []byte) (int, error) {
	conn, remote, err := c.current()
	if err != nil {
		return 0, err
	}
	return conn.WriteToUDP(b, remote)
}

func (c *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	conn, _, err := c.current()
	if err != nil {
		return 0, nil, err
	}
	return conn.ReadFrom(b)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	conn, _, err := c.current()
	if err != nil {
		return err
	}
	return conn.SetReadDeadline(t)
}

// RemoteAddr returns the resolved peer, nil before Open.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return nil
	}
	return c.remote
}

// LocalAddr returns the bound socket address, nil before Open.
func (c *Conn) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// Close releases the socket. The next Open binds a fresh one.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

var _ modbus.Packet = (*Conn)(nil)
