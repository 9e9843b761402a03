// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"github.com/ffutop/gomodbus/modbus"
)

// DefaultMaxConns bounds concurrent connections of a Listener.
const DefaultMaxConns = 10

// Session serves one accepted connection until it fails or ends.
type Session func(ctx context.Context, conn net.Conn) error

// Listener accepts TCP connections and runs one Session per connection.
//
// At most MaxConns sessions run at a time; connections beyond the bound are
// closed right after accept. Close stops accepting, closes every connection
// and waits for all sessions to return.
type Listener struct {
	Address     string
	MaxConns    int
	IdleTimeout time.Duration
	Logger      *slog.Logger
	// Name labels log records, e.g. "tcp" or "rtu-over-tcp".
	Name string

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       conc.WaitGroup
}

// Listen binds the listening socket. Serve calls it when needed.
func (l *Listener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return net.ErrClosed
	}
	if l.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", l.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.Address, err)
	}
	l.listener = ln
	return nil
}

// Addr returns the bound address, nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Serve accepts connections until ctx is done or Close is called.
func (l *Listener) Serve(ctx context.Context, session Session) error {
	if err := l.Listen(); err != nil {
		return err
	}
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	l.logger().Info("Modbus server listening", "type", l.Name, "addr", ln.Addr())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-done:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			l.logger().Error("Failed to accept connection", "err", err)
			if err := modbus.Sleep(ctx, 10*time.Millisecond); err != nil {
				return nil
			}
			continue
		}
		l.track(conn, func() {
			defer l.untrack(conn)
			l.logger().Info("New client connected", "type", l.Name, "addr", conn.RemoteAddr())
			err := session(ctx, &idleConn{Conn: conn, timeout: l.IdleTimeout})
			l.logSessionEnd(conn, err)
		})
	}
}

// track registers conn and starts run for it, or rejects the connection when
// the server is full or closed. The session joins the wait group under l.mu
// so a concurrent Close always waits for it.
func (l *Listener) track(conn net.Conn, run func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		conn.Close()
		return false
	}
	limit := l.MaxConns
	if limit <= 0 {
		limit = DefaultMaxConns
	}
	if len(l.conns) >= limit {
		l.logger().Warn("Connection rejected, too many connections", "addr", conn.RemoteAddr(), "max", limit)
		conn.Close()
		return false
	}
	if l.conns == nil {
		l.conns = make(map[net.Conn]struct{})
	}
	l.conns[conn] = struct{}{}
	l.wg.Go(run)
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
	conn.Close()
}

// Conns returns the number of running sessions.
func (l *Listener) Conns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close closes the listener and every connection, then waits for the
// sessions to finish.
func (l *Listener) Close() error {
	l.mu.Lock()
	var err error
	if !l.closed {
		l.closed = true
		if l.listener != nil {
			err = multierr.Append(err, l.listener.Close())
		}
		for c := range l.conns {
			err = multierr.Append(err, c.Close())
		}
	}
	l.mu.Unlock()
	l.wg.Wait()
	return err
}

func (l *Listener) logSessionEnd(conn net.Conn, err error) {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		l.logger().Info("Client disconnected", "type", l.Name, "addr", conn.RemoteAddr())
	case errors.Is(err, net.ErrClosed) || l.isClosed():
		l.logger().Debug("Connection closed", "type", l.Name, "addr", conn.RemoteAddr())
	case modbus.IsTimeout(err):
		l.logger().Info("Closing idle connection", "type", l.Name, "addr", conn.RemoteAddr())
	default:
		l.logger().Error("Connection failed", "type", l.Name, "addr", conn.RemoteAddr(), "err", err)
	}
}

// Log returns the logger sessions should use.
func (l *Listener) Log() *slog.Logger {
	return l.logger()
}

func (l *Listener) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// idleConn arms the idle deadline before a read unless the session set a
// deadline of its own.
type idleConn struct {
	net.Conn
	timeout  time.Duration
	deadline time.Time
}

func (c *idleConn) SetReadDeadline(t time.Time) error {
	c.deadline = t
	return c.Conn.SetReadDeadline(t)
}

func (c *idleConn) Read(b []byte) (int, error) {
	if c.timeout > 0 && c.deadline.IsZero() {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}
