// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Stream is a connection oriented byte channel, a serial line or a TCP socket.
// Open is idempotent.
type Stream interface {
	Open(ctx context.Context) error
	io.ReadWriter
	SetReadDeadline(t time.Time) error
	Close() error
}

// Packet is a datagram channel talking to one remote peer. Write sends one
// datagram to that peer; ReadFrom returns whatever arrived, from anyone.
type Packet interface {
	Open(ctx context.Context) error
	Write(b []byte) (int, error)
	ReadFrom(b []byte) (int, net.Addr, error)
	SetReadDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// InputResetter is implemented by streams that can discard pending input
// without reading it.
type InputResetter interface {
	ResetInputBuffer() error
}

// Request describes one request in flight.
type Request struct {
	UnitID byte
	PDU    *PDU
	// ResponseSize is the PDU size of a normal (non exception) response.
	ResponseSize int
}

// Transporter frames requests for one transport variant and owns the
// transport lifecycle.
//
// Receive returns nil, ErrTimeout, ErrBadResponse, an *ExceptionError or an
// I/O error. On nil or *ExceptionError resp holds the response PDU.
type Transporter interface {
	Send(ctx context.Context, req *Request) error
	Receive(ctx context.Context, req *Request, resp *PDU) error
	Close() error
}

// DeadlineReader is the reading half of a Stream.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

const (
	// deadlineSlack bounds the last read attempted once the deadline passed.
	deadlineSlack = 5 * time.Millisecond
	drainWindow   = time.Millisecond
)

// ReadFull reads exactly len(buf) bytes before deadline.
//
// Short reads are retried while the deadline has not passed. Once it has,
// one more read with a short grace period is attempted before giving up
// with ErrTimeout. It returns the number of bytes read.
func ReadFull(r DeadlineReader, buf []byte, deadline time.Time) (int, error) {
	if err := r.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	n := 0
	final := false
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if n == len(buf) {
			return n, nil
		}
		switch {
		case err == nil, IsTimeout(err):
		case errors.Is(err, io.EOF):
			return n, fmt.Errorf("%w after %d of %d bytes", io.ErrUnexpectedEOF, n, len(buf))
		default:
			return n, err
		}
		if time.Now().Before(deadline) {
			continue
		}
		if final {
			return n, fmt.Errorf("%w: got %d of %d bytes", ErrTimeout, n, len(buf))
		}
		final = true
		if err := r.SetReadDeadline(time.Now().Add(deadlineSlack)); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Drain discards unread input and returns how many bytes were dropped.
func Drain(r DeadlineReader) (int, error) {
	if rr, ok := r.(InputResetter); ok {
		return 0, rr.ResetInputBuffer()
	}
	var scratch [MaxPDUSize + 7]byte
	total := 0
	for {
		if err := r.SetReadDeadline(time.Now().Add(drainWindow)); err != nil {
			return total, err
		}
		n, err := r.Read(scratch[:])
		total += n
		if err != nil {
			if IsTimeout(err) {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

// IsTimeout reports whether err is a read deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

// Deadline returns the earlier of now+timeout and the context deadline.
func Deadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

// ReadPacket waits for a datagram that accept approves and returns its length.
// Rejected datagrams are dropped. Deadline handling follows ReadFull.
func ReadPacket(p Packet, buf []byte, deadline time.Time, accept func(b []byte, from net.Addr) bool) (int, error) {
	if err := p.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	final := false
	for {
		n, from, err := p.ReadFrom(buf)
		if err == nil {
			if accept(buf[:n], from) {
				return n, nil
			}
			continue
		}
		if !IsTimeout(err) {
			return 0, err
		}
		if time.Now().Before(deadline) {
			continue
		}
		if final {
			return 0, ErrTimeout
		}
		final = true
		if err := p.SetReadDeadline(time.Now().Add(deadlineSlack)); err != nil {
			return 0, err
		}
	}
}

// DrainPacket discards queued datagrams and returns how many were dropped.
func DrainPacket(p Packet) (int, error) {
	var scratch [MaxPDUSize + 7]byte
	count := 0
	for {
		if err := p.SetReadDeadline(time.Now().Add(drainWindow)); err != nil {
			return count, err
		}
		if _, _, err := p.ReadFrom(scratch[:]); err != nil {
			if IsTimeout(err) {
				return count, nil
			}
			return count, err
		}
		count++
	}
}

// SameAddr reports whether two network addresses name the same endpoint.
func SameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	ua, okA := a.(*net.UDPAddr)
	ub, okB := b.(*net.UDPAddr)
	if okA && okB {
		return ua.Port == ub.Port && ua.IP.Equal(ub.IP)
	}
	return a.Network() == b.Network() && a.String() == b.String()
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
