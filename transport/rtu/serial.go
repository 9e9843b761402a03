// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/gomodbus/internal/config"
	"github.com/ffutop/gomodbus/modbus"
)

const (
	serialIdleTimeout = 60 * time.Second
	// pollInterval is the driver read timeout. Read deadlines are checked
	// between polls.
	pollInterval = 20 * time.Millisecond
)

// NewStream returns a closed serial stream for cfg, using the driver it names.
func NewStream(cfg config.SerialConfig) (modbus.Stream, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "gridx":
		return newSerialPort(cfg), nil
	case "bugst":
		return newBugstPort(cfg)
	default:
		return nil, fmt.Errorf("unsupported serial driver: %s", cfg.Driver)
	}
}

// serialPort is a serial line driven by the gridx driver.
type serialPort struct {
	// Serial port configuration.
	serial.Config
	idleClose

	mu sync.Mutex
	// port is platform-dependent data structure for serial port.
	port     io.ReadWriteCloser
	deadline time.Time
}

func newSerialPort(cfg config.SerialConfig) *serialPort {
	p := &serialPort{}
	p.Config = serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  pollInterval,
	}
	if cfg.RS485 {
		p.Config.RS485 = serial.RS485Config{
			Enabled:            true,
			DelayRtsBeforeSend: cfg.DelayRtsBeforeSend,
			DelayRtsAfterSend:  cfg.DelayRtsAfterSend,
			RtsHighDuringSend:  cfg.RtsHighDuringSend,
			RtsHighAfterSend:   cfg.RtsHighAfterSend,
			RxDuringTx:         cfg.RxDuringTx,
		}
	}
	return p
}

func (p *serialPort) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(ctx); err != nil {
		return err
	}
	p.touch(p.closeIdle)
	return nil
}

// connect connects to the serial port if it is not connected. Caller must hold the mutex.
func (p *serialPort) connect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if p.port == nil {
		port, err := serial.Open(&p.Config)
		if err != nil {
			return fmt.Errorf("could not open %s: %w", p.Config.Address, err)
		}
		p.port = port
	}
	return nil
}

func (p *serialPort) current() (io.ReadWriteCloser, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		return nil, time.Time{}, net.ErrClosed
	}
	return p.port, p.deadline, nil
}

// Read polls the driver until data arrives or the read deadline passes.
func (p *serialPort) Read(b []byte) (int, error) {
	port, deadline, err := p.current()
	if err != nil {
		return 0, err
	}
	p.touch(p.closeIdle)
	for {
		n, err := port.Read(b)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, serial.ErrTimeout) {
			return 0, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return 0, os.ErrDeadlineExceeded
		}
	}
}

func (p *serialPort) Write(b []byte) (int, error) {
	port, _, err := p.current()
	if err != nil {
		return 0, err
	}
	p.touch(p.closeIdle)
	return port.Write(b)
}

func (p *serialPort) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadline = t
	return nil
}

func (p *serialPort) Close() (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.close()
}

// close closes the serial port if it is connected. Caller must hold the mutex.
func (p *serialPort) close() (err error) {
	p.stop()
	if p.port != nil {
		err = p.port.Close()
		p.port = nil
	}
	return
}

func (p *serialPort) closeIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.close()
}

// idleClose closes a port after IdleTimeout without activity.
type idleClose struct {
	IdleTimeout time.Duration

	mu           sync.Mutex
	lastActivity time.Time
	closeTimer   *time.Timer
}

// touch records activity and (re)arms the close timer.
func (c *idleClose) touch(closeFn func()) {
	if c.IdleTimeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
	if c.closeTimer == nil {
		c.closeTimer = time.AfterFunc(c.IdleTimeout, func() { c.expire(closeFn) })
	} else {
		c.closeTimer.Reset(c.IdleTimeout)
	}
}

// expire closes the connection if last activity is passed behind IdleTimeout.
func (c *idleClose) expire(closeFn func()) {
	c.mu.Lock()
	idle := time.Since(c.lastActivity)
	c.mu.Unlock()
	if idle >= c.IdleTimeout {
		slog.Debug("modbus: closing serial port due to idle timeout", "idle", idle)
		closeFn()
	}
}

func (c *idleClose) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeTimer != nil {
		c.closeTimer.Stop()
	}
}

// calculateDelay calculates the needed delay to separate frames.
func calculateDelay(baudRate, chars int) time.Duration {
	var characterDelay, frameDelay int

	if baudRate <= 0 || baudRate > 19200 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / baudRate
		frameDelay = 35000000 / baudRate
	}
	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}

var _ modbus.Stream = (*serialPort)(nil)
