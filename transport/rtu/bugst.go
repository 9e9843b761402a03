// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	bugst "go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/ffutop/gomodbus/internal/config"
	"github.com/ffutop/gomodbus/modbus"
)

func parseParity(s string) (bugst.Parity, error) {
	switch strings.ToUpper(s) {
	case "", "N", "NONE":
		return bugst.NoParity, nil
	case "O", "ODD":
		return bugst.OddParity, nil
	case "E", "EVEN":
		return bugst.EvenParity, nil
	case "M", "MARK":
		return bugst.MarkParity, nil
	case "S", "SPACE":
		return bugst.SpaceParity, nil
	default:
		return bugst.NoParity, fmt.Errorf("invalid parity %q: use N, O, E, M or S", s)
	}
}

func parseStopBits(n int) (bugst.StopBits, error) {
	switch n {
	case 0, 1:
		return bugst.OneStopBit, nil
	case 2:
		return bugst.TwoStopBits, nil
	default:
		return bugst.OneStopBit, fmt.Errorf("invalid stop bits %d: use 1 or 2", n)
	}
}

// bugstPort is a serial line driven by the go.bug.st driver.
type bugstPort struct {
	idleClose

	device string
	mode   bugst.Mode

	mu       sync.Mutex
	port     bugst.Port
	deadline time.Time
}

func newBugstPort(cfg config.SerialConfig) (*bugstPort, error) {
	parity, err := parseParity(cfg.Parity)
	if err != nil {
		return nil, err
	}
	stopBits, err := parseStopBits(cfg.StopBits)
	if err != nil {
		return nil, err
	}
	return &bugstPort{
		device: cfg.Device,
		mode: bugst.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: cfg.DataBits,
			Parity:   parity,
			StopBits: stopBits,
		},
	}, nil
}

func (p *bugstPort) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		port, err := bugst.Open(p.device, &p.mode)
		if err != nil {
			return fmt.Errorf("could not open %s: %w", p.device, err)
		}
		p.port = port
	}
	p.touch(p.closeIdle)
	return nil
}

func (p *bugstPort) current() (bugst.Port, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		return nil, time.Time{}, net.ErrClosed
	}
	return p.port, p.deadline, nil
}

// Read waits at most until the read deadline. The driver returns 0 bytes
// and no error when its own read timeout expires.
func (p *bugstPort) Read(b []byte) (int, error) {
	port, deadline, err := p.current()
	if err != nil {
		return 0, err
	}
	p.touch(p.closeIdle)
	for {
		wait := pollInterval
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			wait = min(wait, left)
		}
		if err := port.SetReadTimeout(wait); err != nil {
			return 0, err
		}
		n, err := port.Read(b)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (p *bugstPort) Write(b []byte) (int, error) {
	port, _, err := p.current()
	if err != nil {
		return 0, err
	}
	p.touch(p.closeIdle)
	return port.Write(b)
}

func (p *bugstPort) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadline = t
	return nil
}

// ResetInputBuffer drops unread input in the driver.
func (p *bugstPort) ResetInputBuffer() error {
	port, _, err := p.current()
	if err != nil {
		return err
	}
	return port.ResetInputBuffer()
}

func (p *bugstPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.close()
}

func (p *bugstPort) close() (err error) {
	p.stop()
	if p.port != nil {
		err = p.port.Close()
		p.port = nil
	}
	return
}

func (p *bugstPort) closeIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.close()
}

var (
	_ modbus.Stream        = (*bugstPort)(nil)
	_ modbus.InputResetter = (*bugstPort)(nil)
)

// PortInfo describes a serial port present on the host.
type PortInfo struct {
	Name        string
	Description string
	VID         string
	PID         string
}

// ListPorts returns the serial ports of the host. USB details are filled in
// when the platform enumerator provides them.
func ListPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err == nil {
		result := make([]PortInfo, 0, len(ports))
		for _, port := range ports {
			result = append(result, PortInfo{
				Name:        port.Name,
				Description: port.Product,
				VID:         port.VID,
				PID:         port.PID,
			})
		}
		return result, nil
	}
	names, err := bugst.GetPortsList()
	if err != nil {
		return nil, err
	}
	result := make([]PortInfo, 0, len(names))
	for _, name := range names {
		result = append(result, PortInfo{Name: name})
	}
	return result, nil
}
