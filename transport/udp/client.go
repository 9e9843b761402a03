// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package udp

import (
	"log/slog"

	"github.com/ffutop/gomodbus/internal/config"
	rtuframer "github.com/ffutop/gomodbus/modbus/rtu"
	tcpframer "github.com/ffutop/gomodbus/modbus/tcp"
)

func newConn(cfg config.ClientConfig) *Conn {
	c := NewConn(cfg.Tcp.Address)
	c.LocalAddress = cfg.Tcp.LocalAddress
	return c
}

// NewRTUClient returns a master sending RTU frames in UDP datagrams.
func NewRTUClient(cfg config.ClientConfig, logger *slog.Logger) *rtuframer.PacketFramer {
	f := rtuframer.NewPacketFramer(newConn(cfg))
	if cfg.Timeout > 0 {
		f.Timeout = cfg.Timeout
	}
	f.Pause = cfg.Pause
	f.KeepConnection = cfg.KeepConnection
	if logger != nil {
		f.Logger = logger
	}
	return f
}

// NewTCPClient returns a master sending MBAP frames in UDP datagrams.
func NewTCPClient(cfg config.ClientConfig, logger *slog.Logger) *tcpframer.PacketFramer {
	f := tcpframer.NewPacketFramer(newConn(cfg))
	if cfg.Timeout > 0 {
		f.Timeout = cfg.Timeout
	}
	f.Pause = cfg.Pause
	f.KeepConnection = cfg.KeepConnection
	if logger != nil {
		f.Logger = logger
	}
	return f
}
