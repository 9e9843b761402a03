// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"log/slog"

	"github.com/ffutop/gomodbus/internal/config"
	tcpframer "github.com/ffutop/gomodbus/modbus/tcp"
)

// NewClient returns a Modbus/TCP transporter for cfg.
func NewClient(cfg config.ClientConfig, logger *slog.Logger) *tcpframer.Framer {
	s := NewStream(cfg.Tcp.Address)
	s.LocalAddress = cfg.Tcp.LocalAddress
	s.ConnectPause = cfg.Tcp.ConnectPause

	f := tcpframer.NewFramer(s)
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
