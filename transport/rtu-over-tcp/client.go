// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtuovertcp

import (
	"log/slog"

	"github.com/ffutop/gomodbus/internal/config"
	rtuframer "github.com/ffutop/gomodbus/modbus/rtu"
	"github.com/ffutop/gomodbus/transport/tcp"
)

// NewClient returns a master sending RTU frames over a TCP connection.
//
// A stream carries no frame boundaries, so after a bad response the
// connection is dropped and redialed, after ConnectPause, on the next
// request.
func NewClient(cfg config.ClientConfig, logger *slog.Logger) *rtuframer.Framer {
	s := tcp.NewStream(cfg.Tcp.Address)
	s.LocalAddress = cfg.Tcp.LocalAddress
	s.ConnectPause = cfg.Tcp.ConnectPause

	f := rtuframer.NewFramer(s)
	if cfg.Timeout > 0 {
		f.Timeout = cfg.Timeout
	}
	f.Pause = cfg.Pause
	f.KeepConnection = cfg.KeepConnection
	f.ReconnectOnBadResponse = true
	if logger != nil {
		f.Logger = logger
	}
	return f
}
