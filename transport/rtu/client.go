// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"log/slog"

	"github.com/ffutop/gomodbus/internal/config"
	rtuframer "github.com/ffutop/gomodbus/modbus/rtu"
)

// NewClient returns a Modbus RTU master on the serial line of cfg.
//
// The port is opened on the first request and closed again after a minute
// without traffic.
func NewClient(cfg config.ClientConfig, logger *slog.Logger) (*rtuframer.Framer, error) {
	s, err := NewStream(cfg.Serial)
	if err != nil {
		return nil, err
	}
	switch p := s.(type) {
	case *serialPort:
		p.IdleTimeout = serialIdleTimeout
	case *bugstPort:
		p.IdleTimeout = serialIdleTimeout
	}

	f := rtuframer.NewFramer(s)
	switch {
	case cfg.Timeout > 0:
		f.Timeout = cfg.Timeout
	case cfg.Serial.Timeout > 0:
		f.Timeout = cfg.Serial.Timeout
	}
	f.Pause = cfg.Serial.RqstPause
	if cfg.Pause > 0 {
		f.Pause = cfg.Pause
	}
	f.FrameDelay = calculateDelay(cfg.Serial.BaudRate, 0)
	f.KeepConnection = true
	if logger != nil {
		f.Logger = logger
	}
	return f, nil
}
