// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"

	"github.com/ffutop/gomodbus/modbus"
)

// RequestHandler handles one Modbus request.
//
// The upstream decodes its framing down to unit id and PDU, the handler
// rewrites pdu in place with the response and reports whether a response is
// to be sent at all. The upstream frames the response the way the request
// arrived.
type RequestHandler func(ctx context.Context, unitID byte, pdu *modbus.PDU) bool

// Upstream represents a source of requests (A Modbus Master connected to us).
// It acts as a Server.
type Upstream interface {
	// Start serves requests and blocks until ctx is done or Close is called.
	Start(ctx context.Context, handler RequestHandler) error
	Close() error
}

// FilterUnit wraps h so that only requests for unit, or broadcasts when
// broadcast is set, reach it. A zero unit accepts every request.
func FilterUnit(unit byte, broadcast bool, h RequestHandler) RequestHandler {
	if unit == 0 {
		return h
	}
	return func(ctx context.Context, unitID byte, pdu *modbus.PDU) bool {
		if unitID != unit && !(broadcast && unitID == 0) {
			return false
		}
		return h(ctx, unitID, pdu)
	}
}
