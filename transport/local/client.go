// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package local runs requests against an in-process register bank without
// any bytes on the wire.
package local

import (
	"context"
	"fmt"

	"github.com/ffutop/gomodbus/modbus"
	"github.com/ffutop/gomodbus/server"
)

// Client implements modbus.Transporter for a local in-memory slave.
type Client struct {
	Processor *server.Processor

	pending *modbus.PDU
	unitID  byte
}

// NewClient creates a new Local Client answering from p.
func NewClient(p *server.Processor) *Client {
	return &Client{Processor: p, pending: &modbus.PDU{}}
}

// Send runs the request through the processor and keeps the response for
// Receive.
func (c *Client) Send(ctx context.Context, req *modbus.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.pending == nil {
		c.pending = &modbus.PDU{}
	}
	if err := c.pending.SetBytes(req.PDU.Bytes()); err != nil {
		return err
	}
	c.unitID = req.UnitID
	// The processor is synchronous and fast, so we just call it.
	if !c.Processor.ServeModbus(ctx, req.UnitID, c.pending) {
		c.pending.Reset()
	}
	return nil
}

// Receive hands out the response produced by Send.
func (c *Client) Receive(ctx context.Context, req *modbus.Request, resp *modbus.PDU) error {
	if c.pending == nil || c.pending.Size() == 0 {
		return fmt.Errorf("%w: request not answered", modbus.ErrTimeout)
	}
	fc := req.PDU.Function()
	switch {
	case c.unitID != req.UnitID:
		return modbus.BadResponse("unit id %d does not match request %d", c.unitID, req.UnitID)
	case c.pending.IsException() && c.pending.Function() == fc|modbus.ExceptionFlag:
	case c.pending.Function() == fc && c.pending.Size() == req.ResponseSize:
	default:
		return modbus.BadResponse("unexpected response % X", c.pending.Bytes())
	}
	if err := resp.SetBytes(c.pending.Bytes()); err != nil {
		return err
	}
	c.pending.Reset()
	if resp.IsException() {
		return &modbus.ExceptionError{Function: fc, Code: resp.ExceptionCode()}
	}
	return nil
}

// Close is a no-op; the bank outlives the client.
func (c *Client) Close() error {
	return nil
}

var _ modbus.Transporter = (*Client)(nil)
