// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package client

import "context"

func (c *Client) bits(ctx context.Context, address, count int) ([]bool, error) {
	if err := c.Execute(ctx); err != nil {
		return nil, err
	}
	out := make([]bool, count)
	for i := range out {
		v, err := c.Bit(address + i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (c *Client) registers(ctx context.Context, address, count int) ([]uint16, error) {
	if err := c.Execute(ctx); err != nil {
		return nil, err
	}
	out := make([]uint16, count)
	for i := range out {
		v, err := c.Register(address + i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ReadCoils reads count coils from address.
func (c *Client) ReadCoils(ctx context.Context, unitID byte, address, count int) ([]bool, error) {
	if err := c.InitReadCoilsRequest(unitID, address, count); err != nil {
		return nil, err
	}
	return c.bits(ctx, address, count)
}

// ReadDiscreteInputs reads count discrete inputs from address.
func (c *Client) ReadDiscreteInputs(ctx context.Context, unitID byte, address, count int) ([]bool, error) {
	if err := c.InitReadDiscreteInputsRequest(unitID, address, count); err != nil {
		return nil, err
	}
	return c.bits(ctx, address, count)
}

// ReadHoldingRegisters reads count holding registers from address.
func (c *Client) ReadHoldingRegisters(ctx context.Context, unitID byte, address, count int) ([]uint16, error) {
	if err := c.InitReadHoldingRegistersRequest(unitID, address, count); err != nil {
		return nil, err
	}
	return c.registers(ctx, address, count)
}

// ReadInputRegisters reads count input registers from address.
func (c *Client) ReadInputRegisters(ctx context.Context, unitID byte, address, count int) ([]uint16, error) {
	if err := c.InitReadInputRegistersRequest(unitID, address, count); err != nil {
		return nil, err
	}
	return c.registers(ctx, address, count)
}

// WriteCoil sets or clears one coil.
func (c *Client) WriteCoil(ctx context.Context, unitID byte, address int, value bool) error {
	if err := c.InitWriteCoilRequest(unitID, address, value); err != nil {
		return err
	}
	return c.Execute(ctx)
}

// WriteRegister writes one holding register.
func (c *Client) WriteRegister(ctx context.Context, unitID byte, address int, value uint16) error {
	if err := c.InitWriteRegisterRequest(unitID, address, value); err != nil {
		return err
	}
	return c.Execute(ctx)
}

// WriteCoils writes consecutive coils from address.
func (c *Client) WriteCoils(ctx context.Context, unitID byte, address int, values []bool) error {
	if err := c.InitWriteCoilsRequest(unitID, address, values); err != nil {
		return err
	}
	return c.Execute(ctx)
}

// WriteRegisters writes consecutive holding registers from address.
func (c *Client) WriteRegisters(ctx context.Context, unitID byte, address int, values []uint16) error {
	if err := c.InitWriteRegistersRequest(unitID, address, values); err != nil {
		return err
	}
	return c.Execute(ctx)
}
