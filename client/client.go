// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package client is the Modbus master request engine.
//
// A request is prepared with one of the Init methods, run with Execute and
// its response read back with the accessors. The engine is transport
// agnostic: every variant is a modbus.Transporter.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ffutop/gomodbus/modbus"
)

type family int

const (
	familyNone family = iota
	familyBits
	familyRegisters
	familyWrite
)

// Client runs one request at a time over a Transporter. It is not safe for
// concurrent use.
type Client struct {
	Transporter modbus.Transporter
	Logger      *slog.Logger

	req  modbus.Request
	pdu  modbus.PDU
	resp modbus.PDU

	family family
	start  int
	count  int

	// pending is set by Init and consumed by Execute.
	pending   bool
	ready     bool
	result    modbus.Result
	exception modbus.ExceptionCode
}

// New returns a Client sending through t.
func New(t modbus.Transporter) *Client {
	return &Client{Transporter: t, Logger: slog.Default()}
}

func checkAddress(address, count int) error {
	if address < 0 || address+count > 0x10000 {
		return fmt.Errorf("%w: address %d count %d outside 0..65535", modbus.ErrInvalidArgument, address, count)
	}
	return nil
}

// prepare resets the engine for a new request of size bytes.
func (c *Client) prepare(unitID byte, fc byte, size int) {
	c.pending = true
	c.ready = false
	c.result = modbus.ResultOK
	c.exception = 0
	c.resp.Reset()
	c.pdu.Reset()
	c.pdu.SetSize(size)
	c.pdu.SetFunction(fc)
	c.req = modbus.Request{UnitID: unitID, PDU: &c.pdu}
}

// fail drops the prepared request after a rejected Init.
func (c *Client) fail(err error) error {
	c.family = familyNone
	c.pending = false
	c.ready = false
	return err
}

func (c *Client) initRead(unitID byte, fc byte, address, count, limit int, f family) error {
	if count < 1 || count > limit {
		return c.fail(fmt.Errorf("%w: %s count %d not in 1..%d", modbus.ErrInvalidArgument, modbus.FunctionName(fc), count, limit))
	}
	if err := checkAddress(address, count); err != nil {
		return c.fail(err)
	}
	c.prepare(unitID, fc, 5)
	c.pdu.SetUint16(1, uint16(address))
	c.pdu.SetUint16(3, uint16(count))
	c.family, c.start, c.count = f, address, count
	if f == familyBits {
		c.req.ResponseSize = 2 + modbus.BitBytes(count)
	} else {
		c.req.ResponseSize = 2 + 2*count
	}
	return nil
}

// InitReadCoilsRequest prepares a read of count coils from address.
func (c *Client) InitReadCoilsRequest(unitID byte, address, count int) error {
	return c.initRead(unitID, modbus.FuncCodeReadCoils, address, count, modbus.MaxReadBits, familyBits)
}

// InitReadDiscreteInputsRequest prepares a read of count discrete inputs.
func (c *Client) InitReadDiscreteInputsRequest(unitID byte, address, count int) error {
	return c.initRead(unitID, modbus.FuncCodeReadDiscreteInputs, address, count, modbus.MaxReadBits, familyBits)
}

// InitReadHoldingRegistersRequest prepares a read of count holding registers.
func (c *Client) InitReadHoldingRegistersRequest(unitID byte, address, count int) error {
	return c.initRead(unitID, modbus.FuncCodeReadHoldingRegisters, address, count, modbus.MaxReadRegisters, familyRegisters)
}

// InitReadInputRegistersRequest prepares a read of count input registers.
func (c *Client) InitReadInputRegistersRequest(unitID byte, address, count int) error {
	return c.initRead(unitID, modbus.FuncCodeReadInputRegisters, address, count, modbus.MaxReadRegisters, familyRegisters)
}

func (c *Client) initWrite(unitID byte, fc byte, size, address, count int) {
	c.prepare(unitID, fc, size)
	c.pdu.SetUint16(1, uint16(address))
	c.family, c.start, c.count = familyWrite, address, count
	// Every write response mirrors the first 5 bytes of its request.
	c.req.ResponseSize = 5
}

// InitWriteCoilRequest prepares a write of one coil.
func (c *Client) InitWriteCoilRequest(unitID byte, address int, value bool) error {
	if err := checkAddress(address, 1); err != nil {
		return c.fail(err)
	}
	c.initWrite(unitID, modbus.FuncCodeWriteSingleCoil, 5, address, 1)
	v := uint16(modbus.CoilOff)
	if value {
		v = modbus.CoilOn
	}
	c.pdu.SetUint16(3, v)
	return nil
}

// InitWriteRegisterRequest prepares a write of one holding register.
func (c *Client) InitWriteRegisterRequest(unitID byte, address int, value uint16) error {
	if err := checkAddress(address, 1); err != nil {
		return c.fail(err)
	}
	c.initWrite(unitID, modbus.FuncCodeWriteSingleRegister, 5, address, 1)
	c.pdu.SetUint16(3, value)
	return nil
}

// InitWriteCoilsRequest prepares a write of consecutive coils from address.
func (c *Client) InitWriteCoilsRequest(unitID byte, address int, values []bool) error {
	n := len(values)
	if n < 1 || n > modbus.MaxWriteCoils {
		return c.fail(fmt.Errorf("%w: %d coils not in 1..%d", modbus.ErrInvalidArgument, n, modbus.MaxWriteCoils))
	}
	if err := checkAddress(address, n); err != nil {
		return c.fail(err)
	}
	byteCount := modbus.BitBytes(n)
	c.initWrite(unitID, modbus.FuncCodeWriteMultipleCoils, 6+byteCount, address, n)
	c.pdu.SetUint16(3, uint16(n))
	c.pdu.SetByte(5, byte(byteCount))
	for i, v := range values {
		c.pdu.SetBit(6+i/8, i%8, v)
	}
	return nil
}

// InitWriteRegistersRequest prepares a write of consecutive holding registers.
func (c *Client) InitWriteRegistersRequest(unitID byte, address int, values []uint16) error {
	n := len(values)
	if n < 1 || n > modbus.MaxWriteRegisters {
		return c.fail(fmt.Errorf("%w: %d registers not in 1..%d", modbus.ErrInvalidArgument, n, modbus.MaxWriteRegisters))
	}
	if err := checkAddress(address, n); err != nil {
		return c.fail(err)
	}
	c.initWrite(unitID, modbus.FuncCodeWriteMultipleRegisters, 6+2*n, address, n)
	c.pdu.SetUint16(3, uint16(n))
	c.pdu.SetByte(5, byte(2*n))
	for i, v := range values {
		c.pdu.SetUint16(6+2*i, v)
	}
	return nil
}

// Execute sends the prepared request and waits for its response.
//
// Each Init allows one Execute. On success the accessors serve the response
// until the next Init. Any other outcome is logged and leaves no response to
// read; Result tells the outcome apart.
func (c *Client) Execute(ctx context.Context) error {
	if !c.pending {
		return fmt.Errorf("%w: no request initialized", modbus.ErrIllegalState)
	}
	c.pending = false
	c.ready = false
	c.exception = 0

	err := c.Transporter.Send(ctx, &c.req)
	if err == nil {
		err = c.Transporter.Receive(ctx, &c.req, &c.resp)
	}
	if err == nil {
		err = c.verify()
	}
	c.result = modbus.ResultOf(err)
	switch c.result {
	case modbus.ResultOK:
		c.ready = true
		return nil
	case modbus.ResultException:
		var exc *modbus.ExceptionError
		if errors.As(err, &exc) {
			c.exception = exc.Code
		}
	}
	c.logger().Warn("Modbus request failed",
		"function", modbus.FunctionName(c.pdu.Function()),
		"unit", c.req.UnitID,
		"result", c.result,
		"err", err)
	return err
}

// verify checks what the framer cannot: the byte count of a read and the
// echo of a write.
func (c *Client) verify() error {
	switch c.family {
	case familyWrite:
		got, want := c.resp.Bytes(), c.pdu.Bytes()[:c.req.ResponseSize]
		if string(got) != string(want) {
			return modbus.BadResponse("write response % X does not echo request % X", got, want)
		}
	default:
		n, err := c.resp.Byte(1)
		if err != nil {
			return modbus.BadResponse("%v", err)
		}
		if int(n) != c.req.ResponseSize-2 {
			return modbus.BadResponse("byte count %d, want %d", n, c.req.ResponseSize-2)
		}
	}
	return nil
}

// Result returns the outcome of the last Execute.
func (c *Client) Result() modbus.Result {
	return c.result
}

// ExceptionCode returns the code of the last exception response, 0 if the
// last Execute did not end with an exception.
func (c *Client) ExceptionCode() modbus.ExceptionCode {
	return c.exception
}

// offset maps address into the response window of the pending read.
func (c *Client) offset(address, width int, f family) (int, error) {
	if !c.ready {
		return 0, fmt.Errorf("%w: no response pending", modbus.ErrIllegalState)
	}
	if c.family != f {
		return 0, fmt.Errorf("%w: pending response is not a %s read", modbus.ErrIllegalState, f)
	}
	off := address - c.start
	if off < 0 || off+width > c.count {
		return 0, fmt.Errorf("%w: address %d not in %d..%d", modbus.ErrOutOfRange, address, c.start, c.start+c.count-1)
	}
	return off, nil
}

// Bit returns a coil or discrete input of the last read response.
func (c *Client) Bit(address int) (bool, error) {
	off, err := c.offset(address, 1, familyBits)
	if err != nil {
		return false, err
	}
	return c.resp.Bit(2+off/8, off%8)
}

// Register returns a register of the last read response.
func (c *Client) Register(address int) (uint16, error) {
	off, err := c.offset(address, 1, familyRegisters)
	if err != nil {
		return 0, err
	}
	return c.resp.Uint16(2 + 2*off)
}

// RegisterInt16 returns a register of the last read response as signed.
func (c *Client) RegisterInt16(address int) (int16, error) {
	off, err := c.offset(address, 1, familyRegisters)
	if err != nil {
		return 0, err
	}
	return c.resp.Int16(2 + 2*off)
}

// Uint32 combines the registers at address and address+1.
func (c *Client) Uint32(address int, order modbus.WordOrder) (uint32, error) {
	off, err := c.offset(address, 2, familyRegisters)
	if err != nil {
		return 0, err
	}
	return c.resp.Uint32(2+2*off, order)
}

// Int32 combines the registers at address and address+1 as signed.
func (c *Client) Int32(address int, order modbus.WordOrder) (int32, error) {
	v, err := c.Uint32(address, order)
	return int32(v), err
}

// Float32 reads the registers at address and address+1 as an IEEE-754 value.
func (c *Client) Float32(address int, order modbus.WordOrder) (float32, error) {
	off, err := c.offset(address, 2, familyRegisters)
	if err != nil {
		return 0, err
	}
	return c.resp.Float32(2+2*off, order)
}

// Close closes the transporter.
func (c *Client) Close() error {
	return c.Transporter.Close()
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (f family) String() string {
	switch f {
	case familyBits:
		return "bit"
	case familyRegisters:
		return "register"
	case familyWrite:
		return "write"
	default:
		return "none"
	}
}
