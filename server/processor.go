// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package server answers Modbus requests from a databank.Bank.
package server

import (
	"context"
	"log/slog"

	"github.com/ffutop/gomodbus/databank"
	"github.com/ffutop/gomodbus/databank/persistence"
	"github.com/ffutop/gomodbus/modbus"
)

// minRequestSize is the smallest request of every supported function:
// function code, address and count or value.
const minRequestSize = 5

// WriteHandler is consulted for every cell a write request touches. Returning
// false rejects the request with a server device failure exception.
type WriteHandler interface {
	OnWrite(t *databank.Table, address int, value uint16) bool
}

// WriteHandlerFunc adapts a function to a WriteHandler.
type WriteHandlerFunc func(t *databank.Table, address int, value uint16) bool

func (f WriteHandlerFunc) OnWrite(t *databank.Table, address int, value uint16) bool {
	return f(t, address, value)
}

// Processor implements the Modbus protocol logic on top of a Bank.
//
// Accepted writes are stored in the bank and reported to Storage. A write
// request spanning several cells is applied atomically: either every cell is
// accepted by the handler and stored, or none is. A nil Handler accepts
// every write.
type Processor struct {
	Bank    *databank.Bank
	Handler WriteHandler
	Storage persistence.Storage
	Logger  *slog.Logger
}

// NewProcessor creates a Processor over b without write handler or storage.
func NewProcessor(b *databank.Bank) *Processor {
	return &Processor{Bank: b, Logger: slog.Default()}
}

// ServeModbus processes the request in pdu and leaves the response in place.
// It reports false when the request is malformed and must not be answered.
func (p *Processor) ServeModbus(ctx context.Context, unitID byte, pdu *modbus.PDU) bool {
	if pdu.Size() < minRequestSize {
		p.logger().Error("Invalid PDU size", "size", pdu.Size(), "unit", unitID)
		pdu.Reset()
		return false
	}
	fc := pdu.Function()
	switch fc {
	case modbus.FuncCodeReadCoils:
		p.readBits(pdu, p.Bank.Coils())
	case modbus.FuncCodeReadDiscreteInputs:
		p.readBits(pdu, p.Bank.DiscreteInputs())
	case modbus.FuncCodeReadHoldingRegisters:
		p.readRegisters(pdu, p.Bank.HoldingRegisters())
	case modbus.FuncCodeReadInputRegisters:
		p.readRegisters(pdu, p.Bank.InputRegisters())
	case modbus.FuncCodeWriteSingleCoil:
		p.writeSingleCoil(pdu)
	case modbus.FuncCodeWriteSingleRegister:
		p.writeSingleRegister(pdu)
	case modbus.FuncCodeWriteMultipleCoils:
		p.writeMultipleCoils(pdu)
	case modbus.FuncCodeWriteMultipleRegisters:
		p.writeMultipleRegisters(pdu)
	default:
		p.logger().Error("Unknown function", "function", fc, "unit", unitID)
		p.exception(pdu, modbus.ExceptionCodeIllegalFunction)
	}
	return pdu.Size() > 0
}

// validRange checks the count bound and the address span; on failure pdu
// holds the exception response.
func (p *Processor) validRange(pdu *modbus.PDU, t *databank.Table, addr, count, limit int) bool {
	if count < 1 || count > limit {
		p.logger().Warn("Invalid count", "table", t.Kind(), "count", count, "max", limit)
		p.exception(pdu, modbus.ExceptionCodeIllegalDataValue)
		return false
	}
	if !t.IsValidRange(addr, count) {
		p.logger().Warn("Invalid range", "table", t.Kind(), "from", addr, "to", addr+count-1,
			"first", t.Start(), "last", t.Start()+t.Count()-1)
		p.exception(pdu, modbus.ExceptionCodeIllegalDataAddress)
		return false
	}
	return true
}

func (p *Processor) readBits(pdu *modbus.PDU, t *databank.Table) {
	addr, count := addressAndCount(pdu)
	p.logger().Debug("Read bits", "table", t.Kind(), "address", addr, "count", count)
	if !p.validRange(pdu, t, addr, count, modbus.MaxReadBits) {
		return
	}
	bits := make([]bool, count)
	if err := t.ReadBools(addr, bits); err != nil {
		p.logger().Error("Read failed", "table", t.Kind(), "err", err)
		p.exception(pdu, modbus.ExceptionCodeServerDeviceFailure)
		return
	}
	n := modbus.BitBytes(count)
	fc := pdu.Function()
	pdu.Reset()
	pdu.SetSize(2 + n)
	pdu.SetFunction(fc)
	pdu.SetByte(1, byte(n))
	for i, on := range bits {
		pdu.SetBit(2+i/8, i%8, on)
	}
}

func (p *Processor) readRegisters(pdu *modbus.PDU, t *databank.Table) {
	addr, count := addressAndCount(pdu)
	p.logger().Debug("Read registers", "table", t.Kind(), "address", addr, "count", count)
	if !p.validRange(pdu, t, addr, count, modbus.MaxReadRegisters) {
		return
	}
	regs := make([]uint16, count)
	if err := t.ReadUint16s(addr, regs); err != nil {
		p.logger().Error("Read failed", "table", t.Kind(), "err", err)
		p.exception(pdu, modbus.ExceptionCodeServerDeviceFailure)
		return
	}
	fc := pdu.Function()
	pdu.Reset()
	pdu.SetSize(2 + 2*count)
	pdu.SetFunction(fc)
	pdu.SetByte(1, byte(2*count))
	for i, v := range regs {
		pdu.SetUint16(2+2*i, v)
	}
}

func (p *Processor) writeSingleCoil(pdu *modbus.PDU) {
	t := p.Bank.Coils()
	addr, value := addressAndCount(pdu)
	p.logger().Debug("Write single coil", "address", addr, "value", value)
	if value != modbus.CoilOn && value != modbus.CoilOff {
		p.logger().Warn("Invalid coil value, must be 0 or 0xFF00", "value", value)
		p.exception(pdu, modbus.ExceptionCodeIllegalDataValue)
		return
	}
	if !t.IsValidAddress(addr) {
		p.logger().Warn("Invalid coil address", "address", addr)
		p.exception(pdu, modbus.ExceptionCodeIllegalDataAddress)
		return
	}
	cell := uint16(0)
	if value == modbus.CoilOn {
		cell = 1
	}
	if !p.commit(t, addr, []uint16{cell}) {
		p.exception(pdu, modbus.ExceptionCodeServerDeviceFailure)
		return
	}
	pdu.SetSize(minRequestSize)
}

func (p *Processor) writeSingleRegister(pdu *modbus.PDU) {
	t := p.Bank.HoldingRegisters()
	addr, value := addressAndCount(pdu)
	p.logger().Debug("Write single register", "address", addr, "value", value)
	if !t.IsValidAddress(addr) {
		p.logger().Warn("Invalid register address", "address", addr)
		p.exception(pdu, modbus.ExceptionCodeIllegalDataAddress)
		return
	}
	if !p.commit(t, addr, []uint16{uint16(value)}) {
		p.exception(pdu, modbus.ExceptionCodeServerDeviceFailure)
		return
	}
	pdu.SetSize(minRequestSize)
}

// writeHeader validates the common part of the write multiple requests and
// returns address and count. ok is false once pdu holds the outcome.
func (p *Processor) writeHeader(pdu *modbus.PDU, t *databank.Table, limit int, byteCount func(int) int) (addr, count int, ok bool) {
	addr, count = addressAndCount(pdu)
	n, err := pdu.Byte(5)
	if err != nil || pdu.Size() < 6+int(n) {
		p.logger().Warn("Invalid PDU size for declared byte count", "size", pdu.Size(), "bytes", n)
		pdu.Reset()
		return 0, 0, false
	}
	p.logger().Debug("Write multiple", "table", t.Kind(), "address", addr, "count", count)
	if !p.validRange(pdu, t, addr, count, limit) {
		return 0, 0, false
	}
	if want := byteCount(count); int(n) != want {
		p.logger().Warn("Byte count does not match element count", "bytes", n, "count", count, "want", want)
		p.exception(pdu, modbus.ExceptionCodeIllegalDataValue)
		return 0, 0, false
	}
	return addr, count, true
}

func (p *Processor) writeMultipleCoils(pdu *modbus.PDU) {
	t := p.Bank.Coils()
	addr, count, ok := p.writeHeader(pdu, t, modbus.MaxWriteCoils, modbus.BitBytes)
	if !ok {
		return
	}
	cells := make([]uint16, count)
	for i := range cells {
		if on, _ := pdu.Bit(6+i/8, i%8); on {
			cells[i] = 1
		}
	}
	if !p.commit(t, addr, cells) {
		p.exception(pdu, modbus.ExceptionCodeServerDeviceFailure)
		return
	}
	pdu.SetSize(minRequestSize)
}

func (p *Processor) writeMultipleRegisters(pdu *modbus.PDU) {
	t := p.Bank.HoldingRegisters()
	addr, count, ok := p.writeHeader(pdu, t, modbus.MaxWriteRegisters, func(n int) int { return 2 * n })
	if !ok {
		return
	}
	cells := make([]uint16, count)
	for i := range cells {
		cells[i], _ = pdu.Uint16(6 + 2*i)
	}
	if !p.commit(t, addr, cells) {
		p.exception(pdu, modbus.ExceptionCodeServerDeviceFailure)
		return
	}
	pdu.SetSize(minRequestSize)
}

// commit offers every cell to the handler and stores all of them only if
// none was rejected.
func (p *Processor) commit(t *databank.Table, addr int, cells []uint16) bool {
	if p.Handler != nil {
		for i, v := range cells {
			if !p.Handler.OnWrite(t, addr+i, v) {
				p.logger().Warn("Write rejected", "table", t.Kind(), "address", addr+i, "count", len(cells))
				return false
			}
		}
	}
	if err := t.WriteUint16s(addr, cells); err != nil {
		p.logger().Error("Write failed", "table", t.Kind(), "address", addr, "err", err)
		return false
	}
	if p.Storage != nil {
		p.Storage.OnWrite(t.Kind(), addr, len(cells))
	}
	return true
}

func (p *Processor) exception(pdu *modbus.PDU, code modbus.ExceptionCode) {
	p.logger().Debug("Sending exception", "function", pdu.Function(), "code", code)
	pdu.SetException(pdu.Function(), code)
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func addressAndCount(pdu *modbus.PDU) (int, int) {
	a, _ := pdu.Uint16(1)
	n, _ := pdu.Uint16(3)
	return int(a), int(n)
}
