// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ffutop/gomodbus/modbus"
)

type pipeStream struct {
	net.Conn
	closed bool
}

func (p *pipeStream) Open(ctx context.Context) error {
	if p.closed {
		return io.ErrClosedPipe
	}
	return nil
}

func (p *pipeStream) Close() error {
	p.closed = true
	return p.Conn.Close()
}

func readHoldingRequest(t *testing.T, count uint16) *modbus.Request {
	t.Helper()
	var pdu modbus.PDU
	pdu.SetSize(5)
	pdu.SetFunction(modbus.FuncCodeReadHoldingRegisters)
	pdu.SetUint16(1, 0)
	pdu.SetUint16(3, count)
	return &modbus.Request{UnitID: 1, PDU: &pdu, ResponseSize: 2 + 2*int(count)}
}

// serve answers one request; mutate may rewrite the response frame.
func serve(conn net.Conn, regs []uint16, mutate func([]byte)) {
	head := make([]byte, HeaderSize)
	if _, err := io.ReadFull(conn, head); err != nil {
		return
	}
	h, _ := ParseHeader(head)
	pdu := make([]byte, h.Length-1)
	if _, err := io.ReadFull(conn, pdu); err != nil {
		return
	}
	resp := []byte{modbus.FuncCodeReadHoldingRegisters, byte(2 * len(regs))}
	for _, r := range regs {
		resp = binary.BigEndian.AppendUint16(resp, r)
	}
	adu := ApplicationDataUnit{TransactionID: h.TransactionID, UnitID: head[6], PDU: resp}
	raw, _ := adu.Encode(nil)
	if mutate != nil {
		mutate(raw)
	}
	conn.Write(raw)
}

func newPipeFramer(t *testing.T, regs []uint16, mutate func([]byte)) *Framer {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { local.Close(); remote.Close() })
	go serve(remote, regs, mutate)
	f := NewFramer(&pipeStream{Conn: local})
	f.Timeout = 100 * time.Millisecond
	return f
}

func exchange(f *Framer, req *modbus.Request) (*modbus.PDU, error) {
	var resp modbus.PDU
	ctx := context.Background()
	if err := f.Send(ctx, req); err != nil {
		return nil, err
	}
	return &resp, f.Receive(ctx, req, &resp)
}

func TestFramer_ReadHoldingRegisters(t *testing.T) {
	f := newPipeFramer(t, []uint16{7, 123}, nil)
	resp, err := exchange(f, readHoldingRequest(t, 2))
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := resp.Uint16(4); v != 123 {
		t.Errorf("register 1 = %d, want 123 (% X)", v, resp.Bytes())
	}
	if f.Stream.(*pipeStream).closed {
		t.Error("connection closed although KeepConnection is set")
	}
}

func TestFramer_TransactionMismatchForcesReconnect(t *testing.T) {
	f := newPipeFramer(t, []uint16{1}, func(raw []byte) { raw[1]++ })
	_, err := exchange(f, readHoldingRequest(t, 1))
	if !errors.Is(err, modbus.ErrBadResponse) {
		t.Fatalf("err = %v, want bad response", err)
	}
	if !f.Stream.(*pipeStream).closed {
		t.Error("desynchronized connection left open")
	}
}

func TestFramer_LengthMismatch(t *testing.T) {
	f := newPipeFramer(t, []uint16{1, 2}, nil)
	_, err := exchange(f, readHoldingRequest(t, 1))
	if !errors.Is(err, modbus.ErrBadResponse) {
		t.Fatalf("err = %v, want bad response", err)
	}
}

func TestFramer_Exception(t *testing.T) {
	f2local, remote := net.Pipe()
	defer f2local.Close()
	defer remote.Close()
	go func() {
		head := make([]byte, HeaderSize+5)
		if _, err := io.ReadFull(remote, head); err != nil {
			return
		}
		tid := binary.BigEndian.Uint16(head)
		adu := ApplicationDataUnit{TransactionID: tid, UnitID: 1, PDU: []byte{0x83, 0x02}}
		raw, _ := adu.Encode(nil)
		remote.Write(raw)
	}()
	f2 := NewFramer(&pipeStream{Conn: f2local})
	f2.Timeout = 100 * time.Millisecond

	resp, err := exchange(f2, readHoldingRequest(t, 1))
	var exc *modbus.ExceptionError
	if !errors.As(err, &exc) || exc.Code != modbus.ExceptionCodeIllegalDataAddress {
		t.Fatalf("err = %v, want exception 2", err)
	}
	if resp.Function() != 0x83 {
		t.Errorf("pdu % X", resp.Bytes())
	}
}

func TestFramer_Timeout(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	go io.Copy(io.Discard, remote)

	f := NewFramer(&pipeStream{Conn: local})
	f.Timeout = 50 * time.Millisecond
	_, err := exchange(f, readHoldingRequest(t, 1))
	if modbus.ResultOf(err) != modbus.ResultTimeout {
		t.Fatalf("err = %v, want timeout", err)
	}
}
