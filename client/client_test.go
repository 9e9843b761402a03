// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package client

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ffutop/gomodbus/databank"
	"github.com/ffutop/gomodbus/internal/config"
	"github.com/ffutop/gomodbus/modbus"
	rtuframer "github.com/ffutop/gomodbus/modbus/rtu"
	"github.com/ffutop/gomodbus/server"
	"github.com/ffutop/gomodbus/transport/local"
	"github.com/ffutop/gomodbus/transport/tcp"
)

// countingTransporter fails the test on any I/O.
type countingTransporter struct {
	sends int
}

func (c *countingTransporter) Send(ctx context.Context, req *modbus.Request) error {
	c.sends++
	return errors.New("unexpected send")
}

func (c *countingTransporter) Receive(ctx context.Context, req *modbus.Request, resp *modbus.PDU) error {
	return errors.New("unexpected receive")
}

func (c *countingTransporter) Close() error { return nil }

func TestInitReadHoldingRegisters_Bounds(t *testing.T) {
	tr := &countingTransporter{}
	c := New(tr)

	for _, count := range []int{0, 126} {
		if err := c.InitReadHoldingRegistersRequest(1, 0, count); !errors.Is(err, modbus.ErrInvalidArgument) {
			t.Errorf("count %d: err = %v, want invalid argument", count, err)
		}
		if err := c.Execute(context.Background()); !errors.Is(err, modbus.ErrIllegalState) {
			t.Errorf("count %d: Execute err = %v, want illegal state", count, err)
		}
	}
	if tr.sends != 0 {
		t.Errorf("%d sends after rejected requests", tr.sends)
	}

	if err := c.InitReadHoldingRegistersRequest(1, 0, 125); err != nil {
		t.Fatalf("count 125: %v", err)
	}
	if diff := cmp.Diff([]byte{0x03, 0x00, 0x00, 0x00, 0x7D}, c.pdu.Bytes()); diff != "" {
		t.Errorf("request pdu (-want +got):\n%s", diff)
	}
	if c.req.ResponseSize != 252 {
		t.Errorf("response size %d, want 252", c.req.ResponseSize)
	}
}

func TestInit_Bounds(t *testing.T) {
	c := New(&countingTransporter{})
	tests := []struct {
		name string
		err  error
	}{
		{"coils 2001", c.InitReadCoilsRequest(1, 0, 2001)},
		{"inputs 0", c.InitReadDiscreteInputsRequest(1, 0, 0)},
		{"input registers past 65535", c.InitReadInputRegistersRequest(1, 65535, 2)},
		{"negative address", c.InitWriteRegisterRequest(1, -1, 0)},
		{"no coils", c.InitWriteCoilsRequest(1, 0, nil)},
		{"1969 coils", c.InitWriteCoilsRequest(1, 0, make([]bool, 1969))},
		{"no registers", c.InitWriteRegistersRequest(1, 0, []uint16{})},
		{"124 registers", c.InitWriteRegistersRequest(1, 0, make([]uint16, 124))},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, modbus.ErrInvalidArgument) {
			t.Errorf("%s: err = %v, want invalid argument", tt.name, tt.err)
		}
	}
	if err := c.InitWriteCoilsRequest(1, 0, make([]bool, 1968)); err != nil {
		t.Errorf("1968 coils: %v", err)
	}
	if err := c.InitWriteRegistersRequest(1, 0, make([]uint16, 123)); err != nil {
		t.Errorf("123 registers: %v", err)
	}
}

func TestInitWriteCoils_Packing(t *testing.T) {
	c := New(&countingTransporter{})
	// Leave stale bytes behind to catch missing padding.
	c.InitWriteRegistersRequest(1, 0, []uint16{0xFFFF, 0xFFFF, 0xFFFF})
	values := []bool{true, false, true, true, false, false, true, true, true, false}
	if err := c.InitWriteCoilsRequest(1, 19, values); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x0F, 0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01}
	if diff := cmp.Diff(want, c.pdu.Bytes()); diff != "" {
		t.Errorf("request pdu (-want +got):\n%s", diff)
	}
}

func newBank(t *testing.T) (*databank.Bank, *server.Processor) {
	t.Helper()
	bank, err := databank.NewBank(databank.DefaultLayout())
	if err != nil {
		t.Fatal(err)
	}
	return bank, server.NewProcessor(bank)
}

func TestExecute_TCP(t *testing.T) {
	bank, proc := newBank(t)
	bank.HoldingRegisters().SetUint16(3, 123)

	srv := tcp.NewServer("127.0.0.1:0")
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx, proc.ServeModbus) }()
	defer func() {
		cancel()
		<-done
	}()

	c := New(tcp.NewClient(config.ClientConfig{
		Tcp:            config.TcpConfig{Address: srv.Addr().String()},
		Timeout:        time.Second,
		KeepConnection: true,
	}, nil))
	defer c.Close()

	if err := c.InitReadHoldingRegistersRequest(1, 0, 10); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if c.Result() != modbus.ResultOK {
		t.Errorf("Result = %v", c.Result())
	}
	for a := 0; a < 10; a++ {
		want := uint16(0)
		if a == 3 {
			want = 123
		}
		if got, err := c.Register(a); err != nil || got != want {
			t.Errorf("Register(%d) = %d, %v; want %d", a, got, err, want)
		}
	}

	// Out of the table: exception 2.
	if err := c.InitReadHoldingRegistersRequest(1, 99, 2); err != nil {
		t.Fatal(err)
	}
	err := c.Execute(context.Background())
	if c.Result() != modbus.ResultException || c.ExceptionCode() != modbus.ExceptionCodeIllegalDataAddress {
		t.Errorf("Result = %v code %v, err %v", c.Result(), c.ExceptionCode(), err)
	}
	if !errors.Is(err, modbus.ExceptionCodeIllegalDataAddress) {
		t.Errorf("err = %v, want illegal data address", err)
	}
	if _, err := c.Register(99); !errors.Is(err, modbus.ErrIllegalState) {
		t.Errorf("Register after exception: err = %v", err)
	}
}

// scriptedStream answers every write with reply.
type scriptedStream struct {
	reply   []byte
	written bytes.Buffer
	pending bytes.Buffer
}

func (s *scriptedStream) Open(ctx context.Context) error { return nil }
func (s *scriptedStream) Close() error                   { return nil }

func (s *scriptedStream) SetReadDeadline(t time.Time) error { return nil }

func (s *scriptedStream) Write(b []byte) (int, error) {
	s.written.Write(b)
	s.pending.Write(s.reply)
	return len(b), nil
}

func (s *scriptedStream) Read(b []byte) (int, error) {
	if s.pending.Len() == 0 {
		time.Sleep(time.Millisecond)
		return 0, os.ErrDeadlineExceeded
	}
	return s.pending.Read(b)
}

func rtuClient(reply []byte) (*Client, *scriptedStream) {
	s := &scriptedStream{reply: reply}
	f := rtuframer.NewFramer(s)
	f.Timeout = 50 * time.Millisecond
	return New(f), s
}

func TestExecute_RTUWriteCoil(t *testing.T) {
	reply := []byte{0x01, 0x05, 0x00, 0x05, 0xFF, 0x00, 0x9C, 0x3B}
	c, s := rtuClient(reply)
	if err := c.InitWriteCoilRequest(1, 5, true); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !bytes.Equal(s.written.Bytes(), reply) {
		t.Errorf("request % X, want % X", s.written.Bytes(), reply)
	}

	for i := 0; i < len(reply)-2; i++ {
		bad := bytes.Clone(reply)
		bad[i] ^= 0xFF
		c, _ := rtuClient(bad)
		c.InitWriteCoilRequest(1, 5, true)
		err := c.Execute(context.Background())
		if c.Result() != modbus.ResultBadResponse {
			t.Errorf("byte %d corrupted: result %v, err %v", i, c.Result(), err)
		}
	}
}

func TestExecute_Timeout(t *testing.T) {
	c, _ := rtuClient(nil)
	c.InitReadCoilsRequest(1, 0, 8)
	err := c.Execute(context.Background())
	if !errors.Is(err, modbus.ErrTimeout) || c.Result() != modbus.ResultTimeout {
		t.Errorf("err = %v result %v, want timeout", err, c.Result())
	}
	if _, err := c.Bit(0); !errors.Is(err, modbus.ErrIllegalState) {
		t.Errorf("Bit after timeout: err = %v", err)
	}
}

func TestExecute_WrongByteCount(t *testing.T) {
	// A response of the right size announcing the wrong byte count.
	adu := rtuframer.ApplicationDataUnit{UnitID: 1, PDU: []byte{0x03, 0x03, 0x00, 0x01}}
	reply, _ := adu.Encode(nil)
	c, _ := rtuClient(reply)
	c.InitReadHoldingRegistersRequest(1, 0, 1)
	if err := c.Execute(context.Background()); !errors.Is(err, modbus.ErrBadResponse) {
		t.Errorf("err = %v, want bad response", err)
	}
}

func TestAccessors(t *testing.T) {
	bank, proc := newBank(t)
	hr := bank.HoldingRegisters()
	hr.SetUint16(10, 0xFFFE)
	first, second := modbus.WordsFromFloat32(1.5, modbus.HighWordFirst)
	hr.SetUint16(11, first)
	hr.SetUint16(12, second)
	bank.Coils().SetBool(9, true)

	c := New(local.NewClient(proc))
	if _, err := c.Register(0); !errors.Is(err, modbus.ErrIllegalState) {
		t.Errorf("Register before Execute: err = %v", err)
	}
	if err := c.Execute(context.Background()); !errors.Is(err, modbus.ErrIllegalState) {
		t.Errorf("Execute before Init: err = %v", err)
	}

	c.InitReadHoldingRegistersRequest(1, 10, 3)
	if err := c.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if v, _ := c.RegisterInt16(10); v != -2 {
		t.Errorf("RegisterInt16(10) = %d, want -2", v)
	}
	if f, err := c.Float32(11, modbus.HighWordFirst); err != nil || f != 1.5 {
		t.Errorf("Float32(11) = %v, %v", f, err)
	}
	if _, err := c.Float32(12, modbus.HighWordFirst); !errors.Is(err, modbus.ErrOutOfRange) {
		t.Errorf("Float32(12) err = %v, want out of range", err)
	}
	if _, err := c.Register(9); !errors.Is(err, modbus.ErrOutOfRange) {
		t.Errorf("Register(9) err = %v, want out of range", err)
	}
	if _, err := c.Bit(10); !errors.Is(err, modbus.ErrIllegalState) {
		t.Errorf("Bit on register response: err = %v", err)
	}
	// Idempotent reads.
	a, _ := c.Register(10)
	b, _ := c.Register(10)
	if a != b {
		t.Errorf("Register(10) changed between calls: %d, %d", a, b)
	}

	bits, err := c.ReadCoils(context.Background(), 1, 8, 3)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]bool{false, true, false}, bits); diff != "" {
		t.Errorf("ReadCoils (-want +got):\n%s", diff)
	}
	if _, err := c.Register(8); !errors.Is(err, modbus.ErrIllegalState) {
		t.Errorf("Register on bit response: err = %v", err)
	}
}

func TestConvenienceWrites(t *testing.T) {
	bank, proc := newBank(t)
	c := New(local.NewClient(proc))
	ctx := context.Background()

	if err := c.WriteRegisters(ctx, 1, 20, []uint16{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteRegister(ctx, 1, 23, 4); err != nil {
		t.Fatal(err)
	}
	regs, err := c.ReadHoldingRegisters(ctx, 1, 20, 4)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint16{1, 2, 3, 4}, regs); diff != "" {
		t.Errorf("ReadHoldingRegisters (-want +got):\n%s", diff)
	}

	values := []bool{true, true, false, true, false, false, false, false, true}
	if err := c.WriteCoils(ctx, 1, 0, values); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteCoil(ctx, 1, 2, true); err != nil {
		t.Fatal(err)
	}
	values[2] = true
	got := make([]bool, len(values))
	bank.Coils().ReadBools(0, got)
	if diff := cmp.Diff(values, got); diff != "" {
		t.Errorf("coils (-want +got):\n%s", diff)
	}

	bank.InputRegisters().SetUint16(0, 7)
	in, err := c.ReadInputRegisters(ctx, 1, 0, 1)
	if err != nil || in[0] != 7 {
		t.Errorf("ReadInputRegisters = %v, %v", in, err)
	}
	bank.DiscreteInputs().SetBool(1, true)
	di, err := c.ReadDiscreteInputs(ctx, 1, 0, 2)
	if err != nil || di[0] || !di[1] {
		t.Errorf("ReadDiscreteInputs = %v, %v", di, err)
	}
}

func TestExecute_RequestIsSingleUse(t *testing.T) {
	bank, proc := newBank(t)
	c := New(local.NewClient(proc))
	hr := bank.HoldingRegisters()

	if err := c.InitWriteRegisterRequest(1, 5, 7); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	hr.SetUint16(5, 0)
	if err := c.Execute(context.Background()); !errors.Is(err, modbus.ErrIllegalState) {
		t.Errorf("second Execute err = %v, want illegal state", err)
	}
	if v, _ := hr.Uint16(5); v != 0 {
		t.Errorf("register 5 = %d, request sent twice", v)
	}

	// A read response stays readable after a rejected Execute.
	hr.SetUint16(6, 42)
	c.InitReadHoldingRegistersRequest(1, 6, 1)
	if err := c.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(context.Background()); !errors.Is(err, modbus.ErrIllegalState) {
		t.Errorf("second Execute err = %v, want illegal state", err)
	}
	if v, err := c.Register(6); err != nil || v != 42 {
		t.Errorf("Register(6) = %d, %v", v, err)
	}
}

func TestExecute_SingleUseWritesNothing(t *testing.T) {
	reply := []byte{0x01, 0x05, 0x00, 0x05, 0xFF, 0x00, 0x9C, 0x3B}
	c, s := rtuClient(reply)
	c.InitWriteCoilRequest(1, 5, true)
	if err := c.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	written := s.written.Len()
	if err := c.Execute(context.Background()); !errors.Is(err, modbus.ErrIllegalState) {
		t.Errorf("second Execute err = %v, want illegal state", err)
	}
	if s.written.Len() != written {
		t.Errorf("%d bytes written by a consumed request", s.written.Len()-written)
	}
}
