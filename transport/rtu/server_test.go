// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtu

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ffutop/gomodbus/databank"
	"github.com/ffutop/gomodbus/internal/config"
	"github.com/ffutop/gomodbus/modbus"
	rtuframer "github.com/ffutop/gomodbus/modbus/rtu"
	"github.com/ffutop/gomodbus/server"
)

// pipeStream is one end of a net.Pipe posing as a serial line.
type pipeStream struct {
	net.Conn
}

func (p *pipeStream) Open(ctx context.Context) error { return nil }

func encode(t *testing.T, unit byte, pdu ...byte) []byte {
	t.Helper()
	adu := rtuframer.ApplicationDataUnit{UnitID: unit, PDU: pdu}
	raw, err := adu.Encode(nil)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

type slaveHarness struct {
	master net.Conn
	proc   *server.Processor
}

func startSlave(t *testing.T, unit byte) *slaveHarness {
	t.Helper()
	bank, err := databank.NewBank(databank.DefaultLayout())
	if err != nil {
		t.Fatal(err)
	}
	proc := server.NewProcessor(bank)
	line, master := net.Pipe()

	s := NewServer(config.SerialConfig{BaudRate: 19200, Timeout: 100 * time.Millisecond}, unit)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, &pipeStream{line}, proc.ServeModbus) }()
	t.Cleanup(func() {
		cancel()
		master.Close()
		if err := <-done; err != nil {
			t.Errorf("serve returned %v", err)
		}
	})
	return &slaveHarness{master: master, proc: proc}
}

func (h *slaveHarness) send(t *testing.T, raw []byte) {
	t.Helper()
	h.master.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := h.master.Write(raw); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func (h *slaveHarness) expect(t *testing.T, want []byte) {
	t.Helper()
	got := make([]byte, len(want))
	h.master.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(h.master, got); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("response % X, want % X", got, want)
	}
}

func TestServer_ReadAndWrite(t *testing.T) {
	h := startSlave(t, 1)
	h.proc.Bank.HoldingRegisters().SetUint16(0, 0xAABB)

	h.send(t, encode(t, 1, 0x03, 0x00, 0x00, 0x00, 0x01))
	h.expect(t, encode(t, 1, 0x03, 0x02, 0xAA, 0xBB))

	h.send(t, encode(t, 1, 0x05, 0x00, 0x05, 0xFF, 0x00))
	h.expect(t, encode(t, 1, 0x05, 0x00, 0x05, 0xFF, 0x00))
	if on, _ := h.proc.Bank.Coils().Bool(5); !on {
		t.Error("coil 5 not set")
	}

	h.send(t, encode(t, 1, 0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x11, 0x22, 0x33, 0x44))
	h.expect(t, encode(t, 1, 0x10, 0x00, 0x01, 0x00, 0x02))
}

func TestServer_IgnoresOtherUnits(t *testing.T) {
	h := startSlave(t, 1)

	h.send(t, encode(t, 2, 0x03, 0x00, 0x00, 0x00, 0x01))
	// Broadcast is executed without a reply.
	h.send(t, encode(t, 0, 0x06, 0x00, 0x07, 0x12, 0x34))
	h.send(t, encode(t, 1, 0x03, 0x00, 0x07, 0x00, 0x01))
	h.expect(t, encode(t, 1, 0x03, 0x02, 0x12, 0x34))
}

func TestServer_ResynchronizesAfterGarbage(t *testing.T) {
	h := startSlave(t, 1)

	bad := encode(t, 1, 0x03, 0x00, 0x00, 0x00, 0x01)
	bad[len(bad)-1] ^= 0xFF
	h.send(t, bad)
	time.Sleep(20 * time.Millisecond)
	h.send(t, []byte{0x01, 0x2B, 0x0E, 0x01, 0x00, 0x00, 0x00})
	time.Sleep(20 * time.Millisecond)

	h.send(t, encode(t, 1, 0x04, 0x00, 0x00, 0x00, 0x01))
	h.expect(t, encode(t, 1, 0x04, 0x02, 0x00, 0x00))
}

func TestServer_CloseStopsServe(t *testing.T) {
	line, master := net.Pipe()
	defer master.Close()
	s := NewServer(config.SerialConfig{}, 0)

	done := make(chan error, 1)
	go func() {
		done <- s.serve(context.Background(), &pipeStream{line}, func(context.Context, byte, *modbus.PDU) bool { return true })
	}()
	time.Sleep(20 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("serve did not return after Close")
	}
}
