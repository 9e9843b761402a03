// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtuovertcp

import (
	"bytes"
	"context"
	"errors"
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

func encode(t *testing.T, unit byte, pdu ...byte) []byte {
	t.Helper()
	adu := rtuframer.ApplicationDataUnit{UnitID: unit, PDU: pdu}
	raw, err := adu.Encode(nil)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func startServer(t *testing.T) (*Server, *server.Processor) {
	t.Helper()
	bank, err := databank.NewBank(databank.DefaultLayout())
	if err != nil {
		t.Fatal(err)
	}
	proc := server.NewProcessor(bank)

	s := NewServer("127.0.0.1:0")
	s.FrameTimeout = 100 * time.Millisecond
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx, proc.ServeModbus) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Start returned %v", err)
		}
	})
	return s, proc
}

func TestServer_LifeCycle(t *testing.T) {
	s, proc := startServer(t)
	proc.Bank.HoldingRegisters().SetUint16(0, 0xAABB)

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write(encode(t, 1, 0x03, 0x00, 0x00, 0x00, 0x01)); err != nil {
		t.Fatal(err)
	}
	want := encode(t, 1, 0x03, 0x02, 0xAA, 0xBB)
	got := make([]byte, len(want))
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("response % X, want % X", got, want)
	}
}

func TestServer_BadCRCClosesConnection(t *testing.T) {
	s, _ := startServer(t)
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	raw := encode(t, 1, 0x03, 0x00, 0x00, 0x00, 0x01)
	raw[len(raw)-2] ^= 0xFF
	conn.Write(raw)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read err = %v, want EOF", err)
	}
}

func TestClient_AgainstServer(t *testing.T) {
	s, proc := startServer(t)
	proc.Bank.HoldingRegisters().SetUint16(3, 123)

	client := NewClient(config.ClientConfig{
		Tcp:            config.TcpConfig{Address: s.Addr().String()},
		Timeout:        time.Second,
		KeepConnection: true,
	}, nil)
	defer client.Close()

	pdu := &modbus.PDU{}
	pdu.SetBytes([]byte{0x03, 0x00, 0x00, 0x00, 0x0A})
	req := &modbus.Request{UnitID: 1, PDU: pdu, ResponseSize: 2 + 2*10}
	ctx := context.Background()
	if err := client.Send(ctx, req); err != nil {
		t.Fatal(err)
	}
	resp := &modbus.PDU{}
	if err := client.Receive(ctx, req, resp); err != nil {
		t.Fatal(err)
	}
	if v, _ := resp.Uint16(2 + 2*3); v != 123 {
		t.Errorf("register 3 = %d, want 123", v)
	}

	pdu.SetBytes([]byte{0x03, 0x00, 0x63, 0x00, 0x02})
	req.ResponseSize = 2 + 2*2
	if err := client.Send(ctx, req); err != nil {
		t.Fatal(err)
	}
	var exc *modbus.ExceptionError
	if err := client.Receive(ctx, req, resp); !errors.As(err, &exc) || exc.Code != modbus.ExceptionCodeIllegalDataAddress {
		t.Errorf("err = %v, want illegal data address", err)
	}
}
