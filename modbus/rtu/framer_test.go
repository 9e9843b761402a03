// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ffutop/gomodbus/modbus"
)

func TestCalculateRequestLength(t *testing.T) {
	tests := []struct {
		name     string
		funcCode byte
		header   []byte
		want     int
		wantErr  bool
	}{
		{"ReadHoldingRegisters", 0x03, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}, 8, false},
		{"WriteSingleRegister", 0x06, []byte{0x01, 0x06, 0x00, 0x00, 0xAA, 0xBB}, 8, false},
		{"WriteMultipleRegisters_ShortHeader", 0x10, []byte{0x01, 0x10, 0x00, 0x01, 0x00, 0x01}, 0, true},
		{"WriteMultipleRegisters_Valid", 0x10, []byte{0x01, 0x10, 0x00, 0x01, 0x00, 0x01, 0x02}, 7 + 2 + 2, false},
		{"UnknownFunction", 0x99, []byte{0x01, 0x99}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CalculateRequestLength(tt.funcCode, tt.header)
			if (err != nil) != tt.wantErr {
				t.Errorf("calculateRequestLength() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("calculateRequestLength() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	adu := ApplicationDataUnit{UnitID: 0x11, PDU: []byte{0x03, 0x00, 0x6B, 0x00, 0x03}}
	raw, err := adu.Encode(nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03, 0x76, 0x87}
	if !bytes.Equal(raw, want) {
		t.Fatalf("Encode = % X, want % X", raw, want)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.UnitID != 0x11 || !bytes.Equal(got.PDU, adu.PDU) {
		t.Errorf("Decode = %+v", got)
	}

	raw[3] ^= 0xFF
	if _, err := Decode(raw); !errors.Is(err, ErrCRC) {
		t.Errorf("corrupted frame: err = %v", err)
	}
}

func TestEncodeKeepsPrefix(t *testing.T) {
	adu := ApplicationDataUnit{UnitID: 1, PDU: []byte{0x01, 0x00, 0x00, 0x00, 0x08}}
	raw, _ := adu.Encode([]byte{0xAA})
	if raw[0] != 0xAA || len(raw) != 9 || raw[7] != 0x3D || raw[8] != 0xCC {
		t.Errorf("got % X", raw)
	}
}

// pipeStream adapts one end of net.Pipe to modbus.Stream.
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

// respond reads one request of reqLen bytes from conn and writes resp.
func respond(conn net.Conn, reqLen int, resp []byte) {
	buf := make([]byte, reqLen)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return
	}
	if resp != nil {
		conn.Write(resp)
	}
}

func writeCoilRequest(t *testing.T) *modbus.Request {
	t.Helper()
	var pdu modbus.PDU
	if err := pdu.SetBytes([]byte{0x05, 0x00, 0x05, 0xFF, 0x00}); err != nil {
		t.Fatal(err)
	}
	return &modbus.Request{UnitID: 1, PDU: &pdu, ResponseSize: 5}
}

func exchange(t *testing.T, f *Framer, req *modbus.Request) (*modbus.PDU, error) {
	t.Helper()
	var resp modbus.PDU
	ctx := context.Background()
	if err := f.Send(ctx, req); err != nil {
		t.Fatalf("Send: %v", err)
	}
	return &resp, f.Receive(ctx, req, &resp)
}

func newPipeFramer(t *testing.T, reply []byte) *Framer {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { local.Close(); remote.Close() })
	f := NewFramer(&pipeStream{Conn: local})
	f.Timeout = 100 * time.Millisecond
	go respond(remote, 8, reply)
	return f
}

func TestFramer_WriteSingleCoil(t *testing.T) {
	reply := []byte{0x01, 0x05, 0x00, 0x05, 0xFF, 0x00, 0x9C, 0x3B}
	f := newPipeFramer(t, reply)

	resp, err := exchange(t, f, writeCoilRequest(t))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !bytes.Equal(resp.Bytes(), reply[1:6]) {
		t.Errorf("response pdu % X", resp.Bytes())
	}
}

func TestFramer_CorruptedResponse(t *testing.T) {
	good := []byte{0x01, 0x05, 0x00, 0x05, 0xFF, 0x00, 0x9C, 0x3B}
	for i := 0; i < len(good)-2; i++ {
		reply := bytes.Clone(good)
		reply[i] ^= 0x01
		f := newPipeFramer(t, reply)

		_, err := exchange(t, f, writeCoilRequest(t))
		if modbus.ResultOf(err) != modbus.ResultBadResponse {
			t.Errorf("byte %d corrupted: err = %v, want bad response", i, err)
		}
	}
}

func TestFramer_Exception(t *testing.T) {
	reply := []byte{0x01, 0x85, 0x02, 0xC3, 0x51}
	f := newPipeFramer(t, reply)

	resp, err := exchange(t, f, writeCoilRequest(t))
	var exc *modbus.ExceptionError
	if !errors.As(err, &exc) {
		t.Fatalf("err = %v, want exception", err)
	}
	if exc.Code != modbus.ExceptionCodeIllegalDataAddress {
		t.Errorf("code = %v", exc.Code)
	}
	if resp.Size() != 2 || resp.Function() != 0x85 {
		t.Errorf("exception pdu % X", resp.Bytes())
	}
}

func TestFramer_Timeout(t *testing.T) {
	f := newPipeFramer(t, nil)

	_, err := exchange(t, f, writeCoilRequest(t))
	if !errors.Is(err, modbus.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestFramer_CloseWithoutKeepConnection(t *testing.T) {
	reply := []byte{0x01, 0x05, 0x00, 0x05, 0xFF, 0x00, 0x9C, 0x3B}
	f := newPipeFramer(t, reply)
	f.KeepConnection = false

	if _, err := exchange(t, f, writeCoilRequest(t)); err != nil {
		t.Fatal(err)
	}
	if !f.Stream.(*pipeStream).closed {
		t.Error("stream left open")
	}
}
