// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ffutop/gomodbus/client"
	"github.com/ffutop/gomodbus/internal/config"
	"github.com/ffutop/gomodbus/modbus"
	rtuovertcp "github.com/ffutop/gomodbus/transport/rtu-over-tcp"
	"github.com/ffutop/gomodbus/transport/rtu"
	"github.com/ffutop/gomodbus/transport/tcp"
	"github.com/ffutop/gomodbus/transport/udp"
)

func pollFlags(fs *pflag.FlagSet) {
	config.Flags(fs)
	fs.StringP("function", "f", "holding", "Request (coils, discrete, holding, input, write-coil, write-register, write-coils, write-registers).")
	fs.IntP("ref", "r", 0, "Start address.")
	fs.IntP("count", "n", 1, "Number of values to read.")
	fs.StringSlice("values", nil, "Values to write, e.g. 1,0,1 or 0x10,300.")
	fs.String("format", "uint16", "Register format (uint16, int16, hex, uint32, int32, float32).")
	fs.String("word-order", "high", "Word order of 32-bit values (high, low).")
	fs.Duration("interval", 0, "Repeat the request at this interval until interrupted.")
}

// newTransporter builds the client transport named by cfg.Type.
func newTransporter(cfg config.ClientConfig, logger *slog.Logger) (modbus.Transporter, error) {
	switch cfg.Type {
	case "tcp":
		return tcp.NewClient(cfg, logger), nil
	case "rtu":
		f, err := rtu.NewClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "rtu-over-tcp":
		return rtuovertcp.NewClient(cfg, logger), nil
	case "rtu-over-udp":
		return udp.NewRTUClient(cfg, logger), nil
	case "tcp-over-udp":
		return udp.NewTCPClient(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown client type %q", cfg.Type)
	}
}

type pollRequest struct {
	function string
	ref      int
	count    int
	values   []string
	format   string
	order    modbus.WordOrder
}

func parsePollRequest(fs *pflag.FlagSet) (*pollRequest, error) {
	r := &pollRequest{}
	r.function, _ = fs.GetString("function")
	r.ref, _ = fs.GetInt("ref")
	r.count, _ = fs.GetInt("count")
	r.values, _ = fs.GetStringSlice("values")
	r.format, _ = fs.GetString("format")
	order, _ := fs.GetString("word-order")
	switch order {
	case "high":
		r.order = modbus.HighWordFirst
	case "low":
		r.order = modbus.LowWordFirst
	default:
		return nil, fmt.Errorf("invalid word order %q", order)
	}
	switch r.format {
	case "uint16", "int16", "hex", "uint32", "int32", "float32":
	default:
		return nil, fmt.Errorf("invalid format %q", r.format)
	}
	return r, nil
}

func parseBools(values []string) ([]bool, error) {
	out := make([]bool, len(values))
	for i, s := range values {
		v, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid coil value %q", s)
		}
		out[i] = v
	}
	return out, nil
}

func parseWords(values []string) ([]uint16, error) {
	out := make([]uint16, len(values))
	for i, s := range values {
		s = strings.TrimSpace(s)
		if v, err := strconv.ParseUint(s, 0, 16); err == nil {
			out[i] = uint16(v)
			continue
		}
		v, err := strconv.ParseInt(s, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid register value %q", s)
		}
		out[i] = uint16(v)
	}
	return out, nil
}

// init prepares the request on c.
func (r *pollRequest) init(c *client.Client, unitID byte) error {
	switch r.function {
	case "coils":
		return c.InitReadCoilsRequest(unitID, r.ref, r.count)
	case "discrete":
		return c.InitReadDiscreteInputsRequest(unitID, r.ref, r.count)
	case "holding":
		return c.InitReadHoldingRegistersRequest(unitID, r.ref, r.count)
	case "input":
		return c.InitReadInputRegistersRequest(unitID, r.ref, r.count)
	case "write-coil", "write-coils":
		bits, err := parseBools(r.values)
		if err != nil {
			return err
		}
		if r.function == "write-coils" {
			return c.InitWriteCoilsRequest(unitID, r.ref, bits)
		}
		if len(bits) != 1 {
			return fmt.Errorf("write-coil takes exactly one value")
		}
		return c.InitWriteCoilRequest(unitID, r.ref, bits[0])
	case "write-register", "write-registers":
		words, err := parseWords(r.values)
		if err != nil {
			return err
		}
		if r.function == "write-registers" {
			return c.InitWriteRegistersRequest(unitID, r.ref, words)
		}
		if len(words) != 1 {
			return fmt.Errorf("write-register takes exactly one value")
		}
		return c.InitWriteRegisterRequest(unitID, r.ref, words[0])
	default:
		return fmt.Errorf("unknown function %q", r.function)
	}
}

// printer writes an aligned table on a terminal and addr=value lines
// otherwise.
type printer struct {
	w   io.Writer
	tty bool
}

func (p *printer) line(addr int, value string) {
	if p.tty {
		fmt.Fprintf(p.w, "  %5d  %s\n", addr, value)
		return
	}
	fmt.Fprintf(p.w, "%d=%s\n", addr, value)
}

func (r *pollRequest) print(p *printer, c *client.Client) error {
	switch r.function {
	case "coils", "discrete":
		if p.tty {
			fmt.Fprintf(p.w, "  %5s  %s\n", "ADDR", "VALUE")
		}
		for a := r.ref; a < r.ref+r.count; a++ {
			v, err := c.Bit(a)
			if err != nil {
				return err
			}
			p.line(a, strconv.Itoa(boolInt(v)))
		}
	case "holding", "input":
		if p.tty {
			fmt.Fprintf(p.w, "  %5s  %s\n", "ADDR", strings.ToUpper(r.format))
		}
		step := 1
		if r.format == "uint32" || r.format == "int32" || r.format == "float32" {
			step = 2
		}
		for a := r.ref; a+step <= r.ref+r.count; a += step {
			s, err := r.register(c, a)
			if err != nil {
				return err
			}
			p.line(a, s)
		}
	default:
		if p.tty {
			fmt.Fprintf(p.w, "  written %d value(s) at %d\n", len(r.values), r.ref)
		} else {
			fmt.Fprintf(p.w, "ok\n")
		}
	}
	return nil
}

func (r *pollRequest) register(c *client.Client, a int) (string, error) {
	switch r.format {
	case "int16":
		v, err := c.RegisterInt16(a)
		return strconv.Itoa(int(v)), err
	case "hex":
		v, err := c.Register(a)
		return fmt.Sprintf("0x%04X", v), err
	case "uint32":
		v, err := c.Uint32(a, r.order)
		return strconv.FormatUint(uint64(v), 10), err
	case "int32":
		v, err := c.Int32(a, r.order)
		return strconv.Itoa(int(v)), err
	case "float32":
		v, err := c.Float32(a, r.order)
		return strconv.FormatFloat(float64(v), 'g', -1, 32), err
	default:
		v, err := c.Register(a)
		return strconv.Itoa(int(v)), err
	}
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func runPoll(cfg *config.Config, fs *pflag.FlagSet) error {
	req, err := parsePollRequest(fs)
	if err != nil {
		return err
	}
	t, err := newTransporter(cfg.Client, slog.Default())
	if err != nil {
		return err
	}
	c := client.New(t)
	defer c.Close()

	interval, _ := fs.GetDuration("interval")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := &printer{w: os.Stdout, tty: term.IsTerminal(int(os.Stdout.Fd()))}
	for {
		if err := req.init(c, cfg.Client.UnitID); err != nil {
			return err
		}
		err := c.Execute(ctx)
		switch {
		case err == nil:
			if err := req.print(p, c); err != nil {
				return err
			}
		case interval == 0:
			return fmt.Errorf("%s: %w", c.Result(), err)
		default:
			fmt.Fprintf(os.Stderr, "%s: %v\n", c.Result(), err)
		}
		if interval == 0 {
			return nil
		}
		if err := modbus.Sleep(ctx, interval); err != nil {
			return nil
		}
	}
}

func runPorts(_ *config.Config, _ *pflag.FlagSet) error {
	ports, err := rtu.ListPorts()
	if err != nil {
		return fmt.Errorf("failed to list serial ports: %w", err)
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found.")
		return nil
	}
	for _, port := range ports {
		line := port.Name
		if port.Description != "" {
			line += "  " + port.Description
		}
		if port.VID != "" {
			line += fmt.Sprintf("  [%s:%s]", port.VID, port.PID)
		}
		fmt.Println(line)
	}
	return nil
}
