// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sourcegraph/conc"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/ffutop/gomodbus/databank"
	"github.com/ffutop/gomodbus/databank/persistence"
	"github.com/ffutop/gomodbus/internal/config"
	"github.com/ffutop/gomodbus/server"
	"github.com/ffutop/gomodbus/transport"
	rtuovertcp "github.com/ffutop/gomodbus/transport/rtu-over-tcp"
	"github.com/ffutop/gomodbus/transport/rtu"
	"github.com/ffutop/gomodbus/transport/tcp"
	"github.com/ffutop/gomodbus/transport/udp"
)

type upstream struct {
	kind    string
	server  transport.Upstream
	handler transport.RequestHandler
}

// newUpstream builds the server for one upstream entry. Network upstreams
// get the unit filter here; the serial slave filters by itself so it can
// keep broadcasts silent.
func newUpstream(uc config.UpstreamConfig, sc config.ServerConfig, handler transport.RequestHandler) (upstream, error) {
	filtered := transport.FilterUnit(sc.UnitID, false, handler)
	listener := func(l *transport.Listener) {
		if sc.MaxConns > 0 {
			l.MaxConns = sc.MaxConns
		}
		l.IdleTimeout = sc.IdleTimeout
	}
	switch uc.Type {
	case "tcp":
		s := tcp.NewServer(uc.Tcp.Address)
		listener(&s.Listener)
		return upstream{uc.Type, s, filtered}, nil
	case "rtu-over-tcp":
		s := rtuovertcp.NewServer(uc.Tcp.Address)
		listener(&s.Listener)
		return upstream{uc.Type, s, filtered}, nil
	case "rtu":
		return upstream{uc.Type, rtu.NewServer(uc.Serial, sc.UnitID), handler}, nil
	case "udp":
		return upstream{uc.Type, udp.NewServer(uc.Tcp.Address, udp.FramingMBAP), filtered}, nil
	case "rtu-over-udp":
		return upstream{uc.Type, udp.NewServer(uc.Tcp.Address, udp.FramingRTU), filtered}, nil
	default:
		return upstream{}, fmt.Errorf("unknown upstream type %q", uc.Type)
	}
}

func runServe(cfg *config.Config, _ *pflag.FlagSet) (err error) {
	slog.Info("Starting Modbus server...")

	bank, err := databank.NewBank(cfg.Server.Tables)
	if err != nil {
		return err
	}
	storage, err := persistence.New(cfg.Server.Persistence, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, storage.Close())
	}()
	if err := storage.Load(bank); err != nil {
		return fmt.Errorf("failed to load persisted registers: %w", err)
	}

	proc := server.NewProcessor(bank)
	proc.Storage = storage

	var upstreams []upstream
	for _, uc := range cfg.Server.Upstreams {
		us, err := newUpstream(uc, cfg.Server, proc.ServeModbus)
		if err != nil {
			slog.Error("Skipping upstream", "type", uc.Type, "err", err)
			continue
		}
		upstreams = append(upstreams, us)
	}
	if len(upstreams) == 0 {
		return fmt.Errorf("no valid upstreams configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg conc.WaitGroup
	for _, us := range upstreams {
		us := us // per-iteration copy; go directive is below 1.22
		wg.Go(func() {
			if err := us.server.Start(ctx, us.handler); err != nil {
				slog.Error("Upstream stopped with error", "type", us.kind, "err", err)
			}
		})
	}

	<-ctx.Done()
	slog.Info("Shutting down...")
	for _, us := range upstreams {
		err = multierr.Append(err, us.server.Close())
	}
	wg.Wait()
	err = multierr.Append(err, storage.Save(bank))
	slog.Info("Goodbye.")
	return err
}
