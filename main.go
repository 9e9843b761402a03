// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command modbusd serves a Modbus register bank, polls Modbus devices and
// lists the serial ports of the host.
//
//	modbusd serve [flags]   run the slave described by the configuration
//	modbusd poll [flags]    run one client request (or one per interval)
//	modbusd ports           list serial ports
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/ffutop/gomodbus/internal/config"
)

type command struct {
	name  string
	usage string
	flags func(fs *pflag.FlagSet)
	run   func(cfg *config.Config, fs *pflag.FlagSet) error
}

var commands = []command{
	{"serve", "Serve the register bank on the configured upstreams.", config.Flags, runServe},
	{"poll", "Send requests to a Modbus device and print the response.", pollFlags, runPoll},
	{"ports", "List the serial ports of this host.", nil, runPorts},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == os.Args[1] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		usage()
		os.Exit(2)
	}

	fs := pflag.NewFlagSet("modbusd "+cmd.name, pflag.ExitOnError)
	if cmd.flags != nil {
		cmd.flags(fs)
	}
	fs.Parse(os.Args[2:])

	// Load Configuration
	cfg, err := config.LoadConfig(fs)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cmd.run(cfg, fs); err != nil {
		slog.Error("Command failed", "command", cmd.name, "err", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: modbusd <command> [flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-6s %s\n", c.name, c.usage)
	}
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
