// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package persistence keeps a databank.Bank across restarts.
package persistence

import (
	"fmt"
	"log/slog"

	"github.com/ffutop/gomodbus/databank"
)

// Storage defines the interface for persisting a register bank.
type Storage interface {
	// Load fills b from storage and binds the storage to b. A missing or
	// incompatible image leaves b untouched and is rewritten from it.
	Load(b *databank.Bank) error

	// Save writes the complete bank.
	Save(b *databank.Bank) error

	// OnWrite is called after quantity cells starting at address were
	// modified in the table of the given kind.
	OnWrite(kind databank.Kind, address, quantity int)

	Close() error
}

// Config selects a storage backend.
type Config struct {
	Type string `mapstructure:"type"` // memory, file or mmap
	Path string `mapstructure:"path"`
}

// New returns the storage described by cfg.
func New(cfg Config, logger *slog.Logger) (Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("persistence: file storage requires a path")
		}
		return NewFileStorage(cfg.Path, logger), nil
	case "mmap":
		if cfg.Path == "" {
			return nil, fmt.Errorf("persistence: mmap storage requires a path")
		}
		return NewMmapStorage(cfg.Path, logger), nil
	default:
		return nil, fmt.Errorf("persistence: unsupported storage type: %s", cfg.Type)
	}
}
