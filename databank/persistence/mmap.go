// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/multierr"

	"github.com/ffutop/gomodbus/databank"
)

// MmapStorage persists the bank in a memory-mapped file. Writes are copied
// into the mapping and flushed.
type MmapStorage struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
	data mmap.MMap
	bank *databank.Bank
	im   image
}

// NewMmapStorage creates a new MmapStorage.
func NewMmapStorage(path string, logger *slog.Logger) *MmapStorage {
	return &MmapStorage{
		path:   path,
		logger: logger,
	}
}

// Load maps the file at path and reads it into b.
func (ms *MmapStorage) Load(b *databank.Bank) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	f, err := os.OpenFile(ms.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open mmap file: %w", err)
	}
	ms.file = f
	ms.bank = b
	ms.im = newImage(b.Layout())

	fi, err := f.Stat()
	if err != nil {
		ms.closeLocked()
		return err
	}
	fresh := fi.Size() != int64(ms.im.size)
	if fresh {
		if err := f.Truncate(int64(ms.im.size)); err != nil {
			ms.closeLocked()
			return fmt.Errorf("failed to resize mmap file: %w", err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		ms.closeLocked()
		return fmt.Errorf("mmap failed: %w", err)
	}
	ms.data = data

	if err := ms.im.check(data); err != nil {
		if !fresh || fi.Size() > 0 {
			ms.logger.Warn("Reinitializing storage", "path", ms.path, "err", err)
		}
		if err := ms.im.encodeAll(ms.data, b); err != nil {
			ms.closeLocked()
			return err
		}
		return ms.data.Flush()
	}
	return ms.im.decodeAll(ms.data, b)
}

// Save copies the complete bank into the mapping and flushes it.
func (ms *MmapStorage) Save(b *databank.Bank) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.data == nil {
		return errors.New("persistence: mmap data is nil")
	}
	ms.bank = b
	if err := ms.im.encodeAll(ms.data, b); err != nil {
		return err
	}
	return ms.data.Flush()
}

// OnWrite copies the modified cells and flushes the mapping.
func (ms *MmapStorage) OnWrite(kind databank.Kind, address, quantity int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.data == nil || ms.bank == nil {
		return
	}
	if err := ms.im.encode(ms.data, ms.bank, kind, address, quantity); err != nil {
		ms.logger.Error("Failed to encode cells", "table", kind, "address", address, "err", err)
		return
	}
	if err := ms.data.Flush(); err != nil {
		ms.logger.Error("Failed to flush mmap", "err", err)
	}
}

// Close unmaps and closes the file.
func (ms *MmapStorage) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.closeLocked()
}

func (ms *MmapStorage) closeLocked() error {
	var err error
	if ms.data != nil {
		err = multierr.Append(err, ms.data.Unmap())
		ms.data = nil
	}
	if ms.file != nil {
		err = multierr.Append(err, ms.file.Close())
		ms.file = nil
	}
	return err
}
