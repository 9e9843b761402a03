// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"go.uber.org/multierr"

	"github.com/ffutop/gomodbus/databank"
)

// FileStorage persists the bank with plain file operations. Every OnWrite
// rewrites the touched cells and syncs the file.
type FileStorage struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
	bank *databank.Bank
	im   image
	buf  []byte
}

// NewFileStorage creates a new FileStorage.
func NewFileStorage(path string, logger *slog.Logger) *FileStorage {
	return &FileStorage{
		path:   path,
		logger: logger,
	}
}

// Load reads the image at path into b, creating it if necessary.
func (fs *FileStorage) Load(b *databank.Bank) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.OpenFile(fs.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	fs.file = f
	fs.bank = b
	fs.im = newImage(b.Layout())
	fs.buf = make([]byte, fs.im.size)

	raw, err := io.ReadAll(f)
	if err != nil {
		fs.closeLocked()
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := fs.im.check(raw); err != nil {
		if len(raw) > 0 {
			fs.logger.Warn("Reinitializing storage", "path", fs.path, "err", err)
		}
		if err := fs.writeAllLocked(); err != nil {
			fs.closeLocked()
			return err
		}
		return nil
	}
	return fs.im.decodeAll(raw, b)
}

// Save writes the complete bank and syncs the file.
func (fs *FileStorage) Save(b *databank.Bank) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return errors.New("persistence: file storage not loaded")
	}
	fs.bank = b
	return fs.writeAllLocked()
}

// OnWrite writes the modified cells and syncs the file.
func (fs *FileStorage) OnWrite(kind databank.Kind, address, quantity int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil || fs.bank == nil {
		return
	}
	if err := fs.im.encode(fs.buf, fs.bank, kind, address, quantity); err != nil {
		fs.logger.Error("Failed to encode cells", "table", kind, "address", address, "err", err)
		return
	}
	off := fs.im.offset(kind, address)
	end := off + quantity*cellSize
	if _, err := fs.file.WriteAt(fs.buf[off:end], int64(off)); err != nil {
		fs.logger.Error("Failed to write file", "err", err)
		return
	}
	if err := fs.file.Sync(); err != nil {
		fs.logger.Error("Failed to sync file", "err", err)
	}
}

func (fs *FileStorage) writeAllLocked() error {
	if err := fs.im.encodeAll(fs.buf, fs.bank); err != nil {
		return err
	}
	if err := fs.file.Truncate(int64(fs.im.size)); err != nil {
		return fmt.Errorf("failed to resize file: %w", err)
	}
	if _, err := fs.file.WriteAt(fs.buf, 0); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file to disk: %w", err)
	}
	return nil
}

// Close syncs and closes the file.
func (fs *FileStorage) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.closeLocked()
}

func (fs *FileStorage) closeLocked() error {
	if fs.file == nil {
		return nil
	}
	err := multierr.Combine(fs.file.Sync(), fs.file.Close())
	fs.file = nil
	return err
}
