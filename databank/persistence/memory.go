// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import "github.com/ffutop/gomodbus/databank"

// MemoryStorage is a no-op storage (non-persistent).
type MemoryStorage struct{}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (ms *MemoryStorage) Load(b *databank.Bank) error { return nil }

func (ms *MemoryStorage) Save(b *databank.Bank) error { return nil }

func (ms *MemoryStorage) OnWrite(kind databank.Kind, address, quantity int) {
	// No-op
}

func (ms *MemoryStorage) Close() error { return nil }
