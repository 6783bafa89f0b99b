// Copyright 2026 The Coinward Authors

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gravstore implements the ledger-store contract on graviton, an
// embedded versioned key/value store. Each logical table maps to one
// graviton tree; a read-write transaction collects dirty trees and commits
// them in a single graviton commit, which is atomic across trees.
package gravstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/deroproject/graviton"

	"github.com/coinward/coinward/storage"
)

type Store struct {
	// writeMu serializes Update transactions; graviton snapshots make
	// View transactions safe to run concurrently with a writer.
	writeMu sync.Mutex
	db      *graviton.Store
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) a disk-backed store at path.
func Open(path string) (*Store, error) {
	db, err := graviton.NewDiskStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graviton store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory returns a store that lives entirely in memory. Used by
// tests and throwaway wallets.
func OpenInMemory() (*Store, error) {
	db, err := graviton.NewMemStore()
	if err != nil {
		return nil, fmt.Errorf("failed to open graviton memstore: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) View(_ context.Context, fn func(tx storage.ReadTx) error) error {
	ss, err := s.db.LoadSnapshot(0)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	return fn(&tx{snapshot: ss, trees: map[string]*graviton.Tree{}})
}

func (s *Store) Update(_ context.Context, fn func(tx storage.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ss, err := s.db.LoadSnapshot(0)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	t := &tx{snapshot: ss, trees: map[string]*graviton.Tree{}}
	if err := fn(t); err != nil {
		// The snapshot is discarded, nothing was committed.
		return err
	}
	if len(t.dirty) == 0 {
		return nil
	}
	if _, err := graviton.Commit(t.dirty...); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

type tx struct {
	snapshot *graviton.Snapshot
	trees    map[string]*graviton.Tree
	dirty    []*graviton.Tree
}

func (t *tx) tree(table string) (*graviton.Tree, error) {
	if tr, ok := t.trees[table]; ok {
		return tr, nil
	}
	tr, err := t.snapshot.GetTree(table)
	if err != nil {
		return nil, fmt.Errorf("failed to load table %q: %w", table, err)
	}
	t.trees[table] = tr
	return tr, nil
}

func (t *tx) Get(table, key string) ([]byte, error) {
	tr, err := t.tree(table)
	if err != nil {
		return nil, err
	}
	v, err := tr.Get([]byte(key))
	if err != nil {
		if strings.Contains(err.Error(), "leaf") {
			return nil, fmt.Errorf("%s[%s]: %w", table, key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s[%s]: %w", table, key, err)
	}
	return v, nil
}

func (t *tx) ForEach(table string, fn func(key string, value []byte) error) error {
	tr, err := t.tree(table)
	if err != nil {
		return err
	}
	c := tr.Cursor()
	var k, v []byte
	for k, v, err = c.First(); err == nil; k, v, err = c.Next() {
		if err := fn(string(k), v); err != nil {
			return err
		}
	}
	// ErrNoMoreKeys is the cursor's end marker; anything else is a real
	// failure (a partially loaded or corrupt tree) and must surface.
	if !errors.Is(err, graviton.ErrNoMoreKeys) {
		return fmt.Errorf("failed to iterate %s: %w", table, err)
	}
	return nil
}

func (t *tx) Put(table, key string, value []byte) error {
	tr, err := t.tree(table)
	if err != nil {
		return err
	}
	if err := tr.Put([]byte(key), value); err != nil {
		return fmt.Errorf("failed to write %s[%s]: %w", table, key, err)
	}
	t.markDirty(tr)
	return nil
}

func (t *tx) Delete(table, key string) error {
	tr, err := t.tree(table)
	if err != nil {
		return err
	}
	if err := tr.Delete([]byte(key)); err != nil {
		return fmt.Errorf("failed to delete %s[%s]: %w", table, key, err)
	}
	t.markDirty(tr)
	return nil
}

func (t *tx) markDirty(tr *graviton.Tree) {
	for _, d := range t.dirty {
		if d == tr {
			return
		}
	}
	t.dirty = append(t.dirty, tr)
}
