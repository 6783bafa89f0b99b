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

// Package storage defines the transactional ledger-store contract the
// wallet core persists through.
//
// A store is a set of named tables of opaque byte values keyed by strings.
// All reads and writes happen inside transactions: [Store.View] runs a
// read-only snapshot, [Store.Update] runs a read-write transaction that
// commits atomically across every table it touched, or not at all. The
// wallet relies on this all-or-nothing property for its cross-entity
// invariants, so implementations must never expose partially committed
// state.
package storage

import "context"

// Store is the transactional ledger store.
type Store interface {
	// View runs fn against a read-only snapshot of the store.
	View(ctx context.Context, fn func(tx ReadTx) error) error

	// Update runs fn in a read-write transaction. If fn returns an error
	// the transaction is discarded and nothing is persisted; otherwise all
	// writes commit atomically.
	//
	// Update transactions are serialized: at most one runs at a time.
	Update(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// ReadTx is the read surface of a transaction.
type ReadTx interface {
	// Get returns the value stored under (table, key), or [ErrNotFound].
	Get(table, key string) ([]byte, error)

	// ForEach calls fn for every key/value pair in a table. Iteration
	// stops at the first error, which ForEach returns.
	ForEach(table string, fn func(key string, value []byte) error) error
}

// Tx is a read-write transaction.
type Tx interface {
	ReadTx

	// Put stores value under (table, key), overwriting any previous value.
	Put(table, key string, value []byte) error

	// Delete removes (table, key). Deleting a missing key is not an error.
	Delete(table, key string) error
}
