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

// Package pgstore implements the ledger-store contract on PostgreSQL via
// pgx. All tables share one relation keyed by (table_name, key); a
// read-write transaction maps to a serializable SQL transaction, which
// gives the same all-or-nothing commit the contract requires.
//
// Intended for wallets embedded in server-side deployments where the
// ledger must live next to other relational state; single-user wallets
// normally use gravstore.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coinward/coinward/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS wallet_kv (
	table_name TEXT NOT NULL,
	key TEXT NOT NULL,
	value BYTEA NOT NULL,
	PRIMARY KEY (table_name, key)
)`

type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// Open connects to the database and creates the backing relation if it
// does not exist yet.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool. The caller keeps ownership of the
// pool; Close becomes a no-op.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) View(ctx context.Context, fn func(tx storage.ReadTx) error) error {
	return s.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(pgtx pgx.Tx) error {
		return fn(&tx{ctx: ctx, tx: pgtx})
	})
}

func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(pgtx pgx.Tx) error {
		return fn(&tx{ctx: ctx, tx: pgtx})
	})
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, fn func(pgtx pgx.Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(pgtx); err != nil {
		rbErr := pgtx.Rollback(ctx)
		if rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, rbErr)
		}
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

type tx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *tx) Get(table, key string) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRow(t.ctx,
		`SELECT value FROM wallet_kv WHERE table_name = $1 AND key = $2`,
		table, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s[%s]: %w", table, key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s[%s]: %w", table, key, err)
	}
	return value, nil
}

func (t *tx) ForEach(table string, fn func(key string, value []byte) error) error {
	rows, err := t.tx.Query(t.ctx,
		`SELECT key, value FROM wallet_kv WHERE table_name = $1 ORDER BY key`,
		table,
	)
	if err != nil {
		return fmt.Errorf("failed to scan table %q: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (t *tx) Put(table, key string, value []byte) error {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO wallet_kv (table_name, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (table_name, key) DO UPDATE SET value = EXCLUDED.value`,
		table, key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to write %s[%s]: %w", table, key, err)
	}
	return nil
}

func (t *tx) Delete(table, key string) error {
	_, err := t.tx.Exec(t.ctx,
		`DELETE FROM wallet_kv WHERE table_name = $1 AND key = $2`,
		table, key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s[%s]: %w", table, key, err)
	}
	return nil
}
