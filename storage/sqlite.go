////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

//go:build !js || !wasm

package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	jww "github.com/spf13/jwalterweatherman"
	_ "modernc.org/sqlite"

	"gitlab.com/kinship/web3chat/storage/migrations"
)

// SQLiteStore is a KeyValueStore backed by a SQLite database file. It is used
// by native builds (the mock backend, tests and command line tools).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and runs all pending
// migrations.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite database %q", dsn)
	}

	// A single connection serialises writers, which makes Update atomic
	// without relying on SQLite busy handling.
	db.SetMaxOpenConns(1)

	if err = runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	jww.INFO.Printf("[STORE] Opened sqlite key-value store %s", dsn)
	return &SQLiteStore{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return errors.Wrap(err, "failed to set goose dialect")
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the value stored at the key.
func (s *SQLiteStore) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	return get(ctx, s.db, ns, key)
}

// Set upserts the value at the key.
func (s *SQLiteStore) Set(ctx context.Context, ns Namespace, key string, value []byte) error {
	return set(ctx, s.db, ns, key, value)
}

// Delete removes the key.
func (s *SQLiteStore) Delete(ctx context.Context, ns Namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE ns = ? AND key = ?`, string(ns), key)
	if err != nil {
		return errors.Wrapf(err, "failed to delete %s/%s", ns, key)
	}
	return nil
}

// Keys returns the sorted keys of the namespace.
func (s *SQLiteStore) Keys(ctx context.Context, ns Namespace) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE ns = ? ORDER BY key`, string(ns))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list keys in %s", ns)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err = rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Update runs fn inside a transaction.
func (s *SQLiteStore) Update(ctx context.Context, ns Namespace, key string, fn UpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	old, err := get(ctx, tx, ns, key)
	exists := err == nil
	if err != nil && !IsNotExist(err) {
		return err
	}

	next, err := fn(old, exists)
	if err != nil {
		return err
	}

	if next == nil {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM kv WHERE ns = ? AND key = ?`, string(ns), key)
	} else {
		err = set(ctx, tx, ns, key, next)
	}
	if err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, db dbtx, ns Namespace, key string) ([]byte, error) {
	var value []byte
	err := db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE ns = ? AND key = ?`, string(ns), key).
		Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotExist
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s/%s", ns, key)
	}
	return value, nil
}

func set(ctx context.Context, db dbtx, ns Namespace, key string, value []byte) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO kv (ns, key, value) VALUES (?, ?, ?)
		ON CONFLICT(ns, key) DO UPDATE SET value = excluded.value`,
		string(ns), key, value)
	if err != nil {
		return errors.Wrapf(err, "failed to set %s/%s", ns, key)
	}
	return nil
}
