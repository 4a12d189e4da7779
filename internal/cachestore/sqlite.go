package cachestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLite stores entries in a single sqlite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the database at path and creates the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"CREATE TABLE IF NOT EXISTS stores (name TEXT PRIMARY KEY)",
		"CREATE TABLE IF NOT EXISTS entries (store TEXT NOT NULL, key TEXT NOT NULL, stored_at INTEGER, bytes BLOB, PRIMARY KEY (store, key))",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) CreateStore(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO stores (name) VALUES (?)", name)
	return err
}

func (s *SQLite) HasStore(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM stores WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLite) StoreNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLite) DropStore(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE store = ?", name); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

func (s *SQLite) Get(ctx context.Context, store, key string) (Entry, bool, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, "SELECT bytes FROM entries WHERE store = ? AND key = ?", store, key).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, err
	}
	return ent, true, nil
}

func (s *SQLite) Put(ctx context.Context, store, key string, ent Entry) error {
	return s.PutBatch(ctx, store, map[string]Entry{key: ent})
}

func (s *SQLite) PutBatch(ctx context.Context, store string, entries map[string]Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO stores (name) VALUES (?)", store); err != nil {
		return err
	}
	now := time.Now().Unix()
	for key, ent := range entries {
		b, err := encodeGob(ent)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO entries (store, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
			store, key, now, b); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) Delete(ctx context.Context, store, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE store = ? AND key = ?", store, key)
	return err
}

func (s *SQLite) Keys(ctx context.Context, store string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM entries WHERE store = ?", store)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
