// Package sqlitekv stores session entries in a SQLite table using the pure-Go
// modernc.org/sqlite driver.
package sqlitekv

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jrsteele09/go-auth-client/session"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS session_entries (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

var _ session.KV = (*KV)(nil)

type KV struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema exists.
func Open(ctx context.Context, path string) (*KV, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("[sqlitekv.Open] create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("[sqlitekv.Open] open: %w", err)
	}
	kv, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return kv, nil
}

// New wraps an already opened database.
func New(ctx context.Context, db *sql.DB) (*KV, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("[sqlitekv.New] create schema: %w", err)
	}
	return &KV{db: db}, nil
}

func (kv *KV) GetAll(ctx context.Context, keys ...string) (map[string]string, error) {
	found := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return found, nil
	}

	query := "SELECT key, value FROM session_entries WHERE key IN (" + placeholders(len(keys)) + ")"
	rows, err := kv.db.QueryContext(ctx, query, toArgs(keys)...)
	if err != nil {
		return nil, fmt.Errorf("[sqlitekv.GetAll] query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("[sqlitekv.GetAll] scan: %w", err)
		}
		found[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("[sqlitekv.GetAll] rows: %w", err)
	}
	return found, nil
}

func (kv *KV) SetAll(ctx context.Context, entries map[string]string) error {
	return kv.inTx(ctx, func(tx *sql.Tx) error {
		for k, v := range entries {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO session_entries (key, value) VALUES (?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
				return fmt.Errorf("[sqlitekv.SetAll] upsert %s: %w", k, err)
			}
		}
		return nil
	})
}

func (kv *KV) DeleteAll(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return kv.inTx(ctx, func(tx *sql.Tx) error {
		query := "DELETE FROM session_entries WHERE key IN (" + placeholders(len(keys)) + ")"
		if _, err := tx.ExecContext(ctx, query, toArgs(keys)...); err != nil {
			return fmt.Errorf("[sqlitekv.DeleteAll] %w", err)
		}
		return nil
	})
}

func (kv *KV) Close() error {
	return kv.db.Close()
}

func (kv *KV) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := kv.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("[sqlitekv] begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("[sqlitekv] commit: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(keys []string) []any {
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return args
}
