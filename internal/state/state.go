// Package state persists small per-worker key/value records, such as the
// status snapshot the serve process publishes for `insights status`.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

func ensureTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS worker_state (
			worker TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (worker, key)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure worker_state table: %w", err)
	}
	return nil
}

func Get(ctx context.Context, db *sql.DB, worker string, key string) (string, time.Time, bool, error) {
	if err := ensureTable(ctx, db); err != nil {
		return "", time.Time{}, false, err
	}
	var v string
	var updated int64
	err := db.QueryRowContext(ctx, `SELECT value, updated_at FROM worker_state WHERE worker = ? AND key = ?`, worker, key).Scan(&v, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("failed to get worker state: %w", err)
	}
	return v, time.Unix(updated, 0), true, nil
}

func Set(ctx context.Context, db *sql.DB, worker string, key string, value string) error {
	if err := ensureTable(ctx, db); err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err := db.ExecContext(ctx, `
		INSERT INTO worker_state (worker, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(worker, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, worker, key, value, now)
	if err != nil {
		return fmt.Errorf("failed to set worker state: %w", err)
	}
	return nil
}

// SetJSON stores v marshaled as JSON.
func SetJSON(ctx context.Context, db *sql.DB, worker, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal worker state: %w", err)
	}
	return Set(ctx, db, worker, key, string(b))
}

// GetJSON decodes the stored value into v. It returns the time the value was
// written and false when nothing is stored.
func GetJSON(ctx context.Context, db *sql.DB, worker, key string, v any) (time.Time, bool, error) {
	raw, updated, ok, err := Get(ctx, db, worker, key)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to decode worker state: %w", err)
	}
	return updated, true, nil
}

// Workers lists the workers that have stored state, sorted by name.
func Workers(ctx context.Context, db *sql.DB) ([]string, error) {
	if err := ensureTable(ctx, db); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT worker FROM worker_state ORDER BY worker`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
