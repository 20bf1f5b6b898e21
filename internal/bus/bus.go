// Package bus records what happened to each submitted record: skipped,
// served from cache, analyzed, failed or deferred, plus breaker transitions.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeItem    = "item"
	TypeBreaker = "breaker"
)

// Item statuses.
const (
	StatusSkipped  = "skipped"
	StatusCached   = "cached"
	StatusAnalyzed = "analyzed"
	StatusFailed   = "failed"
	StatusDeferred = "deferred"
	StatusTripped  = "tripped"
	StatusClosed   = "closed"
)

type Event struct {
	Seq       int64   `json:"seq"`
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	RecordID  *string `json:"record_id,omitempty"`
	Status    string  `json:"status"`
	Message   *string `json:"message,omitempty"`
	CreatedAt int64   `json:"created_at"`
	Payload   *string `json:"payload_json,omitempty"`
}

func ensureTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS processing_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			record_id TEXT,
			status TEXT NOT NULL,
			message TEXT,
			created_at INTEGER NOT NULL,
			payload_json TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure processing_events table: %w", err)
	}
	return nil
}

func Emit(ctx context.Context, db *sql.DB, typ, recordID, status, message string, payload any) error {
	if typ == "" {
		return fmt.Errorf("type is required")
	}
	if status == "" {
		return fmt.Errorf("status is required")
	}
	if err := ensureTable(ctx, db); err != nil {
		return err
	}
	now := time.Now().Unix()
	id := uuid.New().String()

	var recordVal any
	if recordID != "" {
		recordVal = recordID
	}
	var messageVal any
	if message != "" {
		messageVal = message
	}
	var payloadVal any
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		payloadVal = string(b)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO processing_events (id, type, record_id, status, message, created_at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, typ, recordVal, status, messageVal, now, payloadVal)
	if err != nil {
		return fmt.Errorf("failed to insert processing event: %w", err)
	}
	return nil
}

// List returns events with seq greater than afterSeq, oldest first. A
// non-empty recordID restricts the result to that record.
func List(ctx context.Context, db *sql.DB, afterSeq int64, recordID string, limit int) ([]Event, error) {
	if err := ensureTable(ctx, db); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT seq, id, type, record_id, status, message, created_at, payload_json
		FROM processing_events
		WHERE seq > ? AND (? = '' OR record_id = ?)
		ORDER BY seq ASC
		LIMIT ?
	`, afterSeq, recordID, recordID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query processing events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var record sql.NullString
		var message sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &record, &e.Status, &message, &e.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan processing event: %w", err)
		}
		if record.Valid {
			e.RecordID = &record.String
		}
		if message.Valid {
			e.Message = &message.String
		}
		if payload.Valid {
			e.Payload = &payload.String
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating processing events: %w", err)
	}
	return out, nil
}

// Log adapts a database to the worker's event log.
type Log struct {
	db *sql.DB
}

func NewLog(db *sql.DB) *Log {
	return &Log{db: db}
}

func (l *Log) RecordEvent(ctx context.Context, typ, recordID, status, message string) error {
	return Emit(ctx, l.db, typ, recordID, status, message, nil)
}
