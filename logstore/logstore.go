// Package logstore persists activity log records to SQLite and exports
// them in text, CSV, or JSON form.
package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/telereply/dbopen"
	"github.com/hazyhaar/telereply/idgen"
)

const schema = `
CREATE TABLE IF NOT EXISTS logs (
	id         TEXT PRIMARY KEY,
	ts         INTEGER NOT NULL,
	level      TEXT NOT NULL DEFAULT 'info',
	account_id TEXT NOT NULL DEFAULT '',
	component  TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL,
	details    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_logs_ts ON logs(ts);
CREATE INDEX IF NOT EXISTS idx_logs_account ON logs(account_id, ts);
`

// Record is one activity log entry.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"ts"`
	Level     string    `json:"level"`
	AccountID string    `json:"accountId,omitempty"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
}

// Filter narrows a Query. Zero values mean no constraint.
type Filter struct {
	AccountID string
	Level     string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Store writes and reads log records backed by SQLite.
type Store struct {
	db  *sql.DB
	ids idgen.Generator
}

// Open opens (creating if needed) the log database at path.
func Open(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
	if err != nil {
		return nil, fmt.Errorf("logstore: %w", err)
	}
	return &Store{db: db, ids: idgen.Prefixed("log_", idgen.NanoID(16))}, nil
}

// NewWithDB wraps an already-open database, applying the log schema.
// Useful with dbopen.OpenMemory in tests.
func NewWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("logstore: schema: %w", err)
	}
	return &Store{db: db, ids: idgen.Prefixed("log_", idgen.NanoID(16))}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Insert writes one record. A zero ID or Timestamp is filled in.
func (s *Store) Insert(ctx context.Context, r Record) error {
	if r.ID == "" {
		r.ID = s.ids()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	if r.Level == "" {
		r.Level = "info"
	}
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO logs (id, ts, level, account_id, component, message, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp.UnixMilli(), r.Level, r.AccountID, r.Component, r.Message, r.Details)
	if err != nil {
		return fmt.Errorf("logstore: insert: %w", err)
	}
	return nil
}

// Query returns records matching f, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Record, error) {
	var (
		conds []string
		args  []any
	)
	if f.AccountID != "" {
		conds = append(conds, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Level != "" {
		conds = append(conds, "level = ?")
		args = append(args, f.Level)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, f.Until.UnixMilli())
	}

	q := "SELECT id, ts, level, account_id, component, message, details FROM logs"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY ts DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("logstore: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r  Record
			ts int64
		)
		if err := rows.Scan(&r.ID, &ts, &r.Level, &r.AccountID, &r.Component, &r.Message, &r.Details); err != nil {
			return nil, fmt.Errorf("logstore: scan: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Cleanup deletes records older than the retention window.
// Returns the number of rows removed.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := dbopen.Exec(ctx, s.db, "DELETE FROM logs WHERE ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("logstore: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// detailsJSON marshals v for the details column, returning "" on failure.
func detailsJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
