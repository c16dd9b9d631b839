// Package spool persists permanently failed batches to local disk so an
// operator (or a later replay run) can recover them. The streaming client
// itself never drops data silently; this is the agent's persist-to-disk
// policy for batches whose retry budget ran out.
package spool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS failed_batches (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	offset      TEXT    NOT NULL,
	payload     BLOB    NOT NULL,
	row_count   INTEGER NOT NULL,
	reason      TEXT    NOT NULL,
	spooled_at  TIMESTAMP NOT NULL
);
`

// Entry is one spooled batch.
type Entry struct {
	ID        int64
	Offset    string
	Payload   []byte
	RowCount  int
	Reason    string
	SpooledAt time.Time
}

// Spool is an SQLite-backed store of failed batches.
type Spool struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the spool database at path.
func Open(path string, logger *zap.Logger) (*Spool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open spool %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init spool schema: %w", err)
	}
	return &Spool{db: db, logger: logger}, nil
}

// Put records a failed batch. The payload is the exact NDJSON body that
// would have been submitted.
func (s *Spool) Put(ctx context.Context, offset string, payload []byte, rowCount int, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failed_batches (offset, payload, row_count, reason, spooled_at)
		 VALUES (?, ?, ?, ?, ?)`,
		offset, payload, rowCount, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("spool batch offset=%s: %w", offset, err)
	}
	s.logger.Warn("batch spooled to disk",
		zap.String("offset", offset),
		zap.Int("rows", rowCount),
		zap.String("reason", reason))
	return nil
}

// Pending returns spooled batches in insertion order, oldest first.
func (s *Spool) Pending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, offset, payload, row_count, reason, spooled_at
		 FROM failed_batches ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list spooled batches: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Offset, &e.Payload, &e.RowCount, &e.Reason, &e.SpooledAt); err != nil {
			return nil, fmt.Errorf("scan spooled batch: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes a spooled batch after successful replay.
func (s *Spool) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM failed_batches WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete spooled batch %d: %w", id, err)
	}
	return nil
}

// Count returns the number of spooled batches.
func (s *Spool) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_batches`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count spooled batches: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Spool) Close() error { return s.db.Close() }
