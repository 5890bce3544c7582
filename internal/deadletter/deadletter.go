// Package deadletter keeps the async writes the queue gave up on, so they
// can be inspected and replayed once the backend problem is fixed.
package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/webme-commons/esindex/internal/backend"
	errs "github.com/webme-commons/esindex/internal/errors"
	"github.com/webme-commons/esindex/internal/queue"
	"github.com/webme-commons/esindex/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	idx        TEXT NOT NULL,
	partition  TEXT NOT NULL,
	doc_id     TEXT NOT NULL,
	op         TEXT NOT NULL,
	version    INTEGER NOT NULL,
	body       BLOB,
	attempts   INTEGER NOT NULL,
	error_code TEXT NOT NULL,
	error      TEXT NOT NULL,
	detail     TEXT,
	dropped_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_idx ON dead_letters(idx, id);
`

// Record is one dropped write.
type Record struct {
	ID           int64     `json:"id"`
	Index        string    `json:"index"`
	PartitionKey string    `json:"partition_key"`
	DocID        string    `json:"doc_id"`
	Op           string    `json:"op"`
	Version      int64     `json:"version"`
	Body         []byte    `json:"body,omitempty"`
	Attempts     int       `json:"attempts"`
	ErrorCode    string    `json:"error_code,omitempty"`
	Error        string    `json:"error"`
	DroppedAt    time.Time `json:"dropped_at"`

	// Detail is the structured form of the error, when it had one.
	Detail json.RawMessage `json:"detail,omitempty"`
}

// Entry rebuilds the queue entry the record came from.
func (r Record) Entry() queue.Entry {
	op := backend.Upsert(r.DocID, r.Body, r.Version)
	if r.Op == backend.OpDelete.String() {
		op = backend.Delete(r.DocID, r.Version)
	}
	return queue.Entry{PartitionKey: r.PartitionKey, Op: op}
}

// Store is a sqlite dead-letter store. It implements queue.Reporter.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ queue.Reporter = (*Store)(nil)

// Open opens the store at path. An empty path keeps it in memory.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := store.Open(ctx, path, schema)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Report implements queue.Reporter. Failures to persist are logged; the
// queue has already logged the drop itself. Entries abandoned at shutdown
// arrive with an expired ctx, so the insert ignores its cancellation.
func (s *Store) Report(ctx context.Context, index string, e queue.Entry, cause error) {
	ctx = context.WithoutCancel(ctx)
	var msg string
	var detail []byte
	if cause != nil {
		msg = cause.Error()
		if errs.GetCode(cause) != "" {
			detail, _ = errs.FormatJSON(cause)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (idx, partition, doc_id, op, version, body, attempts, error_code, error, detail, dropped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		index, e.PartitionKey, e.Op.Doc.ID, e.Op.Kind.String(), e.Op.Doc.Version, e.Op.Doc.Body,
		e.Attempts, errs.GetCode(cause), msg, nullString(detail), time.Now().UnixMilli())
	if err != nil {
		s.logger.Error("deadletter_write_failed",
			slog.String("index", index),
			slog.String("id", e.Op.Doc.ID),
			slog.String("error", err.Error()))
	}
}

func nullString(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

// List returns up to limit records for index, oldest first. An empty index
// lists every index; a limit of zero or less means no limit.
func (s *Store) List(ctx context.Context, index string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, idx, partition, doc_id, op, version, body, attempts, error_code, error, detail, dropped_at
		FROM dead_letters
		WHERE (? = '' OR idx = ?)
		ORDER BY id
		LIMIT ?`, index, index, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			detail  sql.NullString
			dropped int64
		)
		if err := rows.Scan(&r.ID, &r.Index, &r.PartitionKey, &r.DocID, &r.Op, &r.Version,
			&r.Body, &r.Attempts, &r.ErrorCode, &r.Error, &detail, &dropped); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		r.DroppedAt = time.UnixMilli(dropped)
		if detail.Valid {
			r.Detail = json.RawMessage(detail.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of records for index, or all records if index
// is empty.
func (s *Store) Count(ctx context.Context, index string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE (? = '' OR idx = ?)`, index, index).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

// Purge deletes the records for index, or all records if index is empty.
func (s *Store) Purge(ctx context.Context, index string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE (? = '' OR idx = ?)`, index, index)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	return res.RowsAffected()
}

// Replay hands every record of index to enqueue in drop order and deletes
// each record it accepted. It stops at the first enqueue error.
func (s *Store) Replay(ctx context.Context, index string, enqueue func(context.Context, queue.Entry) error) (int, error) {
	records, err := s.List(ctx, index, 0)
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, r := range records {
		if err := enqueue(ctx, r.Entry()); err != nil {
			return replayed, fmt.Errorf("replay %d: %w", r.ID, err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, r.ID); err != nil {
			return replayed, fmt.Errorf("failed to delete dead letter %d: %w", r.ID, err)
		}
		replayed++
	}
	if replayed > 0 {
		s.logger.Info("deadletter_replayed", slog.String("index", index), slog.Int("count", replayed))
	}
	return replayed, nil
}
