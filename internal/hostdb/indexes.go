package hostdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	errs "github.com/webme-commons/esindex/internal/errors"
)

// SaveIndex persists an index registration. It fails if the name is taken.
func (h *DB) SaveIndex(ctx context.Context, def IndexDef) error {
	if _, ok := h.Table(def.Table); !ok {
		return errs.New(errs.ErrCodeUnknownTable, fmt.Sprintf("table %q does not exist", def.Table), nil)
	}
	raw, err := json.Marshal(def.Options)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}
	created := def.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = h.db.ExecContext(ctx,
		`INSERT INTO indexes (name, tbl, options, built, created_at) VALUES (?, ?, ?, 0, ?)`,
		def.Name, def.Table, string(raw), created.Unix())
	if err != nil {
		if _, exists, getErr := h.Index(ctx, def.Name); getErr == nil && exists {
			return errs.ValidationError(fmt.Sprintf("index %s already exists", def.Name), nil)
		}
		return fmt.Errorf("failed to save index %s: %w", def.Name, err)
	}
	return nil
}

// Index returns the registration of name.
func (h *DB) Index(ctx context.Context, name string) (IndexDef, bool, error) {
	row := h.db.QueryRowContext(ctx,
		`SELECT name, tbl, options, built, created_at FROM indexes WHERE name = ?`, name)
	def, err := scanIndex(row)
	if errors.Is(err, sql.ErrNoRows) {
		return IndexDef{}, false, nil
	}
	if err != nil {
		return IndexDef{}, false, err
	}
	return def, true, nil
}

// Indexes returns every registration, oldest first.
func (h *DB) Indexes(ctx context.Context) ([]IndexDef, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT name, tbl, options, built, created_at FROM indexes ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var defs []IndexDef
	for rows.Next() {
		def, err := scanIndex(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIndex(r rowScanner) (IndexDef, error) {
	var (
		def     IndexDef
		options string
		built   int
		created int64
	)
	if err := r.Scan(&def.Name, &def.Table, &options, &built, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IndexDef{}, err
		}
		return IndexDef{}, fmt.Errorf("failed to scan index: %w", err)
	}
	if err := json.Unmarshal([]byte(options), &def.Options); err != nil {
		return IndexDef{}, fmt.Errorf("index %s has corrupt options: %w", def.Name, err)
	}
	def.Built = built != 0
	def.CreatedAt = time.Unix(created, 0)
	return def, nil
}

// DeleteIndex removes a registration and detaches its observer.
func (h *DB) DeleteIndex(ctx context.Context, name string) error {
	h.Unregister(name)
	if _, err := h.db.ExecContext(ctx, `DELETE FROM indexes WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete index %s: %w", name, err)
	}
	return nil
}

// MarkBuilt implements index.BuildNotifier.
func (h *DB) MarkBuilt(ctx context.Context, name string) error {
	return h.setBuilt(ctx, name, true)
}

// ClearBuilt implements index.BuildNotifier.
func (h *DB) ClearBuilt(ctx context.Context, name string) error {
	return h.setBuilt(ctx, name, false)
}

func (h *DB) setBuilt(ctx context.Context, name string, built bool) error {
	v := 0
	if built {
		v = 1
	}
	res, err := h.db.ExecContext(ctx, `UPDATE indexes SET built = ? WHERE name = ?`, v, name)
	if err != nil {
		return fmt.Errorf("failed to update index %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update index %s: %w", name, err)
	}
	if n == 0 {
		return errs.InternalError(fmt.Sprintf("index %s is not registered", name), nil)
	}
	return nil
}
