// Package hostdb is a small sqlite-backed table store that hosts secondary
// indexes the way a partitioned storage engine does: every applied write is
// shown to the registered index observers inside the write's transaction,
// and an observer error rolls the write back.
package hostdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	errs "github.com/webme-commons/esindex/internal/errors"
	"github.com/webme-commons/esindex/internal/index"
	"github.com/webme-commons/esindex/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS tables (
	name   TEXT PRIMARY KEY,
	schema TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rows (
	tbl      TEXT NOT NULL REFERENCES tables(name) ON DELETE CASCADE,
	pk       TEXT NOT NULL,
	columns  TEXT NOT NULL,
	write_ts INTEGER NOT NULL,
	PRIMARY KEY (tbl, pk)
);

CREATE TABLE IF NOT EXISTS indexes (
	name       TEXT PRIMARY KEY,
	tbl        TEXT NOT NULL REFERENCES tables(name) ON DELETE CASCADE,
	options    TEXT NOT NULL,
	built      INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

INSERT OR IGNORE INTO schema_version (version) VALUES (1);
`

// scanPageSize bounds how many rows a scan holds in memory at once.
const scanPageSize = 500

// Write is one client write. A delete removes the whole partition.
type Write struct {
	Table   string            `json:"table"`
	Key     string            `json:"key"`
	Columns map[string]string `json:"columns,omitempty"`
	Delete  bool              `json:"delete,omitempty"`
}

// IndexDef is a persisted index registration.
type IndexDef struct {
	Name      string
	Table     string
	Options   map[string]string
	Built     bool
	CreatedAt time.Time
}

type observer struct {
	name string
	obs  index.MutationObserver
}

// DB is the host table store.
type DB struct {
	db     *sql.DB
	logger *slog.Logger

	mu        sync.RWMutex
	tables    map[string]index.TableSchema
	observers map[string][]observer

	// writeMu serializes writes, so per-partition order is total order.
	writeMu sync.Mutex
	lastTS  int64
}

// Open opens the store at path. An empty path keeps it in memory.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	db, err := store.Open(ctx, path, schema)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &DB{
		db:        db,
		logger:    logger,
		tables:    make(map[string]index.TableSchema),
		observers: make(map[string][]observer),
	}
	if err := h.loadTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(write_ts), 0) FROM rows`).Scan(&h.lastTS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read last write timestamp: %w", err)
	}
	return h, nil
}

func (h *DB) loadTables(ctx context.Context) error {
	rows, err := h.db.QueryContext(ctx, `SELECT name, schema FROM tables`)
	if err != nil {
		return fmt.Errorf("failed to load tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return fmt.Errorf("failed to scan table: %w", err)
		}
		var ts index.TableSchema
		if err := json.Unmarshal([]byte(raw), &ts); err != nil {
			return fmt.Errorf("table %s has a corrupt schema: %w", name, err)
		}
		h.tables[name] = ts
	}
	return rows.Err()
}

// Close closes the database.
func (h *DB) Close() error {
	return h.db.Close()
}

// CreateTable adds a table. Creating an existing table with the same
// schema is a no-op.
func (h *DB) CreateTable(ctx context.Context, ts index.TableSchema) error {
	if err := validateSchema(ts); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.tables[ts.Name]; ok {
		if sameSchema(existing, ts) {
			return nil
		}
		return errs.ValidationError(fmt.Sprintf("table %s already exists with a different schema", ts.Name), nil)
	}

	raw, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	if _, err := h.db.ExecContext(ctx, `INSERT INTO tables (name, schema) VALUES (?, ?)`, ts.Name, string(raw)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", ts.Name, err)
	}
	h.tables[ts.Name] = ts
	h.logger.Info("table_created", slog.String("table", ts.Name), slog.Int("columns", len(ts.Columns)))
	return nil
}

func validateSchema(ts index.TableSchema) error {
	if ts.Name == "" {
		return errs.ValidationError("table name is required", nil)
	}
	if ts.PartitionKey.Name == "" {
		return errs.ValidationError(fmt.Sprintf("table %s needs a partition key", ts.Name), nil)
	}
	switch ts.PartitionKey.Type {
	case index.TypeText, index.TypeASCII, index.TypeVarchar, index.TypeBigint, index.TypeInt, index.TypeUUID, index.TypeTimeUUID:
	default:
		return errs.ValidationError(fmt.Sprintf("partition key type %q is not supported", ts.PartitionKey.Type), nil)
	}
	seen := map[string]bool{ts.PartitionKey.Name: true}
	for _, c := range ts.Columns {
		if c.Name == "" || seen[c.Name] {
			return errs.ValidationError(fmt.Sprintf("table %s: duplicate or empty column %q", ts.Name, c.Name), nil)
		}
		seen[c.Name] = true
	}
	return nil
}

func sameSchema(a, b index.TableSchema) bool {
	x, _ := json.Marshal(a)
	y, _ := json.Marshal(b)
	return string(x) == string(y)
}

// Table implements index.SchemaLookup.
func (h *DB) Table(name string) (index.TableSchema, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ts, ok := h.tables[name]
	return ts, ok
}

// Tables returns every table name, sorted.
func (h *DB) Tables() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.tables))
	for n := range h.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Register attaches obs to table under name. Registering a name again
// replaces the previous observer.
func (h *DB) Register(table, name string, obs index.MutationObserver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeObserver(name)
	h.observers[table] = append(h.observers[table], observer{name: name, obs: obs})
}

// Unregister detaches the observer registered under name.
func (h *DB) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeObserver(name)
}

// removeObserver must be called with h.mu held.
func (h *DB) removeObserver(name string) {
	for table, list := range h.observers {
		kept := list[:0]
		for _, o := range list {
			if o.name != name {
				kept = append(kept, o)
			}
		}
		h.observers[table] = kept
	}
}

// partitionKey converts a stored key to the Go type of its column.
func partitionKey(col index.Column, raw string) (any, string, error) {
	switch col.Type {
	case index.TypeBigint, index.TypeInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, "", errs.ValidationError(fmt.Sprintf("key %q is not a %s", raw, col.Type), err)
		}
		return n, strconv.FormatInt(n, 10), nil
	case index.TypeUUID, index.TypeTimeUUID:
		u, err := uuid.Parse(raw)
		if err != nil {
			return nil, "", errs.ValidationError(fmt.Sprintf("key %q is not a uuid", raw), err)
		}
		return u, u.String(), nil
	default:
		if raw == "" {
			return nil, "", errs.ValidationError("partition key is empty", nil)
		}
		return raw, raw, nil
	}
}

func (h *DB) nextTS() int64 {
	ts := time.Now().UnixMicro()
	if ts <= h.lastTS {
		ts = h.lastTS + 1
	}
	h.lastTS = ts
	return ts
}

// Apply applies w and returns its write timestamp. Registered observers
// see the write before it commits; if any of them fails, or the commit
// does, the write is rolled back and observers that already accepted it
// are told to undo it.
func (h *DB) Apply(ctx context.Context, w Write) (int64, error) {
	ts, ok := h.Table(w.Table)
	if !ok {
		return 0, errs.New(errs.ErrCodeUnknownTable, fmt.Sprintf("table %q does not exist", w.Table), nil)
	}
	key, canonical, err := partitionKey(ts.PartitionKey, w.Key)
	if err != nil {
		return 0, err
	}
	if !w.Delete && len(w.Columns) == 0 {
		return 0, errs.ValidationError("write has no columns", nil)
	}
	for name := range w.Columns {
		c, ok := ts.Column(name)
		if !ok || c.Name == ts.PartitionKey.Name {
			return 0, errs.ValidationError(fmt.Sprintf("table %s has no column %q", w.Table, name), nil)
		}
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prior, existed, err := readRow(ctx, tx, w.Table, canonical)
	if err != nil {
		return 0, err
	}
	writeTS := h.nextTS()
	if w.Delete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM rows WHERE tbl = ? AND pk = ?`, w.Table, canonical); err != nil {
			return 0, fmt.Errorf("failed to delete row: %w", err)
		}
	} else if err := mergeRow(ctx, tx, w.Table, canonical, prior, w.Columns, writeTS); err != nil {
		return 0, err
	}

	ev := index.MutationEvent{
		Table:          w.Table,
		PartitionKey:   key,
		Columns:        toAny(w.Columns),
		IsDelete:       w.Delete,
		WriteTimestamp: writeTS,
	}
	h.mu.RLock()
	observers := append([]observer(nil), h.observers[w.Table]...)
	h.mu.RUnlock()

	var prepared []index.Prepared
	abort := func() {
		// Undo needs a version newer than anything the write produced.
		undo := index.MutationEvent{
			Table:          w.Table,
			PartitionKey:   key,
			Columns:        toAny(prior),
			IsDelete:       !existed,
			WriteTimestamp: h.nextTS(),
		}
		for i := len(prepared) - 1; i >= 0; i-- {
			prepared[i].Abort(ctx, undo)
		}
	}
	for _, o := range observers {
		var err error
		if tob, ok := o.obs.(index.TransactionalObserver); ok {
			var p index.Prepared
			if p, err = tob.PrepareMutation(ctx, ev); err == nil {
				prepared = append(prepared, p)
			}
		} else {
			err = o.obs.OnMutation(ctx, ev)
		}
		if err != nil {
			h.logger.Warn("write_rejected_by_index",
				slog.String("table", w.Table),
				slog.String("key", canonical),
				slog.String("index", o.name),
				slog.String("error", err.Error()))
			abort()
			return 0, fmt.Errorf("write to %s rejected by index %s: %w", w.Table, o.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		abort()
		return 0, fmt.Errorf("failed to commit write: %w", err)
	}
	for _, p := range prepared {
		p.Commit(ctx)
	}
	return writeTS, nil
}

// rowQuerier is satisfied by *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// readRow returns the stored columns of a row and whether it exists.
func readRow(ctx context.Context, q rowQuerier, table, pk string) (map[string]string, bool, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT columns FROM rows WHERE tbl = ? AND pk = ?`, table, pk).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read row: %w", err)
	}
	cols := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &cols); err != nil {
		return nil, false, fmt.Errorf("row %s/%s is corrupt: %w", table, pk, err)
	}
	return cols, true, nil
}

func mergeRow(ctx context.Context, tx *sql.Tx, table, pk string, prior, cols map[string]string, ts int64) error {
	merged := make(map[string]string, len(prior)+len(cols))
	for k, v := range prior {
		merged[k] = v
	}
	for k, v := range cols {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rows (tbl, pk, columns, write_ts) VALUES (?, ?, ?, ?)
		ON CONFLICT (tbl, pk) DO UPDATE SET columns = excluded.columns, write_ts = excluded.write_ts`,
		table, pk, string(out), ts)
	if err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	return nil
}

func toAny(cols map[string]string) map[string]any {
	if cols == nil {
		return nil
	}
	out := make(map[string]any, len(cols))
	for k, v := range cols {
		out[k] = v
	}
	return out
}

// Get returns the stored columns of a partition.
func (h *DB) Get(ctx context.Context, table, key string) (map[string]string, bool, error) {
	ts, ok := h.Table(table)
	if !ok {
		return nil, false, errs.New(errs.ErrCodeUnknownTable, fmt.Sprintf("table %q does not exist", table), nil)
	}
	_, canonical, err := partitionKey(ts.PartitionKey, key)
	if err != nil {
		return nil, false, err
	}
	return readRow(ctx, h.db, table, canonical)
}

type scannedRow struct {
	pk      string
	columns string
	ts      int64
}

// Scan implements index.TableScanner. Rows are read a page at a time so fn
// never runs while the database connection is held.
func (h *DB) Scan(ctx context.Context, table string, fn func(index.MutationEvent) error) error {
	ts, ok := h.Table(table)
	if !ok {
		return errs.New(errs.ErrCodeUnknownTable, fmt.Sprintf("table %q does not exist", table), nil)
	}

	after := ""
	first := true
	for {
		page, err := h.scanPage(ctx, table, after, first)
		if err != nil {
			return err
		}
		for _, r := range page {
			key, _, err := partitionKey(ts.PartitionKey, r.pk)
			if err != nil {
				return fmt.Errorf("row %s/%s has a bad key: %w", table, r.pk, err)
			}
			cols := map[string]string{}
			if err := json.Unmarshal([]byte(r.columns), &cols); err != nil {
				return fmt.Errorf("row %s/%s is corrupt: %w", table, r.pk, err)
			}
			if err := fn(index.MutationEvent{
				Table:          table,
				PartitionKey:   key,
				Columns:        toAny(cols),
				WriteTimestamp: r.ts,
			}); err != nil {
				return err
			}
		}
		if len(page) < scanPageSize {
			return nil
		}
		after = page[len(page)-1].pk
		first = false
	}
}

func (h *DB) scanPage(ctx context.Context, table, after string, first bool) ([]scannedRow, error) {
	q := `SELECT pk, columns, write_ts FROM rows WHERE tbl = ? AND pk > ? ORDER BY pk LIMIT ?`
	if first {
		q = `SELECT pk, columns, write_ts FROM rows WHERE tbl = ? AND pk >= ? ORDER BY pk LIMIT ?`
	}
	rows, err := h.db.QueryContext(ctx, q, table, after, scanPageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var page []scannedRow
	for rows.Next() {
		var r scannedRow
		if err := rows.Scan(&r.pk, &r.columns, &r.ts); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		page = append(page, r)
	}
	return page, rows.Err()
}
