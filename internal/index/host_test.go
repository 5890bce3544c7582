package index

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webme-commons/esindex/internal/backend"
	"github.com/webme-commons/esindex/internal/logging"
	"github.com/webme-commons/esindex/internal/queue"
)

// memHost is an in-memory Host holding one table per schema.
type memHost struct {
	mu      sync.Mutex
	tables  map[string]TableSchema
	rows    map[string]map[string]MutationEvent
	built   map[string]bool
	scanErr error
}

func newMemHost(tables ...TableSchema) *memHost {
	h := &memHost{
		tables: make(map[string]TableSchema),
		rows:   make(map[string]map[string]MutationEvent),
		built:  make(map[string]bool),
	}
	for _, t := range tables {
		h.tables[t.Name] = t
		h.rows[t.Name] = make(map[string]MutationEvent)
	}
	return h
}

// tutu is the demo table: an id partition key with value and esquery columns.
func tutu() TableSchema {
	return TableSchema{
		Name:         "tutu",
		PartitionKey: Column{Name: "id", Type: TypeText},
		Columns: []Column{
			{Name: "value", Type: TypeText},
			{Name: "esquery", Type: TypeText},
			{Name: "counter", Type: TypeBigint},
		},
	}
}

func (h *memHost) Table(name string) (TableSchema, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tables[name]
	return t, ok
}

func (h *memHost) put(table, key string, ts int64, cols map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows[table][key] = MutationEvent{Table: table, PartitionKey: key, Columns: cols, WriteTimestamp: ts}
}

func (h *memHost) Scan(ctx context.Context, table string, fn func(MutationEvent) error) error {
	h.mu.Lock()
	if h.scanErr != nil {
		h.mu.Unlock()
		return h.scanErr
	}
	keys := make([]string, 0, len(h.rows[table]))
	for k := range h.rows[table] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	events := make([]MutationEvent, 0, len(keys))
	for _, k := range keys {
		events = append(events, h.rows[table][k])
	}
	h.mu.Unlock()

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (h *memHost) MarkBuilt(_ context.Context, index string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.built[index] = true
	return nil
}

func (h *memHost) ClearBuilt(_ context.Context, index string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.built, index)
	return nil
}

func (h *memHost) isBuilt(index string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.built[index]
}

// stubEnqueuer returns err from every Enqueue.
type stubEnqueuer struct {
	err   error
	calls int
}

func (s *stubEnqueuer) Enqueue(context.Context, queue.Entry) error {
	s.calls++
	return s.err
}

var errScan = errors.New("sstable unreadable")

func newTestIndex(t *testing.T, host *memHost, client backend.Client, options map[string]string) *Index {
	t.Helper()
	qcfg := queue.DefaultConfig()
	qcfg.FlushInterval = 5 * time.Millisecond
	qcfg.Retry.InitialDelay = time.Millisecond
	qcfg.Retry.MaxDelay = 5 * time.Millisecond
	idx, err := New(context.Background(), "testindex", options, Deps{
		Host:    host,
		Client:  client,
		Queue:   qcfg,
		LockDir: t.TempDir(),
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close(context.Background()) })
	return idx
}

func asyncOptions() map[string]string {
	return map[string]string{"target": "tutu", "async-write": "true"}
}

func syncOptions() map[string]string {
	return map[string]string{
		"class_name":  "esindex.ElasticSecondaryIndex",
		"target":      "tutu",
		"async-write": "false",
	}
}
