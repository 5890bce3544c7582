package hostdb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webme-commons/esindex/internal/backend"
	errs "github.com/webme-commons/esindex/internal/errors"
	"github.com/webme-commons/esindex/internal/index"
	"github.com/webme-commons/esindex/internal/logging"
	"github.com/webme-commons/esindex/internal/queue"
)

func attach(t *testing.T, db *DB, client backend.Client, options map[string]string) *index.Index {
	t.Helper()
	return attachNamed(t, db, client, "testindex", options)
}

func attachNamed(t *testing.T, db *DB, client backend.Client, name string, options map[string]string) *index.Index {
	t.Helper()
	ctx := context.Background()
	qcfg := queue.DefaultConfig()
	qcfg.FlushInterval = 5 * time.Millisecond

	idx, err := index.New(ctx, name, options, index.Deps{
		Host:    db,
		Client:  client,
		Queue:   qcfg,
		LockDir: t.TempDir(),
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)
	require.NoError(t, db.SaveIndex(ctx, IndexDef{Name: name, Table: "tutu", Options: options}))
	db.Register("tutu", name, idx)
	t.Cleanup(func() { _ = idx.Close(context.Background()) })
	return idx
}

func bleveClient(t *testing.T) *backend.BleveClient {
	t.Helper()
	c, err := backend.NewBleveClient(backend.BleveOptions{Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEndToEnd_SyncIndex(t *testing.T) {
	// Given: the demo table with a sync index
	db := openMem(t)
	client := bleveClient(t)
	attach(t, db, client, map[string]string{"target": "tutu", "async-write": "false"})
	ctx := context.Background()

	// When: id 1 is written twice
	_, err := db.Apply(ctx, Write{Table: "tutu", Key: "1", Columns: map[string]string{"esquery": `{"a":1}`}})
	require.NoError(t, err)
	_, err = db.Apply(ctx, Write{Table: "tutu", Key: "1", Columns: map[string]string{"esquery": `{"a":2}`}})
	require.NoError(t, err)

	// Then: the index shows only the latest body
	doc, ok, err := client.Get(ctx, "testindex", "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":2}`, string(doc.Body))

	hits, err := client.Search(ctx, "testindex", "a:2", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "1", hits[0].ID)

	// When: the partition is deleted
	_, err = db.Apply(ctx, Write{Table: "tutu", Key: "1", Delete: true})
	require.NoError(t, err)

	// Then: the document is gone
	_, ok, err = client.Get(ctx, "testindex", "1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEndToEnd_RejectedPayloadFailsSyncWrite(t *testing.T) {
	db := openMem(t)
	client := bleveClient(t)
	attach(t, db, client, map[string]string{"target": "tutu"})
	ctx := context.Background()

	_, err := db.Apply(ctx, Write{Table: "tutu", Key: "1", Columns: map[string]string{"esquery": `not json`}})

	require.Error(t, err)
	assert.True(t, errs.IsRejected(err))
	_, ok, err := db.Get(ctx, "tutu", "1")
	require.NoError(t, err)
	assert.False(t, ok, "base write must roll back with the index update")
}

func TestEndToEnd_AsyncIndexAndBuild(t *testing.T) {
	// Given: rows written before the index exists
	db := openMem(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := db.Apply(ctx, Write{Table: "tutu", Key: fmt.Sprint(i), Columns: map[string]string{
			"esquery": fmt.Sprintf(`{"n":%d}`, i),
		}})
		require.NoError(t, err)
	}
	client := bleveClient(t)

	// When: an async index is created and built
	idx := attach(t, db, client, map[string]string{"target": "tutu", "async-write": "true"})
	require.NoError(t, idx.OnIndexBuild(ctx))

	// Then: existing rows are indexed and the index is marked built
	n, err := client.Count("testindex")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), n)
	def, _, err := db.Index(ctx, "testindex")
	require.NoError(t, err)
	assert.True(t, def.Built)

	// When: new writes arrive
	_, err = db.Apply(ctx, Write{Table: "tutu", Key: "new", Columns: map[string]string{"esquery": `{"n":99}`}})
	require.NoError(t, err)
	require.NoError(t, idx.Flush(ctx))

	// Then: they show up once the queue drains
	n, err = client.Count("testindex")
	require.NoError(t, err)
	assert.Equal(t, uint64(21), n)
}

func TestEndToEnd_RejectedWriteLeavesNoDocuments(t *testing.T) {
	// Given: a sync and an async index on tutu, then an observer that fails
	db := openMem(t)
	client := bleveClient(t)
	syncIdx := attachNamed(t, db, client, "syncidx", map[string]string{"target": "tutu", "async-write": "false"})
	asyncIdx := attachNamed(t, db, client, "asyncidx", map[string]string{"target": "tutu", "async-write": "true"})
	db.Register("tutu", "broken", &recorder{err: errors.New("backend down")})
	ctx := context.Background()

	// When: id 1 is written
	_, err := db.Apply(ctx, Write{Table: "tutu", Key: "1", Columns: map[string]string{"esquery": `{"a":1}`}})

	// Then: the write fails and the base row is absent
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected by index broken")
	_, ok, err := db.Get(ctx, "tutu", "1")
	require.NoError(t, err)
	assert.False(t, ok)

	// And: neither index holds a document for it
	require.NoError(t, syncIdx.Flush(ctx))
	require.NoError(t, asyncIdx.Flush(ctx))
	_, ok, err = client.Get(ctx, "syncidx", "1")
	require.NoError(t, err)
	assert.False(t, ok, "sync document must be undone")
	_, ok, err = client.Get(ctx, "asyncidx", "1")
	require.NoError(t, err)
	assert.False(t, ok, "async write must not be enqueued")
	assert.Zero(t, asyncIdx.Pending())

	// And: a later write that succeeds is indexed by both
	db.Unregister("broken")
	_, err = db.Apply(ctx, Write{Table: "tutu", Key: "1", Columns: map[string]string{"esquery": `{"a":2}`}})
	require.NoError(t, err)
	require.NoError(t, asyncIdx.Flush(ctx))
	for _, name := range []string{"syncidx", "asyncidx"} {
		doc, ok, err := client.Get(ctx, name, "1")
		require.NoError(t, err)
		require.True(t, ok, name)
		assert.JSONEq(t, `{"a":2}`, string(doc.Body), name)
	}
}

func TestEndToEnd_RejectedUpdateRestoresPriorDocument(t *testing.T) {
	// Given: a sync index holding id 1 and an observer registered after it
	db := openMem(t)
	client := bleveClient(t)
	attach(t, db, client, map[string]string{"target": "tutu", "async-write": "false"})
	rec := &recorder{}
	db.Register("tutu", "audit", rec)
	ctx := context.Background()
	_, err := db.Apply(ctx, Write{Table: "tutu", Key: "1", Columns: map[string]string{"esquery": `{"a":1}`, "value": "x"}})
	require.NoError(t, err)

	// When: the observer starts failing and id 1 is updated, then deleted
	rec.mu.Lock()
	rec.err = errors.New("audit log full")
	rec.mu.Unlock()
	_, updateErr := db.Apply(ctx, Write{Table: "tutu", Key: "1", Columns: map[string]string{"esquery": `{"a":2}`}})
	_, deleteErr := db.Apply(ctx, Write{Table: "tutu", Key: "1", Delete: true})

	// Then: both writes fail and the index still shows the stored row
	require.Error(t, updateErr)
	require.Error(t, deleteErr)
	row, ok, err := db.Get(ctx, "tutu", "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, row["esquery"])
	doc, ok, err := client.Get(ctx, "testindex", "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(doc.Body))
}
