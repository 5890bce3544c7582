package index

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webme-commons/esindex/internal/async"
	"github.com/webme-commons/esindex/internal/backend"
	"github.com/webme-commons/esindex/internal/backend/backendtest"
	errs "github.com/webme-commons/esindex/internal/errors"
	"github.com/webme-commons/esindex/internal/queue"
)

func seed(host *memHost, n int) {
	for i := 0; i < n; i++ {
		host.put("tutu", fmt.Sprint(i), int64(i+1), map[string]any{
			"value":   "v",
			"esquery": fmt.Sprintf(`{"n":%d}`, i),
		})
	}
}

func TestHooks_Build_IndexesExistingRows(t *testing.T) {
	// Given: a sync index over a table with rows, one without payload
	host := newMemHost(tutu())
	seed(host, 25)
	host.put("tutu", "empty", 1, map[string]any{"value": "no payload"})
	fake := backendtest.New()
	idx := newTestIndex(t, host, fake, syncOptions())

	// When: the index is built
	b, err := idx.StartBuild(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Wait())

	// Then: every payload row is in the backend, written through the queue
	assert.Equal(t, 25, fake.Count("testindex"))
	for _, c := range fake.Calls() {
		assert.Equal(t, "bulk", c.Method)
	}
	assert.True(t, host.isBuilt("testindex"))

	snap := b.Progress().Snapshot()
	assert.Equal(t, "built", snap.Status)
	assert.Equal(t, int64(26), snap.RowsScanned)
	assert.Equal(t, int64(1), snap.RowsSkipped)
	assert.Equal(t, int64(25), snap.RowsApplied)
}

func TestHooks_Build_FailedRowsLeaveIndexNotBuilt(t *testing.T) {
	// Given: a backend rejecting one document
	host := newMemHost(tutu())
	seed(host, 5)
	fake := backendtest.New()
	fake.Fail = func(c backendtest.Call) error {
		for _, op := range c.Ops {
			if op.Doc.ID == "3" {
				return errs.BackendRejected("mapper_parsing_exception", nil)
			}
		}
		return nil
	}
	idx := newTestIndex(t, host, fake, syncOptions())

	// When: the index is built
	err := idx.OnIndexBuild(context.Background())

	// Then: the build fails and the index is not marked built
	require.Error(t, err)
	assert.Equal(t, errs.ErrCodeBuildFailed, errs.GetCode(err))
	assert.False(t, host.isBuilt("testindex"))
	assert.Equal(t, 4, fake.Count("testindex"))
}

func TestHooks_Build_ScanErrorAborts(t *testing.T) {
	host := newMemHost(tutu())
	host.scanErr = errScan
	idx := newTestIndex(t, host, backendtest.New(), syncOptions())

	err := idx.OnIndexBuild(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, errScan))
	assert.False(t, host.isBuilt("testindex"))
}

func TestHooks_Build_Throttled(t *testing.T) {
	host := newMemHost(tutu())
	seed(host, 3)
	fake := backendtest.New()
	idx := newTestIndex(t, host, fake, syncOptions())
	idx.hooks.limiter.SetLimit(1000)

	require.NoError(t, idx.OnIndexBuild(context.Background()))
	assert.Equal(t, 3, fake.Count("testindex"))
}

func TestHooks_Build_RejectsConcurrentBuild(t *testing.T) {
	host := newMemHost(tutu())
	seed(host, 1)
	release := make(chan struct{})
	fake := backendtest.New()
	fake.Fail = func(backendtest.Call) error {
		<-release
		return nil
	}
	idx := newTestIndex(t, host, fake, syncOptions())

	first, err := idx.StartBuild(context.Background())
	require.NoError(t, err)

	_, err = idx.StartBuild(context.Background())
	assert.ErrorIs(t, err, async.ErrBuildInProgress)

	close(release)
	require.NoError(t, first.Wait())
}

func TestHooks_FlushAndCompactionAreNoOps(t *testing.T) {
	fake := backendtest.New()
	idx := newTestIndex(t, newMemHost(tutu()), fake, syncOptions())

	idx.OnFlush(context.Background(), "tutu")
	idx.OnCompaction(context.Background(), "tutu")

	assert.Empty(t, fake.Calls())
}

func TestHooks_Drop_DeletesBackendIndex(t *testing.T) {
	// Given: an index with a document
	fake := backendtest.New()
	host := newMemHost(tutu())
	idx := newTestIndex(t, host, fake, syncOptions())
	require.NoError(t, idx.OnMutation(context.Background(), write("1", 1, `{"a":1}`)))

	// When: it is dropped
	idx.OnDrop(context.Background())

	// Then: the backend index is gone and no build can start
	assert.Equal(t, []string{"testindex"}, fake.Dropped())
	assert.Equal(t, 0, fake.Count("testindex"))
	_, err := idx.StartBuild(context.Background())
	assert.Equal(t, errs.ErrCodeIndexDropped, errs.GetCode(err))
}

func TestHooks_Drop_BackendFailureIsNotFatal(t *testing.T) {
	fake := backendtest.New()
	fake.Fail = func(c backendtest.Call) error {
		if c.Method == "delete_index" {
			return errs.BackendUnavailable("down", nil)
		}
		return nil
	}
	idx := newTestIndex(t, newMemHost(tutu()), fake, syncOptions())

	assert.NotPanics(t, func() { idx.OnDrop(context.Background()) })
}

func TestHooks_Drop_RetriesTransientFailure(t *testing.T) {
	// Given: a backend whose first delete_index call fails
	fake := backendtest.New()
	var calls atomic.Int32
	fake.Fail = func(c backendtest.Call) error {
		if c.Method == "delete_index" && calls.Add(1) == 1 {
			return errs.BackendUnavailable("blip", nil)
		}
		return nil
	}
	idx := newTestIndex(t, newMemHost(tutu()), fake, syncOptions())

	// When: the index is dropped
	idx.OnDrop(context.Background())

	// Then: the second attempt deletes it
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []string{"testindex"}, fake.Dropped())
}

func TestHooks_Rebuild_RemovesStaleDocuments(t *testing.T) {
	// Given: a built index with a document whose row no longer exists
	host := newMemHost(tutu())
	seed(host, 3)
	fake := backendtest.New()
	idx := newTestIndex(t, host, fake, syncOptions())
	require.NoError(t, idx.OnIndexBuild(context.Background()))
	require.NoError(t, idx.OnMutation(context.Background(), write("orphan", 99, `{"x":1}`)))
	require.Equal(t, 4, fake.Count("testindex"))

	// When: it is rebuilt
	require.NoError(t, idx.Rebuild(context.Background()))

	// Then: only table rows remain and it is built again
	assert.Equal(t, 3, fake.Count("testindex"))
	_, ok := fake.Doc("testindex", "orphan")
	assert.False(t, ok)
	assert.True(t, host.isBuilt("testindex"))
}

func TestHooks_Rebuild_RefusedWhileBuilding(t *testing.T) {
	// Given: a built index whose next build is stuck on the backend
	host := newMemHost(tutu())
	seed(host, 1)
	release := make(chan struct{})
	fake := backendtest.New()
	fake.Fail = func(c backendtest.Call) error {
		if c.Method != "delete_index" {
			<-release
		}
		return nil
	}
	idx := newTestIndex(t, host, fake, syncOptions())
	require.NoError(t, host.MarkBuilt(context.Background(), "testindex"))
	first, err := idx.StartBuild(context.Background())
	require.NoError(t, err)

	// When: a rebuild is requested
	err = idx.Rebuild(context.Background())

	// Then: it is refused before touching the backend or the built flag
	assert.ErrorIs(t, err, async.ErrBuildInProgress)
	for _, c := range fake.Calls() {
		assert.NotEqual(t, "delete_index", c.Method)
	}
	assert.True(t, host.isBuilt("testindex"))

	close(release)
	require.NoError(t, first.Wait())
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(context.Background(), "testindex", map[string]string{"target": "tutu", "bogus": "1"}, Deps{
		Host:   newMemHost(tutu()),
		Client: backendtest.New(),
	})

	assert.Equal(t, errs.ErrCodeUnknownOption, errs.GetCode(err))
}

func TestNew_DialsForeignEndpoint(t *testing.T) {
	dialed := backendtest.New()
	var got string
	idx, err := New(context.Background(), "testindex", map[string]string{"target": "tutu", "endpoint": "/other"}, Deps{
		Host:            newMemHost(tutu()),
		Client:          backendtest.New(),
		DefaultEndpoint: "/default",
		Dial: func(endpoint string) (backend.Client, error) {
			got = endpoint
			return dialed, nil
		},
		LockDir: t.TempDir(),
	})
	require.NoError(t, err)
	defer func() { _ = idx.Close(context.Background()) }()

	require.NoError(t, idx.OnMutation(context.Background(), write("1", 1, `{"a":1}`)))

	assert.Equal(t, "/other", got)
	assert.Equal(t, 1, dialed.Count("testindex"))
}

func TestNew_ForeignEndpointWithoutDial(t *testing.T) {
	_, err := New(context.Background(), "testindex", map[string]string{"target": "tutu", "endpoint": "/other"}, Deps{
		Host:   newMemHost(tutu()),
		Client: backendtest.New(),
	})

	assert.Equal(t, errs.ErrCodeConfigInvalid, errs.GetCode(err))
}

func TestIndex_Enqueue_ReplaysPreparedWrite(t *testing.T) {
	// Given: a sync index; replayed writes still go through its queue
	fake := backendtest.New()
	idx := newTestIndex(t, newMemHost(tutu()), fake, syncOptions())

	// When: a prepared upsert is enqueued and flushed
	require.NoError(t, idx.Enqueue(context.Background(), queue.Entry{
		PartitionKey: "1",
		Op:           backend.Upsert("1", []byte(`{"a":1}`), 3),
	}))
	require.NoError(t, idx.Flush(context.Background()))

	// Then: it reaches the backend with its original version
	doc, ok := fake.Doc("testindex", "1")
	require.True(t, ok)
	assert.Equal(t, int64(3), doc.Version)
	assert.Equal(t, 0, idx.Pending())
}
