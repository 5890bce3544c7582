package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webme-commons/esindex/internal/backend"
	"github.com/webme-commons/esindex/internal/deadletter"
	errs "github.com/webme-commons/esindex/internal/errors"
	"github.com/webme-commons/esindex/internal/source"
)

// newDataDir isolates a test from the developer's configuration and
// returns an empty data directory.
func newDataDir(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("ESINDEX_LOG_LEVEL", "error")
	return t.TempDir()
}

func runCtx(ctx context.Context, t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--data-dir", dataDir}, args...))
	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}

func run(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	return runCtx(context.Background(), t, dataDir, args...)
}

func mustRun(t *testing.T, dataDir string, args ...string) string {
	t.Helper()
	out, err := run(t, dataDir, args...)
	require.NoError(t, err, out)
	return out
}

func createTutu(t *testing.T, dir string) {
	t.Helper()
	mustRun(t, dir, "create-table", "tutu", "--key", "id:text", "-c", "value", "-c", "esquery")
}

func search(t *testing.T, dir, index string, query ...string) []backend.Hit {
	t.Helper()
	out := mustRun(t, dir, append([]string{"search", index, "--format", "json"}, query...)...)
	var hits []backend.Hit
	require.NoError(t, json.Unmarshal([]byte(out), &hits), out)
	return hits
}

func TestCLI_SyncIndex_WriteSearchDelete(t *testing.T) {
	// Given: a table with a sync index
	dir := newDataDir(t)
	createTutu(t, dir)
	out := mustRun(t, dir, "create-index", "testindex",
		"-o", "target=tutu", "-o", "class_name=esindex.ElasticSecondaryIndex")
	assert.Contains(t, out, "index testindex on tutu created")

	// When: a row with a JSON payload is written
	mustRun(t, dir, "write", "tutu", "1", "value=abc", `esquery={"a":"b"}`)

	// Then: it is searchable as soon as the write returns
	hits := search(t, dir, "testindex", "a:b")
	require.Len(t, hits, 1)
	assert.Equal(t, "1", hits[0].ID)
	assert.JSONEq(t, `{"a":"b"}`, string(hits[0].Source))

	// When: the row is deleted
	mustRun(t, dir, "delete", "tutu", "1")

	// Then: the document is gone
	assert.Empty(t, search(t, dir, "testindex"))
}

func TestCLI_SyncIndex_RejectedPayloadFailsWrite(t *testing.T) {
	// Given: a sync index
	dir := newDataDir(t)
	createTutu(t, dir)
	mustRun(t, dir, "create-index", "testindex", "-o", "target=tutu")

	// When: the payload is not a JSON object
	_, err := run(t, dir, "write", "tutu", "1", "esquery=not json")

	// Then: the write fails and the row is not stored
	require.Error(t, err)
	assert.True(t, errs.IsRejected(err), err.Error())
	_, err = run(t, dir, "get", "tutu", "1")
	assert.Error(t, err)
}

func TestCLI_CreateIndex_BuildsExistingRows(t *testing.T) {
	// Given: rows written before the index exists
	dir := newDataDir(t)
	createTutu(t, dir)
	for _, key := range []string{"1", "2", "3"} {
		mustRun(t, dir, "write", "tutu", key, `esquery={"k":"`+key+`"}`)
	}
	mustRun(t, dir, "write", "tutu", "4", "value=no payload")

	// When: the index is created
	out := mustRun(t, dir, "create-index", "testindex", "-o", "target=tutu")

	// Then: the build indexes every row with a payload and marks it built
	assert.Contains(t, out, "built testindex: 3 rows indexed, 1 without payload")
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(mustRun(t, dir, "status", "--format", "json")), &report))
	require.Len(t, report.Indexes, 1)
	assert.True(t, report.Indexes[0].Built)
	assert.Equal(t, uint64(3), report.Indexes[0].Documents)
	assert.Equal(t, []string{"tutu"}, report.Tables)
}

func TestCLI_Build_AlreadyBuiltAndForce(t *testing.T) {
	dir := newDataDir(t)
	createTutu(t, dir)
	mustRun(t, dir, "write", "tutu", "1", `esquery={"a":1}`)
	mustRun(t, dir, "create-index", "testindex", "-o", "target=tutu", "--no-build")

	out := mustRun(t, dir, "build", "testindex")
	assert.Contains(t, out, "built testindex")

	out = mustRun(t, dir, "build", "testindex")
	assert.Contains(t, out, "already built")

	out = mustRun(t, dir, "build", "testindex", "--force")
	assert.Contains(t, out, "rebuilt testindex")
	assert.Len(t, search(t, dir, "testindex"), 1)
}

func TestCLI_AsyncIndex_DeadLetters(t *testing.T) {
	// Given: an async index
	dir := newDataDir(t)
	createTutu(t, dir)
	mustRun(t, dir, "create-index", "asyncindex", "-o", "target=tutu", "-o", "async-write=true")

	// When: a good and a rejected payload are written
	mustRun(t, dir, "write", "tutu", "1", `esquery={"a":"b"}`)
	_, err := run(t, dir, "write", "tutu", "2", "esquery=not json")

	// Then: both writes succeed; the bad one lands in the dead-letter store
	require.NoError(t, err)
	assert.Len(t, search(t, dir, "asyncindex"), 1)

	var records []deadletter.Record
	out := mustRun(t, dir, "deadletter", "list", "asyncindex", "--format", "json")
	require.NoError(t, json.Unmarshal([]byte(out), &records), out)
	require.Len(t, records, 1)
	assert.Equal(t, "2", records[0].DocID)
	assert.Equal(t, errs.ErrCodeBackendRejected, records[0].ErrorCode)

	// When: it is replayed without a fix
	out = mustRun(t, dir, "deadletter", "replay", "asyncindex")

	// Then: it is dropped again and kept
	assert.Contains(t, out, "replayed 1 writes")
	assert.Contains(t, out, "1 writes were dropped again")

	out = mustRun(t, dir, "deadletter", "purge")
	assert.Contains(t, out, "purged 1 records")
}

func TestCLI_Drop(t *testing.T) {
	dir := newDataDir(t)
	createTutu(t, dir)
	mustRun(t, dir, "create-index", "testindex", "-o", "target=tutu")
	mustRun(t, dir, "write", "tutu", "1", `esquery={"a":1}`)

	out := mustRun(t, dir, "drop", "testindex")
	assert.Contains(t, out, "dropped testindex")

	_, err := run(t, dir, "search", "testindex")
	assert.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "indexes", "testindex"))
	assert.True(t, os.IsNotExist(statErr))

	// The table keeps accepting writes without the index.
	mustRun(t, dir, "write", "tutu", "2", "esquery=not json")
}

func TestCLI_CreateIndex_UnknownOption(t *testing.T) {
	dir := newDataDir(t)
	createTutu(t, dir)

	_, err := run(t, dir, "create-index", "testindex", "-o", "target=tutu", "-o", "shards=3")

	assert.Equal(t, errs.ErrCodeUnknownOption, errs.GetCode(err))
}

func TestCLI_Follow_AppliesFile(t *testing.T) {
	// Given: a JSON lines file of writes and an index on the table
	dir := newDataDir(t)
	createTutu(t, dir)
	mustRun(t, dir, "create-index", "testindex", "-o", "target=tutu")
	file := filepath.Join(t.TempDir(), "writes.jsonl")
	require.NoError(t, os.WriteFile(file, []byte(
		`{"table":"tutu","key":"1","columns":{"value":"x","esquery":"{\"a\":1}"}}`+"\n"+
			`{"table":"tutu","key":"2","columns":{"value":"y"}}`+"\n"+
			`{"table":"nope","key":"3","columns":{"value":"z"}}`+"\n"), 0o644))

	// When: follow runs until its context ends
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	out, err := runCtx(ctx, t, dir, "follow", file, "--poll", "50ms")

	// Then: valid lines were applied through the index
	require.NoError(t, err)
	assert.Contains(t, out, "applied 2 writes (0 invalid, 1 failed)")
	assert.Contains(t, mustRun(t, dir, "get", "tutu", "2"), "y")
	assert.Len(t, search(t, dir, "testindex"), 1)
}

func TestCLI_ConfigShow(t *testing.T) {
	dir := newDataDir(t)

	out := mustRun(t, dir, "config", "show")

	assert.Contains(t, out, "batch_size: 100")
	assert.Contains(t, out, filepath.Join(dir, "host.db"))
}

func TestCLI_ConfigInit(t *testing.T) {
	dir := newDataDir(t)

	out := mustRun(t, dir, "config", "init")
	assert.Contains(t, out, "wrote")

	_, err := run(t, dir, "config", "init")
	assert.Error(t, err)
	mustRun(t, dir, "config", "init", "--force")
}

func TestParseColumn(t *testing.T) {
	c, err := parseColumn("id")
	require.NoError(t, err)
	assert.Equal(t, "text", string(c.Type))

	c, err = parseColumn("n:BIGINT")
	require.NoError(t, err)
	assert.Equal(t, "bigint", string(c.Type))

	_, err = parseColumn("x:float")
	assert.Error(t, err)
}

func TestParseAssignments(t *testing.T) {
	cols, err := parseAssignments([]string{"a=1", `q={"k":"v=w"}`})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "q": `{"k":"v=w"}`}, cols)

	_, err = parseAssignments([]string{"novalue"})
	assert.Error(t, err)
}

func TestCLI_Follow_StopWithoutFollower(t *testing.T) {
	dir := newDataDir(t)

	_, err := run(t, dir, "follow", "--stop")

	assert.ErrorIs(t, err, source.ErrNotFollowing)
}

func TestCLI_Follow_RefusesSecondFollower(t *testing.T) {
	// Given: a live process recorded as the follower
	dir := newDataDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "follow.pid"), []byte(strconv.Itoa(os.Getppid())), 0o644))

	// When/Then: a second follow refuses to start
	_, err := run(t, dir, "follow", filepath.Join(t.TempDir(), "writes.jsonl"))
	assert.ErrorIs(t, err, source.ErrAlreadyFollowing)
}
