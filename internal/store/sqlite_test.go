package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT NOT NULL);`

func TestOpen_InMemory(t *testing.T) {
	// Given: an in-memory database with a schema
	db, err := Open(context.Background(), MemoryPath, testSchema)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	// When: a row is written
	_, err = db.Exec(`INSERT INTO kv (k, v) VALUES ('a', '1')`)
	require.NoError(t, err)

	// Then: it can be read back on the same connection
	var v string
	require.NoError(t, db.QueryRow(`SELECT v FROM kv WHERE k = 'a'`).Scan(&v))
	assert.Equal(t, "1", v)
}

func TestOpen_PersistsToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	ctx := context.Background()

	db, err := Open(ctx, path, testSchema)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO kv (k, v) VALUES ('a', '1')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, path, testSchema)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n))
	assert.Equal(t, 1, n)

	var mode string
	require.NoError(t, db.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpen_BadSchema(t *testing.T) {
	_, err := Open(context.Background(), MemoryPath, `CREATE TABLE (`)
	assert.Error(t, err)
}
