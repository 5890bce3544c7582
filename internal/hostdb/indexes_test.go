package hostdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/webme-commons/esindex/internal/errors"
)

func TestIndexDefs_Lifecycle(t *testing.T) {
	// Given: a registered index
	db := openMem(t)
	ctx := context.Background()
	opts := map[string]string{"target": "tutu", "async-write": "false"}
	require.NoError(t, db.SaveIndex(ctx, IndexDef{Name: "testindex", Table: "tutu", Options: opts}))

	// Then: it is listed, not built
	defs, err := db.Indexes(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "testindex", defs[0].Name)
	assert.Equal(t, opts, defs[0].Options)
	assert.False(t, defs[0].Built)

	// When: it is marked built and cleared again
	require.NoError(t, db.MarkBuilt(ctx, "testindex"))
	def, ok, err := db.Index(ctx, "testindex")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, def.Built)

	require.NoError(t, db.ClearBuilt(ctx, "testindex"))
	def, _, err = db.Index(ctx, "testindex")
	require.NoError(t, err)
	assert.False(t, def.Built)

	// When: it is deleted
	require.NoError(t, db.DeleteIndex(ctx, "testindex"))
	_, ok, err = db.Index(ctx, "testindex")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveIndex_Errors(t *testing.T) {
	db := openMem(t)
	ctx := context.Background()

	err := db.SaveIndex(ctx, IndexDef{Name: "x", Table: "missing"})
	assert.Equal(t, errs.ErrCodeUnknownTable, errs.GetCode(err))

	require.NoError(t, db.SaveIndex(ctx, IndexDef{Name: "x", Table: "tutu", Options: map[string]string{}}))
	err = db.SaveIndex(ctx, IndexDef{Name: "x", Table: "tutu", Options: map[string]string{}})
	assert.Equal(t, errs.ErrCodeInvalidInput, errs.GetCode(err))
}

func TestMarkBuilt_UnknownIndex(t *testing.T) {
	db := openMem(t)

	err := db.MarkBuilt(context.Background(), "ghost")

	assert.Equal(t, errs.ErrCodeInternal, errs.GetCode(err))
}
