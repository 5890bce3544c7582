package index

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webme-commons/esindex/internal/backend"
	errs "github.com/webme-commons/esindex/internal/errors"
)

type shardKey struct{ region, n int }

func (k shardKey) String() string { return fmt.Sprintf("%d-%d", k.region, k.n) }

func testCodec() Codec {
	return NewCodec(Config{PayloadColumn: "esquery"})
}

func TestDocumentID_CanonicalForms(t *testing.T) {
	u := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	tests := []struct {
		key  any
		want string
	}{
		{"1", "1"},
		{"héllo", "héllo"},
		{[]byte{0xde, 0xad, 0xbe, 0xef}, "deadbeef"},
		{42, "42"},
		{int32(-7), "-7"},
		{int64(9007199254740993), "9007199254740993"},
		{uint64(18446744073709551615), "18446744073709551615"},
		{u, "6ba7b810-9dad-11d1-80b4-00c04fd430c8"},
		{shardKey{3, 9}, "3-9"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%T", tt.key), func(t *testing.T) {
			id, err := DocumentID(tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestDocumentID_Unsupported(t *testing.T) {
	for _, key := range []any{3.14, nil, "", []string{"a"}} {
		_, err := DocumentID(key)
		require.Error(t, err, "key %v", key)
		assert.Equal(t, errs.CategoryCodec, errs.GetCategory(err))
	}
}

func TestCodec_Encode_Upsert(t *testing.T) {
	// Given: a write carrying a payload
	ev := MutationEvent{
		PartitionKey:   "1",
		Columns:        map[string]any{"esquery": `{"a":1}`, "value": "x"},
		WriteTimestamp: 1000,
	}

	// When: it is encoded
	enc, err := testCodec().Encode(ev)

	// Then: the payload passes through untouched, versioned by timestamp
	require.NoError(t, err)
	assert.Equal(t, ActionUpsert, enc.Action)
	assert.Equal(t, backend.Upsert("1", []byte(`{"a":1}`), 1000), enc.Op)
}

func TestCodec_Encode_BlobPayloadPassesThrough(t *testing.T) {
	raw := []byte(`{"query":{"match_all":{}}}`)

	enc, err := testCodec().Encode(MutationEvent{PartitionKey: int64(5), Columns: map[string]any{"esquery": raw}, WriteTimestamp: 1})

	require.NoError(t, err)
	assert.Equal(t, raw, enc.Op.Doc.Body)
	assert.Equal(t, "5", enc.Op.Doc.ID)
}

func TestCodec_Encode_DeleteSymmetry(t *testing.T) {
	u := uuid.New()
	for _, key := range []any{"k", 17, u, []byte("bin")} {
		ins, err := testCodec().Encode(MutationEvent{PartitionKey: key, Columns: map[string]any{"esquery": "{}"}, WriteTimestamp: 1})
		require.NoError(t, err)

		del, err := testCodec().Encode(MutationEvent{PartitionKey: key, IsDelete: true, WriteTimestamp: 2})
		require.NoError(t, err)

		assert.Equal(t, ActionDelete, del.Action)
		assert.Equal(t, ins.Op.Doc.ID, del.Op.Doc.ID)
		assert.Equal(t, backend.OpDelete, del.Op.Kind)
		assert.Equal(t, int64(2), del.Op.Doc.Version)
	}
}

func TestCodec_Encode_Skip(t *testing.T) {
	tests := map[string]map[string]any{
		"no payload column": {"value": "only value changed"},
		"nil payload":       {"esquery": nil},
		"empty string":      {"esquery": ""},
		"empty bytes":       {"esquery": []byte{}},
		"no columns":        nil,
	}
	for name, cols := range tests {
		t.Run(name, func(t *testing.T) {
			enc, err := testCodec().Encode(MutationEvent{PartitionKey: "1", Columns: cols})
			require.NoError(t, err)
			assert.Equal(t, ActionSkip, enc.Action)
		})
	}
}

func TestCodec_Encode_UnsupportedPayloadType(t *testing.T) {
	_, err := testCodec().Encode(MutationEvent{PartitionKey: "1", Columns: map[string]any{"esquery": 12}})

	require.Error(t, err)
	assert.Equal(t, errs.ErrCodeUnsupportedType, errs.GetCode(err))
	assert.False(t, errs.IsFatal(err))
}

func TestCodec_Encode_DeleteNeedsNoPayload(t *testing.T) {
	enc, err := testCodec().Encode(MutationEvent{PartitionKey: "1", IsDelete: true, Columns: map[string]any{"esquery": 12}})

	require.NoError(t, err)
	assert.Equal(t, ActionDelete, enc.Action)
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "upsert", ActionUpsert.String())
	assert.Equal(t, "delete", ActionDelete.String())
	assert.Equal(t, "skip", ActionSkip.String())
}
