// Package index mirrors base-table mutations into a search backend.
//
// The host storage engine drives an Index through two observer interfaces:
// MutationObserver is called on the write path for every applied write, and
// LifecycleObserver is called for build, flush, compaction and drop. The
// host in turn exposes read-only schema lookup, full-table scans and a way
// to mark the index built.
package index

import (
	"context"
	"slices"
)

// MutationEvent is one write applied to a base table.
type MutationEvent struct {
	// Table is the base table the write was applied to.
	Table        string
	PartitionKey any
	// Columns maps column name to the value written.
	Columns  map[string]any
	IsDelete bool
	// WriteTimestamp orders writes to one partition, in microseconds.
	WriteTimestamp int64
}

// MutationObserver is called synchronously on the host's write path. A
// returned error fails the write.
type MutationObserver interface {
	OnMutation(ctx context.Context, ev MutationEvent) error
}

// Prepared is a mutation an observer has accepted but not finished. The
// host calls Commit once the base write is durable, or Abort when the write
// is rolled back. Abort receives the row as it stood before the write, with
// a fresh timestamp, and must undo anything already made visible.
type Prepared interface {
	Commit(ctx context.Context)
	Abort(ctx context.Context, prior MutationEvent)
}

// TransactionalObserver is a MutationObserver that can take part in the
// host's write transaction. Hosts that support it call PrepareMutation
// instead of OnMutation.
type TransactionalObserver interface {
	MutationObserver
	PrepareMutation(ctx context.Context, ev MutationEvent) (Prepared, error)
}

// LifecycleObserver receives index lifecycle callbacks. Drop cannot fail:
// the base table is going away regardless.
type LifecycleObserver interface {
	OnIndexBuild(ctx context.Context) error
	OnFlush(ctx context.Context, table string)
	OnCompaction(ctx context.Context, table string)
	OnDrop(ctx context.Context)
}

// ColumnType is a base-table column type.
type ColumnType string

// Column types the host can declare.
const (
	TypeText     ColumnType = "text"
	TypeASCII    ColumnType = "ascii"
	TypeVarchar  ColumnType = "varchar"
	TypeBlob     ColumnType = "blob"
	TypeInt      ColumnType = "int"
	TypeBigint   ColumnType = "bigint"
	TypeUUID     ColumnType = "uuid"
	TypeTimeUUID ColumnType = "timeuuid"
)

// IsPayloadType reports whether t can hold a document payload.
func (t ColumnType) IsPayloadType() bool {
	switch t {
	case TypeText, TypeASCII, TypeVarchar, TypeBlob:
		return true
	}
	return false
}

// Column describes one base-table column.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// TableSchema describes a base table.
type TableSchema struct {
	Name         string   `json:"name"`
	PartitionKey Column   `json:"partition_key"`
	Columns      []Column `json:"columns"`
}

// Column looks up a column, the partition key included.
func (t TableSchema) Column(name string) (Column, bool) {
	if t.PartitionKey.Name == name {
		return t.PartitionKey, true
	}
	i := slices.IndexFunc(t.Columns, func(c Column) bool { return c.Name == name })
	if i < 0 {
		return Column{}, false
	}
	return t.Columns[i], true
}

// SchemaLookup is the host's read-only schema view.
type SchemaLookup interface {
	Table(name string) (TableSchema, bool)
}

// TableScanner iterates every live partition of a table. Returning an error
// from fn stops the scan with that error.
type TableScanner interface {
	Scan(ctx context.Context, table string, fn func(MutationEvent) error) error
}

// BuildNotifier records whether an index is built.
type BuildNotifier interface {
	MarkBuilt(ctx context.Context, index string) error
	ClearBuilt(ctx context.Context, index string) error
}
