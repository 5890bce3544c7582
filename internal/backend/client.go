// Package backend talks to the search backend that holds the secondary
// index documents.
package backend

import (
	"context"
	"fmt"
)

// OpKind distinguishes upserts from deletes.
type OpKind int

const (
	// OpUpsert creates or replaces a document.
	OpUpsert OpKind = iota
	// OpDelete removes a document.
	OpDelete
)

// String returns the metric label for the kind.
func (k OpKind) String() string {
	if k == OpDelete {
		return "delete"
	}
	return "upsert"
}

// Document is a JSON body addressed by id. Version orders writes to the same
// id: the backend ignores a write whose version is not newer than the one it
// already holds.
type Document struct {
	ID      string
	Body    []byte
	Version int64
}

// Op is a single backend write. Body is nil for deletes.
type Op struct {
	Kind OpKind
	Doc  Document
}

// Upsert builds an upsert op.
func Upsert(id string, body []byte, version int64) Op {
	return Op{Kind: OpUpsert, Doc: Document{ID: id, Body: body, Version: version}}
}

// Delete builds a delete op.
func Delete(id string, version int64) Op {
	return Op{Kind: OpDelete, Doc: Document{ID: id, Version: version}}
}

// Client is the set of backend calls the index bridge needs.
//
// Errors are *errors.IndexError values: BackendUnavailable and BackendTimeout
// are retryable, BackendRejected is not.
type Client interface {
	Upsert(ctx context.Context, index string, doc Document) error
	Delete(ctx context.Context, index, id string, version int64) error
	Bulk(ctx context.Context, index string, ops []Op) error
	DeleteIndex(ctx context.Context, index string) error
	Close() error
}

// Apply sends a single op through c.
func Apply(ctx context.Context, c Client, index string, op Op) error {
	switch op.Kind {
	case OpUpsert:
		return c.Upsert(ctx, index, op.Doc)
	case OpDelete:
		return c.Delete(ctx, index, op.Doc.ID, op.Doc.Version)
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
}
