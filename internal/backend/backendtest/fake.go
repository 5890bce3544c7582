// Package backendtest provides an in-memory backend.Client for tests.
package backendtest

import (
	"context"
	"sync"

	"github.com/webme-commons/esindex/internal/backend"
)

// Call records one client invocation.
type Call struct {
	Method string
	Index  string
	Ops    []backend.Op
}

// Fake is a versioned in-memory backend. Fail, when set, runs before every
// call and its error is returned instead of applying the call.
type Fake struct {
	Fail func(c Call) error

	mu      sync.Mutex
	docs    map[string]map[string]backend.Document
	latest  map[string]map[string]int64
	calls   []Call
	applied []backend.Op
	dropped []string
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		docs:   make(map[string]map[string]backend.Document),
		latest: make(map[string]map[string]int64),
	}
}

func (f *Fake) begin(c Call) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	fail := f.Fail
	f.mu.Unlock()
	if fail != nil {
		return fail(c)
	}
	return nil
}

// apply must be called with f.mu held.
func (f *Fake) apply(index string, op backend.Op) {
	if f.docs[index] == nil {
		f.docs[index] = make(map[string]backend.Document)
		f.latest[index] = make(map[string]int64)
	}
	cur, seen := f.latest[index][op.Doc.ID]
	switch op.Kind {
	case backend.OpUpsert:
		if seen && cur >= op.Doc.Version {
			return
		}
		f.docs[index][op.Doc.ID] = op.Doc
	case backend.OpDelete:
		if seen && cur > op.Doc.Version {
			return
		}
		delete(f.docs[index], op.Doc.ID)
	}
	f.latest[index][op.Doc.ID] = op.Doc.Version
	f.applied = append(f.applied, op)
}

// Upsert implements backend.Client.
func (f *Fake) Upsert(_ context.Context, index string, doc backend.Document) error {
	op := backend.Op{Kind: backend.OpUpsert, Doc: doc}
	if err := f.begin(Call{Method: "upsert", Index: index, Ops: []backend.Op{op}}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apply(index, op)
	return nil
}

// Delete implements backend.Client.
func (f *Fake) Delete(_ context.Context, index, id string, version int64) error {
	op := backend.Delete(id, version)
	if err := f.begin(Call{Method: "delete", Index: index, Ops: []backend.Op{op}}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apply(index, op)
	return nil
}

// Bulk implements backend.Client.
func (f *Fake) Bulk(_ context.Context, index string, ops []backend.Op) error {
	if err := f.begin(Call{Method: "bulk", Index: index, Ops: append([]backend.Op(nil), ops...)}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range ops {
		f.apply(index, op)
	}
	return nil
}

// DeleteIndex implements backend.Client.
func (f *Fake) DeleteIndex(_ context.Context, index string) error {
	if err := f.begin(Call{Method: "delete_index", Index: index}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, index)
	delete(f.latest, index)
	f.dropped = append(f.dropped, index)
	return nil
}

// Close implements backend.Client.
func (f *Fake) Close() error { return nil }

// Doc returns the document stored under index/id.
func (f *Fake) Doc(index, id string) (backend.Document, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[index][id]
	return d, ok
}

// Count returns the number of documents in index.
func (f *Fake) Count(index string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs[index])
}

// Calls returns every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Applied returns the ops that changed state, in the order they landed.
func (f *Fake) Applied() []backend.Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Op(nil), f.applied...)
}

// Dropped returns the names passed to DeleteIndex.
func (f *Fake) Dropped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dropped...)
}
