package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	errs "github.com/webme-commons/esindex/internal/errors"
)

const (
	// VersionField holds the document version next to the payload fields.
	VersionField = "_version"
	// SourceField holds the raw payload as it was written.
	SourceField = "_source"

	// DefaultVersionCacheSize bounds the in-process version cache.
	DefaultVersionCacheSize = 65536
)

// BleveOptions configures a BleveClient.
type BleveOptions struct {
	// Root is the directory holding one bleve index per index name.
	// Empty keeps every index in memory.
	Root string

	// VersionCacheSize bounds the version cache. Zero uses the default.
	VersionCacheSize int

	Logger *slog.Logger
}

// BleveClient is a Client backed by embedded bleve indexes. Each index name
// maps to a bleve index that is created on first write, the way a search
// cluster auto-creates indexes.
type BleveClient struct {
	root     string
	versions *versionCache
	logger   *slog.Logger

	mu      sync.Mutex
	indexes map[string]*shard
	closed  bool
}

// shard serializes writes to one bleve index so version checks and the
// write that follows them are atomic.
type shard struct {
	mu  sync.Mutex
	idx bleve.Index
}

// Hit is a search result.
type Hit struct {
	ID      string
	Score   float64
	Version int64
	Source  json.RawMessage
}

// NewBleveClient creates a client rooted at opts.Root.
func NewBleveClient(opts BleveOptions) (*BleveClient, error) {
	versions, err := newVersionCache(opts.VersionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create version cache: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Root != "" {
		if err := os.MkdirAll(opts.Root, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", opts.Root, err)
		}
	}
	return &BleveClient{
		root:     opts.Root,
		versions: versions,
		logger:   logger,
		indexes:  make(map[string]*shard),
	}, nil
}

func newIndexMapping() *mapping.IndexMappingImpl {
	m := bleve.NewIndexMapping()

	version := bleve.NewNumericFieldMapping()
	version.Store = true
	version.IncludeInAll = false

	source := bleve.NewTextFieldMapping()
	source.Store = true
	source.Index = false
	source.IncludeInAll = false

	m.DefaultMapping.AddFieldMappingsAt(VersionField, version)
	m.DefaultMapping.AddFieldMappingsAt(SourceField, source)
	return m
}

func validIndexName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return errs.BackendRejected(fmt.Sprintf("invalid index name %q", name), nil)
	}
	return nil
}

// shard returns the open bleve index for name, opening or creating it.
func (c *BleveClient) shard(name string) (*shard, error) {
	if err := validIndexName(name); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errs.BackendUnavailable("backend client is closed", nil)
	}
	if s, ok := c.indexes[name]; ok {
		return s, nil
	}

	var (
		idx bleve.Index
		err error
	)
	if c.root == "" {
		idx, err = bleve.NewMemOnly(newIndexMapping())
	} else {
		path := filepath.Join(c.root, name)
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, newIndexMapping())
		}
	}
	if err != nil {
		return nil, errs.BackendUnavailable(fmt.Sprintf("failed to open index %s", name), err)
	}

	s := &shard{idx: idx}
	c.indexes[name] = s
	c.logger.Debug("backend_index_opened", slog.String("index", name))
	return s, nil
}

// current returns the newest version known for id, from the cache or the
// stored document.
func (c *BleveClient) current(ctx context.Context, s *shard, index, id string) (versionEntry, bool, error) {
	if e, ok := c.versions.get(index, id); ok {
		return e, true, nil
	}

	req := bleve.NewSearchRequest(query.NewDocIDQuery([]string{id}))
	req.Fields = []string{VersionField}
	req.Size = 1
	res, err := s.idx.SearchInContext(ctx, req)
	if err != nil {
		return versionEntry{}, false, errs.BackendUnavailable("version lookup failed", err)
	}
	if len(res.Hits) == 0 {
		return versionEntry{}, false, nil
	}
	v, ok := res.Hits[0].Fields[VersionField].(float64)
	if !ok {
		return versionEntry{}, false, nil
	}
	e := versionEntry{version: int64(v)}
	c.versions.put(index, id, e)
	return e, true, nil
}

// fields decodes a payload into the field map bleve indexes.
func fields(doc Document) (map[string]any, error) {
	if doc.ID == "" {
		return nil, errs.BackendRejected("document id is empty", nil)
	}
	var body map[string]any
	if err := json.Unmarshal(doc.Body, &body); err != nil {
		return nil, errs.BackendRejected(fmt.Sprintf("document %s is not a JSON object", doc.ID), err)
	}
	if body == nil {
		return nil, errs.BackendRejected(fmt.Sprintf("document %s is not a JSON object", doc.ID), nil)
	}
	body[VersionField] = doc.Version
	body[SourceField] = string(doc.Body)
	return body, nil
}

// Upsert indexes doc unless a newer or equal version is already present.
func (c *BleveClient) Upsert(ctx context.Context, index string, doc Document) error {
	body, err := fields(doc)
	if err != nil {
		return err
	}
	s, err := c.shard(index)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok, err := c.current(ctx, s, index, doc.ID)
	if err != nil {
		return err
	}
	if ok && cur.version >= doc.Version {
		return nil
	}
	if err := s.idx.Index(doc.ID, body); err != nil {
		return errs.BackendUnavailable(fmt.Sprintf("failed to index %s", doc.ID), err)
	}
	c.versions.put(index, doc.ID, versionEntry{version: doc.Version})
	return nil
}

// Delete removes id unless a newer version is present. A delete and an
// upsert with the same version resolve to the delete.
func (c *BleveClient) Delete(ctx context.Context, index, id string, version int64) error {
	if id == "" {
		return errs.BackendRejected("document id is empty", nil)
	}
	s, err := c.shard(index)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok, err := c.current(ctx, s, index, id)
	if err != nil {
		return err
	}
	if ok && cur.version > version {
		return nil
	}
	if err := s.idx.Delete(id); err != nil {
		return errs.BackendUnavailable(fmt.Sprintf("failed to delete %s", id), err)
	}
	c.versions.put(index, id, versionEntry{version: version, deleted: true})
	return nil
}

// Bulk applies ops as one bleve batch. Ops are applied in order, so a later
// op on the same id sees the version an earlier one left behind. A payload
// the backend cannot accept rejects the whole batch.
func (c *BleveClient) Bulk(ctx context.Context, index string, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	bodies := make([]map[string]any, len(ops))
	for i, op := range ops {
		if op.Kind == OpDelete {
			if op.Doc.ID == "" {
				return errs.BackendRejected("document id is empty", nil)
			}
			continue
		}
		body, err := fields(op.Doc)
		if err != nil {
			return err
		}
		bodies[i] = body
	}

	s, err := c.shard(index)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]versionEntry, len(ops))
	batch := s.idx.NewBatch()
	for i, op := range ops {
		id := op.Doc.ID
		cur, ok := seen[id]
		if !ok {
			cur, ok, err = c.current(ctx, s, index, id)
			if err != nil {
				return err
			}
		}
		switch op.Kind {
		case OpUpsert:
			if ok && cur.version >= op.Doc.Version {
				continue
			}
			if err := batch.Index(id, bodies[i]); err != nil {
				return errs.BackendRejected(fmt.Sprintf("failed to add %s to batch", id), err)
			}
			seen[id] = versionEntry{version: op.Doc.Version}
		case OpDelete:
			if ok && cur.version > op.Doc.Version {
				continue
			}
			batch.Delete(id)
			seen[id] = versionEntry{version: op.Doc.Version, deleted: true}
		}
	}

	if batch.Size() == 0 {
		return nil
	}
	if err := s.idx.Batch(batch); err != nil {
		return errs.BackendUnavailable("bulk write failed", err)
	}
	for id, e := range seen {
		c.versions.put(index, id, e)
	}
	return nil
}

// DeleteIndex closes and removes index. Deleting a missing index succeeds.
func (c *BleveClient) DeleteIndex(ctx context.Context, index string) error {
	if err := validIndexName(index); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.indexes[index]; ok {
		s.mu.Lock()
		closeErr := s.idx.Close()
		s.mu.Unlock()
		delete(c.indexes, index)
		if closeErr != nil {
			c.logger.Warn("backend_index_close_failed",
				slog.String("index", index),
				slog.String("error", closeErr.Error()))
		}
	}
	c.versions.forgetIndex(index)

	if c.root != "" {
		if err := os.RemoveAll(filepath.Join(c.root, index)); err != nil {
			return errs.BackendUnavailable(fmt.Sprintf("failed to remove index %s", index), err)
		}
	}
	return nil
}

// Get returns the stored document for id.
func (c *BleveClient) Get(ctx context.Context, index, id string) (Document, bool, error) {
	s, err := c.shard(index)
	if err != nil {
		return Document{}, false, err
	}
	req := bleve.NewSearchRequest(query.NewDocIDQuery([]string{id}))
	req.Fields = []string{VersionField, SourceField}
	req.Size = 1
	res, err := s.idx.SearchInContext(ctx, req)
	if err != nil {
		return Document{}, false, errs.BackendUnavailable("get failed", err)
	}
	if len(res.Hits) == 0 {
		return Document{}, false, nil
	}
	hit := toHit(res.Hits[0].ID, res.Hits[0].Score, res.Hits[0].Fields)
	return Document{ID: hit.ID, Body: hit.Source, Version: hit.Version}, true, nil
}

// Search runs a query string search against index. An empty query or "*"
// matches every document.
func (c *BleveClient) Search(ctx context.Context, index, queryString string, limit int) ([]Hit, error) {
	s, err := c.shard(index)
	if err != nil {
		return nil, err
	}

	var q query.Query
	if qs := strings.TrimSpace(queryString); qs == "" || qs == "*" {
		q = bleve.NewMatchAllQuery()
	} else {
		q = bleve.NewQueryStringQuery(qs)
	}
	req := bleve.NewSearchRequest(q)
	req.Fields = []string{VersionField, SourceField}
	if limit > 0 {
		req.Size = limit
	}

	res, err := s.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, errs.BackendRejected("search failed", err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, toHit(h.ID, h.Score, h.Fields))
	}
	return hits, nil
}

// Count returns the number of documents in index.
func (c *BleveClient) Count(index string) (uint64, error) {
	s, err := c.shard(index)
	if err != nil {
		return 0, err
	}
	n, err := s.idx.DocCount()
	if err != nil {
		return 0, errs.BackendUnavailable("doc count failed", err)
	}
	return n, nil
}

func toHit(id string, score float64, stored map[string]interface{}) Hit {
	h := Hit{ID: id, Score: score}
	if v, ok := stored[VersionField].(float64); ok {
		h.Version = int64(v)
	}
	if src, ok := stored[SourceField].(string); ok {
		h.Source = json.RawMessage(src)
	}
	return h
}

// Close closes every open index.
func (c *BleveClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	for name, s := range c.indexes {
		s.mu.Lock()
		if err := s.idx.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close index %s: %w", name, err)
		}
		s.mu.Unlock()
	}
	c.indexes = nil
	return firstErr
}
