package backend

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// versionEntry is the newest version the backend has seen for an id.
// Deleted entries are tombstones: the document is gone but older upserts
// must still be ignored.
type versionEntry struct {
	version int64
	deleted bool
}

type versionKey struct {
	index string
	id    string
}

// versionCache remembers recent versions so the common path skips a lookup.
// Tombstones only live here, so an evicted tombstone lets a late, older
// upsert through.
type versionCache struct {
	cache *lru.Cache[versionKey, versionEntry]
}

func newVersionCache(size int) (*versionCache, error) {
	if size <= 0 {
		size = DefaultVersionCacheSize
	}
	c, err := lru.New[versionKey, versionEntry](size)
	if err != nil {
		return nil, err
	}
	return &versionCache{cache: c}, nil
}

func (v *versionCache) get(index, id string) (versionEntry, bool) {
	return v.cache.Get(versionKey{index: index, id: id})
}

func (v *versionCache) put(index, id string, e versionEntry) {
	v.cache.Add(versionKey{index: index, id: id}, e)
}

func (v *versionCache) forgetIndex(index string) {
	for _, k := range v.cache.Keys() {
		if k.index == index {
			v.cache.Remove(k)
		}
	}
}
