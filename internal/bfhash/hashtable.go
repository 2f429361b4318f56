// Package bfhash is the buffer pool's (volume, page) -> frame index
// hashtable. Reads are lock-free-ish (per-bucket RWMutex, sharded many
// ways so concurrent lookups on different pages rarely collide); writes
// lock only their bucket. Hashing goes through OneOfOne/xxhash rather
// than hashing the key by hand.
package bfhash

import (
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/kevhong/zero/internal/common"
)

// Entry is what the hashtable maps a key to: the frame holding the page
// and a hint at its parent frame, used only by eviction.
type Entry struct {
	Frame  uint32
	Parent uint32
}

const shardCount = 256

type shard struct {
	mu sync.RWMutex
	m  map[common.BFKey]Entry
}

// Table is the concurrent bf_key -> Entry map.
type Table struct {
	shards [shardCount]*shard
}

// New returns an empty hashtable.
func New() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i] = &shard{m: make(map[common.BFKey]Entry)}
	}
	return t
}

func (t *Table) shardFor(key common.BFKey) *shard {
	h := xxhash.New64()
	h.Write(key.Bytes())
	return t.shards[h.Sum64()%uint64(shardCount)]
}

// Lookup returns the entry for key, if present.
func (t *Table) Lookup(key common.BFKey) (Entry, bool) {
	s := t.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[key]
	return e, ok
}

// InsertIfAbsent inserts entry for key iff key is not already present.
// Returns the entry that ended up in the table (either the one just
// inserted, or the one a racing writer beat us to) and whether it was this
// call that inserted it.
func (t *Table) InsertIfAbsent(key common.BFKey, entry Entry) (Entry, bool) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.m[key]; ok {
		return existing, false
	}
	s.m[key] = entry
	return entry, true
}

// Upsert unconditionally sets the entry for key. Used when reparenting
// (switch_parent) touches only the Parent hint.
func (t *Table) Upsert(key common.BFKey, entry Entry) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = entry
}

// RemoveIfMatches deletes key iff its current entry's Frame equals frame,
// so a concurrent evictor cannot clobber a racing fresh insert of the same
// key for a different frame.
func (t *Table) RemoveIfMatches(key common.BFKey, frame uint32) bool {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok || e.Frame != frame {
		return false
	}
	delete(s.m, key)
	return true
}

// Len returns the approximate total entry count, for stats/tests only.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
