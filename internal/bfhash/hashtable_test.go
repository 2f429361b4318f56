package bfhash

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevhong/zero/internal/common"
)

func TestInsertLookupRemoveRoundTrip(t *testing.T) {
	tbl := New()
	key := common.MakeBFKey(1, 42)

	_, ok := tbl.Lookup(key)
	assert.False(t, ok)

	entry, inserted := tbl.InsertIfAbsent(key, Entry{Frame: 7, Parent: 3})
	require.True(t, inserted)
	assert.Equal(t, uint32(7), entry.Frame)

	got, ok := tbl.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, Entry{Frame: 7, Parent: 3}, got)

	assert.True(t, tbl.RemoveIfMatches(key, 7))
	_, ok = tbl.Lookup(key)
	assert.False(t, ok)
}

func TestInsertIfAbsentDoesNotClobberExisting(t *testing.T) {
	tbl := New()
	key := common.MakeBFKey(2, 10)

	_, inserted := tbl.InsertIfAbsent(key, Entry{Frame: 1})
	require.True(t, inserted)

	existing, inserted2 := tbl.InsertIfAbsent(key, Entry{Frame: 2})
	assert.False(t, inserted2)
	assert.Equal(t, uint32(1), existing.Frame)
}

func TestRemoveIfMatchesRejectsStaleFrame(t *testing.T) {
	tbl := New()
	key := common.MakeBFKey(3, 5)
	tbl.InsertIfAbsent(key, Entry{Frame: 9})

	assert.False(t, tbl.RemoveIfMatches(key, 999), "must not remove an entry whose frame no longer matches")
	_, ok := tbl.Lookup(key)
	assert.True(t, ok, "entry should remain since the frame did not match")
}

func TestUpsertOverwritesRegardlessOfExisting(t *testing.T) {
	tbl := New()
	key := common.MakeBFKey(4, 1)
	tbl.InsertIfAbsent(key, Entry{Frame: 1, Parent: 1})
	tbl.Upsert(key, Entry{Frame: 1, Parent: 99})

	got, ok := tbl.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, uint32(99), got.Parent)
}

func TestConcurrentInsertsAcrossManyKeysAllSucceedExactlyOnce(t *testing.T) {
	tbl := New()
	const n = 2000
	var wg sync.WaitGroup
	successes := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := common.MakeBFKey(common.VolID(i%4), common.PageNo(i))
			_, ins := tbl.InsertIfAbsent(key, Entry{Frame: uint32(i)})
			successes[i] = ins
		}(i)
	}
	wg.Wait()

	for i, ok := range successes {
		assert.True(t, ok, "insert %d should have succeeded since each key is unique", i)
	}
	assert.Equal(t, n, tbl.Len())
}

func TestConcurrentInsertsOfSameKeyOnlyOneWins(t *testing.T) {
	tbl := New()
	key := common.MakeBFKey(9, 9)
	const n = 100
	var wg sync.WaitGroup
	var winners int32
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ins := tbl.InsertIfAbsent(key, Entry{Frame: uint32(i)})
			if ins {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, winners)
	assert.Equal(t, 1, tbl.Len())
}
