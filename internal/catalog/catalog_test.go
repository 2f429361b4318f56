package catalog

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevhong/zero/internal/common"
)

// fakeLogger records every op it is asked to log, in order, so tests can
// assert the log-before-apply ordering and inspect what was logged.
type fakeLogger struct {
	mu   sync.Mutex
	next common.LSN
	ops  []Op
}

func newFakeLogger() *fakeLogger { return &fakeLogger{} }

func (l *fakeLogger) LogCatalogOp(vol common.VolID, op Op) (common.LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.ops = append(l.ops, op)
	return l.next, nil
}

func TestCreateStoreAssignsSmallestUnusedIDAndLogsBeforeApplying(t *testing.T) {
	logger := newFakeLogger()
	cat := New(1, logger)

	store, lsn, err := cat.CreateStore(100, FlagRegular)
	require.NoError(t, err)
	assert.EqualValues(t, 1, store, "store id 0 is reserved")
	assert.EqualValues(t, 1, lsn)

	require.Len(t, logger.ops, 1)
	assert.Equal(t, OpCreateStore, logger.ops[0].Kind)

	node, ok := cat.CopyStnode(store)
	require.True(t, ok)
	assert.EqualValues(t, 100, node.Root)
	assert.Equal(t, NotDeleting, node.Deleting)
}

func TestCreateStoreReusesLowestFreedID(t *testing.T) {
	cat := New(1, newFakeLogger())

	s1, _, err := cat.CreateStore(10, FlagRegular)
	require.NoError(t, err)
	s2, _, err := cat.CreateStore(11, FlagRegular)
	require.NoError(t, err)
	require.NotEqual(t, s1, s2)

	_, err = cat.DeleteStore(s1)
	require.NoError(t, err)

	s3, _, err := cat.CreateStore(12, FlagRegular)
	require.NoError(t, err)
	assert.Equal(t, s1, s3, "the freed store id should be reused before allocating a new one")
}

func TestDeleteStoreClearsMetadata(t *testing.T) {
	cat := New(1, newFakeLogger())
	store, _, err := cat.CreateStore(5, FlagTemp)
	require.NoError(t, err)

	_, err = cat.DeleteStore(store)
	require.NoError(t, err)

	node, ok := cat.CopyStnode(store)
	require.True(t, ok)
	assert.EqualValues(t, 0, node.Root, "a deleted store's root must go back to unused")
}

func TestSetDeletingAndSetStoreFlags(t *testing.T) {
	cat := New(1, newFakeLogger())
	store, _, err := cat.CreateStore(5, FlagRegular)
	require.NoError(t, err)

	_, err = cat.SetDeleting(store, Deleting)
	require.NoError(t, err)
	node, _ := cat.CopyStnode(store)
	assert.Equal(t, Deleting, node.Deleting)

	_, err = cat.SetStoreFlags(store, FlagTemp|FlagLoad)
	require.NoError(t, err)
	node, _ = cat.CopyStnode(store)
	assert.Equal(t, FlagTemp|FlagLoad, node.Flags)
}

func TestApplyRejectsCreateOnAlreadyUsedStore(t *testing.T) {
	cat := New(1, newFakeLogger())
	_, err := cat.Apply(Op{Kind: OpCreateStore, Store: 3, Root: 1})
	require.NoError(t, err)

	_, err = cat.Apply(Op{Kind: OpCreateStore, Store: 3, Root: 2})
	assert.Error(t, err)
}

func TestRootPIDAndAllUsedStoreIDs(t *testing.T) {
	cat := New(1, newFakeLogger())
	s1, _, _ := cat.CreateStore(1, FlagRegular)
	s2, _, _ := cat.CreateStore(2, FlagRegular)

	assert.EqualValues(t, 1, cat.RootPID(s1))
	assert.ElementsMatch(t, []common.StoreID{s1, s2}, cat.AllUsedStoreIDs())
}

func TestOutOfRangeStoreIsRejected(t *testing.T) {
	cat := New(1, newFakeLogger())
	_, ok := cat.CopyStnode(common.StoreID(MaxStores))
	assert.False(t, ok)
	assert.EqualValues(t, 0, cat.RootPID(common.StoreID(MaxStores)))
}

// failingLogger always errors, so Apply must never mutate in-memory state
// when logging fails.
type failingLogger struct{}

func (failingLogger) LogCatalogOp(vol common.VolID, op Op) (common.LSN, error) {
	return 0, assertErr{}
}

type assertErr struct{}

func (assertErr) Error() string { return "log failed" }

func TestApplyLeavesStateUntouchedWhenLoggingFails(t *testing.T) {
	cat := New(1, failingLogger{})
	_, _, err := cat.CreateStore(1, FlagRegular)
	assert.Error(t, err)
	assert.Empty(t, cat.AllUsedStoreIDs())
}
