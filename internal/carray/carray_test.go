package carray

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinStatusExtractRoundTrip(t *testing.T) {
	s := JoinStatus(SlotAvailable, 100)
	s = JoinStatus(s, 50)
	assert.EqualValues(t, 150, ExtractLogSize(s))
	assert.EqualValues(t, 2, ExtractThreadCount(s))
}

func TestIsLeaderOnlyForFirstJoiner(t *testing.T) {
	first := JoinStatus(SlotAvailable, 10)
	assert.True(t, IsLeader(first))

	second := JoinStatus(first, 10)
	assert.False(t, IsLeader(second))
}

func TestSoleJoinerIsLeader(t *testing.T) {
	ca := New()
	slot, _, status := ca.JoinSlot(64)
	assert.True(t, IsLeader(status))
	assert.EqualValues(t, 64, ExtractLogSize(status))
	assert.NotNil(t, slot)
}

func TestMarkPendingReturnsFinalJoinedStatusAndClosesSlot(t *testing.T) {
	ca := New()
	slot, _, _ := ca.JoinSlot(10)
	closed := ca.MarkPending(slot)
	assert.EqualValues(t, 10, ExtractLogSize(closed))
	assert.EqualValues(t, 1, ExtractThreadCount(closed))
	assert.Equal(t, SlotPending, slot.Status())
}

func TestStartFinishingCountsDownToExactSentinel(t *testing.T) {
	ca := New()
	slot, _, status := ca.JoinSlot(30)
	// simulate two more followers joining the same slot before it closes
	slot2Status := JoinStatus(status, 20)
	slot2Status = JoinStatus(slot2Status, 50)

	total := ExtractLogSize(slot2Status)
	require.EqualValues(t, 100, total)

	slot.StartFinishing(total)
	// three contributions summing to `total` must land exactly on SlotFinished
	last1 := slot.JoinFinish(30)
	assert.False(t, last1)
	last2 := slot.JoinFinish(20)
	assert.False(t, last2)
	last3 := slot.JoinFinish(50)
	assert.True(t, last3, "the final contribution must observe the group as finished")
	assert.Equal(t, SlotFinished, slot.Status())
}

func TestLeaderDoneReleasesWaitingFollowers(t *testing.T) {
	ca := New()
	slot, _, status := ca.JoinSlot(8)
	require.True(t, IsLeader(status))

	var wg sync.WaitGroup
	const followers = 5
	wg.Add(followers)
	for i := 0; i < followers; i++ {
		go func() {
			defer wg.Done()
			slot.WaitForLeader()
		}()
	}

	slot.StartPos = 100
	slot.LeaderDone()
	wg.Wait() // must not hang
}

func TestJoinExposeAndGrabDelegatedExpose(t *testing.T) {
	ca := New()
	pred, _, _ := ca.JoinSlot(1)
	leader, _, _ := ca.JoinSlot(1)

	ca.JoinExpose(leader, pred)
	assert.True(t, ca.WaitForExpose(leader), "leader should find its predecessor still outstanding")

	delegated := ca.GrabDelegatedExpose(pred)
	require.NotNil(t, delegated)
	assert.Same(t, leader, delegated)

	// once detached, pred has no successor left to hand off to
	assert.Nil(t, ca.GrabDelegatedExpose(pred))
}

func TestWaitForExposeFalseWithNoPredecessor(t *testing.T) {
	ca := New()
	slot, _, _ := ca.JoinSlot(1)
	assert.False(t, ca.WaitForExpose(slot))
}

func TestReplaceActiveSlotInstallsFreshUnusedSlot(t *testing.T) {
	ca := New()
	slot, idx, _ := ca.JoinSlot(4)
	ca.MarkPending(slot)
	ca.Retire(slot)
	assert.Equal(t, SlotUnused, slot.Status())

	ca.ReplaceActiveSlot(idx)

	newSlot, _, status := ca.JoinSlot(4)
	assert.True(t, IsLeader(status))
	assert.NotSame(t, slot, newSlot, "a retired slot must not be immediately rejoined at the same active index")
}

func TestConcurrentJoinersOnOneSlotSumCorrectly(t *testing.T) {
	ca := New()
	const n = 64
	statuses := make(chan Status, n)
	var wg sync.WaitGroup
	var leaderCount int32
	var mu sync.Mutex

	// every goroutine joins one byte; no leader marks a slot pending, so
	// the joins spread over the active slots and their totals must add up.
	var slots [n]*Status
	_ = slots
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, st := ca.JoinSlot(1)
			if IsLeader(st) {
				mu.Lock()
				leaderCount++
				mu.Unlock()
			}
			statuses <- st
		}()
	}
	wg.Wait()
	close(statuses)

	assert.GreaterOrEqual(t, leaderCount, int32(1), "at least one joiner becomes a leader across the active slots")

	var threads, bytes int32
	for _, s := range ca.activeSlots {
		st := s.Status()
		threads += ExtractThreadCount(st)
		bytes += ExtractLogSize(st)
	}
	assert.EqualValues(t, n, threads)
	assert.EqualValues(t, n, bytes)
}
