// Package carray implements the consolidation array: a small fixed pool
// of "active slots" that groups concurrent log inserts into one appended
// run, so only one thread per group ever contends for the tail of the
// log buffer. Threads that join the same slot as a follower wait for the
// slot's leader to reserve a byte range for the whole group, then copy
// their own bytes into their portion of it (decoupled buffer fill) and,
// optionally, delegate releasing the group's reservation to whichever
// thread finishes last (delegated buffer release).
//
// Slot admission and the buffer-release delegation chain are natural
// fits for allocation-free, strictly-FIFO MCS queue locks, but plain
// sync.Mutex/sync.RWMutex is the idiom used everywhere else in this
// codebase and hand-rolled lock-free queues would be out of place here;
// this package keeps the same admission/consolidation/delegation
// protocol but implements the two queues with a mutex-guarded pred/next
// chain and one channel per slot that releases all of its followers at
// once instead (see DESIGN.md).
package carray

import (
	"sync"
	"sync/atomic"
)

// Status is one C-array slot's atomically updated group state.
type Status int64

const (
	// SlotAvailable means the slot is active and open for new joiners.
	SlotAvailable Status = 0
	// SlotUnused means the slot is in the pool but not currently active.
	SlotUnused Status = -1
	// SlotPending means the leader has claimed the slot; no more joiners.
	SlotPending Status = -2
	// SlotFinished is the status once every joined thread's bytes have
	// been copied into the group's log buffer range.
	SlotFinished Status = -4
)

const (
	// AllSlotCount is the total number of slots ever allocated.
	AllSlotCount = 256
	// ActiveSlotCount is the number of slots open for joining at once.
	ActiveSlotCount = 5

	threadIncrement Status = 1 << 32
	threadMask      Status = 0xFFFFFFFF
)

// JoinStatus computes the new status after adding a joiner contributing
// size bytes to current: the high 32 bits count threads, the low 32 bits
// sum bytes.
func JoinStatus(current Status, size int32) Status {
	return current + Status(size) + threadIncrement
}

// ExtractLogSize returns the total byte count consolidated so far from a
// non-negative status word.
func ExtractLogSize(current Status) int32 {
	return int32(current & threadMask)
}

// ExtractThreadCount returns the number of threads that have joined a
// non-negative status word.
func ExtractThreadCount(current Status) int32 {
	return int32(int64(current) >> 32)
}

// Slot is one consolidation-array slot: a group of threads whose log
// records get appended as a single contiguous run.
type Slot struct {
	mu sync.Mutex

	status int64 // atomic Status

	LSN      int64 // where this group ends up on disk
	OldEnd   int64 // end point of the predecessor group
	StartPos int64 // start offset for the group's members
	Pos      int64 // how much of the allocation is already claimed
	NewEnd   int64 // becomes the new log tail once reserved
	NewBase  int64 // > 0 if this group started a new log partition
	Err      error

	leaderDone chan struct{} // closed once the leader reserves space

	// pred/next model the expose-delegation chain: a leader whose
	// predecessor is still copying its bytes can hand off "please close
	// out the log tail for me too" to that predecessor instead of
	// spinning, matching wait_for_expose/grab_delegated_expose.
	pred *Slot
	next *Slot
}

func newSlot() *Slot { return &Slot{status: int64(SlotUnused)} }

func (s *Slot) Status() Status { return Status(atomic.LoadInt64(&s.status)) }

func (s *Slot) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	atomic.StoreInt64(&s.status, int64(SlotAvailable))
	s.LSN, s.OldEnd, s.StartPos, s.Pos, s.NewEnd, s.NewBase = 0, 0, 0, 0, 0, 0
	s.Err = nil
	s.leaderDone = make(chan struct{})
	s.pred, s.next = nil, nil
}

// ConsolidationArray is the fixed pool of AllSlotCount slots, ActiveSlotCount
// of which are open for joining at any time.
type ConsolidationArray struct {
	slotMark int32 // atomic clock hand over activeSlots

	allSlots [AllSlotCount]*Slot

	activeMu    sync.Mutex
	activeSlots [ActiveSlotCount]*Slot

	exposeMu sync.Mutex // guards the pred/next delegation chain
}

// New returns a consolidation array with its active slots ready for use.
func New() *ConsolidationArray {
	ca := &ConsolidationArray{}
	for i := range ca.allSlots {
		ca.allSlots[i] = newSlot()
	}
	for i := range ca.activeSlots {
		s := ca.allSlots[i]
		s.reset()
		ca.activeSlots[i] = s
	}
	return ca
}

// JoinSlot atomically joins size bytes of log record into some active
// slot, round-robining via the clock hand for even load, and returns the
// slot plus the status this call observed right after joining.
func (ca *ConsolidationArray) JoinSlot(size int32) (slot *Slot, activeIndex int, status Status) {
	for {
		idx := int(uint32(atomic.AddInt32(&ca.slotMark, 1)) % ActiveSlotCount)
		ca.activeMu.Lock()
		s := ca.activeSlots[idx]
		ca.activeMu.Unlock()

		for {
			cur := atomic.LoadInt64(&s.status)
			if Status(cur) < SlotAvailable {
				break // pending/finished/unused: this slot is closing, try another
			}
			next := int64(JoinStatus(Status(cur), size))
			if atomic.CompareAndSwapInt64(&s.status, cur, next) {
				return s, idx, Status(next)
			}
		}
	}
}

// IsLeader reports whether status is the first join into a fresh slot,
// i.e. this caller is responsible for reserving buffer space for the
// whole group.
func IsLeader(status Status) bool {
	return ExtractThreadCount(status) == 1
}

// MarkPending closes slot to further joiners once its leader starts
// reserving space, so JoinSlot's competitors move on to another slot. It
// returns the status observed at the instant of closing, i.e. the final
// combined thread count and byte total for the group.
func (ca *ConsolidationArray) MarkPending(slot *Slot) Status {
	old := atomic.SwapInt64(&slot.status, int64(SlotPending))
	return Status(old)
}

// WaitForLeader blocks a follower until the leader has reserved the
// group's log buffer range and populated Slot.StartPos/LSN/Err.
func (s *Slot) WaitForLeader() {
	<-s.leaderDone
}

// LeaderDone is called once by the leader after it has reserved space and
// filled in StartPos/LSN/NewEnd/NewBase/Err, releasing every follower
// blocked in WaitForLeader.
func (s *Slot) LeaderDone() {
	close(s.leaderDone)
}

// JoinExpose enters slot into the release-delegation chain behind pred,
// the slot that reserved space immediately before it. Pass a nil pred if
// this slot has no predecessor still outstanding.
func (ca *ConsolidationArray) JoinExpose(slot, pred *Slot) {
	ca.exposeMu.Lock()
	defer ca.exposeMu.Unlock()
	slot.pred = pred
	if pred != nil {
		pred.next = slot
	}
}

// GrabDelegatedExpose atomically detaches and returns the slot that
// delegated its release to slot, or nil if none did. Either way slot is
// removed from the chain.
func (ca *ConsolidationArray) GrabDelegatedExpose(slot *Slot) *Slot {
	ca.exposeMu.Lock()
	defer ca.exposeMu.Unlock()
	delegated := slot.next
	if delegated != nil {
		delegated.pred = nil
	}
	slot.next = nil
	if slot.pred != nil {
		slot.pred.next = nil
		slot.pred = nil
	}
	return delegated
}

// WaitForExpose lets a leader try to delegate closing out the log tail to
// its still-copying predecessor instead of spinning itself. Returns true
// if delegation succeeded.
func (ca *ConsolidationArray) WaitForExpose(slot *Slot) bool {
	ca.exposeMu.Lock()
	defer ca.exposeMu.Unlock()
	if slot.pred == nil {
		return false
	}
	// The predecessor is still outstanding; leave the link so it will
	// pick this slot up via GrabDelegatedExpose when it finishes.
	return true
}

// ReplaceActiveSlot retires activeSlots[activeIndex] (whose group has
// finished) and installs a fresh slot from the unused pool in its place.
func (ca *ConsolidationArray) ReplaceActiveSlot(activeIndex int) {
	ca.activeMu.Lock()
	defer ca.activeMu.Unlock()
	for _, s := range ca.allSlots {
		if s != ca.activeSlots[activeIndex] && s.Status() == SlotUnused {
			s.reset()
			ca.activeSlots[activeIndex] = s
			return
		}
	}
	// No unused slot found (pool exhausted); reuse the retiring slot
	// itself once its followers are done reading it.
	s := ca.activeSlots[activeIndex]
	s.reset()
}

// Retire marks slot unused again once every joined thread has copied its
// bytes and, if applicable, the group's release has been exposed.
func (ca *ConsolidationArray) Retire(slot *Slot) {
	atomic.StoreInt64(&slot.status, int64(SlotUnused))
}

// JoinFinish atomically records that one more joined thread finished
// copying its bytes, returning true if this call was the last one (the
// group's status just became exactly SlotFinished).
func (s *Slot) JoinFinish(size int32) bool {
	next := atomic.AddInt64(&s.status, int64(size))
	return Status(next) == SlotFinished
}

// StartFinishing converts a pending slot to the "counting down to
// SlotFinished" state, called once by the leader after it knows the
// group's total byte count: the status is set to -(totalBytes) offset by
// SlotFinished, so that once every joined thread has added its own byte
// count via JoinFinish the sum lands on exactly SlotFinished rather than
// coinciding with SlotAvailable/SlotUnused/SlotPending along the way.
func (s *Slot) StartFinishing(totalBytes int32) {
	atomic.StoreInt64(&s.status, -int64(totalBytes)+int64(SlotFinished))
}
