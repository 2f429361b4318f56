package bufferpool

import (
	"sync/atomic"

	"github.com/kevhong/zero/internal/common"
	"github.com/kevhong/zero/internal/latch"
)

// EvictingPinCount is the sentinel pin count meaning "owned exclusively by
// the evictor; no fix may observe it".
const EvictingPinCount int32 = -1

// ControlBlock is the per-frame metadata: pin count, latch, and residency
// bookkeeping. Pin count is a signed, atomically updated counter;
// everything else is only mutated while the frame's latch is held,
// except where noted.
//
// Design note: the control block and the latch are deliberately separate
// allocations (see frame.go's Frame.Latch) rather than fields side by
// side in one struct: placing a control block and its latch in the same
// 64-byte cache line causes read-exclusive prefetch pathology under
// contention, so keeping them as distinct pointers lets a future
// allocator lay them out |CB0|L0|L1|CB1|... without this package having
// to know about it.
type ControlBlock struct {
	PinCount           int32 // atomic; -1 means "being evicted"
	RefCount           uint32
	SwizzledPtrCount   int32 // hint only, not exact (merges can desync it)
	ParentFrame        uint32
	RecLSN             common.LSN // first LSN that dirtied the page
	InitialDirtyLSN    common.LSN
	Used               bool
	InDoubt            bool
	RecoveryAccessFlag int32 // atomic bool
	EMLSN              map[common.GeneralRecordID]common.LSN
}

func newControlBlock() *ControlBlock {
	return &ControlBlock{EMLSN: make(map[common.GeneralRecordID]common.LSN)}
}

func (cb *ControlBlock) pin() int32     { return atomic.LoadInt32(&cb.PinCount) }
func (cb *ControlBlock) incPin() int32  { return atomic.AddInt32(&cb.PinCount, 1) }
func (cb *ControlBlock) decPin() int32  { return atomic.AddInt32(&cb.PinCount, -1) }
func (cb *ControlBlock) casPinZeroToEvicting() bool {
	return atomic.CompareAndSwapInt32(&cb.PinCount, 0, EvictingPinCount)
}

func (cb *ControlBlock) bumpRefCount(max uint32) {
	for {
		cur := atomic.LoadUint32(&cb.RefCount)
		if cur >= max {
			return
		}
		if atomic.CompareAndSwapUint32(&cb.RefCount, cur, cur+1) {
			return
		}
	}
}

// Frame is one buffer-pool slot: a page plus its control block and latch.
// Index 0 is reserved (never used), so a zero frame index always means
// NULL.
type Frame struct {
	idx   uint32
	CB    *ControlBlock
	Latch *latch.Latch
	Page  *Page
}

func newFrame(idx uint32) *Frame {
	return &Frame{
		idx:   idx,
		CB:    newControlBlock(),
		Latch: latch.New(),
		Page:  newPage(),
	}
}

func (f *Frame) Index() uint32 { return f.idx }
