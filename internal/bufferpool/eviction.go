package bufferpool

import (
	"sync/atomic"

	"github.com/kevhong/zero/internal/common"
	"github.com/kevhong/zero/internal/latch"
	"github.com/kevhong/zero/internal/zerr"
	"github.com/kevhong/zero/internal/zlog"
)

// EvictUrgency controls how aggressively EvictBlocks scans: normal
// sweeps skip inner nodes and dirty pages needing a flush, while higher
// urgencies relax those checks.
type EvictUrgency int

const (
	EvictNormal EvictUrgency = iota
	EvictEager
	EvictUrgent
	EvictComplete
)

// evictMaxRounds bounds one EvictBlocks call: it visits at most a fixed
// fraction of the pool per round, for at most evictMaxRounds rounds.
const evictMaxRounds = 20

// EvictBlocks runs a single-threaded clock-like sweep over the frame array,
// evicting up to preferredCount frames at the given urgency. It returns
// how many frames were evicted and how many child pointers were
// unswizzled as a side effect of those evictions.
func (p *Pool) EvictBlocks(urgency EvictUrgency, preferredCount uint32) (evicted, unswizzled uint32, err error) {
	p.evictionMu.Lock()
	defer p.evictionMu.Unlock()

	total := uint32(len(p.frames))
	if total <= 1 {
		return 0, 0, nil
	}
	batch := total * uint32(p.opts.EvictionBatchRatio*100) / 100
	if batch < preferredCount {
		batch = preferredCount
	}
	if batch < 1 {
		batch = 1
	}

	for round := 0; round < evictMaxRounds && evicted < preferredCount; round++ {
		visited := uint32(0)
		for visited < batch && evicted < preferredCount {
			idx := p.advanceClock()
			visited++
			if idx == 0 {
				continue
			}
			f := p.frame(idx)
			if !f.CB.Used {
				continue
			}
			ok, didUnswizzle, everr := p.tryEvictBlock(f, urgency)
			if everr != nil {
				return evicted, unswizzled, everr
			}
			if ok {
				evicted++
				if didUnswizzle {
					unswizzled++
				}
			}
		}
	}
	if evicted == 0 && urgency == EvictComplete {
		return 0, 0, zerr.New("evict_blocks", zerr.CodeOutOfLogSpace, nil)
	}
	return evicted, unswizzled, nil
}

func (p *Pool) advanceClock() uint32 {
	total := uint32(len(p.frames))
	next := atomic.AddUint32(&p.evictionCursor, 1) % total
	return next
}

// tryEvictBlock attempts to evict one candidate frame: conditional EX
// latch, pin_count 0->-1 CAS, parent EMLSN update, unswizzle, hashtable
// removal, return to free list.
func (p *Pool) tryEvictBlock(f *Frame, urgency EvictUrgency) (evicted, didUnswizzle bool, err error) {
	if f.CB.SwizzledPtrCount > 0 && urgency < EvictUrgent {
		// Inner-node-like frames (still holding swizzled child pointers)
		// are left alone below EvictUrgent, preferring leaf pages during
		// a normal sweep.
		return false, false, nil
	}
	if f.CB.RecoveryAccessFlag == 1 || f.CB.InDoubt {
		return false, false, nil
	}

	ok, _ := f.Latch.Acquire(latch.Exclusive, true)
	if !ok {
		return false, false, nil
	}
	defer f.Latch.Release(latch.Exclusive)

	if !f.CB.casPinZeroToEvicting() {
		return false, false, nil
	}
	// From here the frame is exclusively ours to evict; on any early
	// return we must restore pin_count to 0 rather than leave it at
	// EvictingPinCount forever.
	restored := false
	restore := func() {
		if !restored {
			atomic.StoreInt32(&f.CB.PinCount, 0)
			restored = true
		}
	}
	defer restore()

	if urgency < EvictUrgent && f.Page.hasFlag(FlagDirty) {
		// Normal/eager sweeps skip dirty pages rather than force a
		// synchronous write-out; the cleaner is expected to have already
		// cleaned genuinely cold dirty pages before eviction pressure
		// reaches them.
		return false, false, nil
	}

	parentIdx := f.CB.ParentFrame
	wasSwizzled := false
	if parentIdx != 0 && p.isValidIdx(parentIdx) {
		parent := p.frame(parentIdx)
		pok, _ := parent.Latch.Acquire(latch.Shared, true)
		if !pok && urgency < EvictComplete {
			return false, false, nil
		}
		if pok {
			slot := parent.Page.findChildSlot(func(v common.ShPID) bool {
				return common.IsSwizzled(v) && common.AsFrameIndex(v) == f.Index()
			})
			if slot != common.SlotNone {
				wasSwizzled = true
				parent.CB.EMLSN[slot] = f.Page.lsn()
			}
			parent.Latch.Release(latch.Shared)
		}
	}

	if wasSwizzled {
		if !p.unswizzleForEviction(parentIdx, f) {
			return false, false, nil
		}
	}

	ownChildrenUnswizzled := false
	if urgency >= EvictUrgent {
		ownChildrenUnswizzled = p.unswizzleOwnChildren(f)
	}

	if f.Page.hasFlag(FlagDirty) && urgency >= EvictUrgent {
		zlog.Warnf("evicting dirty frame=%d under urgency=%d without a prior flush", f.Index(), urgency)
	}

	key := common.MakeBFKey(f.Page.Header.Vol, f.Page.Header.Page)
	p.hashtable.RemoveIfMatches(key, f.Index())
	f.CB.Used = false
	if f.Page.hasFlag(FlagDirty) {
		atomic.AddInt32(&p.dirtyPageCount, -1)
	}
	restore()
	p.addFreeBlock(f.Index())
	return true, wasSwizzled || ownChildrenUnswizzled, nil
}

// unswizzleOwnChildren un-swizzles every pointer f itself holds into other
// frames, the reverse direction from unswizzleForEviction (which reverses
// the parent-into-f pointer). Needed before f can be evicted: once f's
// frame is reused, any swizzled pointer it was holding would silently
// start referring to whatever page the frame gets reloaded with. Caller
// must already hold f's exclusive latch.
func (p *Pool) unswizzleOwnChildren(f *Frame) bool {
	h := &Handle{pool: p, frame: f, mode: latch.Exclusive}
	if !h.HasSwizzledChild() {
		return false
	}
	any := false
	for _, slot := range f.Page.AllChildSlots() {
		v, ok := f.Page.ChildPtr(slot)
		if !ok || !common.IsSwizzled(v) {
			continue
		}
		if p.UnswizzleChild(f.Index(), slot) {
			any = true
		}
	}
	return any
}

// unswizzleForEviction reverses the swizzle pointing at f from its parent,
// looked up fresh under latch since tryEvictBlock already released the
// parent's shared latch by the time this runs. Note this reinstates f's
// hashtable entry (UnswizzleChild's contract); the caller removes it again
// immediately afterward as part of completing the eviction.
func (p *Pool) unswizzleForEviction(parentIdx uint32, f *Frame) bool {
	if !p.isValidIdx(parentIdx) {
		return true
	}
	parent := p.frame(parentIdx)
	ok, _ := parent.Latch.Acquire(latch.Exclusive, true)
	if !ok {
		return false
	}
	defer parent.Latch.Release(latch.Exclusive)
	slot := parent.Page.findChildSlot(func(v common.ShPID) bool {
		return common.IsSwizzled(v) && common.AsFrameIndex(v) == f.Index()
	})
	if slot == common.SlotNone {
		return true
	}
	return p.UnswizzleChild(parentIdx, slot)
}
