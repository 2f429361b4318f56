package bufferpool

import (
	"encoding/binary"
	"sort"
	"sync/atomic"

	"github.com/kevhong/zero/internal/common"
	"github.com/kevhong/zero/internal/latch"
)

// trySwizzle opportunistically swizzles child's pointer into parent: only
// when the parent holds at least a shared latch and swizzling is
// globally enabled. Failure is silent — swizzling is an optimization,
// never required for correctness.
func (p *Pool) trySwizzle(parent, child *Handle, pageno common.PageNo) {
	if parent.mode < latch.Shared {
		return
	}
	slot := parent.frame.Page.findChildSlot(func(v common.ShPID) bool {
		return !common.IsSwizzled(v) && common.PageNo(v) == pageno
	})
	if slot == common.SlotNone {
		return
	}
	p.SwizzleChildSlot(parent, slot)
}

// SwizzleChildSlot swizzles the child pointer at slot in parent, if the
// child is in the pool and not already swizzled. Swizzling does not hold
// an extra pin on the child: the hashtable entry is removed instead,
// since swizzled pages are never stored as hashtable keys, and the
// eviction path is responsible for unswizzling before it may evict a
// child with pin_count zero.
func (p *Pool) SwizzleChildSlot(parent *Handle, slot common.GeneralRecordID) bool {
	if !p.enableSwizzling {
		return false
	}
	cur, ok := parent.frame.Page.ChildPtr(slot)
	if !ok || common.IsSwizzled(cur) {
		return false
	}
	vol := parent.frame.Page.Header.Vol
	key := common.MakeBFKey(vol, common.PageNo(cur))
	entry, ok := p.hashtable.Lookup(key)
	if !ok {
		return false
	}
	childFrame := p.frame(entry.Frame)
	swizzled := common.SwizzledPID(entry.Frame)
	if !parent.frame.Page.casChildPtr(slot, cur, swizzled) {
		return false
	}
	p.hashtable.RemoveIfMatches(key, entry.Frame)
	atomic.AddInt32(&parent.frame.CB.SwizzledPtrCount, 1)
	atomic.AddInt32(&p.swizzledPageCount, 1)
	childFrame.CB.ParentFrame = parent.FrameIndex()
	return true
}

// SwizzleChildren swizzles every slot named, ignoring slots whose child
// isn't loaded yet.
func (p *Pool) SwizzleChildren(parent *Handle, slots []common.GeneralRecordID) {
	for _, s := range slots {
		p.SwizzleChildSlot(parent, s)
	}
}

// UnswizzleChild reverses a swizzle under exclusive latch on the parent:
// the child's disk page id is restored to the slot and its hashtable
// entry is reinstated so future fixes can find it again.
func (p *Pool) UnswizzleChild(parentIdx uint32, slot common.GeneralRecordID) bool {
	parent := p.frame(parentIdx)
	cur, ok := parent.Page.ChildPtr(slot)
	if !ok || !common.IsSwizzled(cur) {
		return false
	}
	childIdx := common.AsFrameIndex(cur)
	child := p.frame(childIdx)
	diskPID := common.ShPID(child.Page.Header.Page)
	if !parent.Page.casChildPtr(slot, cur, diskPID) {
		return false
	}
	key := common.MakeBFKey(child.Page.Header.Vol, child.Page.Header.Page)
	p.hashtable.InsertIfAbsent(key, bfEntry(childIdx, parentIdx))
	atomic.AddInt32(&parent.CB.SwizzledPtrCount, -1)
	atomic.AddInt32(&p.swizzledPageCount, -1)
	return true
}

// IsSwizzledSlot reports whether the given slot in page holds a swizzled
// pointer. Caller must hold at least a latch on page.
func (h *Handle) IsSwizzledSlot(slot common.GeneralRecordID) bool {
	v, ok := h.frame.Page.ChildPtr(slot)
	return ok && common.IsSwizzled(v)
}

// NormalizeShPID strips the swizzle bit, returning the on-disk page number
// the pointer ultimately resolves to. Do not call without a latch on the
// frame holding it.
func (p *Pool) NormalizeShPID(shpid common.ShPID) common.PageNo {
	if !common.IsSwizzled(shpid) {
		return common.PageNo(shpid)
	}
	idx := common.AsFrameIndex(shpid)
	if !p.isValidIdx(idx) {
		return common.PageNo(shpid)
	}
	return p.frame(idx).Page.Header.Page
}

// HasSwizzledChild accurately scans page's slots for any swizzled
// pointer, unlike the per-frame SwizzledPtrCount hint.
func (h *Handle) HasSwizzledChild() bool {
	slot := h.frame.Page.findChildSlot(common.IsSwizzled)
	return slot != common.SlotNone
}

// SwitchParent updates frame idx's parent-frame hint, for use when the
// B-tree layer reparents a page during adoption/de-adoption. Caller must
// hold the page, old parent, and new parent all latched.
func (p *Pool) SwitchParent(idx uint32, newParentFrame uint32) {
	if !p.isValidIdx(idx) {
		return
	}
	p.frame(idx).CB.ParentFrame = newParentFrame
}

// ConvertToDiskPage returns a copy of page's bytes with every swizzled
// child pointer converted back to its disk page id, for write-out. The
// caller must hold at least SH latch and be sure no concurrent
// unswizzling is racing it.
//
// childPtrs never lives inside Data (see the Page doc comment), so the
// converted slots are appended as a small encoded table rather than
// patched in place: a slot's disk form would otherwise be indistinguishable
// from whatever the as-yet-unowned record layout puts at that offset.
func (p *Pool) ConvertToDiskPage(h *Handle) []byte {
	out := make([]byte, len(h.frame.Page.Data))
	copy(out, h.frame.Page.Data)

	slots := h.frame.Page.AllChildSlots()
	if len(slots) == 0 {
		return out
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	table := make([]byte, 4, 4+8*len(slots))
	binary.BigEndian.PutUint32(table, uint32(len(slots)))
	for _, slot := range slots {
		v, ok := h.frame.Page.ChildPtr(slot)
		if !ok {
			continue
		}
		if common.IsSwizzled(v) {
			v = common.ShPID(p.NormalizeShPID(v))
		}
		var entry [8]byte
		binary.BigEndian.PutUint32(entry[:4], uint32(slot))
		binary.BigEndian.PutUint32(entry[4:], uint32(v))
		table = append(table, entry[:]...)
	}
	return append(out, table...)
}
