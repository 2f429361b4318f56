package bufferpool

import (
	"fmt"

	"github.com/kevhong/zero/internal/bfhash"
	"github.com/kevhong/zero/internal/common"
	"github.com/kevhong/zero/internal/latch"
	"github.com/kevhong/zero/internal/zerr"
	"github.com/kevhong/zero/internal/zlog"
)

// FixNonRoot fixes a non-root page, exploiting pointer swizzling when the
// parent already holds a swizzled pointer to it.
func (p *Pool) FixNonRoot(parent *Handle, vol common.VolID, shpid common.ShPID, mode latch.Mode, conditional, virgin bool) (*Handle, error) {
	if common.IsSwizzled(shpid) {
		idx := common.AsFrameIndex(shpid)
		if !p.isValidIdx(idx) {
			return nil, zerr.New("fix_nonroot", zerr.CodeInternal, fmt.Errorf("swizzled shpid points outside pool: %d", idx))
		}
		f := p.frame(idx)
		f.CB.incPin()
		ok, ticket := f.Latch.Acquire(mode, conditional)
		if !ok {
			f.CB.decPin()
			return nil, zerr.ErrWouldBlock
		}
		if mode == latch.Q || (parent != nil && parent.mode == latch.Q) {
			if virgin {
				f.Latch.Release(mode)
				f.CB.decPin()
				return nil, zerr.ErrLatchQFail
			}
		}
		h := p.newHandle(f, mode, ticket, mode == latch.Q)
		p.attachParent(h, parent)
		if parent != nil && mode == latch.Q {
			if h.ChangedSinceFix(parent) {
				p.unfix(h)
				return nil, zerr.ErrParentLatchQFail
			}
		}
		f.CB.bumpRefCount(uint32(p.opts.MaxRefCount))
		return h, nil
	}

	return p.fixNonswizzled(parent, vol, common.PageNo(shpid), mode, conditional, virgin, false)
}

// FixDirect fixes any page without a parent, used by recovery or cursor
// refix. Rejects swizzled pointers and forbids Q mode.
func (p *Pool) FixDirect(vol common.VolID, shpid common.ShPID, mode latch.Mode, conditional, virgin bool) (*Handle, error) {
	if common.IsSwizzled(shpid) {
		return nil, zerr.ErrDirectFixSwizzledPtr
	}
	if mode == latch.Q {
		return nil, zerr.New("fix_direct", zerr.CodeInternal, fmt.Errorf("Q mode not allowed on fix_direct"))
	}
	return p.fixNonswizzled(nil, vol, common.PageNo(shpid), mode, conditional, virgin, false)
}

// FixUnsafelyNonRoot fixes a page given a possibly-stale swizzled pointer,
// with no parent available to revalidate against.
func (p *Pool) FixUnsafelyNonRoot(shpid common.ShPID, mode latch.Mode, conditional bool) (*Handle, error) {
	if !common.IsSwizzled(shpid) {
		return nil, zerr.New("fix_unsafely_nonroot", zerr.CodeInternal, fmt.Errorf("shpid must be swizzled"))
	}
	idx := common.AsFrameIndex(shpid)
	if !p.isValidIdx(idx) {
		return nil, zerr.New("fix_unsafely_nonroot", zerr.CodeInternal, fmt.Errorf("stale frame index: %d", idx))
	}
	f := p.frame(idx)
	f.CB.incPin()
	if !f.CB.Used {
		f.CB.decPin()
		return nil, zerr.ErrLatchQFail
	}
	ok, ticket := f.Latch.Acquire(mode, conditional)
	if !ok {
		f.CB.decPin()
		return nil, zerr.ErrWouldBlock
	}
	h := p.newHandle(f, mode, ticket, mode == latch.Q)
	f.CB.bumpRefCount(uint32(p.opts.MaxRefCount))
	return h, nil
}

// FixRoot fixes the existing root page of store in vol.
func (p *Pool) FixRoot(vol common.VolID, store common.StoreID, mode latch.Mode, conditional bool) (*Handle, error) {
	vd, ok := p.volumeDescriptor(vol)
	if !ok {
		return nil, zerr.New("fix_root", zerr.CodeInternal, fmt.Errorf("volume %d not mounted", vol))
	}
	idx, ok := vd.rootFrame(store)
	if !ok {
		return nil, zerr.New("fix_root", zerr.CodeInternal, fmt.Errorf("store %d has no root loaded", store))
	}
	return p.latchRootFrame(idx, mode, conditional)
}

// FixVirginRoot fixes a brand-new root page for store, page id pageno,
// implicitly EX and non-conditional.
func (p *Pool) FixVirginRoot(vol common.VolID, store common.StoreID, pageno common.PageNo) (*Handle, error) {
	vd, ok := p.volumeDescriptor(vol)
	if !ok {
		return nil, zerr.New("fix_virgin_root", zerr.CodeInternal, fmt.Errorf("volume %d not mounted", vol))
	}
	idx, err := p.grabFreeBlock(true)
	if err != nil {
		return nil, zerr.Wrap(err, "fix_virgin_root")
	}
	f := p.frame(idx)
	p.resetFrame(f, vol, pageno, store)
	key := common.MakeBFKey(vol, pageno)
	if _, inserted := p.hashtable.InsertIfAbsent(key, bfEntry(idx, 0)); !inserted {
		p.addFreeBlock(idx)
		return nil, zerr.New("fix_virgin_root", zerr.CodeInternal, fmt.Errorf("root page %v already present", pageno))
	}
	vd.setRootFrame(store, idx)
	return p.latchRootFrame(idx, latch.Exclusive, false)
}

// FixWithQRoot fixes the root page of store in Q mode.
func (p *Pool) FixWithQRoot(vol common.VolID, store common.StoreID) (*Handle, error) {
	return p.FixRoot(vol, store, latch.Q, false)
}

func (p *Pool) latchRootFrame(idx uint32, mode latch.Mode, conditional bool) (*Handle, error) {
	f := p.frame(idx)
	f.CB.incPin()
	ok, ticket := f.Latch.Acquire(mode, conditional)
	if !ok {
		f.CB.decPin()
		return nil, zerr.ErrWouldBlock
	}
	h := p.newHandle(f, mode, ticket, mode == latch.Q)
	f.CB.bumpRefCount(uint32(p.opts.MaxRefCount))
	return h, nil
}

// fixNonswizzled is the shared slow path for FixNonRoot (non-swizzled
// case) and FixDirect: hashtable lookup, on miss grab a free frame, load
// from disk (or zero for virgin), run the integrity check, then latch.
func (p *Pool) fixNonswizzled(parent *Handle, vol common.VolID, pageno common.PageNo, mode latch.Mode, conditional, virgin bool, fromRecovery bool) (*Handle, error) {
	if mode == latch.Q || (parent != nil && parent.mode == latch.Q) {
		return nil, zerr.ErrLatchQFail
	}
	key := common.MakeBFKey(vol, pageno)

	for attempts := 0; attempts < 8; attempts++ {
		if entry, ok := p.hashtable.Lookup(key); ok {
			f := p.frame(entry.Frame)
			f.CB.incPin()
			// Re-validate identity after pinning; the frame could have
			// been evicted and reused between Lookup and incPin.
			if f.Page.ID() != (common.PageID{Vol: vol, Page: pageno}) {
				f.CB.decPin()
				continue
			}
			if !p.AllowConcurrentRecoveryAccess {
				p.waitWhileRecoveryBlocked(f)
			}
			ok2, ticket := f.Latch.Acquire(mode, conditional)
			if !ok2 {
				f.CB.decPin()
				return nil, zerr.ErrWouldBlock
			}
			h := p.newHandle(f, mode, ticket, false)
			p.attachParent(h, parent)
			if p.enableSwizzling && parent != nil {
				p.trySwizzle(parent, h, pageno)
			}
			f.CB.bumpRefCount(uint32(p.opts.MaxRefCount))
			return h, nil
		}

		idx, err := p.grabFreeBlock(true)
		if err != nil {
			return nil, zerr.Wrap(err, "fix_nonswizzled")
		}
		f := p.frame(idx)
		var parentFrame uint32
		if parent != nil {
			parentFrame = parent.FrameIndex()
		}
		if _, inserted := p.hashtable.InsertIfAbsent(key, bfEntry(idx, parentFrame)); !inserted {
			// Someone else raced us; give our grabbed frame back and
			// retry through the lookup path above.
			p.addFreeBlock(idx)
			continue
		}

		p.resetFrame(f, vol, pageno, common.StoreID(0))
		f.CB.ParentFrame = parentFrame

		if !virgin {
			vd, ok := p.volumeDescriptor(vol)
			if !ok {
				p.rollbackFailedLoad(key, idx)
				return nil, zerr.New("fix_nonswizzled", zerr.CodeInternal, fmt.Errorf("volume %d not mounted", vol))
			}
			expectedEMLSN := common.NullLSN
			if parent != nil {
				expectedEMLSN = parent.frame.CB.EMLSN[slotForChild(pageno)]
			}
			if err := p.loadAndCheck(f, vd, vol, pageno, expectedEMLSN, parent); err != nil {
				p.rollbackFailedLoad(key, idx)
				return nil, err
			}
		}

		ok2, ticket := f.Latch.Acquire(mode, conditional)
		if !ok2 {
			p.rollbackFailedLoad(key, idx)
			return nil, zerr.ErrWouldBlock
		}
		h := p.newHandle(f, mode, ticket, false)
		p.attachParent(h, parent)
		if p.enableSwizzling && parent != nil && !fromRecovery {
			p.trySwizzle(parent, h, pageno)
		}
		return h, nil
	}
	return nil, zerr.New("fix_nonswizzled", zerr.CodeInternal, fmt.Errorf("too many hashtable races for %v", key))
}

func (p *Pool) rollbackFailedLoad(key common.BFKey, idx uint32) {
	p.hashtable.RemoveIfMatches(key, idx)
	p.addFreeBlock(idx)
}

func (p *Pool) loadAndCheck(f *Frame, vd *VolumeDescriptor, vol common.VolID, pageno common.PageNo, expectedEMLSN common.LSN, parent *Handle) error {
	content, err := vd.Device.ReadPage(vol, pageno)
	if err == nil {
		f.Page.loadFrom(vol, pageno, f.Page.Header.Store, common.NullLSN, content)
		// integrity check: stale relative to parent's expected minimum.
		if expectedEMLSN.Valid() && f.Page.lsn() < expectedEMLSN {
			return p.tryRecoverPage(f, vd, vol, pageno, false, expectedEMLSN)
		}
		return nil
	}
	if err == ErrCorruptedPage {
		return p.tryRecoverPage(f, vd, vol, pageno, true, expectedEMLSN)
	}
	return zerr.Wrap(err, "load_and_check")
}

// tryRecoverPage implements single-page recovery: pull the page's backup
// image forward via the log manager up to the
// parent's expected-minimum-LSN.
func (p *Pool) tryRecoverPage(f *Frame, vd *VolumeDescriptor, vol common.VolID, pageno common.PageNo, corrupted bool, upTo common.LSN) error {
	if p.recovery == nil {
		return zerr.New("single_page_recovery", zerr.CodeRecoveryFailed, fmt.Errorf("no recovery provider configured"))
	}
	zlog.Warnf("single-page recovery: vol=%d page=%d corrupted=%v up_to=%v", vol, pageno, corrupted, upTo)
	content, lsn, err := p.recovery.RecoverPage(vol, pageno, upTo)
	if err != nil {
		code := zerr.CodeRecoveryFailed
		if corrupted {
			code = zerr.CodeCorrupted
		}
		return zerr.New("single_page_recovery", code, err)
	}
	f.Page.loadFrom(vol, pageno, f.Page.Header.Store, lsn, content)
	return nil
}

// ---- refix ---------------------------------------------------------------

// PinForRefix adds an extra pin count to h's frame so the caller can later
// re-fix it without a parent. Returns the frame index to pass to
// RefixDirect/UnpinForRefix.
func (p *Pool) PinForRefix(h *Handle) uint32 {
	h.frame.CB.incPin()
	return h.frame.Index()
}

// RefixDirect re-acquires a latch on an already pin_for_refix'd frame.
// Fails if the frame was concurrently evicted despite the extra pin
// (which should not happen, but is checked defensively).
func (p *Pool) RefixDirect(idx uint32, mode latch.Mode, conditional bool) (*Handle, error) {
	if !p.isValidIdx(idx) {
		return nil, zerr.New("refix_direct", zerr.CodeInternal, fmt.Errorf("invalid idx %d", idx))
	}
	f := p.frame(idx)
	if !f.CB.Used {
		return nil, zerr.New("refix_direct", zerr.CodeInternal, fmt.Errorf("frame %d not in use", idx))
	}
	f.CB.incPin()
	ok, ticket := f.Latch.Acquire(mode, conditional)
	if !ok {
		f.CB.decPin()
		return nil, zerr.ErrWouldBlock
	}
	return p.newHandle(f, mode, ticket, mode == latch.Q), nil
}

// UnpinForRefix removes the extra pin added by PinForRefix.
func (p *Pool) UnpinForRefix(idx uint32) {
	if !p.isValidIdx(idx) {
		return
	}
	p.frame(idx).CB.decPin()
}

// AssociatePage binds an already-populated frame (idx) to a page handle
// without any fix semantics, for REDO recovery only.
func (p *Pool) AssociatePage(idx uint32) *Handle {
	f := p.frame(idx)
	return p.newHandle(f, latch.None, latch.Ticket{}, false)
}

// ---- helpers ---------------------------------------------------------

func bfEntry(frame, parent uint32) bfhash.Entry {
	return bfhash.Entry{Frame: frame, Parent: parent}
}

func (p *Pool) newHandle(f *Frame, mode latch.Mode, ticket latch.Ticket, hasTicket bool) *Handle {
	return &Handle{pool: p, frame: f, mode: mode, ticket: ticket, hasTicket: hasTicket}
}

func (p *Pool) attachParent(h *Handle, parent *Handle) {
	if parent == nil {
		return
	}
	h.hasParent = true
	h.parentFrame = parent.FrameIndex()
	h.parentVersion = parent.frame.Latch.Version()
}

func slotForChild(pageno common.PageNo) common.GeneralRecordID {
	// The B-tree layer (out of scope) owns real slot identifiers; the core
	// only needs a stable key into the parent's EMLSN map, so a page's own
	// number is a perfectly good proxy key here.
	return common.GeneralRecordID(pageno)
}

// waitWhileRecoveryBlocked implements m2-style blocking: a fix observing
// an in-doubt or recovery-access frame waits rather than racing recovery.
func (p *Pool) waitWhileRecoveryBlocked(f *Frame) {
	p.recoveryMu.Lock()
	for f.CB.InDoubt || f.CB.RecoveryAccessFlag == 1 {
		p.recoveryCond.Wait()
	}
	p.recoveryMu.Unlock()
}
