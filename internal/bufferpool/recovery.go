package bufferpool

import (
	"sync/atomic"

	"github.com/kevhong/zero/internal/common"
	"github.com/kevhong/zero/internal/latch"
	"github.com/kevhong/zero/internal/zerr"
)

// RegisterAndMark installs a frame for page (vol, pageno) in the "in doubt"
// state during log analysis, before its content has been read back from
// disk. It blocks concurrent fixers via waitWhileRecoveryBlocked until
// ClearInDoubt or InDoubtToDirty runs.
func (p *Pool) RegisterAndMark(vol common.VolID, pageno common.PageNo, recLSN common.LSN) (uint32, error) {
	key := common.MakeBFKey(vol, pageno)
	if _, ok := p.hashtable.Lookup(key); ok {
		return 0, zerr.New("register_and_mark", zerr.CodeInternal, nil)
	}
	idx, err := p.grabFreeBlock(true)
	if err != nil {
		return 0, zerr.Wrap(err, "register_and_mark")
	}
	f := p.frame(idx)
	p.resetFrame(f, vol, pageno, common.StoreID(0))
	f.CB.InDoubt = true
	f.CB.RecLSN = recLSN
	if _, inserted := p.hashtable.InsertIfAbsent(key, bfEntry(idx, 0)); !inserted {
		p.rollbackFailedLoad(key, idx)
		return 0, zerr.New("register_and_mark", zerr.CodeInternal, nil)
	}
	return idx, nil
}

// LoadForRedo reads a registered in-doubt frame's content from disk ahead
// of applying REDO log records to it, without waking waiters yet.
func (p *Pool) LoadForRedo(idx uint32) error {
	f := p.frame(idx)
	vd, ok := p.volumeDescriptor(f.Page.Header.Vol)
	if !ok {
		return zerr.New("load_for_redo", zerr.CodeInternal, nil)
	}
	content, err := vd.Device.ReadPage(f.Page.Header.Vol, f.Page.Header.Page)
	if err != nil {
		return zerr.Wrap(err, "load_for_redo")
	}
	f.Page.loadFrom(f.Page.Header.Vol, f.Page.Header.Page, f.Page.Header.Store, f.Page.lsn(), content)
	return nil
}

// InDoubtToDirty converts an in-doubt frame to a normal dirty frame once
// REDO has brought it up to date, and wakes any fixers blocked on it.
func (p *Pool) InDoubtToDirty(idx uint32) {
	f := p.frame(idx)
	p.recoveryMu.Lock()
	f.CB.InDoubt = false
	p.recoveryMu.Unlock()
	p.markDirty(f, f.CB.RecLSN)
	p.recoveryCond.Broadcast()
}

// ClearInDoubt drops a registered frame entirely, e.g. because analysis
// determined the page was never dirtied at crash time.
func (p *Pool) ClearInDoubt(idx uint32) {
	f := p.frame(idx)
	key := common.MakeBFKey(f.Page.Header.Vol, f.Page.Header.Page)
	p.recoveryMu.Lock()
	f.CB.InDoubt = false
	p.recoveryMu.Unlock()
	p.hashtable.RemoveIfMatches(key, idx)
	f.CB.Used = false
	p.addFreeBlock(idx)
	p.recoveryCond.Broadcast()
}

// IsInDoubt reports whether frame idx is currently marked in doubt.
func (p *Pool) IsInDoubt(idx uint32) bool {
	if !p.isValidIdx(idx) {
		return false
	}
	return p.frame(idx).CB.InDoubt
}

// LookupInDoubt returns the frame index registered for (vol, pageno), used
// by the REDO driver to find pages log analysis already registered.
func (p *Pool) LookupInDoubt(vol common.VolID, pageno common.PageNo) (uint32, bool) {
	entry, ok := p.hashtable.Lookup(common.MakeBFKey(vol, pageno))
	if !ok {
		return 0, false
	}
	return entry.Frame, true
}

// SetRecoveryAccess marks a frame as being exclusively touched by the
// restart thread, blocking ordinary fixers per m2 semantics unless
// AllowConcurrentRecoveryAccess is set.
func (p *Pool) SetRecoveryAccess(idx uint32) {
	atomic.StoreInt32(&p.frame(idx).CB.RecoveryAccessFlag, 1)
}

// IsRecoveryAccess reports whether frame idx is currently under exclusive
// recovery access.
func (p *Pool) IsRecoveryAccess(idx uint32) bool {
	return atomic.LoadInt32(&p.frame(idx).CB.RecoveryAccessFlag) == 1
}

// ClearRecoveryAccess releases the recovery-access mark and wakes waiters.
func (p *Pool) ClearRecoveryAccess(idx uint32) {
	atomic.StoreInt32(&p.frame(idx).CB.RecoveryAccessFlag, 0)
	p.recoveryMu.Lock()
	p.recoveryCond.Broadcast()
	p.recoveryMu.Unlock()
}

// SetInitialRecLSN sets a frame's rec_lsn directly, used by log analysis
// before InDoubtToDirty when the exact first-dirtying LSN is already known.
func (p *Pool) SetInitialRecLSN(idx uint32, lsn common.LSN) {
	p.frame(idx).CB.RecLSN = lsn
}

// IsUsed reports whether frame idx currently holds a live page.
func (p *Pool) IsUsed(idx uint32) bool {
	if !p.isValidIdx(idx) {
		return false
	}
	return p.frame(idx).CB.Used
}

// GetRecLSN returns frame idx's recovery LSN, the earliest LSN a REDO scan
// must start from to bring the page up to date.
func (p *Pool) GetRecLSN(idx uint32) common.LSN {
	return p.frame(idx).CB.RecLSN
}

// ForceVolume writes out every dirty frame belonging to vol, used by
// checkpointing and clean shutdown.
func (p *Pool) ForceVolume(vol common.VolID) error {
	for i := uint32(1); i < uint32(len(p.frames)); i++ {
		f := p.frame(i)
		if !f.CB.Used || f.Page.Header.Vol != vol || !f.Page.hasFlag(FlagDirty) {
			continue
		}
		if err := p.forceOne(f); err != nil {
			return err
		}
	}
	return nil
}

// ForceAll writes out every dirty frame in the pool.
func (p *Pool) ForceAll() error {
	for i := uint32(1); i < uint32(len(p.frames)); i++ {
		f := p.frame(i)
		if !f.CB.Used || !f.Page.hasFlag(FlagDirty) {
			continue
		}
		if err := p.forceOne(f); err != nil {
			return err
		}
	}
	return nil
}

// ForceUntilLSN writes out every dirty frame whose rec_lsn is at or below
// upTo, the minimal set a checkpoint needs flushed to reclaim log space.
func (p *Pool) ForceUntilLSN(upTo common.LSN) error {
	for i := uint32(1); i < uint32(len(p.frames)); i++ {
		f := p.frame(i)
		if !f.CB.Used || !f.Page.hasFlag(FlagDirty) || f.CB.RecLSN > upTo {
			continue
		}
		if err := p.forceOne(f); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) forceOne(f *Frame) error {
	vd, ok := p.volumeDescriptor(f.Page.Header.Vol)
	if !ok {
		return zerr.New("force_one", zerr.CodeInternal, nil)
	}
	ok2, _ := f.Latch.Acquire(latch.Shared, true)
	if !ok2 {
		return nil // busy; the cleaner will retry it next round
	}
	defer f.Latch.Release(latch.Shared)
	if dep, has := p.deps.dependency(f.Index()); has && p.isDirty(dep) {
		return nil // write-order dependency not yet satisfied
	}
	data := p.ConvertToDiskPage(&Handle{pool: p, frame: f, mode: latch.Shared})
	if err := vd.Device.WritePage(f.Page.Header.Vol, f.Page.Header.Page, data); err != nil {
		return zerr.Wrap(err, "force_one")
	}
	f.Page.setFlag(FlagDirty, false)
	atomic.AddInt32(&p.dirtyPageCount, -1)
	p.deps.clear(f.Index())
	return nil
}

// WakeupCleaners is a placeholder hook for a background cleaner thread;
// this core has no cleaner of its own, so it just runs one ForceUntilLSN
// pass synchronously on the caller's goroutine.
func (p *Pool) WakeupCleaners(upTo common.LSN) error {
	return p.ForceUntilLSN(upTo)
}
