// Package bufferpool implements the buffer pool with pointer swizzling:
// frame allocation, the six fix operations, clock-like eviction, and
// swizzling of child pointers for a Foster-B-tree-style hierarchical
// pool, built from plain mutex-guarded Go structs and explicit
// stats/errors rather than anything exotic.
package bufferpool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kevhong/zero/internal/bfhash"
	"github.com/kevhong/zero/internal/common"
	"github.com/kevhong/zero/internal/latch"
	"github.com/kevhong/zero/internal/options"
	"github.com/kevhong/zero/internal/zerr"
	"github.com/kevhong/zero/internal/zlog"
)

// ErrCorruptedPage is returned by a StorageProvider.ReadPage implementation
// when an integrity check (checksum) fails, triggering single-page
// recovery on the fix path.
var ErrCorruptedPage = fmt.Errorf("bufferpool: page failed integrity check")

// Pool is the buffer pool: a fixed array of frames, a free list, an
// eviction cursor, and one volume descriptor per mounted volume.
type Pool struct {
	opts options.SMOptions

	frames []*Frame // index 0 reserved/unused

	hashtable *bfhash.Table

	freelistMu   sync.Mutex
	freelistHead uint32 // 0 means empty
	freelistNext []uint32
	freelistLen  uint32

	evictionMu     sync.Mutex
	evictionCursor uint32

	volumesMu sync.RWMutex
	volumes   map[common.VolID]*VolumeDescriptor

	deps *dependencyGraph

	dirtyPageCount      int32
	swizzledPageCount   int32
	enableSwizzling     bool

	recovery RecoveryProvider

	// recoveryCond blocks fixes that observe an in-doubt or
	// recovery-access frame, implementing m2-style blocking by default.
	recoveryMu   sync.Mutex
	recoveryCond *sync.Cond

	// AllowConcurrentRecoveryAccess switches to m3-style non-blocking
	// access; default false (m2 blocking).
	AllowConcurrentRecoveryAccess bool
}

// New constructs a buffer pool with opts.BufferPoolSize frames.
func New(opts options.SMOptions, recovery RecoveryProvider) *Pool {
	n := opts.BufferPoolSize + 1 // +1: index 0 reserved
	p := &Pool{
		opts:            opts,
		frames:          make([]*Frame, n),
		hashtable:       bfhash.New(),
		freelistNext:    make([]uint32, n),
		volumes:         make(map[common.VolID]*VolumeDescriptor),
		deps:            newDependencyGraph(),
		enableSwizzling: opts.EnableSwizzling,
		recovery:        recovery,
	}
	p.recoveryCond = sync.NewCond(&p.recoveryMu)
	for i := uint32(1); i < n; i++ {
		p.frames[i] = newFrame(i)
	}
	// Link every frame but index 0 into the free list, in order.
	for i := uint32(1); i < n-1; i++ {
		p.freelistNext[i] = i + 1
	}
	if n > 1 {
		p.freelistHead = 1
		p.freelistLen = n - 1
	}
	return p
}

func (p *Pool) BlockCount() uint32 { return uint32(len(p.frames)) }

func (p *Pool) frame(idx uint32) *Frame { return p.frames[idx] }

func (p *Pool) isValidIdx(idx uint32) bool {
	return idx > 0 && idx < uint32(len(p.frames))
}

// InstallVolume mounts vol, backed by device, making it fixable.
func (p *Pool) InstallVolume(vol common.VolID, device StorageProvider) *VolumeDescriptor {
	p.volumesMu.Lock()
	defer p.volumesMu.Unlock()
	vd := newVolumeDescriptor(vol, device)
	p.volumes[vol] = vd
	return vd
}

// UninstallVolume unmounts vol.
func (p *Pool) UninstallVolume(vol common.VolID) {
	p.volumesMu.Lock()
	defer p.volumesMu.Unlock()
	delete(p.volumes, vol)
}

func (p *Pool) volumeDescriptor(vol common.VolID) (*VolumeDescriptor, bool) {
	p.volumesMu.RLock()
	defer p.volumesMu.RUnlock()
	vd, ok := p.volumes[vol]
	return vd, ok
}

// ---- free list -------------------------------------------------------

func (p *Pool) addFreeBlock(idx uint32) {
	p.freelistMu.Lock()
	defer p.freelistMu.Unlock()
	p.freelistNext[idx] = p.freelistHead
	p.freelistHead = idx
	p.freelistLen++
}

func (p *Pool) popFreeBlock() (uint32, bool) {
	p.freelistMu.Lock()
	defer p.freelistMu.Unlock()
	if p.freelistHead == 0 {
		return 0, false
	}
	idx := p.freelistHead
	p.freelistHead = p.freelistNext[idx]
	p.freelistLen--
	return idx, true
}

// grabFreeBlock returns a free frame index, evicting if the free list is
// empty and evict is true.
func (p *Pool) grabFreeBlock(evict bool) (uint32, error) {
	if idx, ok := p.popFreeBlock(); ok {
		return idx, nil
	}
	if !evict {
		return 0, zerr.New("grab_free_block", zerr.CodeInternal, fmt.Errorf("free list empty"))
	}
	evicted, _, err := p.EvictBlocks(EvictNormal, 1)
	if err != nil {
		return 0, err
	}
	if evicted == 0 {
		// Escalate urgency once before giving up, trying a more eager
		// round.
		evicted, _, err = p.EvictBlocks(EvictEager, 1)
		if err != nil {
			return 0, err
		}
	}
	if idx, ok := p.popFreeBlock(); ok {
		return idx, nil
	}
	return 0, zerr.New("grab_free_block", zerr.CodeOutOfLogSpace, fmt.Errorf("no free frame after eviction (evicted=%d)", evicted))
}

func (p *Pool) resetFrame(f *Frame, vol common.VolID, page common.PageNo, store common.StoreID) {
	f.CB.PinCount = 1
	f.CB.RefCount = 0
	f.CB.SwizzledPtrCount = 0
	f.CB.ParentFrame = 0
	f.CB.RecLSN = common.NullLSN
	f.CB.InitialDirtyLSN = common.NullLSN
	f.CB.Used = true
	f.CB.InDoubt = false
	atomic.StoreInt32(&f.CB.RecoveryAccessFlag, 0)
	f.CB.EMLSN = make(map[common.GeneralRecordID]common.LSN)
	f.Page.reset(vol, page, store)
}

// ---- dirty/flag bookkeeping -------------------------------------------

func (p *Pool) markDirty(f *Frame, updateLSN common.LSN) {
	wasDirty := f.Page.hasFlag(FlagDirty)
	if !wasDirty {
		f.CB.RecLSN = updateLSN
		f.CB.InitialDirtyLSN = updateLSN
		atomic.AddInt32(&p.dirtyPageCount, 1)
	}
	f.Page.setFlag(FlagDirty, true)
	f.Page.setLSN(updateLSN)
}

// IsDirty reports whether the frame backing page is marked dirty.
func (h *Handle) IsDirty() bool { return h.frame.Page.hasFlag(FlagDirty) }

// RepairRecLSN clamps frame idx's rec_lsn to not exceed its page_lsn:
// for any dirty frame, recovery_lsn must never exceed page_lsn, and this
// call repairs the invariant when it is found violated.
func (p *Pool) RepairRecLSN(idx uint32, wasDirty bool, newRecLSN common.LSN) {
	f := p.frame(idx)
	if !wasDirty {
		f.CB.RecLSN = newRecLSN
		f.CB.InitialDirtyLSN = newRecLSN
		return
	}
	if f.CB.RecLSN > f.Page.lsn() {
		zlog.Warnf("repair_rec_lsn: frame=%d rec_lsn=%v > page_lsn=%v, clamping", idx, f.CB.RecLSN, f.Page.lsn())
		f.CB.RecLSN = newRecLSN
	}
}

// ---- unfix --------------------------------------------------------------

func (p *Pool) unfix(h *Handle) {
	f := h.frame
	f.Latch.Release(h.mode)
	if h.mode != latch.None {
		f.CB.decPin()
	}
}

// isDirty reports whether frame idx is currently dirty; used by
// RegisterWriteOrderDependency.
func (p *Pool) isDirty(idx uint32) bool {
	if !p.isValidIdx(idx) {
		return false
	}
	return p.frames[idx].Page.hasFlag(FlagDirty)
}

// RegisterWriteOrderDependency registers "page must not be written before
// dependency". Both handles must already be latched. Returns false (and
// registers nothing) if this would form a cycle or if dependency is
// already clean.
func (p *Pool) RegisterWriteOrderDependency(page, dependency *Handle) bool {
	return p.deps.register(page.FrameIndex(), dependency.FrameIndex(), p.isDirty)
}
