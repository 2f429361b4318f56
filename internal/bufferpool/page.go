package bufferpool

import (
	"sync"

	"github.com/kevhong/zero/internal/common"
)

// PageFlags are the per-page header bits.
type PageFlags uint32

const (
	FlagToBeDeleted PageFlags = 1 << iota
	FlagInDoubt
	FlagUsed
	FlagDirty
	FlagRecoveryAccess
)

func (f PageFlags) Has(bit PageFlags) bool { return f&bit != 0 }

// PageHeader is the fixed header every page carries.
type PageHeader struct {
	Vol     common.VolID
	Page    common.PageNo
	Store   common.StoreID
	PageLSN common.LSN
	Flags   PageFlags
}

// Page is one fixed-size buffer-pool page: a header plus its data bytes.
// Data is allocated once per frame and reused across evictions via
// reset/loadFrom.
//
// childPtrs models the child-pointer slots a B-tree page would store
// inline in Data; the record layout itself is out of scope, but
// swizzling needs somewhere to atomically flip a persisted page id to a
// frame index, so the core exposes that one slot array abstractly here
// rather than reaching into a record format it does not own.
type Page struct {
	mu        sync.RWMutex
	Header    PageHeader
	Data      []byte
	childPtrs map[common.GeneralRecordID]common.ShPID
}

func newPage() *Page {
	return &Page{Data: make([]byte, common.PageSize), childPtrs: make(map[common.GeneralRecordID]common.ShPID)}
}

// ID returns the page's (vol, pageno) identity.
func (p *Page) ID() common.PageID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return common.PageID{Vol: p.Header.Vol, Page: p.Header.Page}
}

func (p *Page) reset(vol common.VolID, pageno common.PageNo, store common.StoreID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Header = PageHeader{Vol: vol, Page: pageno, Store: store}
	for i := range p.Data {
		p.Data[i] = 0
	}
	p.childPtrs = make(map[common.GeneralRecordID]common.ShPID)
}

func (p *Page) loadFrom(vol common.VolID, pageno common.PageNo, store common.StoreID, lsn common.LSN, content []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Header = PageHeader{Vol: vol, Page: pageno, Store: store, PageLSN: lsn}
	copy(p.Data, content)
}

// ChildPtr returns the slot's currently stored pointer (swizzled or not).
func (p *Page) ChildPtr(slot common.GeneralRecordID) (common.ShPID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.childPtrs[slot]
	return v, ok
}

// SetChildPtr stores a child pointer, for example a freshly allocated
// child's disk page number before it has ever been swizzled.
func (p *Page) SetChildPtr(slot common.GeneralRecordID, shpid common.ShPID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.childPtrs[slot] = shpid
}

// casChildPtr performs a single atomic-in-effect slot update for
// swizzling/unswizzling: replace the slot's value with next only if it
// still holds expect.
func (p *Page) casChildPtr(slot common.GeneralRecordID, expect, next common.ShPID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.childPtrs[slot]
	if !ok || cur != expect {
		return false
	}
	p.childPtrs[slot] = next
	return true
}

// findChildSlot returns the slot holding shpid (its disk form, if
// swizzled, is matched by frame identity via the caller), or SlotNone.
func (p *Page) findChildSlot(match func(common.ShPID) bool) common.GeneralRecordID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for slot, v := range p.childPtrs {
		if match(v) {
			return slot
		}
	}
	return common.SlotNone
}

// AllChildSlots returns every slot currently holding a child pointer,
// swizzled or not, in unspecified order. Used by write-out to walk the
// full set rather than just the first match findChildSlot would give.
func (p *Page) AllChildSlots() []common.GeneralRecordID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]common.GeneralRecordID, 0, len(p.childPtrs))
	for slot := range p.childPtrs {
		out = append(out, slot)
	}
	return out
}

func (p *Page) setFlag(bit PageFlags, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on {
		p.Header.Flags |= bit
	} else {
		p.Header.Flags &^= bit
	}
}

func (p *Page) hasFlag(bit PageFlags) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Header.Flags.Has(bit)
}

func (p *Page) setLSN(lsn common.LSN) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Header.PageLSN = lsn
}

func (p *Page) lsn() common.LSN {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Header.PageLSN
}
