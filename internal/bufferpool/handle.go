package bufferpool

import (
	"github.com/kevhong/zero/internal/common"
	"github.com/kevhong/zero/internal/latch"
	"github.com/kevhong/zero/internal/zerr"
)

// Handle is a scoped owner of one fix: it carries the frame, the latch
// mode held, and (in Q-mode) the ticket that must be validated before
// trusting anything read through the page. Callers must call Unfix
// exactly once; Go has no destructors, so this is not automatic —
// callers use `defer h.Unfix()`.
type Handle struct {
	pool   *Pool
	frame  *Frame
	mode   latch.Mode
	ticket latch.Ticket
	hasTicket bool

	// parentFrame/parentVersion are recorded at fix time so a later
	// ChangedSinceFix can answer "did the parent change observably"
	// instead of just always reporting false.
	parentFrame   uint32
	parentVersion uint64
	hasParent     bool
}

// Mode returns the latch mode this handle currently holds.
func (h *Handle) Mode() latch.Mode { return h.mode }

// FrameIndex returns the buffer-pool frame index backing this handle.
func (h *Handle) FrameIndex() uint32 { return h.frame.Index() }

// Page returns the fixed page. Valid only while the handle is held.
func (h *Handle) Page() *Page { return h.frame.Page }

// Ticket returns the Q-ticket, valid only when Mode() == latch.Q.
func (h *Handle) Ticket() (latch.Ticket, bool) { return h.ticket, h.hasTicket }

// ValidateTicket re-checks a Q-mode fix's ticket against the frame's
// latch version. A false result is surfaced as latch-Q-fail to the
// caller, who must retry with a stronger mode.
func (h *Handle) ValidateTicket() bool {
	if !h.hasTicket {
		return true
	}
	return h.frame.Latch.Validate(h.ticket)
}

// ChangedSinceFix compares the parent frame's latch version (and whether
// the parent frame index itself is stale) recorded at fix time against
// the parent's current version, returning true if anything observable
// about the parent changed.
func (h *Handle) ChangedSinceFix(parent *Handle) bool {
	if !h.hasParent || parent == nil {
		return false
	}
	if h.parentFrame != parent.frame.Index() {
		return true
	}
	return parent.frame.Latch.Version() != h.parentVersion
}

// UpgradeConditional attempts SH -> EX without blocking.
func (h *Handle) UpgradeConditional() bool {
	if h.mode != latch.Shared {
		return h.mode == latch.Exclusive
	}
	if h.frame.Latch.UpgradeConditional() {
		h.mode = latch.Exclusive
		return true
	}
	return false
}

// Downgrade converts a held EX latch to SH.
func (h *Handle) Downgrade() {
	if h.mode != latch.Exclusive {
		return
	}
	h.frame.Latch.Downgrade()
	h.mode = latch.Shared
}

// SetDirty marks the page dirty and, if this is the first time, records
// the frame's rec_lsn, maintaining the dirty-frame invariant
// recovery_lsn <= page_lsn. Illegal while Q-mode is held.
func (h *Handle) SetDirty(updateLSN common.LSN) error {
	if h.mode == latch.Q {
		return zerr.New("set_dirty", zerr.CodeInternal, nil)
	}
	h.pool.markDirty(h.frame, updateLSN)
	return nil
}

// SetToBeDeleted logs a page-deletion record (via the supplied logger
// hook) before flipping the to-be-deleted flag.
func (h *Handle) SetToBeDeleted(logDeletion func() error) error {
	if logDeletion != nil {
		if err := logDeletion(); err != nil {
			return err
		}
	}
	h.frame.Page.setFlag(FlagToBeDeleted, true)
	return nil
}

// UnsetToBeDeleted clears the to-be-deleted flag.
func (h *Handle) UnsetToBeDeleted() {
	h.frame.Page.setFlag(FlagToBeDeleted, false)
}

// Unfix releases the latch and, for a normal (non-refix-pinned) fix, the
// pin acquired by the corresponding Fix* call.
func (h *Handle) Unfix() {
	h.pool.unfix(h)
}
