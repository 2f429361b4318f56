// Package txn is the transaction object: the thing that ties a log
// stream, a lock set, and rollback bookkeeping together for one unit of
// work. It splits a transaction's state into a "core" half (identity and
// lock-related state) and a "stream" half (log-buffer state), and keeps
// the active set in a mutex-guarded manager struct with an atomically
// assigned id per transaction.
//
// The lock manager's internal hash table is out of scope; LockManager
// below is only the interface contract a transaction needs from it
// (Acquire/ReleaseAll/MarkViolatable) without reimplementing a lock table.
package txn

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"

	"github.com/kevhong/zero/internal/common"
	"github.com/kevhong/zero/internal/zerr"
)

// State is a transaction's lifecycle stage.
type State int

const (
	StateActive State = iota
	StateAborting
	StateCommitting
	StatePrepared
	StateFreeingSpace
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateAborting:
		return "aborting"
	case StateCommitting:
		return "committing"
	case StatePrepared:
		return "prepared"
	case StateFreeingSpace:
		return "freeing_space"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// ELRMode is an Early Lock Release policy.
type ELRMode int

const (
	ELRNone ELRMode = iota
	ELRShared
	ELRSharedExclusive
	ELRClv // sx plus marks released locks "violatable" by later transactions
)

// LockManager is the subset of lock-manager behavior a transaction needs:
// acquiring locks in its own name and releasing them all at end-of-life
// (or early, under ELR). The lock table itself is out of scope here.
type LockManager interface {
	Acquire(txn common.TxnID, resource uint64, exclusive bool) error
	ReleaseAll(txn common.TxnID) error
	MarkViolatable(txn common.TxnID) error
}

// LogAppender is what internal/logbuf.Manager provides: consolidated,
// LSN-stamped record insertion, plus the durability wait a group-commit
// style commit path blocks on.
type LogAppender interface {
	Insert(record []byte) (common.LSN, error)
	WaitForDurable(lsn common.LSN)
}

// UndoInterpreter steps backward through one transaction's own forward log
// records during abort. Given the LSN to undo next, it returns the
// compensation record to log forward in its place (nil if this record
// needs no compensation, e.g. it was itself a compensation) and the LSN of
// the previous record in that transaction's chain. Reading a record back
// by LSN and interpreting its payload to reverse a page's contents is the
// log manager's and B-tree layer's job, entirely behind this interface.
type UndoInterpreter interface {
	UndoOne(cur common.LSN) (compensation []byte, prevLSN common.LSN, err error)
}

// Core is a transaction's identity and lock-related state.
type Core struct {
	ID      common.TxnID
	mu      sync.Mutex
	state   State
	elr     ELRMode
	aborted bool
}

func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Core) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Stream is a transaction's log-related state: the last LSN it appended,
// the anchor stack used to compensate a partially-applied multi-record
// operation on abort, and the reservation counters bounding how much log
// space this transaction is allowed to hold outstanding.
type Stream struct {
	mu         sync.Mutex
	lastLSN    common.LSN
	firstLSN   common.LSN
	anchor     common.LSN
	anchorDown int // depth of nested Anchor() calls; only the outermost is real

	ready               int64 // bytes drawn from but not yet spent by Reserve
	used                int64 // bytes actually appended
	reservedForRollback int64 // bytes this transaction may need to reproduce as UNDO
}

// ssxBuffer is the deferred single-log-system-transaction buffer: a
// caller building up a single record piece by piece via LogPartial can
// flush the whole thing as one Insert instead of one call per piece.
type ssxBuffer struct {
	mu     sync.Mutex
	active bool
	parts  [][]byte
}

// Transaction is the full transaction object: core, stream, and the
// collaborators (lock manager, log) it needs to commit or abort.
type Transaction struct {
	Core
	Stream
	ssx ssxBuffer

	locks LockManager
	log   LogAppender
}

// Manager assigns transaction ids and tracks the active set.
type Manager struct {
	mu          sync.RWMutex
	nextID      uint64
	active      map[common.TxnID]*Transaction
	locks       LockManager
	log         LogAppender
	elrMode     ELRMode
	reservation int64
	undo        UndoInterpreter
}

// ErrMixedELRModes is returned by NewManager if the given lock manager is
// already bound to ELR-CLV and the new mode is not, or the other way
// round; different non-clv modes may share a lock manager. ELR-CLV's
// "violatable" lock semantics assume every transaction touching the lock
// table understands them, so one lock manager can never be shared
// between a clv manager and a non-clv one.
var ErrMixedELRModes = errors.New("txn: cannot mix ELR-CLV with other ELR modes over the same lock manager")

var (
	elrBindingsMu sync.Mutex
	elrBindings   = make(map[LockManager]ELRMode)
)

// NewManager returns a transaction manager whose transactions all use the
// same lock manager, log, and Early Lock Release policy. Every new
// transaction starts with reservation bytes in its ready counter. It
// records locks' ELR binding in a process-wide registry so a
// second manager built over the same lock manager with an incompatible
// mode is rejected rather than silently corrupting clv's lock-violation
// bookkeeping.
func NewManager(locks LockManager, log LogAppender, elrMode ELRMode, reservation int64) (*Manager, error) {
	elrBindingsMu.Lock()
	if existing, ok := elrBindings[locks]; ok {
		if (existing == ELRClv) != (elrMode == ELRClv) {
			elrBindingsMu.Unlock()
			return nil, ErrMixedELRModes
		}
	} else {
		elrBindings[locks] = elrMode
	}
	elrBindingsMu.Unlock()

	return &Manager{
		active:      make(map[common.TxnID]*Transaction),
		locks:       locks,
		log:         log,
		elrMode:     elrMode,
		reservation: reservation,
	}, nil
}

// SetUndoInterpreter installs the record interpreter Abort uses to replay
// a transaction's log backwards and emit compensations. A manager with no
// interpreter installed skips replay entirely (every record already
// logged stays in the log unexamined) — acceptable for callers that never
// abort a transaction carrying undoable records, but nothing else.
func (m *Manager) SetUndoInterpreter(u UndoInterpreter) {
	m.mu.Lock()
	m.undo = u
	m.mu.Unlock()
}

// Begin starts a new active transaction.
func (m *Manager) Begin() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := common.TxnID(atomic.AddUint64(&m.nextID, 1))
	t := &Transaction{
		Core:   Core{ID: id, state: StateActive, elr: m.elrMode},
		Stream: Stream{ready: m.reservation},
		locks:  m.locks,
		log:    m.log,
	}
	m.active[id] = t
	return t
}

// Lookup returns the active transaction with id, if any.
func (m *Manager) Lookup(id common.TxnID) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.active[id]
	return t, ok
}

func (m *Manager) forget(id common.TxnID) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// Log appends record to the transaction's stream, tracking it as both the
// transaction's last LSN and, if this is its first record, its first LSN.
// Allowed while the transaction is active, committing (for its commit
// record) or aborting (for compensations and its abort record); illegal
// once it has moved on to freeing-space or ended.
func (t *Transaction) Log(record []byte) (common.LSN, error) {
	switch t.State() {
	case StateActive, StateCommitting, StateAborting:
	default:
		return 0, zerr.New("txn.Log", zerr.CodeInternal, nil)
	}
	lsn, err := t.log.Insert(record)
	if err != nil {
		return 0, err
	}
	t.Stream.mu.Lock()
	if t.Stream.firstLSN == common.NullLSN {
		t.Stream.firstLSN = lsn
	}
	t.Stream.lastLSN = lsn
	t.Stream.mu.Unlock()
	return lsn, nil
}

// LastLSN returns the LSN of the most recent record this transaction has
// logged.
func (t *Transaction) LastLSN() common.LSN {
	t.Stream.mu.Lock()
	defer t.Stream.mu.Unlock()
	return t.Stream.lastLSN
}

// Reserve draws n bytes from the transaction's ready counter ahead of an
// append of that size. Callers that get false have exhausted their
// reservation and must either GrowReservation (if the log manager grants
// more under its safety margin) or abort rather than risk deadlocking the
// log on an append that can never be satisfied.
func (t *Transaction) Reserve(n int) bool {
	t.Stream.mu.Lock()
	defer t.Stream.mu.Unlock()
	if t.Stream.ready < int64(n) {
		return false
	}
	t.Stream.ready -= int64(n)
	return true
}

// GrowReservation adds n bytes to the transaction's ready counter.
func (t *Transaction) GrowReservation(n int64) {
	t.Stream.mu.Lock()
	t.Stream.ready += n
	t.Stream.mu.Unlock()
}

// ReservedForRollback returns the bytes this transaction is holding
// against its own possible UNDO, per the rollback reservation invariant:
// it must never fall below the maximum UNDO bytes its outstanding
// undoable records could ever need.
func (t *Transaction) ReservedForRollback() int64 {
	t.Stream.mu.Lock()
	defer t.Stream.mu.Unlock()
	return t.Stream.reservedForRollback
}

// LogUndoable appends record like Log, additionally tracking it against
// the reservation counters: used grows by its size always, and
// reservedForRollback grows too unless compensation is true (a
// compensation record is itself the UNDO, so it consumes reservation
// rather than adding to it, never taking it below zero).
func (t *Transaction) LogUndoable(record []byte, compensation bool) (common.LSN, error) {
	lsn, err := t.Log(record)
	if err != nil {
		return 0, err
	}
	t.Stream.mu.Lock()
	t.Stream.used += int64(len(record))
	if compensation {
		t.Stream.reservedForRollback -= int64(len(record))
		if t.Stream.reservedForRollback < 0 {
			t.Stream.reservedForRollback = 0
		}
	} else {
		t.Stream.reservedForRollback += int64(len(record))
	}
	t.Stream.mu.Unlock()
	return lsn, nil
}

// Anchor marks the current log position as the point a later
// ReleaseAnchor can compensate back to, for atomically undoing a
// multi-record operation without a full transaction abort. Anchor calls
// nest; only the outermost is "real" and inner calls just bump a depth
// counter.
func (t *Transaction) Anchor() common.LSN {
	t.Stream.mu.Lock()
	defer t.Stream.mu.Unlock()
	if t.Stream.anchorDown == 0 {
		t.Stream.anchor = t.Stream.lastLSN
	}
	t.Stream.anchorDown++
	return t.Stream.anchor
}

// ReleaseAnchor closes the innermost outstanding Anchor. If compensate is
// true and this was the outermost anchor, it appends a compensation
// record that logically undoes everything logged since the anchor was
// taken, the way a partially-applied structural operation (e.g. a B-tree
// split) is unwound without aborting the whole transaction.
func (t *Transaction) ReleaseAnchor(compensate bool, compensationRecord []byte) error {
	t.Stream.mu.Lock()
	if t.Stream.anchorDown == 0 {
		t.Stream.mu.Unlock()
		return zerr.New("txn.ReleaseAnchor", zerr.CodeInternal, nil)
	}
	t.Stream.anchorDown--
	outermost := t.Stream.anchorDown == 0
	t.Stream.mu.Unlock()

	if !outermost || !compensate || compensationRecord == nil {
		return nil
	}
	// The compensation record itself is expected to carry the undo-to
	// LSN; this call only ensures it is appended exactly once, at the
	// point the outermost anchor closes.
	_, err := t.Log(compensationRecord)
	return err
}

// BeginSSX opens a deferred single-log-system-transaction buffer: pieces
// appended via LogPartial accumulate here instead of hitting the log
// immediately, so the whole SSX becomes exactly one consolidated record.
func (t *Transaction) BeginSSX() {
	t.ssx.mu.Lock()
	t.ssx.active = true
	t.ssx.parts = t.ssx.parts[:0]
	t.ssx.mu.Unlock()
}

// LogPartial appends one piece to the currently open SSX buffer.
func (t *Transaction) LogPartial(part []byte) error {
	t.ssx.mu.Lock()
	defer t.ssx.mu.Unlock()
	if !t.ssx.active {
		return zerr.New("txn.LogPartial", zerr.CodeInternal, nil)
	}
	cp := make([]byte, len(part))
	copy(cp, part)
	t.ssx.parts = append(t.ssx.parts, cp)
	return nil
}

// EndSSX flushes the accumulated pieces as one log record and closes the
// buffer.
func (t *Transaction) EndSSX() (common.LSN, error) {
	t.ssx.mu.Lock()
	if !t.ssx.active {
		t.ssx.mu.Unlock()
		return 0, zerr.New("txn.EndSSX", zerr.CodeInternal, nil)
	}
	total := 0
	for _, p := range t.ssx.parts {
		total += len(p)
	}
	record := make([]byte, 0, total)
	for _, p := range t.ssx.parts {
		record = append(record, p...)
	}
	t.ssx.active = false
	t.ssx.parts = nil
	t.ssx.mu.Unlock()
	return t.Log(record)
}

// Lock acquires resource in the transaction's name via the configured
// lock manager.
func (t *Transaction) Lock(resource uint64, exclusive bool) error {
	return t.locks.Acquire(t.ID, resource, exclusive)
}

// commitRecordKind/abortRecordKind tag the one-byte marker commit/abort
// write via Log, ahead of a real B-tree operation-record encoding.
const (
	commitRecordKind byte = 1
	abortRecordKind  byte = 2
)

// Commit finishes a transaction successfully: it logs a commit record,
// waits for the log to be durable up to that point, releases locks per
// its ELR mode, frees back its rollback reservation, transitions through
// committing/freeing-space/ended, and forgets the transaction in mgr.
func (mgr *Manager) Commit(t *Transaction) error {
	if t.State() != StateActive {
		return zerr.New("txn.Commit", zerr.CodeInternal, nil)
	}
	t.setState(StateCommitting)

	commitLSN, err := t.Log([]byte{commitRecordKind})
	if err != nil {
		return errors.Annotate(err, "txn.Commit: log commit record")
	}
	t.log.WaitForDurable(commitLSN)

	switch t.Core.elr {
	case ELRShared, ELRSharedExclusive:
		if err := t.locks.ReleaseAll(t.ID); err != nil {
			return errors.Annotate(err, "txn.Commit: early lock release")
		}
	case ELRClv:
		if err := t.locks.MarkViolatable(t.ID); err != nil {
			return errors.Annotate(err, "txn.Commit: mark violatable")
		}
		if err := t.locks.ReleaseAll(t.ID); err != nil {
			return errors.Annotate(err, "txn.Commit: clv release")
		}
	case ELRNone:
		// locks released below, after entering freeing-space
	}

	t.setState(StateFreeingSpace)
	if t.Core.elr == ELRNone {
		if err := t.locks.ReleaseAll(t.ID); err != nil {
			return errors.Annotate(err, "txn.Commit: release")
		}
	}
	t.Stream.mu.Lock()
	t.Stream.reservedForRollback = 0
	t.Stream.mu.Unlock()
	t.setState(StateEnded)
	mgr.forget(t.ID)
	return nil
}

// Abort rolls a transaction back: it replays the transaction's own log
// records backwards from last_lsn to first_lsn via the manager's
// UndoInterpreter (if one is installed), logging each compensation
// forward as it goes, then proceeds like Commit from the durability wait
// onward — a compensation-only commit is a logical no-op as far as the
// log is concerned.
func (mgr *Manager) Abort(t *Transaction) error {
	if t.State() != StateActive && t.State() != StateAborting {
		return zerr.New("txn.Abort", zerr.CodeInternal, nil)
	}
	t.setState(StateAborting)

	mgr.mu.RLock()
	undo := mgr.undo
	mgr.mu.RUnlock()
	if undo != nil {
		if err := mgr.replayBackward(t, undo); err != nil {
			return errors.Annotate(err, "txn.Abort: replay")
		}
	}

	abortLSN, err := t.Log([]byte{abortRecordKind})
	if err != nil {
		return errors.Annotate(err, "txn.Abort: log abort record")
	}
	t.log.WaitForDurable(abortLSN)

	t.setState(StateFreeingSpace)
	if err := t.locks.ReleaseAll(t.ID); err != nil {
		return errors.Annotate(err, "txn.Abort")
	}
	t.Stream.mu.Lock()
	t.Stream.reservedForRollback = 0
	t.Stream.mu.Unlock()
	t.setState(StateEnded)
	mgr.forget(t.ID)
	return nil
}

// replayBackward walks t's forward log records from last_lsn down to
// first_lsn, asking undo to interpret each one and logging whatever
// compensation it returns.
func (mgr *Manager) replayBackward(t *Transaction, undo UndoInterpreter) error {
	t.Stream.mu.Lock()
	cur := t.Stream.lastLSN
	first := t.Stream.firstLSN
	t.Stream.mu.Unlock()

	for cur.Valid() {
		compensation, prevLSN, err := undo.UndoOne(cur)
		if err != nil {
			return err
		}
		if compensation != nil {
			if _, err := t.LogUndoable(compensation, true); err != nil {
				return err
			}
		}
		if cur == first || !prevLSN.Valid() || prevLSN >= cur {
			break
		}
		cur = prevLSN
	}
	return nil
}
