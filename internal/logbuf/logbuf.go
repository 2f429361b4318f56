// Package logbuf is the log-append fast path built on top of
// internal/carray: callers reserve space for one log record at a time,
// but the actual bump-allocation of the shared log buffer tail happens
// once per consolidated group, amortizing contention across however many
// threads joined that group.
//
// Durability itself (the background flush to the log file) is a
// mutex-guarded os.File opened append-only, flushed periodically by a
// background goroutine and on demand by Flush; WaitForDurable only waits
// for one of those to cover the given LSN. WriteFramed uses
// encoding/binary for a length-prefixed record framing.
package logbuf

import (
	"encoding/binary"
	"os"
	"sync"
	"sync/atomic"
	"time"

	gxbytes "github.com/dubbogo/gost/bytes"

	"github.com/kevhong/zero/internal/carray"
	"github.com/kevhong/zero/internal/common"
	"github.com/kevhong/zero/internal/options"
	"github.com/kevhong/zero/internal/zerr"
	"github.com/kevhong/zero/internal/zlog"
)

// Manager is the log buffer and its consolidation-array fast path.
type Manager struct {
	opts options.SMOptions

	buf []byte // circular; logical positions are absolute, wrapped by index()

	tail atomic.Int64 // next unreserved absolute byte position
	base atomic.Int64  // absolute position of buf[0]

	durableLSN atomic.Uint64
	curLSN     atomic.Uint64

	ca *carray.ConsolidationArray

	fileMu sync.Mutex
	file   *os.File

	flushMu   sync.Mutex
	flushCond *sync.Cond

	closeOnce sync.Once
	closeCh   chan struct{}
}

// Open creates a log manager backed by path, with a buffer of
// opts.LogBufSize bytes; bytes reserved but not yet flushed are capped at
// opts.LogSize.
func Open(path string, opts options.SMOptions) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, zerr.Wrap(err, "logbuf.Open")
	}
	m := &Manager{
		opts:    opts,
		buf:     make([]byte, opts.LogBufSize),
		ca:      carray.New(),
		file:    f,
		closeCh: make(chan struct{}),
	}
	m.flushCond = sync.NewCond(&m.flushMu)
	m.curLSN.Store(1)
	go m.backgroundFlush()
	return m, nil
}

func (m *Manager) index(pos int64) int64 {
	n := int64(len(m.buf))
	return ((pos % n) + n) % n
}

// Insert consolidates rec into the current group and returns its assigned
// LSN. It does not block for durability; call WaitForDurable(lsn) for
// that (the decoupled-buffer-fill / delegated-release split).
func (m *Manager) Insert(rec []byte) (common.LSN, error) {
	size := int32(len(rec))
	if int64(size) > int64(len(m.buf)) {
		return 0, zerr.New("logbuf.Insert", zerr.CodeOutOfLogSpace, nil)
	}

	slot, activeIdx, status := m.ca.JoinSlot(size)
	if carray.IsLeader(status) {
		m.runLeader(slot, activeIdx)
	} else {
		slot.WaitForLeader()
	}
	if slot.Err != nil {
		return 0, slot.Err
	}

	myOffset := atomic.AddInt64(&slot.Pos, int64(size)) - int64(size)
	dst := m.reserveScratch(size)
	defer gxbytes.PutBytes(dst)
	copy((*dst)[:size], rec)
	m.copyIntoBuf(slot.StartPos+myOffset, (*dst)[:size])

	// Read the group's LSN before finishing: the last finisher retires
	// the slot, after which it may be reset and reused.
	lsn := common.LSN(slot.LSN) + common.LSN(myOffset)
	lastToFinish := slot.JoinFinish(size)
	if lastToFinish {
		m.completeGroup(slot, activeIdx)
	}

	return lsn, nil
}

func (m *Manager) reserveScratch(size int32) *[]byte {
	return gxbytes.GetBytes(int(size))
}

// runLeader is called exactly once per group by the thread that observed
// itself as the sole joiner: it closes the slot to further joiners,
// reserves the group's byte range in the log tail, assigns the group's
// base LSN, and wakes every follower.
func (m *Manager) runLeader(slot *carray.Slot, activeIdx int) {
	closedStatus := m.ca.MarkPending(slot)
	total := carray.ExtractLogSize(closedStatus)

	start := m.tail.Add(int64(total)) - int64(total)
	capacity := int64(m.opts.LogSize)
	if capacity > 0 && start+int64(total)-m.base.Load() > capacity {
		slot.Err = zerr.New("logbuf.runLeader", zerr.CodeOutOfLogSpace, nil)
		slot.StartFinishing(total)
		slot.LeaderDone()
		return
	}

	slot.StartPos = start
	slot.LSN = int64(m.curLSN.Add(uint64(total))) - int64(total)
	slot.NewEnd = start + int64(total)
	slot.Pos = 0
	slot.StartFinishing(total)
	slot.LeaderDone()
}

// completeGroup runs once, on whichever thread's JoinFinish observed the
// group reach SlotFinished: it retires the slot back to the pool and
// wakes anyone blocked in WaitForDurable once the background flusher
// picks the bytes up.
func (m *Manager) completeGroup(slot *carray.Slot, activeIdx int) {
	m.ca.Retire(slot)
	m.ca.ReplaceActiveSlot(activeIdx)
	m.flushMu.Lock()
	m.flushCond.Broadcast()
	m.flushMu.Unlock()
}

func (m *Manager) copyIntoBuf(pos int64, data []byte) {
	for i, b := range data {
		m.buf[m.index(pos+int64(i))] = b
	}
}

// DurableLSN returns the highest LSN known to be durable on disk.
func (m *Manager) DurableLSN() common.LSN { return common.LSN(m.durableLSN.Load()) }

// CurLSN returns the next LSN that will be assigned.
func (m *Manager) CurLSN() common.LSN { return common.LSN(m.curLSN.Load()) }

// WaitForDurable blocks until lsn has been flushed to disk.
func (m *Manager) WaitForDurable(lsn common.LSN) {
	m.flushMu.Lock()
	for m.durableLSN.Load() < uint64(lsn) {
		m.flushCond.Wait()
	}
	m.flushMu.Unlock()
}

// Flush forces every reserved-but-not-yet-durable byte up to the current
// tail out to disk.
func (m *Manager) Flush() error {
	tail := m.tail.Load()
	base := m.base.Load()
	if tail == base {
		return nil
	}
	n := tail - base
	region := make([]byte, n)
	for i := int64(0); i < n; i++ {
		region[i] = m.buf[m.index(base+i)]
	}

	m.fileMu.Lock()
	_, err := m.file.Write(region)
	if err == nil {
		err = m.file.Sync()
	}
	m.fileMu.Unlock()
	if err != nil {
		return zerr.Wrap(err, "logbuf.Flush")
	}

	m.base.Store(tail)
	m.durableLSN.Store(m.curLSN.Load() - 1)
	m.flushMu.Lock()
	m.flushCond.Broadcast()
	m.flushMu.Unlock()
	return nil
}

func (m *Manager) backgroundFlush() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.Flush(); err != nil {
				zlog.Warnf("logbuf: background flush failed: %v", err)
			}
		case <-m.closeCh:
			return
		}
	}
}

// Close flushes any remaining bytes and closes the log file.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closeCh)
		if ferr := m.Flush(); ferr != nil {
			err = ferr
		}
		m.fileMu.Lock()
		cerr := m.file.Close()
		m.fileMu.Unlock()
		if err == nil {
			err = cerr
		}
	})
	return err
}

// WriteFramed appends a length-prefixed record directly, bypassing
// consolidation, for callers that log rarely enough that grouping
// wouldn't help: a big-endian uint32 length followed by the payload.
func WriteFramed(w *os.File, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
