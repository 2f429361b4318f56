// Package engine is the single process-wide handle that wires together
// one buffer pool, one log/consolidation array, one catalog per mounted
// volume, and one transaction manager.
package engine

import (
	"encoding/binary"
	"path/filepath"
	"sync"

	"github.com/kevhong/zero/internal/bufferpool"
	"github.com/kevhong/zero/internal/catalog"
	"github.com/kevhong/zero/internal/common"
	"github.com/kevhong/zero/internal/logbuf"
	"github.com/kevhong/zero/internal/options"
	"github.com/kevhong/zero/internal/txn"
	"github.com/kevhong/zero/internal/zerr"
	"github.com/kevhong/zero/internal/zlog"
)

// Engine is the top-level storage-engine core: it owns the buffer pool,
// the log, and one catalog per mounted volume, and hands out transactions.
type Engine struct {
	Opts options.SMOptions
	Pool *bufferpool.Pool
	Log  *logbuf.Manager
	Txns *txn.Manager

	catalogsMu sync.RWMutex
	catalogs   map[common.VolID]*catalog.Catalog
}

// Open starts an engine rooted at dataDir, with no volumes mounted yet.
func Open(dataDir string, opts options.SMOptions, locks txn.LockManager, recovery bufferpool.RecoveryProvider, elrMode txn.ELRMode) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	lm, err := logbuf.Open(filepath.Join(dataDir, "log"), opts)
	if err != nil {
		return nil, zerr.Wrap(err, "engine.Open")
	}
	e := &Engine{
		Opts:     opts,
		Pool:     bufferpool.New(opts, recovery),
		Log:      lm,
		catalogs: make(map[common.VolID]*catalog.Catalog),
	}
	txns, err := txn.NewManager(locks, lm, elrMode, opts.TxnLogReservation)
	if err != nil {
		return nil, zerr.Wrap(err, "engine.Open")
	}
	e.Txns = txns
	zlog.Infof("engine: opened at %s (pool=%d frames, elr=%v)", dataDir, opts.BufferPoolSize, elrMode)
	return e, nil
}

// MountVolume installs vol's storage device in the buffer pool and starts
// tracking its store-node catalog.
func (e *Engine) MountVolume(vol common.VolID, device bufferpool.StorageProvider) *catalog.Catalog {
	e.Pool.InstallVolume(vol, device)
	cat := catalog.New(vol, catalogLogger{e})
	e.catalogsMu.Lock()
	e.catalogs[vol] = cat
	e.catalogsMu.Unlock()
	return cat
}

// Catalog returns vol's store-node catalog, if mounted.
func (e *Engine) Catalog(vol common.VolID) (*catalog.Catalog, bool) {
	e.catalogsMu.RLock()
	defer e.catalogsMu.RUnlock()
	c, ok := e.catalogs[vol]
	return c, ok
}

// UnmountVolume forgets vol's catalog and uninstalls it from the pool.
func (e *Engine) UnmountVolume(vol common.VolID) {
	e.catalogsMu.Lock()
	delete(e.catalogs, vol)
	e.catalogsMu.Unlock()
	e.Pool.UninstallVolume(vol)
}

// Close flushes the log and shuts the engine down.
func (e *Engine) Close() error {
	return e.Log.Close()
}

// catalogLogger adapts Engine's log to catalog.Logger, framing each
// operation as a small fixed binary record (kind, store, root, flags,
// deleting) ahead of the Insert call.
type catalogLogger struct{ e *Engine }

func (l catalogLogger) LogCatalogOp(vol common.VolID, op catalog.Op) (common.LSN, error) {
	rec := make([]byte, 2+2+4+4+2+2)
	binary.BigEndian.PutUint16(rec[0:2], uint16(vol))
	binary.BigEndian.PutUint16(rec[2:4], uint16(op.Kind))
	binary.BigEndian.PutUint32(rec[4:8], uint32(op.Store))
	binary.BigEndian.PutUint32(rec[8:12], uint32(op.Root))
	binary.BigEndian.PutUint16(rec[12:14], uint16(op.Flags))
	binary.BigEndian.PutUint16(rec[14:16], uint16(op.Deleting))
	return l.e.Log.Insert(rec)
}
