// Command demo_engine exercises the storage-engine core end to end: mount
// a volume, create a store, fix its root page, run a transaction that
// logs a record, and commit.
package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/kevhong/zero/internal/catalog"
	"github.com/kevhong/zero/internal/common"
	"github.com/kevhong/zero/internal/engine"
	"github.com/kevhong/zero/internal/latch"
	"github.com/kevhong/zero/internal/options"
	"github.com/kevhong/zero/internal/txn"
)

// memDevice is a toy in-memory stand-in for the on-disk volume format.
type memDevice struct {
	mu    sync.Mutex
	pages map[common.PageNo][]byte
}

func newMemDevice() *memDevice { return &memDevice{pages: make(map[common.PageNo][]byte)} }

func (d *memDevice) ReadPage(vol common.VolID, page common.PageNo) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.pages[page]; ok {
		return b, nil
	}
	return make([]byte, common.PageSize), nil
}

func (d *memDevice) WritePage(vol common.VolID, page common.PageNo, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	d.pages[page] = cp
	return nil
}

// memLockManager is a toy stand-in for a full lock manager's internal
// hash table.
type memLockManager struct {
	mu    sync.Mutex
	heldBy map[uint64][]common.TxnID
}

func newMemLockManager() *memLockManager {
	return &memLockManager{heldBy: make(map[uint64][]common.TxnID)}
}

func (l *memLockManager) Acquire(t common.TxnID, resource uint64, exclusive bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.heldBy[resource] = append(l.heldBy[resource], t)
	return nil
}

func (l *memLockManager) ReleaseAll(t common.TxnID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for res, holders := range l.heldBy {
		kept := holders[:0]
		for _, h := range holders {
			if h != t {
				kept = append(kept, h)
			}
		}
		l.heldBy[res] = kept
	}
	return nil
}

func (l *memLockManager) MarkViolatable(t common.TxnID) error { return nil }

func main() {
	dataDir, err := os.MkdirTemp("", "zero-demo-*")
	if err != nil {
		fmt.Println("mkdtemp:", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dataDir)

	opts := options.Default()
	opts.BufferPoolSize = 64

	eng, err := engine.Open(dataDir, opts, newMemLockManager(), nil, txn.ELRShared)
	if err != nil {
		fmt.Println("open:", err)
		os.Exit(1)
	}
	defer eng.Close()

	const vol common.VolID = 1
	cat := eng.MountVolume(vol, newMemDevice())

	storeID, createLSN, err := cat.CreateStore(common.PageNoFirstData, catalog.FlagRegular)
	if err != nil {
		fmt.Println("create store:", err)
		os.Exit(1)
	}
	fmt.Printf("created store %d, root=%d, logged at %v\n", storeID, common.PageNoFirstData, createLSN)

	root, err := eng.Pool.FixVirginRoot(vol, storeID, common.PageNoFirstData)
	if err != nil {
		fmt.Println("fix virgin root:", err)
		os.Exit(1)
	}
	if err := root.SetDirty(createLSN); err != nil {
		fmt.Println("set dirty:", err)
		os.Exit(1)
	}
	root.Unfix()

	t := eng.Txns.Begin()
	if err := t.Lock(uint64(storeID), true); err != nil {
		fmt.Println("lock:", err)
		os.Exit(1)
	}
	lsn, err := t.Log([]byte("demo record"))
	if err != nil {
		fmt.Println("log:", err)
		os.Exit(1)
	}
	fmt.Printf("txn %d logged at %v\n", t.ID, lsn)

	if err := eng.Txns.Commit(t); err != nil {
		fmt.Println("commit:", err)
		os.Exit(1)
	}

	h, err := eng.Pool.FixRoot(vol, storeID, latch.Shared, false)
	if err != nil {
		fmt.Println("fix root:", err)
		os.Exit(1)
	}
	fmt.Printf("root frame %d dirty=%v\n", h.FrameIndex(), h.IsDirty())
	h.Unfix()

	fmt.Println("demo complete")
}
