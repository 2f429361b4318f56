// Package catalog is the store-node metadata catalog: a small array of
// per-store records (root page, flags, deleting state) living on one
// fixed page per volume, with every mutation logged before it is applied
// in memory. It follows an append-then-apply discipline for a
// catalog-specific operation log, guarded by a single short critical
// section.
package catalog

import (
	"sync"

	"github.com/kevhong/zero/internal/common"
	"github.com/kevhong/zero/internal/zerr"
)

// MaxStores bounds how many stores one volume's catalog page can track,
// standing in for the number of fixed-size store records that fit on one
// catalog page now that the page's exact on-disk layout is out of scope.
const MaxStores = 1024

// DeletingState is a store's lifecycle marker.
type DeletingState uint16

const (
	NotDeleting DeletingState = iota
	Deleting
	UnknownDeleting
)

// StoreFlags are a store's logging-attribute bits.
type StoreFlags uint16

const (
	FlagRegular StoreFlags = 1 << iota
	FlagTemp
	FlagLoad
	FlagInsert
)

// StoreNode is one store's metadata: its root page, logging flags, and
// deletion state. A zero-value StoreNode (root 0) means the store id is
// unused.
type StoreNode struct {
	Root     common.PageNo
	Flags    StoreFlags
	Deleting DeletingState
}

func (s StoreNode) inUse() bool { return s.Root != 0 }

// OpKind enumerates the loggable catalog mutations.
type OpKind int

const (
	OpCreateStore OpKind = iota
	OpDeleteStore
	OpSetDeleting
	OpSetStoreFlags
)

// Op is one catalog mutation, logged in full before being applied.
type Op struct {
	Kind     OpKind
	Store    common.StoreID
	Root     common.PageNo
	Flags    StoreFlags
	Deleting DeletingState
}

// Logger writes an already-serialized catalog operation to the log before
// it is applied, returning the LSN it was assigned. The catalog package
// does not know how records are framed on the wire; that is the Logger
// implementation's job (internal/engine frames ops for internal/logbuf).
type Logger interface {
	LogCatalogOp(vol common.VolID, op Op) (common.LSN, error)
}

// Catalog caches one volume's store-node page in memory: mostly-read,
// occasionally-written, protected by a
// single short-lived mutex rather than a lock manager entry, since intent
// locks on the volume are the caller's responsibility.
type Catalog struct {
	mu     sync.Mutex
	vol    common.VolID
	logger Logger
	nodes  [MaxStores]StoreNode
}

// New returns an empty catalog for vol, logging every mutation via logger.
func New(vol common.VolID, logger Logger) *Catalog {
	return &Catalog{vol: vol, logger: logger}
}

// RootPID returns store's root page, or 0 if the store is not in use.
func (c *Catalog) RootPID(store common.StoreID) common.PageNo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(store) >= MaxStores {
		return 0
	}
	return c.nodes[store].Root
}

// CopyStnode returns a copy of store's full metadata.
func (c *Catalog) CopyStnode(store common.StoreID) (StoreNode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(store) >= MaxStores {
		return StoreNode{}, false
	}
	return c.nodes[store], true
}

// MinUnusedStoreID returns the smallest store id not currently in use, or
// MaxStores if the catalog is full. Store id 0 is reserved and never
// returned.
func (c *Catalog) MinUnusedStoreID() common.StoreID {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 1; i < MaxStores; i++ {
		if !c.nodes[i].inUse() {
			return common.StoreID(i)
		}
	}
	return common.StoreID(MaxStores)
}

// AllUsedStoreIDs returns every store id currently in use.
func (c *Catalog) AllUsedStoreIDs() []common.StoreID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []common.StoreID
	for i := 1; i < MaxStores; i++ {
		if c.nodes[i].inUse() {
			out = append(out, common.StoreID(i))
		}
	}
	return out
}

// Apply logs op and then applies it in memory, atomically from the
// caller's perspective: logging happens first, so a crash between the
// two leaves nothing to redo that analysis wouldn't already replay.
func (c *Catalog) Apply(op Op) (common.LSN, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int(op.Store) >= MaxStores {
		return 0, zerr.New("catalog.Apply", zerr.CodeInternal, nil)
	}
	// Reject invalid ops before logging them, so nothing is logged that
	// is then not applied.
	switch op.Kind {
	case OpCreateStore:
		if c.nodes[op.Store].inUse() {
			return 0, zerr.New("catalog.Apply", zerr.CodeInternal, nil)
		}
	case OpDeleteStore, OpSetDeleting, OpSetStoreFlags:
	default:
		return 0, zerr.New("catalog.Apply", zerr.CodeInternal, nil)
	}

	lsn, err := c.logger.LogCatalogOp(c.vol, op)
	if err != nil {
		return 0, zerr.Wrap(err, "catalog.Apply")
	}

	switch op.Kind {
	case OpCreateStore:
		c.nodes[op.Store] = StoreNode{Root: op.Root, Flags: op.Flags, Deleting: NotDeleting}
	case OpDeleteStore:
		c.nodes[op.Store] = StoreNode{}
	case OpSetDeleting:
		c.nodes[op.Store].Deleting = op.Deleting
	case OpSetStoreFlags:
		c.nodes[op.Store].Flags = op.Flags
	default:
		return 0, zerr.New("catalog.Apply", zerr.CodeInternal, nil)
	}
	return lsn, nil
}

// CreateStore allocates the smallest unused store id, logs its creation,
// and returns it.
func (c *Catalog) CreateStore(root common.PageNo, flags StoreFlags) (common.StoreID, common.LSN, error) {
	store := c.MinUnusedStoreID()
	if int(store) >= MaxStores {
		return 0, 0, zerr.New("catalog.CreateStore", zerr.CodeInternal, nil)
	}
	lsn, err := c.Apply(Op{Kind: OpCreateStore, Store: store, Root: root, Flags: flags})
	if err != nil {
		return 0, 0, err
	}
	return store, lsn, nil
}

// DeleteStore removes store's metadata once its root and every page in it
// have already been freed.
func (c *Catalog) DeleteStore(store common.StoreID) (common.LSN, error) {
	return c.Apply(Op{Kind: OpDeleteStore, Store: store})
}

// SetDeleting logs and applies a store's deleting-state transition, for a
// caller that starts or finishes destroying a store.
func (c *Catalog) SetDeleting(store common.StoreID, state DeletingState) (common.LSN, error) {
	return c.Apply(Op{Kind: OpSetDeleting, Store: store, Deleting: state})
}

// SetStoreFlags logs and applies a change to a store's logging attribute
// flags.
func (c *Catalog) SetStoreFlags(store common.StoreID, flags StoreFlags) (common.LSN, error) {
	return c.Apply(Op{Kind: OpSetStoreFlags, Store: store, Flags: flags})
}
