package bufferpool

import (
	"sync"

	"github.com/kevhong/zero/internal/common"
)

// StorageProvider is the on-disk volume format's contract with the
// buffer pool; the volume format itself is an external collaborator and
// only this interface is specified here.
type StorageProvider interface {
	ReadPage(vol common.VolID, page common.PageNo) ([]byte, error)
	WritePage(vol common.VolID, page common.PageNo, data []byte) error
}

// RecoveryProvider is the recovery driver's contract with the buffer
// pool for single-page recovery: given a page's identity and the LSN it
// must be rolled forward to, reconstruct its bytes from a backup image
// plus the page's per-page log chain.
type RecoveryProvider interface {
	RecoverPage(vol common.VolID, page common.PageNo, upToEMLSN common.LSN) ([]byte, common.LSN, error)
}

// VolumeDescriptor is the per-mounted-volume state the buffer pool keeps:
// root frame indices for each store, plus the device backing it.
type VolumeDescriptor struct {
	Vol    common.VolID
	mu     sync.RWMutex
	roots  map[common.StoreID]uint32
	Device StorageProvider
}

func newVolumeDescriptor(vol common.VolID, device StorageProvider) *VolumeDescriptor {
	return &VolumeDescriptor{Vol: vol, roots: make(map[common.StoreID]uint32), Device: device}
}

func (v *VolumeDescriptor) rootFrame(store common.StoreID) (uint32, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	idx, ok := v.roots[store]
	return idx, ok
}

func (v *VolumeDescriptor) setRootFrame(store common.StoreID, idx uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.roots[store] = idx
}
