// Package common holds the identifiers and small value types shared by
// every layer of the storage-engine core: LSNs, page/store/volume ids, and
// the swizzled-pointer encoding.
package common

import "fmt"

// LSN is a log sequence number. Zero is "no LSN yet".
type LSN uint64

// NullLSN is the sentinel meaning "never logged".
const NullLSN LSN = 0

func (l LSN) Valid() bool { return l != NullLSN }

func (l LSN) String() string { return fmt.Sprintf("lsn(%d)", uint64(l)) }

// VolID identifies a mounted volume.
type VolID uint16

// StoreID identifies a B-tree (store) within a volume. Store id 0 is
// reserved by the store-node catalog.
type StoreID uint32

// PageNo is a page's position within its volume file.
type PageNo uint32

// ShPID is a 32-bit page identifier that is either a true on-disk page
// number or, when the high bit is set, a swizzled in-memory frame index.
type ShPID uint32

// SwizzledBit marks a ShPID as holding a frame index rather than a page
// number.
const SwizzledBit ShPID = 0x80000000

// IsSwizzled reports whether shpid currently encodes a frame index.
func IsSwizzled(shpid ShPID) bool {
	return shpid&SwizzledBit != 0
}

// AsFrameIndex strips the swizzle bit, returning the frame index the
// pointer encodes. Caller must already know IsSwizzled(shpid).
func AsFrameIndex(shpid ShPID) uint32 {
	return uint32(shpid &^ SwizzledBit)
}

// SwizzledPID encodes frame index idx as a swizzled ShPID.
func SwizzledPID(idx uint32) ShPID {
	return ShPID(idx) | SwizzledBit
}

// PageID is the full (volume, page-number) identity of a page.
type PageID struct {
	Vol  VolID
	Page PageNo
}

func (p PageID) String() string { return fmt.Sprintf("page(%d.%d)", p.Vol, p.Page) }

// BFKey is the hashtable key for (volume, page). Swizzled pages are never
// stored in the hashtable so this key is only ever built from a true page
// number.
type BFKey uint64

func MakeBFKey(vol VolID, page PageNo) BFKey {
	return BFKey(uint64(vol)<<32 | uint64(page))
}

func (k BFKey) Bytes() []byte {
	b := make([]byte, 8)
	v := uint64(k)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// PageSize is the fixed page size used throughout the engine.
const PageSize = 8192

// Reserved volume page numbers.
const (
	PageNoVolumeHeader    PageNo = 1
	PageNoAllocationBMap  PageNo = 2
	PageNoStoreNodeCatalo PageNo = 3
	PageNoFirstData       PageNo = 4
)

// TxnID identifies a transaction for the lifetime of the process.
type TxnID uint64

// GeneralRecordID identifies a child slot within a page for swizzling
// purposes: 0 is pid0, -1 is the foster child, >0 is a normal slot.
type GeneralRecordID int32

const (
	SlotPID0   GeneralRecordID = 0
	SlotFoster GeneralRecordID = -1
	SlotNone   GeneralRecordID = -2
)
