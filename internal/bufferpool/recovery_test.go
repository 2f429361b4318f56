package bufferpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevhong/zero/internal/common"
	"github.com/kevhong/zero/internal/latch"
)

func TestRegisterAndMarkThenInDoubtToDirty(t *testing.T) {
	p, vol := testPool(t, 16)
	idx, err := p.RegisterAndMark(vol, 300, 5)
	require.NoError(t, err)
	assert.True(t, p.IsInDoubt(idx))

	require.NoError(t, p.LoadForRedo(idx))
	p.InDoubtToDirty(idx)
	assert.False(t, p.IsInDoubt(idx))
	assert.True(t, p.frame(idx).Page.hasFlag(FlagDirty))
}

func TestRegisterAndMarkRejectsAlreadyPresentPage(t *testing.T) {
	p, vol := testPool(t, 16)
	const store common.StoreID = 1
	root, err := p.FixVirginRoot(vol, store, common.PageNoFirstData)
	require.NoError(t, err)
	root.Unfix()

	_, err = p.RegisterAndMark(vol, common.PageNoFirstData, 1)
	assert.Error(t, err)
}

func TestClearInDoubtFreesTheFrame(t *testing.T) {
	p, vol := testPool(t, 16)
	idx, err := p.RegisterAndMark(vol, 301, 1)
	require.NoError(t, err)

	p.ClearInDoubt(idx)
	assert.False(t, p.IsInDoubt(idx))
	assert.False(t, p.IsUsed(idx))

	_, ok := p.LookupInDoubt(vol, 301)
	assert.False(t, ok)
}

func TestFixBlocksWhileInDoubtAndUnblocksOnClear(t *testing.T) {
	p, vol := testPool(t, 16)
	idx, err := p.RegisterAndMark(vol, 302, 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		h, err := p.FixDirect(vol, common.ShPID(302), latch.Shared, false, false)
		if err == nil {
			h.Unfix()
		}
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("fix must block while the page is in doubt")
	default:
	}

	p.InDoubtToDirty(idx)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("fix did not unblock after InDoubtToDirty")
	}
}

func TestSetAndClearRecoveryAccess(t *testing.T) {
	p, vol := testPool(t, 16)
	const store common.StoreID = 1
	root, err := p.FixVirginRoot(vol, store, common.PageNoFirstData)
	require.NoError(t, err)
	idx := root.FrameIndex()
	root.Unfix()

	p.SetRecoveryAccess(idx)
	assert.True(t, p.IsRecoveryAccess(idx))
	p.ClearRecoveryAccess(idx)
	assert.False(t, p.IsRecoveryAccess(idx))
}

func TestForceUntilLSNWritesOnlyEligibleDirtyFrames(t *testing.T) {
	p, vol := testPool(t, 16)
	const store common.StoreID = 1
	root, err := p.FixVirginRoot(vol, store, common.PageNoFirstData)
	require.NoError(t, err)
	require.NoError(t, root.SetDirty(10))
	root.Unfix()

	require.NoError(t, p.ForceUntilLSN(5)) // below rec_lsn: must not force it yet
	h, err := p.FixRoot(vol, store, latch.Shared, false)
	require.NoError(t, err)
	assert.True(t, h.IsDirty(), "rec_lsn above upTo means the page should still be dirty")
	h.Unfix()

	require.NoError(t, p.ForceUntilLSN(10))
	h2, err := p.FixRoot(vol, store, latch.Shared, false)
	require.NoError(t, err)
	assert.False(t, h2.IsDirty(), "forcing at or above rec_lsn must clear the dirty flag")
	h2.Unfix()
}
