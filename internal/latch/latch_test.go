package latch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireNoneAlwaysSucceeds(t *testing.T) {
	l := New()
	ok, _ := l.Acquire(None, false)
	assert.True(t, ok)
}

func TestQModeNeverBlocksAndDoesNotBumpVersion(t *testing.T) {
	l := New()
	ok, _ := l.Acquire(Exclusive, false)
	require.True(t, ok)
	before := l.Version()
	l.Release(Exclusive)

	ok, ticket := l.Acquire(Q, false)
	require.True(t, ok)
	assert.Equal(t, before, ticket.version)
	assert.True(t, l.Validate(ticket))
}

func TestExclusiveAcquireBumpsVersionInvalidatingOutstandingTickets(t *testing.T) {
	l := New()
	_, ticket := l.Acquire(Q, false)
	assert.True(t, l.Validate(ticket))

	ok, _ := l.Acquire(Exclusive, false)
	require.True(t, ok)
	l.Release(Exclusive)

	assert.False(t, l.Validate(ticket), "ticket must be invalidated by an intervening exclusive acquire")
}

func TestConditionalSharedFailsUnderExclusive(t *testing.T) {
	l := New()
	ok, _ := l.Acquire(Exclusive, false)
	require.True(t, ok)
	defer l.Release(Exclusive)

	ok, _ = l.Acquire(Shared, true)
	assert.False(t, ok, "conditional shared acquire must not block under an exclusive holder")
}

func TestConditionalExclusiveFailsUnderShared(t *testing.T) {
	l := New()
	ok, _ := l.Acquire(Shared, false)
	require.True(t, ok)
	defer l.Release(Shared)

	ok, _ = l.Acquire(Exclusive, true)
	assert.False(t, ok)
}

func TestUpgradeConditionalSucceedsWhenSoleReader(t *testing.T) {
	l := New()
	ok, _ := l.Acquire(Shared, false)
	require.True(t, ok)

	before := l.Version()
	upgraded := l.UpgradeConditional()
	assert.True(t, upgraded)
	assert.Equal(t, before+1, l.Version())
	l.Release(Exclusive)
}

func TestUpgradeConditionalFailsWithAnotherReader(t *testing.T) {
	l := New()
	ok, _ := l.Acquire(Shared, false)
	require.True(t, ok)
	ok2, _ := l.Acquire(Shared, false)
	require.True(t, ok2)
	defer l.Release(Shared)

	upgraded := l.UpgradeConditional()
	assert.False(t, upgraded, "cannot upgrade while another reader is present")
	l.Release(Shared) // the other reader's SH
}

func TestUpgradeConditionalDoesNotBlockBehindAPendingWriter(t *testing.T) {
	l := New()
	ok, _ := l.Acquire(Shared, false)
	require.True(t, ok)
	ok2, _ := l.Acquire(Shared, false)
	require.True(t, ok2)

	writerBlocked := make(chan struct{})
	go func() {
		close(writerBlocked)
		ok, _ := l.Acquire(Exclusive, false)
		require.True(t, ok)
		l.Release(Exclusive)
	}()
	<-writerBlocked
	time.Sleep(5 * time.Millisecond) // let the writer actually start waiting

	done := make(chan bool, 1)
	go func() { done <- l.UpgradeConditional() }()

	select {
	case upgraded := <-done:
		assert.False(t, upgraded, "cannot upgrade while another reader is present")
	case <-time.After(time.Second):
		t.Fatal("UpgradeConditional blocked behind a pending writer")
	}

	l.Release(Shared)
	l.Release(Shared)
}

func TestDowngradeKeepsSharedAccess(t *testing.T) {
	l := New()
	ok, _ := l.Acquire(Exclusive, false)
	require.True(t, ok)
	l.Downgrade()

	ok2, _ := l.Acquire(Shared, true)
	assert.True(t, ok2, "after downgrade, another shared acquire must succeed")
	l.Release(Shared)
	l.Release(Shared)
}
