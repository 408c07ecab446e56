package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everything-os/shift/pkg/ids"
	"github.com/everything-os/shift/pkg/ledger"
)

func TestDoubleSwapCancelsPending(t *testing.T) {
	m := ledger.New()
	monitor := ids.NewMonitorID()
	session := ids.NewSessionID()
	m.SetCurrentSession(&session)

	res := m.ApplySwapRequest(monitor, session, ids.BufferZero, true)
	assert.False(t, res.CanceledPendingOK)
	assert.False(t, res.PreviousToReleaseOK)

	res = m.ApplySwapRequest(monitor, session, ids.BufferOne, true)
	require.True(t, res.CanceledPendingOK)
	assert.Equal(t, ids.BufferZero, *res.CanceledPending)
	assert.False(t, res.PreviousToReleaseOK)

	_, promoted := m.CurrentSlot(monitor)
	assert.False(t, promoted)

	prev, ok := m.ApplyAcquireFenceSignaled(ids.NewBufferSlot(monitor, session, ids.BufferOne))
	assert.False(t, ok)
	_ = prev

	slot, ok := m.CurrentSlot(monitor)
	require.True(t, ok)
	assert.Equal(t, ids.BufferOne, slot.Buffer)
}

func TestSwapWithoutFencePromotesImmediately(t *testing.T) {
	m := ledger.New()
	monitor := ids.NewMonitorID()
	session := ids.NewSessionID()
	m.SetCurrentSession(&session)

	res := m.ApplySwapRequest(monitor, session, ids.BufferZero, false)
	assert.False(t, res.PreviousToReleaseOK)
	slot, ok := m.CurrentSlot(monitor)
	require.True(t, ok)
	assert.Equal(t, ids.BufferZero, slot.Buffer)

	res = m.ApplySwapRequest(monitor, session, ids.BufferOne, false)
	require.True(t, res.PreviousToReleaseOK)
	assert.Equal(t, ids.BufferZero, *res.PreviousToRelease)
	slot, ok = m.CurrentSlot(monitor)
	require.True(t, ok)
	assert.Equal(t, ids.BufferOne, slot.Buffer)
}

// TestSwapThenSignalEquivalentToNoFence ports R2: applying a swap and then
// signalling its fence (with nothing superseding it) must reach the same
// state as applying the swap with has_acquire_fence=false up front.
func TestSwapThenSignalEquivalentToNoFence(t *testing.T) {
	monitor := ids.NewMonitorID()
	session := ids.NewSessionID()

	withFence := ledger.New()
	withFence.SetCurrentSession(&session)
	withFence.ApplySwapRequest(monitor, session, ids.BufferZero, true)
	withFence.ApplyAcquireFenceSignaled(ids.NewBufferSlot(monitor, session, ids.BufferZero))

	withoutFence := ledger.New()
	withoutFence.SetCurrentSession(&session)
	withoutFence.ApplySwapRequest(monitor, session, ids.BufferZero, false)

	slotA, okA := withFence.CurrentSlot(monitor)
	slotB, okB := withoutFence.CurrentSlot(monitor)
	require.True(t, okA)
	require.True(t, okB)
	assert.Equal(t, slotB, slotA)
}

func TestQueueReleaseDeduplicates(t *testing.T) {
	m := ledger.New()
	monitor := ids.NewMonitorID()
	session := ids.NewSessionID()

	m.QueueRelease(monitor, session, ids.BufferZero)
	m.QueueRelease(monitor, session, ids.BufferZero)
	m.QueueRelease(monitor, session, ids.BufferOne)

	releases := m.TakeDeferredReleases()
	assert.Len(t, releases, 2)
	assert.Empty(t, m.TakeDeferredReleases())
}

func TestCleanupMonitorAndSession(t *testing.T) {
	m := ledger.New()
	monitor := ids.NewMonitorID()
	otherMonitor := ids.NewMonitorID()
	session := ids.NewSessionID()
	m.SetCurrentSession(&session)

	m.ApplySwapRequest(monitor, session, ids.BufferZero, false)
	m.ApplySwapRequest(otherMonitor, session, ids.BufferZero, false)

	m.CleanupMonitor(monitor)
	_, ok := m.CurrentSlot(monitor)
	assert.False(t, ok)
	_, ok = m.CurrentSlotFor(otherMonitor, session)
	assert.True(t, ok)

	m.CleanupSession(session)
	_, ok = m.CurrentSlotFor(otherMonitor, session)
	assert.False(t, ok)
}
