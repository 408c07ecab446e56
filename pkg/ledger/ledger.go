// Package ledger implements the renderer-side ownership ledger: the single
// source of truth for per-slot buffer ownership and per-surface
// current/pending buffer state. It answers "what should I draw now?" and
// "what must I release after commit?" for the renderer core.
package ledger

import (
	"github.com/everything-os/shift/pkg/ids"
)

// SlotOwner records who is allowed to write into a given buffer slot.
type SlotOwner int

const (
	ClientOwned SlotOwner = iota
	ShiftOwned
)

func (o SlotOwner) String() string {
	if o == ClientOwned {
		return "client_owned"
	}
	return "shift_owned"
}

// MonitorSurfaceState is the current/pending buffer state of one (monitor,
// session) surface. pending is always distinct from current when both are
// set, and there is at most one pending buffer at a time.
type MonitorSurfaceState struct {
	CurrentBuffer *ids.BufferIndex
	PendingBuffer *ids.BufferIndex
}

type surfaceKey struct {
	monitor ids.MonitorID
	session ids.SessionID
}

// DeferredRelease is a (monitor, session, buffer) slot that the renderer
// must hand back to the client once the next DRM commit produces a fence.
type DeferredRelease struct {
	Monitor ids.MonitorID
	Session ids.SessionID
	Buffer  ids.BufferIndex
}

// SwapApplyResult reports the side effects of ApplySwapRequest that the
// caller must act on: cancel a stale fence waiter and/or queue a release.
type SwapApplyResult struct {
	CanceledPending    *ids.BufferIndex
	PreviousToRelease  *ids.BufferIndex
	PreviousToReleaseOK bool
	CanceledPendingOK  bool
}

// Manager is the renderer-side ownership ledger. It is not safe for
// concurrent use; callers must own it from the renderer's single task, per
// the single-threaded-cooperative scheduling model.
type Manager struct {
	currentSession *ids.SessionID
	surfaces       map[surfaceKey]*MonitorSurfaceState
	owners         map[ids.BufferSlot]SlotOwner
	deferred       []DeferredRelease
}

// New returns an empty ledger with no current session.
func New() *Manager {
	return &Manager{
		surfaces: make(map[surfaceKey]*MonitorSurfaceState),
		owners:   make(map[ids.BufferSlot]SlotOwner),
	}
}

// CurrentSession returns the session currently fed to the scan-out, if any.
func (m *Manager) CurrentSession() (ids.SessionID, bool) {
	if m.currentSession == nil {
		return 0, false
	}
	return *m.currentSession, true
}

// SetCurrentSession changes which session feeds the scan-out.
func (m *Manager) SetCurrentSession(session *ids.SessionID) {
	m.currentSession = session
}

func (m *Manager) surfaceEntry(monitor ids.MonitorID, session ids.SessionID) *MonitorSurfaceState {
	key := surfaceKey{monitor, session}
	s, ok := m.surfaces[key]
	if !ok {
		s = &MonitorSurfaceState{}
		m.surfaces[key] = s
	}
	return s
}

func (m *Manager) surfaceLookup(monitor ids.MonitorID, session ids.SessionID) (*MonitorSurfaceState, bool) {
	s, ok := m.surfaces[surfaceKey{monitor, session}]
	return s, ok
}

// EnsureSurfaceEntries lazily creates MonitorSurfaceState entries for the
// current session on each given monitor, so later lookups need not special
// case a missing surface.
func (m *Manager) EnsureSurfaceEntries(monitors []ids.MonitorID) {
	if m.currentSession == nil {
		return
	}
	for _, monitor := range monitors {
		m.surfaceEntry(monitor, *m.currentSession)
	}
}

// CurrentSlot returns the slot to draw for the current session on monitor,
// if one is set.
func (m *Manager) CurrentSlot(monitor ids.MonitorID) (ids.BufferSlot, bool) {
	if m.currentSession == nil {
		return ids.BufferSlot{}, false
	}
	return m.CurrentSlotFor(monitor, *m.currentSession)
}

// CurrentSlotFor returns the current slot for an explicit session, used by
// transitions that need both the outgoing and incoming session's buffers.
func (m *Manager) CurrentSlotFor(monitor ids.MonitorID, session ids.SessionID) (ids.BufferSlot, bool) {
	state, ok := m.surfaceLookup(monitor, session)
	if !ok || state.CurrentBuffer == nil {
		return ids.BufferSlot{}, false
	}
	return ids.NewBufferSlot(monitor, session, *state.CurrentBuffer), true
}

// Owner returns the recorded owner of a slot, if known.
func (m *Manager) Owner(slot ids.BufferSlot) (SlotOwner, bool) {
	owner, ok := m.owners[slot]
	return owner, ok
}

// MarkClientOwned records slot as owned by the client.
func (m *Manager) MarkClientOwned(slot ids.BufferSlot) {
	m.owners[slot] = ClientOwned
}

// MarkShiftOwned records slot as owned by the compositor.
func (m *Manager) MarkShiftOwned(slot ids.BufferSlot) {
	m.owners[slot] = ShiftOwned
}

// ApplySwapRequest applies a client-initiated swap: the new buffer becomes
// shift-owned and pending; if no acquire fence was supplied the promotion
// to current happens immediately (R2 equivalence with a later
// ApplyAcquireFenceSignaled call carrying no fence).
func (m *Manager) ApplySwapRequest(monitor ids.MonitorID, session ids.SessionID, buffer ids.BufferIndex, hasAcquireFence bool) SwapApplyResult {
	var result SwapApplyResult

	if state, ok := m.surfaceLookup(monitor, session); ok && state.PendingBuffer != nil && *state.PendingBuffer != buffer {
		canceled := *state.PendingBuffer
		result.CanceledPending = &canceled
		result.CanceledPendingOK = true
	}

	m.MarkShiftOwned(ids.NewBufferSlot(monitor, session, buffer))

	state := m.surfaceEntry(monitor, session)
	previous := state.CurrentBuffer
	b := buffer
	state.PendingBuffer = &b

	if hasAcquireFence {
		return result
	}

	state.CurrentBuffer = &b
	state.PendingBuffer = nil
	if previous != nil && *previous != buffer {
		prev := *previous
		result.PreviousToRelease = &prev
		result.PreviousToReleaseOK = true
	}
	return result
}

// ApplyAcquireFenceSignaled promotes a pending buffer to current once its
// acquire fence has signalled. A signal for a slot that is no longer
// pending (superseded by a later swap) is ignored.
func (m *Manager) ApplyAcquireFenceSignaled(slot ids.BufferSlot) (previous ids.BufferIndex, ok bool) {
	state, exists := m.surfaceLookup(slot.Monitor, slot.Session)
	if !exists || state.PendingBuffer == nil || *state.PendingBuffer != slot.Buffer {
		return ids.BufferIndex(0), false
	}
	prev := state.CurrentBuffer
	b := slot.Buffer
	state.CurrentBuffer = &b
	state.PendingBuffer = nil
	if prev != nil && *prev != slot.Buffer {
		return *prev, true
	}
	return ids.BufferIndex(0), false
}

// QueueRelease inserts a deferred release, deduplicated by (monitor,
// session, buffer) so repeated calls are idempotent.
func (m *Manager) QueueRelease(monitor ids.MonitorID, session ids.SessionID, buffer ids.BufferIndex) {
	for _, item := range m.deferred {
		if item.Monitor == monitor && item.Session == session && item.Buffer == buffer {
			return
		}
	}
	m.deferred = append(m.deferred, DeferredRelease{Monitor: monitor, Session: session, Buffer: buffer})
}

// TakeDeferredReleases drains and returns the deferred-release queue. Called
// after each successful DRM commit.
func (m *Manager) TakeDeferredReleases() []DeferredRelease {
	out := m.deferred
	m.deferred = nil
	return out
}

// CleanupMonitor drops all ledger state referencing monitor, used when a
// monitor goes offline.
func (m *Manager) CleanupMonitor(monitor ids.MonitorID) {
	for slot := range m.owners {
		if slot.Monitor == monitor {
			delete(m.owners, slot)
		}
	}
	filtered := m.deferred[:0]
	for _, item := range m.deferred {
		if item.Monitor != monitor {
			filtered = append(filtered, item)
		}
	}
	m.deferred = filtered
	for key := range m.surfaces {
		if key.monitor == monitor {
			delete(m.surfaces, key)
		}
	}
}

// CleanupSession drops all ledger state referencing session, used when a
// session is removed.
func (m *Manager) CleanupSession(session ids.SessionID) {
	for slot := range m.owners {
		if slot.Session == session {
			delete(m.owners, slot)
		}
	}
	for key := range m.surfaces {
		if key.session == session {
			delete(m.surfaces, key)
		}
	}
	filtered := m.deferred[:0]
	for _, item := range m.deferred {
		if item.Session != session {
			filtered = append(filtered, item)
		}
	}
	m.deferred = filtered
}
