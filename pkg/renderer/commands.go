package renderer

import (
	"time"

	"github.com/everything-os/shift/pkg/ids"
)

// RejectReason is a renderer-internal rejection for a swap request; the
// server translates it into a buffer_request_rejected wire error.
type RejectReason string

const (
	RejectUnknownMonitor RejectReason = "unknown_monitor"
	RejectUnlinkedBuffer RejectReason = "unlinked_buffer"
)

// ActiveTransition describes an in-progress animated session switch.
type ActiveTransition struct {
	FromSession   ids.SessionID
	ToSession     ids.SessionID
	AnimationName string
	StartedAt     time.Time
	Duration      time.Duration
}

// Progress returns elapsed/duration clamped to [0, 1] as of now.
func (t ActiveTransition) Progress(now time.Time) float64 {
	if t.Duration <= 0 {
		return 1
	}
	return clamp01(float64(now.Sub(t.StartedAt)) / float64(t.Duration))
}

// Command is a message sent from the server orchestrator to the renderer
// core over the in-process command channel.
type Command interface{ isCommand() }

type ShutdownCommand struct{}

func (ShutdownCommand) isCommand() {}

// FramebufferLinkCommand links both buffers of a (session, monitor)
// surface to freshly-exported DMA-BUFs.
type FramebufferLinkCommand struct {
	Monitor ids.MonitorID
	Session ids.SessionID
	Width   int32
	Height  int32
	Stride  int32
	Offset  int32
	Fourcc  int32
	// FDs holds exactly two plane-0 DMA-BUF fds, one per BufferIndex, in
	// index order. The renderer takes ownership of both.
	FDs [2]int
}

func (FramebufferLinkCommand) isCommand() {}

// SetActiveSessionCommand changes which session feeds the scan-out,
// optionally through an animated transition from the previous session.
type SetActiveSessionCommand struct {
	Session    *ids.SessionID
	Transition *ActiveTransition
}

func (SetActiveSessionCommand) isCommand() {}

type SessionRemovedCommand struct {
	Session ids.SessionID
}

func (SessionRemovedCommand) isCommand() {}

// SwapBuffersCommand forwards a client's buffer_request, already validated
// by the server, for the renderer to apply to its ownership ledger.
type SwapBuffersCommand struct {
	Monitor         ids.MonitorID
	Buffer          ids.BufferIndex
	Session         ids.SessionID
	AcquireFenceFD  int
	HasAcquireFence bool
}

func (SwapBuffersCommand) isCommand() {}

// MonitorOnlineCommand/MonitorOfflineCommand model DRM hot-plug, delivered
// to the renderer's command stream the same way the other commands are so
// a single select loop can dispatch all of them uniformly.
type MonitorOnlineCommand struct {
	Monitor ids.MonitorID
	Name    string
	Width   int32
	Height  int32
	Refresh int32
}

func (MonitorOnlineCommand) isCommand() {}

type MonitorOfflineCommand struct {
	Monitor ids.MonitorID
	Name    string
}

func (MonitorOfflineCommand) isCommand() {}

// Event is a message sent from the renderer core back to the server
// orchestrator over the in-process event channel.
type Event interface{ isEvent() }

type StartedEvent struct {
	Monitors []ids.MonitorID
}

func (StartedEvent) isEvent() {}

type MonitorOnlineEvent struct {
	Monitor ids.MonitorID
	Name    string
	Width   int32
	Height  int32
	Refresh int32
}

func (MonitorOnlineEvent) isEvent() {}

type MonitorOfflineEvent struct {
	Monitor ids.MonitorID
	Name    string
}

func (MonitorOfflineEvent) isEvent() {}

type BufferRequestAckEvent struct {
	Monitor ids.MonitorID
	Session ids.SessionID
	Buffer  ids.BufferIndex
}

func (BufferRequestAckEvent) isEvent() {}

type BufferRequestRejectedEvent struct {
	Monitor ids.MonitorID
	Session ids.SessionID
	Buffer  ids.BufferIndex
	Reason  RejectReason
}

func (BufferRequestRejectedEvent) isEvent() {}

// BufferConsumedEvent reports that a previously-current buffer has been
// fully drawn out of and may be released back to its owning client, along
// with a duplicated render fence (if the triggering commit produced one).
type BufferConsumedEvent struct {
	Monitor         ids.MonitorID
	Session         ids.SessionID
	Buffer          ids.BufferIndex
	ReleaseFenceFD  int
	HasReleaseFence bool
}

func (BufferConsumedEvent) isEvent() {}

type PageFlipEvent struct {
	Monitors []ids.MonitorID
}

func (PageFlipEvent) isEvent() {}

type FatalErrorEvent struct {
	Reason string
}

func (FatalErrorEvent) isEvent() {}
