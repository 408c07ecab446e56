// Package server implements the Server Orchestration component (spec.md
// §4.4): session registry and lifecycle, token-based authentication,
// authorization, the authoritative BufferOwner table, the awake set, and
// translation between client wire messages and renderer commands/events.
//
// Orchestrator holds all of this state and is driven by three input
// streams funnelled through Run's single select loop, mirroring the
// single-threaded cooperative model the renderer core also uses: client
// frames (HandleClientFrame), renderer events (HandleRendererEvent), and a
// periodic Tick for awake-set pruning and ack-timeout enforcement. This
// keeps every state mutation on one goroutine with no locking.
package server

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/everything-os/shift/pkg/ids"
	"github.com/everything-os/shift/pkg/ledger"
	"github.com/everything-os/shift/pkg/renderer"
	"github.com/everything-os/shift/pkg/wireproto"
)

// AckTimeout is how long the server waits for a renderer BufferRequestAck
// before reporting render_unavailable to the requesting client.
const AckTimeout = 250 * time.Millisecond

// MonitorInfo mirrors renderer.MonitorInfo; the server keeps its own copy
// so it can answer auth_ok with the current monitor list without querying
// the renderer synchronously.
type MonitorInfo struct {
	ID      ids.MonitorID
	Name    string
	Width   int32
	Height  int32
	Refresh int32
}

type pendingKey struct {
	Session ids.SessionID
	Monitor ids.MonitorID
}

// PendingBufferRequest tracks one inflight buffer_request awaiting a
// renderer ack or rejection.
type PendingBufferRequest struct {
	Client    uint64
	Session   ids.SessionID
	Monitor   ids.MonitorID
	Buffer    ids.BufferIndex
	CreatedAt time.Time
}

// Outbound is one message the orchestrator wants delivered to a client
// connection; the wire-connection layer drains this channel and encodes
// each message with wireproto.
type Outbound struct {
	Client  uint64
	Header  string
	Payload any
	FDs     []int
}

// Orchestrator is the server's single authoritative state machine.
type Orchestrator struct {
	logger     *slog.Logger
	adminToken Token

	sessions      map[ids.SessionID]*Session
	pendingTokens map[Token]ids.SessionID
	clientSession map[uint64]ids.SessionID
	sessionClient map[ids.SessionID]uint64

	monitors map[ids.MonitorID]MonitorInfo
	owners   map[ids.BufferSlot]ledger.SlotOwner
	pending  map[pendingKey]*PendingBufferRequest

	activeSession *ids.SessionID
	awakeUntil    map[ids.SessionID]time.Time
	lastAwake     map[ids.SessionID]bool

	shutdown bool

	commands chan<- renderer.Command
	events   <-chan renderer.Event
	frames   <-chan ClientFrame
	outbound chan<- Outbound

	debugAutoSwitch      bool
	debugAutoSwitchAfter time.Duration
	debugSession         *ids.SessionID
}

// ClientFrame is one decoded inbound wire frame, submitted to the
// orchestrator by the connection that received it. A frame with
// Disconnected set carries no header/payload; it tells the orchestrator
// that connection has gone away so teardown happens on the same single
// goroutine as every other state mutation, rather than racing it from the
// connection's own reader goroutine.
type ClientFrame struct {
	Client       uint64
	Header       string
	Payload      []byte
	FDs          []int
	Disconnected bool
}

// Config wires an Orchestrator to its three channels. Commands and
// outbound are owned by the caller; Orchestrator only ever sends on them.
type Config struct {
	AdminToken Token
	Commands   chan<- renderer.Command
	Events     <-chan renderer.Event
	Frames     <-chan ClientFrame
	Outbound   chan<- Outbound

	// DebugAutoSwitch creates a second, clientless Normal session at
	// startup and switches to it after DebugAutoSwitchAfter, exercising
	// the switch path without a second real client connected.
	DebugAutoSwitch      bool
	DebugAutoSwitchAfter time.Duration
}

func New(logger *slog.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		logger:        logger,
		adminToken:    cfg.AdminToken,
		sessions:      make(map[ids.SessionID]*Session),
		pendingTokens: make(map[Token]ids.SessionID),
		clientSession: make(map[uint64]ids.SessionID),
		sessionClient: make(map[ids.SessionID]uint64),
		monitors:      make(map[ids.MonitorID]MonitorInfo),
		owners:        make(map[ids.BufferSlot]ledger.SlotOwner),
		pending:       make(map[pendingKey]*PendingBufferRequest),
		awakeUntil:    make(map[ids.SessionID]time.Time),
		lastAwake:     make(map[ids.SessionID]bool),
		commands:      cfg.Commands,
		events:        cfg.Events,
		frames:        cfg.Frames,
		outbound:      cfg.Outbound,

		debugAutoSwitch:      cfg.DebugAutoSwitch,
		debugAutoSwitchAfter: cfg.DebugAutoSwitchAfter,
	}
}

// CreateDebugSession registers a clientless, already-Ready Normal session
// for the debug auto-switch path to target.
func (o *Orchestrator) CreateDebugSession(displayName string) ids.SessionID {
	session := &Session{ID: ids.NewSessionID(), Role: RoleNormal, DisplayName: displayName, Stage: StageOccupied, Ready: true}
	o.sessions[session.ID] = session
	return session.ID
}

// Run drains frames and renderer events until ctx is cancelled or a
// FatalErrorEvent is observed, pruning awake state and ack timeouts once
// per tick interval in between.
func (o *Orchestrator) Run(ctx context.Context, tickInterval time.Duration) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var debugSwitch <-chan time.Time
	if o.debugAutoSwitch {
		id := o.CreateDebugSession("debug-session")
		o.debugSession = &id
		timer := time.NewTimer(o.debugAutoSwitchAfter)
		defer timer.Stop()
		debugSwitch = timer.C
	}

	for {
		if o.shutdown {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-o.frames:
			if !ok {
				return nil
			}
			if frame.Disconnected {
				o.ClientDisconnected(frame.Client)
				continue
			}
			o.HandleClientFrame(frame.Client, frame.Header, frame.Payload, frame.FDs, time.Now())
		case ev, ok := <-o.events:
			if !ok {
				return nil
			}
			o.HandleRendererEvent(ev, time.Now())
		case now := <-ticker.C:
			o.Tick(now)
		case now := <-debugSwitch:
			debugSwitch = nil
			if o.debugSession != nil {
				if err := o.switchActiveSession(*o.debugSession, nil, 0, now); err != nil {
					o.logger.Warn("debug auto-switch failed", "err", err)
				}
			}
		}
	}
}

func (o *Orchestrator) sessionForClient(client uint64) *Session {
	id, ok := o.clientSession[client]
	if !ok {
		return nil
	}
	return o.sessions[id]
}

func (o *Orchestrator) send(client uint64, header string, payload any, fds ...int) {
	o.outbound <- Outbound{Client: client, Header: header, Payload: payload, FDs: fds}
}

func (o *Orchestrator) sendError(client uint64, code wireproto.ErrorCode, message string) {
	o.send(client, wireproto.HeaderError, wireproto.ErrorPayload{Code: code, Message: message})
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

func toWireSessionInfo(s *Session) wireproto.SessionInfo {
	return wireproto.SessionInfo{ID: s.ID.String(), Role: wireproto.Role(s.Role), Ready: s.Ready, DisplayName: s.DisplayName}
}

func (o *Orchestrator) monitorList() []wireproto.MonitorInfo {
	out := make([]wireproto.MonitorInfo, 0, len(o.monitors))
	for _, m := range o.monitors {
		out = append(out, wireproto.MonitorInfo{ID: m.ID.String(), Name: m.Name, Width: m.Width, Height: m.Height, RefreshRate: m.Refresh})
	}
	return out
}

// IsAwake reports whether session may request buffers at time now: it is
// the active session, a still-Loading session, or within its awake-until
// grace period.
func (o *Orchestrator) IsAwake(session ids.SessionID, now time.Time) bool {
	if o.activeSession != nil && *o.activeSession == session {
		return true
	}
	if s, ok := o.sessions[session]; ok && s.Stage == StageLoading {
		return true
	}
	if until, ok := o.awakeUntil[session]; ok && now.Before(until) {
		return true
	}
	return false
}

func (o *Orchestrator) recomputeAwake(now time.Time) {
	for id := range o.sessions {
		awake := o.IsAwake(id, now)
		if o.lastAwake[id] == awake {
			continue
		}
		o.lastAwake[id] = awake
		client, ok := o.sessionClient[id]
		if !ok {
			continue
		}
		if awake {
			o.send(client, wireproto.HeaderSessionAwake, wireproto.SessionIDPayload{SessionID: id.String()})
		} else {
			o.send(client, wireproto.HeaderSessionSleep, wireproto.SessionIDPayload{SessionID: id.String()})
		}
	}
	for id, until := range o.awakeUntil {
		if !now.Before(until) {
			delete(o.awakeUntil, id)
		}
	}
}

// Tick prunes expired awake grants and times out pending buffer requests
// that the renderer has not acked within AckTimeout.
func (o *Orchestrator) Tick(now time.Time) {
	o.recomputeAwake(now)
	for key, pr := range o.pending {
		if now.Sub(pr.CreatedAt) > AckTimeout {
			delete(o.pending, key)
			o.sendError(pr.Client, wireproto.ErrRenderUnavailable, "renderer did not ack buffer_request in time")
		}
	}
}
