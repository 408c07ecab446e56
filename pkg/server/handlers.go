package server

import (
	"time"

	"github.com/everything-os/shift/pkg/ids"
	"github.com/everything-os/shift/pkg/ledger"
	"github.com/everything-os/shift/pkg/renderer"
	"github.com/everything-os/shift/pkg/wireproto"
)

// HandleClientFrame decodes and applies one inbound wire frame. now is
// threaded through explicitly so tests can drive the state machine without
// real clocks.
func (o *Orchestrator) HandleClientFrame(client uint64, header string, payload []byte, fds []int, now time.Time) {
	switch header {
	case wireproto.HeaderAuth:
		o.handleAuth(client, payload, now)
	case wireproto.HeaderSessionCreate:
		o.handleSessionCreate(client, payload)
	case wireproto.HeaderSessionSwitch:
		o.handleSessionSwitch(client, payload, now)
	case wireproto.HeaderSessionReady:
		o.handleSessionReady(client, payload, now)
	case wireproto.HeaderBufferRequest:
		o.handleBufferRequest(client, payload, fds, now)
	case wireproto.HeaderFramebufferLink:
		o.handleFramebufferLink(client, payload, fds)
	default:
		closeFDs(fds)
		o.logger.Warn("unknown frame header", "client", client, "header", header)
	}
}

func (o *Orchestrator) handleAuth(client uint64, payload []byte, now time.Time) {
	var p wireproto.AuthPayload
	if err := wireproto.DecodePayload(payload, &p); err != nil {
		o.send(client, wireproto.HeaderAuthError, wireproto.AuthErrorPayload{Error: "malformed auth payload"})
		return
	}
	token, err := ParseToken(p.Token)
	if err != nil {
		o.send(client, wireproto.HeaderAuthError, wireproto.AuthErrorPayload{Error: "malformed token"})
		return
	}

	if o.adminToken.Equal(token) {
		session := &Session{ID: ids.NewSessionID(), Role: RoleAdmin, Stage: StageOccupied, Ready: true}
		o.bindClientSession(client, session)
		o.sendAuthOK(client, session)
		return
	}

	sessionID, ok := o.pendingTokens[token]
	if !ok {
		o.send(client, wireproto.HeaderAuthError, wireproto.AuthErrorPayload{Error: "unknown token"})
		return
	}
	session := o.sessions[sessionID]
	if session == nil || session.Stage != StagePending {
		o.send(client, wireproto.HeaderAuthError, wireproto.AuthErrorPayload{Error: "token already bound"})
		return
	}
	delete(o.pendingTokens, token)
	session.Stage = StageLoading
	o.bindClientSession(client, session)
	o.sendAuthOK(client, session)
	o.recomputeAwake(now)
}

func (o *Orchestrator) bindClientSession(client uint64, session *Session) {
	o.sessions[session.ID] = session
	o.clientSession[client] = session.ID
	o.sessionClient[session.ID] = client
}

func (o *Orchestrator) sendAuthOK(client uint64, session *Session) {
	o.send(client, wireproto.HeaderAuthOK, wireproto.AuthOKPayload{
		Session:  toWireSessionInfo(session),
		Monitors: o.monitorList(),
	})
}

func (o *Orchestrator) handleSessionCreate(client uint64, payload []byte) {
	requester := o.sessionForClient(client)
	if requester == nil || requester.Role != RoleAdmin {
		o.sendError(client, wireproto.ErrForbidden, "session_create requires the Admin role")
		return
	}
	var p wireproto.SessionCreatePayload
	if err := wireproto.DecodePayload(payload, &p); err != nil {
		o.sendError(client, wireproto.ErrForbidden, "malformed session_create payload")
		return
	}
	token, err := GenerateToken()
	if err != nil {
		o.logger.Error("generating session token failed", "err", err)
		o.sendError(client, wireproto.ErrRenderUnavailable, "could not allocate a session token")
		return
	}
	session := &Session{ID: ids.NewSessionID(), Role: Role(p.Role), DisplayName: p.DisplayName, Stage: StagePending}
	o.sessions[session.ID] = session
	o.pendingTokens[token] = session.ID

	o.send(client, wireproto.HeaderSessionCreated, wireproto.SessionCreatedPayload{
		Token:   token.String(),
		Session: toWireSessionInfo(session),
	})
}

func (o *Orchestrator) handleSessionSwitch(client uint64, payload []byte, now time.Time) {
	requester := o.sessionForClient(client)
	if requester == nil || requester.Role != RoleAdmin {
		o.sendError(client, wireproto.ErrForbidden, "session_switch requires the Admin role")
		return
	}
	var p wireproto.SessionSwitchPayload
	if err := wireproto.DecodePayload(payload, &p); err != nil {
		o.sendError(client, wireproto.ErrInvalidSessionID, "malformed session_switch payload")
		return
	}
	targetID, err := ids.ParseSessionID(p.SessionID)
	if err != nil {
		o.sendError(client, wireproto.ErrInvalidSessionID, "malformed session id")
		return
	}
	if err := o.switchActiveSession(targetID, p.Animation, p.DurationMS, now); err != nil {
		if perr, ok := err.(*wireproto.ProtocolError); ok {
			o.sendError(client, perr.Code, perr.Message)
			return
		}
		o.sendError(client, wireproto.ErrUnknownSession, err.Error())
	}
}

// switchActiveSession is the authorization-agnostic core of session_switch,
// reused by the debug auto-switch path, which has no requesting client.
func (o *Orchestrator) switchActiveSession(targetID ids.SessionID, animation *string, durationMS int64, now time.Time) error {
	target, ok := o.sessions[targetID]
	if !ok {
		return wireproto.NewProtocolError(wireproto.ErrUnknownSession, "")
	}
	if target.Role == RoleNormal && !target.Ready {
		return wireproto.NewProtocolError(wireproto.ErrSessionLoading, "target session is not ready")
	}

	previous := o.activeSession
	var transition *renderer.ActiveTransition
	if animation != nil && durationMS > 0 && previous != nil && *previous != targetID {
		duration := time.Duration(durationMS) * time.Millisecond
		o.awakeUntil[*previous] = now.Add(duration)
		transition = &renderer.ActiveTransition{
			FromSession:   *previous,
			ToSession:     targetID,
			AnimationName: *animation,
			StartedAt:     now,
			Duration:      duration,
		}
	}

	o.activeSession = &targetID
	o.commands <- renderer.SetActiveSessionCommand{Session: &targetID, Transition: transition}
	o.recomputeAwake(now)
	o.broadcastSessionActive(targetID)
	return nil
}

func (o *Orchestrator) broadcastSessionActive(session ids.SessionID) {
	o.broadcastAuthenticated(wireproto.HeaderSessionActive, wireproto.SessionIDPayload{SessionID: session.String()})
}

func (o *Orchestrator) handleSessionReady(client uint64, payload []byte, now time.Time) {
	requester := o.sessionForClient(client)
	if requester == nil {
		o.sendError(client, wireproto.ErrForbidden, "not authenticated")
		return
	}
	var p wireproto.SessionReadyPayload
	if err := wireproto.DecodePayload(payload, &p); err != nil {
		o.sendError(client, wireproto.ErrForbidden, "malformed session_ready payload")
		return
	}
	targetID, err := ids.ParseSessionID(p.SessionID)
	if err != nil || targetID != requester.ID {
		o.sendError(client, wireproto.ErrForbidden, "a session may only ready itself")
		return
	}
	if requester.Role == RoleAdmin {
		o.sendError(client, wireproto.ErrInvalidTransition, "Admin sessions have no loading/ready lifecycle")
		return
	}
	if requester.Stage != StageLoading {
		return
	}
	requester.Stage = StageOccupied
	requester.Ready = true
	o.recomputeAwake(now)
}

func (o *Orchestrator) handleBufferRequest(client uint64, payload []byte, fds []int, now time.Time) {
	session := o.sessionForClient(client)
	if session == nil {
		o.sendError(client, wireproto.ErrForbidden, "not authenticated")
		closeFDs(fds)
		return
	}
	var p wireproto.BufferRequestPayload
	if err := wireproto.DecodePayload(payload, &p); err != nil {
		o.sendError(client, wireproto.ErrBufferRequestRejected, "malformed buffer_request payload")
		closeFDs(fds)
		return
	}
	if !o.IsAwake(session.ID, now) {
		o.sendError(client, wireproto.ErrSessionSleeping, "")
		closeFDs(fds)
		return
	}
	monitorID, err := ids.ParseMonitorID(p.MonitorID)
	if err != nil {
		o.sendError(client, wireproto.ErrBufferRequestRejected, "malformed monitor id")
		closeFDs(fds)
		return
	}
	buffer := ids.BufferIndex(p.BufferIndex)
	key := pendingKey{Session: session.ID, Monitor: monitorID}
	if _, inflight := o.pending[key]; inflight {
		o.sendError(client, wireproto.ErrBufferRequestInflight, "")
		closeFDs(fds)
		return
	}
	slot := ids.NewBufferSlot(monitorID, session.ID, buffer)
	if owner, ok := o.owners[slot]; !ok || owner != ledger.ClientOwned {
		o.sendError(client, wireproto.ErrOwnershipViolation, "")
		closeFDs(fds)
		return
	}

	acquireFD := -1
	hasFence := false
	if len(fds) > 0 {
		acquireFD = fds[0]
		hasFence = true
	}
	o.pending[key] = &PendingBufferRequest{Client: client, Session: session.ID, Monitor: monitorID, Buffer: buffer, CreatedAt: now}
	o.commands <- renderer.SwapBuffersCommand{Monitor: monitorID, Buffer: buffer, Session: session.ID, AcquireFenceFD: acquireFD, HasAcquireFence: hasFence}
}

func (o *Orchestrator) handleFramebufferLink(client uint64, payload []byte, fds []int) {
	session := o.sessionForClient(client)
	if session == nil {
		o.sendError(client, wireproto.ErrForbidden, "not authenticated")
		closeFDs(fds)
		return
	}
	var p wireproto.FramebufferLinkPayload
	if err := wireproto.DecodePayload(payload, &p); err != nil {
		o.sendError(client, wireproto.ErrForbidden, "malformed framebuffer_link payload")
		closeFDs(fds)
		return
	}
	monitorID, err := ids.ParseMonitorID(p.MonitorID)
	if err != nil {
		o.sendError(client, wireproto.ErrForbidden, "malformed monitor id")
		closeFDs(fds)
		return
	}
	if len(fds) != 2 {
		o.sendError(client, wireproto.ErrForbidden, "framebuffer_link requires exactly two dmabuf fds")
		closeFDs(fds)
		return
	}

	// Optimistically mark both slots ClientOwned: there is no renderer ack
	// for a successful import, only an eventual buffer_request_rejected if
	// the import failed, at which point the ownership_violation check
	// above is moot (the slot stays absent from the renderer's own texture
	// cache and the rejection comes back as unlinked_buffer instead).
	o.owners[ids.NewBufferSlot(monitorID, session.ID, ids.BufferZero)] = ledger.ClientOwned
	o.owners[ids.NewBufferSlot(monitorID, session.ID, ids.BufferOne)] = ledger.ClientOwned

	o.commands <- renderer.FramebufferLinkCommand{
		Monitor: monitorID, Session: session.ID,
		Width: p.Width, Height: p.Height, Stride: p.Stride, Offset: p.Offset, Fourcc: p.Fourcc,
		FDs: [2]int{fds[0], fds[1]},
	}
}

// HandleRendererEvent applies one event from the renderer core to server
// state and fans out any resulting client notifications.
func (o *Orchestrator) HandleRendererEvent(ev renderer.Event, now time.Time) {
	switch v := ev.(type) {
	case renderer.StartedEvent:
		o.logger.Info("renderer started", "monitors", len(v.Monitors))
	case renderer.MonitorOnlineEvent:
		o.monitors[v.Monitor] = MonitorInfo{ID: v.Monitor, Name: v.Name, Width: v.Width, Height: v.Height, Refresh: v.Refresh}
		o.broadcastAuthenticated(wireproto.HeaderMonitorAdded, wireproto.MonitorAddedPayload{
			Monitor: wireproto.MonitorInfo{ID: v.Monitor.String(), Name: v.Name, Width: v.Width, Height: v.Height, RefreshRate: v.Refresh},
		})
	case renderer.MonitorOfflineEvent:
		delete(o.monitors, v.Monitor)
		for slot := range o.owners {
			if slot.Monitor == v.Monitor {
				delete(o.owners, slot)
			}
		}
		for key := range o.pending {
			if key.Monitor == v.Monitor {
				delete(o.pending, key)
			}
		}
		o.broadcastAuthenticated(wireproto.HeaderMonitorRemoved, wireproto.MonitorRemovedPayload{MonitorID: v.Monitor.String(), Name: v.Name})
	case renderer.BufferRequestAckEvent:
		o.handleBufferRequestAck(v)
	case renderer.BufferRequestRejectedEvent:
		o.handleBufferRequestRejected(v)
	case renderer.BufferConsumedEvent:
		o.handleBufferConsumed(v)
	case renderer.PageFlipEvent:
		// No server-visible state change; monitors_drawn is renderer-internal.
	case renderer.FatalErrorEvent:
		o.broadcastAuthenticated(wireproto.HeaderError, wireproto.ErrorPayload{Code: wireproto.ErrRenderUnavailable, Message: v.Reason})
		o.shutdown = true
	}
}

func (o *Orchestrator) handleBufferRequestAck(v renderer.BufferRequestAckEvent) {
	key := pendingKey{Session: v.Session, Monitor: v.Monitor}
	pr, ok := o.pending[key]
	if !ok || pr.Buffer != v.Buffer {
		return
	}
	delete(o.pending, key)
	o.owners[ids.NewBufferSlot(v.Monitor, v.Session, v.Buffer)] = ledger.ShiftOwned
	o.send(pr.Client, wireproto.HeaderBufferRequestAck, wireproto.BufferRequestAckPayload{
		MonitorID: v.Monitor.String(), BufferIndex: wireproto.BufferIndex(v.Buffer),
	})
}

func (o *Orchestrator) handleBufferRequestRejected(v renderer.BufferRequestRejectedEvent) {
	key := pendingKey{Session: v.Session, Monitor: v.Monitor}
	pr, ok := o.pending[key]
	if !ok || pr.Buffer != v.Buffer {
		return
	}
	delete(o.pending, key)
	o.sendError(pr.Client, wireproto.ErrBufferRequestRejected, string(v.Reason))
}

func (o *Orchestrator) handleBufferConsumed(v renderer.BufferConsumedEvent) {
	o.owners[ids.NewBufferSlot(v.Monitor, v.Session, v.Buffer)] = ledger.ClientOwned
	client, ok := o.sessionClient[v.Session]
	if !ok {
		if v.HasReleaseFence {
			closeFDs([]int{v.ReleaseFenceFD})
		}
		return
	}
	var fds []int
	if v.HasReleaseFence {
		fds = []int{v.ReleaseFenceFD}
	}
	o.send(client, wireproto.HeaderBufferRelease, wireproto.BufferReleasePayload{
		MonitorID: v.Monitor.String(), BufferIndex: wireproto.BufferIndex(v.Buffer),
	}, fds...)
}

func (o *Orchestrator) broadcastAuthenticated(header string, payload any) {
	for _, client := range o.sessionClient {
		o.send(client, header, payload)
	}
}

// ClientDisconnected tears down all state bound to client: its session is
// removed from the renderer and the registry, its ownership entries and
// pending requests are dropped, and if it was the active session the
// scan-out is cleared.
func (o *Orchestrator) ClientDisconnected(client uint64) {
	sessionID, ok := o.clientSession[client]
	delete(o.clientSession, client)
	if !ok {
		return
	}
	delete(o.sessionClient, sessionID)
	delete(o.sessions, sessionID)
	delete(o.awakeUntil, sessionID)
	delete(o.lastAwake, sessionID)

	for key := range o.pending {
		if key.Session == sessionID {
			delete(o.pending, key)
		}
	}
	for slot := range o.owners {
		if slot.Session == sessionID {
			delete(o.owners, slot)
		}
	}

	if o.activeSession != nil && *o.activeSession == sessionID {
		o.activeSession = nil
		o.commands <- renderer.SetActiveSessionCommand{Session: nil, Transition: nil}
	}
	o.commands <- renderer.SessionRemovedCommand{Session: sessionID}
}
