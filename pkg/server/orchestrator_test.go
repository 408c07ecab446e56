package server_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everything-os/shift/pkg/ids"
	"github.com/everything-os/shift/pkg/renderer"
	"github.com/everything-os/shift/pkg/server"
	"github.com/everything-os/shift/pkg/wireproto"
)

type harness struct {
	t          *testing.T
	o          *server.Orchestrator
	commands   chan renderer.Command
	events     chan renderer.Event
	frames     chan server.ClientFrame
	outbound   chan server.Outbound
	adminToken server.Token
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	adminToken, err := server.GenerateToken()
	require.NoError(t, err)

	h := &harness{
		t:          t,
		commands:   make(chan renderer.Command, 64),
		events:     make(chan renderer.Event, 64),
		frames:     make(chan server.ClientFrame, 64),
		outbound:   make(chan server.Outbound, 64),
		adminToken: adminToken,
	}
	h.o = server.New(slog.New(slog.NewTextHandler(io.Discard, nil)), server.Config{
		AdminToken: adminToken,
		Commands:   h.commands,
		Events:     h.events,
		Frames:     h.frames,
		Outbound:   h.outbound,
	})
	return h
}

func (h *harness) frame(client uint64, header string, payload any, fds ...int) {
	h.t.Helper()
	raw, err := wireproto.EncodePayload(payload)
	require.NoError(h.t, err)
	h.o.HandleClientFrame(client, header, raw, fds, time.Now())
}

func (h *harness) drainOutbound() []server.Outbound {
	var out []server.Outbound
	for {
		select {
		case o := <-h.outbound:
			out = append(out, o)
		default:
			return out
		}
	}
}

func (h *harness) authAsAdmin(client uint64) {
	h.t.Helper()
	h.frame(client, wireproto.HeaderAuth, wireproto.AuthPayload{Token: h.adminToken.String()})
	h.drainOutbound()
}

func TestAuthAdminSucceeds(t *testing.T) {
	h := newHarness(t)
	h.frame(1, wireproto.HeaderAuth, wireproto.AuthPayload{Token: h.adminToken.String()})
	out := h.drainOutbound()
	require.Len(t, out, 1)
	assert.Equal(t, wireproto.HeaderAuthOK, out[0].Header)
}

func TestAuthUnknownTokenFails(t *testing.T) {
	h := newHarness(t)
	other, err := server.GenerateToken()
	require.NoError(t, err)
	h.frame(1, wireproto.HeaderAuth, wireproto.AuthPayload{Token: other.String()})
	out := h.drainOutbound()
	require.Len(t, out, 1)
	assert.Equal(t, wireproto.HeaderAuthError, out[0].Header)
}

func TestSessionCreateRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	// Unauthenticated client 1 attempts session_create.
	h.frame(1, wireproto.HeaderSessionCreate, wireproto.SessionCreatePayload{Role: wireproto.RoleNormal})
	out := h.drainOutbound()
	require.Len(t, out, 1)
	assert.Equal(t, wireproto.HeaderError, out[0].Header)
	assert.Equal(t, wireproto.ErrForbidden, out[0].Payload.(wireproto.ErrorPayload).Code)
}

// fullNormalSessionBind authenticates client 1 as Admin, creates a Normal
// session, and authenticates client 2 with the resulting token, returning
// the new session's id.
func fullNormalSessionBind(t *testing.T, h *harness) ids.SessionID {
	t.Helper()
	h.authAsAdmin(1)

	h.frame(1, wireproto.HeaderSessionCreate, wireproto.SessionCreatePayload{Role: wireproto.RoleNormal, DisplayName: "demo"})
	out := h.drainOutbound()
	require.Len(t, out, 1)
	created := out[0].Payload.(wireproto.SessionCreatedPayload)

	// Binding moves the session to Loading, which is awake, so auth_ok is
	// followed by a session_awake notification.
	h.frame(2, wireproto.HeaderAuth, wireproto.AuthPayload{Token: created.Token})
	out = h.drainOutbound()
	require.Len(t, out, 2)
	assert.Equal(t, wireproto.HeaderAuthOK, out[0].Header)
	assert.Equal(t, wireproto.HeaderSessionAwake, out[1].Header)

	sessionID, err := ids.ParseSessionID(created.Session.ID)
	require.NoError(t, err)
	return sessionID
}

func TestSessionLifecycleReadyAndSwitch(t *testing.T) {
	h := newHarness(t)
	sessionID := fullNormalSessionBind(t, h)

	// Loading sessions are awake: a buffer_request before session_ready
	// should NOT be rejected with session_sleeping (resolves the spec's
	// first open question in favor of "Loading sessions are awake").
	assert.True(t, h.o.IsAwake(sessionID, time.Now()))

	h.frame(2, wireproto.HeaderSessionReady, wireproto.SessionReadyPayload{SessionID: sessionID.String()})
	h.drainOutbound()

	animation := "slide_left"
	h.frame(1, wireproto.HeaderSessionSwitch, wireproto.SessionSwitchPayload{SessionID: sessionID.String(), Animation: &animation, DurationMS: 200})
	out := h.drainOutbound()

	var sawActive bool
	for _, o := range out {
		if o.Header == wireproto.HeaderSessionActive {
			sawActive = true
		}
	}
	assert.True(t, sawActive)

	select {
	case cmd := <-h.commands:
		setActive, ok := cmd.(renderer.SetActiveSessionCommand)
		require.True(t, ok)
		require.NotNil(t, setActive.Session)
		assert.Equal(t, sessionID, *setActive.Session)
	default:
		t.Fatal("expected a SetActiveSessionCommand")
	}
}

func TestSessionSwitchToNotReadySessionReportsSessionLoading(t *testing.T) {
	h := newHarness(t)
	sessionID := fullNormalSessionBind(t, h)
	// sessionID is Loading, not Ready; switching to it before session_ready
	// must report session_loading, not invalid_transition.

	h.frame(1, wireproto.HeaderSessionSwitch, wireproto.SessionSwitchPayload{SessionID: sessionID.String()})
	out := h.drainOutbound()
	require.Len(t, out, 1)
	assert.Equal(t, wireproto.HeaderError, out[0].Header)
	assert.Equal(t, wireproto.ErrSessionLoading, out[0].Payload.(wireproto.ErrorPayload).Code)
}

func TestSessionReadyRejectsAdminSession(t *testing.T) {
	h := newHarness(t)
	h.frame(1, wireproto.HeaderAuth, wireproto.AuthPayload{Token: h.adminToken.String()})
	out := h.drainOutbound()
	require.Len(t, out, 1)
	adminSessionID := out[0].Payload.(wireproto.AuthOKPayload).Session.ID

	h.frame(1, wireproto.HeaderSessionReady, wireproto.SessionReadyPayload{SessionID: adminSessionID})
	out = h.drainOutbound()
	require.Len(t, out, 1)
	assert.Equal(t, wireproto.ErrInvalidTransition, out[0].Payload.(wireproto.ErrorPayload).Code)
}

func TestSessionReadyRejectsOtherSessions(t *testing.T) {
	h := newHarness(t)
	fullNormalSessionBind(t, h)

	h.frame(2, wireproto.HeaderSessionReady, wireproto.SessionReadyPayload{SessionID: ids.NewSessionID().String()})
	out := h.drainOutbound()
	require.Len(t, out, 1)
	assert.Equal(t, wireproto.ErrForbidden, out[0].Payload.(wireproto.ErrorPayload).Code)
}

func TestBufferRequestRejectsSleepingSession(t *testing.T) {
	h := newHarness(t)
	h.authAsAdmin(1)

	// Client 2's Normal session readies itself, leaving Loading (always
	// awake) for Occupied; it is not active and holds no awake-until
	// grant, so it is now asleep.
	sessionID := fullNormalSessionBind(t, h)
	h.frame(2, wireproto.HeaderSessionReady, wireproto.SessionReadyPayload{SessionID: sessionID.String()})
	h.drainOutbound()

	monitor := ids.NewMonitorID()
	h.o.HandleRendererEvent(renderer.MonitorOnlineEvent{Monitor: monitor, Name: "eDP-1", Width: 1920, Height: 1080, Refresh: 60}, time.Now())
	h.drainOutbound()

	h.frame(2, wireproto.HeaderBufferRequest, wireproto.BufferRequestPayload{MonitorID: monitor.String(), BufferIndex: 0})
	out := h.drainOutbound()
	require.Len(t, out, 1)
	assert.Equal(t, wireproto.ErrSessionSleeping, out[0].Payload.(wireproto.ErrorPayload).Code)
}

func TestBufferRequestFullRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.authAsAdmin(1)
	sessionID := fullNormalSessionBind(t, h)

	monitor := ids.NewMonitorID()
	h.o.HandleRendererEvent(renderer.MonitorOnlineEvent{Monitor: monitor, Name: "eDP-1", Width: 1920, Height: 1080, Refresh: 60}, time.Now())
	h.drainOutbound()

	h.frame(2, wireproto.HeaderFramebufferLink, wireproto.FramebufferLinkPayload{MonitorID: monitor.String(), Width: 1920, Height: 1080, Stride: 7680}, 10, 11)
	select {
	case cmd := <-h.commands:
		_, ok := cmd.(renderer.FramebufferLinkCommand)
		require.True(t, ok)
	default:
		t.Fatal("expected FramebufferLinkCommand")
	}

	// Normal session is Loading (hence awake) right after bind.
	h.frame(2, wireproto.HeaderBufferRequest, wireproto.BufferRequestPayload{MonitorID: monitor.String(), BufferIndex: 0})
	select {
	case cmd := <-h.commands:
		swap, ok := cmd.(renderer.SwapBuffersCommand)
		require.True(t, ok)
		assert.Equal(t, sessionID, swap.Session)
	default:
		t.Fatal("expected SwapBuffersCommand")
	}

	// A second request for the same (session, monitor) while the first is
	// inflight must be rejected with buffer_request_inflight.
	h.frame(2, wireproto.HeaderBufferRequest, wireproto.BufferRequestPayload{MonitorID: monitor.String(), BufferIndex: 1})
	out := h.drainOutbound()
	require.Len(t, out, 1)
	assert.Equal(t, wireproto.ErrBufferRequestInflight, out[0].Payload.(wireproto.ErrorPayload).Code)

	h.o.HandleRendererEvent(renderer.BufferRequestAckEvent{Monitor: monitor, Session: sessionID, Buffer: ids.BufferZero}, time.Now())
	out = h.drainOutbound()
	require.Len(t, out, 1)
	assert.Equal(t, wireproto.HeaderBufferRequestAck, out[0].Header)

	h.o.HandleRendererEvent(renderer.BufferConsumedEvent{Monitor: monitor, Session: sessionID, Buffer: ids.BufferZero}, time.Now())
	out = h.drainOutbound()
	require.Len(t, out, 1)
	assert.Equal(t, wireproto.HeaderBufferRelease, out[0].Header)
}

func TestBufferRequestOwnershipViolation(t *testing.T) {
	h := newHarness(t)
	h.authAsAdmin(1)
	fullNormalSessionBind(t, h)

	monitor := ids.NewMonitorID()
	h.o.HandleRendererEvent(renderer.MonitorOnlineEvent{Monitor: monitor, Name: "eDP-1", Width: 1920, Height: 1080, Refresh: 60}, time.Now())
	h.drainOutbound()

	// No framebuffer_link has happened, so the slot has no recorded owner.
	h.frame(2, wireproto.HeaderBufferRequest, wireproto.BufferRequestPayload{MonitorID: monitor.String(), BufferIndex: 0})
	out := h.drainOutbound()
	require.Len(t, out, 1)
	assert.Equal(t, wireproto.ErrOwnershipViolation, out[0].Payload.(wireproto.ErrorPayload).Code)
}

func TestAckTimeoutReportsRenderUnavailable(t *testing.T) {
	h := newHarness(t)
	h.authAsAdmin(1)
	fullNormalSessionBind(t, h)

	monitor := ids.NewMonitorID()
	h.o.HandleRendererEvent(renderer.MonitorOnlineEvent{Monitor: monitor, Name: "eDP-1", Width: 1920, Height: 1080, Refresh: 60}, time.Now())
	h.drainOutbound()
	h.frame(2, wireproto.HeaderFramebufferLink, wireproto.FramebufferLinkPayload{MonitorID: monitor.String(), Width: 1920, Height: 1080, Stride: 7680}, 10, 11)
	<-h.commands

	now := time.Now()
	h.frame(2, wireproto.HeaderBufferRequest, wireproto.BufferRequestPayload{MonitorID: monitor.String(), BufferIndex: 0})
	<-h.commands

	h.o.Tick(now.Add(server.AckTimeout + time.Millisecond))
	out := h.drainOutbound()
	require.Len(t, out, 1)
	assert.Equal(t, wireproto.ErrRenderUnavailable, out[0].Payload.(wireproto.ErrorPayload).Code)
}

func TestClientDisconnectTearsDownSession(t *testing.T) {
	h := newHarness(t)
	h.authAsAdmin(1)
	sessionID := fullNormalSessionBind(t, h)

	h.o.ClientDisconnected(2)

	select {
	case cmd := <-h.commands:
		removed, ok := cmd.(renderer.SessionRemovedCommand)
		require.True(t, ok)
		assert.Equal(t, sessionID, removed.Session)
	default:
		t.Fatal("expected SessionRemovedCommand")
	}

	// The session is gone, so it can no longer ready itself.
	h.frame(2, wireproto.HeaderSessionReady, wireproto.SessionReadyPayload{SessionID: sessionID.String()})
	out := h.drainOutbound()
	require.Len(t, out, 1)
	assert.Equal(t, wireproto.ErrForbidden, out[0].Payload.(wireproto.ErrorPayload).Code)
}

func TestDebugAutoSwitchSwitchesToClientlessSession(t *testing.T) {
	commands := make(chan renderer.Command, 16)
	events := make(chan renderer.Event, 16)
	frames := make(chan server.ClientFrame, 16)
	outbound := make(chan server.Outbound, 16)

	o := server.New(slog.New(slog.NewTextHandler(io.Discard, nil)), server.Config{
		Commands:             commands,
		Events:               events,
		Frames:               frames,
		Outbound:             outbound,
		DebugAutoSwitch:      true,
		DebugAutoSwitchAfter: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- o.Run(ctx, time.Hour) }()

	select {
	case cmd := <-commands:
		_, ok := cmd.(renderer.SetActiveSessionCommand)
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected a SetActiveSessionCommand from the debug auto-switch")
	}

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
