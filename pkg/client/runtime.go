package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"

	"github.com/everything-os/shift/pkg/fence"
	"github.com/everything-os/shift/pkg/ids"
	"github.com/everything-os/shift/pkg/layout"
	"github.com/everything-os/shift/pkg/wireproto"
)

// AcquireFenceFunc produces the fd for a buffer_request's acquire fence: the
// sync-file the server/renderer must wait on before the GPU is safe to read
// the submitted buffer. Real GPU fence creation is out of scope; returning
// -1 submits the request with no fence (the renderer treats it as already
// signalled).
type AcquireFenceFunc func(monitor ids.MonitorID, buffer ids.BufferIndex) (int, error)

// Config configures a Runtime.
type Config struct {
	Logger        *slog.Logger
	Mode          RenderMode
	CreateAcquire AcquireFenceFunc
}

// Runtime drives one client session's connection: it authenticates,
// tracks the known monitor set and per-monitor swapchain, translates input
// frames, and schedules buffer_request/framebuffer_link traffic per Mode.
type Runtime struct {
	logger        *slog.Logger
	conn          *net.UnixConn
	app           Application
	mode          RenderMode
	createAcquire AcquireFenceFunc

	scheduler  *fence.Scheduler
	translator inputTranslator

	monitors   map[ids.MonitorID]wireproto.MonitorInfo
	swaps      map[ids.MonitorID]*Swapchain
	dirty      map[ids.MonitorID]struct{}
	inFlight   map[ids.MonitorID]ids.BufferIndex

	frames    chan wireproto.Frame
	readErrCh chan error
}

// Dial connects to the server's Unix socket at path, performs the auth
// handshake with token, and returns a Runtime ready for Run. It blocks
// until auth_ok or auth_error (a hello frame is skipped).
func Dial(path string, token string, app Application, cfg Config) (*Runtime, error) {
	addr := &net.UnixAddr{Name: path, Net: "unixpacket"}
	conn, err := net.DialUnix("unixpacket", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", path, err)
	}
	return authenticate(conn, token, app, cfg)
}

// NewRuntimeForTest performs the same auth handshake as Dial over an
// already-connected conn. Exported so package client_test can drive a
// Runtime over a socketpair without a real listening socket.
func NewRuntimeForTest(conn *net.UnixConn, app Application, cfg Config) (*Runtime, error) {
	return authenticate(conn, "", app, cfg)
}

func authenticate(conn *net.UnixConn, token string, app Application, cfg Config) (*Runtime, error) {
	r := newRuntime(conn, app, cfg)

	payload, err := wireproto.EncodePayload(wireproto.AuthPayload{Token: token})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := wireproto.WriteFrame(conn, wireproto.Frame{Header: wireproto.HeaderAuth, Payload: payload}); err != nil {
		conn.Close()
		return nil, err
	}

	for {
		f, err := wireproto.ReadFrame(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("client: auth handshake: %w", err)
		}
		switch f.Header {
		case wireproto.HeaderHello:
			continue
		case wireproto.HeaderAuthOK:
			var ok wireproto.AuthOKPayload
			if err := wireproto.DecodePayload(f.Payload, &ok); err != nil {
				conn.Close()
				return nil, err
			}
			r.applyMonitorSet(ok.Monitors)
			return r, nil
		case wireproto.HeaderAuthError:
			var errPayload wireproto.AuthErrorPayload
			_ = wireproto.DecodePayload(f.Payload, &errPayload)
			conn.Close()
			return nil, fmt.Errorf("client: auth rejected: %s", errPayload.Error)
		default:
			conn.Close()
			return nil, fmt.Errorf("client: unexpected frame %q before auth_ok", f.Header)
		}
	}
}

func newRuntime(conn *net.UnixConn, app Application, cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		logger:        logger,
		conn:          conn,
		app:           app,
		mode:          cfg.Mode,
		createAcquire: cfg.CreateAcquire,
		scheduler:     fence.New(),
		monitors:      make(map[ids.MonitorID]wireproto.MonitorInfo),
		swaps:         make(map[ids.MonitorID]*Swapchain),
		dirty:         make(map[ids.MonitorID]struct{}),
		inFlight:      make(map[ids.MonitorID]ids.BufferIndex),
		frames:        make(chan wireproto.Frame, 32),
		readErrCh:     make(chan error, 1),
	}
}

// AttachMonitor links a freshly allocated pair of buffers to monitor and
// sends framebuffer_link. Call this from HandleEvent after a
// MonitorAddedEvent, once the application has allocated its GBM buffers.
func (r *Runtime) AttachMonitor(monitor ids.MonitorID, zero, one BufferDescriptor) error {
	r.swaps[monitor] = NewSwapchain(zero, one)
	payload, err := wireproto.EncodePayload(wireproto.FramebufferLinkPayload{
		MonitorID: monitor.String(),
		Width:     zero.Width,
		Height:    zero.Height,
		Stride:    zero.Stride,
		Offset:    zero.Offset,
		Fourcc:    zero.Fourcc,
	})
	if err != nil {
		return err
	}
	return wireproto.WriteFrame(r.conn, wireproto.Frame{
		Header:  wireproto.HeaderFramebufferLink,
		Payload: payload,
		FDs:     []int{zero.FD, one.FD},
	})
}

// RequestRedraw marks monitor dirty for the next scheduling pass; only
// meaningful in Scheduled mode.
func (r *Runtime) RequestRedraw(monitor ids.MonitorID) {
	r.dirty[monitor] = struct{}{}
}

// SendInput forwards an input_event frame as-is (used by a host embedding
// the client inside something that already owns raw input capture).
func (r *Runtime) SendInput(ev wireproto.InputEvent) error {
	payload, err := wireproto.EncodePayload(ev)
	if err != nil {
		return err
	}
	return wireproto.WriteFrame(r.conn, wireproto.Frame{Header: wireproto.HeaderInputEvent, Payload: payload})
}

// Run drives the connection until ctx is cancelled or the connection fails.
func (r *Runtime) Run(ctx context.Context) error {
	go r.readLoop()

	r.scheduleAll()
	for {
		select {
		case <-ctx.Done():
			r.scheduler.Close()
			return ctx.Err()
		case err := <-r.readErrCh:
			r.scheduler.Close()
			return err
		case f := <-r.frames:
			if err := r.handleFrame(f); err != nil {
				r.scheduler.Close()
				return err
			}
			r.scheduleAll()
		case c := <-r.scheduler.Results():
			r.scheduler.Resolve(c)
		}
	}
}

func (r *Runtime) readLoop() {
	for {
		f, err := wireproto.ReadFrame(r.conn)
		if err != nil {
			r.readErrCh <- err
			return
		}
		r.frames <- f
	}
}

func (r *Runtime) applyMonitorSet(monitors []wireproto.MonitorInfo) {
	for _, m := range monitors {
		id, err := ids.ParseMonitorID(m.ID)
		if err != nil {
			r.logger.Warn("client: malformed monitor id from server", "id", m.ID)
			continue
		}
		r.monitors[id] = m
	}
	r.recomputePlacements()
}

func (r *Runtime) recomputePlacements() {
	specs := make([]layout.Spec, 0, len(r.monitors))
	for id, m := range r.monitors {
		specs = append(specs, layout.Spec{ID: id.String(), Width: m.Width, Height: m.Height})
	}
	r.translator.setPlacements(layout.Horizontal(specs))
}

func (r *Runtime) handleFrame(f wireproto.Frame) error {
	switch f.Header {
	case wireproto.HeaderHello, wireproto.HeaderAuthOK, wireproto.HeaderAuthError:
		r.logger.Debug("client: ignoring post-auth handshake frame", "header", f.Header)
		return nil

	case wireproto.HeaderSessionCreated, wireproto.HeaderSessionState:
		r.logger.Debug("client: session management frame", "header", f.Header)
		return nil

	case wireproto.HeaderSessionActive:
		for monitor := range r.monitors {
			r.dirty[monitor] = struct{}{}
		}
		return nil

	case wireproto.HeaderSessionAwake:
		r.app.HandleEvent(SessionAwakeEvent{})
		return nil

	case wireproto.HeaderSessionSleep:
		r.app.HandleEvent(SessionSleepEvent{})
		return nil

	case wireproto.HeaderMonitorAdded:
		var p wireproto.MonitorAddedPayload
		if err := wireproto.DecodePayload(f.Payload, &p); err != nil {
			return err
		}
		id, err := ids.ParseMonitorID(p.Monitor.ID)
		if err != nil {
			return err
		}
		r.monitors[id] = p.Monitor
		r.recomputePlacements()
		r.app.HandleEvent(MonitorAddedEvent{Monitor: id, Name: p.Monitor.Name, Width: p.Monitor.Width, Height: p.Monitor.Height, Refresh: p.Monitor.RefreshRate})
		return nil

	case wireproto.HeaderMonitorRemoved:
		var p wireproto.MonitorRemovedPayload
		if err := wireproto.DecodePayload(f.Payload, &p); err != nil {
			return err
		}
		id, err := ids.ParseMonitorID(p.MonitorID)
		if err != nil {
			return err
		}
		delete(r.monitors, id)
		delete(r.swaps, id)
		delete(r.dirty, id)
		delete(r.inFlight, id)
		r.recomputePlacements()
		r.app.HandleEvent(MonitorRemovedEvent{Monitor: id, Name: p.Name})
		return nil

	case wireproto.HeaderBufferRequestAck:
		return r.handleBufferAck(f)

	case wireproto.HeaderBufferRelease:
		return r.handleBufferRelease(f)

	case wireproto.HeaderInputEvent:
		var ev wireproto.InputEvent
		if err := wireproto.DecodePayload(f.Payload, &ev); err != nil {
			return err
		}
		for _, translated := range r.translator.translate(ev) {
			r.app.HandleEvent(translated)
		}
		return nil

	case wireproto.HeaderError:
		var p wireproto.ErrorPayload
		if err := wireproto.DecodePayload(f.Payload, &p); err != nil {
			return err
		}
		r.handleProtocolError(p)
		return nil

	default:
		r.logger.Warn("client: unknown frame header", "header", f.Header)
		return nil
	}
}

func (r *Runtime) handleProtocolError(p wireproto.ErrorPayload) {
	r.app.HandleEvent(ErrorEvent{Code: p.Code, Message: p.Message})
	switch p.Code {
	case wireproto.ErrOwnershipViolation, wireproto.ErrBufferRequestRejected, wireproto.ErrBufferRequestInflight:
		for monitor := range r.inFlight {
			if sc := r.swaps[monitor]; sc != nil {
				sc.Rollback()
			}
			delete(r.inFlight, monitor)
		}
	}
}

func (r *Runtime) handleBufferAck(f wireproto.Frame) error {
	var p wireproto.BufferRequestAckPayload
	if err := wireproto.DecodePayload(f.Payload, &p); err != nil {
		return err
	}
	monitor, err := ids.ParseMonitorID(p.MonitorID)
	if err != nil {
		return err
	}
	sc, ok := r.swaps[monitor]
	if !ok {
		return nil
	}
	idx := ids.BufferIndex(p.BufferIndex)
	sc.MarkBusy(idx)
	delete(r.inFlight, monitor)
	if r.mode == Eager {
		r.dirty[monitor] = struct{}{}
	}
	return nil
}

func (r *Runtime) handleBufferRelease(f wireproto.Frame) error {
	var p wireproto.BufferReleasePayload
	if err := wireproto.DecodePayload(f.Payload, &p); err != nil {
		return err
	}
	monitor, err := ids.ParseMonitorID(p.MonitorID)
	if err != nil {
		return err
	}
	idx := ids.BufferIndex(p.BufferIndex)

	if len(f.FDs) == 0 {
		r.completeRelease(monitor, idx)
		return nil
	}
	fds := f.FDs
	r.scheduler.Schedule(fds, fence.Any, func() {
		r.completeRelease(monitor, idx)
	})
	return nil
}

func (r *Runtime) completeRelease(monitor ids.MonitorID, idx ids.BufferIndex) {
	if sc, ok := r.swaps[monitor]; ok {
		sc.MarkReleased(idx)
	}
	r.app.HandleEvent(PresentEvent{Monitor: monitor, Buffer: idx})
}

// scheduleAll drives acquire/render/submit for every monitor that is ready
// to receive a new frame: in Eager mode, any monitor with a free buffer and
// no in-flight request; in Scheduled mode, only monitors in dirty.
func (r *Runtime) scheduleAll() {
	monitors := r.readyMonitors()
	sort.Slice(monitors, func(i, j int) bool { return monitors[i] < monitors[j] })
	for _, monitor := range monitors {
		r.scheduleOne(monitor)
	}
}

func (r *Runtime) readyMonitors() []ids.MonitorID {
	var candidates []ids.MonitorID
	if r.mode == Eager {
		for monitor := range r.swaps {
			candidates = append(candidates, monitor)
		}
	} else {
		for monitor := range r.dirty {
			candidates = append(candidates, monitor)
		}
	}
	return candidates
}

func (r *Runtime) scheduleOne(monitor ids.MonitorID) {
	delete(r.dirty, monitor)
	if _, busy := r.inFlight[monitor]; busy {
		return
	}
	sc, ok := r.swaps[monitor]
	if !ok {
		return
	}
	idx, _, ok := sc.AcquireNext()
	if !ok {
		return
	}
	r.app.HandleEvent(RenderEvent{Monitor: monitor, Buffer: idx})

	acquireFD := -1
	if r.createAcquire != nil {
		fd, err := r.createAcquire(monitor, idx)
		if err != nil {
			r.logger.Warn("client: acquire fence creation failed", "monitor", monitor, "error", err)
		} else {
			acquireFD = fd
		}
	}

	payload, err := wireproto.EncodePayload(wireproto.BufferRequestPayload{
		MonitorID:   monitor.String(),
		BufferIndex: wireproto.BufferIndex(idx),
	})
	if err != nil {
		sc.Rollback()
		return
	}
	frame := wireproto.Frame{Header: wireproto.HeaderBufferRequest, Payload: payload}
	if acquireFD >= 0 {
		frame.FDs = []int{acquireFD}
	}
	if err := wireproto.WriteFrame(r.conn, frame); err != nil {
		r.logger.Warn("client: buffer_request write failed", "monitor", monitor, "error", err)
		sc.Rollback()
		return
	}
	r.inFlight[monitor] = idx
}
