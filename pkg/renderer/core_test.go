package renderer_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/everything-os/shift/pkg/fence"
	"github.com/everything-os/shift/pkg/gpu"
	"github.com/everything-os/shift/pkg/ids"
	"github.com/everything-os/shift/pkg/renderer"
)

func pipeFD(t *testing.T) int {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC))
	t.Cleanup(func() { unix.Close(fds[0]) })
	return fds[1]
}

func newTestCore(t *testing.T) (*renderer.Core, chan renderer.Command, chan renderer.Event) {
	t.Helper()
	backend := gpu.Get(gpu.BackendSoftware)
	require.NoError(t, backend.Init())

	commands := make(chan renderer.Command, 16)
	events := make(chan renderer.Event, 64)
	core := renderer.New(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		backend,
		fence.New(),
		renderer.NewAnimationRegistry(),
		renderer.DefaultConfig(),
		commands,
		events,
	)
	return core, commands, events
}

func drainUntil[T any](t *testing.T, events chan renderer.Event, timeout time.Duration) T {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if v, ok := ev.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for event of type %T", zero)
			return zero
		}
	}
}

func TestCoreLinkAndSwapProducesAck(t *testing.T) {
	core, commands, events := newTestCore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- core.Run(ctx) }()

	drainUntil[renderer.StartedEvent](t, events, time.Second)

	monitor := ids.NewMonitorID()
	session := ids.NewSessionID()

	commands <- renderer.MonitorOnlineCommand{Monitor: monitor, Name: "eDP-1", Width: 1920, Height: 1080, Refresh: 60}
	drainUntil[renderer.MonitorOnlineEvent](t, events, time.Second)

	commands <- renderer.SetActiveSessionCommand{Session: &session}

	commands <- renderer.FramebufferLinkCommand{
		Monitor: monitor, Session: session,
		Width: 1920, Height: 1080, Stride: 7680,
		FDs: [2]int{pipeFD(t), pipeFD(t)},
	}

	commands <- renderer.SwapBuffersCommand{Monitor: monitor, Session: session, Buffer: ids.BufferZero}
	ack := drainUntil[renderer.BufferRequestAckEvent](t, events, time.Second)
	assert.Equal(t, monitor, ack.Monitor)
	assert.Equal(t, session, ack.Session)
	assert.Equal(t, ids.BufferZero, ack.Buffer)

	drainUntil[renderer.PageFlipEvent](t, events, time.Second)

	commands <- renderer.ShutdownCommand{}
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, renderer.ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ShutdownCommand")
	}
}

func TestCoreRejectsSwapForUnknownMonitor(t *testing.T) {
	core, commands, events := newTestCore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core.Run(ctx)

	drainUntil[renderer.StartedEvent](t, events, time.Second)

	commands <- renderer.SwapBuffersCommand{Monitor: ids.NewMonitorID(), Session: ids.NewSessionID(), Buffer: ids.BufferZero}
	rejected := drainUntil[renderer.BufferRequestRejectedEvent](t, events, time.Second)
	assert.Equal(t, renderer.RejectUnknownMonitor, rejected.Reason)
}

func TestCoreRejectsSwapForUnlinkedBuffer(t *testing.T) {
	core, commands, events := newTestCore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core.Run(ctx)

	drainUntil[renderer.StartedEvent](t, events, time.Second)

	monitor := ids.NewMonitorID()
	commands <- renderer.MonitorOnlineCommand{Monitor: monitor, Name: "eDP-1", Width: 1920, Height: 1080, Refresh: 60}
	drainUntil[renderer.MonitorOnlineEvent](t, events, time.Second)

	commands <- renderer.SwapBuffersCommand{Monitor: monitor, Session: ids.NewSessionID(), Buffer: ids.BufferZero}
	rejected := drainUntil[renderer.BufferRequestRejectedEvent](t, events, time.Second)
	assert.Equal(t, renderer.RejectUnlinkedBuffer, rejected.Reason)
}

func TestCoreFenceSignaledQueuesRelease(t *testing.T) {
	core, commands, events := newTestCore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- core.Run(ctx) }()

	drainUntil[renderer.StartedEvent](t, events, time.Second)

	monitor := ids.NewMonitorID()
	session := ids.NewSessionID()
	commands <- renderer.MonitorOnlineCommand{Monitor: monitor, Name: "eDP-1", Width: 1920, Height: 1080, Refresh: 60}
	drainUntil[renderer.MonitorOnlineEvent](t, events, time.Second)
	commands <- renderer.SetActiveSessionCommand{Session: &session}
	commands <- renderer.FramebufferLinkCommand{
		Monitor: monitor, Session: session,
		Width: 1920, Height: 1080, Stride: 7680,
		FDs: [2]int{pipeFD(t), pipeFD(t)},
	}

	// First swap with no fence establishes a current buffer immediately.
	commands <- renderer.SwapBuffersCommand{Monitor: monitor, Session: session, Buffer: ids.BufferZero}
	drainUntil[renderer.BufferRequestAckEvent](t, events, time.Second)
	drainUntil[renderer.PageFlipEvent](t, events, time.Second)

	// Second swap carries an acquire fence that signals immediately (a pipe
	// read end whose write end is already closed reports POLLHUP).
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC))
	unix.Close(fds[1])

	commands <- renderer.SwapBuffersCommand{Monitor: monitor, Session: session, Buffer: ids.BufferOne, AcquireFenceFD: fds[0], HasAcquireFence: true}
	drainUntil[renderer.BufferRequestAckEvent](t, events, time.Second)
	drainUntil[renderer.BufferConsumedEvent](t, events, 2*time.Second)

	commands <- renderer.ShutdownCommand{}
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, renderer.ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ShutdownCommand")
	}
}
