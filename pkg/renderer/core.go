// Package renderer implements the Renderer Core (spec.md §4.3): the
// DMA-BUF import cache, fence scheduler wiring, per-frame draw (direct or
// transition-animated), page-flip commit, and release-fence emission.
//
// The main loop structure and command/event handling are grounded in
// original_source/shift/src/rendering_layer/mod.rs; GPU/DRM access is
// abstracted behind pkg/gpu so the loop can run against the software stub
// backend without real bindings present.
package renderer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/everything-os/shift/pkg/fence"
	"github.com/everything-os/shift/pkg/gpu"
	"github.com/everything-os/shift/pkg/ids"
	"github.com/everything-os/shift/pkg/ledger"
)

// ErrShutdown is returned by Run after a ShutdownCommand has been handled.
var ErrShutdown = errors.New("renderer: shutdown requested")

// MonitorInfo is the renderer's record of a known output.
type MonitorInfo struct {
	ID      ids.MonitorID
	Name    string
	Width   int32
	Height  int32
	Refresh int32
}

// Config tunes the renderer core's ambient behavior.
type Config struct {
	// DebugFDGuard enables the debug-build fd-leak sanity check described
	// in spec.md §4.3. Checked at most once per second.
	DebugFDGuard      bool
	DebugFDGuardLimit int
	TickBackstop      time.Duration
}

// DefaultConfig returns the spec's stated defaults: no fd guard, a 2ms
// timeout backstop when nothing was committed this tick.
func DefaultConfig() Config {
	return Config{TickBackstop: 2 * time.Millisecond}
}

// Core is the renderer's single-threaded cooperative main loop.
type Core struct {
	logger     *slog.Logger
	backend    gpu.Backend
	ledger     *ledger.Manager
	scheduler  *fence.Scheduler
	animations *AnimationRegistry
	cfg        Config

	commands <-chan Command
	events   chan<- Event

	monitors     map[ids.MonitorID]MonitorInfo
	textures     map[ids.BufferSlot]gpu.Image
	fenceWaiters map[ids.BufferSlot]fence.Handle

	transition *ActiveTransition

	lastFDGuardCheck time.Time
}

// New constructs a Core. commands is read-only from the renderer's point of
// view; events is write-only.
func New(logger *slog.Logger, backend gpu.Backend, scheduler *fence.Scheduler, animations *AnimationRegistry, cfg Config, commands <-chan Command, events chan<- Event) *Core {
	return &Core{
		logger:       logger,
		backend:      backend,
		ledger:       ledger.New(),
		scheduler:    scheduler,
		animations:   animations,
		cfg:          cfg,
		commands:     commands,
		events:       events,
		monitors:     make(map[ids.MonitorID]MonitorInfo),
		textures:     make(map[ids.BufferSlot]gpu.Image),
		fenceWaiters: make(map[ids.BufferSlot]fence.Handle),
	}
}

// Run executes the main loop until ctx is cancelled or a ShutdownCommand is
// received. See spec.md §4.3 for the five-step loop this implements.
func (c *Core) Run(ctx context.Context) error {
	c.events <- StartedEvent{Monitors: c.monitorIDs()}

	for {
		if err := c.checkFDGuard(); err != nil {
			c.events <- FatalErrorEvent{Reason: err.Error()}
			return err
		}

		committed := c.drawReadyMonitors()
		c.commitAndReleaseFences(committed)

		var timeoutCh <-chan time.Time
		if len(committed) == 0 && c.cfg.TickBackstop > 0 {
			timer := time.NewTimer(c.cfg.TickBackstop)
			defer timer.Stop()
			timeoutCh = timer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-c.commands:
			if !ok {
				return nil
			}
			if err := c.handleCommand(cmd); err != nil {
				return err
			}
		case comp, ok := <-c.scheduler.Results():
			if !ok {
				c.events <- FatalErrorEvent{Reason: "fence scheduler closed"}
				return errors.New("renderer: fence scheduler closed")
			}
			c.scheduler.Resolve(comp)
		case <-timeoutCh:
		}
	}
}

func (c *Core) monitorIDs() []ids.MonitorID {
	out := make([]ids.MonitorID, 0, len(c.monitors))
	for id := range c.monitors {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// drawReadyMonitors composes every known monitor's frame and returns the
// list it attempted to draw, in deterministic order.
func (c *Core) drawReadyMonitors() []ids.MonitorID {
	monitorIDs := c.monitorIDs()
	now := time.Now()

	for _, monitorID := range monitorIDs {
		info := c.monitors[monitorID]
		if err := c.backend.MakeCurrentForMonitor(monitorID.String()); err != nil {
			c.logger.Warn("make current failed", "monitor", monitorID, "err", err)
			continue
		}
		canvas := c.backend.Canvas()
		canvas.Clear()

		if c.transition != nil {
			c.drawTransition(canvas, monitorID, info, now)
		} else {
			c.drawDirect(canvas, monitorID, info)
		}
		c.backend.Flush()
	}

	if c.transition != nil && c.transition.Progress(now) >= 1.0 {
		c.transition = nil
	}

	return monitorIDs
}

func (c *Core) drawTransition(canvas gpu.Canvas, monitorID ids.MonitorID, info MonitorInfo, now time.Time) {
	t := *c.transition
	anim, ok := c.animations.Get(t.AnimationName)
	oldImg, hasOld := c.imageForSessionIfShiftOwned(monitorID, t.FromSession)
	newImg, hasNew := c.imageForSessionIfShiftOwned(monitorID, t.ToSession)

	w, h := float32(info.Width), float32(info.Height)

	switch {
	case ok && hasOld && hasNew:
		anim.Draw(canvas, oldImg, newImg, t.Progress(now), w, h)
	case hasNew:
		canvas.DrawImageRect(newImg, 0, 0, w, h, 1)
	case hasOld:
		canvas.DrawImageRect(oldImg, 0, 0, w, h, 1)
	}
}

func (c *Core) drawDirect(canvas gpu.Canvas, monitorID ids.MonitorID, info MonitorInfo) {
	session, ok := c.ledger.CurrentSession()
	if !ok {
		return
	}
	img, ok := c.imageForSessionIfShiftOwned(monitorID, session)
	if !ok {
		return
	}
	canvas.DrawImageRect(img, 0, 0, float32(info.Width), float32(info.Height), 1)
}

func (c *Core) imageForSessionIfShiftOwned(monitor ids.MonitorID, session ids.SessionID) (gpu.Image, bool) {
	slot, ok := c.ledger.CurrentSlotFor(monitor, session)
	if !ok {
		return nil, false
	}
	owner, ok := c.ledger.Owner(slot)
	if !ok || owner != ledger.ShiftOwned {
		return nil, false
	}
	img, ok := c.textures[slot]
	return img, ok
}

// commitAndReleaseFences performs step (3) of the main loop: commit every
// drawn monitor, then walk the deferred-release queue once, emitting a
// BufferConsumed event per release carrying a duplicate of its monitor's
// render fence (or none, if the commit produced no fence).
func (c *Core) commitAndReleaseFences(monitors []ids.MonitorID) {
	if len(monitors) == 0 {
		return
	}

	commits := make(map[ids.MonitorID]gpu.CommitResult, len(monitors))
	for _, monitorID := range monitors {
		result, err := c.backend.CommitAndGetRenderFence(monitorID.String())
		if err != nil {
			c.logger.Warn("drm commit failed", "monitor", monitorID, "err", err)
			continue
		}
		commits[monitorID] = result
	}

	for _, release := range c.ledger.TakeDeferredReleases() {
		event := BufferConsumedEvent{Monitor: release.Monitor, Session: release.Session, Buffer: release.Buffer}
		if result, ok := commits[release.Monitor]; ok && result.HasRenderFence {
			if dup, err := unix.Dup(result.RenderFenceFD); err == nil {
				event.ReleaseFenceFD = dup
				event.HasReleaseFence = true
			} else {
				c.logger.Warn("dup render fence failed", "err", err)
			}
		}
		c.events <- event
	}

	c.events <- PageFlipEvent{Monitors: monitors}
}

func (c *Core) handleCommand(cmd Command) error {
	switch v := cmd.(type) {
	case ShutdownCommand:
		c.scheduler.Close()
		if err := c.backend.Close(); err != nil {
			c.logger.Warn("backend close failed", "err", err)
		}
		return ErrShutdown
	case FramebufferLinkCommand:
		c.handleFramebufferLink(v)
	case SetActiveSessionCommand:
		c.ledger.SetCurrentSession(v.Session)
		if v.Transition != nil {
			t := *v.Transition
			if t.StartedAt.IsZero() {
				t.StartedAt = time.Now()
			}
			c.transition = &t
		} else {
			c.transition = nil
		}
		if v.Session != nil {
			c.ledger.EnsureSurfaceEntries(c.monitorIDs())
		}
	case SessionRemovedCommand:
		c.handleSessionRemoved(v.Session)
	case SwapBuffersCommand:
		c.handleSwapRequest(v)
	case MonitorOnlineCommand:
		c.monitors[v.Monitor] = MonitorInfo{ID: v.Monitor, Name: v.Name, Width: v.Width, Height: v.Height, Refresh: v.Refresh}
		c.events <- MonitorOnlineEvent{Monitor: v.Monitor, Name: v.Name, Width: v.Width, Height: v.Height, Refresh: v.Refresh}
	case MonitorOfflineCommand:
		c.handleMonitorOffline(v)
	}
	return nil
}

func (c *Core) handleFramebufferLink(cmd FramebufferLinkCommand) {
	if _, ok := c.monitors[cmd.Monitor]; !ok {
		c.logger.Warn("framebuffer_link for unknown monitor", "monitor", cmd.Monitor)
		for _, fd := range cmd.FDs {
			unix.Close(fd)
		}
		return
	}
	if err := c.backend.MakeCurrentForMonitor(cmd.Monitor.String()); err != nil {
		c.logger.Warn("make current for framebuffer_link failed", "err", err)
		for _, fd := range cmd.FDs {
			unix.Close(fd)
		}
		return
	}

	for i, fd := range cmd.FDs {
		buffer := ids.BufferIndex(i)
		slot := ids.NewBufferSlot(cmd.Monitor, cmd.Session, buffer)
		img, err := c.backend.ImportDmabuf(gpu.DmabufDescriptor{
			FD: fd, Width: cmd.Width, Height: cmd.Height, Stride: cmd.Stride, Offset: cmd.Offset, Fourcc: cmd.Fourcc,
		})
		unix.Close(fd)
		if err != nil {
			c.logger.Warn("dmabuf import failed", "slot", slot, "err", err)
			continue
		}
		c.textures[slot] = img
		c.ledger.MarkClientOwned(slot)
	}
}

func (c *Core) handleSessionRemoved(session ids.SessionID) {
	for slot, handle := range c.fenceWaiters {
		if slot.Session == session {
			c.scheduler.Cancel(handle)
			delete(c.fenceWaiters, slot)
		}
	}
	for slot := range c.textures {
		if slot.Session == session {
			delete(c.textures, slot)
		}
	}
	c.ledger.CleanupSession(session)
}

func (c *Core) handleMonitorOffline(cmd MonitorOfflineCommand) {
	if _, ok := c.monitors[cmd.Monitor]; !ok {
		return
	}
	for slot, handle := range c.fenceWaiters {
		if slot.Monitor == cmd.Monitor {
			c.scheduler.Cancel(handle)
			delete(c.fenceWaiters, slot)
		}
	}
	for slot := range c.textures {
		if slot.Monitor == cmd.Monitor {
			delete(c.textures, slot)
		}
	}
	c.ledger.CleanupMonitor(cmd.Monitor)
	delete(c.monitors, cmd.Monitor)
	c.events <- MonitorOfflineEvent{Monitor: cmd.Monitor, Name: cmd.Name}
}

func (c *Core) handleSwapRequest(cmd SwapBuffersCommand) {
	closeFence := func() {
		if cmd.HasAcquireFence {
			unix.Close(cmd.AcquireFenceFD)
		}
	}

	if _, ok := c.monitors[cmd.Monitor]; !ok {
		c.events <- BufferRequestRejectedEvent{Monitor: cmd.Monitor, Session: cmd.Session, Buffer: cmd.Buffer, Reason: RejectUnknownMonitor}
		closeFence()
		return
	}
	slot := ids.NewBufferSlot(cmd.Monitor, cmd.Session, cmd.Buffer)
	if _, ok := c.textures[slot]; !ok {
		c.events <- BufferRequestRejectedEvent{Monitor: cmd.Monitor, Session: cmd.Session, Buffer: cmd.Buffer, Reason: RejectUnlinkedBuffer}
		closeFence()
		return
	}

	result := c.ledger.ApplySwapRequest(cmd.Monitor, cmd.Session, cmd.Buffer, cmd.HasAcquireFence)

	if result.CanceledPendingOK {
		canceledSlot := ids.NewBufferSlot(cmd.Monitor, cmd.Session, *result.CanceledPending)
		c.cancelFenceWaiter(canceledSlot)
		c.ledger.QueueRelease(cmd.Monitor, cmd.Session, *result.CanceledPending)
	}

	if cmd.HasAcquireFence {
		c.armFenceWaiter(slot, cmd.AcquireFenceFD)
	} else {
		c.cancelFenceWaiter(slot)
	}

	if result.PreviousToReleaseOK {
		c.ledger.QueueRelease(cmd.Monitor, cmd.Session, *result.PreviousToRelease)
	}

	c.events <- BufferRequestAckEvent{Monitor: cmd.Monitor, Session: cmd.Session, Buffer: cmd.Buffer}
}

func (c *Core) armFenceWaiter(slot ids.BufferSlot, fenceFD int) {
	c.cancelFenceWaiter(slot)
	handle := c.scheduler.Schedule([]int{fenceFD}, fence.Any, func() {
		c.onFenceSignaled(slot)
	})
	c.fenceWaiters[slot] = handle
}

func (c *Core) cancelFenceWaiter(slot ids.BufferSlot) {
	if handle, ok := c.fenceWaiters[slot]; ok {
		c.scheduler.Cancel(handle)
		delete(c.fenceWaiters, slot)
	}
}

// onFenceSignaled runs on the renderer's single task (invoked via
// Scheduler.Resolve from inside Run's select loop), so it may touch ledger
// state directly without synchronization.
func (c *Core) onFenceSignaled(slot ids.BufferSlot) {
	delete(c.fenceWaiters, slot)
	previous, ok := c.ledger.ApplyAcquireFenceSignaled(slot)
	if ok {
		c.ledger.QueueRelease(slot.Monitor, slot.Session, previous)
	}
}

func (c *Core) checkFDGuard() error {
	if !c.cfg.DebugFDGuard {
		return nil
	}
	if !c.lastFDGuardCheck.IsZero() && time.Since(c.lastFDGuardCheck) < time.Second {
		return nil
	}
	c.lastFDGuardCheck = time.Now()

	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		c.logger.Warn("fd guard: read /proc/self/fd failed", "err", err)
		return nil
	}
	if c.cfg.DebugFDGuardLimit > 0 && len(entries) > c.cfg.DebugFDGuardLimit {
		return errors.New("renderer: fd guard tripped: open fd count exceeds limit")
	}
	return nil
}
