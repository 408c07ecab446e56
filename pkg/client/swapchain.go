// Package client implements the Client Runtime (spec.md §4.5): a
// callback-driven application framework wrapping the swapchain, the wire
// protocol, and input translation across the monitor layout.
package client

import (
	"github.com/everything-os/shift/pkg/ids"
)

// BufferState is a swapchain buffer's position in the acquire/busy/release
// cycle.
type BufferState int

const (
	Free BufferState = iota
	Acquired
	Busy
)

func (s BufferState) String() string {
	switch s {
	case Free:
		return "free"
	case Acquired:
		return "acquired"
	case Busy:
		return "busy"
	default:
		return "unknown"
	}
}

// BufferDescriptor names one GBM-allocated, DMA-BUF-exported plane the
// application can render into through its EGL-imported FBO. Real GBM/EGL
// allocation is out of scope; the descriptor only carries what
// framebuffer_link needs to hand the same buffer to the renderer.
type BufferDescriptor struct {
	FD     int
	Width  int32
	Height int32
	Stride int32
	Offset int32
	Fourcc int32
}

type swapchainBuffer struct {
	state      BufferState
	descriptor BufferDescriptor
}

// Swapchain is the two-buffer ring for one (monitor, session) surface.
type Swapchain struct {
	buffers      [2]swapchainBuffer
	lastAcquired *ids.BufferIndex
}

// NewSwapchain returns a Swapchain with both buffers Free.
func NewSwapchain(zero, one BufferDescriptor) *Swapchain {
	return &Swapchain{buffers: [2]swapchainBuffer{
		{state: Free, descriptor: zero},
		{state: Free, descriptor: one},
	}}
}

// AcquireNext returns the first Free buffer and moves it to Acquired, or
// false if both buffers are non-Free.
func (s *Swapchain) AcquireNext() (ids.BufferIndex, BufferDescriptor, bool) {
	for _, idx := range [...]ids.BufferIndex{ids.BufferZero, ids.BufferOne} {
		b := &s.buffers[idx]
		if b.state == Free {
			b.state = Acquired
			s.lastAcquired = &idx
			return idx, b.descriptor, true
		}
	}
	return 0, BufferDescriptor{}, false
}

// MarkBusy transitions buffer i to Busy after a successful buffer_request.
func (s *Swapchain) MarkBusy(i ids.BufferIndex) {
	s.buffers[i].state = Busy
}

// MarkReleased transitions buffer i to Free after a buffer_release from the
// server (optionally gated by the caller waiting on its release fence
// first).
func (s *Swapchain) MarkReleased(i ids.BufferIndex) {
	s.buffers[i].state = Free
}

// Rollback restores the most recently Acquired buffer to Free; used when a
// buffer_request fails so the application's own retry logic sees it as
// available again.
func (s *Swapchain) Rollback() {
	if s.lastAcquired == nil {
		return
	}
	s.buffers[*s.lastAcquired].state = Free
	s.lastAcquired = nil
}

// State reports buffer i's current state.
func (s *Swapchain) State(i ids.BufferIndex) BufferState {
	return s.buffers[i].state
}
