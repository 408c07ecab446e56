// Package gpu abstracts the GL/EGL/GBM/DRM surface the renderer and client
// runtime sit on top of: importing DMA-BUF planes as textures, drawing into
// them, and committing to a DRM scan-out. Concrete bindings are out of
// scope (spec.md §1); this package defines the seam and a pluggable
// registry so the renderer/client core can be built and tested against a
// stub implementation.
//
// The Register/Get/Default registry mirrors gogpu-gg/backend/registry.go.
package gpu

import (
	"errors"
	"sync"
)

// ErrBackendNotAvailable is returned when a requested backend name is not
// registered.
var ErrBackendNotAvailable = errors.New("gpu: backend not available")

// DmabufDescriptor describes one imported plane-0 DMA-BUF (spec.md §3).
type DmabufDescriptor struct {
	FD     int
	Width  int32
	Height int32
	Stride int32
	Offset int32
	Fourcc int32
}

// Image is an imported, sampleable GPU texture backing one buffer slot.
type Image interface {
	Width() int32
	Height() int32
}

// Canvas is the per-monitor draw target passed to Animation.Draw.
type Canvas interface {
	// DrawImageRect draws img stretched into the rectangle (x, y, w, h),
	// optionally blended with the given opacity in [0,1].
	DrawImageRect(img Image, x, y, w, h float32, opacity float32)
	// Clear fills the canvas with opaque black.
	Clear()
}

// CommitResult is what a DRM commit reports back to the renderer core.
type CommitResult struct {
	RenderFenceFD  int
	HasRenderFence bool
}

// Backend is the interface a concrete GL/EGL/GBM/DRM implementation
// provides. Backends must be registered via Register and selected via Get
// or Default.
type Backend interface {
	// Name returns the backend identifier (e.g. "drm", "software").
	Name() string
	// Init opens the render node / DRM device.
	Init() error
	// Close releases all backend resources.
	Close() error

	// MakeCurrentForMonitor binds the GL context associated with monitorID
	// for subsequent draw calls.
	MakeCurrentForMonitor(monitorID string) error
	// ImportDmabuf imports desc as a GPU texture for the currently-current
	// monitor's context.
	ImportDmabuf(desc DmabufDescriptor) (Image, error)
	// Canvas returns the draw target for the currently-current monitor.
	Canvas() Canvas
	// Flush flushes queued GL commands for the currently-current monitor.
	Flush()
	// CommitAndGetRenderFence performs the DRM atomic commit for
	// monitorID and returns the render fence describing when the commit's
	// GPU work completes, if the backend produced one.
	CommitAndGetRenderFence(monitorID string) (CommitResult, error)
}

// Factory creates a new Backend instance.
type Factory func() Backend

var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)
	// Priority order for Default selection: real DRM backend first, the
	// software stub last.
	priority = []string{BackendDRM, BackendSoftware}
)

const (
	BackendDRM      = "drm"
	BackendSoftware = "software"
)

// Register registers a backend factory under name, typically from an
// init() function. Re-registering a name replaces it.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry. Useful for tests.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available lists registered backend names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	return names
}

// IsRegistered reports whether name has a registered factory.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Get constructs a backend instance by name, or nil if unregistered.
func Get(name string) Backend {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := backends[name]
	if !ok {
		return nil
	}
	return factory()
}

// Default returns the highest-priority available backend, or nil if none
// are registered.
func Default() Backend {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, name := range priority {
		if factory, ok := backends[name]; ok {
			if b := factory(); b != nil {
				return b
			}
		}
	}
	for _, factory := range backends {
		if b := factory(); b != nil {
			return b
		}
	}
	return nil
}

// MustDefault returns Default or panics.
func MustDefault() Backend {
	b := Default()
	if b == nil {
		panic("gpu: no backend available")
	}
	return b
}

// InitDefault resolves and initializes the default backend.
func InitDefault() (Backend, error) {
	b := Default()
	if b == nil {
		return nil, ErrBackendNotAvailable
	}
	if err := b.Init(); err != nil {
		return nil, err
	}
	return b, nil
}
