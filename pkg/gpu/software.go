package gpu

import "fmt"

// softwareImage is a no-op Image used by SoftwareBackend; it records only
// the dimensions a real DMA-BUF import would have reported.
type softwareImage struct {
	width, height int32
}

func (i *softwareImage) Width() int32  { return i.width }
func (i *softwareImage) Height() int32 { return i.height }

// softwareCanvas discards draw calls; it exists so the renderer core can
// run its full draw-ready-monitors path without a real GL context, e.g. in
// tests or a headless dry run.
type softwareCanvas struct {
	draws int
}

func (c *softwareCanvas) DrawImageRect(Image, float32, float32, float32, float32, float32) {
	c.draws++
}
func (c *softwareCanvas) Clear() {}

// SoftwareBackend is a no-op Backend used for tests and for running the
// renderer core without real DRM/EGL bindings present.
type SoftwareBackend struct {
	initialized bool
	canvas      softwareCanvas
	current     string
}

func init() {
	Register(BackendSoftware, func() Backend { return &SoftwareBackend{} })
}

func NewSoftwareBackend() *SoftwareBackend { return &SoftwareBackend{} }

func (b *SoftwareBackend) Name() string { return BackendSoftware }

func (b *SoftwareBackend) Init() error {
	b.initialized = true
	return nil
}

func (b *SoftwareBackend) Close() error {
	b.initialized = false
	return nil
}

func (b *SoftwareBackend) MakeCurrentForMonitor(monitorID string) error {
	if !b.initialized {
		return fmt.Errorf("gpu: software backend not initialized")
	}
	b.current = monitorID
	return nil
}

func (b *SoftwareBackend) ImportDmabuf(desc DmabufDescriptor) (Image, error) {
	return &softwareImage{width: desc.Width, height: desc.Height}, nil
}

func (b *SoftwareBackend) Canvas() Canvas { return &b.canvas }

func (b *SoftwareBackend) Flush() {}

func (b *SoftwareBackend) CommitAndGetRenderFence(monitorID string) (CommitResult, error) {
	return CommitResult{HasRenderFence: false}, nil
}
