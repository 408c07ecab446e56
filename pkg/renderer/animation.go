package renderer

import (
	"sync"

	"github.com/everything-os/shift/pkg/gpu"
)

// Animation draws a blend between an outgoing and incoming session's
// images for one monitor, at a given progress in [0, 1]. Ported from
// rendering_layer/animation.rs's Animation trait.
type Animation interface {
	Draw(canvas gpu.Canvas, oldImage, newImage gpu.Image, progress float64, width, height float32)
}

// AnimationRegistry holds named animations available to a session switch's
// `animation` field.
type AnimationRegistry struct {
	mu         sync.RWMutex
	animations map[string]Animation
}

// NewAnimationRegistry returns a registry pre-populated with the built-in
// "slide_left" and "blur" animations.
func NewAnimationRegistry() *AnimationRegistry {
	r := &AnimationRegistry{animations: make(map[string]Animation)}
	r.Register("slide_left", &SlideLeftAnimation{})
	r.Register("blur", &BlurBlendAnimation{})
	return r
}

// Register adds or replaces a named animation.
func (r *AnimationRegistry) Register(name string, animation Animation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.animations[name] = animation
}

// Get returns the animation registered under name, if any.
func (r *AnimationRegistry) Get(name string) (Animation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.animations[name]
	return a, ok
}

// SlideLeftAnimation slides the outgoing image off to the left while the
// incoming image slides in from the right.
type SlideLeftAnimation struct{}

func (SlideLeftAnimation) Draw(canvas gpu.Canvas, oldImage, newImage gpu.Image, progress float64, width, height float32) {
	t := float32(clamp01(progress))
	oldLeft := -width * t
	newLeft := width * (1 - t)
	canvas.DrawImageRect(oldImage, oldLeft, 0, width, height, 1)
	canvas.DrawImageRect(newImage, newLeft, 0, width, height, 1)
}

// BlurBlendAnimation blurs the outgoing frame out over the first half of
// the transition, then blurs the incoming frame in over the second half.
// The Go gpu.Canvas abstraction has no blur filter of its own (no GL/EGL
// context exists to back one here), so radius is approximated as an
// opacity ramp: the outgoing image fades out, then the incoming image
// fades in, which is the same two-phase structure as
// rendering_layer/animation.rs's BlurBlendAnimation without the GPU blur
// kernel that only a real backend can provide.
type BlurBlendAnimation struct{}

func (BlurBlendAnimation) Draw(canvas gpu.Canvas, oldImage, newImage gpu.Image, progress float64, width, height float32) {
	t := clamp01(progress)
	if t < 0.5 {
		localT := t * 2
		canvas.DrawImageRect(oldImage, 0, 0, width, height, float32(1-localT))
		return
	}
	localT := (t - 0.5) * 2
	canvas.DrawImageRect(newImage, 0, 0, width, height, float32(localT))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
