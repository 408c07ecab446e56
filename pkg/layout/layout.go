// Package layout implements the monitor layout engine: deterministic
// horizontal packing of monitor rectangles, edge-contiguity validation, and
// tunnel-free cursor motion across the resulting global coordinate space.
package layout

import (
	"math"
	"sort"
)

// Spec describes a monitor's intrinsic size, prior to placement.
type Spec struct {
	ID     string
	Width  int32
	Height int32
}

// Placement is a Spec positioned within the global layout.
type Placement struct {
	ID     string
	X      int32
	Y      int32
	Width  int32
	Height int32
}

// Horizontal packs monitors left-to-right at y=0, sorted by id ascending so
// that the result is independent of input order (R1).
func Horizontal(monitors []Spec) []Placement {
	sorted := make([]Spec, len(monitors))
	copy(sorted, monitors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	placements := make([]Placement, 0, len(sorted))
	var x int32
	for _, m := range sorted {
		placements = append(placements, Placement{
			ID:     m.ID,
			X:      x,
			Y:      0,
			Width:  m.Width,
			Height: m.Height,
		})
		x = saturatingAddInt32(x, m.Width)
	}
	return placements
}

func saturatingAddInt32(a, b int32) int32 {
	sum := int64(a) + int64(b)
	if sum > math.MaxInt32 {
		return math.MaxInt32
	}
	if sum < math.MinInt32 {
		return math.MinInt32
	}
	return int32(sum)
}

func rectContains(p Placement, x, y int32) bool {
	return x >= p.X && x < p.X+p.Width && y >= p.Y && y < p.Y+p.Height
}

// IsContiguous reports whether the touch graph of the given placements is
// connected. True for 0 or 1 placements.
func IsContiguous(monitors []Placement) bool {
	if len(monitors) <= 1 {
		return true
	}
	visited := make([]bool, len(monitors))
	stack := []int{0}
	visited[0] = true
	count := 1
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for j := range monitors {
			if visited[j] || j == i {
				continue
			}
			if monitorsTouch(monitors[i], monitors[j]) {
				visited[j] = true
				count++
				stack = append(stack, j)
			}
		}
	}
	return count == len(monitors)
}

// IsValidEdgeContiguousLayout reports whether monitors is non-overlapping,
// every rectangle edge-touches at least one other, and the touch graph is
// connected. Trivially true for 0 or 1 placements.
func IsValidEdgeContiguousLayout(monitors []Placement) bool {
	if len(monitors) <= 1 {
		return true
	}
	for i := range monitors {
		for j := i + 1; j < len(monitors); j++ {
			if monitorsOverlapArea(monitors[i], monitors[j]) {
				return false
			}
		}
	}
	for i := range monitors {
		degree := 0
		for j := range monitors {
			if i == j {
				continue
			}
			if monitorsTouch(monitors[i], monitors[j]) {
				degree++
			}
		}
		if degree == 0 {
			return false
		}
	}
	return IsContiguous(monitors)
}

// ClampPointToLayout returns the point unchanged if it lies inside any
// rectangle; otherwise it returns the nearest-point projection onto the
// closest rectangle, with ties broken by first occurrence in monitors.
func ClampPointToLayout(monitors []Placement, x, y float64) (float64, float64) {
	if len(monitors) == 0 {
		return x, y
	}
	if pointInsideAny(monitors, x, y) {
		return x, y
	}

	var bestX, bestY, bestDist float64
	found := false
	for _, p := range monitors {
		left := float64(p.X)
		top := float64(p.Y)
		right := math.Max(float64(p.X+p.Width), left)
		bottom := math.Max(float64(p.Y+p.Height), top)
		clampedX := clampFloat(x, left, right)
		clampedY := clampFloat(y, top, bottom)
		dx := clampedX - x
		dy := clampedY - y
		dist := dx*dx + dy*dy
		if found && dist >= bestDist {
			continue
		}
		found = true
		bestDist = dist
		bestX, bestY = clampedX, clampedY
	}
	return bestX, bestY
}

func clampFloat(v, lo, hi float64) float64 {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MoveCursorNoTunnel integrates a motion delta in sub-steps so the cursor
// never tunnels across a gap between non-adjacent rectangles.
func MoveCursorNoTunnel(monitors []Placement, startX, startY, dx, dy float64) (float64, float64) {
	if len(monitors) == 0 {
		return startX + dx, startY + dy
	}

	x, y := ClampPointToLayout(monitors, startX, startY)

	steps := int(math.Max(1.0, math.Ceil(math.Max(math.Abs(dx), math.Abs(dy)))))
	if steps > 8192 {
		steps = 8192
	}

	stepX := dx / float64(steps)
	stepY := dy / float64(steps)

	const epsilon = 1e-9
	for i := 0; i < steps; i++ {
		proposedX := x + stepX
		proposedY := y + stepY
		if pointInsideAny(monitors, proposedX, proposedY) {
			x, y = proposedX, proposedY
			continue
		}
		clampedX, clampedY := ClampPointToLayout(monitors, proposedX, proposedY)
		if math.Abs(clampedX-x) < epsilon && math.Abs(clampedY-y) < epsilon {
			break
		}
		x, y = clampedX, clampedY
	}
	return x, y
}

func pointInsideAny(monitors []Placement, x, y float64) bool {
	for _, p := range monitors {
		if float64(p.X) <= x && x < float64(p.X+p.Width) && float64(p.Y) <= y && y < float64(p.Y+p.Height) {
			return true
		}
	}
	return false
}

func monitorsTouch(a, b Placement) bool {
	aLeft, aTop, aRight, aBottom := int64(a.X), int64(a.Y), int64(a.X+a.Width), int64(a.Y+a.Height)
	bLeft, bTop, bRight, bBottom := int64(b.X), int64(b.Y), int64(b.X+b.Width), int64(b.Y+b.Height)

	verticalTouch := (aRight == bLeft || bRight == aLeft) && rangesOverlap(aTop, aBottom, bTop, bBottom)
	horizontalTouch := (aBottom == bTop || bBottom == aTop) && rangesOverlap(aLeft, aRight, bLeft, bRight)
	return verticalTouch || horizontalTouch
}

func rangesOverlap(aLo, aHi, bLo, bHi int64) bool {
	lo := aLo
	if bLo > lo {
		lo = bLo
	}
	hi := aHi
	if bHi < hi {
		hi = bHi
	}
	return hi > lo
}

func monitorsOverlapArea(a, b Placement) bool {
	aLeft, aTop, aRight, aBottom := int64(a.X), int64(a.Y), int64(a.X+a.Width), int64(a.Y+a.Height)
	bLeft, bTop, bRight, bBottom := int64(b.X), int64(b.Y), int64(b.X+b.Width), int64(b.Y+b.Height)
	return rangesOverlap(aLeft, aRight, bLeft, bRight) && rangesOverlap(aTop, aBottom, bTop, bBottom)
}
