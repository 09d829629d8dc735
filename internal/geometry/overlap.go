// Package geometry provides rectangle overlap measures used for
// deduplicating detections.
package geometry

import "github.com/straja-ai/hazardfuse/internal/hazard"

// Rect is an axis-aligned rectangle in corner form.
type Rect struct {
	X1, Y1, X2, Y2 int
}

// FromBox converts a top-left/size box to corner form.
func FromBox(b hazard.BoundingBox) Rect {
	x1, y1, x2, y2 := b.Corners()
	return Rect{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

// Area returns the rectangle area. Inverted rectangles may yield a
// negative value, matching the plain (x2-x1)*(y2-y1) product.
func (r Rect) Area() int {
	return (r.X2 - r.X1) * (r.Y2 - r.Y1)
}

// OverlapRatio returns the intersection-over-union of a and b. It is 0 for
// disjoint or edge-touching rectangles and when the union has no area.
func OverlapRatio(a, b Rect) float64 {
	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)
	if x1 >= x2 || y1 >= y2 {
		return 0
	}

	inter := (x2 - x1) * (y2 - y1)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Box converts r back to top-left/size form.
func (r Rect) Box() hazard.BoundingBox {
	return hazard.BoundingBox{X: r.X1, Y: r.Y1, Width: r.X2 - r.X1, Height: r.Y2 - r.Y1}
}
