// Package geometry provides the pure coordinate utilities the pipeline is
// built on: offset composition, normalized/pixel conversion, polygon
// containment and box overlap math. Everything here is stateless.
package geometry

import "math"

// Point is a point in pixel space.
type Point struct {
	X float64
	Y float64
}

// Offset is a translation in pixel space. Crop and tile offsets compose
// through Compose before detections are reprojected.
type Offset struct {
	DX int
	DY int
}

// Compose returns the vector sum of two offsets.
func (o Offset) Compose(other Offset) Offset {
	return Offset{DX: o.DX + other.DX, DY: o.DY + other.DY}
}

// Rect is an axis-aligned rectangle in pixel space, top-left anchored.
type Rect struct {
	X int
	Y int
	W int
	H int
}

// Right returns the exclusive right edge.
func (r Rect) Right() int { return r.X + r.W }

// Bottom returns the exclusive bottom edge.
func (r Rect) Bottom() int { return r.Y + r.H }

// Area returns the rectangle area in pixels.
func (r Rect) Area() int {
	if r.W <= 0 || r.H <= 0 {
		return 0
	}
	return r.W * r.H
}

// Intersect returns the overlapping region of two rectangles. The zero
// Rect is returned when they do not overlap.
func (r Rect) Intersect(other Rect) Rect {
	x1 := max(r.X, other.X)
	y1 := max(r.Y, other.Y)
	x2 := min(r.Right(), other.Right())
	y2 := min(r.Bottom(), other.Bottom())
	if x2 <= x1 || y2 <= y1 {
		return Rect{}
	}
	return Rect{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// Inside reports whether the rectangle lies fully within an image of the
// given dimensions.
func (r Rect) Inside(width, height int) bool {
	return r.X >= 0 && r.Y >= 0 && r.Right() <= width && r.Bottom() <= height
}

// Contains reports whether the point lies within the rectangle.
func (r Rect) Contains(p Point) bool {
	return p.X >= float64(r.X) && p.X < float64(r.Right()) &&
		p.Y >= float64(r.Y) && p.Y < float64(r.Bottom())
}

// Box is a bounding box in center form: center coordinates plus width and
// height. Detections travel through the pipeline in this form because the
// center is what gets reprojected between coordinate frames.
type Box struct {
	CX float64
	CY float64
	W  float64
	H  float64
}

// Translate shifts the box center by the given offset. Width and height
// are invariant under translation.
func (b Box) Translate(off Offset) Box {
	return Box{
		CX: b.CX + float64(off.DX),
		CY: b.CY + float64(off.DY),
		W:  b.W,
		H:  b.H,
	}
}

// ToRect converts the box to a top-left anchored rectangle, rounding
// outward so the rect never under-covers the box.
func (b Box) ToRect() Rect {
	x := int(math.Floor(b.CX - b.W/2))
	y := int(math.Floor(b.CY - b.H/2))
	r := int(math.Ceil(b.CX + b.W/2))
	bt := int(math.Ceil(b.CY + b.H/2))
	return Rect{X: x, Y: y, W: r - x, H: bt - y}
}

// Area returns the box area.
func (b Box) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// IoU returns the intersection-over-union of two boxes, 0 when disjoint.
func IoU(a, b Box) float64 {
	ax1, ay1 := a.CX-a.W/2, a.CY-a.H/2
	ax2, ay2 := a.CX+a.W/2, a.CY+a.H/2
	bx1, by1 := b.CX-b.W/2, b.CY-b.H/2
	bx2, by2 := b.CX+b.W/2, b.CY+b.H/2

	ix := math.Min(ax2, bx2) - math.Max(ax1, bx1)
	iy := math.Min(ay2, by2) - math.Max(ay1, by1)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Polygon is a closed polygon in pixel space. The closing edge from the
// last vertex back to the first is implicit.
type Polygon []Point

// NormPolygon is a polygon in normalized unit-square coordinates, as
// stored alongside segments so they stay meaningful across image rescales.
type NormPolygon []Point

// ToPixels converts a normalized polygon to pixel space for an image of
// the given dimensions.
func (np NormPolygon) ToPixels(width, height int) Polygon {
	out := make(Polygon, len(np))
	for i, p := range np {
		out[i] = Point{X: p.X * float64(width), Y: p.Y * float64(height)}
	}
	return out
}

// Normalize converts a pixel-space polygon to unit-square coordinates.
func (pg Polygon) Normalize(width, height int) NormPolygon {
	out := make(NormPolygon, len(pg))
	for i, p := range pg {
		out[i] = Point{X: p.X / float64(width), Y: p.Y / float64(height)}
	}
	return out
}

// Contains reports whether the point is inside the polygon using the ray
// casting rule. Points on a boundary edge count as inside.
func (pg Polygon) Contains(p Point) bool {
	n := len(pg)
	if n < 3 {
		return false
	}

	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		a, b := pg[i], pg[j]

		if onSegment(p, a, b) {
			return true
		}

		if (a.Y > p.Y) != (b.Y > p.Y) {
			xCross := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// onSegment reports whether p lies on the segment ab.
func onSegment(p, a, b Point) bool {
	cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
	if math.Abs(cross) > 1e-9 {
		return false
	}
	return p.X >= math.Min(a.X, b.X)-1e-9 && p.X <= math.Max(a.X, b.X)+1e-9 &&
		p.Y >= math.Min(a.Y, b.Y)-1e-9 && p.Y <= math.Max(a.Y, b.Y)+1e-9
}

// BoundingRect returns the smallest pixel rectangle covering the polygon.
func (pg Polygon) BoundingRect() Rect {
	if len(pg) == 0 {
		return Rect{}
	}
	minX, minY := pg[0].X, pg[0].Y
	maxX, maxY := pg[0].X, pg[0].Y
	for _, p := range pg[1:] {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	x := int(math.Floor(minX))
	y := int(math.Floor(minY))
	return Rect{
		X: x,
		Y: y,
		W: int(math.Ceil(maxX)) - x,
		H: int(math.Ceil(maxY)) - y,
	}
}

// Area returns the polygon area via the shoelace formula.
func (pg Polygon) Area() float64 {
	n := len(pg)
	if n < 3 {
		return 0
	}
	sum := 0.0
	j := n - 1
	for i := 0; i < n; i++ {
		sum += (pg[j].X + pg[i].X) * (pg[j].Y - pg[i].Y)
		j = i
	}
	return math.Abs(sum) / 2
}
