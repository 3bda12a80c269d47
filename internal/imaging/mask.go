// Package imaging provides binary mask operations and image helpers used
// by the segmentation, detection and estimation stages.
package imaging

import (
	"image"

	"github.com/jkarvonen/plantcount-go/internal/geometry"
)

// Mask is a binary bitmap over a pixel region. A zero byte is background,
// anything else foreground.
type Mask struct {
	W    int
	H    int
	Bits []uint8
}

// NewMask creates an empty mask of the given dimensions.
func NewMask(w, h int) *Mask {
	return &Mask{W: w, H: h, Bits: make([]uint8, w*h)}
}

// Get reports whether the pixel at (x, y) is foreground. Out-of-range
// coordinates are background.
func (m *Mask) Get(x, y int) bool {
	if x < 0 || y < 0 || x >= m.W || y >= m.H {
		return false
	}
	return m.Bits[y*m.W+x] != 0
}

// Set marks the pixel at (x, y) as foreground or background.
func (m *Mask) Set(x, y int, on bool) {
	if x < 0 || y < 0 || x >= m.W || y >= m.H {
		return
	}
	if on {
		m.Bits[y*m.W+x] = 1
	} else {
		m.Bits[y*m.W+x] = 0
	}
}

// Count returns the number of foreground pixels.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b != 0 {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the mask.
func (m *Mask) Clone() *Mask {
	out := &Mask{W: m.W, H: m.H, Bits: make([]uint8, len(m.Bits))}
	copy(out.Bits, m.Bits)
	return out
}

// FillRect marks every pixel inside the rectangle as foreground. The
// rectangle is clamped to the mask bounds.
func (m *Mask) FillRect(r geometry.Rect) {
	x1 := max(r.X, 0)
	y1 := max(r.Y, 0)
	x2 := min(r.Right(), m.W)
	y2 := min(r.Bottom(), m.H)
	for y := y1; y < y2; y++ {
		row := y * m.W
		for x := x1; x < x2; x++ {
			m.Bits[row+x] = 1
		}
	}
}

// Subtract clears every pixel that is foreground in other. Masks must
// share dimensions; mismatched masks leave the receiver unchanged.
func (m *Mask) Subtract(other *Mask) {
	if other == nil || other.W != m.W || other.H != m.H {
		return
	}
	for i := range m.Bits {
		if other.Bits[i] != 0 {
			m.Bits[i] = 0
		}
	}
}

// Intersect clears every pixel that is background in other.
func (m *Mask) Intersect(other *Mask) {
	if other == nil || other.W != m.W || other.H != m.H {
		return
	}
	for i := range m.Bits {
		if other.Bits[i] == 0 {
			m.Bits[i] = 0
		}
	}
}

// BoundingRect returns the smallest rectangle covering all foreground
// pixels, or the zero Rect for an empty mask.
func (m *Mask) BoundingRect() geometry.Rect {
	minX, minY := m.W, m.H
	maxX, maxY := -1, -1
	for y := 0; y < m.H; y++ {
		row := y * m.W
		for x := 0; x < m.W; x++ {
			if m.Bits[row+x] != 0 {
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}
	if maxX < 0 {
		return geometry.Rect{}
	}
	return geometry.Rect{X: minX, Y: minY, W: maxX - minX + 1, H: maxY - minY + 1}
}

// Dilate grows foreground regions by one pixel using a 3x3 structuring
// element.
func (m *Mask) Dilate() {
	src := m.Clone()
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			if src.Get(x, y) {
				continue
			}
			if src.Get(x-1, y) || src.Get(x+1, y) || src.Get(x, y-1) || src.Get(x, y+1) ||
				src.Get(x-1, y-1) || src.Get(x+1, y-1) || src.Get(x-1, y+1) || src.Get(x+1, y+1) {
				m.Bits[y*m.W+x] = 1
			}
		}
	}
}

// Erode shrinks foreground regions by one pixel using a 3x3 structuring
// element. Pixels at the mask border keep their value only if all their
// in-range neighbors are foreground.
func (m *Mask) Erode() {
	src := m.Clone()
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			if !src.Get(x, y) {
				continue
			}
			if !src.Get(x-1, y) || !src.Get(x+1, y) || !src.Get(x, y-1) || !src.Get(x, y+1) ||
				!src.Get(x-1, y-1) || !src.Get(x+1, y-1) || !src.Get(x-1, y+1) || !src.Get(x+1, y+1) {
				m.Bits[y*m.W+x] = 0
			}
		}
	}
}

// Close performs morphological closing (dilate then erode) the given
// number of passes. Closing bridges small gaps so one physical container
// does not fragment into multiple segments.
func (m *Mask) Close(passes int) {
	for i := 0; i < passes; i++ {
		m.Dilate()
	}
	for i := 0; i < passes; i++ {
		m.Erode()
	}
}

// FillHoles fills background regions not connected to the mask border
// whose area is at most maxArea pixels. A maxArea of zero fills nothing.
func (m *Mask) FillHoles(maxArea int) {
	if maxArea <= 0 {
		return
	}

	// Flood-fill background from the border; anything left unreached is a hole.
	reached := NewMask(m.W, m.H)
	var stack []int
	push := func(x, y int) {
		if x < 0 || y < 0 || x >= m.W || y >= m.H {
			return
		}
		i := y*m.W + x
		if m.Bits[i] != 0 || reached.Bits[i] != 0 {
			return
		}
		reached.Bits[i] = 1
		stack = append(stack, i)
	}

	for x := 0; x < m.W; x++ {
		push(x, 0)
		push(x, m.H-1)
	}
	for y := 0; y < m.H; y++ {
		push(0, y)
		push(m.W-1, y)
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := i%m.W, i/m.W
		push(x-1, y)
		push(x+1, y)
		push(x, y-1)
		push(x, y+1)
	}

	// Collect enclosed background components and fill the small ones.
	visited := NewMask(m.W, m.H)
	for start := range m.Bits {
		if m.Bits[start] != 0 || reached.Bits[start] != 0 || visited.Bits[start] != 0 {
			continue
		}
		component := []int{start}
		visited.Bits[start] = 1
		for head := 0; head < len(component); head++ {
			i := component[head]
			x, y := i%m.W, i/m.W
			for _, ni := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				nx, ny := ni[0], ni[1]
				if nx < 0 || ny < 0 || nx >= m.W || ny >= m.H {
					continue
				}
				j := ny*m.W + nx
				if m.Bits[j] == 0 && reached.Bits[j] == 0 && visited.Bits[j] == 0 {
					visited.Bits[j] = 1
					component = append(component, j)
				}
			}
		}
		if len(component) <= maxArea {
			for _, i := range component {
				m.Bits[i] = 1
			}
		}
	}
}

// FromPolygon rasterizes a polygon into a mask of the given dimensions.
func FromPolygon(pg geometry.Polygon, w, h int) *Mask {
	m := NewMask(w, h)
	r := pg.BoundingRect()
	x1 := max(r.X, 0)
	y1 := max(r.Y, 0)
	x2 := min(r.Right(), w)
	y2 := min(r.Bottom(), h)
	for y := y1; y < y2; y++ {
		for x := x1; x < x2; x++ {
			if pg.Contains(geometry.Point{X: float64(x) + 0.5, Y: float64(y) + 0.5}) {
				m.Bits[y*m.W+x] = 1
			}
		}
	}
	return m
}

// Crop returns the sub-image within the given rectangle. The rectangle is
// clamped to the image bounds; the returned image shares pixels with the
// source where the underlying type supports it.
func Crop(img image.Image, r geometry.Rect) image.Image {
	b := img.Bounds()
	clip := image.Rect(r.X, r.Y, r.Right(), r.Bottom()).Intersect(b)

	type subImager interface {
		SubImage(r image.Rectangle) image.Image
	}
	if si, ok := img.(subImager); ok {
		return si.SubImage(clip)
	}

	out := image.NewRGBA(image.Rect(0, 0, clip.Dx(), clip.Dy()))
	for y := clip.Min.Y; y < clip.Max.Y; y++ {
		for x := clip.Min.X; x < clip.Max.X; x++ {
			out.Set(x-clip.Min.X, y-clip.Min.Y, img.At(x, y))
		}
	}
	return out
}

// VegetationMask marks pixels whose green chromaticity exceeds the given
// threshold. Used to exclude bare substrate from residual area.
func VegetationMask(img image.Image, threshold float64) *Mask {
	b := img.Bounds()
	m := NewMask(b.Dx(), b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			sum := float64(r + g + bl)
			if sum == 0 {
				continue
			}
			if float64(g)/sum > threshold {
				m.Set(x-b.Min.X, y-b.Min.Y, true)
			}
		}
	}
	return m
}
