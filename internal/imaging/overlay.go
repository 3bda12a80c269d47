package imaging

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/jkarvonen/plantcount-go/internal/geometry"
)

// OverlayKind selects the outline colour for a drawn box.
type OverlayKind int

const (
	// OverlaySegment outlines a container boundary.
	OverlaySegment OverlayKind = iota
	// OverlayDetection outlines an individual plant detection.
	OverlayDetection
)

// OverlayBox is one rectangle to draw onto the review image.
type OverlayBox struct {
	Rect geometry.Rect
	Kind OverlayKind
}

var (
	segmentColor   = color.RGBA{R: 255, G: 200, B: 0, A: 255}
	detectionColor = color.RGBA{R: 0, G: 220, B: 60, A: 255}
)

// DrawOverlay copies the source image and outlines the given boxes on it.
// Boxes partially outside the image are clipped, not rejected; the
// overlay is a review aid, not a validation pass.
func DrawOverlay(src image.Image, boxes []OverlayBox) *image.RGBA {
	b := src.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), src, b.Min, draw.Src)

	for _, box := range boxes {
		c := segmentColor
		thickness := 3
		if box.Kind == OverlayDetection {
			c = detectionColor
			thickness = 2
		}
		drawRectOutline(out, box.Rect, c, thickness)
	}
	return out
}

func drawRectOutline(img *image.RGBA, r geometry.Rect, c color.RGBA, thickness int) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	setClipped := func(x, y int) {
		if x >= 0 && x < w && y >= 0 && y < h {
			img.SetRGBA(x, y, c)
		}
	}

	for t := 0; t < thickness; t++ {
		for x := r.X; x < r.Right(); x++ {
			setClipped(x, r.Y+t)
			setClipped(x, r.Bottom()-1-t)
		}
		for y := r.Y; y < r.Bottom(); y++ {
			setClipped(r.X+t, y)
			setClipped(r.Right()-1-t, y)
		}
	}
}
