package imaging

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkarvonen/plantcount-go/internal/geometry"
)

func TestMaskFillRectAndCount(t *testing.T) {
	t.Parallel()

	m := NewMask(10, 10)
	m.FillRect(geometry.Rect{X: 2, Y: 2, W: 3, H: 3})
	assert.Equal(t, 9, m.Count())

	// Clamped to bounds
	m2 := NewMask(10, 10)
	m2.FillRect(geometry.Rect{X: 8, Y: 8, W: 5, H: 5})
	assert.Equal(t, 4, m2.Count())
}

func TestMaskSubtract(t *testing.T) {
	t.Parallel()

	m := NewMask(10, 10)
	m.FillRect(geometry.Rect{X: 0, Y: 0, W: 10, H: 10})
	foot := NewMask(10, 10)
	foot.FillRect(geometry.Rect{X: 0, Y: 0, W: 10, H: 5})

	m.Subtract(foot)
	assert.Equal(t, 50, m.Count())

	// Full coverage subtracts to empty, never negative
	m.Subtract(m.Clone())
	assert.Zero(t, m.Count())
}

func TestMaskCloseBridgesGap(t *testing.T) {
	t.Parallel()

	// Two blobs separated by a one-pixel vertical gap
	m := NewMask(20, 10)
	m.FillRect(geometry.Rect{X: 0, Y: 0, W: 9, H: 10})
	m.FillRect(geometry.Rect{X: 10, Y: 0, W: 9, H: 10})

	m.Close(1)

	// The gap column must now be foreground in the interior rows
	for y := 1; y < 9; y++ {
		assert.True(t, m.Get(9, y), "gap at y=%d should be closed", y)
	}
}

func TestMaskFillHoles(t *testing.T) {
	t.Parallel()

	m := NewMask(10, 10)
	m.FillRect(geometry.Rect{X: 1, Y: 1, W: 8, H: 8})
	m.Set(4, 4, false)
	m.Set(5, 4, false)

	m.FillHoles(4)
	assert.True(t, m.Get(4, 4))
	assert.True(t, m.Get(5, 4))

	// Background outside the blob stays background
	assert.False(t, m.Get(0, 0))
}

func TestMaskFillHolesRespectsMaxArea(t *testing.T) {
	t.Parallel()

	m := NewMask(20, 20)
	m.FillRect(geometry.Rect{X: 0, Y: 0, W: 20, H: 20})
	// Carve a 4x4 hole
	for y := 5; y < 9; y++ {
		for x := 5; x < 9; x++ {
			m.Set(x, y, false)
		}
	}

	m.FillHoles(8)
	assert.False(t, m.Get(6, 6), "16px hole exceeds maxArea 8 and must stay open")

	m.FillHoles(16)
	assert.True(t, m.Get(6, 6))
}

func TestFromPolygon(t *testing.T) {
	t.Parallel()

	square := geometry.Polygon{{X: 2, Y: 2}, {X: 8, Y: 2}, {X: 8, Y: 8}, {X: 2, Y: 8}}
	m := FromPolygon(square, 10, 10)

	assert.True(t, m.Get(5, 5))
	assert.False(t, m.Get(0, 0))
	assert.Equal(t, 36, m.Count())
}

func TestCropOffsets(t *testing.T) {
	t.Parallel()

	img := image.NewRGBA(image.Rect(0, 0, 100, 50))
	img.Set(30, 20, color.RGBA{R: 255, A: 255})

	crop := Crop(img, geometry.Rect{X: 25, Y: 15, W: 20, H: 20})
	b := crop.Bounds()
	require.Equal(t, 20, b.Dx())
	require.Equal(t, 20, b.Dy())

	r, _, _, _ := crop.At(30, 20).RGBA()
	assert.NotZero(t, r, "sub-image keeps source coordinates")
}

func TestVegetationMask(t *testing.T) {
	t.Parallel()

	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 10, G: 200, B: 10, A: 255})  // vegetation
	img.Set(1, 0, color.RGBA{R: 120, G: 110, B: 100, A: 255}) // substrate

	m := VegetationMask(img, 0.38)
	assert.True(t, m.Get(0, 0))
	assert.False(t, m.Get(1, 0))
}
