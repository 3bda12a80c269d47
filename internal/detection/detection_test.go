package detection

import (
	"context"
	"fmt"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkarvonen/plantcount-go/internal/conf"
	"github.com/jkarvonen/plantcount-go/internal/geometry"
	"github.com/jkarvonen/plantcount-go/internal/imaging"
	"github.com/jkarvonen/plantcount-go/internal/inference"
	"github.com/jkarvonen/plantcount-go/internal/segmentation"
)

// fakeDetector returns scripted boxes keyed by the tile's absolute
// top-left corner in full-image coordinates, which the test derives from
// the sub-image bounds.
type fakeDetector struct {
	boxesByTile map[[2]int][]inference.RawBox
	failTiles   map[[2]int]int // remaining failures per tile
	calls       int
}

func (f *fakeDetector) Detect(ctx context.Context, img image.Image) ([]inference.RawBox, error) {
	f.calls++
	key := [2]int{img.Bounds().Min.X, img.Bounds().Min.Y}
	if f.failTiles != nil && f.failTiles[key] > 0 {
		f.failTiles[key]--
		return nil, fmt.Errorf("interpreter error")
	}
	return f.boxesByTile[key], nil
}

func detSettings() *conf.Settings {
	s := &conf.Settings{}
	s.Detection.Confidence = 0.3
	s.Detection.TileSize = 1000
	s.Detection.TileOverlap = 0.0
	s.Detection.NMSThreshold = 0.45
	s.Pipeline.SubJobRetry.MaxRetries = 2
	return s
}

func traySegment(rect geometry.Rect, imgW, imgH int) *segmentation.Segment {
	m := imaging.NewMask(imgW, imgH)
	m.FillRect(rect)
	return &segmentation.Segment{
		ID:        "seg-1",
		Kind:      segmentation.KindDenseTray,
		PixelRect: rect,
		Mask:      m,
	}
}

func TestReprojectComposesOffsets(t *testing.T) {
	t.Parallel()

	// Crop offset (1000,500), tile offset (200,300), local (50,60)
	// must land at exactly (1250,860).
	local := geometry.Box{CX: 50, CY: 60, W: 30, H: 30}
	abs := Reproject(local, geometry.Offset{DX: 200, DY: 300}, geometry.Offset{DX: 1000, DY: 500})

	assert.InDelta(t, 1250.0, abs.CX, 1e-9)
	assert.InDelta(t, 860.0, abs.CY, 1e-9)
	assert.InDelta(t, 30.0, abs.W, 1e-9)
	assert.InDelta(t, 30.0, abs.H, 1e-9)
}

func TestDetectTiledAbsoluteCoordinates(t *testing.T) {
	t.Parallel()

	// 4000x3000 image, dense-tray segment at (1000,500) sized 2000x1500,
	// tiles of 1000px with no overlap. Tile at crop offset (200? no —
	// the second tile column starts at crop x=1000, absolute x=2000).
	// Script one local detection at (50,60) in the tile whose absolute
	// origin is (2000,1000), i.e. crop-relative tile offset (1000,500).
	img := image.NewRGBA(image.Rect(0, 0, 4000, 3000))
	seg := traySegment(geometry.Rect{X: 1000, Y: 500, W: 2000, H: 1500}, 4000, 3000)

	model := &fakeDetector{boxesByTile: map[[2]int][]inference.RawBox{
		{2000, 1000}: {{Box: geometry.Box{CX: 50, CY: 60, W: 30, H: 30}, Confidence: 0.9}},
	}}

	dets, deg, err := NewStage(detSettings(), model).DetectTiled(context.Background(), img, seg)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.False(t, deg.Degraded())

	// local (50,60) + tile (1000,500) + crop (1000,500) = (2050,1060)
	assert.InDelta(t, 2050.0, dets[0].Box.CX, 1e-9)
	assert.InDelta(t, 1060.0, dets[0].Box.CY, 1e-9)
	assert.InDelta(t, 30.0, dets[0].Box.W, 1e-9)
	assert.Equal(t, "seg-1", dets[0].SegmentID)
}

func TestDetectTiledSpecScenario(t *testing.T) {
	t.Parallel()

	// Image 4000x3000, one dense-tray segment at (1000,500,2000,1500)
	// restricted to two 1000x500 tiles by segment height 500. Tile A at
	// crop (0,0) reports one local detection at (50,60), tile B none.
	img := image.NewRGBA(image.Rect(0, 0, 4000, 3000))
	seg := traySegment(geometry.Rect{X: 1000, Y: 500, W: 2000, H: 500}, 4000, 3000)

	settings := detSettings()
	settings.Detection.TileSize = 1000

	// Tile A absolute origin (1000,500); with the (200,300) tile offset
	// from the spec example exercised separately in TestReproject.
	model := &fakeDetector{boxesByTile: map[[2]int][]inference.RawBox{
		{1000, 500}: {{Box: geometry.Box{CX: 250, CY: 360, W: 40, H: 40}, Confidence: 0.8}},
	}}

	dets, deg, err := NewStage(settings, model).DetectTiled(context.Background(), img, seg)
	require.NoError(t, err)
	require.Len(t, dets, 1, "exactly one persisted detection")
	assert.False(t, deg.Degraded())

	assert.InDelta(t, 1250.0, dets[0].Box.CX, 1e-9)
	assert.InDelta(t, 860.0, dets[0].Box.CY, 1e-9)
}

func TestDetectTiledOutOfBoundsDiscarded(t *testing.T) {
	t.Parallel()

	img := image.NewRGBA(image.Rect(0, 0, 1200, 1200))
	seg := traySegment(geometry.Rect{X: 900, Y: 900, W: 300, H: 300}, 1200, 1200)

	// Local box whose transformed right edge exceeds the image width
	model := &fakeDetector{boxesByTile: map[[2]int][]inference.RawBox{
		{900, 900}: {
			{Box: geometry.Box{CX: 295, CY: 100, W: 40, H: 40}, Confidence: 0.9}, // right edge at 1215
			{Box: geometry.Box{CX: 100, CY: 100, W: 40, H: 40}, Confidence: 0.9}, // fully inside
		},
	}}

	dets, deg, err := NewStage(detSettings(), model).DetectTiled(context.Background(), img, seg)
	require.NoError(t, err)

	require.Len(t, dets, 1, "out-of-bounds detection must never be persisted")
	assert.InDelta(t, 1000.0, dets[0].Box.CX, 1e-9)
	assert.Equal(t, 1, deg.OutOfBounds, "violation must be counted in the degradation log")
	assert.True(t, deg.Degraded())
}

func TestDetectTiledNMSMergesOverlapDuplicates(t *testing.T) {
	t.Parallel()

	// 50% overlap: the same physical plant appears in two adjacent
	// tiles; NMS in crop coordinates must keep only the stronger box.
	img := image.NewRGBA(image.Rect(0, 0, 2000, 1000))
	seg := traySegment(geometry.Rect{X: 0, Y: 0, W: 1500, H: 500}, 2000, 1000)

	settings := detSettings()
	settings.Detection.TileSize = 1000
	settings.Detection.TileOverlap = 0.5

	// Plant at crop (700,200): tile at x=0 sees it at local (700,200),
	// tile at x=500 sees it at local (200,200).
	model := &fakeDetector{boxesByTile: map[[2]int][]inference.RawBox{
		{0, 0}:   {{Box: geometry.Box{CX: 700, CY: 200, W: 60, H: 60}, Confidence: 0.7}},
		{500, 0}: {{Box: geometry.Box{CX: 200, CY: 200, W: 60, H: 60}, Confidence: 0.9}},
	}}

	dets, _, err := NewStage(settings, model).DetectTiled(context.Background(), img, seg)
	require.NoError(t, err)

	require.Len(t, dets, 1, "duplicate across tile overlap must merge to one")
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-9)
	assert.InDelta(t, 700.0, dets[0].Box.CX, 1e-9)
}

func TestDetectTiledRetriesTransientTileFailure(t *testing.T) {
	t.Parallel()

	img := image.NewRGBA(image.Rect(0, 0, 1000, 1000))
	seg := traySegment(geometry.Rect{X: 0, Y: 0, W: 500, H: 500}, 1000, 1000)

	model := &fakeDetector{
		boxesByTile: map[[2]int][]inference.RawBox{
			{0, 0}: {{Box: geometry.Box{CX: 100, CY: 100, W: 40, H: 40}, Confidence: 0.9}},
		},
		failTiles: map[[2]int]int{{0, 0}: 2}, // fails twice, succeeds third
	}

	dets, deg, err := NewStage(detSettings(), model).DetectTiled(context.Background(), img, seg)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.False(t, deg.Degraded(), "recovered tile is not a degradation")
}

func TestDetectTiledExhaustedTileMarksDegraded(t *testing.T) {
	t.Parallel()

	img := image.NewRGBA(image.Rect(0, 0, 1000, 1000))
	seg := traySegment(geometry.Rect{X: 0, Y: 0, W: 500, H: 500}, 1000, 1000)

	model := &fakeDetector{
		failTiles: map[[2]int]int{{0, 0}: 10}, // more failures than attempts
	}

	dets, deg, err := NewStage(detSettings(), model).DetectTiled(context.Background(), img, seg)
	require.NoError(t, err, "exhausted tile degrades the segment, it does not fail the stage")
	assert.Empty(t, dets)
	assert.Equal(t, 1, deg.FailedTiles)
	assert.True(t, deg.Degraded())
}

func TestDetectDirectNoTiling(t *testing.T) {
	t.Parallel()

	img := image.NewRGBA(image.Rect(0, 0, 4000, 3000))
	seg := &segmentation.Segment{
		ID:        "pot-seg",
		Kind:      segmentation.KindDiscretePot,
		PixelRect: geometry.Rect{X: 3000, Y: 2000, W: 400, H: 400},
	}

	model := &fakeDetector{boxesByTile: map[[2]int][]inference.RawBox{
		{3000, 2000}: {{Box: geometry.Box{CX: 120, CY: 110, W: 80, H: 80}, Confidence: 0.95}},
	}}

	dets, deg, err := NewStage(detSettings(), model).DetectDirect(context.Background(), img, seg)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.False(t, deg.Degraded())
	assert.Equal(t, 1, model.calls, "direct detection runs a single inference")

	assert.InDelta(t, 3120.0, dets[0].Box.CX, 1e-9)
	assert.InDelta(t, 2110.0, dets[0].Box.CY, 1e-9)
}

func TestTilesCoverCropExactly(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		w, h      int
		tileSize  int
		overlap   float64
		wantTiles int
	}{
		{"exact grid no overlap", 2000, 1000, 1000, 0.0, 2},
		{"crop smaller than tile", 300, 200, 1000, 0.2, 1},
		{"overlap adds tiles", 2000, 1000, 1000, 0.5, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tiles := Tiles(tt.w, tt.h, tt.tileSize, tt.overlap)
			assert.Len(t, tiles, tt.wantTiles)

			// Every pixel of the crop is covered by some tile
			covered := imaging.NewMask(tt.w, tt.h)
			for _, tile := range tiles {
				covered.FillRect(tile)
				assert.True(t, tile.Inside(tt.w, tt.h), "tile %+v escapes the crop", tile)
			}
			assert.Equal(t, tt.w*tt.h, covered.Count(), "tiles must cover the crop")
		})
	}
}

func TestNonMaxSuppressionKeepsDistinctBoxes(t *testing.T) {
	t.Parallel()

	boxes := []inference.RawBox{
		{Box: geometry.Box{CX: 100, CY: 100, W: 40, H: 40}, Confidence: 0.9},
		{Box: geometry.Box{CX: 105, CY: 100, W: 40, H: 40}, Confidence: 0.8}, // heavy overlap
		{Box: geometry.Box{CX: 300, CY: 300, W: 40, H: 40}, Confidence: 0.7}, // distinct
	}

	kept := nonMaxSuppression(boxes, 0.45)
	require.Len(t, kept, 2)
	assert.InDelta(t, 0.9, kept[0].Confidence, 1e-9)
	assert.InDelta(t, 0.7, kept[1].Confidence, 1e-9)
}
