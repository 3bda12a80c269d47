package estimation

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkarvonen/plantcount-go/internal/calibration"
	"github.com/jkarvonen/plantcount-go/internal/conf"
	"github.com/jkarvonen/plantcount-go/internal/detection"
	"github.com/jkarvonen/plantcount-go/internal/geometry"
	"github.com/jkarvonen/plantcount-go/internal/imaging"
	"github.com/jkarvonen/plantcount-go/internal/segmentation"
)

func estSettings(t *testing.T) *conf.Settings {
	t.Helper()
	s := &conf.Settings{}
	s.Estimation.Enabled = true
	s.Estimation.PixelsPerCm = 1.0 // 1 px2 == 1 cm2 keeps the arithmetic readable
	s.Estimation.MinResidualFrac = 0.05
	s.Estimation.VegetationThresh = 0 // disabled unless a test supplies imagery
	return s
}

func provider(t *testing.T) *calibration.Provider {
	t.Helper()
	p, err := calibration.NewProvider("")
	require.NoError(t, err)
	return p
}

// greenImage returns a uniformly green image so the vegetation filter
// passes every pixel when enabled.
func greenImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 30, G: 200, B: 30, A: 255})
		}
	}
	return img
}

func traySegment(rect geometry.Rect, imgW, imgH int) *segmentation.Segment {
	m := imaging.NewMask(imgW, imgH)
	m.FillRect(rect)
	return &segmentation.Segment{
		ID:        "seg-est",
		Kind:      segmentation.KindDenseTray,
		PixelRect: rect,
		Mask:      m,
	}
}

func TestEstimateDiscretePotCountsDetectionsOnly(t *testing.T) {
	t.Parallel()

	seg := &segmentation.Segment{ID: "pot", Kind: segmentation.KindDiscretePot}
	dets := []detection.Detection{
		{Box: geometry.Box{CX: 10, CY: 10, W: 5, H: 5}},
		{Box: geometry.Box{CX: 30, CY: 10, W: 5, H: 5}},
		{Box: geometry.Box{CX: 50, CY: 10, W: 5, H: 5}},
	}

	est, err := NewStage(estSettings(t), provider(t)).Estimate(greenImage(100, 100), seg, dets, "", "")
	require.NoError(t, err)

	assert.Equal(t, MethodDirect, est.Method)
	assert.Equal(t, 3, est.DetectedCount)
	assert.Equal(t, 0, est.EstimatedExtra)
	assert.Equal(t, 3, est.Total)
}

func TestEstimateDenseTrayAddsResidual(t *testing.T) {
	t.Parallel()

	// 100x100 tray mask = 10000 px2. One detection covering 40x40 =
	// 1600 px2 leaves 8400 px2 residual. At 25 cm2/plant and overlap
	// factor 1.15 (the built-in tray density) the extra count is
	// floor(8400/25*1.15) = 386.
	seg := traySegment(geometry.Rect{X: 0, Y: 0, W: 100, H: 100}, 100, 100)
	dets := []detection.Detection{
		{Box: geometry.Box{CX: 20, CY: 20, W: 40, H: 40}, SegmentID: seg.ID},
	}

	est, err := NewStage(estSettings(t), provider(t)).Estimate(greenImage(100, 100), seg, dets, "", "")
	require.NoError(t, err)

	assert.Equal(t, MethodResidual, est.Method)
	assert.Equal(t, 1, est.DetectedCount)
	assert.InDelta(t, 8400.0, est.ResidualCm2, 1e-9)
	assert.Equal(t, 386, est.EstimatedExtra)
	assert.Equal(t, 387, est.Total)
}

func TestEstimateResidualBelowFloorCountsZeroExtra(t *testing.T) {
	t.Parallel()

	// Detections cover nearly the whole tray; the sliver left over is
	// below MinResidualFrac and must not add phantom plants.
	seg := traySegment(geometry.Rect{X: 0, Y: 0, W: 100, H: 100}, 100, 100)
	dets := []detection.Detection{
		{Box: geometry.Box{CX: 50, CY: 50, W: 100, H: 98}, SegmentID: seg.ID},
	}

	est, err := NewStage(estSettings(t), provider(t)).Estimate(greenImage(100, 100), seg, dets, "", "")
	require.NoError(t, err)

	assert.Equal(t, MethodDirect, est.Method)
	assert.Equal(t, 1, est.Total)
}

func TestEstimateNeverNegative(t *testing.T) {
	t.Parallel()

	// Detections larger than the segment itself: residual subtracts to
	// zero, never below.
	seg := traySegment(geometry.Rect{X: 10, Y: 10, W: 50, H: 50}, 100, 100)
	dets := []detection.Detection{
		{Box: geometry.Box{CX: 35, CY: 35, W: 100, H: 100}, SegmentID: seg.ID},
		{Box: geometry.Box{CX: 35, CY: 35, W: 100, H: 100}, SegmentID: seg.ID},
	}

	est, err := NewStage(estSettings(t), provider(t)).Estimate(greenImage(100, 100), seg, dets, "", "")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, est.EstimatedExtra, 0)
	assert.GreaterOrEqual(t, est.Total, est.DetectedCount)
	assert.Equal(t, 2, est.Total)
}

func TestEstimateVegetationFilterExcludesSubstrate(t *testing.T) {
	t.Parallel()

	settings := estSettings(t)
	settings.Estimation.VegetationThresh = 0.45

	// Left half of the tray is green canopy, right half is brown
	// substrate. Only the green half may contribute to the residual.
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			if x < 50 {
				img.Set(x, y, color.RGBA{R: 30, G: 200, B: 30, A: 255})
			} else {
				img.Set(x, y, color.RGBA{R: 120, G: 90, B: 60, A: 255})
			}
		}
	}

	seg := traySegment(geometry.Rect{X: 0, Y: 0, W: 100, H: 100}, 100, 100)

	est, err := NewStage(settings, provider(t)).Estimate(img, seg, nil, "", "")
	require.NoError(t, err)

	assert.Equal(t, MethodResidual, est.Method)
	assert.InDelta(t, 5000.0, est.ResidualCm2, 1e-9)
}

func TestEstimateBandStructureCountsAlongRows(t *testing.T) {
	t.Parallel()

	// Two full-width planting bands of 10 rows each, separated by bare
	// rows. Band counting: each band averages 100 px of coverage, at
	// 1 px/cm that is 100 cm per band; built-in tray density is
	// 25 cm2/plant so the plant diameter is 5 cm -> 20 plants per band,
	// 40 over both bands, floor(40*1.15) = 46 with the overlap factor.
	m := imaging.NewMask(100, 100)
	m.FillRect(geometry.Rect{X: 0, Y: 10, W: 100, H: 10})
	m.FillRect(geometry.Rect{X: 0, Y: 60, W: 100, H: 10})
	seg := &segmentation.Segment{
		ID:        "seg-bands",
		Kind:      segmentation.KindDenseTray,
		PixelRect: geometry.Rect{X: 0, Y: 0, W: 100, H: 100},
		Mask:      m,
	}

	est, err := NewStage(estSettings(t), provider(t)).Estimate(greenImage(100, 100), seg, nil, "", "")
	require.NoError(t, err)

	assert.Equal(t, MethodBand, est.Method)
	assert.InDelta(t, 2000.0, est.ResidualCm2, 1e-9)
	assert.Equal(t, 46, est.EstimatedExtra)
	assert.Equal(t, 46, est.Total)
}

func TestEstimateDisabledFallsBackToDirect(t *testing.T) {
	t.Parallel()

	settings := estSettings(t)
	settings.Estimation.Enabled = false

	seg := traySegment(geometry.Rect{X: 0, Y: 0, W: 100, H: 100}, 100, 100)

	est, err := NewStage(settings, provider(t)).Estimate(greenImage(100, 100), seg, nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, MethodDirect, est.Method)
	assert.Equal(t, 0, est.Total)
}

func TestEstimateScaleConversion(t *testing.T) {
	t.Parallel()

	// At 2 px/cm, 10000 px2 becomes 2500 cm2.
	settings := estSettings(t)
	settings.Estimation.PixelsPerCm = 2.0

	seg := traySegment(geometry.Rect{X: 0, Y: 0, W: 100, H: 100}, 100, 100)

	est, err := NewStage(settings, provider(t)).Estimate(greenImage(100, 100), seg, nil, "", "")
	require.NoError(t, err)
	assert.InDelta(t, 2500.0, est.ResidualCm2, 1e-9)
}
