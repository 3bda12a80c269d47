// Package estimation derives plant counts from detections, topping dense
// trays up with a residual-area estimate for plants the detector cannot
// separate. Discrete pots are counted directly from detections.
package estimation

import (
	"image"
	"math"

	"github.com/jkarvonen/plantcount-go/internal/calibration"
	"github.com/jkarvonen/plantcount-go/internal/conf"
	"github.com/jkarvonen/plantcount-go/internal/detection"
	"github.com/jkarvonen/plantcount-go/internal/errors"
	"github.com/jkarvonen/plantcount-go/internal/geometry"
	"github.com/jkarvonen/plantcount-go/internal/imaging"
	"github.com/jkarvonen/plantcount-go/internal/observability"
	"github.com/jkarvonen/plantcount-go/internal/segmentation"
)

// Method identifies how a count was produced.
type Method string

const (
	// MethodDirect counts one plant per detection.
	MethodDirect Method = "direct"
	// MethodResidual adds a density-based estimate over the residual
	// vegetation area.
	MethodResidual Method = "residual_area"
	// MethodBand estimates along planting bands when the residual shows
	// distinct row structure.
	MethodBand Method = "band"
)

// Band detection over the residual mask. A row belongs to a band when at
// least bandCoverageFrac of the segment width is residual vegetation;
// band structure is only trusted with minBands separate runs.
const (
	bandCoverageFrac = 0.35
	minBands         = 2
)

// Estimate is the per-segment counting result.
type Estimate struct {
	SegmentID      string
	Method         Method
	DetectedCount  int     // plants individually detected
	EstimatedExtra int     // plants inferred from residual vegetation area
	Total          int     // DetectedCount + EstimatedExtra
	ResidualCm2    float64 // vegetation area not covered by detections
}

// Stage computes estimates from detections and segment masks.
type Stage struct {
	settings    *conf.Settings
	calibration *calibration.Provider
}

func NewStage(settings *conf.Settings, cal *calibration.Provider) *Stage {
	return &Stage{settings: settings, calibration: cal}
}

// Estimate produces the count for one segment. For discrete pots, or when
// estimation is disabled, the count is the number of detections. For dense
// trays it additionally converts residual vegetation area into plant units
// using the calibration density for the segment's product. product and
// packaging come from the resolved location and may be empty.
func (s *Stage) Estimate(img image.Image, seg *segmentation.Segment, dets []detection.Detection, product, packaging string) (*Estimate, error) {
	est := &Estimate{
		SegmentID:     seg.ID,
		Method:        MethodDirect,
		DetectedCount: len(dets),
		Total:         len(dets),
	}

	if !s.settings.Estimation.Enabled || seg.Kind != segmentation.KindDenseTray {
		return est, nil
	}
	if seg.Mask == nil {
		return nil, errors.Newf("segment %s has no mask for residual estimation", seg.ID).
			Component("estimation").
			Category(errors.CategoryEstimation).
			Build()
	}

	params, err := s.calibration.DensityParams(seg.Kind.String(), product, packaging)
	if err != nil {
		return nil, err
	}

	residual := s.residualMask(img, seg, dets)
	residualPx := residual.Count()
	segmentPx := seg.Mask.Count()

	// Small residuals are mask noise around detected canopies, not
	// missed plants.
	if segmentPx == 0 || float64(residualPx)/float64(segmentPx) < s.settings.Estimation.MinResidualFrac {
		return est, nil
	}

	ppc := s.settings.Estimation.PixelsPerCm
	if ppc <= 0 {
		return nil, errors.Newf("pixels-per-cm scale must be positive, got %g", ppc).
			Component("estimation").
			Category(errors.CategoryConfiguration).
			Build()
	}

	est.ResidualCm2 = float64(residualPx) / (ppc * ppc)

	var extra float64
	if bands := bandRuns(residual, seg.PixelRect); len(bands) >= minBands {
		// Row structure: count plants along each band instead of by
		// raw area, which overcounts the gaps between rows.
		est.Method = MethodBand
		diameterCm := math.Sqrt(params.AvgPlantAreaCm2)
		for _, b := range bands {
			extra += b.meanCoveragePx() / ppc / diameterCm
		}
		extra = math.Floor(extra * params.OverlapFactor)
	} else {
		est.Method = MethodResidual
		extra = math.Floor(est.ResidualCm2 / params.AvgPlantAreaCm2 * params.OverlapFactor)
	}
	if extra < 0 {
		extra = 0
	}
	est.EstimatedExtra = int(extra)
	est.Total = est.DetectedCount + est.EstimatedExtra

	observability.EstimatedUnits.Add(float64(est.EstimatedExtra))
	logger.Debug("Residual estimation complete",
		"segment_id", seg.ID,
		"method", string(est.Method),
		"detected", est.DetectedCount,
		"residual_cm2", est.ResidualCm2,
		"estimated_extra", est.EstimatedExtra)

	return est, nil
}

// bandRun is one contiguous run of rows with band-level coverage.
type bandRun struct {
	rows       int
	coveragePx int
}

func (b bandRun) meanCoveragePx() float64 {
	if b.rows == 0 {
		return 0
	}
	return float64(b.coveragePx) / float64(b.rows)
}

// bandRuns scans the segment rect row by row and groups contiguous rows
// whose residual coverage reaches the band threshold.
func bandRuns(residual *imaging.Mask, rect geometry.Rect) []bandRun {
	minRow := int(bandCoverageFrac * float64(rect.W))
	if minRow < 1 {
		minRow = 1
	}

	var bands []bandRun
	var cur *bandRun
	for y := rect.Y; y < rect.Bottom(); y++ {
		count := 0
		for x := rect.X; x < rect.Right(); x++ {
			if residual.Get(x, y) {
				count++
			}
		}
		if count >= minRow {
			if cur == nil {
				bands = append(bands, bandRun{})
				cur = &bands[len(bands)-1]
			}
			cur.rows++
			cur.coveragePx += count
		} else {
			cur = nil
		}
	}
	return bands
}

// residualMask is the vegetation inside the segment mask that no
// detection footprint covers. The vegetation filter keeps soil, tray
// plastic and substrate out of the residual so only canopy area converts
// into plant units.
func (s *Stage) residualMask(img image.Image, seg *segmentation.Segment, dets []detection.Detection) *imaging.Mask {
	residual := seg.Mask.Clone()

	footprint := imaging.NewMask(residual.W, residual.H)
	for i := range dets {
		footprint.FillRect(dets[i].Box.ToRect())
	}
	residual.Subtract(footprint)

	if s.settings.Estimation.VegetationThresh > 0 {
		residual.Intersect(imaging.VegetationMask(img, s.settings.Estimation.VegetationThresh))
	}

	return residual
}
