// Package detection runs sliced object detection inside container
// segments and reprojects every surviving detection into full-image
// absolute pixel coordinates.
//
// The reprojection invariant is the load-bearing property of the whole
// pipeline: no Detection ever leaves this package in any coordinate frame
// other than full-image absolute pixels.
package detection

import (
	"context"
	"fmt"
	"image"
	"sort"

	"github.com/jkarvonen/plantcount-go/internal/conf"
	"github.com/jkarvonen/plantcount-go/internal/errors"
	"github.com/jkarvonen/plantcount-go/internal/geometry"
	"github.com/jkarvonen/plantcount-go/internal/imaging"
	"github.com/jkarvonen/plantcount-go/internal/inference"
	"github.com/jkarvonen/plantcount-go/internal/observability"
	"github.com/jkarvonen/plantcount-go/internal/segmentation"
)

// Detection is one individually identified plant. Box is always in
// full-image absolute pixel space.
type Detection struct {
	Box        geometry.Box
	Confidence float64
	SegmentID  string
}

// Degradation records warning-path issues encountered while processing a
// segment. It is data, not an error: the pipeline aggregates degradations
// into the session's warning status.
type Degradation struct {
	FailedTiles int
	OutOfBounds int
	Reasons     []string
}

// Degraded reports whether any issue was recorded.
func (d *Degradation) Degraded() bool {
	return d.FailedTiles > 0 || d.OutOfBounds > 0
}

func (d *Degradation) addReason(format string, args ...any) {
	d.Reasons = append(d.Reasons, fmt.Sprintf(format, args...))
}

// Merge folds another degradation into this one.
func (d *Degradation) Merge(other Degradation) {
	d.FailedTiles += other.FailedTiles
	d.OutOfBounds += other.OutOfBounds
	d.Reasons = append(d.Reasons, other.Reasons...)
}

// Detector is the model contract this stage needs. *inference.Handle
// satisfies it.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]inference.RawBox, error)
}

// Stage runs tiled and direct detection over segments.
type Stage struct {
	settings *conf.Settings
	model    Detector
}

// NewStage creates a detection stage around the given model.
func NewStage(settings *conf.Settings, model Detector) *Stage {
	return &Stage{settings: settings, model: model}
}

// Reproject translates a tile-local box into full-image absolute pixels
// by the composed crop and tile offsets. Width and height are invariant.
func Reproject(local geometry.Box, tileOff, cropOff geometry.Offset) geometry.Box {
	return local.Translate(tileOff.Compose(cropOff))
}

// DetectTiled crops the image to the segment, slices the crop into
// overlapping tiles, detects per tile, merges duplicates across tile
// overlaps with non-max suppression, and reprojects every surviving
// detection into full-image absolute pixels.
func (s *Stage) DetectTiled(ctx context.Context, img image.Image, seg *segmentation.Segment) ([]Detection, Degradation, error) {
	return s.detect(ctx, img, seg, true)
}

// DetectDirect runs a single detection pass over the segment crop without
// tiling. Used for discrete-pot segments.
func (s *Stage) DetectDirect(ctx context.Context, img image.Image, seg *segmentation.Segment) ([]Detection, Degradation, error) {
	return s.detect(ctx, img, seg, false)
}

func (s *Stage) detect(ctx context.Context, img image.Image, seg *segmentation.Segment, tiled bool) ([]Detection, Degradation, error) {
	var deg Degradation

	b := img.Bounds()
	imgW, imgH := b.Dx(), b.Dy()

	cropRect := seg.PixelRect.Intersect(geometry.Rect{W: imgW, H: imgH})
	if cropRect.Area() == 0 {
		return nil, deg, errors.Newf("segment %s bounding box lies outside the image", seg.ID).
			Component("detection").
			Category(errors.CategoryValidation).
			Build()
	}
	cropOff := geometry.Offset{DX: cropRect.X, DY: cropRect.Y}

	var tiles []geometry.Rect
	if tiled {
		tiles = Tiles(cropRect.W, cropRect.H, s.settings.Detection.TileSize, s.settings.Detection.TileOverlap)
	} else {
		tiles = []geometry.Rect{{W: cropRect.W, H: cropRect.H}}
	}

	// Collect detections in crop coordinates for the NMS pass
	var cropBoxes []inference.RawBox
	for _, tile := range tiles {
		if err := ctx.Err(); err != nil {
			return nil, deg, err
		}

		tileAbs := geometry.Rect{X: tile.X + cropOff.DX, Y: tile.Y + cropOff.DY, W: tile.W, H: tile.H}
		tileImg := imaging.Crop(img, tileAbs)
		tileOff := geometry.Offset{DX: tile.X, DY: tile.Y}

		local, err := s.detectTile(ctx, tileImg)
		if err != nil {
			deg.FailedTiles++
			deg.addReason("tile (%d,%d) inference failed after retries: %v", tile.X, tile.Y, err)
			logger.Warn("Tile inference failed, dropping tile detections",
				"segment_id", seg.ID,
				"tile_x", tile.X, "tile_y", tile.Y,
				"error", err)
			continue
		}

		for _, raw := range local {
			if raw.Confidence < s.settings.Detection.Confidence {
				continue
			}
			raw.Box = raw.Box.Translate(tileOff)
			cropBoxes = append(cropBoxes, raw)
		}
	}

	merged := nonMaxSuppression(cropBoxes, s.settings.Detection.NMSThreshold)

	detections := make([]Detection, 0, len(merged))
	for _, raw := range merged {
		abs := raw.Box.Translate(cropOff)

		// A transformed box outside the image bounds means a tiling or
		// transform defect, not a low-quality detection. Logged as its
		// own defect class and discarded, never persisted.
		if !abs.ToRect().Inside(imgW, imgH) {
			deg.OutOfBounds++
			deg.addReason("detection at (%.0f,%.0f) transformed outside image bounds", abs.CX, abs.CY)
			observability.CoordinateViolations.Inc()
			logger.Error("Coordinate transform violation, discarding detection",
				"segment_id", seg.ID,
				"center_x", abs.CX, "center_y", abs.CY,
				"box_w", abs.W, "box_h", abs.H,
				"image_w", imgW, "image_h", imgH,
				"category", string(errors.CategoryCoordinateTransform))
			continue
		}

		detections = append(detections, Detection{
			Box:        abs,
			Confidence: raw.Confidence,
			SegmentID:  seg.ID,
		})
	}

	observability.DetectionsProduced.Add(float64(len(detections)))
	return detections, deg, nil
}

// detectTile invokes the model with bounded immediate retries. Backoff
// between attempts lives at the coordinator's sub-job level; tile retries
// only absorb transient interpreter hiccups.
func (s *Stage) detectTile(ctx context.Context, tileImg image.Image) ([]inference.RawBox, error) {
	attempts := s.settings.Pipeline.SubJobRetry.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		boxes, err := s.model.Detect(ctx, tileImg)
		if err == nil {
			return boxes, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Tiles partitions a crop of the given dimensions into fixed-size square
// tiles with the given overlap ratio. Offsets are relative to the crop.
// Edge tiles are shifted inward so every tile is full-size whenever the
// crop allows it.
func Tiles(cropW, cropH, tileSize int, overlap float64) []geometry.Rect {
	if cropW <= 0 || cropH <= 0 || tileSize <= 0 {
		return nil
	}

	stride := int(float64(tileSize) * (1 - overlap))
	if stride < 1 {
		stride = 1
	}

	xs := tileStarts(cropW, tileSize, stride)
	ys := tileStarts(cropH, tileSize, stride)

	tiles := make([]geometry.Rect, 0, len(xs)*len(ys))
	for _, y := range ys {
		for _, x := range xs {
			tiles = append(tiles, geometry.Rect{
				X: x,
				Y: y,
				W: min(tileSize, cropW-x),
				H: min(tileSize, cropH-y),
			})
		}
	}
	return tiles
}

func tileStarts(extent, tileSize, stride int) []int {
	if extent <= tileSize {
		return []int{0}
	}
	var starts []int
	for x := 0; ; x += stride {
		if x+tileSize >= extent {
			starts = append(starts, extent-tileSize)
			break
		}
		starts = append(starts, x)
	}
	return starts
}

// nonMaxSuppression keeps the highest-confidence box out of every group
// of boxes overlapping above the IoU threshold. Input boxes must share a
// coordinate frame.
func nonMaxSuppression(boxes []inference.RawBox, iouThreshold float64) []inference.RawBox {
	if len(boxes) <= 1 {
		return boxes
	}

	sorted := make([]inference.RawBox, len(boxes))
	copy(sorted, boxes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]inference.RawBox, 0, len(sorted))
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] {
				continue
			}
			if geometry.IoU(sorted[i].Box, sorted[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}
