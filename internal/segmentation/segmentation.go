// Package segmentation runs the instance-segmentation model over the full
// photo and turns raw instances into container segments that drive the
// downstream detection strategy.
package segmentation

import (
	"context"
	"fmt"
	"image"

	"github.com/google/uuid"

	"github.com/jkarvonen/plantcount-go/internal/conf"
	"github.com/jkarvonen/plantcount-go/internal/errors"
	"github.com/jkarvonen/plantcount-go/internal/geometry"
	"github.com/jkarvonen/plantcount-go/internal/imaging"
	"github.com/jkarvonen/plantcount-go/internal/inference"
)

// ContainerKind classifies the physical sub-container a segment maps to.
// The kind selects the downstream strategy: dense trays get tiled
// detection plus residual estimation, discrete pots get direct detection.
type ContainerKind int

const (
	KindUnknown ContainerKind = iota
	KindDenseTray
	KindDiscretePot
)

// String returns the container kind name.
func (k ContainerKind) String() string {
	switch k {
	case KindDenseTray:
		return "dense_tray"
	case KindDiscretePot:
		return "discrete_pot"
	default:
		return "unknown"
	}
}

// ParseContainerKind converts a kind name back to a ContainerKind.
func ParseContainerKind(s string) ContainerKind {
	switch s {
	case "dense_tray":
		return KindDenseTray
	case "discrete_pot":
		return KindDiscretePot
	default:
		return KindUnknown
	}
}

// Model class ids as trained. Anything else maps to KindUnknown and the
// segment is skipped.
var classKinds = map[int]ContainerKind{
	0: KindDenseTray,
	1: KindDiscretePot,
}

// Segment is one detected sub-container within a session's photo.
// Immutable once returned from the stage.
type Segment struct {
	ID         string
	Kind       ContainerKind
	Confidence float64
	NormPoly   geometry.NormPolygon // bounding polygon in unit-square space
	PixelRect  geometry.Rect        // bounding box in full-image pixels
	Mask       *imaging.Mask        // full-image resolution instance mask
}

// Segmenter is the model contract this stage needs. *inference.Handle
// satisfies it.
type Segmenter interface {
	Segment(ctx context.Context, img image.Image) ([]inference.Instance, error)
}

// Stage runs segmentation with post-processing.
type Stage struct {
	settings *conf.Settings
	model    Segmenter
}

// NewStage creates a segmentation stage around the given model.
func NewStage(settings *conf.Settings, model Segmenter) *Stage {
	return &Stage{settings: settings, model: model}
}

// Run segments the photo into container segments. Masks are
// morphologically closed and small holes filled before bounding-box
// extraction so one physical container does not fragment into several
// spurious segments.
func (s *Stage) Run(ctx context.Context, img image.Image) ([]Segment, error) {
	instances, err := s.model.Segment(ctx, img)
	if err != nil {
		return nil, errors.New(fmt.Errorf("segmentation inference: %w", err)).
			Component("segmentation").
			Category(errors.CategorySegmentation).
			Build()
	}

	b := img.Bounds()
	imgArea := b.Dx() * b.Dy()
	minArea := int(float64(imgArea) * s.settings.Segmentation.MinAreaFrac)

	cfg := s.settings.Segmentation
	segments := make([]Segment, 0, len(instances))
	for _, inst := range instances {
		if inst.Confidence < cfg.Confidence {
			continue
		}
		kind, ok := classKinds[inst.Class]
		if !ok {
			logger.Debug("Skipping instance with unknown container class",
				"class", inst.Class, "confidence", inst.Confidence)
			continue
		}

		mask := inst.Mask.Clone()
		mask.Close(cfg.MorphPasses)
		mask.FillHoles(cfg.MaxHoleAreaPx)

		if mask.Count() < minArea {
			continue
		}

		rect := mask.BoundingRect()
		poly := geometry.Polygon{
			{X: float64(rect.X), Y: float64(rect.Y)},
			{X: float64(rect.Right()), Y: float64(rect.Y)},
			{X: float64(rect.Right()), Y: float64(rect.Bottom())},
			{X: float64(rect.X), Y: float64(rect.Bottom())},
		}

		segments = append(segments, Segment{
			ID:         uuid.New().String(),
			Kind:       kind,
			Confidence: inst.Confidence,
			NormPoly:   poly.Normalize(b.Dx(), b.Dy()),
			PixelRect:  rect,
			Mask:       mask,
		})
	}

	logger.Info("Segmentation complete",
		"instances", len(instances),
		"segments", len(segments))

	return segments, nil
}
