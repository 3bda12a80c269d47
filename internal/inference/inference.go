// Package inference wraps the TensorFlow Lite models behind a runtime
// cache keyed by (model kind, resolved device). Stages never touch the
// interpreter directly; they go through a Handle acquired from the Runtime.
package inference

import (
	"context"
	"image"

	"github.com/jkarvonen/plantcount-go/internal/geometry"
	"github.com/jkarvonen/plantcount-go/internal/imaging"
)

// ModelKind identifies one of the inference model artifacts.
type ModelKind string

const (
	KindSegmentation ModelKind = "segmentation"
	KindDetection    ModelKind = "detection"
)

// DeviceCPU is the fallback device every model must be loadable on.
const DeviceCPU = "cpu"

// RawBox is a single detection as emitted by the detection model, in the
// pixel coordinates of whatever image was passed to Detect. Callers own
// the reprojection into any other frame.
type RawBox struct {
	Box        geometry.Box
	Confidence float64
	Class      int
}

// Instance is a single instance-segmentation result: a binary mask over
// the input image plus the predicted container class.
type Instance struct {
	Mask       *imaging.Mask
	Class      int
	Confidence float64
}

// Detector runs object detection over an image.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]RawBox, error)
}

// Segmenter runs instance segmentation over an image.
type Segmenter interface {
	Segment(ctx context.Context, img image.Image) ([]Instance, error)
}
