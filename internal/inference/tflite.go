package inference

import (
	"context"
	"fmt"
	"image"
	"os"
	"runtime"

	tflite "github.com/tphakala/go-tflite"
	"github.com/tphakala/go-tflite/delegates/xnnpack"

	"github.com/jkarvonen/plantcount-go/internal/conf"
	"github.com/jkarvonen/plantcount-go/internal/geometry"
	"github.com/jkarvonen/plantcount-go/internal/imaging"
)

// loadTFLite is the production LoadFunc. It reads the model artifact from
// disk, builds an interpreter with the XNNPACK delegate when an
// accelerator device was requested, and degrades to plain CPU execution
// when the delegate cannot be created.
func loadTFLite(kind ModelKind, settings *conf.Settings, device string) (LoadResult, error) {
	var ms conf.ModelSettings
	switch kind {
	case KindSegmentation:
		ms = settings.Inference.Segmentation
	case KindDetection:
		ms = settings.Inference.Detection
	default:
		return LoadResult{}, fmt.Errorf("unknown model kind %q", kind)
	}

	modelData, err := os.ReadFile(ms.Path) //nolint:gosec // G304: model path comes from application settings
	if err != nil {
		return LoadResult{}, fmt.Errorf("reading model file %s: %w", ms.Path, err)
	}

	model := tflite.NewModel(modelData)
	if model == nil {
		return LoadResult{}, fmt.Errorf("cannot parse TensorFlow Lite model %s", ms.Path)
	}

	threads := determineThreadCount(ms.Threads)
	options := tflite.NewInterpreterOptions()

	actualDevice := DeviceCPU
	if device != DeviceCPU && ms.UseXNNPACK {
		delegate := xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(max(1, threads-1))}) //nolint:gosec // G115: thread count bounded by CPU count
		if delegate == nil {
			options.SetNumThread(threads)
		} else {
			options.AddDelegate(delegate)
			options.SetNumThread(1)
			actualDevice = device
		}
	} else {
		options.SetNumThread(threads)
	}

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		return LoadResult{}, fmt.Errorf("cannot create interpreter for %s", ms.Path)
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		return LoadResult{}, fmt.Errorf("tensor allocation failed for %s", ms.Path)
	}

	closer := func() {
		interpreter.Delete()
		model.Delete()
	}

	var impl any
	switch kind {
	case KindDetection:
		impl = &tfliteDetector{interpreter: interpreter}
	case KindSegmentation:
		impl = &tfliteSegmenter{interpreter: interpreter}
	}

	return LoadResult{Model: impl, Device: actualDevice, Closer: closer}, nil
}

// determineThreadCount returns the interpreter thread count, capped at
// the CPU count when unconfigured.
func determineThreadCount(configured int) int {
	if configured > 0 {
		return configured
	}
	return runtime.NumCPU()
}

// tfliteDetector decodes the detection head: one output tensor of
// [1, N, 6] rows holding (cx, cy, w, h, confidence, class) normalized to
// the model input square.
type tfliteDetector struct {
	interpreter *tflite.Interpreter
}

func (d *tfliteDetector) Detect(ctx context.Context, img image.Image) ([]RawBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input := d.interpreter.GetInputTensor(0)
	if input == nil {
		return nil, fmt.Errorf("cannot get input tensor")
	}
	inH, inW := input.Dim(1), input.Dim(2)
	fillInputTensor(input, img, inW, inH)

	if status := d.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("tensor invoke failed: %v", status)
	}

	output := d.interpreter.GetOutputTensor(0)
	if output == nil {
		return nil, fmt.Errorf("cannot get output tensor")
	}

	rows := output.Dim(1)
	vals := output.Float32s()
	if len(vals) < rows*6 {
		return nil, fmt.Errorf("unexpected detection output size %d for %d rows", len(vals), rows)
	}

	b := img.Bounds()
	sw, sh := float64(b.Dx()), float64(b.Dy())

	boxes := make([]RawBox, 0, rows)
	for i := 0; i < rows; i++ {
		row := vals[i*6 : i*6+6]
		conf := float64(row[4])
		if conf <= 0 {
			continue
		}
		boxes = append(boxes, RawBox{
			Box: geometry.Box{
				CX: float64(row[0]) * sw,
				CY: float64(row[1]) * sh,
				W:  float64(row[2]) * sw,
				H:  float64(row[3]) * sh,
			},
			Confidence: conf,
			Class:      int(row[5]),
		})
	}
	return boxes, nil
}

// tfliteSegmenter decodes the instance segmentation head: output 0 holds
// instance masks [1, N, mh, mw], output 1 confidences [1, N], output 2
// class ids [1, N].
type tfliteSegmenter struct {
	interpreter *tflite.Interpreter
}

func (s *tfliteSegmenter) Segment(ctx context.Context, img image.Image) ([]Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input := s.interpreter.GetInputTensor(0)
	if input == nil {
		return nil, fmt.Errorf("cannot get input tensor")
	}
	inH, inW := input.Dim(1), input.Dim(2)
	fillInputTensor(input, img, inW, inH)

	if status := s.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("tensor invoke failed: %v", status)
	}

	masks := s.interpreter.GetOutputTensor(0)
	scores := s.interpreter.GetOutputTensor(1)
	classes := s.interpreter.GetOutputTensor(2)
	if masks == nil || scores == nil || classes == nil {
		return nil, fmt.Errorf("cannot get output tensors")
	}

	n := masks.Dim(1)
	mh, mw := masks.Dim(2), masks.Dim(3)
	maskVals := masks.Float32s()
	scoreVals := scores.Float32s()
	classVals := classes.Float32s()

	b := img.Bounds()
	outW, outH := b.Dx(), b.Dy()

	instances := make([]Instance, 0, n)
	for i := 0; i < n; i++ {
		conf := float64(scoreVals[i])
		if conf <= 0 {
			continue
		}
		plane := maskVals[i*mh*mw : (i+1)*mh*mw]
		mask := imaging.NewMask(outW, outH)
		for y := 0; y < outH; y++ {
			my := y * mh / outH
			for x := 0; x < outW; x++ {
				mx := x * mw / outW
				if plane[my*mw+mx] > 0.5 {
					mask.Set(x, y, true)
				}
			}
		}
		instances = append(instances, Instance{
			Mask:       mask,
			Class:      int(classVals[i]),
			Confidence: conf,
		})
	}
	return instances, nil
}

// fillInputTensor resizes the image to the model input square with
// nearest-neighbor sampling and writes normalized RGB floats.
func fillInputTensor(tensor *tflite.Tensor, img image.Image, inW, inH int) {
	buf := tensor.Float32s()
	b := img.Bounds()
	sw, sh := b.Dx(), b.Dy()

	for y := 0; y < inH; y++ {
		sy := b.Min.Y + y*sh/inH
		for x := 0; x < inW; x++ {
			sx := b.Min.X + x*sw/inW
			r, g, bl, _ := img.At(sx, sy).RGBA()
			i := (y*inW + x) * 3
			buf[i] = float32(r>>8) / 255.0
			buf[i+1] = float32(g>>8) / 255.0
			buf[i+2] = float32(bl>>8) / 255.0
		}
	}
}
