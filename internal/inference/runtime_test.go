package inference

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkarvonen/plantcount-go/internal/conf"
	"github.com/jkarvonen/plantcount-go/internal/observability"
)

type stubDetector struct{}

func (stubDetector) Detect(ctx context.Context, img image.Image) ([]RawBox, error) {
	return nil, nil
}

func testSettings() *conf.Settings {
	s := &conf.Settings{}
	s.Inference.Device = "cpu"
	return s
}

func countingLoader(loads *atomic.Int64) LoadFunc {
	return func(kind ModelKind, settings *conf.Settings, device string) (LoadResult, error) {
		loads.Add(1)
		return LoadResult{Model: stubDetector{}, Device: device}, nil
	}
}

func TestAcquireReturnsSameHandle(t *testing.T) {
	t.Parallel()

	var loads atomic.Int64
	rt := NewRuntimeWithLoader(testSettings(), countingLoader(&loads))

	h1, err := rt.Acquire(KindDetection, "cpu")
	require.NoError(t, err)
	h2, err := rt.Acquire(KindDetection, "cpu")
	require.NoError(t, err)

	assert.Same(t, h1, h2, "repeated acquire must return the identical handle")
	assert.Equal(t, int64(1), loads.Load())
}

func TestConcurrentFirstAccessLoadsOnce(t *testing.T) {
	t.Parallel()

	var loads atomic.Int64
	rt := NewRuntimeWithLoader(testSettings(), countingLoader(&loads))

	const goroutines = 32
	handles := make([]*Handle, goroutines)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			h, err := rt.Acquire(KindDetection, "cpu")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), loads.Load(), "concurrent first access must load exactly once")
	for i := 1; i < goroutines; i++ {
		assert.Same(t, handles[0], handles[i])
	}
}

func TestDistinctKindsGetDistinctHandles(t *testing.T) {
	t.Parallel()

	var loads atomic.Int64
	load := func(kind ModelKind, settings *conf.Settings, device string) (LoadResult, error) {
		loads.Add(1)
		return LoadResult{Model: stubDetector{}, Device: device}, nil
	}
	rt := NewRuntimeWithLoader(testSettings(), load)

	hd, err := rt.Acquire(KindDetection, "cpu")
	require.NoError(t, err)
	hs, err := rt.Acquire(KindSegmentation, "cpu")
	require.NoError(t, err)

	assert.NotSame(t, hd, hs)
	assert.Equal(t, int64(2), loads.Load())
}

func TestAcquireDeviceFallbackIsNotAnError(t *testing.T) {
	t.Parallel()

	load := func(kind ModelKind, settings *conf.Settings, device string) (LoadResult, error) {
		// Accelerator unavailable: loader degrades to CPU
		return LoadResult{Model: stubDetector{}, Device: DeviceCPU}, nil
	}
	rt := NewRuntimeWithLoader(testSettings(), load)

	h, err := rt.Acquire(KindDetection, "npu0")
	require.NoError(t, err)
	assert.Equal(t, DeviceCPU, h.Device)
}

func TestAcquireLoadFailureIsFatalAndRetryable(t *testing.T) {
	t.Parallel()

	var loads atomic.Int64
	load := func(kind ModelKind, settings *conf.Settings, device string) (LoadResult, error) {
		if loads.Add(1) == 1 {
			return LoadResult{}, fmt.Errorf("artifact missing")
		}
		return LoadResult{Model: stubDetector{}, Device: device}, nil
	}
	rt := NewRuntimeWithLoader(testSettings(), load)

	_, err := rt.Acquire(KindDetection, "cpu")
	require.Error(t, err)

	// A later acquire retries the load rather than caching the failure
	h, err := rt.Acquire(KindDetection, "cpu")
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestReleaseResourcesDropsCache(t *testing.T) {
	t.Parallel()

	var loads atomic.Int64
	closed := false
	load := func(kind ModelKind, settings *conf.Settings, device string) (LoadResult, error) {
		loads.Add(1)
		return LoadResult{Model: stubDetector{}, Device: device, Closer: func() { closed = true }}, nil
	}
	rt := NewRuntimeWithLoader(testSettings(), load)

	h1, err := rt.Acquire(KindDetection, "cpu")
	require.NoError(t, err)
	h1.Release()

	rt.ReleaseResources()
	assert.True(t, closed, "an unleased handle is freed by the release pass")

	h2, err := rt.Acquire(KindDetection, "cpu")
	require.NoError(t, err)
	assert.NotSame(t, h1, h2, "post-release acquire reloads lazily")
	assert.Equal(t, int64(2), loads.Load())
}

func TestReleaseResourcesDefersCloseWhileLeased(t *testing.T) {
	t.Parallel()

	var loads atomic.Int64
	closes := 0
	load := func(kind ModelKind, settings *conf.Settings, device string) (LoadResult, error) {
		loads.Add(1)
		return LoadResult{Model: stubDetector{}, Device: device, Closer: func() { closes++ }}, nil
	}
	rt := NewRuntimeWithLoader(testSettings(), load)

	h1, err := rt.Acquire(KindDetection, "cpu")
	require.NoError(t, err)

	// A recycle while the handle is still in use must not free it
	rt.ReleaseResources()
	assert.Equal(t, 0, closes, "a leased handle stays live through a recycle")

	_, detErr := h1.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	assert.NoError(t, detErr, "the held handle keeps working after the recycle")

	h2, err := rt.Acquire(KindDetection, "cpu")
	require.NoError(t, err)
	assert.NotSame(t, h1, h2, "the cache reloads for new acquirers")

	h1.Release()
	assert.Equal(t, 1, closes, "the last release frees the stale handle")

	h2.Release()
	rt.ReleaseResources()
	assert.Equal(t, 2, closes)
}

func TestModelLoadMetricCountsLoads(t *testing.T) {
	before := testutil.ToFloat64(observability.ModelLoads.WithLabelValues(string(KindDetection)))

	var loads atomic.Int64
	rt := NewRuntimeWithLoader(testSettings(), countingLoader(&loads))
	h, err := rt.Acquire(KindDetection, "cpu")
	require.NoError(t, err)
	h.Release()

	after := testutil.ToFloat64(observability.ModelLoads.WithLabelValues(string(KindDetection)))
	assert.GreaterOrEqual(t, after-before, 1.0)
}

func TestResolveDevice(t *testing.T) {
	t.Parallel()

	s := &conf.Settings{}
	s.Inference.Device = "npu0"
	rt := NewRuntimeWithLoader(s, countingLoader(&atomic.Int64{}))

	assert.Equal(t, "npu0", rt.ResolveDevice(""))
	assert.Equal(t, "npu0", rt.ResolveDevice("auto"))
	assert.Equal(t, "cpu", rt.ResolveDevice("cpu"))
	assert.Equal(t, "npu1", rt.ResolveDevice("npu1"))
}
