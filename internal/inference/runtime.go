package inference

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"
	"sync/atomic"

	"log/slog"

	"github.com/jkarvonen/plantcount-go/internal/conf"
	"github.com/jkarvonen/plantcount-go/internal/errors"
	"github.com/jkarvonen/plantcount-go/internal/observability"
)

// Handle is a cached, device-bound model instance. All inference through a
// handle is serialized by its mutex; the interpreter beneath holds
// device-bound state that is unsafe under concurrent invocation.
type Handle struct {
	Kind   ModelKind
	Device string

	mu          sync.Mutex
	model       any // Detector or Segmenter
	closer      func()
	invocations atomic.Int64

	// Lease accounting. A handle dropped from the cache is only freed
	// once no caller holds a lease on it, so a session that acquired the
	// handle before a recycle keeps a live interpreter.
	leaseMu sync.Mutex
	leases  int
	stale   bool
	closed  bool
}

// Detect runs the detection model. Returns an error if the handle does
// not wrap a detector.
func (h *Handle) Detect(ctx context.Context, img image.Image) ([]RawBox, error) {
	d, ok := h.model.(Detector)
	if !ok {
		return nil, errors.Newf("handle for %s model cannot detect", h.Kind).
			Component("inference").
			Category(errors.CategoryInference).
			Build()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invocations.Add(1)
	return d.Detect(ctx, img)
}

// Segment runs the segmentation model. Returns an error if the handle
// does not wrap a segmenter.
func (h *Handle) Segment(ctx context.Context, img image.Image) ([]Instance, error) {
	s, ok := h.model.(Segmenter)
	if !ok {
		return nil, errors.Newf("handle for %s model cannot segment", h.Kind).
			Component("inference").
			Category(errors.CategoryInference).
			Build()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invocations.Add(1)
	return s.Segment(ctx, img)
}

// Invocations returns how many times this handle has been invoked.
func (h *Handle) Invocations() int64 {
	return h.invocations.Load()
}

// retain takes a lease. Returns false when the cache has already dropped
// the handle, in which case the caller must re-acquire.
func (h *Handle) retain() bool {
	h.leaseMu.Lock()
	defer h.leaseMu.Unlock()
	if h.stale || h.closed {
		return false
	}
	h.leases++
	return true
}

// Release returns the lease taken by Acquire. When the cache has already
// dropped the handle and this was the last lease, the underlying
// interpreter is freed.
func (h *Handle) Release() {
	h.leaseMu.Lock()
	if h.leases > 0 {
		h.leases--
	}
	free := h.stale && h.leases == 0 && !h.closed
	if free {
		h.closed = true
	}
	h.leaseMu.Unlock()
	if free {
		h.close()
	}
}

// markStale detaches the handle from the cache. Returns true when no
// lease was outstanding and the handle was freed immediately; otherwise
// the last Release frees it.
func (h *Handle) markStale() bool {
	h.leaseMu.Lock()
	h.stale = true
	free := h.leases == 0 && !h.closed
	if free {
		h.closed = true
	}
	h.leaseMu.Unlock()
	if free {
		h.close()
	}
	return free
}

func (h *Handle) close() {
	// Taking mu serializes the free with any in-flight Invoke.
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closer != nil {
		h.closer()
		h.closer = nil
	}
}

// LoadResult carries what a LoadFunc produced: the model implementation,
// the device it actually ended up on (CPU when the accelerator was
// unavailable), and an optional cleanup function.
type LoadResult struct {
	Model  any // Detector or Segmenter
	Device string
	Closer func()
}

// LoadFunc loads a model artifact for the given kind onto the requested
// device. Implementations fall back to CPU when the accelerator is
// unavailable; they return an error only when the artifact cannot be
// loaded on any device.
type LoadFunc func(kind ModelKind, settings *conf.Settings, device string) (LoadResult, error)

type cacheKey struct {
	kind   ModelKind
	device string
}

type cacheEntry struct {
	once   sync.Once
	handle *Handle
	err    error
}

// Runtime is the process-wide model cache. Acquire returns the same
// handle for repeated calls with the same (kind, resolved device) pair;
// first-load is guarded so concurrent first access performs exactly one
// load.
type Runtime struct {
	settings *conf.Settings
	load     LoadFunc
	log      *slog.Logger

	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
	loads   atomic.Int64
}

// NewRuntime creates a Runtime backed by the tflite loader.
func NewRuntime(settings *conf.Settings) *Runtime {
	return NewRuntimeWithLoader(settings, loadTFLite)
}

// NewRuntimeWithLoader creates a Runtime with a custom loader. Used by
// tests and by callers embedding alternative backends.
func NewRuntimeWithLoader(settings *conf.Settings, load LoadFunc) *Runtime {
	return &Runtime{
		settings: settings,
		load:     load,
		log:      getLogger(),
		entries:  make(map[cacheKey]*cacheEntry),
	}
}

// ResolveDevice maps a device hint to the device the cache keys on. An
// empty or "auto" hint resolves to the configured preference.
func (rt *Runtime) ResolveDevice(hint string) string {
	if hint == "" || hint == "auto" {
		hint = rt.settings.Inference.Device
	}
	if hint == "" || hint == "auto" {
		return DeviceCPU
	}
	return hint
}

// Acquire returns the cached handle for (kind, resolved device), loading
// the model on first use. The caller holds a lease on the returned handle
// and must call Release when done with it. Accelerator unavailability
// degrades to CPU and is never an error; only a model artifact that
// cannot load at all fails.
func (rt *Runtime) Acquire(kind ModelKind, deviceHint string) (*Handle, error) {
	device := rt.ResolveDevice(deviceHint)
	key := cacheKey{kind: kind, device: device}

	for {
		rt.mu.Lock()
		entry, ok := rt.entries[key]
		if !ok {
			entry = &cacheEntry{}
			rt.entries[key] = entry
		}
		rt.mu.Unlock()

		entry.once.Do(func() {
			rt.loads.Add(1)
			result, err := rt.load(kind, rt.settings, device)
			if err != nil {
				entry.err = errors.New(fmt.Errorf("loading %s model: %w", kind, err)).
					Component("inference").
					Category(errors.CategoryModelLoad).
					Context("device", device).
					Build()
				return
			}
			observability.ModelLoads.WithLabelValues(string(kind)).Inc()
			if result.Device != device {
				rt.log.Warn("Accelerator unavailable, model degraded to fallback device",
					"model_kind", string(kind),
					"requested_device", device,
					"actual_device", result.Device)
			}
			entry.handle = &Handle{
				Kind:   kind,
				Device: result.Device,
				model:  result.Model,
				closer: result.Closer,
			}
		})

		if entry.err != nil {
			// Clear the failed entry so a later Acquire can retry the load
			rt.mu.Lock()
			if rt.entries[key] == entry {
				delete(rt.entries, key)
			}
			rt.mu.Unlock()
			return nil, entry.err
		}
		if entry.handle.retain() {
			return entry.handle, nil
		}

		// The cache dropped this handle between lookup and lease; drop
		// the dead entry and reload.
		rt.mu.Lock()
		if rt.entries[key] == entry {
			delete(rt.entries, key)
		}
		rt.mu.Unlock()
	}
}

// Loads returns how many model loads the runtime has performed.
func (rt *Runtime) Loads() int64 {
	return rt.loads.Load()
}

// ReleaseResources drops all cached handles and reclaims interpreter
// memory. The coordinator calls this every N completed sessions to bound
// long-run growth; the next Acquire reloads lazily. Handles still leased
// by running sessions stay live and are freed by their last Release.
func (rt *Runtime) ReleaseResources() {
	rt.mu.Lock()
	entries := rt.entries
	rt.entries = make(map[cacheKey]*cacheEntry)
	rt.mu.Unlock()

	released, deferred := 0, 0
	for _, entry := range entries {
		if entry.handle == nil {
			continue
		}
		if entry.handle.markStale() {
			released++
		} else {
			deferred++
		}
	}
	if released > 0 || deferred > 0 {
		rt.log.Info("Released cached model handles",
			"closed", released,
			"deferred", deferred)
	}

	// Interpreter buffers are off-heap but the model byte slices are not
	runtime.GC()
}
