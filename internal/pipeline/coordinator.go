// Package pipeline orchestrates the photo processing stages as a
// fan-out/fan-in job graph: localize, segment, detect and estimate per
// segment, then aggregate into a single inventory event. Partial failures
// degrade the session to warning; only total absence of usable output
// fails it.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jkarvonen/plantcount-go/internal/aggregation"
	"github.com/jkarvonen/plantcount-go/internal/blobstore"
	"github.com/jkarvonen/plantcount-go/internal/conf"
	"github.com/jkarvonen/plantcount-go/internal/datastore"
	"github.com/jkarvonen/plantcount-go/internal/detection"
	"github.com/jkarvonen/plantcount-go/internal/errors"
	"github.com/jkarvonen/plantcount-go/internal/estimation"
	"github.com/jkarvonen/plantcount-go/internal/imaging"
	"github.com/jkarvonen/plantcount-go/internal/inference"
	"github.com/jkarvonen/plantcount-go/internal/localization"
	"github.com/jkarvonen/plantcount-go/internal/mqtt"
	"github.com/jkarvonen/plantcount-go/internal/observability"
	"github.com/jkarvonen/plantcount-go/internal/pipeline/jobqueue"
	"github.com/jkarvonen/plantcount-go/internal/segmentation"
)

// Coordinator drives sessions through the stage sequence and owns the
// worker pools. One Coordinator serves the whole process.
type Coordinator struct {
	settings   *conf.Settings
	runtime    *inference.Runtime
	resolver   *localization.Resolver
	blobs      blobstore.Store
	store      datastore.Interface
	aggregator *aggregation.Aggregator
	estimator  *estimation.Stage
	mqttClient mqtt.Client

	accel *acceleratorPool
	io    ioLimiter
	queue *jobqueue.Queue

	mu        sync.Mutex
	sessions  map[string]*Session
	completed atomic.Int64
	wg        sync.WaitGroup
}

// Options carries the coordinator's collaborators. Resolver, Store and
// MQTTClient are optional; the pipeline degrades gracefully without them.
type Options struct {
	Runtime    *inference.Runtime
	Resolver   *localization.Resolver
	Blobs      blobstore.Store
	Store      datastore.Interface
	Aggregator *aggregation.Aggregator
	Estimator  *estimation.Stage
	MQTTClient mqtt.Client
}

// New builds a Coordinator and starts its worker pools.
func New(ctx context.Context, settings *conf.Settings, opts Options) *Coordinator {
	c := &Coordinator{
		settings:   settings,
		runtime:    opts.Runtime,
		resolver:   opts.Resolver,
		blobs:      opts.Blobs,
		store:      opts.Store,
		aggregator: opts.Aggregator,
		estimator:  opts.Estimator,
		mqttClient: opts.MQTTClient,
		sessions:   make(map[string]*Session),
		accel:      newAcceleratorPool(opts.Runtime, settings.Pipeline.AcceleratorRecycle),
		io:         newIOLimiter(settings.Pipeline.IOWorkers),
		queue:      jobqueue.New(),
	}
	c.queue.Start(ctx)
	return c
}

// Shutdown waits for in-flight sessions and stops the pools.
func (c *Coordinator) Shutdown(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.Newf("timed out waiting for sessions after %v", timeout).
			Component("pipeline").
			Category(errors.CategoryTimeout).
			Build()
	}
	c.accel.Close()
	return c.queue.StopWithTimeout(timeout)
}

// Submit registers a photo for processing and starts the session
// asynchronously. The returned session can be polled via Status.
func (c *Coordinator) Submit(ctx context.Context, imageKey string, lat, lon float64) (*Session, error) {
	if imageKey == "" {
		return nil, errors.Newf("submit requires an image key").
			Component("pipeline").
			Category(errors.CategoryValidation).
			Build()
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := newSession(uuid.New().String(), imageKey, lat, lon, cancel)

	c.mu.Lock()
	c.sessions[sess.ID] = sess
	c.mu.Unlock()

	if c.store != nil {
		record := &datastore.Session{
			ID:         sess.ID,
			PhotoRef:   imageKey,
			Status:     string(StatusPending),
			Latitude:   lat,
			Longitude:  lon,
			ReceivedAt: time.Now(),
		}
		if err := c.store.SaveSession(record); err != nil {
			logger.Error("Failed to persist pending session", "session_id", sess.ID, "error", err)
		}
	}

	logger.Info("Session submitted",
		"session_id", sess.ID,
		"image_key", imageKey,
		"lat", lat, "lon", lon)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.process(sessCtx, sess)
	}()

	return sess, nil
}

// Status returns a snapshot for polling clients.
func (c *Coordinator) Status(sessionID string) (Snapshot, error) {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return Snapshot{}, errors.Newf("session %s not found", sessionID).
			Component("pipeline").
			Category(errors.CategoryNotFound).
			Build()
	}
	return sess.Snapshot(), nil
}

// Cancel aborts a session. Unstarted sub-jobs are never dispatched;
// in-flight work runs to completion and its results are discarded.
func (c *Coordinator) Cancel(sessionID string) error {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return errors.Newf("session %s not found", sessionID).
			Component("pipeline").
			Category(errors.CategoryNotFound).
			Build()
	}
	sess.cancel()
	return nil
}

// medianBoxArea returns the median detection footprint in pixels, 0 when
// there are no detections.
func medianBoxArea(dets []detection.Detection) float64 {
	if len(dets) == 0 {
		return 0
	}
	areas := make([]float64, len(dets))
	for i := range dets {
		areas[i] = dets[i].Box.W * dets[i].Box.H
	}
	sort.Float64s(areas)
	mid := len(areas) / 2
	if len(areas)%2 == 0 {
		return (areas[mid-1] + areas[mid]) / 2
	}
	return areas[mid]
}

// segmentOutcome is one sub-job's terminal result.
type segmentOutcome struct {
	segment    *segmentation.Segment
	detections []detection.Detection
	estimate   *estimation.Estimate
	err        error
}

func (c *Coordinator) process(ctx context.Context, sess *Session) {
	start := time.Now()

	// Stage 1: localization. Never fatal; an unresolved location only
	// degrades the final status.
	sess.setProgress(ProgressLocalizing)
	node := c.localize(sess)

	// Fetch and decode the source photo through the I/O pool.
	img, err := c.fetchImage(ctx, sess.ImageKey)
	if err != nil {
		c.finalize(sess, node, nil, fmt.Sprintf("source photo unusable: %v", err))
		return
	}

	// Stage 2: segmentation.
	sess.setProgress(ProgressSegmenting)
	segments, err := c.segment(ctx, img)
	if err != nil {
		c.finalize(sess, node, nil, fmt.Sprintf("segmentation failed: %v", err))
		return
	}
	if len(segments) == 0 {
		sess.addWarning("no containers detected in photo")
		sess.setTotal(0)
		c.finalize(sess, node, nil, "")
		return
	}

	// Stage 3: fan out one sub-job per segment.
	sess.setProgress(ProgressDetectingEstimating)
	outcomes := c.runSubJobs(ctx, sess, img, segments, node)

	// Stage 4: aggregation over the successful subset.
	sess.setProgress(ProgressAggregating)
	var counts []aggregation.SegmentCount
	var all []segmentOutcome
	succeeded := 0
	for i := range outcomes {
		o := &outcomes[i]
		all = append(all, *o)
		if o.err != nil {
			sess.addWarning("segment %s failed after retries: %v", o.segment.ID, o.err)
			observability.SubJobFailures.Inc()
			continue
		}
		succeeded++
		counts = append(counts, aggregation.SegmentCount{
			Kind:          o.segment.Kind,
			Estimate:      o.estimate,
			MedianBoxArea: medianBoxArea(o.detections),
		})
	}

	// Cancellation wins over the zero-count check so a cancelled session
	// reports why it stopped rather than an empty-result failure.
	if ctx.Err() != nil {
		c.finalize(sess, node, all, "session cancelled")
		return
	}

	if succeeded == 0 {
		c.finalize(sess, node, all, "no segment produced a usable count")
		return
	}

	event, err := c.aggregator.Aggregate(ctx, sess.ID, node, counts)
	if err != nil {
		c.finalize(sess, node, all, fmt.Sprintf("aggregation could not persist: %v", err))
		return
	}

	total := 0
	for i := range event.Batches {
		total += event.Batches[i].Count
	}
	sess.setTotal(total)

	c.finalize(sess, node, all, "")

	observability.StageDuration.WithLabelValues("session").Observe(time.Since(start).Seconds())
}

// localize resolves the photo's GPS point against the hierarchy. Returns
// nil when localization is disabled, unconfigured, or the point lies
// outside all polygons.
func (c *Coordinator) localize(sess *Session) *localization.Node {
	if !c.settings.Localization.Enabled || c.resolver == nil {
		return nil
	}
	node := c.resolver.Resolve(sess.Latitude, sess.Longitude)
	if node == nil {
		sess.addWarning("location unresolved for (%f, %f)", sess.Latitude, sess.Longitude)
		logger.Info("Location unresolved",
			"session_id", sess.ID,
			"lat", sess.Latitude, "lon", sess.Longitude)
		return nil
	}
	sess.setLocation(node.ID)
	return node
}

func (c *Coordinator) fetchImage(ctx context.Context, key string) (image.Image, error) {
	var img image.Image
	err := c.io.Do(ctx, func(ctx context.Context) error {
		var err error
		img, err = blobstore.FetchImage(ctx, c.blobs, key)
		return err
	})
	return img, err
}

// segment runs the segmentation model on the accelerator pool under the
// stage timeout. A model that cannot load on any device is fatal.
func (c *Coordinator) segment(ctx context.Context, img image.Image) ([]segmentation.Segment, error) {
	handle, err := c.runtime.Acquire(inference.KindSegmentation, c.settings.Inference.Device)
	if err != nil {
		return nil, err
	}
	defer handle.Release()
	stage := segmentation.NewStage(c.settings, handle)

	var segments []segmentation.Segment
	err = c.accel.Do(ctx, func(ctx context.Context) error {
		stageCtx, cancel := c.stageContext(ctx)
		defer cancel()
		start := time.Now()
		var err error
		segments, err = stage.Run(stageCtx, img)
		observability.StageDuration.WithLabelValues("segmentation").Observe(time.Since(start).Seconds())
		return err
	})
	return segments, err
}

// runSubJobs fans out one sub-job per segment across the CPU pool and
// blocks until every sub-job reaches a terminal state, so aggregation
// never observes a partial set.
func (c *Coordinator) runSubJobs(ctx context.Context, sess *Session, img image.Image, segments []segmentation.Segment, node *localization.Node) []segmentOutcome {
	detector, err := c.runtime.Acquire(inference.KindDetection, c.settings.Inference.Device)
	if err != nil {
		// No detector on any device fails every sub-job identically.
		outcomes := make([]segmentOutcome, len(segments))
		for i := range segments {
			outcomes[i] = segmentOutcome{segment: &segments[i], err: err}
		}
		return outcomes
	}
	// The lease keeps the handle live across the whole fan-out even when
	// a recycle fires between sub-jobs.
	defer detector.Release()
	detStage := detection.NewStage(c.settings, detector)

	product, packaging := "", ""
	if node != nil {
		product, packaging = node.ResolvedProduct(), node.ResolvedPackaging()
	}

	workers := c.settings.Pipeline.CPUWorkers
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	outcomes := make([]segmentOutcome, len(segments))
	g := new(errgroup.Group)
	g.SetLimit(workers)

	for i := range segments {
		g.Go(func() error {
			seg := &segments[i]
			// Cancellation: sub-jobs not yet started are never dispatched
			if err := ctx.Err(); err != nil {
				outcomes[i] = segmentOutcome{segment: seg, err: err}
				return nil
			}
			outcomes[i] = c.runSubJob(ctx, sess, img, seg, detStage, product, packaging)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// runSubJob executes detection and estimation for one segment with
// bounded exponential backoff. A sub-job that exhausts its retries is a
// degradation, not a pipeline failure.
func (c *Coordinator) runSubJob(ctx context.Context, sess *Session, img image.Image, seg *segmentation.Segment, detStage *detection.Stage, product, packaging string) segmentOutcome {
	retry := c.settings.Pipeline.SubJobRetry
	attempts := retry.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := retry.InitialDelay
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return segmentOutcome{segment: seg, err: err}
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return segmentOutcome{segment: seg, err: ctx.Err()}
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * retry.Multiplier)
			if retry.MaxDelay > 0 && delay > retry.MaxDelay {
				delay = retry.MaxDelay
			}
			logger.Info("Retrying segment sub-job",
				"session_id", sess.ID,
				"segment_id", seg.ID,
				"attempt", attempt+1)
		}

		outcome, err := c.attemptSubJob(ctx, sess, img, seg, detStage, product, packaging)
		if err == nil {
			return outcome
		}
		lastErr = err
	}

	return segmentOutcome{segment: seg, err: lastErr}
}

func (c *Coordinator) attemptSubJob(ctx context.Context, sess *Session, img image.Image, seg *segmentation.Segment, detStage *detection.Stage, product, packaging string) (segmentOutcome, error) {
	// Detection runs serialized on the accelerator pool under the stage
	// timeout; a timeout counts like any sub-job failure.
	var dets []detection.Detection
	var deg detection.Degradation
	err := c.accel.Do(ctx, func(ctx context.Context) error {
		stageCtx, cancel := c.stageContext(ctx)
		defer cancel()
		start := time.Now()
		var err error
		if seg.Kind == segmentation.KindDenseTray {
			dets, deg, err = detStage.DetectTiled(stageCtx, img, seg)
		} else {
			dets, deg, err = detStage.DetectDirect(stageCtx, img, seg)
		}
		observability.StageDuration.WithLabelValues("detection").Observe(time.Since(start).Seconds())
		return err
	})
	if err != nil {
		return segmentOutcome{}, err
	}

	if deg.Degraded() {
		sess.addWarning("segment %s degraded: %s", seg.ID, strings.Join(deg.Reasons, "; "))
	}

	// Estimation is CPU-side math; it runs in the sub-job's own worker.
	est, err := c.estimator.Estimate(img, seg, dets, product, packaging)
	if err != nil {
		return segmentOutcome{}, err
	}

	return segmentOutcome{segment: seg, detections: dets, estimate: est}, nil
}

func (c *Coordinator) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.settings.Pipeline.StageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.settings.Pipeline.StageTimeout)
}

// finalize moves the session to its terminal state, persists the outcome
// and publishes the completion event. failReason empty means terminal
// success (completed or warning per recorded degradations).
func (c *Coordinator) finalize(sess *Session, node *localization.Node, outcomes []segmentOutcome, failReason string) {
	defer close(sess.done)

	var status Status
	if failReason != "" {
		status = sess.fail(failReason)
	} else {
		status = sess.finish()
	}
	snap := sess.Snapshot()

	observability.SessionsByStatus.WithLabelValues(string(status)).Inc()
	logger.Info("Session finished",
		"session_id", sess.ID,
		"status", string(status),
		"total", snap.TotalCount,
		"warnings", len(snap.Warnings))

	c.persistOutcome(sess, node, outcomes, snap)
	c.writeOverlay(sess, outcomes)
	c.publishCompletion(snap)

	// Periodic interpreter cleanup bounds long-run memory growth
	if every := c.settings.Inference.CleanupEvery; every > 0 {
		if n := c.completed.Add(1); n%int64(every) == 0 {
			c.runtime.ReleaseResources()
		}
	}
}

// persistOutcome writes the terminal session and its child rows. Uses a
// background context so a cancelled session still records its state.
func (c *Coordinator) persistOutcome(sess *Session, node *localization.Node, outcomes []segmentOutcome, snap Snapshot) {
	if c.store == nil {
		return
	}

	record := &datastore.Session{
		ID:          sess.ID,
		PhotoRef:    sess.ImageKey,
		Status:      string(snap.Status),
		Latitude:    sess.Latitude,
		Longitude:   sess.Longitude,
		ReceivedAt:  snap.ReceivedAt,
		CompletedAt: snap.FinishedAt,
		TotalCount:  snap.TotalCount,
		Degradation: strings.Join(snap.Warnings, "\n"),
	}
	if snap.Status == StatusFailed {
		record.FailReason = snap.Summary
	}
	if node != nil {
		record.LocationID = node.ID
		record.LocationPath = node.Path()
	}

	for i := range outcomes {
		o := &outcomes[i]
		if o.err != nil {
			continue
		}
		record.Segments = append(record.Segments, datastore.SegmentRecord{
			SessionID:  sess.ID,
			SegmentID:  o.segment.ID,
			Kind:       o.segment.Kind.String(),
			Confidence: o.segment.Confidence,
			X:          o.segment.PixelRect.X,
			Y:          o.segment.PixelRect.Y,
			W:          o.segment.PixelRect.W,
			H:          o.segment.PixelRect.H,
		})
		for _, d := range o.detections {
			record.Detections = append(record.Detections, datastore.DetectionRecord{
				SessionID:  sess.ID,
				SegmentID:  d.SegmentID,
				CenterX:    d.Box.CX,
				CenterY:    d.Box.CY,
				Width:      d.Box.W,
				Height:     d.Box.H,
				Confidence: d.Confidence,
			})
		}
		if o.estimate != nil {
			record.Estimates = append(record.Estimates, datastore.EstimateRecord{
				SessionID:      sess.ID,
				SegmentID:      o.estimate.SegmentID,
				Method:         string(o.estimate.Method),
				DetectedCount:  o.estimate.DetectedCount,
				EstimatedExtra: o.estimate.EstimatedExtra,
				Total:          o.estimate.Total,
				ResidualCm2:    o.estimate.ResidualCm2,
			})
		}
	}

	if err := c.store.SaveSession(record); err != nil {
		logger.Error("Failed to persist session outcome",
			"session_id", sess.ID,
			"error", err)
	}
}

// writeOverlay renders detection boxes onto the source photo for review
// UIs. Best effort: overlay failures never affect session status.
func (c *Coordinator) writeOverlay(sess *Session, outcomes []segmentOutcome) {
	if c.blobs == nil || len(outcomes) == 0 {
		return
	}

	var img image.Image
	fetchCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := c.io.Do(fetchCtx, func(ctx context.Context) error {
		var err error
		img, err = blobstore.FetchImage(ctx, c.blobs, sess.ImageKey)
		if err != nil {
			return err
		}
		overlay := imaging.DrawOverlay(img, overlayBoxes(outcomes))
		return blobstore.PutJPEG(ctx, c.blobs, "overlays/"+sess.ID+".jpg", overlay, 85)
	})
	if err != nil {
		logger.Warn("Failed to write visualization overlay",
			"session_id", sess.ID,
			"error", err)
	}
}

func overlayBoxes(outcomes []segmentOutcome) []imaging.OverlayBox {
	var boxes []imaging.OverlayBox
	for i := range outcomes {
		o := &outcomes[i]
		if o.err != nil {
			continue
		}
		boxes = append(boxes, imaging.OverlayBox{Rect: o.segment.PixelRect, Kind: imaging.OverlaySegment})
		for _, d := range o.detections {
			boxes = append(boxes, imaging.OverlayBox{Rect: d.Box.ToRect(), Kind: imaging.OverlayDetection})
		}
	}
	return boxes
}

// publishCompletion enqueues the on-complete event with retry so a
// briefly unreachable broker does not lose notifications.
func (c *Coordinator) publishCompletion(snap Snapshot) {
	if c.mqttClient == nil || !c.settings.MQTT.Enabled {
		return
	}

	event := &mqtt.CompletionEvent{
		SessionID:  snap.ID,
		Status:     string(snap.Status),
		Summary:    snap.Summary,
		LocationID: snap.LocationID,
		TotalCount: snap.TotalCount,
		FinishedAt: snap.FinishedAt,
	}

	retry := c.settings.Pipeline.PersistRetry
	_, err := c.queue.Enqueue(&publishAction{client: c.mqttClient, topic: c.settings.MQTT.Topic}, event, jobqueue.RetryConfig{
		Enabled:      true,
		MaxRetries:   retry.MaxRetries,
		InitialDelay: retry.InitialDelay,
		MaxDelay:     retry.MaxDelay,
		Multiplier:   retry.Multiplier,
	})
	if err != nil {
		logger.Error("Failed to enqueue completion event",
			"session_id", snap.ID,
			"error", err)
	}
}

// publishAction publishes a completion event through the job queue.
type publishAction struct {
	client mqtt.Client
	topic  string
}

func (a *publishAction) Execute(ctx context.Context, data any) error {
	event, ok := data.(*mqtt.CompletionEvent)
	if !ok {
		return errors.Newf("unexpected payload type %T", data).
			Component("pipeline").
			Category(errors.CategoryMQTTPublish).
			Build()
	}

	if !a.client.IsConnected() {
		if err := a.client.Connect(ctx); err != nil {
			return err
		}
	}

	payload, err := event.Marshal()
	if err != nil {
		return err
	}
	return a.client.Publish(ctx, a.topic, payload)
}

func (a *publishAction) GetDescription() string {
	return "publish session completion event"
}
