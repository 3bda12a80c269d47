// Package aggregation turns per-segment counts into inventory events.
// Counts are grouped into batches by product, size and packaging resolved
// from the photo's location; segments without location-derived attributes
// land in a default bucket so no count is ever silently dropped.
package aggregation

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/jkarvonen/plantcount-go/internal/conf"
	"github.com/jkarvonen/plantcount-go/internal/datastore"
	"github.com/jkarvonen/plantcount-go/internal/errors"
	"github.com/jkarvonen/plantcount-go/internal/estimation"
	"github.com/jkarvonen/plantcount-go/internal/localization"
	"github.com/jkarvonen/plantcount-go/internal/segmentation"
)

// Default bucket attributes for segments whose location carries no
// product configuration.
const (
	DefaultProduct   = "unclassified"
	DefaultSize      = "default"
	DefaultPackaging = "unspecified"
)

// SegmentCount pairs one segment's estimate with its container kind and
// the median detected plant footprint, used for size classification.
type SegmentCount struct {
	Kind          segmentation.ContainerKind
	Estimate      *estimation.Estimate
	MedianBoxArea float64 // median detection box area in pixels, 0 when unknown
}

// Aggregator builds and persists inventory events.
type Aggregator struct {
	settings *conf.Settings
	store    datastore.Interface
}

func New(settings *conf.Settings, store datastore.Interface) *Aggregator {
	return &Aggregator{settings: settings, store: store}
}

type bucketKey struct {
	product   string
	size      string
	packaging string
}

// Aggregate groups segment counts into batches and persists the event.
// node is the resolved location and may be nil for unresolved photos.
// Persistence is idempotent through the datastore, so a retried session
// never double-counts inventory.
func (a *Aggregator) Aggregate(ctx context.Context, sessionID string, node *localization.Node, counts []SegmentCount) (*datastore.InventoryEvent, error) {
	if sessionID == "" {
		return nil, errors.Newf("aggregation requires a session id").
			Component("aggregation").
			Category(errors.CategoryValidation).
			Build()
	}

	buckets := make(map[bucketKey]int)
	for _, sc := range counts {
		if sc.Estimate == nil {
			continue
		}
		key := a.bucketFor(node, &sc)
		buckets[key] += sc.Estimate.Total
	}

	locationID := ""
	if node != nil {
		locationID = node.ID
	}

	event := &datastore.InventoryEvent{
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}
	for key, count := range buckets {
		event.Batches = append(event.Batches, datastore.InventoryBatch{
			Product:    key.product,
			Size:       key.size,
			Packaging:  key.packaging,
			LocationID: locationID,
			Count:      count,
		})
	}
	// Map iteration order is random; batches are stored sorted so
	// repeated runs produce identical rows.
	sort.Slice(event.Batches, func(i, j int) bool {
		a, b := event.Batches[i], event.Batches[j]
		if a.Product != b.Product {
			return a.Product < b.Product
		}
		if a.Size != b.Size {
			return a.Size < b.Size
		}
		return a.Packaging < b.Packaging
	})

	if err := a.persist(ctx, event); err != nil {
		return nil, err
	}

	total := 0
	for i := range event.Batches {
		total += event.Batches[i].Count
	}
	logger.Info("Inventory event persisted",
		"session_id", sessionID,
		"location_id", locationID,
		"batches", len(event.Batches),
		"total", total)

	return event, nil
}

// bucketFor resolves the batch attributes for a segment. Location product
// configuration wins; the size bucket combines the container kind with a
// footprint class so dense trays and differently potted plants never
// merge into one bucket.
func (a *Aggregator) bucketFor(node *localization.Node, sc *SegmentCount) bucketKey {
	key := bucketKey{
		product:   DefaultProduct,
		size:      a.sizeClass(sc),
		packaging: DefaultPackaging,
	}
	if node != nil {
		// Unset attributes inherit from ancestor nodes, so a bed without
		// its own product still classifies under its zone's.
		if p := node.ResolvedProduct(); p != "" {
			key.product = p
		}
		if p := node.ResolvedPackaging(); p != "" {
			key.packaging = p
		}
	}
	return key
}

// Pot diameter class boundaries in centimeters.
const (
	smallPotMaxCm  = 9.0
	mediumPotMaxCm = 13.0
)

// sizeClass derives the size bucket. Dense trays are sold per tray so the
// kind is the size; discrete pots classify by the median detection
// footprint converted to a pot diameter.
func (a *Aggregator) sizeClass(sc *SegmentCount) string {
	if sc.Kind != segmentation.KindDiscretePot {
		return sc.Kind.String()
	}

	ppc := a.settings.Estimation.PixelsPerCm
	if sc.MedianBoxArea <= 0 || ppc <= 0 {
		return sc.Kind.String()
	}

	diameterCm := math.Sqrt(sc.MedianBoxArea) / ppc
	switch {
	case diameterCm < smallPotMaxCm:
		return "pot_small"
	case diameterCm < mediumPotMaxCm:
		return "pot_medium"
	default:
		return "pot_large"
	}
}

// persist writes the event with backoff-bounded retries so a briefly
// unavailable database does not fail an otherwise complete session.
func (a *Aggregator) persist(ctx context.Context, event *datastore.InventoryEvent) error {
	retry := a.settings.Pipeline.PersistRetry
	attempts := retry.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	delay := retry.InitialDelay
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = a.store.SaveInventoryEvent(event); lastErr == nil {
			return nil
		}

		if i == attempts-1 {
			break
		}
		logger.Warn("Inventory event persistence failed, retrying",
			"session_id", event.SessionID,
			"attempt", i+1,
			"delay", delay,
			"error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * retry.Multiplier)
		if retry.MaxDelay > 0 && delay > retry.MaxDelay {
			delay = retry.MaxDelay
		}
	}

	return errors.New(lastErr).
		Component("aggregation").
		Category(errors.CategoryAggregation).
		Context("session_id", event.SessionID).
		Build()
}
