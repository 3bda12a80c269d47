// interfaces.go defines the interface for the database operations
package datastore

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkarvonen/plantcount-go/internal/conf"
	"github.com/jkarvonen/plantcount-go/internal/errors"
)

// Interface abstracts the underlying database implementation and defines
// the operations the pipeline and the status surface need.
type Interface interface {
	Open() error
	Close() error

	SaveSession(session *Session) error
	UpdateSessionStatus(id, status, failReason string) error
	GetSession(id string) (Session, error)
	LatestSessions(limit int) ([]Session, error)

	SaveInventoryEvent(event *InventoryEvent) error
	GetInventoryEvent(sessionID string) (InventoryEvent, error)
	DailySummary(date string) ([]SummaryRow, error)
}

// SummaryRow is one line of the per-day inventory roll-up.
type SummaryRow struct {
	Product   string
	Size      string
	Packaging string
	Count     int
	Sessions  int
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB
}

// New creates a store instance based on the output configuration.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{Settings: settings}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{Settings: settings}
	default:
		return nil
	}
}

// SaveSession stores a session together with its segments, detections and
// estimates as a single transaction. An existing session with the same ID
// is replaced, which makes pipeline reprocessing safe.
func (ds *DataStore) SaveSession(session *Session) error {
	tx := ds.DB.Begin()
	if tx.Error != nil {
		return fmt.Errorf("starting transaction: %w", tx.Error)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	// Remove any earlier run of the same session before re-inserting
	for _, model := range []any{&SegmentRecord{}, &DetectionRecord{}, &EstimateRecord{}} {
		if err := tx.Where("session_id = ?", session.ID).Delete(model).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("clearing previous session rows: %w", err)
		}
	}
	if err := tx.Where("id = ?", session.ID).Delete(&Session{}).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing previous session: %w", err)
	}

	if err := tx.Create(session).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("saving session: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// UpdateSessionStatus moves a session to a new state. failReason is stored
// only for terminal failures and may be empty.
func (ds *DataStore) UpdateSessionStatus(id, status, failReason string) error {
	fields := map[string]any{"status": status}
	if failReason != "" {
		fields["fail_reason"] = failReason
	}
	if status == "completed" || status == "warning" || status == "failed" {
		fields["completed_at"] = time.Now()
	}

	result := ds.DB.Model(&Session{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("updating session %s status: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.Newf("session %s not found", id).
			Component("datastore").
			Category(errors.CategoryNotFound).
			Build()
	}
	return nil
}

// GetSession retrieves a session with its child rows preloaded.
func (ds *DataStore) GetSession(id string) (Session, error) {
	var session Session
	err := ds.DB.
		Preload("Segments").
		Preload("Detections").
		Preload("Estimates").
		Where("id = ?", id).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Session{}, errors.Newf("session %s not found", id).
				Component("datastore").
				Category(errors.CategoryNotFound).
				Build()
		}
		return Session{}, fmt.Errorf("getting session %s: %w", id, err)
	}
	return session, nil
}

// LatestSessions returns the most recently received sessions.
func (ds *DataStore) LatestSessions(limit int) ([]Session, error) {
	var sessions []Session
	err := ds.DB.
		Order("received_at DESC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("listing latest sessions: %w", err)
	}
	return sessions, nil
}

// SaveInventoryEvent persists the aggregation outcome of a session. The
// operation is idempotent: if an event for the session already exists the
// call succeeds without writing anything, so retried aggregation never
// double-counts inventory.
func (ds *DataStore) SaveInventoryEvent(event *InventoryEvent) error {
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		var existing InventoryEvent
		err := tx.Where("session_id = ?", event.SessionID).First(&existing).Error
		switch {
		case err == nil:
			GetLogger().Debug("Inventory event already persisted, skipping",
				"session_id", event.SessionID,
				"event_id", existing.ID)
			event.ID = existing.ID
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			// first persistence for this session
		default:
			return fmt.Errorf("checking for existing inventory event: %w", err)
		}

		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("saving inventory event: %w", err)
		}
		return nil
	})
}

// GetInventoryEvent retrieves the event for a session with its batches.
func (ds *DataStore) GetInventoryEvent(sessionID string) (InventoryEvent, error) {
	var event InventoryEvent
	err := ds.DB.
		Preload("Batches").
		Where("session_id = ?", sessionID).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return InventoryEvent{}, errors.Newf("no inventory event for session %s", sessionID).
				Component("datastore").
				Category(errors.CategoryNotFound).
				Build()
		}
		return InventoryEvent{}, fmt.Errorf("getting inventory event for session %s: %w", sessionID, err)
	}
	return event, nil
}

// DailySummary rolls up inventory batches for one calendar day, keyed by
// product, size and packaging. date is formatted 2006-01-02.
func (ds *DataStore) DailySummary(date string) ([]SummaryRow, error) {
	var rows []SummaryRow
	err := ds.DB.
		Model(&InventoryBatch{}).
		Select("inventory_batches.product, inventory_batches.size, inventory_batches.packaging, SUM(inventory_batches.count) AS count, COUNT(DISTINCT inventory_events.session_id) AS sessions").
		Joins("JOIN inventory_events ON inventory_events.id = inventory_batches.event_id").
		Where("DATE(inventory_events.created_at) = ?", date).
		Group("inventory_batches.product, inventory_batches.size, inventory_batches.packaging").
		Order("count DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("building daily summary for %s: %w", date, err)
	}
	return rows, nil
}
