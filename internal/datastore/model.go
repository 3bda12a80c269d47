// model.go defines the persisted data model for the application
package datastore

import "time"

// Session represents one photo processing run from submission to its
// terminal state.
type Session struct {
	ID           string `gorm:"primaryKey;type:varchar(36)"` // pipeline session uuid
	PhotoRef     string // blob store reference of the source photo
	Status       string `gorm:"index:idx_sessions_status"`
	SourceNode   string // capture device or uploader identity
	Latitude     float64
	Longitude    float64
	LocationID   string `gorm:"index:idx_sessions_location"` // deepest resolved hierarchy node, empty if unresolved
	LocationPath string // human-readable site/zone/block/bed path
	CapturedAt   time.Time
	ReceivedAt   time.Time `gorm:"index:idx_sessions_received"`
	CompletedAt  time.Time
	TotalCount   int    // sum of per-segment totals
	Degradation  string `gorm:"type:text"` // newline-separated warning reasons, empty when clean
	FailReason   string `gorm:"type:text"` // populated only for failed sessions

	Segments   []SegmentRecord   `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
	Detections []DetectionRecord `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
	Estimates  []EstimateRecord  `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

// SegmentRecord is one detected container instance within a session.
type SegmentRecord struct {
	ID         uint   `gorm:"primaryKey"`
	SessionID  string `gorm:"index;not null;type:varchar(36)"`
	SegmentID  string `gorm:"index:idx_segments_segment_id;type:varchar(36)"`
	Kind       string // dense_tray or discrete_pot
	Confidence float64
	X          int // bounding box in full-image pixels
	Y          int
	W          int
	H          int
}

// DetectionRecord is one plant detection in full-image absolute pixel
// coordinates. Tile-local and crop-local coordinates are never persisted.
type DetectionRecord struct {
	ID         uint   `gorm:"primaryKey"`
	SessionID  string `gorm:"index;not null;type:varchar(36)"`
	SegmentID  string `gorm:"index;type:varchar(36)"`
	CenterX    float64
	CenterY    float64
	Width      float64
	Height     float64
	Confidence float64
}

// EstimateRecord is the per-segment counting result.
type EstimateRecord struct {
	ID             uint   `gorm:"primaryKey"`
	SessionID      string `gorm:"index;not null;type:varchar(36)"`
	SegmentID      string `gorm:"index;type:varchar(36)"`
	Method         string // direct or residual_area
	DetectedCount  int
	EstimatedExtra int
	Total          int
	ResidualCm2    float64
}

// InventoryEvent is the aggregated outcome of one completed session. The
// unique index on SessionID makes persistence idempotent: replaying a
// session can never produce a second event.
type InventoryEvent struct {
	ID        uint      `gorm:"primaryKey"`
	SessionID string    `gorm:"uniqueIndex:idx_inventory_events_session;not null;type:varchar(36)"`
	CreatedAt time.Time `gorm:"index"`

	Batches []InventoryBatch `gorm:"foreignKey:EventID;constraint:OnDelete:CASCADE"`
}

// InventoryBatch is one (product, size, packaging) bucket of an event.
type InventoryBatch struct {
	ID         uint `gorm:"primaryKey"`
	EventID    uint `gorm:"index;not null;constraint:OnDelete:CASCADE,OnUpdate:CASCADE;foreignKey:EventID;references:ID"`
	Product    string
	Size       string
	Packaging  string
	LocationID string `gorm:"index"`
	Count      int
}
