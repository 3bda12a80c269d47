package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle state of a processing session. completed,
// warning and failed are terminal; warning is a terminal-success variant,
// not a failure.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusWarning    Status = "warning"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusWarning || s == StatusFailed
}

// Progress is the coarse stage marker exposed to polling clients.
type Progress string

const (
	ProgressQueued              Progress = "queued"
	ProgressLocalizing          Progress = "localizing"
	ProgressSegmenting          Progress = "segmenting"
	ProgressDetectingEstimating Progress = "detecting_estimating"
	ProgressAggregating         Progress = "aggregating"
	ProgressDone                Progress = "done"
)

// Session tracks one photo through the pipeline. All mutation goes
// through its methods; the coordinator is the only writer.
type Session struct {
	ID        string
	ImageKey  string
	Latitude  float64
	Longitude float64

	mu         sync.Mutex
	status     Status
	progress   Progress
	warnings   []string
	failReason string
	totalCount int
	locationID string
	receivedAt time.Time
	finishedAt time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

// Done is closed once the session has reached its terminal state and all
// side effects (persistence, overlay, completion event enqueue) ran.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot is a point-in-time copy of session state for polling clients.
type Snapshot struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	Progress   Progress  `json:"progress"`
	Summary    string    `json:"summary"`
	Warnings   []string  `json:"warnings,omitempty"`
	TotalCount int       `json:"total_count"`
	LocationID string    `json:"location_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

func newSession(id, imageKey string, lat, lon float64, cancel context.CancelFunc) *Session {
	return &Session{
		ID:         id,
		ImageKey:   imageKey,
		Latitude:   lat,
		Longitude:  lon,
		status:     StatusPending,
		progress:   ProgressQueued,
		receivedAt: time.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

func (s *Session) setProgress(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.status = StatusProcessing
	s.progress = p
}

func (s *Session) addWarning(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, fmt.Sprintf(format, args...))
}

func (s *Session) setLocation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locationID = id
}

func (s *Session) setTotal(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalCount = count
}

// finish moves the session to its terminal success state: completed when
// no degradation was recorded, warning otherwise. A no-op once terminal.
func (s *Session) finish() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return s.status
	}
	if len(s.warnings) == 0 {
		s.status = StatusCompleted
	} else {
		s.status = StatusWarning
	}
	s.progress = ProgressDone
	s.finishedAt = time.Now()
	return s.status
}

// fail moves the session to the terminal failed state. A no-op once
// terminal.
func (s *Session) fail(reason string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return s.status
	}
	s.status = StatusFailed
	s.progress = ProgressDone
	s.failReason = reason
	s.finishedAt = time.Now()
	return s.status
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	warnings := make([]string, len(s.warnings))
	copy(warnings, s.warnings)

	return Snapshot{
		ID:         s.ID,
		Status:     s.status,
		Progress:   s.progress,
		Summary:    s.summaryLocked(),
		Warnings:   warnings,
		TotalCount: s.totalCount,
		LocationID: s.locationID,
		ReceivedAt: s.receivedAt,
		FinishedAt: s.finishedAt,
	}
}

// summaryLocked builds the human-readable summary. Caller holds s.mu.
func (s *Session) summaryLocked() string {
	switch s.status {
	case StatusCompleted:
		return fmt.Sprintf("counted %d plants", s.totalCount)
	case StatusWarning:
		return fmt.Sprintf("counted %d plants with issues, review recommended: %s",
			s.totalCount, strings.Join(s.warnings, "; "))
	case StatusFailed:
		return fmt.Sprintf("no usable result, retry upload: %s", s.failReason)
	default:
		return string(s.progress)
	}
}
