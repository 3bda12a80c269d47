// Package mqtt publishes session completion events to an MQTT broker so
// downstream inventory systems learn about new counts without polling.
package mqtt

import (
	"context"
	"encoding/json"
	"time"
)

// Client is the publishing abstraction used by the pipeline.
type Client interface {
	// Connect attempts to connect to the MQTT broker.
	Connect(ctx context.Context) error

	// Publish sends a message to the specified topic on the MQTT broker.
	Publish(ctx context.Context, topic, payload string) error

	// IsConnected returns true if the client is currently connected.
	IsConnected() bool

	// Disconnect closes the connection to the MQTT broker.
	Disconnect()
}

// CompletionEvent is the on-complete payload published per session.
type CompletionEvent struct {
	SessionID  string    `json:"session_id"`
	Status     string    `json:"status"`
	Summary    string    `json:"summary"`
	LocationID string    `json:"location_id,omitempty"`
	TotalCount int       `json:"total_count"`
	FinishedAt time.Time `json:"finished_at"`
}

// Marshal renders the event as its wire payload.
func (e *CompletionEvent) Marshal() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
