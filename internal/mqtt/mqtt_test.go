package mqtt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkarvonen/plantcount-go/internal/conf"
)

func TestCompletionEventMarshal(t *testing.T) {
	t.Parallel()

	event := &CompletionEvent{
		SessionID:  "sess-1",
		Status:     "warning",
		Summary:    "2 of 3 segments counted",
		LocationID: "bed-7",
		TotalCount: 75,
		FinishedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}

	payload, err := event.Marshal()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
	assert.Equal(t, "sess-1", decoded["session_id"])
	assert.Equal(t, "warning", decoded["status"])
	assert.EqualValues(t, 75, decoded["total_count"])
}

func TestCompletionEventOmitsEmptyLocation(t *testing.T) {
	t.Parallel()

	event := &CompletionEvent{SessionID: "sess-2", Status: "completed"}
	payload, err := event.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, payload, "location_id")
}

func TestPublishWithoutConnection(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.MQTT.Broker = "tcp://localhost:1883"
	settings.Main.Name = "plantcount-test"

	c := NewClient(settings)
	err := c.Publish(context.Background(), "plantcount/sessions", "{}")
	assert.Error(t, err)
	assert.False(t, c.IsConnected())
}

func TestConnectRejectsInvalidBrokerURL(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.MQTT.Broker = "://not-a-url"
	settings.Main.Name = "plantcount-test"

	c := NewClient(settings)
	assert.Error(t, c.Connect(context.Background()))
}

func TestConnectCooldown(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.MQTT.Broker = "://not-a-url"
	settings.Main.Name = "plantcount-test"

	c := NewClient(settings)
	_ = c.Connect(context.Background())

	// Second attempt inside the cooldown window is rejected outright
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too recent")
}
