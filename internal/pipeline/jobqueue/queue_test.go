package jobqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingAction struct {
	calls     atomic.Int32
	failUntil int32 // Execute fails while calls <= failUntil
	done      chan struct{}
}

func (a *countingAction) Execute(ctx context.Context, data any) error {
	n := a.calls.Add(1)
	if n <= a.failUntil {
		return assert.AnError
	}
	if a.done != nil {
		close(a.done)
	}
	return nil
}

func (a *countingAction) GetDescription() string { return "counting action" }

func fastRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		Enabled:      true,
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func startTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := New()
	q.SetProcessingInterval(5 * time.Millisecond)
	q.Start(context.Background())
	t.Cleanup(func() { _ = q.StopWithTimeout(time.Second) })
	return q
}

func TestEnqueueAndExecute(t *testing.T) {
	q := startTestQueue(t)

	action := &countingAction{done: make(chan struct{})}
	job, err := q.Enqueue(action, "payload", fastRetryConfig(0))
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status)

	select {
	case <-action.done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not execute in time")
	}

	assert.EqualValues(t, 1, action.calls.Load())
}

func TestRetryUntilSuccess(t *testing.T) {
	q := startTestQueue(t)

	action := &countingAction{failUntil: 2, done: make(chan struct{})}
	_, err := q.Enqueue(action, nil, fastRetryConfig(3))
	require.NoError(t, err)

	select {
	case <-action.done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not succeed within retry budget")
	}

	assert.EqualValues(t, 3, action.calls.Load())
	stats := q.GetStats()
	assert.Equal(t, 1, stats.SuccessfulJobs)
	assert.GreaterOrEqual(t, stats.RetryAttempts, 2)
}

func TestRetryBudgetExhausted(t *testing.T) {
	q := startTestQueue(t)

	action := &countingAction{failUntil: 100}
	job, err := q.Enqueue(action, nil, fastRetryConfig(2))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return q.GetStats().FailedJobs == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 3, action.calls.Load(), "MaxRetries+1 total attempts")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Error(t, job.LastError)
}

func TestRetryDisabledRunsOnce(t *testing.T) {
	q := startTestQueue(t)

	action := &countingAction{failUntil: 100}
	_, err := q.Enqueue(action, nil, RetryConfig{Enabled: false})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return q.GetStats().FailedJobs == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, action.calls.Load())
}

func TestEnqueueNilAction(t *testing.T) {
	q := startTestQueue(t)
	_, err := q.Enqueue(nil, nil, RetryConfig{})
	assert.ErrorIs(t, err, ErrNilAction)
}

func TestEnqueueAfterStop(t *testing.T) {
	q := New()
	q.Start(context.Background())
	require.NoError(t, q.StopWithTimeout(time.Second))

	_, err := q.Enqueue(&countingAction{}, nil, RetryConfig{})
	assert.ErrorIs(t, err, ErrQueueStopped)
}

func TestQueueCapacity(t *testing.T) {
	q := NewWithOptions(1)
	q.SetProcessingInterval(time.Hour) // never drain during the test
	q.Start(context.Background())
	t.Cleanup(func() { _ = q.StopWithTimeout(time.Second) })

	_, err := q.Enqueue(&countingAction{}, nil, RetryConfig{})
	require.NoError(t, err)

	_, err = q.Enqueue(&countingAction{}, nil, RetryConfig{})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, q.GetStats().DroppedJobs)
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()

	config := RetryConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
	}

	first := calculateBackoffDelay(config, 0)
	assert.InDelta(t, float64(10*time.Millisecond), float64(first), float64(2*time.Millisecond))

	capped := calculateBackoffDelay(config, 10)
	assert.LessOrEqual(t, capped, config.MaxDelay)
}

func TestStopWaitsForRunningJobs(t *testing.T) {
	q := New()
	q.SetProcessingInterval(5 * time.Millisecond)
	q.Start(context.Background())

	release := make(chan struct{})
	var finished atomic.Bool
	_, err := q.Enqueue(blockingAction{release: release, finished: &finished}, nil, RetryConfig{})
	require.NoError(t, err)

	// Let the job start, then release it concurrently with Stop
	time.Sleep(20 * time.Millisecond)
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	require.NoError(t, q.StopWithTimeout(2*time.Second))
	assert.True(t, finished.Load(), "Stop must wait for the in-flight job")
}

type blockingAction struct {
	release  chan struct{}
	finished *atomic.Bool
}

func (a blockingAction) Execute(ctx context.Context, data any) error {
	<-a.release
	a.finished.Store(true)
	return nil
}

func (a blockingAction) GetDescription() string { return "blocking action" }
