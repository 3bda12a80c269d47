package jobqueue

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Queue manages retryable jobs. Execution runs from a processing loop
// started with Start; jobs become due when NextRetryAt passes.
type Queue struct {
	mu                 sync.Mutex
	jobs               []*Job
	jobCounter         int
	stats              Stats
	isRunning          bool
	maxJobs            int
	stopCh             chan struct{}
	processCancel      context.CancelFunc
	runningJobs        sync.WaitGroup
	processingInterval time.Duration
	executionTimeout   time.Duration
}

const (
	defaultMaxJobs            = 1000
	defaultProcessingInterval = time.Second
	defaultExecutionTimeout   = 30 * time.Second
)

// New creates a queue with default settings.
func New() *Queue {
	return NewWithOptions(defaultMaxJobs)
}

// NewWithOptions creates a queue with a custom pending-job capacity.
func NewWithOptions(maxJobs int) *Queue {
	return &Queue{
		maxJobs:            maxJobs,
		stopCh:             make(chan struct{}),
		processingInterval: defaultProcessingInterval,
		executionTimeout:   defaultExecutionTimeout,
	}
}

// SetProcessingInterval shortens the polling interval, used in tests.
func (q *Queue) SetProcessingInterval(interval time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processingInterval = interval
}

// Start begins job processing with the given context. Cancelling the
// context stops the loop.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.isRunning {
		q.mu.Unlock()
		return
	}
	q.isRunning = true
	q.stopCh = make(chan struct{})

	processCtx, cancel := context.WithCancel(ctx)
	q.processCancel = cancel
	q.mu.Unlock()

	go q.processJobs(processCtx)
}

// Stop halts processing and waits for running jobs to finish.
func (q *Queue) Stop() error {
	return q.StopWithTimeout(10 * time.Second)
}

// StopWithTimeout halts processing, waiting up to timeout for running
// jobs to finish.
func (q *Queue) StopWithTimeout(timeout time.Duration) error {
	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return nil
	}
	q.isRunning = false
	if q.processCancel != nil {
		q.processCancel()
		q.processCancel = nil
	}
	close(q.stopCh)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.runningJobs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for jobs to complete after %v", timeout)
	}
}

// Enqueue adds a job to the queue.
func (q *Queue) Enqueue(action Action, data any, config RetryConfig) (*Job, error) {
	if action == nil {
		return nil, ErrNilAction
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.isRunning {
		return nil, ErrQueueStopped
	}
	if len(q.jobs) >= q.maxJobs {
		q.stats.DroppedJobs++
		return nil, fmt.Errorf("%w: maximum queue size (%d) reached", ErrQueueFull, q.maxJobs)
	}

	maxAttempts := 1
	if config.Enabled {
		maxAttempts = config.MaxRetries + 1
	}

	q.jobCounter++
	job := &Job{
		ID:          fmt.Sprintf("job-%d", q.jobCounter),
		Action:      action,
		Data:        data,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
		NextRetryAt: time.Now(),
		Status:      JobStatusPending,
		Config:      config,
	}
	q.jobs = append(q.jobs, job)
	q.stats.TotalJobs++

	logger.Debug("Job enqueued",
		"job_id", job.ID,
		"action", action.GetDescription(),
		"max_attempts", maxAttempts)

	return job, nil
}

// GetStats returns a snapshot of queue counters.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := q.stats
	for _, job := range q.jobs {
		if job.Status == JobStatusPending || job.Status == JobStatusRetrying {
			stats.PendingJobs++
		}
	}
	return stats
}

func (q *Queue) processJobs(ctx context.Context) {
	q.mu.Lock()
	interval := q.processingInterval
	q.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			q.processDueJobs(ctx)
		}
	}
}

func (q *Queue) processDueJobs(ctx context.Context) {
	q.mu.Lock()
	var due []*Job
	now := time.Now()
	for _, job := range q.jobs {
		if (job.Status == JobStatusPending || job.Status == JobStatusRetrying) && !job.NextRetryAt.After(now) {
			job.Status = JobStatusRunning
			due = append(due, job)
		}
	}
	q.mu.Unlock()

	for _, job := range due {
		if ctx.Err() != nil {
			q.mu.Lock()
			for _, j := range due {
				if j.Status == JobStatusRunning {
					j.Status = JobStatusCancelled
				}
			}
			q.mu.Unlock()
			return
		}

		q.runningJobs.Add(1)
		go func(j *Job) {
			defer q.runningJobs.Done()
			q.executeJob(ctx, j)
		}(job)
	}
}

func (q *Queue) executeJob(ctx context.Context, job *Job) {
	job.Attempts++

	if job.Attempts > 1 {
		q.mu.Lock()
		q.stats.RetryAttempts++
		q.mu.Unlock()
		logger.Info("Retrying job",
			"job_id", job.ID,
			"action", job.Action.GetDescription(),
			"attempt", job.Attempts,
			"max_attempts", job.MaxAttempts)
	}

	execCtx, cancel := context.WithTimeout(ctx, q.executionTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		return job.Action.Execute(execCtx, job.Data)
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case err == nil:
		job.Status = JobStatusCompleted
		q.stats.SuccessfulJobs++
		q.removeJobLocked(job)
	case job.Attempts >= job.MaxAttempts:
		job.Status = JobStatusFailed
		job.LastError = err
		q.stats.FailedJobs++
		q.removeJobLocked(job)
		logger.Error("Job failed permanently",
			"job_id", job.ID,
			"action", job.Action.GetDescription(),
			"attempts", job.Attempts,
			"error", err)
	default:
		job.Status = JobStatusRetrying
		job.LastError = err
		job.NextRetryAt = time.Now().Add(calculateBackoffDelay(job.Config, job.Attempts-1))
	}
}

// removeJobLocked drops a terminal job from the pending slice. Caller
// holds q.mu.
func (q *Queue) removeJobLocked(job *Job) {
	for i, j := range q.jobs {
		if j == job {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return
		}
	}
}

// calculateBackoffDelay computes the delay before the next retry attempt.
func calculateBackoffDelay(config RetryConfig, attemptNum int) time.Duration {
	backoff := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attemptNum))

	// jitter +-10% so synchronized retries spread out
	jitterFactor := 0.9 + 0.2*float64(time.Now().Nanosecond())/1e9
	backoff *= jitterFactor

	if config.MaxDelay > 0 && backoff > float64(config.MaxDelay) {
		backoff = float64(config.MaxDelay)
	}
	return time.Duration(backoff)
}
