package pipeline

import (
	"context"
	"sync"

	"github.com/jkarvonen/plantcount-go/internal/errors"
	"github.com/jkarvonen/plantcount-go/internal/inference"
)

// acceleratorPool serializes inference work onto a single worker per
// process. The inference runtime holds device-bound interpreter state
// that is unsafe under concurrent access, so strictly one task runs at a
// time. The worker recycles cached model handles after a bounded task
// count to keep long-run memory growth in check.
type acceleratorPool struct {
	runtime      *inference.Runtime
	recycleAfter int

	tasks  chan accelTask
	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

type accelTask struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

func newAcceleratorPool(rt *inference.Runtime, recycleAfter int) *acceleratorPool {
	p := &acceleratorPool{
		runtime:      rt,
		recycleAfter: recycleAfter,
		tasks:        make(chan accelTask),
		closed:       make(chan struct{}),
	}
	p.wg.Add(1)
	go p.worker()
	return p
}

func (p *acceleratorPool) worker() {
	defer p.wg.Done()

	completed := 0
	for task := range p.tasks {
		if err := task.ctx.Err(); err != nil {
			task.done <- err
			continue
		}
		task.done <- task.fn(task.ctx)

		completed++
		if p.recycleAfter > 0 && completed%p.recycleAfter == 0 {
			logger.Info("Recycling accelerator worker", "tasks_completed", completed)
			p.runtime.ReleaseResources()
		}
	}
}

// Do runs fn on the accelerator worker and waits for it to finish. If ctx
// is cancelled before the worker picks the task up, the task never runs.
func (p *acceleratorPool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	task := accelTask{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case p.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return errors.Newf("accelerator pool is shut down").
			Component("pipeline").
			Category(errors.CategoryWorker).
			Build()
	}

	select {
	case err := <-task.done:
		return err
	case <-ctx.Done():
		// The task may still be running; its result is discarded.
		return ctx.Err()
	}
}

// Close stops the worker after in-flight tasks finish.
func (p *acceleratorPool) Close() {
	p.once.Do(func() {
		close(p.closed)
		close(p.tasks)
	})
	p.wg.Wait()
}

// ioLimiter bounds concurrent blob store calls.
type ioLimiter chan struct{}

func newIOLimiter(n int) ioLimiter {
	if n < 1 {
		n = 1
	}
	return make(ioLimiter, n)
}

func (l ioLimiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l }()
	return fn(ctx)
}
