package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Runner polls a Queue and dispatches jobs to registered handlers. Failed
// jobs are requeued with backoff until MaxAttempts is exhausted. Periodic
// tasks (drain, partition lifecycle) run on their own tickers.
type Runner struct {
	queue        Queue
	logger       *slog.Logger
	pollInterval time.Duration
	retryBackoff time.Duration
	drainTimeout time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	periodic []periodicTask

	sem chan struct{}
	wg  sync.WaitGroup
}

type periodicTask struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
}

// NewRunner creates a Runner with sane worker defaults.
func NewRunner(queue Queue, logger *slog.Logger) *Runner {
	return &Runner{
		queue:        queue,
		logger:       logger.With("component", "jobs.runner"),
		pollInterval: 500 * time.Millisecond,
		retryBackoff: 5 * time.Second,
		drainTimeout: 30 * time.Second,
		handlers:     make(map[string]Handler),
		sem:          make(chan struct{}, 4),
	}
}

// WithConcurrency caps the number of jobs in flight.
func (r *Runner) WithConcurrency(n int) *Runner {
	if n > 0 {
		r.sem = make(chan struct{}, n)
	}
	return r
}

// Handle registers the handler for a job type.
func (r *Runner) Handle(jobType string, h Handler) {
	r.mu.Lock()
	r.handlers[jobType] = h
	r.mu.Unlock()
}

// Periodic registers a repeating task.
func (r *Runner) Periodic(name string, interval time.Duration, fn func(ctx context.Context) error) {
	r.mu.Lock()
	r.periodic = append(r.periodic, periodicTask{name: name, interval: interval, fn: fn})
	r.mu.Unlock()
}

// Run blocks until ctx is canceled, then waits for in-flight work up to the
// drain timeout. Cancellation stops picking new jobs first.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	tasks := make([]periodicTask, len(r.periodic))
	copy(tasks, r.periodic)
	r.mu.Unlock()

	for _, task := range tasks {
		r.wg.Add(1)
		go r.runPeriodic(ctx, task)
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return r.drain()
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Runner) runPeriodic(ctx context.Context, task periodicTask) {
	defer r.wg.Done()
	ticker := time.NewTicker(task.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := task.fn(ctx); err != nil {
				r.logger.Error("periodic task failed", "task", task.name, "error", err)
			}
		}
	}
}

func (r *Runner) pollOnce(ctx context.Context) {
	for {
		job, err := r.queue.Dequeue(ctx)
		if err != nil {
			r.logger.Error("dequeue failed", "error", err)
			return
		}
		if job == nil {
			return
		}
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		r.wg.Add(1)
		go func(job *Job) {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			r.dispatch(ctx, job)
		}(job)
	}
}

func (r *Runner) dispatch(ctx context.Context, job *Job) {
	r.mu.Lock()
	h, ok := r.handlers[job.Type]
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("no handler for job type", "type", job.Type, "job_id", job.ID)
		return
	}

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("handler panic: %v", rec)
			}
		}()
		return h(ctx, job)
	}()
	if err == nil {
		return
	}

	if job.Attempt >= job.MaxAttempts {
		r.logger.Error("job exhausted", "type", job.Type, "job_id", job.ID,
			"attempt", job.Attempt, "error", err)
		return
	}
	r.logger.Warn("job failed, requeueing", "type", job.Type, "job_id", job.ID,
		"attempt", job.Attempt, "error", err)
	if rqErr := r.queue.Requeue(ctx, job, r.retryBackoff); rqErr != nil {
		r.logger.Error("requeue failed", "job_id", job.ID, "error", rqErr)
	}
}

func (r *Runner) drain() error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(r.drainTimeout):
		return fmt.Errorf("jobs: drain timeout after %s", r.drainTimeout)
	}
}
