package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is a mutex-guarded in-process queue for tests and single-node
// deployments.
type MemoryQueue struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	clock func() time.Time
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]*Job), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (q *MemoryQueue) WithClock(clock func() time.Time) *MemoryQueue {
	q.clock = clock
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobType string, payload any, opts Options) (string, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("jobs: marshal payload: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	job := &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     raw,
		MaxAttempts: maxAttempts,
		FireAt:      q.clock().Add(opts.Delay),
	}
	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()
	return job.ID, nil
}

func (q *MemoryQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	delete(q.jobs, id)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock()
	var due []*Job
	for _, j := range q.jobs {
		if !j.FireAt.After(now) {
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	job := due[0]
	delete(q.jobs, job.ID)
	cp := *job
	cp.Attempt++
	return &cp, nil
}

func (q *MemoryQueue) Requeue(_ context.Context, job *Job, delay time.Duration) error {
	cp := *job
	cp.FireAt = q.clock().Add(delay)
	q.mu.Lock()
	q.jobs[cp.ID] = &cp
	q.mu.Unlock()
	return nil
}

// Pending returns the number of undelivered jobs. Test helper.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Has reports whether a job id is still queued. Test helper.
func (q *MemoryQueue) Has(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.jobs[id]
	return ok
}
