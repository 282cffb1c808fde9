package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchSuccess(t *testing.T) {
	q := NewMemoryQueue()
	r := NewRunner(q, testLogger())

	var got *Job
	r.Handle("hello", func(_ context.Context, job *Job) error {
		got = job
		return nil
	})

	r.dispatch(context.Background(), &Job{ID: "j-1", Type: "hello", Attempt: 1, MaxAttempts: 3})
	require.NotNil(t, got)
	assert.Equal(t, "j-1", got.ID)
	assert.Zero(t, q.Pending(), "success never requeues")
}

func TestDispatchFailureRequeues(t *testing.T) {
	q := NewMemoryQueue()
	r := NewRunner(q, testLogger())
	r.Handle("flaky", func(context.Context, *Job) error { return errors.New("boom") })

	r.dispatch(context.Background(), &Job{ID: "j-1", Type: "flaky", Attempt: 1, MaxAttempts: 3})
	assert.True(t, q.Has("j-1"))
}

func TestDispatchExhaustionStops(t *testing.T) {
	q := NewMemoryQueue()
	r := NewRunner(q, testLogger())
	r.Handle("flaky", func(context.Context, *Job) error { return errors.New("boom") })

	r.dispatch(context.Background(), &Job{ID: "j-1", Type: "flaky", Attempt: 3, MaxAttempts: 3})
	assert.Zero(t, q.Pending(), "exhausted jobs are dropped, not requeued")
}

func TestDispatchPanicIsContained(t *testing.T) {
	q := NewMemoryQueue()
	r := NewRunner(q, testLogger())
	r.Handle("bad", func(context.Context, *Job) error { panic("kaboom") })

	assert.NotPanics(t, func() {
		r.dispatch(context.Background(), &Job{ID: "j-1", Type: "bad", Attempt: 1, MaxAttempts: 2})
	})
	assert.True(t, q.Has("j-1"), "a panic counts as a failure and requeues")
}

func TestDispatchUnknownType(t *testing.T) {
	q := NewMemoryQueue()
	r := NewRunner(q, testLogger())

	assert.NotPanics(t, func() {
		r.dispatch(context.Background(), &Job{ID: "j-1", Type: "nobody-home", Attempt: 1, MaxAttempts: 3})
	})
	assert.Zero(t, q.Pending())
}

func TestRunDeliversAndDrains(t *testing.T) {
	q := NewMemoryQueue()
	r := NewRunner(q, testLogger()).WithConcurrency(2)
	r.pollInterval = 5 * time.Millisecond

	delivered := make(chan string, 1)
	r.Handle("greet", func(_ context.Context, job *Job) error {
		delivered <- job.ID
		return nil
	})

	id, err := q.Enqueue(context.Background(), "greet", nil, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case got := <-delivered:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "drain completes within the timeout")
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestPeriodicTaskRuns(t *testing.T) {
	r := NewRunner(NewMemoryQueue(), testLogger())
	r.pollInterval = 5 * time.Millisecond

	var runs atomic.Int64
	fired := make(chan struct{}, 1)
	r.Periodic("tick", 5*time.Millisecond, func(context.Context) error {
		if runs.Add(1) == 1 {
			fired <- struct{}{}
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("periodic task never ran")
	}
	cancel()
	<-done
	assert.GreaterOrEqual(t, runs.Load(), int64(1))
}
