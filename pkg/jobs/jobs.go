// Package jobs defines the delayed-job queue capability (at-least-once,
// delayed delivery) and a handler runner with graceful shutdown. Redis and
// in-memory queue implementations are provided.
package jobs

import (
	"context"
	"encoding/json"
	"time"
)

// Job is one unit of deferred work. MaxAttempts counts handler executions;
// Attempt is 1-based on delivery.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	FireAt      time.Time       `json:"fireAt"`
}

// Options controls enqueueing.
type Options struct {
	Delay       time.Duration
	MaxAttempts int
}

// Queue is the delayed-job contract the platform consumes.
type Queue interface {
	// Enqueue schedules a job and returns its id.
	Enqueue(ctx context.Context, jobType string, payload any, opts Options) (string, error)
	// Remove drops a not-yet-delivered job. Removing an already delivered
	// or unknown id is a no-op.
	Remove(ctx context.Context, id string) error
	// Dequeue pops one due job, nil when nothing is due.
	Dequeue(ctx context.Context) (*Job, error)
	// Requeue puts a failed job back with a delay, preserving its id and
	// incrementing the attempt counter.
	Requeue(ctx context.Context, job *Job, delay time.Duration) error
}

// Handler processes one job delivery.
type Handler func(ctx context.Context, job *Job) error

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
