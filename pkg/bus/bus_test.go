package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := New(testLogger())
	var got []any
	b.Subscribe("approval.completed", func(_ context.Context, payload any) {
		got = append(got, payload)
	})
	b.Subscribe("approval.completed", func(_ context.Context, payload any) {
		got = append(got, payload)
	})

	b.Publish(context.Background(), "approval.completed", "msg-1")
	assert.Equal(t, []any{"msg-1", "msg-1"}, got)
}

func TestPublishUnknownTopicIsNoop(t *testing.T) {
	b := New(testLogger())
	assert.NotPanics(t, func() {
		b.Publish(context.Background(), "nobody-listens", 42)
	})
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := New(testLogger())
	delivered := false
	b.Subscribe("t", func(context.Context, any) { panic("boom") })
	b.Subscribe("t", func(context.Context, any) { delivered = true })

	assert.NotPanics(t, func() {
		b.Publish(context.Background(), "t", nil)
	})
	assert.True(t, delivered, "panic in one handler must not starve the next")
}
