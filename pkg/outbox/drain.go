package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lattice-hq/lattice/pkg/contracts"
)

// Sink persists one audit record and accepts dead letters. Implemented by
// the audit log store.
type Sink interface {
	Insert(ctx context.Context, rec *contracts.AuditRecord) error
	InsertDead(ctx context.Context, entry *contracts.OutboxEntry, deadAt time.Time) error
}

// Drainer moves outbox rows into the audit log in locked batches.
type Drainer struct {
	outbox    *Outbox
	sink      Sink
	limiter   *rate.Limiter
	workerID  string
	batchSize int
	lockFor   time.Duration
	logger    *slog.Logger
	clock     func() time.Time
}

// NewDrainer creates a drain worker. ratePerSec bounds audit inserts; zero
// disables limiting.
func NewDrainer(outbox *Outbox, sink Sink, batchSize int, ratePerSec float64, logger *slog.Logger) *Drainer {
	if batchSize <= 0 {
		batchSize = 50
	}
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1)
	}
	return &Drainer{
		outbox:    outbox,
		sink:      sink,
		limiter:   limiter,
		workerID:  "drain-" + uuid.New().String()[:8],
		batchSize: batchSize,
		lockFor:   time.Minute,
		logger:    logger.With("component", "outbox.drain"),
		clock:     time.Now,
	}
}

// Drain processes one batch. Rows that persist are finalized; failures
// increment attempts and dead-letter at exhaustion. The error is non-nil
// only when every row in a non-empty batch failed, so the job queue
// records the run as failed.
func (d *Drainer) Drain(ctx context.Context) error {
	batch, err := d.outbox.Pick(ctx, d.batchSize, d.workerID, d.lockFor)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	var persisted []string
	var failed int
	for i := range batch {
		entry := &batch[i]
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("outbox: rate wait: %w", err)
			}
		}
		rec := &contracts.AuditRecord{
			ID:            uuid.New().String(),
			TenantID:      entry.TenantID,
			EventType:     entry.EventType,
			Payload:       entry.Payload,
			SourceEntryID: entry.ID,
			OccurredAt:    entry.CreatedAt,
		}
		if err := d.sink.Insert(ctx, rec); err != nil {
			failed++
			dead, markErr := d.outbox.MarkFailed(ctx, entry.ID, err.Error())
			if markErr != nil {
				d.logger.Error("mark failed errored", "entry", entry.ID, "error", markErr)
				continue
			}
			if dead {
				entry.Attempts++
				entry.LastError = err.Error()
				if dlqErr := d.sink.InsertDead(ctx, entry, d.clock().UTC()); dlqErr != nil {
					d.logger.Error("dead letter insert failed", "entry", entry.ID, "error", dlqErr)
				}
				d.logger.Warn("outbox entry dead lettered",
					"entry", entry.ID, "event_type", entry.EventType, "attempts", entry.Attempts)
			}
			continue
		}
		persisted = append(persisted, entry.ID)
	}

	if err := d.outbox.MarkPersisted(ctx, persisted); err != nil {
		return err
	}
	d.logger.Debug("drain batch done", "picked", len(batch), "persisted", len(persisted), "failed", failed)

	if failed == len(batch) {
		return errors.New("outbox: entire drain batch failed")
	}
	return nil
}
