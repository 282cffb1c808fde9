package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-hq/lattice/pkg/contracts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSink struct {
	failTypes map[string]bool
	inserted  []string
	dead      []string
}

func (f *fakeSink) Insert(_ context.Context, rec *contracts.AuditRecord) error {
	if f.failTypes[rec.EventType] {
		return errors.New("sink unavailable")
	}
	f.inserted = append(f.inserted, rec.SourceEntryID)
	return nil
}

func (f *fakeSink) InsertDead(_ context.Context, entry *contracts.OutboxEntry, _ time.Time) error {
	f.dead = append(f.dead, entry.ID)
	return nil
}

func expectPick(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WillReturnRows(rows)
}

func TestDrainPersistsBatch(t *testing.T) {
	ob, mock := newTestOutbox(t)
	sink := &fakeSink{}
	d := NewDrainer(ob, sink, 10, 0, testLogger())

	created := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	expectPick(mock, sqlmock.NewRows(entryColumns()).
		AddRow("e-1", "t-1", "lifecycle.transitioned", nil, 0, 5, string(contracts.OutboxPending), nil, "w", nil, created).
		AddRow("e-2", "t-1", "approval.completed", nil, 0, 5, string(contracts.OutboxPending), nil, "w", nil, created))
	mock.ExpectExec(regexp.QuoteMeta("SET status = $1, locked_by = NULL")).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, d.Drain(context.Background()))
	assert.Equal(t, []string{"e-1", "e-2"}, sink.inserted)
	assert.Empty(t, sink.dead)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainEmptyBatch(t *testing.T) {
	ob, mock := newTestOutbox(t)
	d := NewDrainer(ob, &fakeSink{}, 10, 0, testLogger())

	expectPick(mock, sqlmock.NewRows(entryColumns()))
	require.NoError(t, d.Drain(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainFailureIncrementsAttempts(t *testing.T) {
	ob, mock := newTestOutbox(t)
	sink := &fakeSink{failTypes: map[string]bool{"approval.completed": true}}
	d := NewDrainer(ob, sink, 10, 0, testLogger())

	created := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	expectPick(mock, sqlmock.NewRows(entryColumns()).
		AddRow("e-1", "t-1", "lifecycle.transitioned", nil, 0, 5, string(contracts.OutboxPending), nil, "w", nil, created).
		AddRow("e-2", "t-1", "approval.completed", nil, 0, 5, string(contracts.OutboxPending), nil, "w", nil, created))
	mock.ExpectQuery(regexp.QuoteMeta("SET attempts = attempts + 1")).
		WithArgs("sink unavailable", string(contracts.OutboxDead), string(contracts.OutboxFailed), "e-2").
		WillReturnRows(sqlmock.NewRows([]string{"attempts", "max_attempts"}).AddRow(1, 5))
	mock.ExpectExec(regexp.QuoteMeta("SET status = $1, locked_by = NULL")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, d.Drain(context.Background()), "a partial failure is not a failed run")
	assert.Equal(t, []string{"e-1"}, sink.inserted)
	assert.Empty(t, sink.dead, "the entry still has attempts left")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainDeadLettersAtExhaustion(t *testing.T) {
	ob, mock := newTestOutbox(t)
	sink := &fakeSink{failTypes: map[string]bool{"approval.completed": true}}
	d := NewDrainer(ob, sink, 10, 0, testLogger())

	created := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	expectPick(mock, sqlmock.NewRows(entryColumns()).
		AddRow("e-2", "t-1", "approval.completed", nil, 4, 5, string(contracts.OutboxFailed), "sink unavailable", "w", nil, created))
	mock.ExpectQuery(regexp.QuoteMeta("SET attempts = attempts + 1")).
		WillReturnRows(sqlmock.NewRows([]string{"attempts", "max_attempts"}).AddRow(5, 5))

	err := d.Drain(context.Background())
	require.Error(t, err, "an entirely failed batch fails the run")
	assert.Equal(t, []string{"e-2"}, sink.dead)
}
