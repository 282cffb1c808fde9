package timer

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestGetPolicy(t *testing.T) {
	store, mock := newTestStore(t)

	body, err := json.Marshal(&contracts.TimerPolicy{
		TenantID:   "t-1",
		EntityName: "invoice",
		TimerType:  contracts.TimerAutoClose,
		DelayType:  contracts.DelayFixed,
		DelayMs:    60_000,
		IsActive:   true,
	})
	require.NoError(t, err)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT policy_json FROM meta.lifecycle_timer_policy")).
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"policy_json"}).AddRow(body))

	p, err := store.GetPolicy(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", p.ID, "the row id wins over the stored body")
	assert.Equal(t, int64(60_000), p.DelayMs)
	assert.Equal(t, contracts.TimerAutoClose, p.TimerType)
}

func TestGetPolicyNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT policy_json FROM meta.lifecycle_timer_policy")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"policy_json"}))

	_, err := store.GetPolicy(context.Background(), "nope")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestSavePolicy(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO meta.lifecycle_timer_policy")).
		WithArgs("p-1", "t-1", "invoice", sqlmock.AnyArg(), true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SavePolicy(context.Background(), &contracts.TimerPolicy{
		ID: "p-1", TenantID: "t-1", EntityName: "invoice",
		DelayType: contracts.DelayFixed, IsActive: true,
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSchedule(t *testing.T) {
	store, mock := newTestStore(t)
	fireAt := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO core.lifecycle_timer_schedule")).
		WithArgs("s-1", "t-1", "invoice", "inv-1", "li-1", string(contracts.TimerAutoClose),
			fireAt, nil, sqlmock.AnyArg(), string(contracts.TimerScheduled), fireAt.Add(-time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Insert(context.Background(), &contracts.TimerSchedule{
		ID: "s-1", TenantID: "t-1", EntityName: "invoice", EntityID: "inv-1",
		InstanceID: "li-1", TimerType: contracts.TimerAutoClose, FireAt: fireAt,
		PolicySnapshot: &contracts.TimerPolicy{ID: "p-1"},
		Status:         contracts.TimerScheduled, CreatedAt: fireAt.Add(-time.Hour),
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFiredCAS(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE core.lifecycle_timer_schedule SET status = $1")).
		WithArgs(string(contracts.TimerFired), "s-1", string(contracts.TimerScheduled)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	won, err := store.MarkFired(context.Background(), "s-1")
	require.NoError(t, err)
	assert.True(t, won)

	// the second firer loses
	mock.ExpectExec(regexp.QuoteMeta("UPDATE core.lifecycle_timer_schedule SET status = $1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	won, err = store.MarkFired(context.Background(), "s-1")
	require.NoError(t, err)
	assert.False(t, won)
}

func TestMarkCanceledAfterFireLoses(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE core.lifecycle_timer_schedule SET status = $1")).
		WithArgs(string(contracts.TimerCanceled), "s-1", string(contracts.TimerScheduled)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := store.MarkCanceled(context.Background(), "s-1")
	require.NoError(t, err)
	assert.False(t, won, "a fired timer cannot be canceled")
}

func TestTenantsWithScheduled(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT tenant_id FROM core.lifecycle_timer_schedule")).
		WithArgs(string(contracts.TimerScheduled)).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("t-1").AddRow("t-2"))

	tenants, err := store.TenantsWithScheduled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"t-1", "t-2"}, tenants)
}
