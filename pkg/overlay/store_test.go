package overlay

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
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

func overlayColumns() []string {
	return []string{"id", "tenant_id", "name", "status", "created_at", "updated_at"}
}

func TestSaveDraftOverlay(t *testing.T) {
	store, mock := newTestStore(t)

	o := &contracts.Overlay{
		ID:       "ov-1",
		TenantID: "t-1",
		Name:     "eu-fields",
		Changes: []contracts.OverlayChange{
			{Kind: contracts.ChangeAddField, TargetName: "vat_number",
				Payload: map[string]any{"type": "string"}, SortOrder: 1},
		},
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM meta.overlay WHERE id = $1")).
		WithArgs("ov-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO meta.overlay (id, tenant_id, name, status, created_at, updated_at)")).
		WithArgs("ov-1", "t-1", "eu-fields", contracts.OverlayDraft, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM meta.overlay_change WHERE overlay_id = $1")).
		WithArgs("ov-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO meta.overlay_change")).
		WithArgs(sqlmock.AnyArg(), "ov-1", contracts.ChangeAddField, "vat_number",
			sqlmock.AnyArg(), 1, contracts.ConflictFail).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Save(context.Background(), o))
	assert.NotEmpty(t, o.Changes[0].ID, "change ids are assigned on save")
	assert.Equal(t, contracts.ConflictFail, o.Changes[0].ConflictMode, "fail is the default conflict mode")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAssignsID(t *testing.T) {
	store, mock := newTestStore(t)

	o := &contracts.Overlay{TenantID: "t-1", Name: "eu-fields"}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM meta.overlay")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO meta.overlay")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM meta.overlay_change")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, store.Save(context.Background(), o))
	assert.NotEmpty(t, o.ID)
}

func TestSaveValidation(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Save(context.Background(), &contracts.Overlay{TenantID: "t-1"})
	assert.True(t, errs.Is(err, errs.CodeValidation))

	err = store.Save(context.Background(), &contracts.Overlay{Name: "eu-fields"})
	assert.True(t, errs.Is(err, errs.CodeValidation))
}

func TestSaveRejectsPublishedOverlay(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM meta.overlay")).
		WithArgs("ov-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(contracts.OverlayPublished)))

	err := store.Save(context.Background(), &contracts.Overlay{ID: "ov-1", TenantID: "t-1", Name: "eu-fields"})
	assert.True(t, errs.Is(err, errs.CodeValidation))
	assert.Contains(t, err.Error(), "immutable")
}

func TestGetOrdersChanges(t *testing.T) {
	store, mock := newTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM meta.overlay WHERE id = $1")).
		WithArgs("ov-1").
		WillReturnRows(sqlmock.NewRows(overlayColumns()).
			AddRow("ov-1", "t-1", "eu-fields", string(contracts.OverlayDraft), now, now))

	payload, err := json.Marshal(map[string]any{"type": "string"})
	require.NoError(t, err)
	mock.ExpectQuery(regexp.QuoteMeta("FROM meta.overlay_change WHERE overlay_id = $1 ORDER BY sort_order")).
		WithArgs("ov-1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "kind", "target_name", "payload", "sort_order", "conflict_mode"}).
			AddRow("c-1", string(contracts.ChangeAddField), "vat_number", payload, 1, string(contracts.ConflictFail)).
			AddRow("c-2", string(contracts.ChangeRemoveField), "fax", nil, 2, string(contracts.ConflictFail)))

	o, err := store.Get(context.Background(), "ov-1")
	require.NoError(t, err)
	require.Len(t, o.Changes, 2)
	assert.Equal(t, contracts.ChangeAddField, o.Changes[0].Kind)
	assert.Equal(t, map[string]any{"type": "string"}, o.Changes[0].Payload)
	assert.Nil(t, o.Changes[1].Payload)
}

func TestGetNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM meta.overlay WHERE id = $1")).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "nope")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestGetPublishedSet(t *testing.T) {
	store, mock := newTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM meta.overlay WHERE id = $1")).
		WithArgs("ov-1").
		WillReturnRows(sqlmock.NewRows(overlayColumns()).
			AddRow("ov-1", "t-1", "eu-fields", string(contracts.OverlayPublished), now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM meta.overlay_change")).
		WithArgs("ov-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "target_name", "payload", "sort_order", "conflict_mode"}))

	mock.ExpectQuery(regexp.QuoteMeta("FROM meta.overlay WHERE id = $1")).
		WithArgs("ov-2").
		WillReturnRows(sqlmock.NewRows(overlayColumns()).
			AddRow("ov-2", "t-1", "apac-fields", string(contracts.OverlayDraft), now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM meta.overlay_change")).
		WithArgs("ov-2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "target_name", "payload", "sort_order", "conflict_mode"}))

	_, err := store.GetPublishedSet(context.Background(), contracts.OverlaySet{"ov-1", "ov-2"})
	assert.True(t, errs.Is(err, errs.CodeValidation), "unpublished members fail the set")
	assert.Contains(t, err.Error(), "ov-2")
}

func TestSetStatus(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE meta.overlay SET status = $1")).
		WithArgs(contracts.OverlayPublished, sqlmock.AnyArg(), "ov-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.SetStatus(context.Background(), "ov-1", contracts.OverlayPublished))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE meta.overlay SET status = $1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.SetStatus(context.Background(), "nope", contracts.OverlayArchived)
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestListByTenant(t *testing.T) {
	store, mock := newTestStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM meta.overlay WHERE tenant_id = $1 ORDER BY created_at")).
		WithArgs("t-1").
		WillReturnRows(sqlmock.NewRows(overlayColumns()).
			AddRow("ov-1", "t-1", "eu-fields", string(contracts.OverlayPublished), now, now).
			AddRow("ov-2", "t-1", "apac-fields", string(contracts.OverlayDraft), now, now))

	out, err := store.ListByTenant(context.Background(), "t-1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "eu-fields", out[0].Name)
	assert.Empty(t, out[0].Changes, "listing skips change bodies")
}
