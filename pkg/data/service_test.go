package data

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-hq/lattice/pkg/conditions"
	"github.com/lattice-hq/lattice/pkg/contracts"
	"github.com/lattice-hq/lattice/pkg/errs"
	"github.com/lattice-hq/lattice/pkg/policy"
	"github.com/lattice-hq/lattice/pkg/reqctx"
	"github.com/lattice-hq/lattice/pkg/validation"
)

type serviceAudit struct {
	events []string
}

func (a *serviceAudit) EnqueueTx(_ context.Context, _ *sql.Tx, _, eventType string, _ map[string]any) error {
	a.events = append(a.events, eventType)
	return nil
}

type serviceLifecycle struct {
	created     []string
	terminal    []string
	terminalErr error
}

func (l *serviceLifecycle) CreateInstance(_ context.Context, _ *reqctx.RequestContext, entityName, entityID string, _ map[string]any) (*contracts.LifecycleInstance, error) {
	l.created = append(l.created, entityName+"/"+entityID)
	return &contracts.LifecycleInstance{ID: "li-1"}, nil
}

func (l *serviceLifecycle) EnforceTerminalState(_ context.Context, _ *reqctx.RequestContext, entityName, entityID string) error {
	l.terminal = append(l.terminal, entityName+"/"+entityID)
	return l.terminalErr
}

func (l *serviceLifecycle) Transition(context.Context, *reqctx.RequestContext, string, string, string, map[string]any) (*contracts.TransitionResult, error) {
	return &contracts.TransitionResult{}, nil
}

func sysField(name string, t contracts.FieldType) contracts.CompiledField {
	return contracts.CompiledField{APIName: name, ColumnName: name, Type: t}
}

func invoiceModel() *contracts.CompiledModel {
	return &contracts.CompiledModel{
		EntityName: "invoice",
		TableName:  "ent_invoice",
		Fields: []contracts.CompiledField{
			sysField("id", contracts.FieldString),
			sysField("tenant_id", contracts.FieldString),
			sysField("realm_id", contracts.FieldString),
			{APIName: "number", ColumnName: "number", Type: contracts.FieldString, Required: true},
			{APIName: "amount", ColumnName: "amount", Type: contracts.FieldNumber},
			sysField("version", contracts.FieldNumber),
			sysField("created_at", contracts.FieldDateTime),
			sysField("created_by", contracts.FieldString),
			sysField("updated_at", contracts.FieldDateTime),
			sysField("updated_by", contracts.FieldString),
			sysField("deleted_at", contracts.FieldDateTime),
			sysField("deleted_by", contracts.FieldString),
		},
		Policies: []contracts.CompiledPolicy{
			{Name: "allow-all", Effect: contracts.EffectAllow, Action: contracts.ActionAny,
				Resource: "invoice", Priority: 1},
		},
		SelectClause: "id, tenant_id, realm_id, number, amount, version, created_at, created_by, updated_at, updated_by, deleted_at, deleted_by",
	}
}

var serviceClock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newDataService(t *testing.T, model *contracts.CompiledModel) (*Service, sqlmock.Sqlmock, *serviceAudit) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	eval, err := conditions.NewEvaluator()
	require.NoError(t, err)
	engine := policy.NewEngine(eval, nil, testLogger())
	audit := &serviceAudit{}
	svc := NewService(db, &memModels{models: []*contracts.CompiledModel{model}}, engine, NewSequences(db), testLogger()).
		WithAudit(audit).
		WithClock(func() time.Time { return serviceClock })
	return svc, mock, audit
}

func serviceRC() *reqctx.RequestContext {
	return &reqctx.RequestContext{UserID: "u-1", TenantID: "t-1", RealmID: "default"}
}

func invoiceRow(mock sqlmock.Sqlmock, version int64, deletedAt any) {
	cols := []string{"id", "tenant_id", "realm_id", "number", "amount", "version",
		"created_at", "created_by", "updated_at", "updated_by", "deleted_at", "deleted_by"}
	created := serviceClock.Add(-time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND tenant_id = $2")).
		WithArgs("inv-1", "t-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("inv-1", "t-1", "default", "INV-7", 100.0, version,
				created, "u-9", created, "u-9", deletedAt, nil))
}

func TestCreateStampsSystemFields(t *testing.T) {
	model := invoiceModel()
	svc, mock, audit := newDataService(t, model)
	lc := &serviceLifecycle{}
	svc.WithLifecycle(lc)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ent_invoice")).
		WithArgs(sqlmock.AnyArg(), "t-1", "default", "INV-1", 100.0, int64(1),
			serviceClock, "u-1", serviceClock, "u-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	record, err := svc.Create(context.Background(), serviceRC(), "invoice",
		map[string]any{"number": "INV-1", "amount": 100.0, "_version": 9, "ghost": true})
	require.NoError(t, err)
	assert.NotEmpty(t, record["id"])
	assert.Equal(t, int64(1), record["version"])
	assert.Equal(t, []string{contracts.EventEntityCreated}, audit.events)
	require.Len(t, lc.created, 1, "the lifecycle instance follows the commit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDeniedByPolicy(t *testing.T) {
	model := invoiceModel()
	model.Policies = append(model.Policies, contracts.CompiledPolicy{
		Name: "no-create", Effect: contracts.EffectDeny, Action: contracts.ActionCreate,
		Resource: "invoice", Priority: 10,
	})
	svc, mock, _ := newDataService(t, model)

	_, err := svc.Create(context.Background(), serviceRC(), "invoice", map[string]any{"number": "INV-1"})
	assert.True(t, errs.Is(err, errs.CodeUnauthorized))
	assert.NoError(t, mock.ExpectationsWereMet(), "a denied create never touches the database")
}

func TestCreateDrawsSequenceDefault(t *testing.T) {
	model := invoiceModel()
	model.Field("number").Default = map[string]any{"$sequence": "invoiceNumber"}
	svc, mock, _ := newDataService(t, model)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO meta.numbering_sequence")).
		WithArgs("t-1", "invoiceNumber").
		WillReturnRows(sqlmock.NewRows([]string{"current_value"}).AddRow(int64(7)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ent_invoice")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	record, err := svc.Create(context.Background(), serviceRC(), "invoice", map[string]any{"amount": 50.0})
	require.NoError(t, err)
	assert.Equal(t, int64(7), record["number"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	svc, mock, _ := newDataService(t, invoiceModel())

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND tenant_id = $2")).
		WithArgs("ghost", "t-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := svc.Get(context.Background(), serviceRC(), "invoice", "ghost")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestGetDecodesRecord(t *testing.T) {
	svc, mock, _ := newDataService(t, invoiceModel())

	invoiceRow(mock, 2, nil)
	record, err := svc.Get(context.Background(), serviceRC(), "invoice", "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "INV-7", record["number"])
	assert.Equal(t, 100.0, record["amount"])
	assert.Equal(t, int64(2), record["version"])
}

func TestUpdateRequiresMatchingVersion(t *testing.T) {
	svc, mock, _ := newDataService(t, invoiceModel())

	invoiceRow(mock, 3, nil)
	_, err := svc.Update(context.Background(), serviceRC(), "invoice", "inv-1",
		map[string]any{"_version": 2, "amount": 250.0})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeVersionConflict))

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, int64(3), e.Details["currentVersion"])
	assert.NoError(t, mock.ExpectationsWereMet(), "a stale version fails before the write")
}

func TestUpdateAppliesChanges(t *testing.T) {
	svc, mock, audit := newDataService(t, invoiceModel())

	invoiceRow(mock, 2, nil)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE ent_invoice SET amount = $1, updated_at = $2, updated_by = $3, version = version + 1 WHERE id = $4 AND tenant_id = $5 AND version = $6 AND deleted_at IS NULL")).
		WithArgs(250.0, serviceClock, "u-1", "inv-1", "t-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	record, err := svc.Update(context.Background(), serviceRC(), "invoice", "inv-1",
		map[string]any{"_version": 2, "amount": 250.0})
	require.NoError(t, err)
	assert.Equal(t, int64(3), record["version"])
	assert.Equal(t, 250.0, record["amount"])
	assert.Equal(t, []string{contracts.EventEntityUpdated}, audit.events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLosesWriteRace(t *testing.T) {
	svc, mock, _ := newDataService(t, invoiceModel())

	invoiceRow(mock, 2, nil)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ent_invoice SET amount = $1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := svc.Update(context.Background(), serviceRC(), "invoice", "inv-1",
		map[string]any{"_version": 2, "amount": 250.0})
	assert.True(t, errs.Is(err, errs.CodeVersionConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSoftDeletes(t *testing.T) {
	svc, mock, audit := newDataService(t, invoiceModel())

	invoiceRow(mock, 2, nil)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE ent_invoice SET deleted_at = $1, deleted_by = $2, version = version + 1 WHERE id = $3 AND tenant_id = $4 AND deleted_at IS NULL")).
		WithArgs(serviceClock, "u-1", "inv-1", "t-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, svc.Delete(context.Background(), serviceRC(), "invoice", "inv-1"))
	assert.Equal(t, []string{contracts.EventEntityDeleted}, audit.events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteBlockedInTerminalState(t *testing.T) {
	svc, mock, audit := newDataService(t, invoiceModel())
	lc := &serviceLifecycle{terminalErr: errs.Newf(errs.CodeTerminal, "invoice/inv-1 is terminal")}
	svc.WithLifecycle(lc)

	invoiceRow(mock, 2, nil)

	err := svc.Delete(context.Background(), serviceRC(), "invoice", "inv-1")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeTerminal))
	assert.Equal(t, []string{"invoice/inv-1"}, lc.terminal, "the lifecycle is consulted before any write")
	assert.Empty(t, audit.events)
	assert.NoError(t, mock.ExpectationsWereMet(), "no delete transaction is opened")
}

func TestRestoreClearsMarker(t *testing.T) {
	svc, mock, audit := newDataService(t, invoiceModel())

	invoiceRow(mock, 2, serviceClock.Add(-time.Minute))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE ent_invoice SET deleted_at = NULL, deleted_by = NULL, updated_at = $1, updated_by = $2, version = version + 1 WHERE id = $3 AND tenant_id = $4 AND deleted_at IS NOT NULL")).
		WithArgs(serviceClock, "u-1", "inv-1", "t-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	record, err := svc.Restore(context.Background(), serviceRC(), "invoice", "inv-1")
	require.NoError(t, err)
	assert.Nil(t, record["deleted_at"])
	assert.Equal(t, int64(3), record["version"])
	assert.Equal(t, []string{contracts.EventEntityRestored}, audit.events)
}

func TestRestoreNotDeleted(t *testing.T) {
	svc, mock, _ := newDataService(t, invoiceModel())

	invoiceRow(mock, 2, nil)
	_, err := svc.Restore(context.Background(), serviceRC(), "invoice", "inv-1")
	assert.True(t, errs.Is(err, errs.CodeValidation))
}

func TestBulkCreateSkipsInvalidItems(t *testing.T) {
	model := invoiceModel()
	svc, mock, audit := newDataService(t, model)

	eval, err := conditions.NewEvaluator()
	require.NoError(t, err)
	validator, err := validation.NewEngine(eval, nil, nil, nil, testLogger())
	require.NoError(t, err)
	svc.WithValidator(validator)
	lc := &serviceLifecycle{}
	svc.WithLifecycle(lc)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ent_invoice")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := svc.BulkCreate(context.Background(), serviceRC(), "invoice", []map[string]any{
		{"number": "INV-1", "amount": 10.0},
		{"amount": 20.0}, // missing the required number
	})
	require.NoError(t, err)
	require.Len(t, out.Created, 1)
	require.Len(t, out.Skipped, 1)
	assert.Equal(t, 1, out.Skipped[0].Index)
	assert.NotEmpty(t, out.Skipped[0].Errors)
	assert.Equal(t, []string{contracts.EventEntityCreated}, audit.events)
	assert.Len(t, lc.created, 1, "skipped items get no lifecycle instance")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExists(t *testing.T) {
	svc, mock, _ := newDataService(t, invoiceModel())

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT count(*) FROM ent_invoice WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL")).
		WithArgs("inv-1", "t-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ok, err := svc.Exists(context.Background(), "t-1", "invoice", "inv-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsUniqueExcludesSelf(t *testing.T) {
	svc, mock, _ := newDataService(t, invoiceModel())

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT count(*) FROM ent_invoice WHERE tenant_id = $1 AND number = $2 AND deleted_at IS NULL AND id <> $3")).
		WithArgs("t-1", "INV-7", "inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	ok, err := svc.IsUnique(context.Background(), "t-1", "invoice", "number", "INV-7", nil, "inv-1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = svc.IsUnique(context.Background(), "t-1", "invoice", "ghost", "x", nil, "")
	assert.True(t, errs.Is(err, errs.CodeValidation))
}
