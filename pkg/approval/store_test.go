package approval

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

func instanceRowColumns() []string {
	return []string{"id", "tenant_id", "entity_name", "entity_id", "transition_id",
		"template_id", "status", "context_reason", "created_at", "created_by", "resolved_at"}
}

func TestFindReturnsNilWhenAbsent(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT 1")).
		WithArgs("t-1", "invoice", "inv-1", "tr-1").
		WillReturnError(sql.ErrNoRows)

	in, err := store.Find(context.Background(), "t-1", "invoice", "inv-1", "tr-1")
	require.NoError(t, err)
	assert.Nil(t, in)
}

func TestFindMapsStoredRejection(t *testing.T) {
	store, mock := newTestStore(t)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	resolved := created.Add(time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT 1")).
		WithArgs("t-1", "invoice", "inv-1", "tr-1").
		WillReturnRows(sqlmock.NewRows(instanceRowColumns()).
			AddRow("ap-1", "t-1", "invoice", "inv-1", "tr-1", "tpl-1",
				string(contracts.InstanceCanceled), "rejected", created, "u-1", resolved))

	in, err := store.Find(context.Background(), "t-1", "invoice", "inv-1", "tr-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.InstanceRejected, in.Status, "stored canceled/rejected surfaces as rejected")
	require.NotNil(t, in.ResolvedAt)
	assert.Equal(t, resolved, *in.ResolvedAt)
}

func TestDecideTaskCAS(t *testing.T) {
	store, mock := newTestStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE wf.approval_task")).
		WithArgs(string(contracts.TaskApproved), at, "u-1", "lgtm", "task-1", string(contracts.TaskPending)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := store.DB().BeginTx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, store.DecideTask(context.Background(), tx, "task-1", contracts.TaskApproved, "u-1", "lgtm", at))
	require.NoError(t, tx.Commit())

	// the losing decider sees NotPending
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE wf.approval_task")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err = store.DB().BeginTx(context.Background(), nil)
	require.NoError(t, err)
	err = store.DecideTask(context.Background(), tx, "task-1", contracts.TaskRejected, "u-2", "", at)
	assert.True(t, errs.Is(err, errs.CodeNotPending))
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveInstanceCAS(t *testing.T) {
	store, mock := newTestStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE wf.approval_instance")).
		WithArgs(string(contracts.InstanceCanceled), "rejected", at, "ap-1", string(contracts.InstanceOpen)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := store.DB().BeginTx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, store.ResolveInstance(context.Background(), tx, "ap-1", contracts.InstanceRejected, "", at))
	require.NoError(t, tx.Commit())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE wf.approval_instance")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err = store.DB().BeginTx(context.Background(), nil)
	require.NoError(t, err)
	err = store.ResolveInstance(context.Background(), tx, "ap-1", contracts.InstanceCompleted, "", at)
	assert.True(t, errs.Is(err, errs.CodeNotPending), "terminal instances are immutable")
	require.NoError(t, tx.Rollback())
}

func TestStagesDecodeQuorum(t *testing.T) {
	store, mock := newTestStore(t)

	quorum, err := json.Marshal(&contracts.Quorum{Type: contracts.QuorumCount, Value: 2})
	require.NoError(t, err)
	mock.ExpectQuery(regexp.QuoteMeta("FROM wf.approval_stage")).
		WithArgs("ap-1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "instance_id", "stage_no", "mode", "quorum_json", "status", "outcome"}).
			AddRow("s-1", "ap-1", 1, string(contracts.StageParallel), quorum, string(contracts.StageCompleted), string(contracts.OutcomeApproved)).
			AddRow("s-2", "ap-1", 2, string(contracts.StageSerial), nil, string(contracts.StageOpen), nil))

	stages, err := store.Stages(context.Background(), "ap-1")
	require.NoError(t, err)
	require.Len(t, stages, 2)
	require.NotNil(t, stages[0].Quorum)
	assert.Equal(t, 2, stages[0].Quorum.Value)
	assert.Equal(t, contracts.OutcomeApproved, stages[0].Outcome)
	assert.Nil(t, stages[1].Quorum)
	assert.Empty(t, stages[1].Outcome)
}

func TestTasksDecodeAssignee(t *testing.T) {
	store, mock := newTestStore(t)

	assignee, err := json.Marshal(contracts.AssignTo{Role: "finance-manager"})
	require.NoError(t, err)
	decidedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM wf.approval_task")).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "stage_id", "instance_id", "assignee_json", "task_type", "status", "decided_at", "decided_by", "note", "sort_order"}).
			AddRow("task-1", "s-1", "ap-1", assignee, string(contracts.TaskApprover), string(contracts.TaskApproved), decidedAt, "u-1", "lgtm", 0).
			AddRow("task-2", "s-1", "ap-1", assignee, string(contracts.TaskApprover), string(contracts.TaskPending), nil, nil, nil, 1))

	tasks, err := store.Tasks(context.Background(), "s-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "finance-manager", tasks[0].Assignee.Role)
	assert.Equal(t, "u-1", tasks[0].DecidedBy)
	require.NotNil(t, tasks[0].DecidedAt)
	assert.Nil(t, tasks[1].DecidedAt)
	assert.Empty(t, tasks[1].DecidedBy)
}
