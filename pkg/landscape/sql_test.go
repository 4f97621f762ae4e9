package landscape

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTime() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

// newMockRecorder builds an SQLRecorder over sqlmock, skipping schema
// init so tests only declare the statements under test.
func newMockRecorder(t *testing.T) (*SQLRecorder, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &SQLRecorder{
		db:           db,
		ph:           sqlitePlaceholder,
		chains:       make(map[string]*hashChain),
		runningGuard: make(map[[2]string]string),
	}, mock
}

func TestSQLBeginRunInserts(t *testing.T) {
	rec, mock := newMockRecorder(t)
	mock.ExpectExec(`INSERT INTO runs`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	run, err := rec.BeginRun(context.Background(), "cfg-hash", "jcs-rfc8785/sha-256")
	require.NoError(t, err)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, RunStatusRunning, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBeginRunSurfacesDBError(t *testing.T) {
	rec, mock := newMockRecorder(t)
	mock.ExpectExec(`INSERT INTO runs`).
		WillReturnError(assert.AnError)

	_, err := rec.BeginRun(context.Background(), "cfg-hash", "v1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin_run")
}

func TestSQLCompleteRunNotFound(t *testing.T) {
	rec, mock := newMockRecorder(t)
	mock.ExpectExec(`UPDATE runs SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := rec.CompleteRun(context.Background(), "missing-run", RunStatusCompleted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLRecordArtifact(t *testing.T) {
	rec, mock := newMockRecorder(t)
	mock.ExpectExec(`INSERT INTO artifacts`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	artifact, err := rec.RecordArtifact(context.Background(), "state-1", "file", "out/results.csv", "abc123", 2048, "")
	require.NoError(t, err)
	assert.NotEmpty(t, artifact.ArtifactID)
	assert.Equal(t, "state-1", artifact.StateID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRecordCall(t *testing.T) {
	rec, mock := newMockRecorder(t)
	mock.ExpectExec(`INSERT INTO calls`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	call, err := rec.RecordCall(context.Background(), "state-1", "api.example.com", "req-hash", "resp-hash", 42)
	require.NoError(t, err)
	assert.Equal(t, "api.example.com", call.Target)
	assert.Equal(t, int64(42), call.DurationMS)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLListBatches(t *testing.T) {
	rec, mock := newMockRecorder(t)
	rows := sqlmock.NewRows([]string{"batch_id", "run_id", "node_id", "status", "created_at", "completed_at"}).
		AddRow("batch-1", "run-1", "stage-000:agg", "completed", sampleTime(), sampleTime()).
		AddRow("batch-2", "run-1", "stage-000:agg", "failed", sampleTime(), nil)
	mock.ExpectQuery(`SELECT batch_id, run_id, node_id, status, created_at, completed_at FROM batches`).
		WithArgs("run-1").
		WillReturnRows(rows)

	batches, err := rec.ListBatches(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, BatchStatusCompleted, batches[0].Status)
	assert.NotNil(t, batches[0].CompletedAt)
	assert.Equal(t, BatchStatusFailed, batches[1].Status)
	assert.Nil(t, batches[1].CompletedAt)
}

func TestSQLGetRunNotFound(t *testing.T) {
	rec, mock := newMockRecorder(t)
	mock.ExpectQuery(`SELECT run_id, started_at`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "started_at", "completed_at", "status", "config_hash", "canonical_version"}))

	_, err := rec.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
