package mysql

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeanChat/internal/job"
)

var jobColumnNames = []string{"id", "session_id", "input", "status", "attempts", "max_retries", "reply", "last_error", "error_code", "created_at", "updated_at"}

func fixedClock() time.Time { return time.Unix(1700000100, 0) }

func jobRow(status job.Status, attempts int64, reply any) []driver.Value {
	return []driver.Value{"j1", "s1", "hi", string(status), attempts, int64(3), reply, "", "", int64(1700000000), int64(1700000100)}
}

func TestJobStoreCreate(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertJobSQL, mockResult{rowsAffected: 1},
			"j1", "s1", "hi", "pending", int64(0), int64(3), int64(1700000100), int64(1700000100)),
		failOp(execOp(insertJobSQL, mockResult{}), &mysqldriver.MySQLError{Number: mysqlErrDuplicateEntry, Message: "Duplicate entry"}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &JobStore{db: db, now: fixedClock}
	j := &job.Job{ID: "j1", SessionID: "s1", Input: "hi", Status: job.StatusPending, MaxRetries: 3}
	require.NoError(t, store.Create(context.Background(), j))
	assert.Equal(t, int64(1700000100), j.CreatedAt)

	err := store.Create(context.Background(), &job.Job{ID: "j1", Status: job.StatusPending})
	assert.ErrorIs(t, err, job.ErrJobConflict)
}

func TestJobStoreClaim(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(claimJobSQL, mockResult{rowsAffected: 1}, "running", int64(1700000100), "j1", "pending"),
		queryOp(selectJobSQL, mockRowsData{columns: jobColumnNames, values: [][]driver.Value{jobRow(job.StatusRunning, 1, nil)}}, "j1"),
		execOp(claimJobSQL, mockResult{rowsAffected: 0}),
		queryOp(selectJobSQL, mockRowsData{columns: jobColumnNames, values: [][]driver.Value{jobRow(job.StatusSucceeded, 1, `{"content":"ok"}`)}}),
		execOp(claimJobSQL, mockResult{rowsAffected: 0}),
		queryOp(selectJobSQL, mockRowsData{columns: jobColumnNames}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &JobStore{db: db, now: fixedClock}
	claimed, err := store.Claim(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	assert.Nil(t, claimed.Reply)

	done, err := store.Claim(context.Background(), "j1")
	assert.ErrorIs(t, err, job.ErrJobCompleted)
	require.NotNil(t, done.Reply)
	assert.Equal(t, "ok", done.Reply.Content)

	_, err = store.Claim(context.Background(), "j1")
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestJobStoreMarkOutcomes(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(succeedJobSQL, mockResult{rowsAffected: 1},
			"succeeded", `{"content":"ok","elapsed_ms":12,"prompt_tokens":3,"completion_tokens":1}`, int64(1700000100), "j1"),
		execOp(failJobSQL, mockResult{rowsAffected: 1}, "pending", "timeout", "TIMEOUT", int64(1700000100), "j1"),
		execOp(failJobSQL, mockResult{rowsAffected: 1}, "failed", "boom", "JOB_PROCESSING_FAILED", int64(1700000100), "j1"),
		execOp(failJobSQL, mockResult{rowsAffected: 0}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &JobStore{db: db, now: fixedClock}
	ctx := context.Background()
	require.NoError(t, store.MarkSucceeded(ctx, "j1", job.Result{Content: "ok", ElapsedMillis: 12, PromptTokens: 3, CompletionTokens: 1}))
	require.NoError(t, store.MarkFailed(ctx, "j1", "TIMEOUT", "timeout", false))
	require.NoError(t, store.MarkFailed(ctx, "j1", job.CodeJobProcessing, "boom", true))
	assert.ErrorIs(t, store.MarkFailed(ctx, "ghost", job.CodeJobProcessing, "boom", true), job.ErrJobNotFound)
}

func TestJobStoreList(t *testing.T) {
	t.Parallel()

	opts := job.ListOptions{SessionID: "s1", Statuses: []job.Status{job.StatusPending, job.StatusFailed}, Limit: 500}
	query, args := buildListQuery(opts)
	assert.Equal(t,
		"SELECT "+jobColumns+" FROM chat_jobs WHERE session_id = ? AND status IN (?,?) ORDER BY updated_at DESC, created_at DESC, id ASC LIMIT ?",
		query)
	assert.Equal(t, []any{"s1", "pending", "failed", 100}, args)

	db, drv := newMockDB(t, []mockOperation{
		queryOp(query, mockRowsData{columns: jobColumnNames, values: [][]driver.Value{jobRow(job.StatusPending, 0, nil)}},
			"s1", "pending", "failed", int64(100)),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	jobs, err := (&JobStore{db: db, now: fixedClock}).List(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "s1", jobs[0].SessionID)
}
