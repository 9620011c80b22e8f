package workqueue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var outboxTable = Table{
	Name:          "outbox_messages",
	IDColumn:      "id",
	OrderColumn:   "created_at",
	DueColumn:     "due_time",
	AttemptColumn: "attempt_count",
	Pending:       0,
	Processing:    1,
	Done:          2,
	Failed:        3,
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestClaimTransitionsSelectedRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := New(db, outboxTable)
	q.SetClock(fixedClock(now))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM outbox_messages").
		WithArgs(0, now, 10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a").AddRow("b"))
	mock.ExpectExec("UPDATE outbox_messages SET status").
		WithArgs(1, "worker-1", now.Add(10*time.Second), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	ids, err := q.Claim(context.Background(), "worker-1", 10, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimEmptyBatchCommitsWithoutUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := New(db, outboxTable)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM outbox_messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	ids, err := q.Claim(context.Background(), "worker-1", 5, time.Second)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimRejectsNonPositiveBatch(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := New(db, outboxTable)
	_, err = q.Claim(context.Background(), "worker-1", 0, time.Second)
	assert.ErrorIs(t, err, ErrInvalidBatchSize)
}

func TestAckFromNonOwnerIsSilentNoOp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := New(db, outboxTable)

	// The WHERE clause filters on owner_token; a stale owner matches nothing.
	mock.ExpectQuery("UPDATE outbox_messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	n, err := q.Ack(context.Background(), "stale-owner", []string{"a"})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAbandonReschedulesWithDueTime(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := New(db, outboxTable)
	due := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE outbox_messages").
		WithArgs(0, "boom", sqlmock.AnyArg(), "worker-1", 1, due).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := q.Abandon(context.Background(), "worker-1", []string{"a"}, "boom", &due)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReapExpiredRecoversOrphans(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := New(db, outboxTable)

	mock.ExpectExec("UPDATE outbox_messages SET status").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := q.ReapExpired(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestPendingCountReportsBacklog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := New(db, outboxTable)

	mock.ExpectQuery(`SELECT count\(\*\) FROM outbox_messages`).
		WithArgs(0).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := q.PendingCount(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmptyIDSlicesShortCircuit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	q := New(db, outboxTable)

	n, err := q.Ack(context.Background(), "w", nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.Fail(context.Background(), "w", nil, "x")
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.NoError(t, mock.ExpectationsWereMet())
}
