package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/coordination/internal/outboxjoin"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Date(2026, 7, 15, 11, 0, 0, 0, time.UTC)
	s := NewStore(db)
	s.SetClock(fixedClock(now))
	return s, mock, now
}

func TestEnqueueInsertsPendingRow(t *testing.T) {
	s, mock, now := newTestStore(t)

	mock.ExpectExec("INSERT INTO outbox_messages").
		WithArgs(sqlmock.AnyArg(), "order.created", `{"id":9}`, "msg-9", "corr-1", now, nil, StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := s.Enqueue(context.Background(), s.DB(), "order.created", `{"id":9}`,
		EnqueueOptions{MessageID: "msg-9", CorrelationID: "corr-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRejectsEmptyTopic(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Enqueue(context.Background(), s.DB(), "", "payload", EnqueueOptions{})
	assert.Error(t, err)
}

func TestEnqueueJoinHoldsParentUntilBarrier(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectBegin()
	// Parent first, held far in the future.
	mock.ExpectExec("INSERT INTO outbox_messages").
		WithArgs(sqlmock.AnyArg(), "batch.done", "{}", sqlmock.AnyArg(), "", sqlmock.AnyArg(), &joinParentHold, StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Two children.
	mock.ExpectExec("INSERT INTO outbox_messages").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_messages").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Join row plus one member row per child.
	mock.ExpectExec("INSERT INTO outbox_joins").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_join_members").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_join_members").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	parentID, joinID, err := s.EnqueueJoin(context.Background(), "batch.done", "{}",
		[]Child{{Topic: "step.a", Payload: "{}"}, {Topic: "step.b", Payload: "{}"}}, 2)
	require.NoError(t, err)
	assert.NotEmpty(t, parentID)
	assert.NotEmpty(t, joinID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueJoinRequiresChildren(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, _, err := s.EnqueueJoin(context.Background(), "batch.done", "{}", nil, 0)
	assert.Error(t, err)
}

func TestAckOfNonMemberDoesNotTouchJoins(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE outbox_messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("m1"))
	// Member mark matches nothing: m1 belongs to no join.
	mock.ExpectQuery("UPDATE outbox_join_members SET completed_at").
		WillReturnRows(sqlmock.NewRows([]string{"join_id"}))
	mock.ExpectCommit()

	err := s.Ack(context.Background(), "worker-1", []string{"m1"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAckFiringJoinReleasesParent(t *testing.T) {
	s, mock, now := newTestStore(t)

	var got *outboxjoin.Fired
	s.OnJoinFired(func(f *outboxjoin.Fired) { got = f })

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE outbox_messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("m1"))
	mock.ExpectQuery("UPDATE outbox_join_members SET completed_at").
		WillReturnRows(sqlmock.NewRows([]string{"join_id"}).AddRow("j1"))
	mock.ExpectQuery("UPDATE outbox_joins").
		WillReturnRows(sqlmock.NewRows([]string{"completed_steps", "failed_steps", "expected_steps", "owner_key", "parent_id", "metadata"}).
			AddRow(2, 0, 2, "batch.done", "parent-1", nil))
	mock.ExpectExec("UPDATE outbox_joins SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Parent release rewrites due_time to now.
	mock.ExpectExec("UPDATE outbox_messages SET due_time").
		WithArgs(now, "parent-1", StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Ack(context.Background(), "worker-1", []string{"m1"})
	require.NoError(t, err)
	require.NotNil(t, got, "fired callback should run after commit")
	assert.Equal(t, "j1", got.JoinID)
	assert.Equal(t, "parent-1", got.ParentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAckFromNonOwnerSettlesNothing(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectBegin()
	// RETURNING yields no ids, so no join work happens.
	mock.ExpectQuery("UPDATE outbox_messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	err := s.Ack(context.Background(), "stale-owner", []string{"m1"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailCountsTowardJoinFailedSteps(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE outbox_messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("m2"))
	mock.ExpectQuery("UPDATE outbox_join_members SET failed_at").
		WillReturnRows(sqlmock.NewRows([]string{"join_id"}).AddRow("j1"))
	mock.ExpectQuery("UPDATE outbox_joins").
		WillReturnRows(sqlmock.NewRows([]string{"completed_steps", "failed_steps", "expected_steps", "owner_key", "parent_id", "metadata"}).
			AddRow(0, 1, 2, "batch.done", "parent-1", nil))
	mock.ExpectCommit()

	err := s.Fail(context.Background(), "worker-1", []string{"m2"}, "handler gave up")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleEmptyIDsShortCircuits(t *testing.T) {
	s, mock, _ := newTestStore(t)

	require.NoError(t, s.Ack(context.Background(), "w", nil))
	require.NoError(t, s.Fail(context.Background(), "w", nil, "r"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingMessageReturnsNil(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectQuery("SELECT id, topic, payload").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	m, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, m)
}
