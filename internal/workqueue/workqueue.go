// Package workqueue implements the claim/ack/abandon/fail/reap protocol that
// every durable store in this module shares. A Queue binds the protocol to one
// table through a Table descriptor; the outbox, inbox and scheduler stores
// differ only in column names and status values.
//
// All transitions are atomic conditional statements keyed on
// (id, owner_token, status). A verb issued with a stale owner token matches
// zero rows and is a silent no-op, so a worker whose lease expired can never
// mutate a row another worker has re-claimed.
package workqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrInvalidBatchSize is returned when Claim is called with batch <= 0.
var ErrInvalidBatchSize = errors.New("workqueue: batch size must be positive")

// DBTX is the subset of database/sql satisfied by both *sql.DB and *sql.Tx.
// Verbs that must compose with other statements (outbox ack + join counter)
// take a DBTX so the caller controls the transaction boundary.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Table describes one conforming table. Status values are opaque to the
// protocol; integer-status tables bind ints, the inbox binds its string enum.
type Table struct {
	Name          string
	IDColumn      string // primary key column; uuid or producer-supplied string
	OrderColumn   string // claim ordering key: created_at, due_time, scheduled_time
	DueColumn     string // optional; empty means rows are always due
	AttemptColumn string // attempt_count / attempts
	Pending       interface{}
	Processing    interface{}
	Done          interface{}
	Failed        interface{}
}

// Task is one claimed unit of work as handed to a dispatcher handler.
type Task struct {
	ID            string
	Topic         string
	Payload       string
	CorrelationID string
	Attempt       int
}

// Queue runs the work-queue protocol for one table.
type Queue struct {
	db  *sql.DB
	t   Table
	now func() time.Time
}

func New(db *sql.DB, t Table) *Queue {
	return &Queue{db: db, t: t, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the queue's clock. Tests only.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Claim selects up to batch due Pending rows, transitions them to Processing
// owned by owner with a lease of the given duration, and returns their ids in
// claim order. Rows locked by a concurrent claimer are skipped, not waited on.
func (q *Queue) Claim(ctx context.Context, owner string, batch int, lease time.Duration) ([]string, error) {
	if batch <= 0 {
		return nil, ErrInvalidBatchSize
	}

	now := q.now()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim begin: %w", err)
	}
	defer tx.Rollback()

	due := ""
	if q.t.DueColumn != "" {
		due = fmt.Sprintf(" AND (%s IS NULL OR %s <= $2)", q.t.DueColumn, q.t.DueColumn)
	}
	selectSQL := fmt.Sprintf(
		`SELECT %s FROM %s
		 WHERE status = $1 AND (locked_until IS NULL OR locked_until <= $2)%s
		 ORDER BY %s ASC, %s ASC
		 LIMIT $3
		 FOR UPDATE SKIP LOCKED`,
		q.t.IDColumn, q.t.Name, due, q.t.OrderColumn, q.t.IDColumn)

	rows, err := tx.QueryContext(ctx, selectSQL, q.t.Pending, now, batch)
	if err != nil {
		return nil, fmt.Errorf("claim select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	updateSQL := fmt.Sprintf(
		`UPDATE %s SET status = $1, owner_token = $2, locked_until = $3
		 WHERE %s = ANY($4)`,
		q.t.Name, q.t.IDColumn)
	if _, err := tx.ExecContext(ctx, updateSQL, q.t.Processing, owner, now.Add(lease), pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim commit: %w", err)
	}
	return ids, nil
}

// Ack transitions Processing rows still owned by owner to the terminal Done
// status and clears the lock. Returns the number of rows transitioned.
func (q *Queue) Ack(ctx context.Context, owner string, ids []string) (int64, error) {
	acked, err := q.AckIn(ctx, q.db, owner, ids)
	return int64(len(acked)), err
}

// AckIn is Ack running on the caller's transaction. It returns the ids that
// actually transitioned, so composed procedures (outbox join counters) act on
// exactly the acked subset.
func (q *Queue) AckIn(ctx context.Context, dbtx DBTX, owner string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	stmt := fmt.Sprintf(
		`UPDATE %s
		 SET status = $1, processed_at = $2, owner_token = NULL, locked_until = NULL
		 WHERE %s = ANY($3) AND owner_token = $4 AND status = $5
		 RETURNING %s`,
		q.t.Name, q.t.IDColumn, q.t.IDColumn)
	rows, err := dbtx.QueryContext(ctx, stmt, q.t.Done, q.now(), pq.Array(ids), owner, q.t.Processing)
	if err != nil {
		return nil, fmt.Errorf("ack: %w", err)
	}
	return collectIDs(rows)
}

// Abandon returns owned Processing rows to Pending for a later retry,
// incrementing the attempt counter. A non-nil due reschedules the rows.
func (q *Queue) Abandon(ctx context.Context, owner string, ids []string, lastErr string, due *time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	set := fmt.Sprintf(
		"status = $1, owner_token = NULL, locked_until = NULL, %s = %s + 1, last_error = $2",
		q.t.AttemptColumn, q.t.AttemptColumn)
	args := []interface{}{q.t.Pending, lastErr, pq.Array(ids), owner, q.t.Processing}
	if due != nil && q.t.DueColumn != "" {
		set += fmt.Sprintf(", %s = $6", q.t.DueColumn)
		args = append(args, *due)
	}
	stmt := fmt.Sprintf(
		`UPDATE %s SET %s WHERE %s = ANY($3) AND owner_token = $4 AND status = $5`,
		q.t.Name, set, q.t.IDColumn)
	res, err := q.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("abandon: %w", err)
	}
	return res.RowsAffected()
}

// Fail transitions owned Processing rows to the terminal Failed status.
func (q *Queue) Fail(ctx context.Context, owner string, ids []string, reason string) (int64, error) {
	failed, err := q.FailIn(ctx, q.db, owner, ids, reason)
	return int64(len(failed)), err
}

// FailIn is Fail running on the caller's transaction, returning the ids that
// transitioned.
func (q *Queue) FailIn(ctx context.Context, dbtx DBTX, owner string, ids []string, reason string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	stmt := fmt.Sprintf(
		`UPDATE %s
		 SET status = $1, processed_at = $2, owner_token = NULL, locked_until = NULL,
		     %s = %s + 1, last_error = $3
		 WHERE %s = ANY($4) AND owner_token = $5 AND status = $6
		 RETURNING %s`,
		q.t.Name, q.t.AttemptColumn, q.t.AttemptColumn, q.t.IDColumn, q.t.IDColumn)
	rows, err := dbtx.QueryContext(ctx, stmt, q.t.Failed, q.now(), reason, pq.Array(ids), owner, q.t.Processing)
	if err != nil {
		return nil, fmt.Errorf("fail: %w", err)
	}
	return collectIDs(rows)
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// RenewLease extends the lock on owned Processing rows. The dispatcher
// heartbeat calls this well before locked_until; a short count tells the
// caller some rows were reaped and re-claimed elsewhere.
func (q *Queue) RenewLease(ctx context.Context, owner string, ids []string, lease time.Duration) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	stmt := fmt.Sprintf(
		`UPDATE %s SET locked_until = $1
		 WHERE %s = ANY($2) AND owner_token = $3 AND status = $4`,
		q.t.Name, q.t.IDColumn)
	res, err := q.db.ExecContext(ctx, stmt, q.now().Add(lease), pq.Array(ids), owner, q.t.Processing)
	if err != nil {
		return 0, fmt.Errorf("renew lease: %w", err)
	}
	return res.RowsAffected()
}

// ReapExpired recovers orphaned Processing rows whose lock has elapsed back
// to Pending so another worker can claim them.
func (q *Queue) ReapExpired(ctx context.Context) (int64, error) {
	stmt := fmt.Sprintf(
		`UPDATE %s SET status = $1, owner_token = NULL, locked_until = NULL
		 WHERE status = $2 AND locked_until <= $3`,
		q.t.Name)
	res, err := q.db.ExecContext(ctx, stmt, q.t.Pending, q.t.Processing, q.now())
	if err != nil {
		return 0, fmt.Errorf("reap expired: %w", err)
	}
	return res.RowsAffected()
}

// PurgeTerminal deletes terminal rows whose processed_at is older than the
// retention window, at most limit rows per call.
func (q *Queue) PurgeTerminal(ctx context.Context, retention time.Duration, limit int) (int64, error) {
	cutoff := q.now().Add(-retention)
	stmt := fmt.Sprintf(
		`DELETE FROM %s WHERE %s IN (
			SELECT %s FROM %s
			WHERE status IN ($1, $2) AND processed_at <= $3
			LIMIT $4
		 )`,
		q.t.Name, q.t.IDColumn, q.t.IDColumn, q.t.Name)
	res, err := q.db.ExecContext(ctx, stmt, q.t.Done, q.t.Failed, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("purge terminal: %w", err)
	}
	return res.RowsAffected()
}

// PendingCount reports the claimable backlog, including rows not yet due.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	stmt := fmt.Sprintf(`SELECT count(*) FROM %s WHERE status = $1`, q.t.Name)
	var n int64
	if err := q.db.QueryRowContext(ctx, stmt, q.t.Pending).Scan(&n); err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// Table returns the bound descriptor.
func (q *Queue) Table() Table { return q.t }
