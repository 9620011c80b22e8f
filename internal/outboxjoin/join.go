// Package outboxjoin implements the fan-in barrier over related outbox
// messages. A join declares the set of outbox message ids that count toward
// it; the outbox ack/fail procedures report member transitions here inside
// their own transaction, so counters can never drift from the rows they
// describe.
package outboxjoin

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/coordination/internal/workqueue"
)

// Join statuses. A join is Open until completed+failed reaches
// expected_steps, then Fired exactly once.
const (
	StatusOpen  = 0
	StatusFired = 1
)

// Join is the barrier row.
type Join struct {
	JoinID         string
	OwnerKey       string
	ExpectedSteps  int
	CompletedSteps int
	FailedSteps    int
	Status         int
	ParentID       string
	Metadata       []byte
	CreatedAt      time.Time
	LastUpdatedAt  time.Time
}

// Fired describes a join that just reached its expected count. The caller
// (the outbox store) releases the parent message in the same transaction.
type Fired struct {
	JoinID         string
	OwnerKey       string
	ParentID       string
	CompletedSteps int
	FailedSteps    int
	ExpectedSteps  int
	Metadata       []byte
}

// Coordinator manipulates joins. All mutating methods run on a caller
// transaction (workqueue.DBTX) because they must commit atomically with the
// outbox transition that triggered them.
type Coordinator struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Coordinator {
	return &Coordinator{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the coordinator's clock. Tests only.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// CreateIn inserts the join row and its member set. parentID is the held
// outbox message released when the join fires.
func (c *Coordinator) CreateIn(ctx context.Context, dbtx workqueue.DBTX, ownerKey, parentID string, expected int, memberIDs []string, metadata []byte) (string, error) {
	if expected <= 0 {
		return "", fmt.Errorf("outboxjoin: expected steps must be positive, got %d", expected)
	}
	if len(memberIDs) < expected {
		return "", fmt.Errorf("outboxjoin: %d members cannot satisfy %d expected steps", len(memberIDs), expected)
	}

	now := c.now()
	joinID := uuid.NewString()
	var meta interface{}
	if len(metadata) > 0 {
		meta = metadata
	}
	_, err := dbtx.ExecContext(ctx,
		`INSERT INTO outbox_joins
			(join_id, owner_key, expected_steps, status, parent_id, metadata, created_at, last_updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		joinID, ownerKey, expected, StatusOpen, parentID, meta, now)
	if err != nil {
		return "", fmt.Errorf("create join: %w", err)
	}
	for _, id := range memberIDs {
		if _, err := dbtx.ExecContext(ctx,
			`INSERT INTO outbox_join_members (join_id, outbox_message_id, created_at)
			 VALUES ($1, $2, $3)`,
			joinID, id, now); err != nil {
			return "", fmt.Errorf("create join member: %w", err)
		}
	}
	return joinID, nil
}

// MemberCompleted records a successful outbox dispatch for a member. A member
// transitions at most once: the guard on completed_at/failed_at makes repeat
// calls no-ops, and the counter guard prevents overshoot past expected_steps.
// Returns non-nil when this transition fired the join.
func (c *Coordinator) MemberCompleted(ctx context.Context, dbtx workqueue.DBTX, outboxMessageID string) (*Fired, error) {
	return c.memberTransition(ctx, dbtx, outboxMessageID, true)
}

// MemberFailed records a terminal dispatch failure for a member.
func (c *Coordinator) MemberFailed(ctx context.Context, dbtx workqueue.DBTX, outboxMessageID string) (*Fired, error) {
	return c.memberTransition(ctx, dbtx, outboxMessageID, false)
}

func (c *Coordinator) memberTransition(ctx context.Context, dbtx workqueue.DBTX, outboxMessageID string, completed bool) (*Fired, error) {
	now := c.now()

	markCol := "failed_at"
	counterCol := "failed_steps"
	if completed {
		markCol = "completed_at"
		counterCol = "completed_steps"
	}

	// Mark the member first; the row lock taken here serializes concurrent
	// transitions for the same member.
	var joinID string
	err := dbtx.QueryRowContext(ctx, fmt.Sprintf(
		`UPDATE outbox_join_members SET %s = $1
		 WHERE outbox_message_id = $2 AND completed_at IS NULL AND failed_at IS NULL
		 RETURNING join_id`, markCol),
		now, outboxMessageID).Scan(&joinID)
	if err == sql.ErrNoRows {
		// Not a member, or the member already transitioned.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mark join member: %w", err)
	}

	var f Fired
	var parentID sql.NullString
	var metadata []byte
	err = dbtx.QueryRowContext(ctx, fmt.Sprintf(
		`UPDATE outbox_joins
		 SET %s = %s + 1, last_updated_at = $1
		 WHERE join_id = $2 AND (completed_steps + failed_steps) < expected_steps
		 RETURNING completed_steps, failed_steps, expected_steps, owner_key, parent_id, metadata`,
		counterCol, counterCol),
		now, joinID).Scan(&f.CompletedSteps, &f.FailedSteps, &f.ExpectedSteps, &f.OwnerKey, &parentID, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("increment join counter: %w", err)
	}

	if f.CompletedSteps+f.FailedSteps < f.ExpectedSteps {
		return nil, nil
	}

	// Barrier reached: flip to Fired exactly once. The status guard protects
	// against a second fire if expected_steps was reached concurrently.
	res, err := dbtx.ExecContext(ctx,
		`UPDATE outbox_joins SET status = $1, last_updated_at = $2
		 WHERE join_id = $3 AND status = $4`,
		StatusFired, now, joinID, StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("fire join: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	f.JoinID = joinID
	f.ParentID = parentID.String
	f.Metadata = metadata
	return &f, nil
}

// Get loads a join row.
func (c *Coordinator) Get(ctx context.Context, joinID string) (*Join, error) {
	var j Join
	var parentID sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT join_id, owner_key, expected_steps, completed_steps, failed_steps,
		        status, parent_id, metadata, created_at, last_updated_at
		 FROM outbox_joins WHERE join_id = $1`,
		joinID).Scan(&j.JoinID, &j.OwnerKey, &j.ExpectedSteps, &j.CompletedSteps,
		&j.FailedSteps, &j.Status, &parentID, &j.Metadata, &j.CreatedAt, &j.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get join: %w", err)
	}
	j.ParentID = parentID.String
	return &j, nil
}
