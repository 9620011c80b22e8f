// Package outbox persists messages produced in the same transaction as
// business state and dispatches them at least once. Enqueue takes the
// caller's transaction, so a message becomes visible exactly when the
// business write commits.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ocx/coordination/internal/outboxjoin"
	"github.com/ocx/coordination/internal/workqueue"
)

// Status codes persisted in the status column.
const (
	StatusPending    = 0
	StatusProcessing = 1
	StatusDispatched = 2
	StatusFailed     = 3
)

// joinParentHold keeps a join parent message out of claim range until the
// join fires and releases it by rewriting due_time.
var joinParentHold = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Message is one outbox row.
type Message struct {
	ID            string
	Topic         string
	Payload       string
	MessageID     string
	CorrelationID string
	CreatedAt     time.Time
	DueTime       *time.Time
	Status        int
	LockedUntil   *time.Time
	OwnerToken    *string
	AttemptCount  int
	LastError     string
	ProcessedAt   *time.Time
}

// EnqueueOptions carries the optional enqueue fields.
type EnqueueOptions struct {
	MessageID     string // producer-supplied stable id; generated when empty
	CorrelationID string
	DueTime       *time.Time
}

// Child declares one member message of an enqueue-join.
type Child struct {
	Topic     string
	Payload   string
	MessageID string
}

// Store implements the outbox over Postgres.
type Store struct {
	db      *sql.DB
	q       *workqueue.Queue
	joins   *outboxjoin.Coordinator
	now     func() time.Time
	onFired func(*outboxjoin.Fired)
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db: db,
		q: workqueue.New(db, workqueue.Table{
			Name:          "outbox_messages",
			IDColumn:      "id",
			OrderColumn:   "created_at",
			DueColumn:     "due_time",
			AttemptColumn: "attempt_count",
			Pending:       StatusPending,
			Processing:    StatusProcessing,
			Done:          StatusDispatched,
			Failed:        StatusFailed,
		}),
		joins: outboxjoin.New(db),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's clock. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
	s.q.SetClock(now)
	s.joins.SetClock(now)
}

// Name identifies the store in logs, metrics and events.
func (s *Store) Name() string { return "outbox" }

// Joins exposes the fan-in coordinator bound to this store's database.
func (s *Store) Joins() *outboxjoin.Coordinator { return s.joins }

// OnJoinFired registers a callback invoked after a settle transaction commits
// with a fired join. Used for observability events; the durable follow-up is
// the released parent message, not the callback.
func (s *Store) OnJoinFired(fn func(*outboxjoin.Fired)) { s.onFired = fn }

// Enqueue inserts a Pending message. Pass the business transaction as dbtx to
// make the message visible iff the business state commits; pass the Store's
// DB() for standalone publication.
func (s *Store) Enqueue(ctx context.Context, dbtx workqueue.DBTX, topic, payload string, opts EnqueueOptions) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("outbox: topic must not be empty")
	}
	id := uuid.NewString()
	messageID := opts.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	now := s.now().Truncate(time.Millisecond)
	_, err := dbtx.ExecContext(ctx,
		`INSERT INTO outbox_messages
			(id, topic, payload, message_id, correlation_id, created_at, due_time, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, topic, payload, messageID, opts.CorrelationID, now, opts.DueTime, StatusPending)
	if err != nil {
		return "", fmt.Errorf("outbox enqueue: %w", err)
	}
	return id, nil
}

// EnqueueJoin publishes the child messages, creates a join barrier over them,
// and holds the parent message back until the barrier fires. The parent then
// dispatches through the normal pipeline, so downstream consumers see fan-in
// completion as just another message.
func (s *Store) EnqueueJoin(ctx context.Context, parentTopic, parentPayload string, children []Child, expected int) (parentID, joinID string, err error) {
	if len(children) == 0 {
		return "", "", fmt.Errorf("outbox: enqueue-join requires at least one child")
	}
	if expected <= 0 || expected > len(children) {
		expected = len(children)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", fmt.Errorf("enqueue-join begin: %w", err)
	}
	defer tx.Rollback()

	hold := joinParentHold
	parentID, err = s.Enqueue(ctx, tx, parentTopic, parentPayload, EnqueueOptions{DueTime: &hold})
	if err != nil {
		return "", "", err
	}

	memberIDs := make([]string, 0, len(children))
	for _, child := range children {
		childID, err := s.Enqueue(ctx, tx, child.Topic, child.Payload, EnqueueOptions{MessageID: child.MessageID})
		if err != nil {
			return "", "", err
		}
		memberIDs = append(memberIDs, childID)
	}

	joinID, err = s.joins.CreateIn(ctx, tx, parentTopic, parentID, expected, memberIDs, nil)
	if err != nil {
		return "", "", err
	}

	if err := tx.Commit(); err != nil {
		return "", "", fmt.Errorf("enqueue-join commit: %w", err)
	}
	return parentID, joinID, nil
}

// Claim leases up to batch due Pending messages and returns them as tasks.
func (s *Store) Claim(ctx context.Context, owner string, batch int, lease time.Duration) ([]workqueue.Task, error) {
	ids, err := s.q.Claim(ctx, owner, batch, lease)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return s.fetchTasks(ctx, ids)
}

func (s *Store) fetchTasks(ctx context.Context, ids []string) ([]workqueue.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, payload, correlation_id, attempt_count
		 FROM outbox_messages WHERE id = ANY($1)
		 ORDER BY created_at ASC, id ASC`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("outbox fetch: %w", err)
	}
	defer rows.Close()
	var tasks []workqueue.Task
	for rows.Next() {
		var t workqueue.Task
		if err := rows.Scan(&t.ID, &t.Topic, &t.Payload, &t.CorrelationID, &t.Attempt); err != nil {
			return nil, fmt.Errorf("outbox scan: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Ack marks owned messages Dispatched and, in the same transaction, records
// join member completions. A fired join releases its parent message.
func (s *Store) Ack(ctx context.Context, owner string, ids []string) error {
	_, err := s.settle(ctx, owner, ids, "", true)
	return err
}

// Fail marks owned messages terminally Failed; join members count toward
// failed_steps on the symmetric path.
func (s *Store) Fail(ctx context.Context, owner string, ids []string, reason string) error {
	_, err := s.settle(ctx, owner, ids, reason, false)
	return err
}

func (s *Store) settle(ctx context.Context, owner string, ids []string, reason string, ack bool) ([]*outboxjoin.Fired, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("outbox settle begin: %w", err)
	}
	defer tx.Rollback()

	var settled []string
	if ack {
		settled, err = s.q.AckIn(ctx, tx, owner, ids)
	} else {
		settled, err = s.q.FailIn(ctx, tx, owner, ids, reason)
	}
	if err != nil {
		return nil, err
	}

	var fired []*outboxjoin.Fired
	for _, id := range settled {
		var f *outboxjoin.Fired
		if ack {
			f, err = s.joins.MemberCompleted(ctx, tx, id)
		} else {
			f, err = s.joins.MemberFailed(ctx, tx, id)
		}
		if err != nil {
			return nil, err
		}
		if f == nil {
			continue
		}
		if err := s.releaseParent(ctx, tx, f.ParentID); err != nil {
			return nil, err
		}
		fired = append(fired, f)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("outbox settle commit: %w", err)
	}
	if s.onFired != nil {
		for _, f := range fired {
			s.onFired(f)
		}
	}
	return fired, nil
}

// releaseParent makes the held join parent claimable.
func (s *Store) releaseParent(ctx context.Context, dbtx workqueue.DBTX, parentID string) error {
	if parentID == "" {
		return nil
	}
	_, err := dbtx.ExecContext(ctx,
		`UPDATE outbox_messages SET due_time = $1 WHERE id = $2 AND status = $3`,
		s.now().Truncate(time.Millisecond), parentID, StatusPending)
	if err != nil {
		return fmt.Errorf("release join parent: %w", err)
	}
	return nil
}

// Abandon returns owned messages to Pending with an incremented attempt count
// and an optional reschedule time.
func (s *Store) Abandon(ctx context.Context, owner string, ids []string, lastErr string, due time.Time) error {
	var d *time.Time
	if !due.IsZero() {
		d = &due
	}
	_, err := s.q.Abandon(ctx, owner, ids, lastErr, d)
	return err
}

// RenewLease extends the claim lock for the dispatcher heartbeat.
func (s *Store) RenewLease(ctx context.Context, owner string, ids []string, lease time.Duration) (int64, error) {
	return s.q.RenewLease(ctx, owner, ids, lease)
}

// ReapExpired recovers messages whose claim lease lapsed.
func (s *Store) ReapExpired(ctx context.Context) (int64, error) {
	return s.q.ReapExpired(ctx)
}

// PurgeTerminal deletes Dispatched and Failed rows past the retention window.
func (s *Store) PurgeTerminal(ctx context.Context, retention time.Duration, limit int) (int64, error) {
	return s.q.PurgeTerminal(ctx, retention, limit)
}

// PendingCount reports the undispatched backlog.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	return s.q.PendingCount(ctx)
}

// Get loads one message by id.
func (s *Store) Get(ctx context.Context, id string) (*Message, error) {
	var m Message
	var owner sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, topic, payload, message_id, correlation_id, created_at, due_time,
		        status, locked_until, owner_token, attempt_count, last_error, processed_at
		 FROM outbox_messages WHERE id = $1`,
		id).Scan(&m.ID, &m.Topic, &m.Payload, &m.MessageID, &m.CorrelationID,
		&m.CreatedAt, &m.DueTime, &m.Status, &m.LockedUntil, &owner,
		&m.AttemptCount, &m.LastError, &m.ProcessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("outbox get: %w", err)
	}
	if owner.Valid {
		m.OwnerToken = &owner.String
	}
	return &m, nil
}

// DB exposes the underlying handle for callers that enqueue outside any
// business transaction.
func (s *Store) DB() *sql.DB { return s.db }
