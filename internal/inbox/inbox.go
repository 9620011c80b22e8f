// Package inbox records externally observed messages for deduplicated,
// at-least-once consumption. The producer-supplied message id is the primary
// key: observing the same id again only refreshes last_seen_at, so a handler
// runs at most once to completion per id.
package inbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ocx/coordination/internal/workqueue"
)

// Status is the inbox lifecycle enum, persisted as text.
type Status string

const (
	StatusSeen       Status = "seen"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusDead       Status = "dead"
)

const maxMessageIDLen = 64

// Observation is the input to Observe.
type Observation struct {
	MessageID string
	Source    string
	Topic     string
	Payload   string
	Hash      []byte
	DueTime   *time.Time
}

// Message is one inbox row.
type Message struct {
	MessageID   string
	Source      string
	Topic       string
	Payload     string
	Hash        []byte
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	ProcessedAt *time.Time
	DueTime     *time.Time
	Status      Status
	Attempts    int
	LastError   string
	LockedUntil *time.Time
	OwnerToken  *string
}

// Store implements the inbox over Postgres.
type Store struct {
	db  *sql.DB
	q   *workqueue.Queue
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db: db,
		q: workqueue.New(db, workqueue.Table{
			Name:          "inbox_messages",
			IDColumn:      "message_id",
			OrderColumn:   "first_seen_at",
			DueColumn:     "due_time",
			AttemptColumn: "attempts",
			Pending:       string(StatusSeen),
			Processing:    string(StatusProcessing),
			Done:          string(StatusDone),
			Failed:        string(StatusDead),
		}),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's clock. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
	s.q.SetClock(now)
}

// Name identifies the store in logs, metrics and events.
func (s *Store) Name() string { return "inbox" }

// Observe records a sighting of an external message. Idempotent by message
// id: the first call inserts a Seen row, later calls only bump last_seen_at.
// Returns true when this call created the row.
func (s *Store) Observe(ctx context.Context, o Observation) (bool, error) {
	if o.MessageID == "" {
		return false, fmt.Errorf("inbox: message id must not be empty")
	}
	if len(o.MessageID) > maxMessageIDLen {
		return false, fmt.Errorf("inbox: message id exceeds %d chars", maxMessageIDLen)
	}
	if o.Source == "" {
		return false, fmt.Errorf("inbox: source must not be empty")
	}

	now := s.now().Truncate(time.Millisecond)
	// xmax = 0 distinguishes a fresh insert from a conflict update.
	var inserted bool
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO inbox_messages
			(message_id, source, hash, topic, payload, first_seen_at, last_seen_at, due_time, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $8)
		 ON CONFLICT (message_id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
		 RETURNING (xmax = 0)`,
		o.MessageID, o.Source, o.Hash, o.Topic, o.Payload, now, o.DueTime, string(StatusSeen)).
		Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("inbox observe: %w", err)
	}
	return inserted, nil
}

// Claim leases up to batch due Seen messages and returns them as tasks.
func (s *Store) Claim(ctx context.Context, owner string, batch int, lease time.Duration) ([]workqueue.Task, error) {
	ids, err := s.q.Claim(ctx, owner, batch, lease)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, topic, payload, source, attempts
		 FROM inbox_messages WHERE message_id = ANY($1)
		 ORDER BY first_seen_at ASC, message_id ASC`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("inbox fetch: %w", err)
	}
	defer rows.Close()
	var tasks []workqueue.Task
	for rows.Next() {
		var t workqueue.Task
		if err := rows.Scan(&t.ID, &t.Topic, &t.Payload, &t.CorrelationID, &t.Attempt); err != nil {
			return nil, fmt.Errorf("inbox scan: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Ack marks owned messages Done.
func (s *Store) Ack(ctx context.Context, owner string, ids []string) error {
	_, err := s.q.Ack(ctx, owner, ids)
	return err
}

// Abandon returns owned messages to Seen for retry.
func (s *Store) Abandon(ctx context.Context, owner string, ids []string, lastErr string, due time.Time) error {
	var d *time.Time
	if !due.IsZero() {
		d = &due
	}
	_, err := s.q.Abandon(ctx, owner, ids, lastErr, d)
	return err
}

// Fail marks owned messages Dead.
func (s *Store) Fail(ctx context.Context, owner string, ids []string, reason string) error {
	_, err := s.q.Fail(ctx, owner, ids, reason)
	return err
}

// RenewLease extends the claim lock for the dispatcher heartbeat.
func (s *Store) RenewLease(ctx context.Context, owner string, ids []string, lease time.Duration) (int64, error) {
	return s.q.RenewLease(ctx, owner, ids, lease)
}

// ReapExpired recovers messages whose claim lease lapsed back to Seen.
func (s *Store) ReapExpired(ctx context.Context) (int64, error) {
	return s.q.ReapExpired(ctx)
}

// PurgeTerminal deletes Done and Dead rows past the retention window.
func (s *Store) PurgeTerminal(ctx context.Context, retention time.Duration, limit int) (int64, error) {
	return s.q.PurgeTerminal(ctx, retention, limit)
}

// PendingCount reports the unprocessed backlog.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	return s.q.PendingCount(ctx)
}

// Get loads one message by id.
func (s *Store) Get(ctx context.Context, messageID string) (*Message, error) {
	var m Message
	var owner sql.NullString
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id, source, hash, topic, payload, first_seen_at, last_seen_at,
		        processed_at, due_time, status, attempts, last_error, locked_until, owner_token
		 FROM inbox_messages WHERE message_id = $1`,
		messageID).Scan(&m.MessageID, &m.Source, &m.Hash, &m.Topic, &m.Payload,
		&m.FirstSeenAt, &m.LastSeenAt, &m.ProcessedAt, &m.DueTime, &status,
		&m.Attempts, &m.LastError, &m.LockedUntil, &owner)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inbox get: %w", err)
	}
	m.Status = Status(status)
	if owner.Valid {
		m.OwnerToken = &owner.String
	}
	return &m, nil
}
