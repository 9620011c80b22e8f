package sideeffect

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLStore is the Postgres implementation of Store. Every transition is a
// single conditional statement; the attempt lock is the usual
// (status, locked_until) claim.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the store's clock. Tests only.
func (s *SQLStore) SetClock(now func() time.Time) { s.now = now }

func (s *SQLStore) GetOrCreate(ctx context.Context, key Key, payloadHash []byte) (*Record, error) {
	now := s.now().Truncate(time.Millisecond)
	// DO UPDATE on a no-op column makes RETURNING yield the existing row on
	// conflict, so create-or-read is one round trip.
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO external_effects
			(id, operation_name, idempotency_key, status, created_at, last_updated_at, payload_hash)
		 VALUES ($1, $2, $3, $4, $5, $5, $6)
		 ON CONFLICT (operation_name, idempotency_key) DO UPDATE
			SET operation_name = EXCLUDED.operation_name
		 RETURNING id, status, attempt_count, created_at, last_updated_at,
		           last_attempt_at, last_external_check_at, locked_until, locked_by,
		           external_reference_id, external_status, last_error, payload_hash`,
		uuid.NewString(), key.OperationName, key.IdempotencyKey, StatusPending, now, payloadHash)

	rec := &Record{Key: key}
	err := row.Scan(&rec.ID, &rec.Status, &rec.AttemptCount, &rec.CreatedAt,
		&rec.LastUpdatedAt, &rec.LastAttemptAt, &rec.LastExternalCheckAt,
		&rec.LockedUntil, &rec.LockedBy, &rec.ExternalReferenceID,
		&rec.ExternalStatus, &rec.LastError, &rec.PayloadHash)
	if err != nil {
		return nil, fmt.Errorf("external effect get-or-create: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) TryBeginAttempt(ctx context.Context, id, worker string, lockFor time.Duration) (bool, error) {
	now := s.now().Truncate(time.Millisecond)
	res, err := s.db.ExecContext(ctx,
		`UPDATE external_effects
		 SET locked_until = $1, locked_by = $2, attempt_count = attempt_count + 1,
		     last_attempt_at = $3, last_updated_at = $3
		 WHERE id = $4 AND status = $5 AND (locked_until IS NULL OR locked_until <= $3)`,
		now.Add(lockFor), worker, now, id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("external effect begin attempt: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLStore) MarkSucceeded(ctx context.Context, id, externalRef, externalStatus string) error {
	now := s.now().Truncate(time.Millisecond)
	res, err := s.db.ExecContext(ctx,
		`UPDATE external_effects
		 SET status = $1, external_reference_id = $2, external_status = $3,
		     locked_until = NULL, locked_by = '', last_error = '', last_updated_at = $4
		 WHERE id = $5 AND status = $6`,
		StatusSucceeded, externalRef, externalStatus, now, id, StatusPending)
	if err != nil {
		return fmt.Errorf("external effect mark succeeded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("external effect %s not pending", id)
	}
	return nil
}

func (s *SQLStore) MarkFailed(ctx context.Context, id string, permanent bool, lastErr string) error {
	now := s.now().Truncate(time.Millisecond)
	status := StatusPending // transient: stay Pending, clear the lock, retry later
	if permanent {
		status = StatusFailed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE external_effects
		 SET status = $1, last_error = $2, locked_until = NULL, locked_by = '', last_updated_at = $3
		 WHERE id = $4 AND status = $5`,
		status, lastErr, now, id, StatusPending)
	if err != nil {
		return fmt.Errorf("external effect mark failed: %w", err)
	}
	return nil
}

func (s *SQLStore) RecordExternalCheck(ctx context.Context, id string) error {
	now := s.now().Truncate(time.Millisecond)
	_, err := s.db.ExecContext(ctx,
		`UPDATE external_effects SET last_external_check_at = $1, last_updated_at = $1 WHERE id = $2`,
		now, id)
	if err != nil {
		return fmt.Errorf("external effect record check: %w", err)
	}
	return nil
}

// Get loads an envelope row by key.
func (s *SQLStore) Get(ctx context.Context, key Key) (*Record, error) {
	rec := &Record{Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, attempt_count, created_at, last_updated_at,
		        last_attempt_at, last_external_check_at, locked_until, locked_by,
		        external_reference_id, external_status, last_error, payload_hash
		 FROM external_effects WHERE operation_name = $1 AND idempotency_key = $2`,
		key.OperationName, key.IdempotencyKey).
		Scan(&rec.ID, &rec.Status, &rec.AttemptCount, &rec.CreatedAt,
			&rec.LastUpdatedAt, &rec.LastAttemptAt, &rec.LastExternalCheckAt,
			&rec.LockedUntil, &rec.LockedBy, &rec.ExternalReferenceID,
			&rec.ExternalStatus, &rec.LastError, &rec.PayloadHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("external effect get: %w", err)
	}
	return rec, nil
}
