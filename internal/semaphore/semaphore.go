// Package semaphore implements bounded, lease-based concurrency limits: up to
// N concurrent holders per named resource, each holding an expiring lease
// with its own fencing token. Acquire is idempotent per client request id so
// a retried caller gets its original lease back instead of double-counting.
package semaphore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Limits clamps caller-supplied parameters to operator policy.
type Limits struct {
	MinTTL   time.Duration
	MaxTTL   time.Duration
	MaxLimit int
	// ReapBatch bounds the opportunistic expired-lease cleanup inside
	// TryAcquire; the bulk of reaping belongs to the background loop.
	ReapBatch int
}

// DefaultLimits mirror the documented configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		MinTTL:    time.Second,
		MaxTTL:    time.Hour,
		MaxLimit:  1024,
		ReapBatch: 8,
	}
}

// AcquireResult is the outcome of TryAcquire.
type AcquireResult interface{ acquireResult() }

// Acquired carries the granted lease handle.
type Acquired struct {
	Token     string
	Fencing   uint64
	ExpiresAt time.Time
}

// NotAcquired reports the semaphore is at capacity or undefined.
type NotAcquired struct{}

// Unavailable reports a storage failure; the caller cannot tell whether
// capacity exists.
type Unavailable struct{ Err error }

func (Acquired) acquireResult()    {}
func (NotAcquired) acquireResult() {}
func (Unavailable) acquireResult() {}

// RenewResult is the outcome of Renew.
type RenewResult interface{ renewResult() }

// Renewed carries the extended expiry.
type Renewed struct{ ExpiresAt time.Time }

// Lost reports the lease expired or was released.
type Lost struct{}

// RenewUnavailable reports a storage failure during renewal.
type RenewUnavailable struct{ Err error }

func (Renewed) renewResult()          {}
func (Lost) renewResult()             {}
func (RenewUnavailable) renewResult() {}

// ReleaseResult is the outcome of Release.
type ReleaseResult interface{ releaseResult() }

// Released reports the lease was deleted.
type Released struct{}

// NotFound reports no live lease matched.
type NotFound struct{}

// ReleaseUnavailable reports a storage failure during release.
type ReleaseUnavailable struct{ Err error }

func (Released) releaseResult()           {}
func (NotFound) releaseResult()           {}
func (ReleaseUnavailable) releaseResult() {}

// Manager implements the semaphore protocol over one Postgres database.
type Manager struct {
	db     *sql.DB
	limits Limits
	now    func() time.Time
}

func NewManager(db *sql.DB, limits Limits) *Manager {
	if limits.MaxLimit <= 0 {
		limits = DefaultLimits()
	}
	return &Manager{db: db, limits: limits, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the manager's clock. Tests only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Upsert creates or resizes a semaphore definition. Shrinking the limit does
// not evict live holders; the new limit applies to future acquires.
func (m *Manager) Upsert(ctx context.Context, name string, limit int) error {
	if name == "" {
		return fmt.Errorf("semaphore: name must not be empty")
	}
	if limit <= 0 {
		return fmt.Errorf("semaphore: limit must be positive, got %d", limit)
	}
	if limit > m.limits.MaxLimit {
		limit = m.limits.MaxLimit
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO semaphores (name, max_leases, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET max_leases = EXCLUDED.max_leases, updated_at = EXCLUDED.updated_at`,
		name, limit, m.now().Truncate(time.Millisecond))
	if err != nil {
		return fmt.Errorf("semaphore upsert: %w", err)
	}
	return nil
}

// TryAcquire attempts to take one of the semaphore's leases. The definition
// row is locked for the duration of the transaction, serializing concurrent
// acquires for the same name so the live-lease count can never overshoot the
// limit.
func (m *Manager) TryAcquire(ctx context.Context, name string, ttl time.Duration, ownerID, clientRequestID string) (AcquireResult, error) {
	if name == "" || ownerID == "" {
		return nil, fmt.Errorf("semaphore: name and owner id must not be empty")
	}
	ttl = m.clampTTL(ttl)
	now := m.now().Truncate(time.Millisecond)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return Unavailable{Err: err}, nil
	}
	defer tx.Rollback()

	var limit int
	err = tx.QueryRowContext(ctx,
		`SELECT max_leases FROM semaphores WHERE name = $1 FOR UPDATE`, name).Scan(&limit)
	if err == sql.ErrNoRows {
		return NotAcquired{}, nil
	}
	if err != nil {
		return Unavailable{Err: fmt.Errorf("semaphore lookup: %w", err)}, nil
	}

	// Idempotent retry: a live lease for the same client request wins.
	if clientRequestID != "" {
		var a Acquired
		err = tx.QueryRowContext(ctx,
			`SELECT token, fencing, lease_until FROM semaphore_leases
			 WHERE name = $1 AND client_request_id = $2 AND lease_until > $3`,
			name, clientRequestID, now).Scan(&a.Token, &a.Fencing, &a.ExpiresAt)
		if err == nil {
			if cerr := tx.Commit(); cerr != nil {
				return Unavailable{Err: cerr}, nil
			}
			return a, nil
		}
		if err != sql.ErrNoRows {
			return Unavailable{Err: fmt.Errorf("semaphore idempotency lookup: %w", err)}, nil
		}
	}

	// Amortized reaping: clear a bounded number of expired leases so the
	// count below reflects reality even if the background reaper is behind.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM semaphore_leases
		 WHERE name = $1 AND token IN (
			SELECT token FROM semaphore_leases
			WHERE name = $1 AND lease_until <= $2
			LIMIT $3
		 )`,
		name, now, m.limits.ReapBatch); err != nil {
		return Unavailable{Err: fmt.Errorf("semaphore reap: %w", err)}, nil
	}

	var live int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM semaphore_leases WHERE name = $1 AND lease_until > $2`,
		name, now).Scan(&live); err != nil {
		return Unavailable{Err: fmt.Errorf("semaphore count: %w", err)}, nil
	}
	if live >= limit {
		if cerr := tx.Commit(); cerr != nil {
			return Unavailable{Err: cerr}, nil
		}
		return NotAcquired{}, nil
	}

	var fencing uint64
	if err := tx.QueryRowContext(ctx,
		`UPDATE semaphores SET next_fencing = next_fencing + 1, updated_at = $1
		 WHERE name = $2
		 RETURNING next_fencing - 1`,
		now, name).Scan(&fencing); err != nil {
		return Unavailable{Err: fmt.Errorf("semaphore fencing: %w", err)}, nil
	}

	token := uuid.NewString()
	expires := now.Add(ttl)
	var reqID interface{}
	if clientRequestID != "" {
		reqID = clientRequestID
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO semaphore_leases (name, token, fencing, owner_id, lease_until, created_at, client_request_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		name, token, fencing, ownerID, expires, now, reqID); err != nil {
		return Unavailable{Err: fmt.Errorf("semaphore insert lease: %w", err)}, nil
	}
	if err := tx.Commit(); err != nil {
		return Unavailable{Err: err}, nil
	}
	return Acquired{Token: token, Fencing: fencing, ExpiresAt: expires}, nil
}

// Renew extends a live lease.
func (m *Manager) Renew(ctx context.Context, name, token string, ttl time.Duration) (RenewResult, error) {
	ttl = m.clampTTL(ttl)
	now := m.now().Truncate(time.Millisecond)
	expires := now.Add(ttl)
	res, err := m.db.ExecContext(ctx,
		`UPDATE semaphore_leases SET lease_until = $1, renewed_at = $2
		 WHERE name = $3 AND token = $4 AND lease_until > $2`,
		expires, now, name, token)
	if err != nil {
		return RenewUnavailable{Err: fmt.Errorf("semaphore renew: %w", err)}, nil
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Lost{}, nil
	}
	return Renewed{ExpiresAt: expires}, nil
}

// Release deletes a lease, live or expired.
func (m *Manager) Release(ctx context.Context, name, token string) (ReleaseResult, error) {
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM semaphore_leases WHERE name = $1 AND token = $2`,
		name, token)
	if err != nil {
		return ReleaseUnavailable{Err: fmt.Errorf("semaphore release: %w", err)}, nil
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return NotFound{}, nil
	}
	return Released{}, nil
}

// ReapExpired bulk-deletes expired leases, optionally scoped to one name.
// Driven by the background cleanup loop.
func (m *Manager) ReapExpired(ctx context.Context, name string, maxRows int) (int64, error) {
	if maxRows <= 0 {
		maxRows = 256
	}
	now := m.now().Truncate(time.Millisecond)
	var res sql.Result
	var err error
	if name != "" {
		res, err = m.db.ExecContext(ctx,
			`DELETE FROM semaphore_leases
			 WHERE name = $1 AND (name, token) IN (
				SELECT name, token FROM semaphore_leases
				WHERE name = $1 AND lease_until <= $2 LIMIT $3
			 )`,
			name, now, maxRows)
	} else {
		res, err = m.db.ExecContext(ctx,
			`DELETE FROM semaphore_leases
			 WHERE (name, token) IN (
				SELECT name, token FROM semaphore_leases
				WHERE lease_until <= $1 LIMIT $2
			 )`,
			now, maxRows)
	}
	if err != nil {
		return 0, fmt.Errorf("semaphore reap expired: %w", err)
	}
	return res.RowsAffected()
}

func (m *Manager) clampTTL(ttl time.Duration) time.Duration {
	if ttl < m.limits.MinTTL {
		return m.limits.MinTTL
	}
	if ttl > m.limits.MaxTTL {
		return m.limits.MaxTTL
	}
	return ttl
}
