// Package lease implements single-holder distributed leases with fencing
// tokens. One row per resource name is the ground truth; acquire, renew and
// release are single conditional statements, so two processes can never both
// believe they hold the same resource.
//
// The fencing token increases on every successful acquire and renewal and is
// never reused. Downstream systems compare tokens to reject writes from a
// holder whose lease lapsed and was re-acquired.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Options tunes a single Acquire call.
type Options struct {
	// Context is optional JSON stored alongside the lock for operators.
	Context []byte
	// UseGate serializes contending acquirers on a Postgres advisory lock
	// before the conditional update, trading latency for less wasted work
	// under extreme contention. Advisory only: a gate timeout falls back to
	// the ungated path.
	UseGate     bool
	GateTimeout time.Duration
}

// AcquireResult is the outcome of Acquire: Acquired or NotAcquired.
type AcquireResult interface{ acquireResult() }

// Acquired reports a granted (or re-entrantly renewed) lease.
type Acquired struct {
	OwnerToken string
	Fencing    uint64
	LeaseUntil time.Time
}

// NotAcquired reports that another holder's lease is still live.
type NotAcquired struct{}

func (Acquired) acquireResult()    {}
func (NotAcquired) acquireResult() {}

// RenewResult is the outcome of Renew: Renewed or Lost.
type RenewResult interface{ renewResult() }

// Renewed reports a successful extension with the bumped fencing token.
type Renewed struct {
	Fencing    uint64
	LeaseUntil time.Time
}

// Lost reports that the caller no longer holds the lease.
type Lost struct{}

func (Renewed) renewResult() {}
func (Lost) renewResult()    {}

// Manager implements the lease protocol over one Postgres database.
type Manager struct {
	db  *sql.DB
	now func() time.Time
}

func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the manager's clock. Tests only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// NewOwnerToken mints an unguessable owner identity for a lease holder.
func NewOwnerToken() string { return uuid.NewString() }

// Acquire takes or re-enters the lease on name for owner. The conditional
// update succeeds when the row is unheld, expired, or already held by this
// owner (re-entrant renewal); each success bumps the fencing token.
func (m *Manager) Acquire(ctx context.Context, name, owner string, lease time.Duration, opts Options) (AcquireResult, error) {
	if name == "" {
		return nil, fmt.Errorf("lease: resource name must not be empty")
	}
	if owner == "" {
		return nil, fmt.Errorf("lease: owner token must not be empty")
	}

	res, err := m.acquire(ctx, name, owner, lease, opts, opts.UseGate)
	if err != nil && opts.UseGate && isLockTimeout(err) {
		// Gate contention is advisory; retry once without it.
		return m.acquire(ctx, name, owner, lease, opts, false)
	}
	return res, err
}

func (m *Manager) acquire(ctx context.Context, name, owner string, lease time.Duration, opts Options, gated bool) (AcquireResult, error) {
	now := m.now().Truncate(time.Millisecond)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("lease acquire begin: %w", err)
	}
	defer tx.Rollback()

	if gated {
		timeout := opts.GateTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())); err != nil {
			return nil, fmt.Errorf("lease gate timeout: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1))`, "lease:"+name); err != nil {
			return nil, fmt.Errorf("lease gate: %w", err)
		}
	}

	// Insert-if-absent; ON CONFLICT holds the key-range lock that closes the
	// window between two first-time acquirers.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO distributed_locks (resource_name, fencing_token, updated_at)
		 VALUES ($1, 0, $2)
		 ON CONFLICT (resource_name) DO NOTHING`,
		name, now); err != nil {
		return nil, fmt.Errorf("lease ensure row: %w", err)
	}

	var ctxJSON interface{}
	if len(opts.Context) > 0 {
		ctxJSON = opts.Context
	}
	var fencing uint64
	until := now.Add(lease)
	err = tx.QueryRowContext(ctx,
		`UPDATE distributed_locks
		 SET owner_token = $1, lease_until = $2, fencing_token = fencing_token + 1,
		     context = COALESCE($3, context), updated_at = $4
		 WHERE resource_name = $5
		   AND (owner_token IS NULL OR lease_until <= $4 OR owner_token = $1)
		 RETURNING fencing_token`,
		owner, until, ctxJSON, now, name).Scan(&fencing)
	if err == sql.ErrNoRows {
		if cerr := tx.Commit(); cerr != nil {
			return nil, fmt.Errorf("lease acquire commit: %w", cerr)
		}
		return NotAcquired{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease acquire: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("lease acquire commit: %w", err)
	}
	return Acquired{OwnerToken: owner, Fencing: fencing, LeaseUntil: until}, nil
}

// Renew extends a live lease held by owner and bumps the fencing token.
func (m *Manager) Renew(ctx context.Context, name, owner string, lease time.Duration) (RenewResult, error) {
	now := m.now().Truncate(time.Millisecond)
	until := now.Add(lease)
	var fencing uint64
	err := m.db.QueryRowContext(ctx,
		`UPDATE distributed_locks
		 SET lease_until = $1, fencing_token = fencing_token + 1, updated_at = $2
		 WHERE resource_name = $3 AND owner_token = $4 AND lease_until > $2
		 RETURNING fencing_token`,
		until, now, name, owner).Scan(&fencing)
	if err == sql.ErrNoRows {
		return Lost{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease renew: %w", err)
	}
	return Renewed{Fencing: fencing, LeaseUntil: until}, nil
}

// Release drops the lease if owner still holds it. The row and its fencing
// counter survive, so tokens stay monotone for the lifetime of the resource.
func (m *Manager) Release(ctx context.Context, name, owner string) (bool, error) {
	res, err := m.db.ExecContext(ctx,
		`UPDATE distributed_locks
		 SET owner_token = NULL, lease_until = NULL, updated_at = $1
		 WHERE resource_name = $2 AND owner_token = $3`,
		m.now().Truncate(time.Millisecond), name, owner)
	if err != nil {
		return false, fmt.Errorf("lease release: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// isLockTimeout reports the Postgres lock_not_available condition raised when
// the advisory gate outwaits lock_timeout.
func isLockTimeout(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "55P03"
}
