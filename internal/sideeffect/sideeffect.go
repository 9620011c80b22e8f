// Package sideeffect wraps non-idempotent external calls in a durable
// envelope keyed by (operation_name, idempotency_key): pre-check, locked
// attempt, recorded result. At most one worker attempts a given key at a
// time, and a key reaches Succeeded at most once.
package sideeffect

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ocx/coordination/internal/events"
	"github.com/ocx/coordination/internal/metrics"
)

// Status codes persisted in the status column.
const (
	StatusPending   = 0
	StatusSucceeded = 1
	StatusFailed    = 2
)

// Key identifies one external operation instance.
type Key struct {
	OperationName  string
	IdempotencyKey string
}

// Record is the persisted envelope row.
type Record struct {
	ID                  string
	Key                 Key
	Status              int
	AttemptCount        int
	CreatedAt           time.Time
	LastUpdatedAt       time.Time
	LastAttemptAt       *time.Time
	LastExternalCheckAt *time.Time
	LockedUntil         *time.Time
	LockedBy            string
	ExternalReferenceID string
	ExternalStatus      string
	LastError           string
	PayloadHash         []byte
}

// Store is the persistence contract the coordinator drives. SQLStore is the
// Postgres implementation; tests substitute a fake.
type Store interface {
	GetOrCreate(ctx context.Context, key Key, payloadHash []byte) (*Record, error)
	TryBeginAttempt(ctx context.Context, id, worker string, lockFor time.Duration) (bool, error)
	MarkSucceeded(ctx context.Context, id, externalRef, externalStatus string) error
	MarkFailed(ctx context.Context, id string, permanent bool, lastErr string) error
	RecordExternalCheck(ctx context.Context, id string) error
}

// CheckResult is what a caller-supplied probe learned from the external
// system.
type CheckResult int

const (
	// CheckUnknown means the probe could not determine whether the effect
	// happened.
	CheckUnknown CheckResult = iota
	// CheckConfirmed means the external system shows the effect applied.
	CheckConfirmed
	// CheckAbsent means the external system shows no trace of the effect.
	CheckAbsent
)

// UnknownCheckBehavior decides what an inconclusive probe does.
type UnknownCheckBehavior int

const (
	// UnknownRetryLater schedules a retry without attempting. Default:
	// attempting after an inconclusive probe risks a duplicate effect.
	UnknownRetryLater UnknownCheckBehavior = iota
	// UnknownAttempt proceeds to the attempt anyway.
	UnknownAttempt
)

// ExecStatus classifies the caller's execute function outcome.
type ExecStatus int

const (
	ExecSucceeded ExecStatus = iota
	ExecTransientFailure
	ExecPermanentFailure
)

// ExecResult is the caller's report of the external call.
type ExecResult struct {
	Status              ExecStatus
	ExternalReferenceID string
	ExternalStatus      string
	Err                 string
}

// Outcome is the coordinator's answer: AlreadyCompleted, Completed,
// RetryScheduled or PermanentFailure.
type Outcome interface{ outcome() }

// AlreadyCompleted reports the key succeeded on an earlier call.
type AlreadyCompleted struct{ Record *Record }

// Completed reports this call drove the key to Succeeded (by attempt or by a
// confirming probe).
type Completed struct{ Record *Record }

// RetryScheduled reports no terminal decision yet: the key is locked by
// another worker, the probe was inconclusive, or the attempt failed
// transiently. The dispatcher retries later.
type RetryScheduled struct{ Reason string }

// PermanentFailure reports the key is terminally failed.
type PermanentFailure struct{ Record *Record }

func (AlreadyCompleted) outcome() {}
func (Completed) outcome()        {}
func (RetryScheduled) outcome()   {}
func (PermanentFailure) outcome() {}

// ExecuteOpts carries the per-call functions and knobs.
type ExecuteOpts struct {
	PayloadHash []byte
	// Check probes the external system before attempting. Optional; only
	// invoked when the key has been attempted before and the minimum check
	// interval elapsed.
	Check func(ctx context.Context, rec *Record) (CheckResult, error)
	// Execute performs the external call. Required.
	Execute func(ctx context.Context, rec *Record) (ExecResult, error)
	// UnknownBehavior overrides the coordinator default for this call.
	UnknownBehavior *UnknownCheckBehavior
}

// Config tunes the coordinator.
type Config struct {
	// LockFor is the attempt lock duration; a crashed worker's lock lapses
	// after this long.
	LockFor time.Duration
	// MinCheckInterval rate-limits external probes per key.
	MinCheckInterval time.Duration
	// UnknownBehavior is the default policy for inconclusive probes.
	UnknownBehavior UnknownCheckBehavior
}

func DefaultConfig() Config {
	return Config{
		LockFor:          30 * time.Second,
		MinCheckInterval: 10 * time.Second,
		UnknownBehavior:  UnknownRetryLater,
	}
}

// Coordinator sequences the pre-check/attempt/record protocol.
type Coordinator struct {
	store   Store
	worker  string
	cfg     Config
	logger  *log.Logger
	metrics *metrics.Metrics
	emitter events.Emitter
	now     func() time.Time
}

func NewCoordinator(store Store, worker string, cfg Config, m *metrics.Metrics, emitter events.Emitter) *Coordinator {
	if cfg.LockFor <= 0 {
		cfg.LockFor = DefaultConfig().LockFor
	}
	if cfg.MinCheckInterval <= 0 {
		cfg.MinCheckInterval = DefaultConfig().MinCheckInterval
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Coordinator{
		store:   store,
		worker:  worker,
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[EFFECT] ", log.LstdFlags),
		metrics: m,
		emitter: emitter,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (c *Coordinator) record(operation, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordEffectOutcome(operation, outcome)
	}
}

// SetClock overrides the coordinator's clock. Tests only.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Execute runs the envelope for key. See the package comment for the
// guarantee; the caller inspects the returned Outcome variant.
func (c *Coordinator) Execute(ctx context.Context, key Key, opts ExecuteOpts) (Outcome, error) {
	if key.OperationName == "" || key.IdempotencyKey == "" {
		return nil, fmt.Errorf("sideeffect: operation name and idempotency key must not be empty")
	}
	if opts.Execute == nil {
		return nil, fmt.Errorf("sideeffect: execute function is required")
	}

	rec, err := c.store.GetOrCreate(ctx, key, opts.PayloadHash)
	if err != nil {
		return nil, fmt.Errorf("sideeffect get-or-create: %w", err)
	}

	switch rec.Status {
	case StatusSucceeded:
		c.record(key.OperationName, "already_completed")
		return AlreadyCompleted{Record: rec}, nil
	case StatusFailed:
		c.record(key.OperationName, "permanent_failure")
		return PermanentFailure{Record: rec}, nil
	}

	if opts.Check != nil && rec.AttemptCount > 0 && c.checkDue(rec) {
		result, err := opts.Check(ctx, rec)
		if err != nil {
			result = CheckUnknown
			c.logger.Printf("probe failed for %s/%s: %v", key.OperationName, key.IdempotencyKey, err)
		}
		if rerr := c.store.RecordExternalCheck(ctx, rec.ID); rerr != nil {
			return nil, fmt.Errorf("sideeffect record check: %w", rerr)
		}
		switch result {
		case CheckConfirmed:
			if err := c.store.MarkSucceeded(ctx, rec.ID, rec.ExternalReferenceID, "confirmed-by-check"); err != nil {
				return nil, fmt.Errorf("sideeffect mark succeeded: %w", err)
			}
			rec.Status = StatusSucceeded
			c.record(key.OperationName, "completed")
			return Completed{Record: rec}, nil
		case CheckUnknown:
			behavior := c.cfg.UnknownBehavior
			if opts.UnknownBehavior != nil {
				behavior = *opts.UnknownBehavior
			}
			if behavior == UnknownRetryLater {
				c.record(key.OperationName, "retry")
				return RetryScheduled{Reason: "external check inconclusive"}, nil
			}
		}
	}

	locked, err := c.store.TryBeginAttempt(ctx, rec.ID, c.worker, c.cfg.LockFor)
	if err != nil {
		return nil, fmt.Errorf("sideeffect begin attempt: %w", err)
	}
	if !locked {
		c.record(key.OperationName, "retry")
		return RetryScheduled{Reason: "attempt lock held by another worker"}, nil
	}

	res, err := opts.Execute(ctx, rec)
	if err != nil {
		// A thrown error is a transient failure: the effect may or may not
		// have applied, which is exactly what the next probe resolves.
		res = ExecResult{Status: ExecTransientFailure, Err: err.Error()}
	}

	switch res.Status {
	case ExecSucceeded:
		if err := c.store.MarkSucceeded(ctx, rec.ID, res.ExternalReferenceID, res.ExternalStatus); err != nil {
			return nil, fmt.Errorf("sideeffect mark succeeded: %w", err)
		}
		rec.Status = StatusSucceeded
		rec.ExternalReferenceID = res.ExternalReferenceID
		rec.ExternalStatus = res.ExternalStatus
		c.record(key.OperationName, "completed")
		return Completed{Record: rec}, nil
	case ExecPermanentFailure:
		if err := c.store.MarkFailed(ctx, rec.ID, true, res.Err); err != nil {
			return nil, fmt.Errorf("sideeffect mark failed: %w", err)
		}
		rec.Status = StatusFailed
		rec.LastError = res.Err
		c.record(key.OperationName, "permanent_failure")
		c.emitter.Emit(events.TypeEffectFailed, "sideeffect", key.OperationName, map[string]interface{}{
			"idempotency_key": key.IdempotencyKey,
			"error":           res.Err,
		})
		return PermanentFailure{Record: rec}, nil
	default:
		if err := c.store.MarkFailed(ctx, rec.ID, false, res.Err); err != nil {
			return nil, fmt.Errorf("sideeffect mark failed: %w", err)
		}
		c.record(key.OperationName, "retry")
		return RetryScheduled{Reason: res.Err}, nil
	}
}

func (c *Coordinator) checkDue(rec *Record) bool {
	if rec.LastExternalCheckAt == nil {
		return true
	}
	return c.now().Sub(*rec.LastExternalCheckAt) >= c.cfg.MinCheckInterval
}
