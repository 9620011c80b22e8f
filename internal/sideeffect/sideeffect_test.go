package sideeffect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/coordination/internal/events"
	"github.com/ocx/coordination/internal/metrics"
)

// captureEmitter records emitted events for assertions.
type captureEmitter struct {
	types    []string
	subjects []string
	data     []map[string]interface{}
}

func (e *captureEmitter) Emit(eventType, source, subject string, data map[string]interface{}) {
	e.types = append(e.types, eventType)
	e.subjects = append(e.subjects, subject)
	e.data = append(e.data, data)
}

// fakeStore is an in-memory Store driving the coordinator without Postgres.
type fakeStore struct {
	rec         *Record
	lockGranted bool
	checks      int
}

func newFakeStore(status int, attempts int) *fakeStore {
	return &fakeStore{
		rec: &Record{
			ID:           "eff-1",
			Key:          Key{OperationName: "charge", IdempotencyKey: "order-9"},
			Status:       status,
			AttemptCount: attempts,
		},
		lockGranted: true,
	}
}

func (f *fakeStore) GetOrCreate(ctx context.Context, key Key, payloadHash []byte) (*Record, error) {
	cp := *f.rec
	return &cp, nil
}

func (f *fakeStore) TryBeginAttempt(ctx context.Context, id, worker string, lockFor time.Duration) (bool, error) {
	if !f.lockGranted {
		return false, nil
	}
	f.rec.AttemptCount++
	return true, nil
}

func (f *fakeStore) MarkSucceeded(ctx context.Context, id, externalRef, externalStatus string) error {
	f.rec.Status = StatusSucceeded
	f.rec.ExternalReferenceID = externalRef
	f.rec.ExternalStatus = externalStatus
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id string, permanent bool, lastErr string) error {
	if permanent {
		f.rec.Status = StatusFailed
	}
	f.rec.LastError = lastErr
	return nil
}

func (f *fakeStore) RecordExternalCheck(ctx context.Context, id string) error {
	f.checks++
	now := time.Now()
	f.rec.LastExternalCheckAt = &now
	return nil
}

func execOK(ref string) func(ctx context.Context, rec *Record) (ExecResult, error) {
	return func(ctx context.Context, rec *Record) (ExecResult, error) {
		return ExecResult{Status: ExecSucceeded, ExternalReferenceID: ref, ExternalStatus: "ok"}, nil
	}
}

func TestExecuteValidatesInputs(t *testing.T) {
	c := NewCoordinator(newFakeStore(StatusPending, 0), "w1", DefaultConfig(), nil, nil)

	_, err := c.Execute(context.Background(), Key{}, ExecuteOpts{Execute: execOK("x")})
	assert.Error(t, err)

	_, err = c.Execute(context.Background(), Key{OperationName: "charge", IdempotencyKey: "k"}, ExecuteOpts{})
	assert.Error(t, err)
}

func TestExecuteFirstAttemptSucceeds(t *testing.T) {
	store := newFakeStore(StatusPending, 0)
	c := NewCoordinator(store, "w1", DefaultConfig(), nil, nil)

	out, err := c.Execute(context.Background(), store.rec.Key, ExecuteOpts{Execute: execOK("ext-77")})
	require.NoError(t, err)

	done, ok := out.(Completed)
	require.True(t, ok, "expected Completed, got %T", out)
	assert.Equal(t, "ext-77", done.Record.ExternalReferenceID)
	assert.Equal(t, StatusSucceeded, store.rec.Status)
	assert.Zero(t, store.checks, "first attempt must not probe")
}

func TestExecuteAlreadySucceededShortCircuits(t *testing.T) {
	store := newFakeStore(StatusSucceeded, 1)
	c := NewCoordinator(store, "w1", DefaultConfig(), nil, nil)

	executed := false
	out, err := c.Execute(context.Background(), store.rec.Key, ExecuteOpts{
		Execute: func(ctx context.Context, rec *Record) (ExecResult, error) {
			executed = true
			return ExecResult{Status: ExecSucceeded}, nil
		},
	})
	require.NoError(t, err)
	assert.IsType(t, AlreadyCompleted{}, out)
	assert.False(t, executed, "terminal key must not re-execute")
}

func TestExecuteTerminalFailureShortCircuits(t *testing.T) {
	store := newFakeStore(StatusFailed, 3)
	c := NewCoordinator(store, "w1", DefaultConfig(), nil, nil)

	out, err := c.Execute(context.Background(), store.rec.Key, ExecuteOpts{Execute: execOK("x")})
	require.NoError(t, err)
	assert.IsType(t, PermanentFailure{}, out)
}

func TestExecuteLockedByAnotherWorkerSchedulesRetry(t *testing.T) {
	store := newFakeStore(StatusPending, 0)
	store.lockGranted = false
	c := NewCoordinator(store, "w1", DefaultConfig(), nil, nil)

	out, err := c.Execute(context.Background(), store.rec.Key, ExecuteOpts{Execute: execOK("x")})
	require.NoError(t, err)
	assert.IsType(t, RetryScheduled{}, out)
}

func TestExecuteConfirmingProbeCompletesWithoutAttempt(t *testing.T) {
	store := newFakeStore(StatusPending, 1)
	c := NewCoordinator(store, "w1", DefaultConfig(), nil, nil)

	executed := false
	out, err := c.Execute(context.Background(), store.rec.Key, ExecuteOpts{
		Check: func(ctx context.Context, rec *Record) (CheckResult, error) {
			return CheckConfirmed, nil
		},
		Execute: func(ctx context.Context, rec *Record) (ExecResult, error) {
			executed = true
			return ExecResult{Status: ExecSucceeded}, nil
		},
	})
	require.NoError(t, err)
	assert.IsType(t, Completed{}, out)
	assert.False(t, executed, "confirmed probe must skip the attempt")
	assert.Equal(t, 1, store.checks)
	assert.Equal(t, StatusSucceeded, store.rec.Status)
}

func TestExecuteInconclusiveProbeDefaultsToRetry(t *testing.T) {
	store := newFakeStore(StatusPending, 1)
	c := NewCoordinator(store, "w1", DefaultConfig(), nil, nil)

	out, err := c.Execute(context.Background(), store.rec.Key, ExecuteOpts{
		Check: func(ctx context.Context, rec *Record) (CheckResult, error) {
			return CheckUnknown, nil
		},
		Execute: execOK("x"),
	})
	require.NoError(t, err)
	assert.IsType(t, RetryScheduled{}, out)
}

func TestExecuteInconclusiveProbeAttemptsWhenConfigured(t *testing.T) {
	store := newFakeStore(StatusPending, 1)
	c := NewCoordinator(store, "w1", DefaultConfig(), nil, nil)

	attempt := UnknownAttempt
	out, err := c.Execute(context.Background(), store.rec.Key, ExecuteOpts{
		Check: func(ctx context.Context, rec *Record) (CheckResult, error) {
			return CheckUnknown, nil
		},
		Execute:         execOK("ext-88"),
		UnknownBehavior: &attempt,
	})
	require.NoError(t, err)
	assert.IsType(t, Completed{}, out)
}

func TestExecuteProbeRateLimited(t *testing.T) {
	store := newFakeStore(StatusPending, 1)
	recent := time.Now()
	store.rec.LastExternalCheckAt = &recent

	c := NewCoordinator(store, "w1", DefaultConfig(), nil, nil)

	probed := false
	out, err := c.Execute(context.Background(), store.rec.Key, ExecuteOpts{
		Check: func(ctx context.Context, rec *Record) (CheckResult, error) {
			probed = true
			return CheckConfirmed, nil
		},
		Execute: execOK("x"),
	})
	require.NoError(t, err)
	assert.False(t, probed, "probe inside min check interval must be skipped")
	assert.IsType(t, Completed{}, out)
}

func TestExecuteTransientFailureSchedulesRetry(t *testing.T) {
	store := newFakeStore(StatusPending, 0)
	c := NewCoordinator(store, "w1", DefaultConfig(), nil, nil)

	out, err := c.Execute(context.Background(), store.rec.Key, ExecuteOpts{
		Execute: func(ctx context.Context, rec *Record) (ExecResult, error) {
			return ExecResult{}, errors.New("gateway timeout")
		},
	})
	require.NoError(t, err)

	retry, ok := out.(RetryScheduled)
	require.True(t, ok, "expected RetryScheduled, got %T", out)
	assert.Contains(t, retry.Reason, "gateway timeout")
	// Transient failure keeps the key Pending for the next attempt.
	assert.Equal(t, StatusPending, store.rec.Status)
}

func TestExecutePermanentFailureIsTerminal(t *testing.T) {
	store := newFakeStore(StatusPending, 0)
	c := NewCoordinator(store, "w1", DefaultConfig(), nil, nil)

	out, err := c.Execute(context.Background(), store.rec.Key, ExecuteOpts{
		Execute: func(ctx context.Context, rec *Record) (ExecResult, error) {
			return ExecResult{Status: ExecPermanentFailure, Err: "card declined"}, nil
		},
	})
	require.NoError(t, err)
	assert.IsType(t, PermanentFailure{}, out)
	assert.Equal(t, StatusFailed, store.rec.Status)
}

func TestExecuteRecordsOutcomesAndEmitsFailureEvent(t *testing.T) {
	store := newFakeStore(StatusPending, 0)
	m := metrics.NewWith(prometheus.NewRegistry())
	emitter := &captureEmitter{}
	c := NewCoordinator(store, "w1", DefaultConfig(), m, emitter)

	out, err := c.Execute(context.Background(), store.rec.Key, ExecuteOpts{
		Execute: func(ctx context.Context, rec *Record) (ExecResult, error) {
			return ExecResult{Status: ExecPermanentFailure, Err: "card declined"}, nil
		},
	})
	require.NoError(t, err)
	require.IsType(t, PermanentFailure{}, out)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EffectOutcomes.WithLabelValues("charge", "permanent_failure")))
	require.Len(t, emitter.types, 1)
	assert.Equal(t, events.TypeEffectFailed, emitter.types[0])
	assert.Equal(t, "charge", emitter.subjects[0])
	assert.Equal(t, "order-9", emitter.data[0]["idempotency_key"])

	// A repeat call short-circuits on the terminal record: the counter ticks
	// but no second failure event fires.
	out, err = c.Execute(context.Background(), store.rec.Key, ExecuteOpts{Execute: execOK("x")})
	require.NoError(t, err)
	assert.IsType(t, PermanentFailure{}, out)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EffectOutcomes.WithLabelValues("charge", "permanent_failure")))
	assert.Len(t, emitter.types, 1)
}

func TestExecuteCompletedOutcomeIsCounted(t *testing.T) {
	store := newFakeStore(StatusPending, 0)
	m := metrics.NewWith(prometheus.NewRegistry())
	c := NewCoordinator(store, "w1", DefaultConfig(), m, nil)

	_, err := c.Execute(context.Background(), store.rec.Key, ExecuteOpts{Execute: execOK("ext-1")})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EffectOutcomes.WithLabelValues("charge", "completed")))
}
