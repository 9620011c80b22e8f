package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/coordination/internal/workqueue"
)

// fakeSource is an in-memory WorkSource recording every settlement verb.
type fakeSource struct {
	mu       sync.Mutex
	pending  []workqueue.Task
	acked    []string
	abandons map[string]time.Time
	failed   map[string]string
	renewOK  bool
}

func newFakeSource(tasks ...workqueue.Task) *fakeSource {
	return &fakeSource{
		pending:  tasks,
		abandons: make(map[string]time.Time),
		failed:   make(map[string]string),
		renewOK:  true,
	}
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Claim(ctx context.Context, owner string, batch int, lease time.Duration) ([]workqueue.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	n := batch
	if n > len(f.pending) {
		n = len(f.pending)
	}
	claimed := f.pending[:n]
	f.pending = f.pending[n:]
	return claimed, nil
}

func (f *fakeSource) Ack(ctx context.Context, owner string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return nil
}

func (f *fakeSource) Abandon(ctx context.Context, owner string, ids []string, lastErr string, due time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.abandons[id] = due
	}
	return nil
}

func (f *fakeSource) Fail(ctx context.Context, owner string, ids []string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.failed[id] = reason
	}
	return nil
}

func (f *fakeSource) RenewLease(ctx context.Context, owner string, ids []string, lease time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.renewOK {
		return 0, nil
	}
	return int64(len(ids)), nil
}

func testConfig() Config {
	return Config{
		BatchSize:         8,
		Lease:             time.Minute,
		HeartbeatFraction: 0.5,
		PollInterval:      time.Millisecond,
		MaxPollInterval:   10 * time.Millisecond,
		MaxAttempts:       3,
		Backoff:           ExponentialBackoff(time.Second, time.Minute, 0),
	}
}

func TestDispatcherAcksSuccessfulTasks(t *testing.T) {
	src := newFakeSource(
		workqueue.Task{ID: "t1", Topic: "emails"},
		workqueue.Task{ID: "t2", Topic: "emails"},
	)
	registry := NewRegistry()
	registry.RegisterFunc("emails", func(ctx context.Context, task workqueue.Task) error {
		return nil
	})

	d := NewDispatcher(src, registry, testConfig(), nil, nil)
	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"t1", "t2"}, src.acked)
	assert.Empty(t, src.failed)
}

func TestDispatcherAbandonsTransientFailureWithBackoff(t *testing.T) {
	src := newFakeSource(workqueue.Task{ID: "t1", Topic: "emails", Attempt: 0})
	registry := NewRegistry()
	registry.RegisterFunc("emails", func(ctx context.Context, task workqueue.Task) error {
		return errors.New("smtp timeout")
	})

	d := NewDispatcher(src, registry, testConfig(), nil, nil)
	before := time.Now()
	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	due, ok := src.abandons["t1"]
	require.True(t, ok, "task should be abandoned for retry")
	// First retry uses the base delay.
	assert.WithinDuration(t, before.Add(time.Second), due, 2*time.Second)
	assert.Empty(t, src.acked)
	assert.Empty(t, src.failed)
}

func TestDispatcherDeadLettersPermanentErrors(t *testing.T) {
	src := newFakeSource(workqueue.Task{ID: "t1", Topic: "emails"})
	registry := NewRegistry()
	registry.RegisterFunc("emails", func(ctx context.Context, task workqueue.Task) error {
		return Permanent(errors.New("recipient does not exist"))
	})

	d := NewDispatcher(src, registry, testConfig(), nil, nil)
	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Contains(t, src.failed["t1"], "recipient does not exist")
	assert.Empty(t, src.abandons)
}

func TestDispatcherDeadLettersAfterMaxAttempts(t *testing.T) {
	// Attempt 2 means this delivery is the third; MaxAttempts 3 exhausts it.
	src := newFakeSource(workqueue.Task{ID: "t1", Topic: "emails", Attempt: 2})
	registry := NewRegistry()
	registry.RegisterFunc("emails", func(ctx context.Context, task workqueue.Task) error {
		return errors.New("still broken")
	})

	d := NewDispatcher(src, registry, testConfig(), nil, nil)
	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Contains(t, src.failed["t1"], "attempts exhausted")
	assert.Empty(t, src.abandons)
}

func TestDispatcherDeadLettersUnroutableTopic(t *testing.T) {
	src := newFakeSource(workqueue.Task{ID: "t1", Topic: "nobody-home"})

	d := NewDispatcher(src, NewRegistry(), testConfig(), nil, nil)
	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Contains(t, src.failed["t1"], "no handler registered")
}

func TestDispatcherFallbackHandlesUnknownTopics(t *testing.T) {
	src := newFakeSource(workqueue.Task{ID: "t1", Topic: "unknown"})
	registry := NewRegistry()
	registry.SetFallback(HandlerFunc(func(ctx context.Context, task workqueue.Task) error {
		return nil
	}))

	d := NewDispatcher(src, registry, testConfig(), nil, nil)
	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"t1"}, src.acked)
}

func TestDispatcherRecoversFromHandlerPanic(t *testing.T) {
	src := newFakeSource(
		workqueue.Task{ID: "t1", Topic: "emails"},
		workqueue.Task{ID: "t2", Topic: "emails"},
	)
	registry := NewRegistry()
	registry.RegisterFunc("emails", func(ctx context.Context, task workqueue.Task) error {
		if task.ID == "t1" {
			panic("boom")
		}
		return nil
	})

	d := NewDispatcher(src, registry, testConfig(), nil, nil)
	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	// The panic becomes a transient failure; the rest of the batch proceeds.
	_, abandoned := src.abandons["t1"]
	assert.True(t, abandoned)
	assert.Equal(t, []string{"t2"}, src.acked)
}

func TestDispatcherCancelsBatchWhenLeaseLost(t *testing.T) {
	src := newFakeSource(workqueue.Task{ID: "t1", Topic: "slow"})
	src.renewOK = false

	cfg := testConfig()
	cfg.Lease = 40 * time.Millisecond // heartbeat fires at 20ms

	handlerDone := make(chan error, 1)
	registry := NewRegistry()
	registry.RegisterFunc("slow", func(ctx context.Context, task workqueue.Task) error {
		select {
		case <-ctx.Done():
			handlerDone <- ctx.Err()
			return ctx.Err()
		case <-time.After(5 * time.Second):
			handlerDone <- nil
			return nil
		}
	})

	d := NewDispatcher(src, registry, cfg, nil, nil)
	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	select {
	case herr := <-handlerDone:
		assert.ErrorIs(t, herr, context.Canceled)
	default:
		t.Fatal("handler was not cancelled")
	}
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("bad payload")
	wrapped := Permanent(base)

	assert.True(t, IsPermanent(wrapped))
	assert.True(t, IsPermanent(fmt.Errorf("handling: %w", wrapped)))
	assert.False(t, IsPermanent(base))
	assert.ErrorIs(t, wrapped, base)
	assert.Nil(t, Permanent(nil))
}

func TestRegistryResolveOrder(t *testing.T) {
	registry := NewRegistry()
	specific := HandlerFunc(func(context.Context, workqueue.Task) error { return nil })
	fallback := HandlerFunc(func(context.Context, workqueue.Task) error { return errors.New("fallback") })

	registry.Register("a", specific)
	registry.SetFallback(fallback)

	assert.NotNil(t, registry.Resolve("a"))
	require.NotNil(t, registry.Resolve("b"))
	assert.Error(t, registry.Resolve("b").Handle(context.Background(), workqueue.Task{}))
	assert.NoError(t, registry.Resolve("a").Handle(context.Background(), workqueue.Task{}))
}
