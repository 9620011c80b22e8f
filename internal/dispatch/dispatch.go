// Package dispatch turns durable queue rows into handler invocations. A
// Dispatcher polls one work source, claims a batch under a lease, runs the
// registered handler per task while a heartbeat keeps the lease alive, and
// settles every claimed row exactly once: ack on success, abandon with
// backoff on transient failure, fail on permanent failure or attempt
// exhaustion.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/coordination/internal/events"
	"github.com/ocx/coordination/internal/metrics"
	"github.com/ocx/coordination/internal/workqueue"
)

// Handler processes one claimed task. A nil return acks the task. A plain
// error abandons it for retry; wrap with Permanent to dead-letter instead.
type Handler interface {
	Handle(ctx context.Context, task workqueue.Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task workqueue.Task) error

func (f HandlerFunc) Handle(ctx context.Context, task workqueue.Task) error {
	return f(ctx, task)
}

// permanentError marks a handler failure that retrying cannot fix.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the dispatcher dead-letters the task instead of
// retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) came from Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Registry routes tasks to handlers by topic.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a topic, replacing any previous binding.
func (r *Registry) Register(topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = h
}

// RegisterFunc binds a function to a topic.
func (r *Registry) RegisterFunc(topic string, fn HandlerFunc) {
	r.Register(topic, fn)
}

// SetFallback installs the handler used for topics with no binding. Without
// a fallback, unroutable tasks are dead-lettered.
func (r *Registry) SetFallback(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Resolve returns the handler for topic, or the fallback, or nil.
func (r *Registry) Resolve(topic string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[topic]; ok {
		return h
	}
	return r.fallback
}

// WorkSource is the store surface a Dispatcher drives. The outbox, inbox,
// timer and job-run stores all implement it.
type WorkSource interface {
	Name() string
	Claim(ctx context.Context, owner string, batch int, lease time.Duration) ([]workqueue.Task, error)
	Ack(ctx context.Context, owner string, ids []string) error
	Abandon(ctx context.Context, owner string, ids []string, lastErr string, due time.Time) error
	Fail(ctx context.Context, owner string, ids []string, reason string) error
	RenewLease(ctx context.Context, owner string, ids []string, lease time.Duration) (int64, error)
}

// Config tunes one Dispatcher.
type Config struct {
	BatchSize int
	Lease     time.Duration
	// HeartbeatFraction of the lease between renewals; 0 < f < 1.
	HeartbeatFraction float64
	// PollInterval is the floor of the idle backoff; MaxPollInterval the cap.
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// MaxAttempts dead-letters a task once its attempt count reaches this.
	// Zero means retry forever.
	MaxAttempts int
	Backoff     BackoffPolicy
}

func DefaultConfig() Config {
	return Config{
		BatchSize:         16,
		Lease:             30 * time.Second,
		HeartbeatFraction: 0.5,
		PollInterval:      250 * time.Millisecond,
		MaxPollInterval:   5 * time.Second,
		MaxAttempts:       10,
		Backoff:           ExponentialBackoff(time.Second, 5*time.Minute, 0.2),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.HeartbeatFraction <= 0 || c.HeartbeatFraction >= 1 {
		c.HeartbeatFraction = d.HeartbeatFraction
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = d.MaxPollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = c.PollInterval
	}
	if c.Backoff == nil {
		c.Backoff = d.Backoff
	}
	return c
}

// Dispatcher runs the claim/handle/settle loop for one work source.
type Dispatcher struct {
	source   WorkSource
	registry *Registry
	cfg      Config
	owner    string
	logger   *log.Logger
	metrics  *metrics.Metrics
	emitter  events.Emitter
	now      func() time.Time
}

func NewDispatcher(source WorkSource, registry *Registry, cfg Config, m *metrics.Metrics, emitter events.Emitter) *Dispatcher {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Dispatcher{
		source:   source,
		registry: registry,
		cfg:      cfg.withDefaults(),
		owner:    uuid.NewString(),
		logger:   log.New(log.Writer(), fmt.Sprintf("[DISPATCH:%s] ", source.Name()), log.LstdFlags),
		metrics:  m,
		emitter:  emitter,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Owner returns the dispatcher's claim identity.
func (d *Dispatcher) Owner() string { return d.owner }

// SetClock overrides the dispatcher's clock. Tests only.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Run polls until ctx is cancelled. The idle backoff doubles from
// PollInterval to MaxPollInterval and resets whenever a batch arrives.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Printf("dispatcher started owner=%s batch=%d lease=%s", d.owner, d.cfg.BatchSize, d.cfg.Lease)
	wait := d.cfg.PollInterval
	for {
		n, err := d.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Printf("dispatcher stopped: %v", ctx.Err())
				return
			}
			d.logger.Printf("poll failed: %v", err)
		}
		if n > 0 {
			wait = d.cfg.PollInterval
			continue
		}
		select {
		case <-ctx.Done():
			d.logger.Printf("dispatcher stopped: %v", ctx.Err())
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > d.cfg.MaxPollInterval {
			wait = d.cfg.MaxPollInterval
		}
	}
}

// RunOnce claims and processes a single batch, returning how many tasks were
// claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	tasks, err := d.source.Claim(ctx, d.owner, d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim from %s: %w", d.source.Name(), err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	if d.metrics != nil {
		d.metrics.RecordClaimed(d.source.Name(), len(tasks))
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}

	// The heartbeat renews the whole batch at a fraction of the lease. When
	// renewal comes back short the lease was reaped out from under us, so the
	// handler context is cancelled; the reaper's new owner settles the rows.
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.heartbeat(hbCtx, cancel, ids)
	}()

	acks, abandons, fails := d.process(hbCtx, tasks)
	cancel()
	wg.Wait()

	d.settle(ctx, acks, abandons, fails)
	return len(tasks), nil
}

func (d *Dispatcher) heartbeat(ctx context.Context, cancel context.CancelFunc, ids []string) {
	interval := time.Duration(float64(d.cfg.Lease) * d.cfg.HeartbeatFraction)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.source.RenewLease(ctx, d.owner, ids, d.cfg.Lease)
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Printf("lease renewal failed: %v", err)
				}
				continue
			}
			if n < int64(len(ids)) {
				d.logger.Printf("lost lease on %d of %d tasks, cancelling batch", int64(len(ids))-n, len(ids))
				if d.metrics != nil {
					d.metrics.RecordLeaseLost(d.source.Name())
				}
				d.emitter.Emit(events.TypeLeaseLost, "dispatch/"+d.source.Name(), d.owner,
					map[string]interface{}{"held": n, "claimed": len(ids)})
				cancel()
				return
			}
		}
	}
}

type abandonGroup struct {
	ids     []string
	lastErr string
	due     time.Time
}

func (d *Dispatcher) process(ctx context.Context, tasks []workqueue.Task) (acks []string, abandons []abandonGroup, fails map[string][]string) {
	fails = make(map[string][]string)
	for _, task := range tasks {
		if ctx.Err() != nil {
			// Lease lost or shutdown: leave the rest unsettled for the reaper.
			return acks, abandons, fails
		}
		start := d.now()
		err := d.handle(ctx, task)
		if d.metrics != nil {
			d.metrics.RecordHandled(d.source.Name(), task.Topic, err == nil, d.now().Sub(start))
		}
		switch {
		case err == nil:
			acks = append(acks, task.ID)
		case IsPermanent(err):
			d.logger.Printf("task %s topic=%s failed permanently: %v", task.ID, task.Topic, err)
			fails[err.Error()] = append(fails[err.Error()], task.ID)
		case d.cfg.MaxAttempts > 0 && task.Attempt+1 >= d.cfg.MaxAttempts:
			reason := fmt.Sprintf("attempts exhausted (%d): %v", task.Attempt+1, err)
			d.logger.Printf("task %s topic=%s %s", task.ID, task.Topic, reason)
			fails[reason] = append(fails[reason], task.ID)
		default:
			due := d.now().Add(d.cfg.Backoff(task.Attempt + 1))
			d.logger.Printf("task %s topic=%s failed (attempt %d), retry at %s: %v",
				task.ID, task.Topic, task.Attempt+1, due.Format(time.RFC3339), err)
			abandons = append(abandons, abandonGroup{ids: []string{task.ID}, lastErr: err.Error(), due: due})
		}
	}
	return acks, abandons, fails
}

func (d *Dispatcher) handle(ctx context.Context, task workqueue.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	h := d.registry.Resolve(task.Topic)
	if h == nil {
		return Permanent(fmt.Errorf("no handler registered for topic %q", task.Topic))
	}
	return h.Handle(ctx, task)
}

// settle runs on the parent context so a lost-lease cancellation does not
// block acking work that already finished. Non-owner settles are silent
// no-ops, so racing the reaper here is harmless.
func (d *Dispatcher) settle(ctx context.Context, acks []string, abandons []abandonGroup, fails map[string][]string) {
	if len(acks) > 0 {
		if err := d.source.Ack(ctx, d.owner, acks); err != nil {
			d.logger.Printf("ack failed: %v", err)
		} else if d.metrics != nil {
			d.metrics.RecordSettled(d.source.Name(), "ack", len(acks))
		}
	}
	for _, g := range abandons {
		if err := d.source.Abandon(ctx, d.owner, g.ids, g.lastErr, g.due); err != nil {
			d.logger.Printf("abandon failed: %v", err)
		} else if d.metrics != nil {
			d.metrics.RecordSettled(d.source.Name(), "abandon", len(g.ids))
		}
	}
	for reason, ids := range fails {
		if err := d.source.Fail(ctx, d.owner, ids, reason); err != nil {
			d.logger.Printf("fail failed: %v", err)
			continue
		}
		if d.metrics != nil {
			d.metrics.RecordSettled(d.source.Name(), "fail", len(ids))
		}
		for _, id := range ids {
			d.emitter.Emit(events.TypeMessageDead, "dispatch/"+d.source.Name(), id,
				map[string]interface{}{"reason": reason})
		}
	}
}
