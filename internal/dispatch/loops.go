package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/ocx/coordination/internal/events"
	"github.com/ocx/coordination/internal/metrics"
)

// ReapSource is a store that can recover expired claims.
type ReapSource interface {
	Name() string
	ReapExpired(ctx context.Context) (int64, error)
}

// PurgeSource is a store that can delete old terminal rows.
type PurgeSource interface {
	Name() string
	PurgeTerminal(ctx context.Context, retention time.Duration, limit int) (int64, error)
}

// DepthSource is optionally implemented by stores that can report their
// pending backlog. The retention loop samples it for the depth gauge.
type DepthSource interface {
	PendingCount(ctx context.Context) (int64, error)
}

// Reaper periodically returns expired claims to the pending pool across all
// registered sources. Safe to run on every worker; the reap statement is a
// conditional update, so concurrent reapers just find nothing left to do.
type Reaper struct {
	sources  []ReapSource
	interval time.Duration
	logger   *log.Logger
	metrics  *metrics.Metrics
	emitter  events.Emitter
}

func NewReaper(sources []ReapSource, interval time.Duration, m *metrics.Metrics, emitter events.Emitter) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Reaper{
		sources:  sources,
		interval: interval,
		logger:   log.New(log.Writer(), "[REAPER] ", log.LstdFlags),
		metrics:  m,
		emitter:  emitter,
	}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps every source a single time.
func (r *Reaper) RunOnce(ctx context.Context) {
	for _, src := range r.sources {
		n, err := src.ReapExpired(ctx)
		if err != nil {
			r.logger.Printf("reap %s failed: %v", src.Name(), err)
			continue
		}
		if n > 0 {
			r.logger.Printf("recovered %d expired claims from %s", n, src.Name())
			if r.metrics != nil {
				r.metrics.RecordReaped(src.Name(), n)
			}
			r.emitter.Emit(events.TypeReapRecovered, "reaper", src.Name(),
				map[string]interface{}{"recovered": n})
		}
	}
}

// Retention periodically deletes terminal rows older than the configured
// window, in bounded batches so the delete never takes a long table lock.
type Retention struct {
	sources   []PurgeSource
	interval  time.Duration
	retention time.Duration
	batch     int
	logger    *log.Logger
	metrics   *metrics.Metrics
}

func NewRetention(sources []PurgeSource, interval, retention time.Duration, batch int, m *metrics.Metrics) *Retention {
	if interval <= 0 {
		interval = time.Minute
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if batch <= 0 {
		batch = 500
	}
	return &Retention{
		sources:   sources,
		interval:  interval,
		retention: retention,
		batch:     batch,
		logger:    log.New(log.Writer(), "[RETENTION] ", log.LstdFlags),
		metrics:   m,
	}
}

func (rt *Retention) Run(ctx context.Context) {
	ticker := time.NewTicker(rt.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.RunOnce(ctx)
		}
	}
}

// RunOnce purges one batch per source. Draining a large backlog is left to
// successive ticks.
func (rt *Retention) RunOnce(ctx context.Context) {
	for _, src := range rt.sources {
		n, err := src.PurgeTerminal(ctx, rt.retention, rt.batch)
		if err != nil {
			rt.logger.Printf("purge %s failed: %v", src.Name(), err)
			continue
		}
		if n > 0 {
			rt.logger.Printf("purged %d terminal rows from %s", n, src.Name())
			if rt.metrics != nil {
				rt.metrics.RecordPurged(src.Name(), n)
			}
		}
		if ds, ok := src.(DepthSource); ok && rt.metrics != nil {
			depth, err := ds.PendingCount(ctx)
			if err != nil {
				continue
			}
			rt.metrics.RecordQueueDepth(src.Name(), depth)
		}
	}
}
