// Package provider manages the set of live coordination databases. A
// Discovery source names the databases; the Provider opens a StoreSet per
// name, runs schema migration once per database, refreshes the set as
// discovery changes, and routes callers to stores by name or round-robin.
package provider

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ocx/coordination/internal/database"
	"github.com/ocx/coordination/internal/events"
	"github.com/ocx/coordination/internal/inbox"
	"github.com/ocx/coordination/internal/lease"
	"github.com/ocx/coordination/internal/outbox"
	"github.com/ocx/coordination/internal/scheduler"
	"github.com/ocx/coordination/internal/semaphore"
	"github.com/ocx/coordination/internal/sideeffect"
)

// Discovery names the databases the plane should operate on. Discovery is
// read-only; the Provider owns the diffing.
type Discovery interface {
	Names(ctx context.Context) ([]string, error)
}

// StaticDiscovery serves a fixed list of names.
type StaticDiscovery []string

func (s StaticDiscovery) Names(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// StoreSet bundles every coordination store backed by one database.
type StoreSet struct {
	Name       string
	DB         *sql.DB
	Outbox     *outbox.Store
	Inbox      *inbox.Store
	Scheduler  *scheduler.Store
	Leases     *lease.Manager
	Semaphores *semaphore.Manager
	Effects    *sideeffect.SQLStore
}

// Close releases the underlying connection pool.
func (s *StoreSet) Close() error { return s.DB.Close() }

// Opener opens (and migrates) the database behind a discovered name.
type Opener func(ctx context.Context, name string) (*StoreSet, error)

// StoreHook is invoked whenever a store joins the live set, typically to
// start its dispatcher and background loops. The returned stop function is
// called, and must have completed, before the store's pool is closed.
type StoreHook func(set *StoreSet) (stop func())

// OpenPostgres builds the standard Opener: connect via dsnFor(name), ensure
// the schema, construct every store on the shared pool.
func OpenPostgres(dsnFor func(name string) string, limits semaphore.Limits) Opener {
	return func(ctx context.Context, name string) (*StoreSet, error) {
		db, err := database.Connect(ctx, dsnFor(name))
		if err != nil {
			return nil, fmt.Errorf("open store %s: %w", name, err)
		}
		if err := database.EnsureSchema(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate store %s: %w", name, err)
		}
		return &StoreSet{
			Name:       name,
			DB:         db,
			Outbox:     outbox.NewStore(db),
			Inbox:      inbox.NewStore(db),
			Scheduler:  scheduler.NewStore(db),
			Leases:     lease.NewManager(db),
			Semaphores: semaphore.NewManager(db, limits),
			Effects:    sideeffect.NewSQLStore(db),
		}, nil
	}
}

// Provider holds the live StoreSets and keeps them in sync with discovery.
type Provider struct {
	discovery Discovery
	open      Opener
	emitter   events.Emitter
	logger    *log.Logger
	hook      StoreHook

	mu    sync.RWMutex
	sets  map[string]*StoreSet
	stops map[string]func()
	order []string
	rr    int
	ready bool
}

func New(discovery Discovery, open Opener, emitter events.Emitter) *Provider {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Provider{
		discovery: discovery,
		open:      open,
		emitter:   emitter,
		logger:    log.New(log.Writer(), "[PROVIDER] ", log.LstdFlags),
		sets:      make(map[string]*StoreSet),
		stops:     make(map[string]func()),
	}
}

// OnStoreOpened registers the per-store lifecycle hook. Register it before
// the first Refresh; stores opened earlier are not retroactively hooked.
func (p *Provider) OnStoreOpened(hook StoreHook) { p.hook = hook }

// Refresh reconciles the live set against discovery: new names are opened
// and migrated, vanished names are closed. A name that fails to open is
// retried on the next refresh; it never poisons the names that did open.
func (p *Provider) Refresh(ctx context.Context) error {
	names, err := p.discovery.Names(ctx)
	if err != nil {
		return fmt.Errorf("discover stores: %w", err)
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	p.mu.RLock()
	var toOpen []string
	for n := range want {
		if _, ok := p.sets[n]; !ok {
			toOpen = append(toOpen, n)
		}
	}
	var toClose []string
	for n := range p.sets {
		if !want[n] {
			toClose = append(toClose, n)
		}
	}
	p.mu.RUnlock()

	opened := make(map[string]*StoreSet, len(toOpen))
	allOpened := true
	for _, n := range toOpen {
		set, err := p.open(ctx, n)
		if err != nil {
			p.logger.Printf("open %s failed, will retry: %v", n, err)
			allOpened = false
			continue
		}
		opened[n] = set
	}

	type removal struct {
		set  *StoreSet
		stop func()
	}

	p.mu.Lock()
	for n, set := range opened {
		p.sets[n] = set
	}
	closed := make([]removal, 0, len(toClose))
	for _, n := range toClose {
		if set, ok := p.sets[n]; ok {
			closed = append(closed, removal{set: set, stop: p.stops[n]})
			delete(p.sets, n)
			delete(p.stops, n)
		}
	}
	p.order = p.order[:0]
	for n := range p.sets {
		p.order = append(p.order, n)
	}
	sort.Strings(p.order)
	if allOpened {
		p.ready = true
	}
	p.mu.Unlock()

	for n, set := range opened {
		p.logger.Printf("store added: %s", n)
		if p.hook != nil {
			if stop := p.hook(set); stop != nil {
				p.mu.Lock()
				p.stops[n] = stop
				p.mu.Unlock()
			}
		}
		p.emitter.Emit(events.TypeStoreAdded, "provider", n, nil)
	}
	for _, r := range closed {
		p.logger.Printf("store removed: %s", r.set.Name)
		p.emitter.Emit(events.TypeStoreRemoved, "provider", r.set.Name, nil)
		// Loops must be stopped before the pool goes away.
		if r.stop != nil {
			r.stop()
		}
		if err := r.set.Close(); err != nil {
			p.logger.Printf("close %s: %v", r.set.Name, err)
		}
	}
	return nil
}

// RunRefresh re-reconciles on a fixed cadence until ctx is cancelled.
func (p *Provider) RunRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.logger.Printf("refresh failed: %v", err)
			}
		}
	}
}

// Get returns the StoreSet for name, or nil.
func (p *Provider) Get(name string) *StoreSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sets[name]
}

// Next returns a StoreSet by round-robin over the live set, or nil when
// empty. Used by callers that spread new work across databases.
func (p *Provider) Next() *StoreSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) == 0 {
		return nil
	}
	set := p.sets[p.order[p.rr%len(p.order)]]
	p.rr++
	return set
}

// All snapshots the live StoreSets in name order.
func (p *Provider) All() []*StoreSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*StoreSet, 0, len(p.order))
	for _, n := range p.order {
		out = append(out, p.sets[n])
	}
	return out
}

// Ready reports whether at least one refresh opened every discovered store.
// The ops server's readiness probe gates on this.
func (p *Provider) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

// Close stops every store's loops and shuts the StoreSets down.
func (p *Provider) Close() {
	p.mu.Lock()
	sets := p.sets
	stops := p.stops
	p.sets = make(map[string]*StoreSet)
	p.stops = make(map[string]func())
	p.order = nil
	p.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	for _, set := range sets {
		if err := set.Close(); err != nil {
			p.logger.Printf("close %s: %v", set.Name, err)
		}
	}
}
