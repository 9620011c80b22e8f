// Command coordinator runs the durable coordination plane worker: per-store
// dispatchers for the outbox, inbox, timer and job-run queues, the cron
// materializer, the reaper and retention loops, and an ops HTTP server with
// health, readiness and Prometheus endpoints.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/coordination/internal/config"
	"github.com/ocx/coordination/internal/dispatch"
	"github.com/ocx/coordination/internal/events"
	"github.com/ocx/coordination/internal/metrics"
	"github.com/ocx/coordination/internal/outboxjoin"
	"github.com/ocx/coordination/internal/provider"
	"github.com/ocx/coordination/internal/scheduler"
	"github.com/ocx/coordination/internal/semaphore"
)

func main() {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config YAML")
	overridesPath := flag.String("overrides", os.Getenv("OVERRIDES_PATH"), "path to per-store overrides YAML")
	flag.Parse()

	var mgr *config.Manager
	var err error
	if *configPath != "" {
		mgr, err = config.NewManager(*configPath, *overridesPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		mgr = config.DefaultManager()
	}
	cfg := mgr.Global()

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Server.Port
	}

	emitter := buildEmitter(cfg)
	m := metrics.NewMetrics()

	// Provider owns every database connection and its schema.
	disc := provider.StaticDiscovery(cfg.Discovery.Stores)
	opener := provider.OpenPostgres(func(name string) string {
		if strings.Contains(cfg.Discovery.DSNTemplate, "%s") {
			return strings.ReplaceAll(cfg.Discovery.DSNTemplate, "%s", name)
		}
		return cfg.Discovery.DSNTemplate
	}, semaphore.Limits{
		MinTTL:    cfg.Semaphore.MinTTL(),
		MaxTTL:    cfg.Semaphore.MaxTTL(),
		MaxLimit:  cfg.Semaphore.MaxLimit,
		ReapBatch: cfg.Semaphore.ReapBatch,
	})
	prov := provider.New(disc, opener, emitter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Without application handlers the worker still runs the protocol loops;
	// deployments register topic handlers here or embed this wiring.
	// Unroutable topics are dead-lettered by the dispatcher itself.
	registry := dispatch.NewRegistry()

	// Loops follow the live store set: a store that joins on a later refresh
	// gets its loops started, a removed one has them stopped before its pool
	// closes.
	prov.OnStoreOpened(func(set *provider.StoreSet) func() {
		return startStoreLoops(ctx, set, mgr, registry, m, emitter)
	})

	if err := prov.Refresh(ctx); err != nil {
		log.Fatalf("Initial store discovery failed: %v", err)
	}
	defer prov.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		prov.RunRefresh(ctx, cfg.Discovery.RefreshInterval())
	}()

	server := opsServer(port, prov)
	go func() {
		<-ctx.Done()
		log.Println("Received shutdown signal, shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Coordinator starting on port %s (%d stores)", port, len(prov.All()))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	wg.Wait()
	log.Println("Coordinator stopped")
}

// startStoreLoops launches the dispatchers and background loops for one
// database and returns a stop function that cancels them and waits for
// them to drain.
func startStoreLoops(parent context.Context, set *provider.StoreSet, mgr *config.Manager, registry *dispatch.Registry, m *metrics.Metrics, emitter events.Emitter) func() {
	cfg := mgr.Global()
	ctx, cancel := context.WithCancel(parent)
	var wg sync.WaitGroup

	set.Scheduler.SetCatchUpPolicy(catchUpPolicy(cfg.Scheduler.CatchUp))

	set.Outbox.OnJoinFired(func(f *outboxjoin.Fired) {
		emitter.Emit(events.TypeJoinFired, "outbox/"+set.Name, f.JoinID, map[string]interface{}{
			"owner_key":       f.OwnerKey,
			"parent_id":       f.ParentID,
			"completed_steps": f.CompletedSteps,
			"failed_steps":    f.FailedSteps,
			"expected_steps":  f.ExpectedSteps,
		})
	})
	sources := []dispatch.WorkSource{
		set.Outbox,
		set.Inbox,
		set.Scheduler.Timers(),
		set.Scheduler.Runs(),
	}
	for _, src := range sources {
		d := dispatch.NewDispatcher(src, registry, dispatchConfig(mgr.Dispatch(src.Name())), m, emitter)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Run(ctx)
		}()
	}

	reaper := dispatch.NewReaper([]dispatch.ReapSource{
		set.Outbox, set.Inbox, set.Scheduler.Timers(), set.Scheduler.Runs(),
	}, cfg.Reaper.Interval(), m, emitter)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()

	retention := dispatch.NewRetention([]dispatch.PurgeSource{
		set.Outbox, set.Inbox, set.Scheduler.Timers(), set.Scheduler.Runs(),
	}, cfg.Retention.Interval(), cfg.Retention.Window(), cfg.Retention.BatchSize, m)
	wg.Add(1)
	go func() {
		defer wg.Done()
		retention.Run(ctx)
	}()

	// Cron materializer: turns due jobs into claimable runs.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.Scheduler.MaterializeInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := set.Scheduler.MaterializeDueRuns(ctx)
				if err != nil {
					log.Printf("[SCHEDULER] materialize on %s failed: %v", set.Name, err)
					continue
				}
				if n > 0 {
					m.RecordMaterialized(n)
				}
			}
		}
	}()

	// Semaphore lease cleanup.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.Reaper.Interval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := set.Semaphores.ReapExpired(ctx, "", 256); err != nil {
					log.Printf("[SEMAPHORE] reap on %s failed: %v", set.Name, err)
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

func dispatchConfig(dc config.DispatchConfig) dispatch.Config {
	return dispatch.Config{
		BatchSize:         dc.BatchSize,
		Lease:             dc.Lease(),
		HeartbeatFraction: dc.HeartbeatFraction,
		PollInterval:      dc.PollInterval(),
		MaxPollInterval:   dc.MaxPollInterval(),
		MaxAttempts:       dc.MaxAttempts,
		Backoff:           dispatch.ExponentialBackoff(dc.BackoffBase(), dc.BackoffCap(), dc.BackoffJitter),
	}
}

func catchUpPolicy(name string) scheduler.CatchUpPolicy {
	if name == "skip" {
		return scheduler.CatchUpSkip
	}
	return scheduler.CatchUpOne
}

func buildEmitter(cfg *config.Config) events.Emitter {
	switch cfg.Events.Backend {
	case "redis":
		sink, err := events.NewRedisSink(cfg.Events.RedisAddr, cfg.Events.RedisPassword, cfg.Events.RedisDB, cfg.Events.ChannelPrefix)
		if err != nil {
			log.Printf("Redis event sink unavailable, falling back to in-memory: %v", err)
			return events.NewBus()
		}
		return sink
	case "pubsub":
		sink, err := events.NewPubSubSink(cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err != nil {
			log.Printf("Pub/Sub event sink unavailable, falling back to in-memory: %v", err)
			return events.NewBus()
		}
		return sink
	default:
		return events.NewBus()
	}
}

func opsServer(port string, prov *provider.Provider) *http.Server {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": "coordinator",
		})
	}).Methods("GET")

	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !prov.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
			return
		}
		stores := make([]string, 0)
		for _, set := range prov.All() {
			stores = append(stores, set.Name)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
			"stores": stores,
		})
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
