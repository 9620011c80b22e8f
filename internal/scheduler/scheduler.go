// Package scheduler provides one-shot timers and recurring cron jobs over
// Postgres. Timers fire once at their due time. Job definitions materialize
// JobRun rows at cron ticks; both timers and runs are delivered through the
// shared work-queue protocol with the due instant as the ordering key.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ocx/coordination/internal/workqueue"
)

// Status codes shared by timers and job runs.
const (
	StatusPending    = 0
	StatusProcessing = 1
	StatusDispatched = 2
	StatusFailed     = 3
)

// CatchUpPolicy decides what happens when a job's next_due is already in the
// past when the scheduler looks at it.
type CatchUpPolicy int

const (
	// CatchUpOne materializes a single run at the most recent missed tick,
	// then resumes forward. Default.
	CatchUpOne CatchUpPolicy = iota
	// CatchUpSkip drops missed ticks entirely and only schedules forward.
	CatchUpSkip
)

// TimerOptions carries the optional timer fields.
type TimerOptions struct {
	CorrelationID string
}

// Job is a cron definition.
type Job struct {
	Name       string
	Cron       string
	Topic      string
	Payload    string
	Enabled    bool
	NextDue    *time.Time
	LastRunAt  *time.Time
	LastStatus string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store implements timers and jobs over Postgres.
type Store struct {
	db      *sql.DB
	timers  *workqueue.Queue
	runs    *workqueue.Queue
	catchUp CatchUpPolicy
	now     func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db: db,
		timers: workqueue.New(db, workqueue.Table{
			Name:          "timers",
			IDColumn:      "id",
			OrderColumn:   "due_time",
			DueColumn:     "due_time",
			AttemptColumn: "attempt_count",
			Pending:       StatusPending,
			Processing:    StatusProcessing,
			Done:          StatusDispatched,
			Failed:        StatusFailed,
		}),
		runs: workqueue.New(db, workqueue.Table{
			Name:          "job_runs",
			IDColumn:      "id",
			OrderColumn:   "scheduled_time",
			DueColumn:     "scheduled_time",
			AttemptColumn: "attempt_count",
			Pending:       StatusPending,
			Processing:    StatusProcessing,
			Done:          StatusDispatched,
			Failed:        StatusFailed,
		}),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's clock. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
	s.timers.SetClock(now)
	s.runs.SetClock(now)
}

// SetCatchUpPolicy configures the missed-tick behavior.
func (s *Store) SetCatchUpPolicy(p CatchUpPolicy) { s.catchUp = p }

// ScheduleTimer inserts a one-shot timer firing at dueTime. A due time in the
// past is claimable immediately.
func (s *Store) ScheduleTimer(ctx context.Context, topic, payload string, dueTime time.Time, opts TimerOptions) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("scheduler: topic must not be empty")
	}
	id := uuid.NewString()
	now := s.now().Truncate(time.Millisecond)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timers (id, topic, payload, correlation_id, created_at, due_time, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, topic, payload, opts.CorrelationID, now, dueTime.Truncate(time.Millisecond), StatusPending)
	if err != nil {
		return "", fmt.Errorf("schedule timer: %w", err)
	}
	return id, nil
}

// UpsertJob creates or replaces a cron definition. next_due is recomputed
// from the expression so an edited schedule takes effect on the next tick.
func (s *Store) UpsertJob(ctx context.Context, name, cronExpr, topic, payload string, enabled bool) error {
	if name == "" {
		return fmt.Errorf("scheduler: job name must not be empty")
	}
	sched, err := parseCron(cronExpr)
	if err != nil {
		return err
	}
	now := s.now().Truncate(time.Millisecond)
	nextDue := sched.Next(now)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (name, cron, topic, payload, enabled, next_due, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (name) DO UPDATE SET
			cron = EXCLUDED.cron, topic = EXCLUDED.topic, payload = EXCLUDED.payload,
			enabled = EXCLUDED.enabled, next_due = EXCLUDED.next_due, updated_at = EXCLUDED.updated_at`,
		name, cronExpr, topic, payload, enabled, nextDue, now)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// SetJobEnabled toggles a definition. Disabling prevents new runs; in-flight
// runs complete through the normal pipeline.
func (s *Store) SetJobEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET enabled = $1, updated_at = $2 WHERE name = $3`,
		enabled, s.now().Truncate(time.Millisecond), name)
	if err != nil {
		return fmt.Errorf("set job enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduler: job %q not found", name)
	}
	return nil
}

// TriggerJob materializes an immediate out-of-schedule run.
func (s *Store) TriggerJob(ctx context.Context, name string) (string, error) {
	now := s.now().Truncate(time.Millisecond)
	var topic, payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT topic, payload FROM jobs WHERE name = $1`, name).Scan(&topic, &payload)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("scheduler: job %q not found", name)
	}
	if err != nil {
		return "", fmt.Errorf("trigger job: %w", err)
	}
	runID := uuid.NewString()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (id, job_name, scheduled_time, topic, payload, created_at, status)
		 VALUES ($1, $2, $3, $4, $5, $3, $6)
		 ON CONFLICT (job_name, scheduled_time) DO NOTHING`,
		runID, name, now, topic, payload, StatusPending)
	if err != nil {
		return "", fmt.Errorf("trigger job run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// A run already exists at this instant; hand back its id rather than
		// one that matches no row.
		var existing string
		if err := s.db.QueryRowContext(ctx,
			`SELECT id FROM job_runs WHERE job_name = $1 AND scheduled_time = $2`,
			name, now).Scan(&existing); err != nil {
			return "", fmt.Errorf("trigger job lookup: %w", err)
		}
		return existing, nil
	}
	return runID, nil
}

// MaterializeDueRuns advances every enabled definition whose next_due has
// arrived: at most one run is inserted per definition (the unique
// (job_name, scheduled_time) index absorbs races between scheduler loops)
// and next_due moves strictly forward. Returns the number of runs created.
func (s *Store) MaterializeDueRuns(ctx context.Context) (int, error) {
	now := s.now().Truncate(time.Millisecond)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("materialize begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT name, cron, topic, payload, next_due FROM jobs
		 WHERE enabled AND next_due IS NOT NULL AND next_due <= $1
		 FOR UPDATE SKIP LOCKED`,
		now)
	if err != nil {
		return 0, fmt.Errorf("materialize select: %w", err)
	}
	type dueJob struct {
		name, cron, topic, payload string
		nextDue                    time.Time
	}
	var due []dueJob
	for rows.Next() {
		var j dueJob
		if err := rows.Scan(&j.name, &j.cron, &j.topic, &j.payload, &j.nextDue); err != nil {
			rows.Close()
			return 0, fmt.Errorf("materialize scan: %w", err)
		}
		due = append(due, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	created := 0
	for _, j := range due {
		sched, err := parseCron(j.cron)
		if err != nil {
			// A definition that no longer parses is parked, not retried hot.
			if _, uerr := tx.ExecContext(ctx,
				`UPDATE jobs SET enabled = false, last_status = $1, updated_at = $2 WHERE name = $3`,
				err.Error(), now, j.name); uerr != nil {
				return created, fmt.Errorf("park job %q: %w", j.name, uerr)
			}
			continue
		}

		ran := false
		if s.catchUp == CatchUpOne {
			tick := lastTickAtOrBefore(sched, j.nextDue, now)
			res, err := tx.ExecContext(ctx,
				`INSERT INTO job_runs (id, job_name, scheduled_time, topic, payload, created_at, status)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 ON CONFLICT (job_name, scheduled_time) DO NOTHING`,
				uuid.NewString(), j.name, tick, j.topic, j.payload, now, StatusPending)
			if err != nil {
				return created, fmt.Errorf("materialize run for %q: %w", j.name, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				created++
				ran = true
			}
		}

		// last_run_at moves only when a run was actually created; skipped
		// ticks and conflict-absorbed inserts leave it alone.
		advance := `UPDATE jobs SET next_due = $1, updated_at = $2 WHERE name = $3`
		if ran {
			advance = `UPDATE jobs SET next_due = $1, last_run_at = $2, updated_at = $2 WHERE name = $3`
		}
		if _, err := tx.ExecContext(ctx, advance, sched.Next(now), now, j.name); err != nil {
			return created, fmt.Errorf("advance job %q: %w", j.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return created, fmt.Errorf("materialize commit: %w", err)
	}
	return created, nil
}

// GetJob loads a definition.
func (s *Store) GetJob(ctx context.Context, name string) (*Job, error) {
	var j Job
	err := s.db.QueryRowContext(ctx,
		`SELECT name, cron, topic, payload, enabled, next_due, last_run_at, last_status, created_at, updated_at
		 FROM jobs WHERE name = $1`,
		name).Scan(&j.Name, &j.Cron, &j.Topic, &j.Payload, &j.Enabled,
		&j.NextDue, &j.LastRunAt, &j.LastStatus, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

// Timers returns the dispatchable view over one-shot timers.
func (s *Store) Timers() *TimerSource { return &TimerSource{s: s} }

// Runs returns the dispatchable view over materialized job runs.
func (s *Store) Runs() *JobRunSource { return &JobRunSource{s: s} }

// TimerSource adapts the timers table to the dispatcher contract.
type TimerSource struct{ s *Store }

func (t *TimerSource) Name() string { return "timers" }

func (t *TimerSource) Claim(ctx context.Context, owner string, batch int, lease time.Duration) ([]workqueue.Task, error) {
	ids, err := t.s.timers.Claim(ctx, owner, batch, lease)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	rows, err := t.s.db.QueryContext(ctx,
		`SELECT id, topic, payload, correlation_id, attempt_count
		 FROM timers WHERE id = ANY($1)
		 ORDER BY due_time ASC, id ASC`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("timers fetch: %w", err)
	}
	defer rows.Close()
	var tasks []workqueue.Task
	for rows.Next() {
		var task workqueue.Task
		if err := rows.Scan(&task.ID, &task.Topic, &task.Payload, &task.CorrelationID, &task.Attempt); err != nil {
			return nil, fmt.Errorf("timers scan: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (t *TimerSource) Ack(ctx context.Context, owner string, ids []string) error {
	_, err := t.s.timers.Ack(ctx, owner, ids)
	return err
}

func (t *TimerSource) Abandon(ctx context.Context, owner string, ids []string, lastErr string, due time.Time) error {
	var d *time.Time
	if !due.IsZero() {
		d = &due
	}
	_, err := t.s.timers.Abandon(ctx, owner, ids, lastErr, d)
	return err
}

func (t *TimerSource) Fail(ctx context.Context, owner string, ids []string, reason string) error {
	_, err := t.s.timers.Fail(ctx, owner, ids, reason)
	return err
}

func (t *TimerSource) RenewLease(ctx context.Context, owner string, ids []string, lease time.Duration) (int64, error) {
	return t.s.timers.RenewLease(ctx, owner, ids, lease)
}

func (t *TimerSource) ReapExpired(ctx context.Context) (int64, error) {
	return t.s.timers.ReapExpired(ctx)
}

func (t *TimerSource) PurgeTerminal(ctx context.Context, retention time.Duration, limit int) (int64, error) {
	return t.s.timers.PurgeTerminal(ctx, retention, limit)
}

func (t *TimerSource) PendingCount(ctx context.Context) (int64, error) {
	return t.s.timers.PendingCount(ctx)
}

// JobRunSource adapts the job_runs table to the dispatcher contract and
// mirrors terminal outcomes onto the owning definition's last_status.
type JobRunSource struct{ s *Store }

func (r *JobRunSource) Name() string { return "job_runs" }

func (r *JobRunSource) Claim(ctx context.Context, owner string, batch int, lease time.Duration) ([]workqueue.Task, error) {
	ids, err := r.s.runs.Claim(ctx, owner, batch, lease)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT id, topic, payload, job_name, attempt_count
		 FROM job_runs WHERE id = ANY($1)
		 ORDER BY scheduled_time ASC, id ASC`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("job runs fetch: %w", err)
	}
	defer rows.Close()
	var tasks []workqueue.Task
	for rows.Next() {
		var task workqueue.Task
		if err := rows.Scan(&task.ID, &task.Topic, &task.Payload, &task.CorrelationID, &task.Attempt); err != nil {
			return nil, fmt.Errorf("job runs scan: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *JobRunSource) Ack(ctx context.Context, owner string, ids []string) error {
	return r.settle(ctx, owner, ids, "", true)
}

func (r *JobRunSource) Fail(ctx context.Context, owner string, ids []string, reason string) error {
	return r.settle(ctx, owner, ids, reason, false)
}

func (r *JobRunSource) settle(ctx context.Context, owner string, ids []string, reason string, ack bool) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("job runs settle begin: %w", err)
	}
	defer tx.Rollback()

	var settled []string
	if ack {
		settled, err = r.s.runs.AckIn(ctx, tx, owner, ids)
	} else {
		settled, err = r.s.runs.FailIn(ctx, tx, owner, ids, reason)
	}
	if err != nil {
		return err
	}

	if len(settled) > 0 {
		lastStatus := "succeeded"
		if !ack {
			lastStatus = "failed"
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET last_status = $1, updated_at = $2
			 WHERE name IN (SELECT job_name FROM job_runs WHERE id = ANY($3))`,
			lastStatus, r.s.now().Truncate(time.Millisecond), pq.Array(settled)); err != nil {
			return fmt.Errorf("job runs last_status: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("job runs settle commit: %w", err)
	}
	return nil
}

func (r *JobRunSource) Abandon(ctx context.Context, owner string, ids []string, lastErr string, due time.Time) error {
	var d *time.Time
	if !due.IsZero() {
		d = &due
	}
	_, err := r.s.runs.Abandon(ctx, owner, ids, lastErr, d)
	return err
}

func (r *JobRunSource) RenewLease(ctx context.Context, owner string, ids []string, lease time.Duration) (int64, error) {
	return r.s.runs.RenewLease(ctx, owner, ids, lease)
}

func (r *JobRunSource) ReapExpired(ctx context.Context) (int64, error) {
	return r.s.runs.ReapExpired(ctx)
}

func (r *JobRunSource) PurgeTerminal(ctx context.Context, retention time.Duration, limit int) (int64, error) {
	return r.s.runs.PurgeTerminal(ctx, retention, limit)
}

func (r *JobRunSource) PendingCount(ctx context.Context) (int64, error) {
	return r.s.runs.PendingCount(ctx)
}
