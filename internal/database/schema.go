package database

// Timestamps are timestamptz truncated to millisecond precision by the
// stores. Integer status codes: 0=Pending, 1=Processing, 2=Dispatched/Done,
// 3=Failed. The inbox keeps its string enum so rows stay readable next to
// the producer-supplied message ids.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS outbox_messages (
		id             uuid PRIMARY KEY,
		topic          text NOT NULL,
		payload        text NOT NULL DEFAULT '',
		message_id     uuid NOT NULL,
		correlation_id text NOT NULL DEFAULT '',
		created_at     timestamptz(3) NOT NULL,
		due_time       timestamptz(3),
		status         int NOT NULL DEFAULT 0,
		locked_until   timestamptz(3),
		owner_token    uuid,
		attempt_count  int NOT NULL DEFAULT 0,
		last_error     text NOT NULL DEFAULT '',
		processed_at   timestamptz(3)
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_messages_claim_idx
		ON outbox_messages (status, due_time, created_at)`,

	`CREATE TABLE IF NOT EXISTS inbox_messages (
		message_id    varchar(64) PRIMARY KEY,
		source        text NOT NULL,
		hash          bytea,
		topic         text NOT NULL DEFAULT '',
		payload       text NOT NULL DEFAULT '',
		first_seen_at timestamptz(3) NOT NULL,
		last_seen_at  timestamptz(3) NOT NULL,
		processed_at  timestamptz(3),
		due_time      timestamptz(3),
		status        text NOT NULL DEFAULT 'seen',
		attempts      int NOT NULL DEFAULT 0,
		last_error    text NOT NULL DEFAULT '',
		locked_until  timestamptz(3),
		owner_token   uuid
	)`,
	`CREATE INDEX IF NOT EXISTS inbox_messages_claim_idx
		ON inbox_messages (status, due_time, first_seen_at)`,

	`CREATE TABLE IF NOT EXISTS timers (
		id             uuid PRIMARY KEY,
		topic          text NOT NULL,
		payload        text NOT NULL DEFAULT '',
		correlation_id text NOT NULL DEFAULT '',
		created_at     timestamptz(3) NOT NULL,
		due_time       timestamptz(3) NOT NULL,
		status         int NOT NULL DEFAULT 0,
		locked_until   timestamptz(3),
		owner_token    uuid,
		attempt_count  int NOT NULL DEFAULT 0,
		last_error     text NOT NULL DEFAULT '',
		processed_at   timestamptz(3)
	)`,
	`CREATE INDEX IF NOT EXISTS timers_claim_idx
		ON timers (status, due_time)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		name        text PRIMARY KEY,
		cron        text NOT NULL,
		topic       text NOT NULL,
		payload     text NOT NULL DEFAULT '',
		enabled     boolean NOT NULL DEFAULT true,
		next_due    timestamptz(3),
		last_run_at timestamptz(3),
		last_status text NOT NULL DEFAULT '',
		created_at  timestamptz(3) NOT NULL,
		updated_at  timestamptz(3) NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS job_runs (
		id             uuid PRIMARY KEY,
		job_name       text NOT NULL REFERENCES jobs(name) ON DELETE CASCADE,
		scheduled_time timestamptz(3) NOT NULL,
		topic          text NOT NULL,
		payload        text NOT NULL DEFAULT '',
		created_at     timestamptz(3) NOT NULL,
		status         int NOT NULL DEFAULT 0,
		locked_until   timestamptz(3),
		owner_token    uuid,
		attempt_count  int NOT NULL DEFAULT 0,
		last_error     text NOT NULL DEFAULT '',
		processed_at   timestamptz(3)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS job_runs_tick_idx
		ON job_runs (job_name, scheduled_time)`,
	`CREATE INDEX IF NOT EXISTS job_runs_claim_idx
		ON job_runs (status, scheduled_time)`,

	`CREATE TABLE IF NOT EXISTS distributed_locks (
		resource_name text PRIMARY KEY,
		owner_token   uuid,
		lease_until   timestamptz(3),
		fencing_token bigint NOT NULL DEFAULT 0,
		context       jsonb,
		updated_at    timestamptz(3) NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS semaphores (
		name         text PRIMARY KEY,
		max_leases   int NOT NULL,
		next_fencing bigint NOT NULL DEFAULT 1,
		updated_at   timestamptz(3) NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS semaphore_leases (
		name              text NOT NULL REFERENCES semaphores(name) ON DELETE CASCADE,
		token             uuid NOT NULL,
		fencing           bigint NOT NULL,
		owner_id          text NOT NULL,
		lease_until       timestamptz(3) NOT NULL,
		created_at        timestamptz(3) NOT NULL,
		renewed_at        timestamptz(3),
		client_request_id text,
		PRIMARY KEY (name, token)
	)`,
	`CREATE INDEX IF NOT EXISTS semaphore_leases_expiry_idx
		ON semaphore_leases (name, lease_until)`,

	`CREATE TABLE IF NOT EXISTS outbox_joins (
		join_id         uuid PRIMARY KEY,
		owner_key       text NOT NULL,
		expected_steps  int NOT NULL,
		completed_steps int NOT NULL DEFAULT 0,
		failed_steps    int NOT NULL DEFAULT 0,
		status          int NOT NULL DEFAULT 0,
		parent_id       uuid,
		metadata        jsonb,
		created_at      timestamptz(3) NOT NULL,
		last_updated_at timestamptz(3) NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS outbox_join_members (
		join_id           uuid NOT NULL REFERENCES outbox_joins(join_id) ON DELETE CASCADE,
		outbox_message_id uuid NOT NULL,
		created_at        timestamptz(3) NOT NULL,
		completed_at      timestamptz(3),
		failed_at         timestamptz(3),
		PRIMARY KEY (join_id, outbox_message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_join_members_msg_idx
		ON outbox_join_members (outbox_message_id)`,

	`CREATE TABLE IF NOT EXISTS external_effects (
		id                     uuid PRIMARY KEY,
		operation_name         text NOT NULL,
		idempotency_key        text NOT NULL,
		status                 int NOT NULL DEFAULT 0,
		attempt_count          int NOT NULL DEFAULT 0,
		created_at             timestamptz(3) NOT NULL,
		last_updated_at        timestamptz(3) NOT NULL,
		last_attempt_at        timestamptz(3),
		last_external_check_at timestamptz(3),
		locked_until           timestamptz(3),
		locked_by              text NOT NULL DEFAULT '',
		external_reference_id  text NOT NULL DEFAULT '',
		external_status        text NOT NULL DEFAULT '',
		last_error             text NOT NULL DEFAULT '',
		payload_hash           bytea,
		UNIQUE (operation_name, idempotency_key)
	)`,
}
