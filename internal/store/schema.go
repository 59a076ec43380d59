package store

// Schema statements are written in the portable subset both SQLite and
// PostgreSQL accept. JSON payloads are TEXT columns; encrypted material is
// stored as an opaque TEXT token.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id                TEXT PRIMARY KEY,
		status            TEXT NOT NULL DEFAULT 'ACTIVE',
		messaging_channel TEXT NOT NULL DEFAULT '',
		onboarding_status TEXT NOT NULL DEFAULT 'DISCOVERY',
		created_at        TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS conversation_sessions (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		user_handle     TEXT NOT NULL,
		started_at      TIMESTAMP NOT NULL,
		ended_at        TIMESTAMP,
		reset_timestamp TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_tenant_user
		ON conversation_sessions(tenant_id, user_handle)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id                   TEXT PRIMARY KEY,
		tenant_id            TEXT NOT NULL,
		user_handle          TEXT NOT NULL,
		session_id           TEXT NOT NULL,
		transport_message_id TEXT NOT NULL DEFAULT '',
		direction            TEXT NOT NULL,
		content              TEXT NOT NULL,
		delivery_status      TEXT NOT NULL,
		created_at           TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session
		ON messages(session_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id               TEXT PRIMARY KEY,
		tenant_id        TEXT NOT NULL,
		user_handle      TEXT NOT NULL,
		task_prompt      TEXT NOT NULL,
		task_type        TEXT NOT NULL,
		timezone         TEXT NOT NULL DEFAULT 'UTC',
		cron_expr        TEXT,
		run_at           TIMESTAMP,
		is_one_time      BOOLEAN NOT NULL DEFAULT FALSE,
		next_run_at      TIMESTAMP NOT NULL,
		last_run_at      TIMESTAMP,
		error_count      INTEGER NOT NULL DEFAULT 0,
		enabled          BOOLEAN NOT NULL DEFAULT TRUE,
		lease_owner      TEXT,
		lease_expires_at TIMESTAMP,
		execution_plan   TEXT,
		created_at       TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_next_run
		ON scheduled_tasks(next_run_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_tenant_user
		ON scheduled_tasks(tenant_id, user_handle)`,

	`CREATE TABLE IF NOT EXISTS triggers (
		id                TEXT PRIMARY KEY,
		tenant_id         TEXT NOT NULL,
		user_handle       TEXT NOT NULL,
		name              TEXT NOT NULL,
		trigger_type      TEXT NOT NULL,
		task_prompt       TEXT NOT NULL,
		autonomy          TEXT NOT NULL,
		config            TEXT,
		status            TEXT NOT NULL DEFAULT 'ACTIVE',
		cooldown_seconds  INTEGER NOT NULL DEFAULT 0,
		max_errors        INTEGER NOT NULL DEFAULT 3,
		error_count       INTEGER NOT NULL DEFAULT 0,
		last_triggered_at TIMESTAMP,
		next_check_at     TIMESTAMP,
		webhook_path      TEXT UNIQUE,
		webhook_secret    TEXT,
		signature_type    TEXT,
		execution_state   TEXT,
		created_at        TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_triggers_tenant
		ON triggers(tenant_id, user_handle)`,
	`CREATE INDEX IF NOT EXISTS idx_triggers_next_check
		ON triggers(trigger_type, status, next_check_at)`,

	`CREATE TABLE IF NOT EXISTS trigger_executions (
		id                    TEXT PRIMARY KEY,
		trigger_id            TEXT NOT NULL,
		tenant_id             TEXT NOT NULL,
		user_handle           TEXT NOT NULL,
		status                TEXT NOT NULL,
		confirmation_status   TEXT,
		confirmation_deadline TIMESTAMP,
		confirmed_at          TIMESTAMP,
		triggered_by          TEXT NOT NULL DEFAULT '',
		input_context         TEXT,
		output                TEXT,
		error_message         TEXT,
		started_at            TIMESTAMP NOT NULL,
		completed_at          TIMESTAMP,
		duration_ms           BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_trigger
		ON trigger_executions(trigger_id, started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_confirmation
		ON trigger_executions(tenant_id, user_handle, status)`,

	// Lease row used as the advisory-lock fallback on SQLite.
	`CREATE TABLE IF NOT EXISTS scheduler_lock (
		id         INTEGER PRIMARY KEY,
		owner      TEXT,
		expires_at TIMESTAMP
	)`,
}
