package store

// Portable DDL. Ids and enums are TEXT, JSON documents are TEXT, so the
// same statements run on Postgres and SQLite.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS capability_tokens (
		token_id TEXT PRIMARY KEY,
		token_jti TEXT UNIQUE NOT NULL,
		tenant_id TEXT NOT NULL,
		subject TEXT NOT NULL,
		capabilities TEXT NOT NULL,
		issued_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		revoked_at TIMESTAMP,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		usage_count BIGINT NOT NULL DEFAULT 0,
		token_hash TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_capability_tokens_tenant
		ON capability_tokens (tenant_id)`,
	`CREATE INDEX IF NOT EXISTS idx_capability_tokens_expires
		ON capability_tokens (expires_at)`,

	`CREATE TABLE IF NOT EXISTS token_audit_logs (
		audit_id TEXT PRIMARY KEY,
		token_id TEXT,
		tenant_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		status TEXT NOT NULL,
		request_data TEXT,
		response_data TEXT,
		error_message TEXT,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		correlation_id TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_token_audit_logs_token
		ON token_audit_logs (token_id)`,

	`CREATE TABLE IF NOT EXISTS token_cleanup_jobs (
		job_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		tokens_processed BIGINT NOT NULL DEFAULT 0,
		tokens_cleaned BIGINT NOT NULL DEFAULT 0,
		errors_encountered INTEGER NOT NULL DEFAULT 0,
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		dry_run BOOLEAN NOT NULL DEFAULT FALSE,
		batch_size INTEGER NOT NULL DEFAULT 0,
		max_age_days INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS replay_protection (
		token_jti TEXT PRIMARY KEY,
		token_hash TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		first_seen_ip TEXT,
		usage_count BIGINT NOT NULL DEFAULT 1,
		first_seen_at TIMESTAMP NOT NULL,
		last_used_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_replay_protection_expires
		ON replay_protection (expires_at)`,

	`CREATE TABLE IF NOT EXISTS tool_allow_lists (
		rule_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		capability_name TEXT NOT NULL,
		tool_pattern TEXT NOT NULL,
		action_pattern TEXT,
		rule_type TEXT NOT NULL,
		pattern_type TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		description TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (tenant_id, capability_name, tool_pattern)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_allow_lists_tenant
		ON tool_allow_lists (tenant_id, is_active)`,

	`CREATE TABLE IF NOT EXISTS capability_violations (
		violation_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		token_id TEXT,
		violation_type TEXT NOT NULL,
		attempted_action TEXT NOT NULL,
		required_capability TEXT,
		provided_capabilities TEXT,
		endpoint TEXT,
		http_method TEXT,
		client_ip TEXT,
		user_agent TEXT,
		subject TEXT,
		severity TEXT NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_capability_violations_tenant
		ON capability_violations (tenant_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS token_usage_tracking (
		usage_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		token_id TEXT NOT NULL,
		action_performed TEXT NOT NULL,
		capabilities_used TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		endpoint TEXT,
		http_method TEXT,
		client_ip TEXT,
		user_agent TEXT,
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_token_usage_tracking_tenant
		ON token_usage_tracking (tenant_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_token_usage_tracking_token
		ON token_usage_tracking (tenant_id, token_id)`,

	`CREATE TABLE IF NOT EXISTS policies (
		policy_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		source TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (tenant_id, name)
	)`,
}
