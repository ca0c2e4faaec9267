package store

// schemaSQLite and schemaPostgres create the agents, state_transitions and
// task_completions tables plus their indices: status, type, current-task
// (partial, non-null), domain (partial, non-null), last-activity on agents;
// composite (entity_type, entity_id, timestamp) and trigger on transitions.
var schemaSQLite = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id               TEXT PRIMARY KEY,
		type             TEXT NOT NULL,
		domain           TEXT,
		status           TEXT NOT NULL,
		current_task     TEXT,
		last_activity_at TIMESTAMP NOT NULL,
		created_at       TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_type ON agents(type)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_current_task ON agents(current_task) WHERE current_task IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_agents_domain ON agents(domain) WHERE domain IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_agents_last_activity ON agents(last_activity_at)`,

	`CREATE TABLE IF NOT EXISTS state_transitions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		from_status TEXT,
		to_status   TEXT NOT NULL,
		trigger     TEXT NOT NULL,
		metadata    TEXT,
		timestamp   TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transitions_entity_ts ON state_transitions(entity_type, entity_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_transitions_trigger ON state_transitions(trigger)`,

	`CREATE TABLE IF NOT EXISTS task_completions (
		task_id         TEXT PRIMARY KEY,
		agent_id        TEXT NOT NULL,
		status          TEXT NOT NULL,
		completed_at    TIMESTAMP,
		deliverables    TEXT,
		test_results    TEXT,
		quality_gates   TEXT
	)`,
}

var schemaPostgres = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id               TEXT PRIMARY KEY,
		type             TEXT NOT NULL,
		domain           TEXT,
		status           TEXT NOT NULL,
		current_task     TEXT,
		last_activity_at TIMESTAMPTZ NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_type ON agents(type)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_current_task ON agents(current_task) WHERE current_task IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_agents_domain ON agents(domain) WHERE domain IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_agents_last_activity ON agents(last_activity_at)`,

	`CREATE TABLE IF NOT EXISTS state_transitions (
		id          BIGSERIAL PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		from_status TEXT,
		to_status   TEXT NOT NULL,
		trigger     TEXT NOT NULL,
		metadata    JSONB,
		timestamp   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transitions_entity_ts ON state_transitions(entity_type, entity_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_transitions_trigger ON state_transitions(trigger)`,

	`CREATE TABLE IF NOT EXISTS task_completions (
		task_id         TEXT PRIMARY KEY,
		agent_id        TEXT NOT NULL,
		status          TEXT NOT NULL,
		completed_at    TIMESTAMPTZ,
		deliverables    JSONB,
		test_results    JSONB,
		quality_gates   JSONB
	)`,
}
