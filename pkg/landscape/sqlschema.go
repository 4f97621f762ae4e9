package landscape

// schemaStatements is the append-only audit schema shared by the SQLite
// and Postgres backends. Both run it at init; CREATE TABLE IF NOT EXISTS
// keeps reopening an existing database a no-op.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		status TEXT NOT NULL,
		config_hash TEXT NOT NULL,
		canonical_version TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		node_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		plugin_name TEXT NOT NULL,
		node_type TEXT NOT NULL,
		plugin_version TEXT NOT NULL,
		config_json TEXT NOT NULL,
		config_hash TEXT NOT NULL,
		determinism TEXT NOT NULL,
		input_schema_hash TEXT,
		output_schema_hash TEXT,
		sequence INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS edges (
		edge_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		from_node_id TEXT NOT NULL REFERENCES nodes(node_id),
		to_node_id TEXT NOT NULL REFERENCES nodes(node_id),
		label TEXT NOT NULL,
		mode TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rows_ (
		row_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		source_node_id TEXT NOT NULL REFERENCES nodes(node_id),
		row_index INTEGER NOT NULL,
		data_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tokens (
		token_id TEXT PRIMARY KEY,
		row_id TEXT NOT NULL REFERENCES rows_(row_id),
		created_at TIMESTAMP NOT NULL,
		fork_group_id TEXT,
		join_group_id TEXT,
		expand_group_id TEXT,
		branch_name TEXT,
		step_in_pipeline INTEGER,
		has_step BOOLEAN NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS token_parents (
		token_id TEXT NOT NULL REFERENCES tokens(token_id),
		parent_token_id TEXT NOT NULL REFERENCES tokens(token_id),
		ordinal INTEGER NOT NULL,
		PRIMARY KEY (token_id, parent_token_id)
	)`,
	`CREATE TABLE IF NOT EXISTS node_states (
		state_id TEXT PRIMARY KEY,
		token_id TEXT NOT NULL REFERENCES tokens(token_id),
		node_id TEXT NOT NULL REFERENCES nodes(node_id),
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		input_hash TEXT NOT NULL,
		output_hash TEXT,
		duration_ms INTEGER,
		error_json TEXT,
		context_before_json TEXT,
		context_after_json TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS routing_events (
		event_id TEXT PRIMARY KEY,
		state_id TEXT NOT NULL REFERENCES node_states(state_id),
		kind TEXT NOT NULL,
		destinations_json TEXT NOT NULL,
		mode TEXT NOT NULL,
		reason_json TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS batches (
		batch_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		node_id TEXT NOT NULL REFERENCES nodes(node_id),
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS batch_members (
		batch_id TEXT NOT NULL REFERENCES batches(batch_id),
		token_id TEXT NOT NULL REFERENCES tokens(token_id),
		ordinal INTEGER NOT NULL,
		PRIMARY KEY (batch_id, token_id)
	)`,
	`CREATE TABLE IF NOT EXISTS batch_outputs (
		batch_id TEXT NOT NULL REFERENCES batches(batch_id),
		ordinal INTEGER NOT NULL,
		data_hash TEXT NOT NULL,
		payload_ref TEXT,
		PRIMARY KEY (batch_id, ordinal)
	)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id TEXT PRIMARY KEY,
		state_id TEXT NOT NULL REFERENCES node_states(state_id),
		kind TEXT NOT NULL,
		path_or_uri TEXT NOT NULL,
		content_hash TEXT,
		size_bytes INTEGER,
		idempotency_key TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS validation_errors (
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		source_node_id TEXT NOT NULL,
		row_index INTEGER NOT NULL,
		reason TEXT NOT NULL,
		raw_data_ref TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS calls (
		call_id TEXT PRIMARY KEY,
		state_id TEXT NOT NULL REFERENCES node_states(state_id),
		target TEXT NOT NULL,
		request_hash TEXT,
		response_hash TEXT,
		duration_ms INTEGER,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_links (
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		seq INTEGER NOT NULL,
		state_id TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
}
