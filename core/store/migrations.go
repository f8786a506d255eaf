package store

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS traces (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		trace_type TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ok',
		context TEXT NOT NULL DEFAULT '{}',
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		caused_by_trace_id INTEGER,
		caused_by_event_id INTEGER,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_traces_started_at ON traces(started_at);`,
	`CREATE INDEX IF NOT EXISTS idx_traces_trace_type ON traces(trace_type);`,
	`CREATE INDEX IF NOT EXISTS idx_traces_status ON traces(status);`,
	`CREATE INDEX IF NOT EXISTS idx_traces_caused_by_trace ON traces(caused_by_trace_id);`,
	`CREATE TABLE IF NOT EXISTS trace_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		name TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		duration_ms REAL,
		occurred_at TIMESTAMP NOT NULL,
		FOREIGN KEY(trace_id) REFERENCES traces(id) ON DELETE CASCADE
	);`,
	`CREATE INDEX IF NOT EXISTS idx_trace_events_trace ON trace_events(trace_id);`,
	`CREATE INDEX IF NOT EXISTS idx_trace_events_type ON trace_events(event_type);`,
	`CREATE INDEX IF NOT EXISTS idx_trace_events_occurred ON trace_events(occurred_at);`,
	`CREATE TABLE IF NOT EXISTS record_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id INTEGER NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(trace_id, entity_type, entity_id),
		FOREIGN KEY(trace_id) REFERENCES traces(id) ON DELETE CASCADE
	);`,
	`CREATE INDEX IF NOT EXISTS idx_record_links_entity ON record_links(entity_type, entity_id);`,
	`CREATE TABLE IF NOT EXISTS error_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id INTEGER NOT NULL,
		error_id INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(trace_id, error_id),
		FOREIGN KEY(trace_id) REFERENCES traces(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS summaries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id INTEGER NOT NULL UNIQUE,
		name TEXT NOT NULL,
		trace_type TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ok',
		outcome TEXT NOT NULL DEFAULT '',
		entity_type TEXT,
		entity_id INTEGER,
		http_status INTEGER,
		request_method TEXT,
		request_id TEXT,
		path TEXT,
		job_class TEXT,
		queue_name TEXT,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		duration_ms REAL,
		event_count INTEGER NOT NULL DEFAULT 0,
		sql_count INTEGER NOT NULL DEFAULT 0,
		sql_duration_ms REAL NOT NULL DEFAULT 0,
		record_link_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		user_id INTEGER,
		account_id INTEGER,
		error_fingerprint TEXT,
		service TEXT,
		environment TEXT,
		version TEXT,
		deployment TEXT,
		region TEXT,
		schema_version TEXT NOT NULL DEFAULT '1',
		payload TEXT NOT NULL DEFAULT '{}',
		caused_by_trace_id INTEGER,
		caused_by_event_id INTEGER,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_summaries_status ON summaries(status);`,
	`CREATE INDEX IF NOT EXISTS idx_summaries_started_at ON summaries(started_at);`,
	`CREATE INDEX IF NOT EXISTS idx_summaries_duration ON summaries(duration_ms);`,
	`CREATE INDEX IF NOT EXISTS idx_summaries_fingerprint ON summaries(error_fingerprint);`,
	`CREATE INDEX IF NOT EXISTS idx_summaries_entity ON summaries(entity_type, entity_id);`,
	`CREATE INDEX IF NOT EXISTS idx_summaries_request_id ON summaries(request_id);`,
	`CREATE INDEX IF NOT EXISTS idx_summaries_name_source ON summaries(name, source);`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'warning',
		status TEXT NOT NULL DEFAULT 'active',
		source TEXT,
		name TEXT,
		fingerprint TEXT,
		payload TEXT NOT NULL DEFAULT '{}',
		detected_at TIMESTAMP NOT NULL,
		last_seen_at TIMESTAMP NOT NULL,
		acknowledged_at TIMESTAMP,
		resolved_at TIMESTAMP,
		resolved_by TEXT,
		resolution_note TEXT,
		muted_until TIMESTAMP,
		owner TEXT,
		team TEXT,
		assigned_by TEXT,
		assignment_note TEXT,
		assigned_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_kind ON incidents(kind);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_detected_at ON incidents(detected_at);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_dedupe ON incidents(kind, source, name, fingerprint, detected_at);`,
	`CREATE TABLE IF NOT EXISTS incident_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		incident_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		actor TEXT,
		payload TEXT NOT NULL DEFAULT '{}',
		occurred_at TIMESTAMP NOT NULL,
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE INDEX IF NOT EXISTS idx_incident_events_incident_time ON incident_events(incident_id, occurred_at);`,
	`CREATE INDEX IF NOT EXISTS idx_incident_events_incident_action_time ON incident_events(incident_id, action, occurred_at);`,
	`CREATE TABLE IF NOT EXISTS journeys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		journey_key TEXT NOT NULL UNIQUE,
		request_id TEXT,
		entity_type TEXT,
		entity_id INTEGER,
		last_trace_id INTEGER,
		trace_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_journeys_request_id ON journeys(request_id);`,
	`CREATE INDEX IF NOT EXISTS idx_journeys_entity ON journeys(entity_type, entity_id);`,
	`CREATE INDEX IF NOT EXISTS idx_journeys_finished_at ON journeys(finished_at);`,
	`CREATE TABLE IF NOT EXISTS causal_edges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_trace_id INTEGER,
		from_event_id INTEGER,
		to_trace_id INTEGER NOT NULL,
		to_event_id INTEGER,
		edge_type TEXT NOT NULL DEFAULT 'caused_by',
		occurred_at TIMESTAMP NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		UNIQUE(from_event_id, to_trace_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_causal_edges_from_trace ON causal_edges(from_trace_id);`,
	`CREATE INDEX IF NOT EXISTS idx_causal_edges_to_trace ON causal_edges(to_trace_id);`,
	`CREATE TABLE IF NOT EXISTS saved_views (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		filters TEXT NOT NULL DEFAULT '{}',
		created_by TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_saved_views_name ON saved_views(name);`,
}
