package archive

// Schema creates the run archive tables.
const Schema = `
CREATE TABLE IF NOT EXISTS task_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	state TEXT NOT NULL,
	agent_id TEXT,
	attempt INTEGER NOT NULL DEFAULT 0,
	error_text TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id);
CREATE INDEX IF NOT EXISTS idx_task_events_state ON task_events(state);

CREATE TABLE IF NOT EXISTS matches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hypothesis_a TEXT NOT NULL,
	hypothesis_b TEXT NOT NULL,
	outcome TEXT NOT NULL,
	rating_a REAL NOT NULL,
	rating_b REAL NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_matches_a ON matches(hypothesis_a);
CREATE INDEX IF NOT EXISTS idx_matches_b ON matches(hypothesis_b);
`
