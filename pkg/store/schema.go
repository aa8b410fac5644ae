package store

import (
	"context"
	"fmt"
)

// statements creates every table. Tables are created with CREATE TABLE
// IF NOT EXISTS so repeated boots are idempotent; new columns added in
// later versions of this file are listed in columnAdditions and added by
// migrate() when missing.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		capabilities TEXT NOT NULL DEFAULT '',
		lifecycle TEXT NOT NULL DEFAULT 'ephemeral',
		workspace_mode TEXT NOT NULL DEFAULT 'unknown',
		profile_cwd TEXT NOT NULL DEFAULT '',
		profile_has_git INTEGER NOT NULL DEFAULT 0,
		profile_file_count INTEGER NOT NULL DEFAULT 0,
		profile_empty_dir INTEGER NOT NULL DEFAULT 0,
		profile_source TEXT NOT NULL DEFAULT '',
		profile_detected_at DATETIME,
		status TEXT NOT NULL DEFAULT 'online',
		last_seen DATETIME NOT NULL,
		completed_count INTEGER NOT NULL DEFAULT 0,
		rollback_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS agent_tokens (
		agent_id TEXT PRIMARY KEY REFERENCES agents(id) ON DELETE CASCADE,
		token TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		namespace TEXT NOT NULL DEFAULT 'default',
		priority TEXT NOT NULL DEFAULT 'medium',
		execution_mode TEXT NOT NULL DEFAULT 'any',
		consistency_mode TEXT NOT NULL DEFAULT 'cheap',
		status TEXT NOT NULL DEFAULT 'pending',
		assigned_to TEXT,
		creator TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT '',
		span_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_namespace ON tasks(namespace);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);`,
	`CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		depends_on_task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		PRIMARY KEY (task_id, depends_on_task_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_task_deps_depends_on ON task_dependencies(depends_on_task_id);`,
	`CREATE TABLE IF NOT EXISTS task_evidence (
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		evidence_ref TEXT NOT NULL,
		PRIMARY KEY (task_id, evidence_ref)
	);`,
	`CREATE TABLE IF NOT EXISTS task_status_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		changed_by TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS task_claims (
		task_id INTEGER PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
		agent_id TEXT NOT NULL,
		claim_id TEXT NOT NULL UNIQUE,
		claimed_at DATETIME NOT NULL,
		lease_expires_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_task_claims_lease ON task_claims(lease_expires_at);`,
	`CREATE TABLE IF NOT EXISTS tasks_archive (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		namespace TEXT NOT NULL DEFAULT 'default',
		priority TEXT NOT NULL DEFAULT 'medium',
		execution_mode TEXT NOT NULL DEFAULT 'any',
		consistency_mode TEXT NOT NULL DEFAULT 'cheap',
		status TEXT NOT NULL DEFAULT 'done',
		assigned_to TEXT,
		creator TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		archived_at DATETIME NOT NULL,
		archive_reason TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_agent TEXT NOT NULL,
		to_agent TEXT,
		content TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		trace_id TEXT NOT NULL DEFAULT '',
		span_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_to_agent ON messages(to_agent);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);`,
	`CREATE TABLE IF NOT EXISTS message_reads (
		message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		agent_id TEXT NOT NULL,
		read_at DATETIME NOT NULL,
		PRIMARY KEY (message_id, agent_id)
	);`,
	`CREATE TABLE IF NOT EXISTS context (
		agent_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		namespace TEXT NOT NULL DEFAULT 'default',
		trace_id TEXT NOT NULL DEFAULT '',
		span_id TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (agent_id, key)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_context_updated_at ON context(updated_at);`,
	`CREATE TABLE IF NOT EXISTS activity_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		task_id INTEGER,
		detail TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_activity_log_created_at ON activity_log(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_activity_log_kind ON activity_log(kind);`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		agent_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		key TEXT NOT NULL,
		response TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (agent_id, tool, key)
	);`,
	`CREATE TABLE IF NOT EXISTS protocol_blobs (
		hash TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		reference_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_protocol_blobs_updated_at ON protocol_blobs(updated_at);`,
	`CREATE TABLE IF NOT EXISTS consensus_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		proposal_id TEXT NOT NULL,
		requesting_agent TEXT NOT NULL,
		outcome TEXT NOT NULL,
		stats TEXT NOT NULL DEFAULT '{}',
		reasons TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS slo_alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		resolved_at DATETIME
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_slo_alerts_open_code ON slo_alerts(code) WHERE resolved_at IS NULL;`,
	`CREATE TABLE IF NOT EXISTS auth_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		created_by TEXT NOT NULL,
		name TEXT NOT NULL,
		mime_type TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		sha256 TEXT NOT NULL DEFAULT '',
		storage_path TEXT NOT NULL DEFAULT '',
		namespace TEXT NOT NULL DEFAULT 'default',
		summary TEXT NOT NULL DEFAULT '',
		access_count INTEGER NOT NULL DEFAULT 0,
		ttl_expires_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS artifact_shares (
		artifact_id TEXT NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
		agent_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (artifact_id, agent_id)
	);`,
	`CREATE TABLE IF NOT EXISTS task_artifacts (
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		artifact_id TEXT NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (task_id, artifact_id)
	);`,
}

// columnAdditions lists add-column reconciliations applied after the base
// CREATE TABLE statements, keyed by table. Empty today; this is where a
// future field addition would go, each guarded by a column-existence
// probe in migrate() rather than a new versioned migration file.
var columnAdditions = map[string][]columnSpec{}

type columnSpec struct {
	name string
	ddl  string
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range statements {
		if _, err := s.write.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: schema init: %w", err)
		}
	}

	for table, cols := range columnAdditions {
		existing, err := s.tableColumns(ctx, table)
		if err != nil {
			return fmt.Errorf("store: inspect %s: %w", table, err)
		}
		for _, col := range cols {
			if existing[col.name] {
				continue
			}
			ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, col.ddl)
			if _, err := s.write.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("%w: adding %s.%s: %v", ErrSchemaMismatch, table, col.name, err)
			}
		}
	}
	return nil
}

func (s *Store) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.write.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notnull    int
			dfltValue  any
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
