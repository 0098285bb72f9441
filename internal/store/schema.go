package store

const schema = `
-- Schema version marker. A single row; version equals the number of
-- applied migrations.
CREATE TABLE IF NOT EXISTS schema_meta (
    version INTEGER NOT NULL
);

-- Audit runs: one row per baseline/sync/finalize execution
CREATE TABLE IF NOT EXISTS audit_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    organization TEXT NOT NULL,
    audit_date TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    completed_at DATETIME,
    status TEXT NOT NULL DEFAULT 'running',
    run_type TEXT NOT NULL,
    parent_run_id INTEGER REFERENCES audit_runs(id),
    config_hash TEXT NOT NULL DEFAULT '',
    report_stale INTEGER NOT NULL DEFAULT 0,
    final_report_hash TEXT NOT NULL DEFAULT '',
    unreachable_targets TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_org_date ON audit_runs(organization, audit_date);
-- At most one finalized run per audit_date x organization
CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_finalized
    ON audit_runs(organization, audit_date) WHERE status = 'finalized';

CREATE TABLE IF NOT EXISTS servers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    hostname TEXT NOT NULL UNIQUE
);

-- Default instances are stored explicitly as 'DEFAULT'; port disambiguates
-- targets that share an instance name.
CREATE TABLE IF NOT EXISTS instances (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    server_id INTEGER NOT NULL REFERENCES servers(id),
    instance_name TEXT NOT NULL,
    port INTEGER NOT NULL DEFAULT 0,
    UNIQUE(server_id, instance_name, port)
);

-- Findings are immutable once their run completes
CREATE TABLE IF NOT EXISTS findings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id INTEGER NOT NULL REFERENCES audit_runs(id),
    instance_id INTEGER NOT NULL REFERENCES instances(id),
    finding_type TEXT NOT NULL,
    entity_key TEXT NOT NULL,
    entity_display TEXT NOT NULL DEFAULT '',
    row_uuid TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    risk TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    recommendation TEXT NOT NULL DEFAULT '',
    details TEXT NOT NULL DEFAULT '{}',
    UNIQUE(run_id, finding_type, entity_key)
);

CREATE INDEX IF NOT EXISTS idx_findings_run_key ON findings(run_id, entity_key);
CREATE INDEX IF NOT EXISTS idx_findings_key ON findings(entity_key);

-- Operator annotations persist across runs; never deleted by the system
CREATE TABLE IF NOT EXISTS annotations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    row_uuid TEXT NOT NULL DEFAULT '',
    entity_type TEXT NOT NULL,
    entity_key TEXT NOT NULL,
    notes TEXT NOT NULL DEFAULT '',
    purpose TEXT NOT NULL DEFAULT '',
    justification TEXT NOT NULL DEFAULT '',
    review_status TEXT NOT NULL DEFAULT '',
    last_reviewed TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    modified_at DATETIME NOT NULL,
    modified_by TEXT NOT NULL DEFAULT '',
    UNIQUE(entity_type, entity_key)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_annotations_uuid
    ON annotations(row_uuid) WHERE row_uuid != '';

-- Append-only action log; the expression index makes baseline entries
-- (NULL sync_run_id) participate in deduplication
CREATE TABLE IF NOT EXISTS action_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    initial_run_id INTEGER NOT NULL REFERENCES audit_runs(id),
    sync_run_id INTEGER REFERENCES audit_runs(id),
    entity_key TEXT NOT NULL,
    finding_type TEXT NOT NULL,
    change_type TEXT NOT NULL,
    status TEXT NOT NULL,
    action_date DATETIME NOT NULL,
    user_date_override DATETIME,
    description TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_action_dedup
    ON action_log(initial_run_id, entity_key, change_type, COALESCE(sync_run_id, 0));
CREATE INDEX IF NOT EXISTS idx_action_sync_run ON action_log(sync_run_id);
`
