package sqlite

const schema = `
-- Sessions
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    start_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_activity DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    context_mode TEXT NOT NULL DEFAULT 'focused',
    active_themes TEXT NOT NULL DEFAULT '[]',
    active_tasks TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'active'
        CHECK(status IN ('active', 'paused', 'completed', 'terminated'))
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

-- Session restoration snapshots; the latest row by last_activity wins
CREATE TABLE IF NOT EXISTS session_context (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    git_hash TEXT DEFAULT '',
    context_mode TEXT NOT NULL DEFAULT 'focused',
    loaded_themes TEXT NOT NULL DEFAULT '[]',
    loaded_flows TEXT NOT NULL DEFAULT '[]',
    active_task_id TEXT DEFAULT '',
    last_activity DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    boot_duration_ms INTEGER DEFAULT 0,
    comprehensive INTEGER DEFAULT 0,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_session_context_activity ON session_context(last_activity DESC);

-- Task operational state (definitions live in Tasks/active/<id>.json)
CREATE TABLE IF NOT EXISTS task_status (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending', 'in-progress', 'blocked', 'completed', 'cancelled')),
    status_reason TEXT DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 2,
    milestone_id TEXT NOT NULL,
    plan_id TEXT DEFAULT '',
    primary_theme TEXT NOT NULL,
    related_themes TEXT NOT NULL DEFAULT '[]',
    progress INTEGER NOT NULL DEFAULT 0 CHECK(progress >= 0 AND progress <= 100),
    acceptance_criteria TEXT NOT NULL DEFAULT '[]',
    dependencies TEXT NOT NULL DEFAULT '[]',
    session_id TEXT DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME,
    last_updated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_task_status_status ON task_status(status);
CREATE INDEX IF NOT EXISTS idx_task_status_milestone ON task_status(milestone_id);

-- Subtask state, scoped to a parent task or sidequest
CREATE TABLE IF NOT EXISTS subtask_status (
    id TEXT NOT NULL,
    parent_id TEXT NOT NULL,
    parent_kind TEXT NOT NULL CHECK(parent_kind IN ('task', 'sidequest')),
    title TEXT DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending', 'in-progress', 'blocked', 'completed')),
    flow_references TEXT NOT NULL DEFAULT '[]',
    files TEXT NOT NULL DEFAULT '[]',
    context_mode TEXT DEFAULT '',
    progress INTEGER NOT NULL DEFAULT 0 CHECK(progress >= 0 AND progress <= 100),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_updated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (parent_id, id)
);

-- Sidequest state (definitions live in Tasks/sidequests/<id>.json)
CREATE TABLE IF NOT EXISTS sidequest_status (
    id TEXT PRIMARY KEY,
    parent_task_id TEXT NOT NULL,
    title TEXT NOT NULL,
    scope TEXT DEFAULT '',
    reason TEXT DEFAULT '',
    urgency TEXT DEFAULT '',
    impact TEXT DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending', 'in-progress', 'blocked', 'completed', 'cancelled')),
    primary_theme TEXT NOT NULL DEFAULT '',
    inherited_themes TEXT NOT NULL DEFAULT '[]',
    scope_changed INTEGER NOT NULL DEFAULT 0,
    ordinal INTEGER NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME,
    last_updated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (parent_task_id) REFERENCES task_status(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_sidequest_parent ON sidequest_status(parent_task_id);
CREATE INDEX IF NOT EXISTS idx_sidequest_status ON sidequest_status(status);

-- Paused-task context snapshots
CREATE TABLE IF NOT EXISTS task_queue (
    task_id TEXT PRIMARY KEY,
    context_snapshot TEXT NOT NULL DEFAULT '{}',
    queued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (task_id) REFERENCES task_status(id) ON DELETE CASCADE
);

-- Which subtask spawned which sidequest
CREATE TABLE IF NOT EXISTS subtask_sidequest_relationships (
    subtask_id TEXT NOT NULL,
    sidequest_id TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (subtask_id, sidequest_id),
    FOREIGN KEY (sidequest_id) REFERENCES sidequest_status(id) ON DELETE CASCADE
);

-- Per-task sidequest counters, maintained by triggers below
CREATE TABLE IF NOT EXISTS task_sidequest_limits (
    task_id TEXT PRIMARY KEY,
    active_sidequests_count INTEGER NOT NULL DEFAULT 0,
    limit_override INTEGER,
    last_updated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (task_id) REFERENCES task_status(id) ON DELETE CASCADE
);

-- Flow completion state
CREATE TABLE IF NOT EXISTS flow_status (
    flow_id TEXT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending', 'in-progress', 'complete')),
    completion_percentage INTEGER NOT NULL DEFAULT 0,
    last_updated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS flow_step_status (
    flow_id TEXT NOT NULL,
    step_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending', 'in-progress', 'complete')),
    last_updated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (flow_id, step_id)
);

-- Theme <-> flow edges (bipartite many-to-many; edges, not embedded objects)
CREATE TABLE IF NOT EXISTS theme_flows (
    theme TEXT NOT NULL,
    flow_id TEXT NOT NULL,
    PRIMARY KEY (theme, flow_id)
);

CREATE INDEX IF NOT EXISTS idx_theme_flows_flow ON theme_flows(flow_id);

-- File modification audit, written with every paired change set
CREATE TABLE IF NOT EXISTS file_modifications (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT DEFAULT '',
    actor TEXT DEFAULT '',
    file_path TEXT NOT NULL,
    operation TEXT NOT NULL CHECK(operation IN ('write', 'rename', 'delete')),
    modified_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_file_mods_session ON file_modifications(session_id);

CREATE TABLE IF NOT EXISTS task_metrics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    metric TEXT NOT NULL,
    value REAL NOT NULL,
    recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS user_preferences (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Noteworthy events: append-only; archived rows move to dated files
CREATE TABLE IF NOT EXISTS noteworthy_events (
    id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    title TEXT NOT NULL,
    primary_theme TEXT DEFAULT '',
    task_id TEXT DEFAULT '',
    session_id TEXT DEFAULT '',
    impact TEXT DEFAULT '',
    reasoning TEXT DEFAULT '',
    outcome TEXT DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    archived_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_events_created ON noteworthy_events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_theme ON noteworthy_events(primary_theme);

CREATE TABLE IF NOT EXISTS event_relationships (
    event_id TEXT NOT NULL,
    related_id TEXT NOT NULL,
    relation TEXT NOT NULL DEFAULT 'related',
    PRIMARY KEY (event_id, related_id, relation),
    FOREIGN KEY (event_id) REFERENCES noteworthy_events(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS theme_evolution (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    theme TEXT NOT NULL,
    change TEXT NOT NULL,
    reason TEXT DEFAULT '',
    changed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Registered work branches; numbers are strictly monotonic and unique
CREATE TABLE IF NOT EXISTS ai_instance_branches (
    name TEXT PRIMARY KEY,
    number INTEGER NOT NULL UNIQUE,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    created_by_name TEXT DEFAULT '',
    created_by_email TEXT DEFAULT '',
    created_by_source TEXT DEFAULT '',
    git_base_hash TEXT DEFAULT '',
    purpose TEXT DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active'
        CHECK(status IN ('active', 'merged', 'deleted')),
    merged_at DATETIME,
    deleted_at DATETIME
);

-- Source tree state; one current row per project path
CREATE TABLE IF NOT EXISTS git_project_state (
    project_path TEXT PRIMARY KEY,
    current_git_hash TEXT DEFAULT '',
    last_known_hash TEXT DEFAULT '',
    last_sync DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    change_summary TEXT DEFAULT '',
    affected_themes TEXT NOT NULL DEFAULT '[]',
    reconciliation_status TEXT NOT NULL DEFAULT 'clean'
        CHECK(reconciliation_status IN ('clean', 'pending', 'manual'))
);

CREATE TABLE IF NOT EXISTS git_change_impacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT DEFAULT '',
    file_path TEXT NOT NULL,
    old_path TEXT DEFAULT '',
    change_kind TEXT NOT NULL,
    candidate_themes TEXT NOT NULL DEFAULT '[]',
    signals TEXT NOT NULL DEFAULT '[]',
    severity TEXT NOT NULL DEFAULT 'low',
    strategy TEXT NOT NULL DEFAULT 'auto',
    reasoning TEXT DEFAULT '',
    resolved INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_change_impacts_resolved ON git_change_impacts(resolved);

-- Views

CREATE VIEW IF NOT EXISTS active_sidequests_by_task AS
SELECT *
FROM sidequest_status
WHERE status IN ('pending', 'in-progress', 'blocked');

CREATE VIEW IF NOT EXISTS sidequest_limit_status AS
SELECT
    t.id AS task_id,
    COALESCE(l.active_sidequests_count, 0) AS active_sidequests_count,
    l.limit_override
FROM task_status t
LEFT JOIN task_sidequest_limits l ON l.task_id = t.id;

CREATE VIEW IF NOT EXISTS theme_flow_summary AS
SELECT
    theme,
    COUNT(flow_id) AS flow_count,
    GROUP_CONCAT(flow_id) AS flows
FROM theme_flows
GROUP BY theme;

CREATE VIEW IF NOT EXISTS flow_theme_summary AS
SELECT
    flow_id,
    COUNT(theme) AS theme_count,
    GROUP_CONCAT(theme) AS themes
FROM theme_flows
GROUP BY flow_id;

CREATE VIEW IF NOT EXISTS subtask_sidequest_summary AS
SELECT
    r.subtask_id,
    r.sidequest_id,
    q.parent_task_id,
    q.status AS sidequest_status,
    r.created_at
FROM subtask_sidequest_relationships r
JOIN sidequest_status q ON q.id = r.sidequest_id;

CREATE VIEW IF NOT EXISTS recent_events AS
SELECT *
FROM noteworthy_events
WHERE archived_at IS NULL
ORDER BY created_at DESC;

CREATE VIEW IF NOT EXISTS event_impact_summary AS
SELECT impact, COUNT(*) AS count
FROM noteworthy_events
WHERE archived_at IS NULL AND impact != ''
GROUP BY impact;

CREATE VIEW IF NOT EXISTS theme_event_activity AS
SELECT
    primary_theme,
    COUNT(*) AS event_count,
    MAX(created_at) AS last_event_at
FROM noteworthy_events
WHERE primary_theme != ''
GROUP BY primary_theme;

-- Triggers: task_sidequest_limits.active_sidequests_count is maintained
-- here so the count stays correct no matter which code path mutates
-- sidequest_status. The application checks the limit too; the trigger is
-- the invariant of record.

CREATE TRIGGER IF NOT EXISTS trg_sidequest_insert
AFTER INSERT ON sidequest_status
WHEN NEW.status IN ('pending', 'in-progress', 'blocked')
BEGIN
    INSERT INTO task_sidequest_limits (task_id, active_sidequests_count, last_updated)
    VALUES (NEW.parent_task_id, 1, CURRENT_TIMESTAMP)
    ON CONFLICT(task_id) DO UPDATE SET
        active_sidequests_count = active_sidequests_count + 1,
        last_updated = CURRENT_TIMESTAMP;
END;

CREATE TRIGGER IF NOT EXISTS trg_sidequest_terminate
AFTER UPDATE OF status ON sidequest_status
WHEN OLD.status IN ('pending', 'in-progress', 'blocked')
  AND NEW.status IN ('completed', 'cancelled')
BEGIN
    UPDATE task_sidequest_limits SET
        active_sidequests_count = MAX(active_sidequests_count - 1, 0),
        last_updated = CURRENT_TIMESTAMP
    WHERE task_id = NEW.parent_task_id;
END;

CREATE TRIGGER IF NOT EXISTS trg_sidequest_reactivate
AFTER UPDATE OF status ON sidequest_status
WHEN OLD.status IN ('completed', 'cancelled')
  AND NEW.status IN ('pending', 'in-progress', 'blocked')
BEGIN
    UPDATE task_sidequest_limits SET
        active_sidequests_count = active_sidequests_count + 1,
        last_updated = CURRENT_TIMESTAMP
    WHERE task_id = NEW.parent_task_id;
END;

-- last_updated maintenance on status tables

CREATE TRIGGER IF NOT EXISTS trg_task_status_touch
AFTER UPDATE ON task_status
BEGIN
    UPDATE task_status SET last_updated = CURRENT_TIMESTAMP WHERE id = NEW.id;
END;

CREATE TRIGGER IF NOT EXISTS trg_subtask_status_touch
AFTER UPDATE ON subtask_status
BEGIN
    UPDATE subtask_status SET last_updated = CURRENT_TIMESTAMP
    WHERE parent_id = NEW.parent_id AND id = NEW.id;
END;

CREATE TRIGGER IF NOT EXISTS trg_sidequest_status_touch
AFTER UPDATE ON sidequest_status
BEGIN
    UPDATE sidequest_status SET last_updated = CURRENT_TIMESTAMP WHERE id = NEW.id;
END;

CREATE TRIGGER IF NOT EXISTS trg_flow_status_touch
AFTER UPDATE ON flow_status
BEGIN
    UPDATE flow_status SET last_updated = CURRENT_TIMESTAMP WHERE flow_id = NEW.flow_id;
END;
`
