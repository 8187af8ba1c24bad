package sqlite

const schema = `
-- Synced records, one row per (type, id). Tombstones stay in place until the
-- retention window elapses.
CREATE TABLE IF NOT EXISTS records (
    type TEXT NOT NULL,
    id TEXT NOT NULL,
    payload BLOB NOT NULL DEFAULT X'',
    updated_at INTEGER NOT NULL,
    deleted INTEGER NOT NULL DEFAULT 0,
    origin TEXT NOT NULL DEFAULT 'local',
    version INTEGER NOT NULL DEFAULT 1,
    encrypted INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (type, id)
);

-- Change feed index: workers page by (updated_at, id) within a type.
CREATE INDEX IF NOT EXISTS idx_records_feed ON records(type, updated_at, id);

-- Per-(type, direction) sync watermarks.
CREATE TABLE IF NOT EXISTS sync_cursors (
    type TEXT NOT NULL,
    direction TEXT NOT NULL,
    high_water INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (type, direction)
);

-- Immutable mode transition history.
CREATE TABLE IF NOT EXISTS transition_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    from_mode TEXT NOT NULL,
    to_mode TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    snapshot_id TEXT NOT NULL DEFAULT ''
);
`
