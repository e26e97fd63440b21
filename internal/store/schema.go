package store

// SchemaVersion is recorded in the metadata table.
const SchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    started_at INTEGER NOT NULL, -- Unix nanoseconds
    device TEXT NOT NULL,
    runtime TEXT NOT NULL,
    heads INTEGER NOT NULL,
    head_dim INTEGER NOT NULL,
    seed INTEGER NOT NULL,
    dtype TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outcomes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    name TEXT NOT NULL,
    config TEXT NOT NULL,
    batch INTEGER NOT NULL,
    query_len INTEGER NOT NULL,
    kv_len INTEGER NOT NULL,
    scenario TEXT NOT NULL,
    success INTEGER NOT NULL,
    time_ms REAL,
    tokens_per_sec REAL,
    memory_gb REAL,
    error TEXT NOT NULL DEFAULT '',
    FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE,
    UNIQUE(run_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

const initMetadata = `
INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '1');
`
