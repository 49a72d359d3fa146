package history

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    years TEXT NOT NULL,
    failed_years TEXT,
    stored INTEGER NOT NULL DEFAULT 0,
    bytes INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

const createYearsTable = `
CREATE TABLE IF NOT EXISTS years (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    year INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    index_url TEXT,
    links INTEGER NOT NULL DEFAULT 0,
    matched INTEGER NOT NULL DEFAULT 0,
    duplicates INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    started_at TEXT,
    finished_at TEXT,
    PRIMARY KEY (run_id, year)
);
`

const createDownloadsTable = `
CREATE TABLE IF NOT EXISTS downloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    year INTEGER NOT NULL,
    name TEXT NOT NULL,
    url TEXT,
    key TEXT,
    bytes INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    error TEXT,
    fetched_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_downloads_year ON downloads(year);
CREATE INDEX IF NOT EXISTS idx_downloads_run ON downloads(run_id);
`

const insertRun = `
INSERT INTO runs (id, started_at, years) VALUES (?, ?, ?)
`

const finishRun = `
UPDATE runs SET finished_at = ?, failed_years = ?, stored = ?, bytes = ? WHERE id = ?
`

const insertYear = `
INSERT OR REPLACE INTO years
    (run_id, year, outcome, index_url, links, matched, duplicates, error, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const insertDownload = `
INSERT INTO downloads (run_id, year, name, url, key, bytes, status, error, fetched_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const selectRuns = `
SELECT id, started_at, COALESCE(finished_at, ''), years, COALESCE(failed_years, ''), stored, bytes
FROM runs
ORDER BY started_at DESC
LIMIT ?
`

const selectYears = `
SELECT year, outcome, COALESCE(index_url, ''), links, matched, duplicates, COALESCE(error, ''),
    COALESCE(started_at, ''), COALESCE(finished_at, '')
FROM years
WHERE run_id = ?
ORDER BY started_at, year
`

const selectDownloads = `
SELECT id, run_id, year, name, COALESCE(url, ''), COALESCE(key, ''), bytes, status, COALESCE(error, ''), fetched_at
FROM downloads
WHERE (? = 0 OR year = ?) AND (? = '' OR run_id = ?) AND (? = '' OR status = ?)
ORDER BY fetched_at DESC, id DESC
LIMIT ?
`
