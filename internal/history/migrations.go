package history

const schema = `
CREATE TABLE IF NOT EXISTS detection_events (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    detected_at TIMESTAMP NOT NULL,
    pattern TEXT NOT NULL,
    matched_text TEXT,
    confidence REAL NOT NULL,
    line_number INTEGER,
    context_before TEXT,
    context_after TEXT,
    cooldown_start TIMESTAMP,
    cooldown_end TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_session ON detection_events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_detected_at ON detection_events(detected_at);

CREATE TABLE IF NOT EXISTS restart_attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    attempted_at TIMESTAMP NOT NULL,
    attempt INTEGER NOT NULL,
    reason TEXT NOT NULL,
    success BOOLEAN NOT NULL,
    error TEXT,
    pid INTEGER
);

CREATE INDEX IF NOT EXISTS idx_restarts_session ON restart_attempts(session_id);
CREATE INDEX IF NOT EXISTS idx_restarts_attempted_at ON restart_attempts(attempted_at);
`
