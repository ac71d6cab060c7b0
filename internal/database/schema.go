package database

// Embedded schemas, keyed by database name. Every statement is idempotent so
// Migrate can run on every startup.
var schemas = map[string]string{
	"arena": ArenaSchema,
	"cache": CacheSchema,
}

// ArenaSchema holds the competition state: sessions, the append-only trade
// log, equity curves, holdings snapshots, activity logs and agent memory.
// Dates are stored canonically as YYYYMMDD text.
const ArenaSchema = `
CREATE TABLE IF NOT EXISTS arena_sessions (
    session_id      TEXT PRIMARY KEY,
    start_date      TEXT NOT NULL,
    end_date        TEXT NOT NULL,
    current_date    TEXT NOT NULL,
    initial_capital REAL NOT NULL,
    status          TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL,
    config          TEXT
);

CREATE TABLE IF NOT EXISTS arena_model_state (
    session_id   TEXT NOT NULL,
    model_name   TEXT NOT NULL,
    cash         REAL NOT NULL,
    total_assets REAL NOT NULL,
    profit_pct   REAL NOT NULL,
    updated_at   TEXT NOT NULL,
    PRIMARY KEY (session_id, model_name),
    FOREIGN KEY (session_id) REFERENCES arena_sessions(session_id)
);

CREATE TABLE IF NOT EXISTS arena_daily_assets (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    model_name TEXT NOT NULL,
    trade_date TEXT NOT NULL,
    assets     REAL NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE (session_id, model_name, trade_date),
    FOREIGN KEY (session_id) REFERENCES arena_sessions(session_id)
);

CREATE TABLE IF NOT EXISTS arena_trades (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id    TEXT NOT NULL,
    model_name    TEXT NOT NULL,
    trade_date    TEXT NOT NULL,
    stock_code    TEXT NOT NULL,
    action        TEXT NOT NULL,
    price         REAL NOT NULL,
    volume        INTEGER NOT NULL,
    amount        REAL NOT NULL,
    reason        TEXT,
    created_at    TEXT NOT NULL,
    profit        REAL,
    profit_pct    REAL,
    commission    REAL,
    time          TEXT,
    name          TEXT,
    profit_target TEXT,
    stop_loss     TEXT,
    invalidation  TEXT,
    expected_days INTEGER,
    cash_before   REAL,
    assets_before REAL,
    order_id      TEXT,
    FOREIGN KEY (session_id) REFERENCES arena_sessions(session_id)
);

CREATE TABLE IF NOT EXISTS arena_holdings (
    session_id    TEXT NOT NULL,
    model_name    TEXT NOT NULL,
    stock_code    TEXT NOT NULL,
    stock_name    TEXT,
    amount        INTEGER NOT NULL,
    avg_price     REAL NOT NULL,
    current_price REAL NOT NULL,
    market_value  REAL NOT NULL,
    profit_loss   REAL NOT NULL,
    profit_pct    REAL NOT NULL,
    hold_days     INTEGER NOT NULL,
    buy_date      TEXT,
    updated_at    TEXT NOT NULL,
    profit_target TEXT,
    stop_loss     TEXT,
    invalidation  TEXT,
    expected_days INTEGER,
    PRIMARY KEY (session_id, model_name, stock_code),
    FOREIGN KEY (session_id) REFERENCES arena_sessions(session_id)
);

CREATE TABLE IF NOT EXISTS arena_ai_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    model_name TEXT NOT NULL,
    timestamp  TEXT NOT NULL,
    message    TEXT NOT NULL,
    log_type   TEXT NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY (session_id) REFERENCES arena_sessions(session_id)
);

CREATE TABLE IF NOT EXISTS agent_reflections (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id          TEXT NOT NULL,
    model_name          TEXT NOT NULL,
    reflection_date     TEXT NOT NULL,
    cash_reflection     TEXT,
    timing_reflection   TEXT,
    decision_reflection TEXT,
    self_awareness      TEXT,
    strengths           TEXT,
    weaknesses          TEXT,
    adjustment_plan     TEXT,
    is_active           INTEGER NOT NULL DEFAULT 1,
    created_at          TEXT NOT NULL,
    FOREIGN KEY (session_id) REFERENCES arena_sessions(session_id)
);

CREATE TABLE IF NOT EXISTS agent_principles (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      TEXT NOT NULL,
    model_name      TEXT NOT NULL,
    principle       TEXT NOT NULL,
    reflection_date TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    is_active       INTEGER NOT NULL DEFAULT 1,
    FOREIGN KEY (session_id) REFERENCES arena_sessions(session_id)
);

CREATE INDEX IF NOT EXISTS idx_daily_assets_lookup
    ON arena_daily_assets(session_id, model_name, trade_date);
CREATE INDEX IF NOT EXISTS idx_trades_lookup
    ON arena_trades(session_id, model_name, trade_date);
CREATE INDEX IF NOT EXISTS idx_ai_logs_lookup
    ON arena_ai_logs(session_id, model_name, id);
CREATE INDEX IF NOT EXISTS idx_reflections_lookup
    ON agent_reflections(session_id, model_name, reflection_date);
CREATE INDEX IF NOT EXISTS idx_principles_active
    ON agent_principles(session_id, model_name, is_active);
`

// CacheSchema holds refetchable market data: per-day quote bars and the
// per-date candidate pools. Payloads are msgpack blobs.
const CacheSchema = `
CREATE TABLE IF NOT EXISTS quote_cache (
    code       TEXT NOT NULL,
    trade_date TEXT NOT NULL,
    payload    BLOB NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (code, trade_date)
);

CREATE TABLE IF NOT EXISTS candidate_pools (
    trade_date TEXT PRIMARY KEY,
    payload    BLOB NOT NULL,
    created_at TEXT NOT NULL
);
`
