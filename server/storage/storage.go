package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New(`storage: not found`)

const schema = `
CREATE TABLE IF NOT EXISTS terminals (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	sn             TEXT NOT NULL UNIQUE,
	cpusn          TEXT NOT NULL DEFAULT '',
	model          TEXT NOT NULL DEFAULT '',
	firmware       TEXT NOT NULL DEFAULT '',
	mac            TEXT NOT NULL DEFAULT '',
	user_capacity  INTEGER NOT NULL DEFAULT 0,
	fp_capacity    INTEGER NOT NULL DEFAULT 0,
	card_capacity  INTEGER NOT NULL DEFAULT 0,
	log_capacity   INTEGER NOT NULL DEFAULT 0,
	used_users     INTEGER NOT NULL DEFAULT 0,
	used_fp        INTEGER NOT NULL DEFAULT 0,
	used_cards     INTEGER NOT NULL DEFAULT 0,
	used_logs      INTEGER NOT NULL DEFAULT 0,
	last_seen      DATETIME,
	is_active      INTEGER NOT NULL DEFAULT 1,
	is_whitelisted INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS thirdparty_configs (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	name                  TEXT NOT NULL UNIQUE,
	base_url              TEXT NOT NULL,
	users_endpoint        TEXT NOT NULL DEFAULT '',
	attendance_endpoint   TEXT NOT NULL DEFAULT '',
	auth_type             TEXT NOT NULL DEFAULT 'none',
	auth_token            TEXT NOT NULL DEFAULT '',
	auth_header_name      TEXT NOT NULL DEFAULT '',
	extra_headers         TEXT NOT NULL DEFAULT '{}',
	timeout_seconds       INTEGER NOT NULL DEFAULT 30,
	retry_attempts        INTEGER NOT NULL DEFAULT 3,
	sync_interval_minutes INTEGER NOT NULL DEFAULT 15,
	is_active             INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS biometric_users (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	terminal_id      INTEGER NOT NULL REFERENCES terminals(id) ON DELETE CASCADE,
	enrollid         INTEGER NOT NULL CHECK (enrollid > 0),
	name             TEXT NOT NULL DEFAULT '',
	admin_level      INTEGER NOT NULL DEFAULT 0,
	is_enabled       INTEGER NOT NULL DEFAULT 1,
	weekzone1        INTEGER NOT NULL DEFAULT 0,
	weekzone2        INTEGER NOT NULL DEFAULT 0,
	weekzone3        INTEGER NOT NULL DEFAULT 0,
	weekzone4        INTEGER NOT NULL DEFAULT 0,
	user_group       INTEGER NOT NULL DEFAULT 0,
	starttime        DATETIME,
	endtime          DATETIME,
	external_id      TEXT NOT NULL DEFAULT '',
	source_config_id INTEGER REFERENCES thirdparty_configs(id) ON DELETE SET NULL,
	sync_status      TEXT NOT NULL DEFAULT 'local',
	last_synced_at   DATETIME,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	UNIQUE (terminal_id, enrollid)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_external
	ON biometric_users (terminal_id, external_id) WHERE external_id != '';
CREATE INDEX IF NOT EXISTS idx_users_sync_status
	ON biometric_users (terminal_id, sync_status);

CREATE TABLE IF NOT EXISTS biometric_credentials (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     INTEGER NOT NULL REFERENCES biometric_users(id) ON DELETE CASCADE,
	backup_type INTEGER NOT NULL,
	payload     TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL,
	UNIQUE (user_id, backup_type)
);

CREATE TABLE IF NOT EXISTS attendance_logs (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	terminal_id     INTEGER NOT NULL REFERENCES terminals(id) ON DELETE CASCADE,
	user_id         INTEGER REFERENCES biometric_users(id) ON DELETE SET NULL,
	enrollid        INTEGER NOT NULL,
	time            DATETIME NOT NULL,
	mode            INTEGER NOT NULL DEFAULT 0,
	inout           INTEGER NOT NULL DEFAULT 0,
	event           INTEGER NOT NULL DEFAULT 0,
	temperature     REAL,
	image           TEXT NOT NULL DEFAULT '',
	raw_payload     TEXT NOT NULL DEFAULT '',
	access_granted  INTEGER NOT NULL DEFAULT 1,
	within_schedule INTEGER NOT NULL DEFAULT 1,
	sync_status     TEXT NOT NULL DEFAULT 'pending',
	sync_attempts   INTEGER NOT NULL DEFAULT 0,
	synced_at       DATETIME,
	sync_error      TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_sync ON attendance_logs (sync_status, sync_attempts, time);
CREATE INDEX IF NOT EXISTS idx_logs_punch ON attendance_logs (terminal_id, enrollid, time);

CREATE TABLE IF NOT EXISTS command_queue (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	terminal_id  INTEGER NOT NULL REFERENCES terminals(id) ON DELETE CASCADE,
	command      TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '{}',
	status       TEXT NOT NULL DEFAULT 'pending',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL,
	sent_at      DATETIME,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_commands_pending ON command_queue (terminal_id, status, created_at);

CREATE TABLE IF NOT EXISTS terminal_thirdparty_mappings (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	terminal_id          INTEGER NOT NULL REFERENCES terminals(id) ON DELETE CASCADE,
	config_id            INTEGER NOT NULL REFERENCES thirdparty_configs(id) ON DELETE CASCADE,
	is_active            INTEGER NOT NULL DEFAULT 1,
	sync_users           INTEGER NOT NULL DEFAULT 1,
	sync_attendance      INTEGER NOT NULL DEFAULT 1,
	last_user_sync       DATETIME,
	last_attendance_sync DATETIME,
	UNIQUE (terminal_id, config_id)
);

CREATE TABLE IF NOT EXISTS terminal_schedules (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	terminal_id       INTEGER NOT NULL REFERENCES terminals(id) ON DELETE CASCADE,
	weekday           INTEGER NOT NULL CHECK (weekday BETWEEN 0 AND 6),
	check_in          TEXT NOT NULL,
	check_out         TEXT NOT NULL,
	break_start       TEXT NOT NULL DEFAULT '',
	break_end         TEXT NOT NULL DEFAULT '',
	tolerance_minutes INTEGER NOT NULL DEFAULT 15,
	effective_from    DATETIME,
	effective_until   DATETIME,
	is_active         INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_schedules ON terminal_schedules (terminal_id, weekday);
`

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path and applies the
// schema. Pass `:memory:` for an in-memory database.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf(`file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_loc=UTC`, path)
	db, err := sql.Open(`sqlite3`, dsn)
	if err != nil {
		return nil, fmt.Errorf(`storage: open: %w`, err)
	}
	// sqlite allows one writer; a single pooled connection avoids
	// SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf(`storage: ping: %w`, err)
	}
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf(`storage: migrate: %w`, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping answers the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

// placeholders renders `?,?,...` for an IN clause of n values.
func placeholders(n int) string {
	return strings.TrimRight(strings.Repeat(`?,`, n), `,`)
}

func idArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

const backoffCase = `(CASE sync_attempts WHEN 1 THEN 1 WHEN 2 THEN 5 WHEN 3 THEN 15 WHEN 4 THEN 60 ELSE 240 END)`
