package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "bulksms/pkg/logx"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	ddl: []string{
		`CREATE TABLE campaign (
			id             INTEGER PRIMARY KEY,
			message        TEXT    NOT NULL,
			state          TEXT    NOT NULL,
			total          INTEGER NOT NULL,
			sent           INTEGER NOT NULL DEFAULT 0,
			failed         INTEGER NOT NULL DEFAULT 0,
			current_index  INTEGER NOT NULL DEFAULT 0,
			current_number TEXT    NOT NULL DEFAULT '',
			updated_at     INTEGER NOT NULL
		)`,
		// AUTOINCREMENT keeps ids monotonic across campaign replacement.
		`CREATE TABLE queue (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			campaign_id INTEGER NOT NULL,
			number      TEXT    NOT NULL,
			status      TEXT    NOT NULL,
			position    INTEGER NOT NULL,
			error       TEXT    NOT NULL DEFAULT '',
			UNIQUE(campaign_id, position)
		)`,
		`CREATE INDEX idx_queue_status_position ON queue(status, position)`,
	},
}

func openSQLite(cfg Config, log logx.Logger) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: the repository already serializes access and SQLite
	// only supports a single writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		// FULL: an acknowledged outcome must survive power loss.
		"PRAGMA synchronous = FULL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", p, err)
		}
	}

	log.Debug("sqlite ready", logx.String("path", path), logx.Duration("busy_timeout", busy))
	return &Store{db: db, dialect: sqliteDialect, log: log}, nil
}
