package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "bulksms/pkg/logx"

	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	name:   "postgres",
	rebind: dollarPlaceholders,
	ddl: []string{
		`CREATE TABLE campaign (
			id             BIGINT  PRIMARY KEY,
			message        TEXT    NOT NULL,
			state          TEXT    NOT NULL,
			total          INTEGER NOT NULL,
			sent           INTEGER NOT NULL DEFAULT 0,
			failed         INTEGER NOT NULL DEFAULT 0,
			current_index  INTEGER NOT NULL DEFAULT 0,
			current_number TEXT    NOT NULL DEFAULT '',
			updated_at     BIGINT  NOT NULL
		)`,
		`CREATE TABLE queue (
			id          BIGSERIAL PRIMARY KEY,
			campaign_id BIGINT    NOT NULL,
			number      TEXT      NOT NULL,
			status      TEXT      NOT NULL,
			position    INTEGER   NOT NULL,
			error       TEXT      NOT NULL DEFAULT '',
			UNIQUE(campaign_id, position)
		)`,
		`CREATE INDEX idx_queue_status_position ON queue(status, position)`,
	},
}

func openPostgres(cfg Config, log logx.Logger) (*Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	log.Debug("postgres ready")
	return &Store{db: db, dialect: postgresDialect, log: log}, nil
}

// dollarPlaceholders rewrites '?' placeholders into lib/pq's $1..$n form.
// Queries in this package never contain a literal '?'.
func dollarPlaceholders(q string) string {
	n := strings.Count(q, "?")
	if n == 0 {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + n*2)
	i := 0
	for _, r := range q {
		if r == '?' {
			i++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(i))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
