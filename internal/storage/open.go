package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "bulksms/pkg/logx"
)

// Open initializes the configured store and brings its schema up to date.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	var (
		st  *Store
		err error
	)
	switch driver {
	case "", "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		st, err = openPostgres(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.ensureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("storage schema: %w", err)
	}
	log.Info("storage opened", logx.String("driver", st.dialect.name))
	return st, nil
}
