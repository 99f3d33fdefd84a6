package storage

import (
	"errors"
	"time"
)

var (
	ErrUnknownDriver = errors.New("storage: unknown driver")
	ErrClosed        = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): Path is the database file
//   - "postgres": DSN is a lib/pq connection string or URL
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}
