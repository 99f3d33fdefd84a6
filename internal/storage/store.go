package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bulksms/internal/campaign"
	logx "bulksms/pkg/logx"
)

// schemaVersion is bumped whenever the table layout changes. A mismatch drops
// and recreates both tables: the queue is transient and carries no migration guarantee.
const schemaVersion = 1

type dialect struct {
	name   string
	ddl    []string
	rebind func(string) string
}

func (d dialect) q(query string) string {
	if d.rebind == nil {
		return query
	}
	return d.rebind(query)
}

// Store implements campaign.Store on database/sql.
type Store struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
}

var _ campaign.Store = (*Store)(nil)

func (s *Store) Driver() string { return s.dialect.name }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *Store) exec(ctx context.Context, x execer, query string, args ...any) (sql.Result, error) {
	return x.ExecContext(ctx, s.dialect.q(query), args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.exec(ctx, s.db, `CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL)`); err != nil {
		return err
	}
	var current int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_meta LIMIT 1`).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if current == schemaVersion {
		return nil
	}

	s.log.Warn("storage schema version mismatch; recreating tables",
		logx.Int("have", current),
		logx.Int("want", schemaVersion),
	)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{`DROP TABLE IF EXISTS queue`, `DROP TABLE IF EXISTS campaign`}
		stmts = append(stmts, s.dialect.ddl...)
		stmts = append(stmts, `DELETE FROM schema_meta`)
		for _, q := range stmts {
			if _, err := s.exec(ctx, tx, q); err != nil {
				return fmt.Errorf("%s: %w", firstLine(q), err)
			}
		}
		_, err := s.exec(ctx, tx, `INSERT INTO schema_meta(version) VALUES(?)`, schemaVersion)
		return err
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceCampaign wipes the queue and the campaign row, then seeds a fresh
// campaign in state sending with one pending entry per number.
func (s *Store) ReplaceCampaign(ctx context.Context, numbers []string, message string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM queue`); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM campaign`); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx,
			`INSERT INTO campaign(id, message, state, total, sent, failed, current_index, current_number, updated_at)
			 VALUES(?, ?, ?, ?, 0, 0, 0, '', ?)`,
			campaign.CampaignID, message, string(campaign.StateSending), len(numbers), now.UnixMilli(),
		); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, s.dialect.q(
			`INSERT INTO queue(campaign_id, number, status, position, error) VALUES(?, ?, ?, ?, '')`))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, n := range numbers {
			if _, err := stmt.ExecContext(ctx, campaign.CampaignID, n, string(campaign.EntryPending), i); err != nil {
				return fmt.Errorf("insert entry %d: %w", i, err)
			}
		}
		return nil
	})
}

func (s *Store) UpdateCursor(ctx context.Context, position int, number string, now time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.exec(ctx, s.db,
		`UPDATE campaign SET state = ?, current_index = ?, current_number = ?, updated_at = ? WHERE id = ?`,
		string(campaign.StateSending), position, number, now.UnixMilli(), campaign.CampaignID,
	)
	return err
}

// CompleteEntry records a terminal outcome: entry status and error, the
// matching counter and the cursor, all in one transaction.
func (s *Store) CompleteEntry(ctx context.Context, out campaign.Outcome, now time.Time) error {
	var counter string
	switch out.Status {
	case campaign.EntrySent:
		counter = `sent = sent + 1`
		out.Error = ""
	case campaign.EntryFailed:
		counter = `failed = failed + 1`
	default:
		return fmt.Errorf("storage: outcome status %q is not terminal", out.Status)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx,
			`UPDATE queue SET status = ?, error = ? WHERE id = ? AND campaign_id = ? AND status = ?`,
			string(out.Status), out.Error, out.EntryID, campaign.CampaignID, string(campaign.EntryPending),
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return campaign.ErrEntryNotPending
		}

		res, err = s.exec(ctx, tx,
			`UPDATE campaign SET `+counter+`, state = ?, current_index = ?, current_number = ?, updated_at = ? WHERE id = ?`,
			string(campaign.StateSending), out.Position, out.Number, now.UnixMilli(), campaign.CampaignID,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return campaign.ErrNoCampaign
		}
		return nil
	})
}

func (s *Store) NextPending(ctx context.Context) (*campaign.Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	var e campaign.Entry
	var status string
	err := s.db.QueryRowContext(ctx, s.dialect.q(
		`SELECT id, campaign_id, number, status, position, error FROM queue
		 WHERE campaign_id = ? AND status = ? ORDER BY position ASC LIMIT 1`),
		campaign.CampaignID, string(campaign.EntryPending),
	).Scan(&e.ID, &e.CampaignID, &e.Number, &status, &e.Position, &e.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Status = campaign.EntryStatus(status)
	return &e, nil
}

func (s *Store) SetState(ctx context.Context, state campaign.State, now time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.exec(ctx, s.db,
		`UPDATE campaign SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), now.UnixMilli(), campaign.CampaignID,
	)
	return err
}

// SetStateIf moves the campaign from one state to another and reports
// whether the row was in the expected state.
func (s *Store) SetStateIf(ctx context.Context, from, to campaign.State, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	res, err := s.exec(ctx, s.db,
		`UPDATE campaign SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(to), now.UnixMilli(), campaign.CampaignID, string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Campaign(ctx context.Context) (campaign.Campaign, bool, error) {
	if s == nil || s.db == nil {
		return campaign.Campaign{}, false, ErrClosed
	}
	var (
		c       campaign.Campaign
		state   string
		updated int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.q(
		`SELECT message, state, total, sent, failed, current_index, current_number, updated_at
		 FROM campaign WHERE id = ?`), campaign.CampaignID,
	).Scan(&c.Message, &state, &c.Total, &c.Sent, &c.Failed, &c.CurrentIndex, &c.CurrentNumber, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, false, nil
	}
	if err != nil {
		return campaign.Campaign{}, false, err
	}
	c.State = campaign.State(state)
	c.UpdatedAt = time.UnixMilli(updated)
	return c, true, nil
}

func (s *Store) Entries(ctx context.Context) ([]campaign.Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.q(
		`SELECT id, campaign_id, number, status, position, error FROM queue
		 WHERE campaign_id = ? ORDER BY position ASC`), campaign.CampaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]campaign.Entry, 0, 64)
	for rows.Next() {
		var e campaign.Entry
		var status string
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.Number, &status, &e.Position, &e.Error); err != nil {
			return nil, err
		}
		e.Status = campaign.EntryStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

func firstLine(q string) string {
	for i, r := range q {
		if r == '\n' {
			return q[:i]
		}
	}
	return q
}
