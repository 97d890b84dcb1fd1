package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "courtbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, o Outcome) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if o.At.IsZero() {
		o.At = time.Now()
	}
	var finished any
	if o.FinishedAt != nil {
		finished = o.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(at, session_id, username, status, detail, date, resource, start, end_time, sweeps, attempts, logins, started_at, finished_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.At.UTC().Format(time.RFC3339Nano), o.SessionID, nullStr(o.Username), o.Status, nullStr(o.Detail),
		nullStr(o.Date), nullStr(o.Resource), nullStr(o.Start), nullStr(o.End),
		o.Sweeps, o.Attempts, o.Logins, o.StartedAt.UTC().Format(time.RFC3339Nano), finished,
	)
	return err
}

func (s *sqliteStore) RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, session_id, username, status, detail, date, resource, start, end_time, sweeps, attempts, logins, started_at, finished_at
		 FROM outcomes ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var at, started string
		var user, detail, date, resource, start, end, finished sql.NullString
		if err := rows.Scan(&at, &o.SessionID, &user, &o.Status, &detail, &date, &resource, &start, &end,
			&o.Sweeps, &o.Attempts, &o.Logins, &started, &finished); err != nil {
			return nil, err
		}
		o.At = parseTime(at)
		o.StartedAt = parseTime(started)
		o.Username, o.Detail, o.Date = user.String, detail.String, date.String
		o.Resource, o.Start, o.End = resource.String, start.String, end.String
		if finished.Valid {
			t := parseTime(finished.String)
			o.FinishedAt = &t
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
