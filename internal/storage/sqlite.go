package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tickd/pkg/logx"
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
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
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

func (s *sqliteStore) EnsureSchedule(ctx context.Context, name string, registeredAt time.Time) (time.Time, error) {
	if s == nil || s.db == nil {
		return time.Time{}, ErrNoStore
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sched(name, registered_at) VALUES(?,?)
		 ON CONFLICT(name) DO NOTHING`,
		name, registeredAt.UnixMilli(),
	)
	if err != nil {
		return time.Time{}, err
	}
	var ms int64
	if err := s.db.QueryRowContext(ctx, `SELECT registered_at FROM sched WHERE name = ?`, name).Scan(&ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *sqliteStore) WriteTickRecord(ctx context.Context, rec TickRecord) error {
	if s == nil || s.db == nil {
		return ErrNoStore
	}
	keys, err := json.Marshal(rec.RunKeys)
	if err != nil {
		return err
	}
	if rec.EvaluatedAt.IsZero() {
		rec.EvaluatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tick(schedule, scheduled_at, status, run_keys, log, err, evaluated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(schedule, scheduled_at) DO NOTHING`,
		rec.Schedule, rec.ScheduledAt.UnixMilli(), string(rec.Status), string(keys),
		rec.Log, rec.Error, rec.EvaluatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// A record for this tick already exists; the first write won.
		s.log.Debug("tick record already present",
			logx.String("schedule", rec.Schedule),
			logx.Time("scheduled_at", rec.ScheduledAt))
	}
	return nil
}

const tickColumns = `schedule, scheduled_at, status, run_keys, log, err, evaluated_at`

func scanTick(row interface{ Scan(...any) error }) (TickRecord, error) {
	var (
		rec          TickRecord
		schedMS      int64
		evalMS       int64
		status, keys string
	)
	if err := row.Scan(&rec.Schedule, &schedMS, &status, &keys, &rec.Log, &rec.Error, &evalMS); err != nil {
		return TickRecord{}, err
	}
	rec.ScheduledAt = time.UnixMilli(schedMS).UTC()
	rec.EvaluatedAt = time.UnixMilli(evalMS).UTC()
	rec.Status = TickStatus(status)
	if err := json.Unmarshal([]byte(keys), &rec.RunKeys); err != nil {
		return TickRecord{}, err
	}
	return rec, nil
}

func (s *sqliteStore) LastTick(ctx context.Context, schedule string) (TickRecord, bool, error) {
	if s == nil || s.db == nil {
		return TickRecord{}, false, ErrNoStore
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tickColumns+` FROM tick WHERE schedule = ? ORDER BY scheduled_at DESC LIMIT 1`,
		schedule,
	)
	rec, err := scanTick(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TickRecord{}, false, nil
	}
	if err != nil {
		return TickRecord{}, false, err
	}
	return rec, true, nil
}

func (s *sqliteStore) TickHistory(ctx context.Context, schedule string, limit int) ([]TickRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrNoStore
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tickColumns+` FROM tick WHERE schedule = ? ORDER BY scheduled_at DESC LIMIT ?`,
		schedule, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TickRecord
	for rows.Next() {
		rec, err := scanTick(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LedgerCheckAndRecord(ctx context.Context, schedule, runKey string, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrNoStore
	}
	// A single INSERT with conflict suppression is the atomic
	// check-and-record: rows-affected tells us who won.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger(schedule, run_key, submitted_at) VALUES(?,?,?)
		 ON CONFLICT(schedule, run_key) DO NOTHING`,
		schedule, runKey, at.UnixMilli(),
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

func (s *sqliteStore) LedgerAttachRun(ctx context.Context, schedule, runKey, runID string) error {
	if s == nil || s.db == nil {
		return ErrNoStore
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE ledger SET run_id = ? WHERE schedule = ? AND run_key = ?`,
		runID, schedule, runKey,
	)
	return err
}

func (s *sqliteStore) Override(ctx context.Context, name string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrNoStore
	}
	var v sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT override FROM sched WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !v.Valid || v.String == "" {
		return "", false, nil
	}
	return v.String, true, nil
}

func (s *sqliteStore) SetOverride(ctx context.Context, name, status string) error {
	if s == nil || s.db == nil {
		return ErrNoStore
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sched(name, registered_at, override) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET override = excluded.override`,
		name, time.Now().UnixMilli(), status,
	)
	return err
}
