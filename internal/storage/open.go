package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"tickd/pkg/logx"
)

// Store is the persistence API used by the dispatch loop and the control
// surface. All writes are append-only or first-writer-wins; concurrent
// writers for different schedules never contend on the same key.
type Store interface {
	// EnsureSchedule records the first time a schedule name was seen and
	// returns the stored registration time (the original one on later calls).
	EnsureSchedule(ctx context.Context, name string, registeredAt time.Time) (time.Time, error)

	// WriteTickRecord persists a tick outcome. A record already present for
	// the same (schedule, scheduled instant) wins; the new write is a no-op.
	WriteTickRecord(ctx context.Context, rec TickRecord) error

	// LastTick returns the record with the latest scheduled instant for the
	// schedule, if any.
	LastTick(ctx context.Context, schedule string) (TickRecord, bool, error)

	// TickHistory returns up to limit records for the schedule, newest first.
	TickHistory(ctx context.Context, schedule string, limit int) ([]TickRecord, error)

	// LedgerCheckAndRecord atomically claims (schedule, runKey) in the
	// submission ledger. It returns true exactly once per key: the caller
	// that gets true owns the submission, everyone else gets false.
	LedgerCheckAndRecord(ctx context.Context, schedule, runKey string, at time.Time) (bool, error)

	// LedgerAttachRun stores the run identifier the execution runtime
	// returned for an admitted key. Audit only; never read back on the
	// dispatch path.
	LedgerAttachRun(ctx context.Context, schedule, runKey, runID string) error

	// Override returns the persisted status override for a schedule
	// ("running" or "stopped"), if one was ever set.
	Override(ctx context.Context, name string) (status string, ok bool, err error)

	// SetOverride persists a status override. Idempotent.
	SetOverride(ctx context.Context, name, status string) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
