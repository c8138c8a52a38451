package storage

import (
	"errors"
	"time"
)

// ErrNoStore is returned by operations on a nil store.
var ErrNoStore = errors.New("storage not configured")

// Config configures persistence.
//
// Driver values:
//   - "memory": in-process store, lost on restart (dev/test)
//   - "sqlite": SQLite database file
//
// Empty Driver defaults to "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TickStatus classifies the outcome of one evaluated tick.
type TickStatus string

const (
	TickSuccess TickStatus = "success"
	TickSkipped TickStatus = "skipped"
	TickFailure TickStatus = "failure"
)

// TickRecord is the durable outcome of evaluating one (schedule, scheduled
// instant) pair. Written exactly once and immutable afterwards; its existence
// is the sole authority for "this tick was processed".
type TickRecord struct {
	Schedule    string
	ScheduledAt time.Time
	Status      TickStatus
	RunKeys     []string // run keys admitted and submitted for this tick
	Log         string
	Error       string
	EvaluatedAt time.Time
}
