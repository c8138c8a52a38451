// Package dedup enforces at-most-once submission per (schedule, run key).
package dedup

import (
	"context"
	"time"

	"tickd/internal/schedule"
	"tickd/pkg/logx"
)

// Decision is the outcome of an admission check.
type Decision int

const (
	Admitted Decision = iota
	Duplicate
)

func (d Decision) String() string {
	if d == Duplicate {
		return "duplicate"
	}
	return "admitted"
}

// Ledger is the slice of the store the deduplicator needs.
type Ledger interface {
	LedgerCheckAndRecord(ctx context.Context, scheduleName, runKey string, at time.Time) (bool, error)
}

// Deduper gates run requests on the submission ledger.
type Deduper struct {
	ledger Ledger
	log    logx.Logger
	now    func() time.Time
}

func New(ledger Ledger, log logx.Logger) *Deduper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deduper{ledger: ledger, log: log, now: time.Now}
}

// Admit decides whether req may be submitted for scheduleName.
//
// A request without a run key is always admitted; the caller owns idempotency
// for those. With a run key, the ledger's atomic check-and-record decides:
// the first caller for a (schedule, run key) pair wins, every later one gets
// Duplicate. Duplicates are expected during catch-up re-evaluation and are
// logged, not errored.
func (d *Deduper) Admit(ctx context.Context, scheduleName string, req schedule.RunRequest) (Decision, error) {
	if req.RunKey == "" {
		return Admitted, nil
	}
	claimed, err := d.ledger.LedgerCheckAndRecord(ctx, scheduleName, req.RunKey, d.now())
	if err != nil {
		return Duplicate, err
	}
	if !claimed {
		d.log.Info("duplicate run request dropped",
			logx.String("schedule", scheduleName),
			logx.String("run_key", req.RunKey))
		return Duplicate, nil
	}
	return Admitted, nil
}
