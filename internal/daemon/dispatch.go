package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tickd/internal/cronexpr"
	"tickd/internal/dedup"
	"tickd/internal/launch"
	"tickd/internal/schedule"
	"tickd/internal/storage"
	"tickd/pkg/logx"
)

// errTickFailed signals that a tick was evaluated, recorded as a failure, and
// the schedule should yield until the next iteration.
var errTickFailed = errors.New("tick evaluation failed")

// processSchedule drains the schedule's due ticks, oldest first. The cursor is
// whatever the store says: the latest tick record's scheduled instant, or the
// registration time for a schedule that never ticked. Ticks beyond the
// catch-up cap are left for the next iteration, never dropped.
func (s *Service) processSchedule(ctx context.Context, def schedule.Definition) {
	now := s.now()

	registeredAt, err := s.store.EnsureSchedule(ctx, def.Name, now)
	if err != nil {
		s.log.Warn("schedule registration failed",
			logx.String("schedule", def.Name), logx.Err(err))
		return
	}

	from := registeredAt
	if last, ok, err := s.store.LastTick(ctx, def.Name); err != nil {
		s.log.Warn("last tick lookup failed",
			logx.String("schedule", def.Name), logx.Err(err))
		return
	} else if ok {
		from = last.ScheduledAt
	}

	due := cronexpr.TicksInRange(def.Rule, from, now)
	if len(due) > s.cfg.MaxCatchupTicks {
		s.log.Info("catch-up capped",
			logx.String("schedule", def.Name),
			logx.Int("due", len(due)),
			logx.Int("processing", s.cfg.MaxCatchupTicks))
		due = due[:s.cfg.MaxCatchupTicks]
	}

	for _, tick := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.processTick(ctx, def, tick); err != nil {
			if errors.Is(err, errTickFailed) {
				// Recorded as a failure; the cursor advanced past it, so
				// later ticks resume next iteration.
				return
			}
			s.log.Error("tick processing aborted",
				logx.String("schedule", def.Name),
				logx.Time("scheduled_at", tick),
				logx.Err(err))
			return
		}
	}
}

// processTick evaluates one tick, submits admitted requests, and writes the
// tick record. The record write is the commit point: an error before it leaves
// no trace and the tick is re-evaluated next iteration (the ledger keeps
// resubmission out); an error from the write itself aborts the schedule so the
// next tick never runs ahead of an unrecorded one.
func (s *Service) processTick(ctx context.Context, def schedule.Definition, tick time.Time) error {
	ectx := ctx
	if s.cfg.EvalTimeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, s.cfg.EvalTimeout)
		defer cancel()
	}

	ev := schedule.Evaluate(ectx, def, tick, s.res)
	lines := ev.Log

	rec := storage.TickRecord{
		Schedule:    def.Name,
		ScheduledAt: tick,
		EvaluatedAt: s.now(),
	}

	switch {
	case ev.Result.IsFailure():
		rec.Status = storage.TickFailure
		rec.Error = ev.Result.Err().Error()

	case ev.Result.IsSkip():
		rec.Status = storage.TickSkipped
		lines = append(lines, "skipped: "+ev.Result.SkipReason())

	default:
		rec.Status = storage.TickSuccess
		for _, req := range ev.Result.RunRequests() {
			decision, err := s.deduper.Admit(ctx, def.Name, req)
			if err != nil {
				return fmt.Errorf("ledger check for run_key %q: %w", req.RunKey, err)
			}
			if decision == dedup.Duplicate {
				lines = append(lines, fmt.Sprintf("run_key %q already submitted; dropped", req.RunKey))
				continue
			}
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			runID, err := s.launcher.Launch(ctx, launch.Spec{
				JobRef:       def.JobRef,
				ScheduleName: def.Name,
				RunKey:       req.RunKey,
				PartitionKey: req.PartitionKey,
				Config:       req.Config,
				Tags:         req.Tags,
			})
			if err != nil {
				// The key is claimed in the ledger, so this run is lost until
				// an operator intervenes. Keep the tick a success and make the
				// loss visible.
				lines = append(lines, fmt.Sprintf("submission failed for run_key %q: %v", req.RunKey, err))
				s.log.Error("run submission failed",
					logx.String("schedule", def.Name),
					logx.String("run_key", req.RunKey),
					logx.Time("scheduled_at", tick),
					logx.Err(err))
				continue
			}
			rec.RunKeys = append(rec.RunKeys, req.RunKey)
			lines = append(lines, fmt.Sprintf("submitted run %s (run_key %q)", runID, req.RunKey))
			if req.RunKey != "" {
				if err := s.store.LedgerAttachRun(ctx, def.Name, req.RunKey, runID); err != nil {
					s.log.Warn("ledger run id attach failed",
						logx.String("schedule", def.Name),
						logx.String("run_key", req.RunKey),
						logx.Err(err))
				}
			}
		}
	}

	rec.Log = strings.Join(lines, "\n")
	if err := s.store.WriteTickRecord(ctx, rec); err != nil {
		return fmt.Errorf("write tick record: %w", err)
	}

	s.log.Info("tick processed",
		logx.String("schedule", def.Name),
		logx.Time("scheduled_at", tick),
		logx.String("status", string(rec.Status)),
		logx.Int("runs", len(rec.RunKeys)))

	if rec.Status == storage.TickFailure {
		return errTickFailed
	}
	return nil
}
