package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tickd/internal/cronexpr"
	"tickd/internal/schedule"
	"tickd/internal/storage"
)

// ErrUnknownSchedule is returned by control operations naming a schedule that
// is not registered.
var ErrUnknownSchedule = errors.New("unknown schedule")

// ScheduleInfo is one schedule's state as the control surface reports it.
type ScheduleInfo struct {
	Name       string
	JobRef     string
	Expression string
	Timezone   string
	Status     schedule.Status

	LastTick    *storage.TickRecord
	NextTick    time.Time
	HasNextTick bool
}

// Schedules reports every registered schedule with its effective status, last
// tick record, and next upcoming tick.
func (s *Service) Schedules(ctx context.Context) []ScheduleInfo {
	defs := s.reg.Snapshot()
	out := make([]ScheduleInfo, 0, len(defs))
	for _, def := range defs {
		info := ScheduleInfo{
			Name:       def.Name,
			JobRef:     def.JobRef,
			Expression: def.Rule.Expression,
			Timezone:   def.Rule.Timezone,
			Status:     s.effectiveStatus(ctx, def),
		}
		from := s.now()
		if last, ok, err := s.store.LastTick(ctx, def.Name); err == nil && ok {
			rec := last
			info.LastTick = &rec
			if rec.ScheduledAt.After(from) {
				from = rec.ScheduledAt
			}
		}
		if next, ok := cronexpr.Next(def.Rule, from); ok {
			info.NextTick = next
			info.HasNextTick = true
		}
		out = append(out, info)
	}
	return out
}

// History returns the schedule's tick records, newest first.
func (s *Service) History(ctx context.Context, name string, limit int) ([]storage.TickRecord, error) {
	if _, ok := s.reg.Get(name); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchedule, name)
	}
	return s.store.TickHistory(ctx, name, limit)
}

// StartSchedule persists a running override for the schedule. Idempotent: a
// schedule already running stays running.
func (s *Service) StartSchedule(ctx context.Context, name string) error {
	return s.setOverride(ctx, name, schedule.StatusRunning)
}

// StopSchedule persists a stopped override. The schedule stops getting new
// ticks from the next iteration on; a tick already in flight finishes.
func (s *Service) StopSchedule(ctx context.Context, name string) error {
	return s.setOverride(ctx, name, schedule.StatusStopped)
}

func (s *Service) setOverride(ctx context.Context, name string, status schedule.Status) error {
	if _, ok := s.reg.Get(name); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSchedule, name)
	}
	return s.store.SetOverride(ctx, name, string(status))
}

// DryRun evaluates the schedule at the given instant without touching the
// store, the ledger, or the launcher. The instant need not be a real tick of
// the schedule's rule.
func (s *Service) DryRun(ctx context.Context, name string, at time.Time) (schedule.Evaluation, error) {
	def, ok := s.reg.Get(name)
	if !ok {
		return schedule.Evaluation{}, fmt.Errorf("%w: %q", ErrUnknownSchedule, name)
	}
	ectx := ctx
	if s.cfg.EvalTimeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, s.cfg.EvalTimeout)
		defer cancel()
	}
	return schedule.Evaluate(ectx, def, at, s.res), nil
}
