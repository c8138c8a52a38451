package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. Same semantics as the SQLite backend, none
// of the durability; meant for tests and storage-less development runs.
type Memory struct {
	mu     sync.Mutex
	ticks  map[string][]TickRecord // per schedule, sorted by ScheduledAt asc
	ledger map[string]map[string]ledgerEntry
	sched  map[string]schedRow
}

type ledgerEntry struct {
	submittedAt time.Time
	runID       string
}

type schedRow struct {
	registeredAt time.Time
	override     string
}

func NewMemory() *Memory {
	return &Memory{
		ticks:  map[string][]TickRecord{},
		ledger: map[string]map[string]ledgerEntry{},
		sched:  map[string]schedRow{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) EnsureSchedule(_ context.Context, name string, registeredAt time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.sched[name]
	if !ok {
		row = schedRow{registeredAt: registeredAt.UTC()}
		m.sched[name] = row
	}
	return row.registeredAt, nil
}

func (m *Memory) WriteTickRecord(_ context.Context, rec TickRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.EvaluatedAt.IsZero() {
		rec.EvaluatedAt = time.Now()
	}
	rec.ScheduledAt = rec.ScheduledAt.UTC()
	rec.EvaluatedAt = rec.EvaluatedAt.UTC()

	list := m.ticks[rec.Schedule]
	for _, have := range list {
		if have.ScheduledAt.Equal(rec.ScheduledAt) {
			// First write wins; records are immutable.
			return nil
		}
	}
	list = append(list, rec)
	sort.Slice(list, func(i, j int) bool { return list[i].ScheduledAt.Before(list[j].ScheduledAt) })
	m.ticks[rec.Schedule] = list
	return nil
}

func (m *Memory) LastTick(_ context.Context, schedule string) (TickRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.ticks[schedule]
	if len(list) == 0 {
		return TickRecord{}, false, nil
	}
	return list[len(list)-1], true, nil
}

func (m *Memory) TickHistory(_ context.Context, schedule string, limit int) ([]TickRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	list := m.ticks[schedule]
	out := make([]TickRecord, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (m *Memory) LedgerCheckAndRecord(_ context.Context, schedule, runKey string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys, ok := m.ledger[schedule]
	if !ok {
		keys = map[string]ledgerEntry{}
		m.ledger[schedule] = keys
	}
	if _, dup := keys[runKey]; dup {
		return false, nil
	}
	keys[runKey] = ledgerEntry{submittedAt: at.UTC()}
	return true, nil
}

func (m *Memory) LedgerAttachRun(_ context.Context, schedule, runKey, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keys, ok := m.ledger[schedule]; ok {
		if e, ok := keys[runKey]; ok {
			e.runID = runID
			keys[runKey] = e
		}
	}
	return nil
}

func (m *Memory) Override(_ context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.sched[name]
	if !ok || row.override == "" {
		return "", false, nil
	}
	return row.override, true, nil
}

func (m *Memory) SetOverride(_ context.Context, name, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.sched[name]
	if !ok {
		row = schedRow{registeredAt: time.Now().UTC()}
	}
	row.override = status
	m.sched[name] = row
	return nil
}
