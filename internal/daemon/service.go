package daemon

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tickd/internal/dedup"
	"tickd/internal/launch"
	"tickd/internal/schedule"
	"tickd/internal/storage"
	"tickd/pkg/logx"
)

// Config controls the tick dispatch loop.
type Config struct {
	// Interval between dispatch iterations.
	Interval time.Duration
	// MaxCatchupTicks caps overdue ticks processed per schedule per
	// iteration; the remainder carries over, it is never dropped.
	MaxCatchupTicks int
	// EvalTimeout bounds one tick's evaluation; 0 disables.
	EvalTimeout time.Duration
	// SubmitRatePerSec paces submissions during catch-up bursts; 0 disables.
	SubmitRatePerSec int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxCatchupTicks <= 0 {
		c.MaxCatchupTicks = 5
	}
	return c
}

// Deps are the collaborators the loop drives.
type Deps struct {
	Log      logx.Logger
	Registry *schedule.Registry
	Store    storage.Store
	Launcher launch.Launcher

	// Resources are the named capabilities handed to evaluation functions.
	Resources map[string]any

	// Beat is called once per iteration regardless of per-schedule
	// outcomes (sd_notify watchdog, external liveness). Optional.
	Beat func()
}

// Service is the tick dispatch loop: a single active instance per scheduler
// process. Schedules are processed concurrently with each other; ticks within
// one schedule are strictly sequential, and a schedule still busy from the
// previous iteration is left alone until it finishes.
type Service struct {
	cfg      Config
	log      logx.Logger
	reg      *schedule.Registry
	store    storage.Store
	deduper  *dedup.Deduper
	launcher launch.Launcher
	res      map[string]any
	beat     func()

	limiter *rate.Limiter
	now     func() time.Time

	mu   sync.Mutex
	busy map[string]bool

	beatMu   sync.Mutex
	lastBeat time.Time

	wg sync.WaitGroup
}

func New(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg,
		log:      log,
		reg:      deps.Registry,
		store:    deps.Store,
		deduper:  dedup.New(deps.Store, log),
		launcher: deps.Launcher,
		res:      deps.Resources,
		beat:     deps.Beat,
		now:      time.Now,
		busy:     map[string]bool{},
	}
	if cfg.SubmitRatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSec), cfg.SubmitRatePerSec)
	}
	return s
}

// Run drives iterations until ctx is done, then waits for in-flight schedule
// processing to finish. Stopping never interrupts a tick that already
// started; it only stops new ones from being claimed.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("dispatch loop started",
		logx.Duration("interval", s.cfg.Interval),
		logx.Int("max_catchup_ticks", s.cfg.MaxCatchupTicks),
		logx.Int("schedules", s.reg.Len()))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Iterate(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info("dispatch loop stopped")
			return nil
		case <-ticker.C:
			s.Iterate(ctx)
		}
	}
}

// Iterate runs one dispatch pass: claim due ticks for every running schedule
// and emit the liveness beat. Exported so tests and the control surface can
// drive the loop without wall-clock waits.
func (s *Service) Iterate(ctx context.Context) {
	defs := s.reg.Snapshot()
	for _, def := range defs {
		def := def

		status := s.effectiveStatus(ctx, def)
		if status != schedule.StatusRunning {
			continue
		}
		if !s.claim(def.Name) {
			// Previous iteration still busy on this schedule; its ticks
			// stay strictly sequential.
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(def.Name)
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in schedule dispatch",
						logx.String("schedule", def.Name),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())))
				}
			}()
			s.processSchedule(ctx, def)
		}()
	}

	// Liveness beat goes out whether or not any schedule made progress.
	s.beatMu.Lock()
	s.lastBeat = s.now()
	s.beatMu.Unlock()
	if s.beat != nil {
		s.beat()
	}
}

// Wait blocks until all in-flight schedule processing goroutines finish.
func (s *Service) Wait() { s.wg.Wait() }

// LastBeat reports when the loop last completed an iteration.
func (s *Service) LastBeat() time.Time {
	s.beatMu.Lock()
	defer s.beatMu.Unlock()
	return s.lastBeat
}

func (s *Service) claim(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[name] {
		return false
	}
	s.busy[name] = true
	return true
}

func (s *Service) release(name string) {
	s.mu.Lock()
	delete(s.busy, name)
	s.mu.Unlock()
}

func (s *Service) effectiveStatus(ctx context.Context, def schedule.Definition) schedule.Status {
	raw, ok, err := s.store.Override(ctx, def.Name)
	if err != nil {
		s.log.Warn("status override lookup failed; using coded default",
			logx.String("schedule", def.Name), logx.Err(err))
		return schedule.EffectiveStatus(def, "", false)
	}
	if !ok {
		return schedule.EffectiveStatus(def, "", false)
	}
	override, err := schedule.ParseStatus(raw)
	if err != nil {
		s.log.Warn("unparsable status override ignored",
			logx.String("schedule", def.Name), logx.String("override", raw))
		return schedule.EffectiveStatus(def, "", false)
	}
	return schedule.EffectiveStatus(def, override, true)
}
