// Package control is the loopback admin surface: read-only visibility into
// schedule state plus the operator verbs (start, stop, dry-run evaluate).
// It is not the dispatch path; everything here delegates to the daemon.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"tickd/internal/daemon"
	"tickd/internal/schedule"
	"tickd/internal/storage"
	"tickd/pkg/logx"
)

// Config controls the admin HTTP listener.
type Config struct {
	Enabled bool
	Address string
	// StaleAfter is how old the last dispatch iteration may be before
	// /healthz reports the loop dead.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Address == "" {
		c.Address = "127.0.0.1:8313"
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 90 * time.Second
	}
	return c
}

// Daemon is the slice of the dispatch service the control surface drives.
type Daemon interface {
	Schedules(ctx context.Context) []daemon.ScheduleInfo
	StartSchedule(ctx context.Context, name string) error
	StopSchedule(ctx context.Context, name string) error
	DryRun(ctx context.Context, name string, at time.Time) (schedule.Evaluation, error)
	History(ctx context.Context, name string, limit int) ([]storage.TickRecord, error)
	LastBeat() time.Time
}

// Server manages the admin listener's lifecycle.
type Server struct {
	cfg Config
	log logx.Logger
	d   Daemon
	now func() time.Time

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, d Daemon, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg.withDefaults(), log: log, d: d, now: time.Now}
}

// Start binds the listener and serves in the background. A bind failure is an
// error; the daemon should not come up half-controllable.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler()}
	s.srv = srv
	s.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("control server error", logx.String("addr", ln.Addr().String()), logx.Err(err))
		}
	}()
	s.log.Info("control surface listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return
	}
	srv := s.srv
	s.srv = nil
	s.ln = nil

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("control shutdown error", logx.Err(err))
	}
}

// Addr reports the bound listen address, empty when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/schedules", s.handleSchedules)
	mux.HandleFunc("POST /v1/schedules/{name}/start", s.handleStart)
	mux.HandleFunc("POST /v1/schedules/{name}/stop", s.handleStop)
	mux.HandleFunc("POST /v1/schedules/{name}/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /v1/schedules/{name}/ticks", s.handleTicks)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

type tickJSON struct {
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      string    `json:"status"`
	RunKeys     []string  `json:"run_keys,omitempty"`
	Error       string    `json:"error,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

type scheduleJSON struct {
	Name     string     `json:"name"`
	Job      string     `json:"job"`
	Cron     string     `json:"cron"`
	Timezone string     `json:"timezone"`
	Status   string     `json:"status"`
	LastTick *tickJSON  `json:"last_tick,omitempty"`
	NextTick *time.Time `json:"next_tick,omitempty"`
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	infos := s.d.Schedules(r.Context())
	out := make([]scheduleJSON, 0, len(infos))
	for _, info := range infos {
		sj := scheduleJSON{
			Name:     info.Name,
			Job:      info.JobRef,
			Cron:     info.Expression,
			Timezone: info.Timezone,
			Status:   string(info.Status),
		}
		if info.LastTick != nil {
			sj.LastTick = &tickJSON{
				ScheduledAt: info.LastTick.ScheduledAt,
				Status:      string(info.LastTick.Status),
				RunKeys:     info.LastTick.RunKeys,
				Error:       info.LastTick.Error,
				EvaluatedAt: info.LastTick.EvaluatedAt,
			}
		}
		if info.HasNextTick {
			next := info.NextTick
			sj.NextTick = &next
		}
		out = append(out, sj)
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": out})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.d.StartSchedule, schedule.StatusRunning)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.d.StopSchedule, schedule.StatusStopped)
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error, to schedule.Status) {
	name := r.PathValue("name")
	if err := fn(r.Context(), name); err != nil {
		if errors.Is(err, daemon.ErrUnknownSchedule) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "status": string(to)})
}

type evalJSON struct {
	Schedule    string           `json:"schedule"`
	At          time.Time        `json:"at"`
	Outcome     string           `json:"outcome"`
	RunRequests []runRequestJSON `json:"run_requests,omitempty"`
	SkipReason  string           `json:"skip_reason,omitempty"`
	Error       string           `json:"error,omitempty"`
	Log         []string         `json:"log,omitempty"`
}

type runRequestJSON struct {
	RunKey       string            `json:"run_key,omitempty"`
	PartitionKey string            `json:"partition_key,omitempty"`
	Config       map[string]any    `json:"config,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// handleEvaluate runs a schedule's evaluation for an arbitrary instant and
// reports what it would do. Nothing is persisted and nothing is submitted.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	at := s.now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("at must be RFC 3339"))
			return
		}
		at = parsed
	}

	ev, err := s.d.DryRun(r.Context(), name, at)
	if err != nil {
		if errors.Is(err, daemon.ErrUnknownSchedule) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := evalJSON{Schedule: name, At: at, Log: ev.Log}
	switch {
	case ev.Result.IsFailure():
		out.Outcome = "failure"
		out.Error = ev.Result.Err().Error()
	case ev.Result.IsSkip():
		out.Outcome = "skip"
		out.SkipReason = ev.Result.SkipReason()
	default:
		out.Outcome = "run_requests"
		for _, req := range ev.Result.RunRequests() {
			out.RunRequests = append(out.RunRequests, runRequestJSON{
				RunKey:       req.RunKey,
				PartitionKey: req.PartitionKey,
				Config:       req.Config,
				Tags:         req.Tags,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTicks(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	recs, err := s.d.History(r.Context(), name, limit)
	if err != nil {
		if errors.Is(err, daemon.ErrUnknownSchedule) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]tickJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, tickJSON{
			ScheduledAt: rec.ScheduledAt,
			Status:      string(rec.Status),
			RunKeys:     rec.RunKeys,
			Error:       rec.Error,
			EvaluatedAt: rec.EvaluatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": name, "ticks": out})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	last := s.d.LastBeat()
	age := s.now().Sub(last)
	body := map[string]any{"last_iteration": last}
	if last.IsZero() || age > s.cfg.StaleAfter {
		body["status"] = "stale"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ok"
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
