// Package launch is the client side of the external execution runtime: it
// submits admitted run requests and reports the runtime's run identifier.
package launch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"tickd/pkg/logx"
)

// Spec is one submission to the execution runtime.
type Spec struct {
	JobRef       string            `json:"job_ref"`
	ScheduleName string            `json:"schedule"`
	RunKey       string            `json:"run_key,omitempty"`
	PartitionKey string            `json:"partition_key,omitempty"`
	Config       map[string]any    `json:"config,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// Launcher hands a run request to the execution runtime. The runtime is a
// black box: it either returns an opaque run identifier or fails.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (runID string, err error)
}

// Config selects and configures the launcher backend.
type Config struct {
	// Endpoint is the execution runtime's submit URL. Empty means the
	// log-only launcher (development).
	Endpoint string
	Timeout  time.Duration
}

// New builds the configured launcher.
func New(cfg Config, log logx.Logger) Launcher {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return &Log{log: log}
	}
	return NewWebhook(cfg, log)
}

// ---- Log launcher ----

// Log records submissions in the daemon log without running anything.
type Log struct {
	log logx.Logger
	seq int64
	mu  sync.Mutex
}

func (l *Log) Launch(_ context.Context, spec Spec) (string, error) {
	l.mu.Lock()
	l.seq++
	id := fmt.Sprintf("log-%d", l.seq)
	l.mu.Unlock()

	l.log.Info("run submitted (log launcher)",
		logx.String("run_id", id),
		logx.String("schedule", spec.ScheduleName),
		logx.String("job", spec.JobRef),
		logx.String("run_key", spec.RunKey),
		logx.String("partition", spec.PartitionKey))
	return id, nil
}

// ---- Webhook launcher ----

// Webhook POSTs each spec as JSON to the runtime's submit endpoint and reads
// back {"run_id": "..."}.
type Webhook struct {
	endpoint string
	client   *http.Client
	log      logx.Logger
}

func NewWebhook(cfg Config, log logx.Logger) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Webhook{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

func (w *Webhook) Launch(ctx context.Context, spec Spec) (string, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("encode run request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit run: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read submit response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("submit run: runtime returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var out struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.RunID == "" {
		// Some runtimes answer with a bare id.
		id := strings.TrimSpace(string(raw))
		if id == "" {
			return "", fmt.Errorf("submit run: runtime returned no run id")
		}
		return id, nil
	}
	return out.RunID, nil
}

// ---- Recorder ----

// Recorder is a Launcher that remembers every submission. Test double, and
// the backing for dry-run inspection.
type Recorder struct {
	mu    sync.Mutex
	specs []Spec
	fail  error
}

func NewRecorder() *Recorder { return &Recorder{} }

// FailWith makes every subsequent Launch return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

func (r *Recorder) Launch(_ context.Context, spec Spec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return "", r.fail
	}
	r.specs = append(r.specs, spec)
	return fmt.Sprintf("run-%d", len(r.specs)), nil
}

// Specs returns a copy of everything launched so far, in order.
func (r *Recorder) Specs() []Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Spec(nil), r.specs...)
}
