package config

// Config is the full daemon configuration, loaded from YAML or JSON.
// Unknown fields are rejected so typos fail loudly at load time.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Launch  LaunchConfig  `json:"launch,omitempty"`
	Control ControlConfig `json:"control,omitempty"`
	Daemon  DaemonConfig  `json:"daemon"`

	// Schedules is the definition source: one entry per recurring trigger.
	// The whole list is replaced as a unit on reload; tick history keys by
	// schedule name, so renaming a schedule starts a fresh history.
	Schedules []ScheduleConfig `json:"schedules"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"` // default true
	File    struct {
		Enabled bool   `json:"enabled,omitempty"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

func (c LoggingConfig) ConsoleEnabled() bool {
	return c.Console == nil || *c.Console
}

type StorageConfig struct {
	// Driver: "sqlite" or "memory" (default).
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`
	// BusyTimeout is a Go duration string; sqlite only.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LaunchConfig struct {
	// Endpoint is the execution runtime's submit URL. Empty selects the
	// log-only launcher.
	Endpoint string `json:"endpoint,omitempty"`
	// Timeout is a Go duration string for one submission (default "30s").
	Timeout string `json:"timeout,omitempty"`
}

type ControlConfig struct {
	Enabled *bool  `json:"enabled,omitempty"` // default true
	Address string `json:"address,omitempty"` // default 127.0.0.1:8313
}

func (c ControlConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// DaemonConfig controls the tick dispatch loop.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
type DaemonConfig struct {
	// Interval between dispatch iterations (default "30s").
	Interval string `json:"interval,omitempty"`

	// MaxCatchupTicks caps how many overdue ticks one schedule processes in
	// a single iteration; the rest carry over to the next iteration
	// (default 5, the backlog is never dropped).
	MaxCatchupTicks int `json:"max_catchup_ticks,omitempty"`

	// EvalTimeout bounds one tick's evaluation; "0s" disables (default).
	EvalTimeout string `json:"eval_timeout,omitempty"`

	// SubmitRatePerSec paces submissions to the execution runtime during
	// catch-up bursts; 0 disables pacing.
	SubmitRatePerSec int `json:"submit_rate_per_sec,omitempty"`

	// Watchdog controls sd_notify liveness signaling (default true).
	Watchdog *bool `json:"watchdog,omitempty"`
}

func (c DaemonConfig) WatchdogEnabled() bool {
	return c.Watchdog == nil || *c.Watchdog
}

// ScheduleConfig is one declarative schedule definition.
type ScheduleConfig struct {
	Name     string `json:"name"`
	Job      string `json:"job"`
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"` // IANA zone; default UTC

	// Evaluator names a registered evaluator builder (default "static").
	Evaluator string         `json:"evaluator,omitempty"`
	Params    map[string]any `json:"params,omitempty"`

	// Status is the coded default ("running"/"stopped", default running).
	// A persisted operator toggle always overrides it.
	Status string `json:"status,omitempty"`

	// Resources the evaluator requires; missing ones fail the tick.
	Resources []string `json:"resources,omitempty"`
}
