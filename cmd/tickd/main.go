package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"tickd/internal/config"
	"tickd/internal/control"
	"tickd/internal/daemon"
	"tickd/internal/launch"
	"tickd/internal/schedule"
	"tickd/internal/storage"
	"tickd/pkg/logx"
	"tickd/pkg/sdnotify"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./tickd.yaml", "path to config yaml/json")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer logs.Close()
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	interval, err := config.ParseDurationOrDefault("daemon.interval", cfg.Daemon.Interval, 30*time.Second)
	if err != nil {
		return err
	}
	evalTimeout, err := config.ParseDurationField("daemon.eval_timeout", cfg.Daemon.EvalTimeout)
	if err != nil {
		return err
	}
	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	launchTimeout, err := config.ParseDurationField("launch.timeout", cfg.Launch.Timeout)
	if err != nil {
		return err
	}

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	launcher := launch.New(launch.Config{
		Endpoint: cfg.Launch.Endpoint,
		Timeout:  launchTimeout,
	}, log.With(logx.String("comp", "launch")))

	// Initial load is lenient per schedule: a bad entry is logged and left
	// out, the rest come up. Reloads are strict instead (see the validator);
	// a running daemon never degrades because of one bad edit.
	defs, rejected := schedule.FromConfig(cfg.Schedules)
	for name, rerr := range rejected {
		log.Warn("schedule rejected", logx.String("schedule", name), logx.Err(rerr))
	}
	reg, err := schedule.NewRegistry(defs...)
	if err != nil {
		return err
	}
	if reg.Len() == 0 {
		log.Warn("no schedules active")
	}

	var beat func()
	if cfg.Daemon.WatchdogEnabled() {
		if wd, ok := sdnotify.WatchdogEnabled(); ok {
			if wd <= interval {
				log.Warn("systemd watchdog interval not longer than dispatch interval",
					logx.Duration("watchdog", wd), logx.Duration("interval", interval))
			}
			beat = sdnotify.Watchdog
		}
	}

	svc := daemon.New(daemon.Config{
		Interval:         interval,
		MaxCatchupTicks:  cfg.Daemon.MaxCatchupTicks,
		EvalTimeout:      evalTimeout,
		SubmitRatePerSec: cfg.Daemon.SubmitRatePerSec,
	}, daemon.Deps{
		Log:      log.With(logx.String("comp", "daemon")),
		Registry: reg,
		Store:    store,
		Launcher: launcher,
		Beat:     beat,
	})

	ctrl := control.New(control.Config{
		Enabled:    cfg.Control.IsEnabled(),
		Address:    cfg.Control.Address,
		StaleAfter: 3 * interval,
	}, svc, log.With(logx.String("comp", "control")))
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("control surface: %w", err)
	}
	defer ctrl.Stop(context.Background())

	// Reloads are all-or-nothing: one bad schedule rejects the whole file and
	// the previous set keeps running.
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		if _, err := config.ParseDurationOrDefault("daemon.interval", c.Daemon.Interval, 30*time.Second); err != nil {
			return err
		}
		if _, rej := schedule.FromConfig(c.Schedules); len(rej) > 0 {
			names := make([]string, 0, len(rej))
			for name := range rej {
				names = append(names, name)
			}
			sort.Strings(names)
			return fmt.Errorf("invalid schedules: %s", strings.Join(names, ", "))
		}
		return nil
	})
	updates := mgr.Subscribe(1)
	defer mgr.Unsubscribe(updates)
	go func() {
		for c := range updates {
			next, _ := schedule.FromConfig(c.Schedules)
			if err := reg.Replace(next); err != nil {
				log.Error("schedule set swap failed", logx.Err(err))
				continue
			}
			log.Info("schedule set replaced", logx.Int("schedules", len(next)))
		}
	}()
	go func() { _ = mgr.Watch(ctx) }()

	sdnotify.Ready()
	defer sdnotify.Stopping()
	return svc.Run(ctx)
}
