// Package sdnotify signals process state to systemd when running as a
// Type=notify unit. Every call is a no-op when NOTIFY_SOCKET is unset, so
// callers never need to know whether systemd is supervising them.
package sdnotify

import (
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd startup finished.
func Ready() { _, _ = sd.SdNotify(false, sd.SdNotifyReady) }

// Watchdog sends one keepalive.
func Watchdog() { _, _ = sd.SdNotify(false, sd.SdNotifyWatchdog) }

// Stopping tells systemd shutdown began.
func Stopping() { _, _ = sd.SdNotify(false, sd.SdNotifyStopping) }

// WatchdogEnabled reports whether systemd expects keepalives, and the unit's
// WatchdogSec interval if so.
func WatchdogEnabled() (time.Duration, bool) {
	d, err := sd.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
