// Package systemd reports service state to systemd over the notify socket.
// Outside systemd (no NOTIFY_SOCKET) every call is a no-op.
package systemd

import (
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

type Notifier struct {
	watchdog time.Duration
}

// NewNotifier reads WATCHDOG_USEC once; the environment is left intact.
func NewNotifier() *Notifier {
	iv, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		iv = 0
	}
	return &Notifier{watchdog: iv}
}

// WatchdogInterval is the systemd watchdog timeout, zero when disabled.
// Pings should be sent at least twice per interval.
func (n *Notifier) WatchdogInterval() time.Duration { return n.watchdog }

func (n *Notifier) Ready() error    { return notify(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() error { return notify(daemon.SdNotifyStopping) }

func (n *Notifier) Watchdog() error {
	if n.watchdog <= 0 {
		return nil
	}
	return notify(daemon.SdNotifyWatchdog)
}

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) error {
	return notify("STATUS=" + fmt.Sprintf(format, args...))
}

func notify(state string) error {
	if _, err := daemon.SdNotify(false, state); err != nil {
		return fmt.Errorf("sd_notify %q: %w", state, err)
	}
	return nil
}
