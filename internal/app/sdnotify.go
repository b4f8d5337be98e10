package app

import (
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// serviceNotifier reports lifecycle to systemd. Outside a Type=notify unit
// every call is a no-op.
type serviceNotifier struct {
	logger   *slog.Logger
	watchdog time.Duration
}

func newServiceNotifier(logger *slog.Logger) *serviceNotifier {
	n := &serviceNotifier{logger: logger}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("read systemd watchdog settings", "error", err)
		return n
	}
	// Ping at half the deadline.
	n.watchdog = interval / 2

	return n
}

// WatchdogInterval is zero when the unit has no watchdog.
func (n *serviceNotifier) WatchdogInterval() time.Duration {
	return n.watchdog
}

func (n *serviceNotifier) Ready() {
	n.send(daemon.SdNotifyReady)
}

func (n *serviceNotifier) Stopping() {
	n.send(daemon.SdNotifyStopping)
}

func (n *serviceNotifier) Ping() {
	n.send(daemon.SdNotifyWatchdog)
}

func (n *serviceNotifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.logger.Warn("systemd notify failed", "state", state, "error", err)
		return
	}
	if sent {
		n.logger.Debug("systemd notified", "state", state)
	}
}
