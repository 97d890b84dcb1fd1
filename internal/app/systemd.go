package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "courtbot/pkg/logx"
)

// sdNotifier reports service state to systemd. Outside a notify-type unit
// every call is a no-op.
type sdNotifier struct {
	log      logx.Logger
	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	return &sdNotifier{
		log:      log,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *sdNotifier) send(state string) bool {
	ok, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

func (n *sdNotifier) Ready() {
	if n.send(daemon.SdNotifyReady) {
		n.log.Debug("sd_notify ready sent")
	}
}

func (n *sdNotifier) Reloading() { n.send(daemon.SdNotifyReloading) }

func (n *sdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

func (n *sdNotifier) Status(msg string) { n.send("STATUS=" + msg) }

// WatchdogInterval is half of WATCHDOG_USEC, or 0 when the watchdog is off.
func (n *sdNotifier) WatchdogInterval() time.Duration {
	d, err := n.watchdog()
	if err != nil {
		n.log.Warn("sd watchdog check failed", logx.Err(err))
		return 0
	}
	return d / 2
}

// RunWatchdog pings the watchdog every interval until ctx is done.
func (n *sdNotifier) RunWatchdog(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
