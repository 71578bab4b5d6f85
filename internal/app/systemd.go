package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "nudge/pkg/logx"
)

const (
	sdReady    = daemon.SdNotifyReady
	sdStopping = daemon.SdNotifyStopping
)

// notifySystemd reports state to the service manager. Outside systemd
// (NOTIFY_SOCKET unset) it is a no-op.
func (a *App) notifySystemd(state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		a.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		a.log.Debug("systemd notified", logx.String("state", state))
	}
}
