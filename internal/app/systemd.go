package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/logging"
)

// sdNotify is replaced in tests.
var sdNotify = daemon.SdNotify

// notifySystemd reports a state change to systemd when agentd runs as a
// Type=notify unit. It is a no-op when NOTIFY_SOCKET is unset.
func notifySystemd(state string) {
	sent, err := sdNotify(false, state)
	if err != nil {
		logging.Warn("Server", "Failed to notify systemd (%s): %v", state, err)
		return
	}
	if sent {
		logging.Debug("Server", "Notified systemd: %s", state)
	}
}
