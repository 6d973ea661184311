package app

import (
	"io"
	"testing"

	"github.com/thomas-caarter-aic/agent-deployment-service/internal/reconciler"
)

// isolate keeps tests off the global metrics registry and quiet.
func isolate(t *testing.T) {
	t.Helper()
	origOptions, origOutput := managerOptions, logOutput
	managerOptions = []reconciler.ManagerOption{reconciler.WithMetricsRegisterer(nil)}
	logOutput = io.Discard
	t.Cleanup(func() {
		managerOptions, logOutput = origOptions, origOutput
	})
}
