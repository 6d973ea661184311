package formatting

import (
	"fmt"
	"io"

	"sigs.k8s.io/yaml"

	"github.com/thomas-caarter-aic/agent-deployment-service/internal/reconciler"
)

// YAMLFormatter provides YAML output formatting. Field names follow the
// JSON tags of reconciler.ReconcileStatus.
type YAMLFormatter struct{}

// FormatStatuses writes statuses as a YAML list.
func (f *YAMLFormatter) FormatStatuses(w io.Writer, statuses []reconciler.ReconcileStatus) error {
	if statuses == nil {
		statuses = []reconciler.ReconcileStatus{}
	}
	out, err := yaml.Marshal(statuses)
	if err != nil {
		return fmt.Errorf("failed to marshal statuses: %w", err)
	}
	_, err = w.Write(out)
	return err
}
