package formatting

import (
	"fmt"
	"io"

	"github.com/thomas-caarter-aic/agent-deployment-service/internal/reconciler"
)

// JSONFormatter provides JSON output formatting
type JSONFormatter struct{}

// FormatStatuses writes statuses as an indented JSON array.
func (f *JSONFormatter) FormatStatuses(w io.Writer, statuses []reconciler.ReconcileStatus) error {
	if statuses == nil {
		statuses = []reconciler.ReconcileStatus{}
	}
	_, err := fmt.Fprintln(w, PrettyJSON(statuses))
	return err
}
