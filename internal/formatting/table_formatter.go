package formatting

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/thomas-caarter-aic/agent-deployment-service/internal/reconciler"
	pkgstrings "github.com/thomas-caarter-aic/agent-deployment-service/pkg/strings"
)

// maxErrorColumn bounds the LAST ERROR column width.
const maxErrorColumn = 60

// TableFormatter provides rich table output formatting
type TableFormatter struct {
	options Options
	now     func() time.Time
}

// NewTableFormatter creates a new table formatter
func NewTableFormatter(options Options) *TableFormatter {
	return &TableFormatter{
		options: options,
		now:     time.Now,
	}
}

// FormatStatuses renders one row per agent.
func (f *TableFormatter) FormatStatuses(w io.Writer, statuses []reconciler.ReconcileStatus) error {
	if len(statuses) == 0 {
		_, err := fmt.Fprintln(w, f.colorize(text.FgYellow, "No agents found"))
		return err
	}

	t := f.createTable(w)
	t.AppendHeader(table.Row{"TENANT", "AGENT", "STATE", "ACTION", "LAST RECONCILE", "RETRIES", "LAST ERROR"})

	now := f.now()
	for _, s := range statuses {
		t.AppendRow(table.Row{
			s.TenantID,
			s.AgentID,
			f.formatState(s.State),
			string(s.LastAction),
			Age(s.LastReconcileTime, now),
			strconv.Itoa(s.RetryCount),
			pkgstrings.Truncate(s.LastError, maxErrorColumn),
		})
	}

	t.AppendFooter(table.Row{"", "", "", "", "", "TOTAL", strconv.Itoa(len(statuses))})
	t.Render()
	return nil
}

// createTable creates a new table with standard styling
func (f *TableFormatter) createTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func (f *TableFormatter) formatState(state reconciler.ReconcileState) string {
	switch state {
	case reconciler.StateSynced:
		return f.colorize(text.FgGreen, string(state))
	case reconciler.StateError:
		return f.colorize(text.FgYellow, string(state))
	case reconciler.StateFailed:
		return f.colorize(text.FgRed, string(state))
	default:
		return f.colorize(text.FgCyan, string(state))
	}
}

func (f *TableFormatter) colorize(c text.Color, s string) string {
	if !f.options.Color {
		return s
	}
	return c.Sprint(s)
}
