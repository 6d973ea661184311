package cmd

import (
	"context"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/thomas-caarter-aic/agent-deployment-service/internal/formatting"
	"github.com/thomas-caarter-aic/agent-deployment-service/internal/reconciler"
	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
)

var (
	statusEndpoint string
	statusOutput   string
	statusTimeout  time.Duration
	statusQuiet    bool
)

// statusCmd queries a running controller.
var statusCmd = &cobra.Command{
	Use:   "status [tenant/agent]",
	Short: "Show reconcile status from a running agentd",
	Long: `Show the reconcile status of every agent, or of a single agent, as
reported by a running 'agentd serve'.

Examples:
  agentd status
  agentd status acme/support-bot
  agentd status --output yaml --endpoint http://agentd.internal:8080`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := formatting.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	client, err := newStatusClient(statusEndpoint, statusTimeout)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var key *agent.Key
	if len(args) == 1 {
		k, err := agent.ParseKey(args[0])
		if err != nil {
			return err
		}
		key = &k
	}

	var s *spinner.Spinner
	if format == formatting.FormatTable && !statusQuiet && isTerminal(os.Stderr) {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
		s.Suffix = " Fetching status from " + statusEndpoint + "..."
		s.Start()
	}
	statuses, err := fetchStatuses(ctx, client, key)
	if s != nil {
		s.Stop()
	}
	if err != nil {
		return err
	}

	formatter := formatting.New(formatting.Options{
		Format: format,
		Color:  isTerminal(os.Stdout),
	})
	return formatter.FormatStatuses(cmd.OutOrStdout(), statuses)
}

func fetchStatuses(ctx context.Context, client *statusClient, key *agent.Key) ([]reconciler.ReconcileStatus, error) {
	if key == nil {
		return client.ListStatuses(ctx)
	}
	status, err := client.GetStatus(ctx, *key)
	if err != nil {
		return nil, err
	}
	return []reconciler.ReconcileStatus{status}, nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func addClientFlags(cmd *cobra.Command, endpoint *string, timeout *time.Duration) {
	cmd.Flags().StringVar(endpoint, "endpoint", defaultEndpoint, "Base URL of a running agentd")
	cmd.Flags().DurationVar(timeout, "timeout", 10*time.Second, "Request timeout")
}

func init() {
	rootCmd.AddCommand(statusCmd)

	addClientFlags(statusCmd, &statusEndpoint, &statusTimeout)
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format: table, json or yaml")
	statusCmd.Flags().BoolVarP(&statusQuiet, "quiet", "q", false, "Suppress progress output")
}
