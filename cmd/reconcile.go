package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
)

var (
	reconcileEndpoint string
	reconcileTimeout  time.Duration
	reconcileAll      bool
)

// reconcileCmd forces a reconcile on a running controller.
var reconcileCmd = &cobra.Command{
	Use:   "reconcile [tenant/agent]",
	Short: "Queue an agent for immediate reconciliation",
	Long: `Ask a running 'agentd serve' to reconcile one agent now, or with --all to
re-list its source and reconcile every agent.

Examples:
  agentd reconcile acme/support-bot
  agentd reconcile --all`,
	Args: func(cmd *cobra.Command, args []string) error {
		if reconcileAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	client, err := newStatusClient(reconcileEndpoint, reconcileTimeout)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if reconcileAll {
		if err := client.Resync(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Resync queued")
		return nil
	}

	key, err := agent.ParseKey(args[0])
	if err != nil {
		return err
	}
	if err := client.Reconcile(ctx, key); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s\n", key)
	return nil
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	addClientFlags(reconcileCmd, &reconcileEndpoint, &reconcileTimeout)
	reconcileCmd.Flags().BoolVar(&reconcileAll, "all", false, "Re-list the source and reconcile every agent")
}
