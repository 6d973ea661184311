package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thomas-caarter-aic/agent-deployment-service/internal/app"
)

var (
	// serveConfigPath specifies a custom configuration directory containing config.yaml.
	serveConfigPath string

	serveOverrides app.Overrides
)

// serveCmd runs the controller.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent reconciliation controller",
	Long: `Starts the reconciliation controller and its HTTP endpoints.

The controller lists and watches the configured source of Agent definitions,
waits until the initial list has been loaded, then starts the worker pool
that drives the platform towards the declared state. It runs until it
receives SIGINT or SIGTERM, at which point in-flight reconciles are allowed
to finish.

HTTP endpoints (default :8080):
  /healthz   liveness
  /readyz    readiness (cache synced and queue below its depth limit)
  /metrics   Prometheus metrics
  /status    reconcile status of every agent

Configuration:
  agentd reads config.yaml from ~/.config/agentd, or from the directory given
  with --config-path. Flags override values from the file.

Examples:
  agentd serve
  agentd serve --source filesystem --source-path ./agents --platform simulator
  agentd serve --namespace acme --workers 8 --log-format json`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := app.NewConfig(serveConfigPath, serveOverrides)

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.StringVar(&serveConfigPath, "config-path", "", "Configuration directory containing config.yaml (default ~/.config/agentd)")
	flags.StringVar(&serveOverrides.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.StringVar(&serveOverrides.LogFormat, "log-format", "", "Log format: text or json")
	flags.StringVar(&serveOverrides.Address, "address", "", "HTTP listen address for probes, metrics and status")
	flags.StringVar(&serveOverrides.SourceMode, "source", "", "Desired-state source: kubernetes, filesystem or memory")
	flags.StringVar(&serveOverrides.SourcePath, "source-path", "", "Manifest directory for the filesystem source")
	flags.StringVar(&serveOverrides.Namespace, "namespace", "", "Only watch Agent resources in this namespace")
	flags.StringVar(&serveOverrides.PlatformKind, "platform", "", "Target platform: kubernetes or simulator")
	flags.IntVar(&serveOverrides.Workers, "workers", 0, "Number of reconcile workers")
	flags.DurationVar(&serveOverrides.ResyncInterval, "resync-interval", 0, "Interval between full re-lists of the source")
}
