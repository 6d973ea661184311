package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/thomas-caarter-aic/agent-deployment-service/internal/config"
)

var (
	checkConfigPath string
	checkShow       bool
)

// checkCmd validates configuration without starting the controller.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate agentd configuration",
	Long: `Load config.yaml the same way 'agentd serve' does and report every
validation problem. With --show the effective configuration, defaults
included, is printed.

Examples:
  agentd check
  agentd check --config-path /etc/agentd --show`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	configPath := checkConfigPath
	if configPath == "" {
		configPath = config.GetDefaultConfigPathOrPanic()
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if checkShow {
		data, err := yaml.Marshal(effectiveConfig(cfg))
		if err != nil {
			return fmt.Errorf("failed to render configuration: %w", err)
		}
		fmt.Fprint(out, string(data))
	}
	fmt.Fprintf(out, "Configuration in %s is valid\n", configPath)
	return nil
}

// effectiveConfig renders durations as strings so the output can be fed
// back into config.yaml.
func effectiveConfig(cfg config.Config) map[string]interface{} {
	c := cfg.Controller
	return map[string]interface{}{
		"controller": map[string]interface{}{
			"workers":          c.Workers,
			"maxRetries":       c.MaxRetries,
			"initialBackoff":   c.InitialBackoff.String(),
			"maxBackoff":       c.MaxBackoff.String(),
			"resyncInterval":   c.ResyncInterval.String(),
			"reconcileTimeout": c.ReconcileTimeout.String(),
			"cacheSyncTimeout": c.CacheSyncTimeout.String(),
			"maxQueueDepth":    c.MaxQueueDepth,
		},
		"source": map[string]interface{}{
			"mode":             cfg.Source.Mode,
			"namespace":        cfg.Source.Namespace,
			"path":             cfg.Source.Path,
			"debounceInterval": cfg.Source.DebounceInterval.String(),
		},
		"platform": map[string]interface{}{
			"kind":            cfg.Platform.Kind,
			"namespacePrefix": cfg.Platform.NamespacePrefix,
		},
		"server": map[string]interface{}{
			"address": cfg.Server.Address,
		},
		"logging": map[string]interface{}{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
	}
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVar(&checkConfigPath, "config-path", "", "Configuration directory containing config.yaml (default ~/.config/agentd)")
	checkCmd.Flags().BoolVar(&checkShow, "show", false, "Print the effective configuration")
}
