package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/thomas-caarter-aic/agent-deployment-service/internal/config"
	"github.com/thomas-caarter-aic/agent-deployment-service/internal/reconciler"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeInvalidConfig indicates the configuration failed validation.
	ExitCodeInvalidConfig = 2
	// ExitCodeCacheSyncFailed indicates the controller could not load desired state at startup.
	ExitCodeCacheSyncFailed = 3
)

// rootCmd represents the base command for agentd.
var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "Reconcile agent workloads with their declared desired state",
	Long: `agentd is a level-triggered controller that keeps tenant agent workloads
converged with their declared desired state. It watches a source of Agent
definitions (Kubernetes custom resources or manifest files) and creates,
updates or deletes the corresponding workloads on the target platform.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// It is called from main to inject the version set at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the root command and exits with a code derived from the
// returned error.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "agentd version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps errors to semantic exit codes for scripting and
// process supervisors.
func getExitCode(err error) int {
	var validationErrs config.ValidationErrors
	if errors.As(err, &validationErrs) {
		return ExitCodeInvalidConfig
	}

	if errors.Is(err, reconciler.ErrCacheSyncFailed) {
		return ExitCodeCacheSyncFailed
	}

	return ExitCodeError
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
}
