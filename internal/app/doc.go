// Package app wires configuration, the desired-state source, the target
// platform and the reconciliation manager into a runnable agentd process.
//
// # Bootstrap
//
// NewApplication performs the whole startup sequence:
//
//  1. Loads config.yaml from Config.ConfigPath (defaults when absent)
//  2. Applies command-line overrides and validates the result
//  3. Initializes logging (text or JSON) at the configured level
//  4. Builds the agent.Source and agent.Platform selected by configuration
//  5. Creates the reconciler.Manager
//
// # Run
//
// Run starts the controller and the HTTP server together and blocks until
// ctx is cancelled, SIGINT or SIGTERM is received, or either part fails.
// On the way out the HTTP server is shut down and Manager.Stop waits for
// in-flight reconciles to finish.
//
// # HTTP Endpoints
//
//	GET  /healthz                      200 while the manager is running
//	GET  /readyz                       200 when Manager.Healthy reports true
//	GET  /metrics                      Prometheus exposition of the controller-runtime registry
//	GET  /status                       reconcile status of every known agent
//	GET  /status/:tenant/:agent        reconcile status of one agent
//	POST /reconcile/:tenant/:agent     enqueue one agent for reconciliation
//	POST /resync                       re-list the source and enqueue everything
//
// # Source and Platform Selection
//
// source.mode selects kubernetes (Agent custom resources), filesystem
// (<path>/<tenant>/<agent>.yaml manifests) or memory (an empty in-process
// source, useful together with the simulator platform). platform.kind
// selects kubernetes (Deployments in one namespace per tenant) or
// simulator. Kubernetes clients share one rest config resolved by
// controller-runtime (--kubeconfig, KUBECONFIG, in-cluster, ~/.kube/config).
package app
