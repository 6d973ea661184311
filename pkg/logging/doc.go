// Package logging provides subsystem-tagged, leveled logging for agentd.
//
// It is a thin layer over log/slog. Every entry carries a subsystem
// attribute so that ingestor, queue, worker and platform output can be
// filtered independently:
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//
//	logging.Info("Ingestor", "Initial list returned %d agents", n)
//	logging.Error("Worker", err, "Reconcile of %s failed", key)
//
// # Controller-Runtime and klog Integration
//
// InitForCLI also installs the same slog handler as the controller-runtime
// logger and as the klog backend. Informers, REST clients and the
// controller-runtime client therefore log through the agentd sink instead
// of printing warnings about an uninitialized logger.
package logging
