// Package reconciler implements the level-triggered controller that keeps
// deployed agent workloads converged with their declared desired state.
//
// # Architecture
//
// The controller consists of four cooperating parts:
//
//   - Ingestor: lists and watches an agent.Source, keeps a local Store of
//     desired state and enqueues the key of every changed agent. A
//     periodic resync re-lists everything to heal missed notifications.
//   - WorkQueue: a deduplicating, rate-limited queue of agent keys. A key
//     is never pending twice, and a key that changes while it is being
//     processed is marked dirty and processed exactly once more.
//   - Engine: re-derives the convergence action from scratch for a key by
//     comparing desired state with what the agent.Platform reports, then
//     calls Create, Update or Delete.
//   - Manager: owns the worker pool and the control surface (Start, Stop,
//     Healthy). Workers retry transient failures with exponential backoff
//     and drop fatal ones.
//
// # Usage
//
//	manager := reconciler.NewManager(config, source, platform)
//	if err := manager.Start(ctx); err != nil {
//	    return fmt.Errorf("failed to start controller: %w", err)
//	}
//	defer manager.Stop()
//
// Start blocks until the initial list has populated the Store. Workers are
// only launched after that point so that an incomplete view of desired
// state can never cause a workload to be deleted.
//
// # Ordering
//
// There is no ordering between different keys. For a single key, updates
// are never processed out of order, but intermediate versions may be
// coalesced: only the latest desired state is ever acted on.
package reconciler
