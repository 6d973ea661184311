package reconciler

import (
	"context"
	"fmt"

	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/logging"
)

// Engine converges one agent key at a time. Every call re-derives the
// action from current desired and actual state; nothing from an earlier
// call or from the triggering notification is trusted.
type Engine struct {
	source   agent.Source
	store    *Store
	platform agent.Platform
}

// NewEngine creates an engine. store may be nil, in which case every
// desired-state read goes to source.
func NewEngine(source agent.Source, store *Store, platform agent.Platform) *Engine {
	return &Engine{
		source:   source,
		store:    store,
		platform: platform,
	}
}

// Reconcile implements Reconciler.
func (e *Engine) Reconcile(ctx context.Context, key agent.Key) ReconcileResult {
	desired, found, err := e.desired(ctx, key)
	if err != nil {
		return classify(ActionNone, fmt.Errorf("reading desired state of %s: %w", key, err))
	}

	if !found {
		return e.reconcileDeleted(ctx, key)
	}

	if err := key.Validate(); err != nil {
		return Fatal(ActionNone, err)
	}
	if err := desired.Spec.Validate(); err != nil {
		return Fatal(ActionNone, fmt.Errorf("agent %s: %w", key, err))
	}

	actual, exists, err := e.platform.Get(ctx, key)
	if err != nil {
		return classify(ActionNone, fmt.Errorf("reading actual state of %s: %w", key, err))
	}

	switch {
	case !exists:
		logging.Info("Engine", "Creating %s with image %s", key, desired.Spec.Image)
		if err := e.platform.Create(ctx, key, desired.Spec); err != nil {
			return classify(ActionCreate, fmt.Errorf("creating %s: %w", key, err))
		}
		return Success(ActionCreate)

	case !actual.Matches(desired.Spec):
		logging.Info("Engine", "Updating %s: image %s -> %s, replicas %d -> %d",
			key, actual.Image, desired.Spec.Image, actual.Replicas, desired.Spec.DesiredReplicas())
		if err := e.platform.Update(ctx, key, desired.Spec); err != nil {
			return classify(ActionUpdate, fmt.Errorf("updating %s: %w", key, err))
		}
		return Success(ActionUpdate)

	default:
		logging.Debug("Engine", "%s is up to date", key)
		return Success(ActionNone)
	}
}

// desired reads the desired state of key. The store is consulted first; a
// miss is confirmed against the source so that a cache gap can never be
// mistaken for a deletion.
func (e *Engine) desired(ctx context.Context, key agent.Key) (agent.Agent, bool, error) {
	if e.store != nil {
		if a, ok := e.store.Get(key); ok {
			return a, true, nil
		}
	}
	return e.source.Get(ctx, key)
}

// reconcileDeleted removes the workload of an agent that no longer exists.
func (e *Engine) reconcileDeleted(ctx context.Context, key agent.Key) ReconcileResult {
	_, exists, err := e.platform.Get(ctx, key)
	if err != nil {
		return classify(ActionDelete, fmt.Errorf("reading actual state of deleted %s: %w", key, err))
	}
	if !exists {
		logging.Debug("Engine", "%s is deleted and has no workload", key)
		return Success(ActionNone)
	}

	logging.Info("Engine", "Deleting workload of removed agent %s", key)
	if err := e.platform.Delete(ctx, key); err != nil {
		return classify(ActionDelete, fmt.Errorf("deleting %s: %w", key, err))
	}
	return Success(ActionDelete)
}
