package reconciler

import (
	"context"
	"time"

	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
)

// Outcome classifies the result of a reconcile call.
type Outcome string

const (
	// OutcomeSuccess means the key converged (or was already converged).
	OutcomeSuccess Outcome = "Success"

	// OutcomeRetry means a transient failure; the key is requeued with backoff.
	OutcomeRetry Outcome = "Retry"

	// OutcomeFatal means the key can never converge as declared and is dropped.
	OutcomeFatal Outcome = "Fatal"
)

// Action is the convergence step the engine took for a key.
type Action string

const (
	ActionNone   Action = "None"
	ActionCreate Action = "Create"
	ActionUpdate Action = "Update"
	ActionDelete Action = "Delete"
)

// ReconcileResult represents the outcome of a reconciliation attempt.
type ReconcileResult struct {
	Outcome Outcome

	// Action is the step attempted. On failure it names the step that failed.
	Action Action

	// Error is set for OutcomeRetry and OutcomeFatal.
	Error error
}

// Success builds a successful result.
func Success(action Action) ReconcileResult {
	return ReconcileResult{Outcome: OutcomeSuccess, Action: action}
}

// Retryable builds a result that requests a retry with backoff.
func Retryable(action Action, err error) ReconcileResult {
	return ReconcileResult{Outcome: OutcomeRetry, Action: action, Error: err}
}

// Fatal builds a result that drops the key without retrying.
func Fatal(action Action, err error) ReconcileResult {
	return ReconcileResult{Outcome: OutcomeFatal, Action: action, Error: err}
}

// classify maps an error from a source or platform call to a result.
func classify(action Action, err error) ReconcileResult {
	if agent.IsFatal(err) {
		return Fatal(action, err)
	}
	return Retryable(action, err)
}

// Reconciler converges a single key. It must be idempotent: calling it any
// number of times for the same key and world state has the same effect as
// calling it once.
type Reconciler interface {
	Reconcile(ctx context.Context, key agent.Key) ReconcileResult
}

// ManagerConfig holds configuration for the Manager.
type ManagerConfig struct {
	// WorkerCount is the number of concurrent reconciliation workers.
	// Defaults to 3 if not specified.
	WorkerCount int

	// MaxRetries is the number of retries of a failing key before it is
	// dropped. Defaults to 5 if not specified.
	MaxRetries int

	// InitialBackoff is the delay before the first retry. Defaults to 1 second.
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay. Defaults to 5 minutes.
	MaxBackoff time.Duration

	// ResyncInterval is how often the ingestor re-lists all agents.
	// Defaults to 5 minutes.
	ResyncInterval time.Duration

	// ReconcileTimeout bounds a single reconcile call. Defaults to 30 seconds.
	ReconcileTimeout time.Duration

	// CacheSyncTimeout bounds how long Start waits for the initial list.
	// Defaults to 2 minutes.
	CacheSyncTimeout time.Duration

	// MaxQueueDepth is the queue length at which Healthy reports false.
	// Defaults to 1000.
	MaxQueueDepth int
}

// withDefaults returns a copy of c with zero values replaced by defaults.
func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = 5 * time.Minute
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = 30 * time.Second
	}
	if c.CacheSyncTimeout <= 0 {
		c.CacheSyncTimeout = 2 * time.Minute
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 1000
	}
	return c
}

// ReconcileState represents the state of a key's reconciliation.
type ReconcileState string

const (
	// StatePending means the key is awaiting reconciliation.
	StatePending ReconcileState = "Pending"

	// StateReconciling means reconciliation is in progress.
	StateReconciling ReconcileState = "Reconciling"

	// StateSynced means the key is converged.
	StateSynced ReconcileState = "Synced"

	// StateError means reconciliation failed and will be retried.
	StateError ReconcileState = "Error"

	// StateFailed means reconciliation was abandoned (fatal or retries exhausted).
	StateFailed ReconcileState = "Failed"
)

// ReconcileStatus represents the current status of reconciliation for a key.
type ReconcileStatus struct {
	Key               agent.Key      `json:"-"`
	TenantID          string         `json:"tenantId"`
	AgentID           string         `json:"agentId"`
	State             ReconcileState `json:"state"`
	LastAction        Action         `json:"lastAction,omitempty"`
	LastReconcileTime *time.Time     `json:"lastReconcileTime,omitempty"`
	LastError         string         `json:"lastError,omitempty"`
	RetryCount        int            `json:"retryCount"`
}
