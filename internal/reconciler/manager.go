package reconciler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/logging"
	pkgstrings "github.com/thomas-caarter-aic/agent-deployment-service/pkg/strings"
)

// ErrCacheSyncFailed is returned by Start when the initial list of desired
// state could not be completed. The controller refuses to reconcile
// against a world it has not fully observed.
var ErrCacheSyncFailed = errors.New("desired-state cache failed to sync")

// ErrManagerStopped is returned by Start after the manager was stopped.
var ErrManagerStopped = errors.New("reconcile manager was stopped")

// statusErrorMaxLen bounds error messages kept in ReconcileStatus.
const statusErrorMaxLen = 512

// Manager coordinates all reconciliation activities.
//
// It manages:
//   - The ingestor that feeds keys from the desired-state source
//   - The work queue and a fixed pool of workers
//   - Retry with exponential backoff and the retry ceiling
//   - Per-key reconcile status
type Manager struct {
	mu sync.RWMutex

	config ManagerConfig

	store      *Store
	queue      *WorkQueue
	ingestor   *Ingestor
	reconciler Reconciler
	metrics    *Metrics

	// statusTracker tracks reconciliation status for each key
	statusTracker map[agent.Key]*ReconcileStatus

	// ctx is cancelled by Stop; reconcile calls run detached from it
	ctx        context.Context
	cancelFunc context.CancelFunc

	// wg tracks the ingestor and workers
	wg sync.WaitGroup

	running        bool
	stopped        bool
	workersStarted bool
}

// ManagerOption customizes a Manager.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	reconciler Reconciler
	registerer prometheus.Registerer
	clock      clock.WithDelayedExecution
}

// WithReconciler replaces the default Engine.
func WithReconciler(r Reconciler) ManagerOption {
	return func(o *managerOptions) {
		o.reconciler = r
	}
}

// WithMetricsRegisterer sets where metrics are registered. The default is
// the controller-runtime registry; nil disables registration.
func WithMetricsRegisterer(reg prometheus.Registerer) ManagerOption {
	return func(o *managerOptions) {
		o.registerer = reg
	}
}

// WithQueueClock sets the clock used for retry backoff.
func WithQueueClock(c clock.WithDelayedExecution) ManagerOption {
	return func(o *managerOptions) {
		o.clock = c
	}
}

// NewManager creates a manager that converges the agents declared by
// source onto platform.
func NewManager(config ManagerConfig, source agent.Source, platform agent.Platform, opts ...ManagerOption) *Manager {
	config = config.withDefaults()

	o := managerOptions{
		registerer: ctrlmetrics.Registry,
		clock:      clock.RealClock{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		config:        config,
		store:         NewStore(),
		metrics:       NewMetrics(o.registerer),
		statusTracker: make(map[agent.Key]*ReconcileStatus),
	}
	m.queue = NewWorkQueue(config.InitialBackoff, config.MaxBackoff,
		WithClock(o.clock), WithDepthObserver(m.metrics.setQueueDepth))
	m.ingestor = NewIngestor(source, m.store, m.enqueue, config.ResyncInterval, m.metrics)

	m.reconciler = o.reconciler
	if m.reconciler == nil {
		m.reconciler = NewEngine(source, m.store, platform)
	}

	return m
}

// Start runs the ingestor, waits for the initial cache sync and then
// launches the workers. If the cache does not sync within
// CacheSyncTimeout, everything is torn down and ErrCacheSyncFailed is
// returned; no worker is ever started in that case.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}

	m.ctx, m.cancelFunc = context.WithCancel(ctx)
	m.running = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.ingestor.Run(m.ctx)
	}()
	m.mu.Unlock()

	logging.Info("ReconcileManager", "Waiting up to %v for desired-state cache to sync", m.config.CacheSyncTimeout)

	syncCtx, cancel := context.WithTimeout(m.ctx, m.config.CacheSyncTimeout)
	defer cancel()

	if !m.ingestor.WaitForCacheSync(syncCtx) {
		cause := syncCtx.Err()
		logging.Error("ReconcileManager", cause, "Desired-state cache did not sync, not starting workers")
		m.shutdown()
		return fmt.Errorf("%w: %v", ErrCacheSyncFailed, cause)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Stop raced with the cache sync.
	if !m.running {
		return ErrManagerStopped
	}

	for i := 0; i < m.config.WorkerCount; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	m.workersStarted = true

	logging.Info("ReconcileManager", "Started with %d workers", m.config.WorkerCount)
	return nil
}

// Stop gracefully shuts down the manager. Workers stop taking new keys,
// finish the reconcile they are running and exit; Stop returns once they
// all have.
func (m *Manager) Stop() error {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()
	if !running {
		return nil
	}

	logging.Info("ReconcileManager", "Stopping reconciliation manager...")
	m.shutdown()
	logging.Info("ReconcileManager", "Reconciliation manager stopped")
	return nil
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.stopped = true
	m.workersStarted = false
	cancel := m.cancelFunc
	m.mu.Unlock()

	cancel()
	m.queue.ShutDown()
	m.wg.Wait()
	m.metrics.setQueueDepth(0)
}

// Healthy reports whether the initial cache sync has completed, workers
// are running and the queue is below MaxQueueDepth.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	ready := m.running && m.workersStarted
	m.mu.RUnlock()

	if !ready || !m.ingestor.HasSynced() {
		return false
	}
	return m.queue.Len() < m.config.MaxQueueDepth
}

// IsRunning returns whether the manager is active.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// GetQueueLength returns the number of keys waiting for a worker.
func (m *Manager) GetQueueLength() int {
	return m.queue.Len()
}

// TriggerReconcile manually enqueues a key. Its status entry is dropped
// again once a reconcile succeeds for a key with no desired state.
func (m *Manager) TriggerReconcile(key agent.Key) {
	logging.Debug("ReconcileManager", "Manual reconcile requested for %s", key)
	m.enqueue(key)
}

// Resync re-lists the desired-state source and enqueues every agent. The
// listing runs on the ingestor goroutine.
func (m *Manager) Resync(ctx context.Context) error {
	return m.ingestor.Resync(ctx)
}

// enqueue is how the ingestor hands keys to the queue.
func (m *Manager) enqueue(key agent.Key) {
	m.updateStatus(key, StatePending, "", nil)
	m.queue.Add(key)
}

// worker processes keys until the manager stops.
func (m *Manager) worker(id int) {
	defer m.wg.Done()

	logging.Debug("ReconcileManager", "Worker %d started", id)

	for {
		if m.ctx.Err() != nil {
			logging.Debug("ReconcileManager", "Worker %d shutting down", id)
			return
		}

		key, ok := m.queue.Get(m.ctx)
		if !ok {
			logging.Debug("ReconcileManager", "Worker %d shutting down", id)
			return
		}

		m.processKey(key)
	}
}

// processKey runs one reconcile for key and settles it in the queue.
// Done is always the last queue call, after Forget or the requeue.
func (m *Manager) processKey(key agent.Key) {
	defer m.queue.Done(key)

	m.metrics.workerStarted()
	defer m.metrics.workerFinished()

	m.updateStatus(key, StateReconciling, "", nil)
	logging.Debug("ReconcileManager", "Reconciling %s (retry %d)", key, m.queue.NumRequeues(key))

	// The reconcile must not be interrupted by Stop, only by its own deadline.
	timeout := m.config.ReconcileTimeout
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), timeout)
	defer cancel()

	start := time.Now()
	result := normalizeResult(m.reconcile(ctx, key))

	if result.Outcome != OutcomeSuccess && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result = Retryable(result.Action, fmt.Errorf("reconciliation timed out after %v: %w", timeout, result.Error))
	}

	m.metrics.observeReconcile(result, time.Since(start))

	switch result.Outcome {
	case OutcomeSuccess:
		m.handleSuccess(key, result)
	case OutcomeFatal:
		m.handleFatal(key, result)
	default:
		m.handleRetry(key, result)
	}
}

// reconcile calls the Reconciler. A panic is logged and retried like any
// other transient failure.
func (m *Manager) reconcile(ctx context.Context, key agent.Key) (result ReconcileResult) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during reconcile: %v", r)
			logging.Error("ReconcileManager", err, "Recovered while reconciling %s\n%s", key, debug.Stack())
			result = Retryable(ActionNone, err)
		}
	}()
	return m.reconciler.Reconcile(ctx, key)
}

// normalizeResult fills in an Outcome for results built without one.
func normalizeResult(result ReconcileResult) ReconcileResult {
	if result.Outcome != "" {
		return result
	}
	if result.Error == nil {
		result.Outcome = OutcomeSuccess
		return result
	}
	return classify(result.Action, result.Error)
}

func (m *Manager) handleSuccess(key agent.Key, result ReconcileResult) {
	m.queue.Forget(key)

	// A key with no desired state and no workload has nothing to report.
	_, declared := m.store.Get(key)
	if result.Action == ActionDelete || (result.Action == ActionNone && !declared) {
		m.removeStatus(key)
	} else {
		m.updateStatus(key, StateSynced, result.Action, nil)
	}

	logging.Debug("ReconcileManager", "Successfully reconciled %s (%s)", key, result.Action)
}

func (m *Manager) handleFatal(key agent.Key, result ReconcileResult) {
	logging.Error("ReconcileManager", result.Error, "Reconcile of %s failed permanently, dropping", key)

	m.queue.Forget(key)
	m.metrics.recordAbandoned(key, "fatal")
	m.updateStatus(key, StateFailed, result.Action, result.Error)
}

func (m *Manager) handleRetry(key agent.Key, result ReconcileResult) {
	retries := m.queue.NumRequeues(key)
	if retries >= m.config.MaxRetries {
		logging.Error("ReconcileManager", result.Error, "Max retries exceeded for %s after %d attempts", key, retries+1)
		m.queue.Forget(key)
		m.metrics.recordAbandoned(key, "exhausted")
		m.updateStatus(key, StateFailed, result.Action, result.Error)
		return
	}

	delay := m.queue.AddRateLimited(key)
	m.metrics.recordRetry()
	m.updateStatus(key, StateError, result.Action, result.Error)

	logging.Warn("ReconcileManager", "Reconcile of %s failed, retry %d/%d in %v: %v",
		key, retries+1, m.config.MaxRetries, delay, result.Error)
}

// updateStatus updates the reconciliation status for a key.
func (m *Manager) updateStatus(key agent.Key, state ReconcileState, action Action, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.statusTracker[key]
	if !ok {
		status = &ReconcileStatus{
			Key:      key,
			TenantID: key.TenantID,
			AgentID:  key.AgentID,
		}
		m.statusTracker[key] = status
	}

	// A key re-enqueued mid-reconcile keeps its in-flight state.
	if state == StatePending && status.State == StateReconciling {
		return
	}

	status.State = state
	if action != "" {
		status.LastAction = action
	}

	status.LastError = ""
	if err != nil {
		status.LastError = pkgstrings.Truncate(err.Error(), statusErrorMaxLen)
	}

	switch state {
	case StateSynced:
		now := time.Now()
		status.LastReconcileTime = &now
		status.RetryCount = 0
	case StateError:
		status.RetryCount++
	case StateFailed:
		status.RetryCount = 0
	}
}

func (m *Manager) removeStatus(key agent.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statusTracker, key)
}

// GetStatus returns the reconciliation status for a key.
func (m *Manager) GetStatus(key agent.Key) (ReconcileStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.statusTracker[key]
	if !ok {
		return ReconcileStatus{}, false
	}
	return *status, true
}

// GetAllStatuses returns all reconciliation statuses ordered by key.
func (m *Manager) GetAllStatuses() []ReconcileStatus {
	m.mu.RLock()
	statuses := make([]ReconcileStatus, 0, len(m.statusTracker))
	for _, status := range m.statusTracker {
		statuses = append(statuses, *status)
	}
	m.mu.RUnlock()

	slices.SortFunc(statuses, func(a, b ReconcileStatus) int {
		return strings.Compare(a.Key.String(), b.Key.String())
	})
	return statuses
}
