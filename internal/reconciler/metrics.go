package reconciler

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/logging"
)

const metricsNamespace = "agentd"

// Metrics holds the Prometheus collectors of the controller. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	reconcileTotal    *prometheus.CounterVec
	reconcileErrors   *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	retriesTotal      prometheus.Counter
	queueDepth        prometheus.Gauge
	activeWorkers     prometheus.Gauge
	watchEvents       *prometheus.CounterVec
	resyncTotal       prometheus.Counter
}

// NewMetrics creates the controller collectors and registers them with reg.
// Collectors already registered by an earlier Manager are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		reconcileTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconcile_total",
			Help:      "Reconcile attempts by outcome and action.",
		}, []string{"outcome", "action"})),
		reconcileErrors: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconcile_errors_total",
			Help:      "Keys abandoned without converging, by resource and reason.",
		}, []string{"tenant", "agent", "kind"})),
		reconcileDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconcile calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"outcome"})),
		retriesTotal: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconcile_retries_total",
			Help:      "Keys requeued with backoff after a transient failure.",
		})),
		queueDepth: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "Keys ready and waiting for a worker.",
		})),
		activeWorkers: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_workers",
			Help:      "Workers currently running a reconcile.",
		})),
		watchEvents: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "watch_events_total",
			Help:      "Desired-state notifications received, by type.",
		}, []string{"type"})),
		resyncTotal: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resync_total",
			Help:      "Full listings of the desired-state source.",
		})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		logging.Warn("Metrics", "Failed to register collector: %v", err)
	}
	return c
}

func (m *Metrics) observeReconcile(result ReconcileResult, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(string(result.Outcome), string(result.Action)).Inc()
	m.reconcileDuration.WithLabelValues(string(result.Outcome)).Observe(elapsed.Seconds())
}

func (m *Metrics) recordAbandoned(key agent.Key, kind string) {
	if m == nil {
		return
	}
	m.reconcileErrors.WithLabelValues(key.TenantID, key.AgentID, kind).Inc()
}

func (m *Metrics) recordRetry() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) workerStarted() {
	if m == nil {
		return
	}
	m.activeWorkers.Inc()
}

func (m *Metrics) workerFinished() {
	if m == nil {
		return
	}
	m.activeWorkers.Dec()
}

func (m *Metrics) recordWatchEvent(t agent.EventType) {
	if m == nil {
		return
	}
	m.watchEvents.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) recordResync() {
	if m == nil {
		return
	}
	m.resyncTotal.Inc()
}
