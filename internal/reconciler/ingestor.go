package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/logging"
)

// ErrIngestorStopped is returned by Resync once Run has returned.
var ErrIngestorStopped = errors.New("ingestor is not running")

// Ingestor turns an agent.Source into a stream of keys to reconcile.
//
// It performs an initial full list to populate the Store, then follows the
// source's watch stream. A broken stream triggers a re-list before watching
// again, and a periodic resync re-lists everything, so a missed or
// duplicated notification is never more than one resync away from being
// healed.
//
// The Store is written only from the Run goroutine. Manual resyncs are
// handed to it over a channel rather than listing on the caller's
// goroutine.
type Ingestor struct {
	source         agent.Source
	store          *Store
	enqueue        func(agent.Key)
	resyncInterval time.Duration
	metrics        *Metrics

	synced     atomic.Bool
	syncedCh   chan struct{}
	syncedOnce sync.Once

	resyncRequests chan resyncRequest
	stopped        chan struct{}
	stopOnce       sync.Once

	// newBackoff builds the retry policy for list and watch failures
	newBackoff func() wait.Backoff
}

// NewIngestor creates an ingestor that feeds enqueue from source and keeps
// store up to date. metrics may be nil.
func NewIngestor(source agent.Source, store *Store, enqueue func(agent.Key), resyncInterval time.Duration, metrics *Metrics) *Ingestor {
	if resyncInterval <= 0 {
		resyncInterval = 5 * time.Minute
	}
	return &Ingestor{
		source:         source,
		store:          store,
		enqueue:        enqueue,
		resyncInterval: resyncInterval,
		metrics:        metrics,
		syncedCh:       make(chan struct{}),
		resyncRequests: make(chan resyncRequest),
		stopped:        make(chan struct{}),
		newBackoff: func() wait.Backoff {
			return wait.Backoff{
				Duration: 500 * time.Millisecond,
				Factor:   2.0,
				Jitter:   0.1,
				Steps:    10,
				Cap:      30 * time.Second,
			}
		},
	}
}

// resyncRequest asks the Run goroutine for an immediate re-list.
type resyncRequest struct {
	ctx  context.Context
	done chan error
}

// Run lists, watches and resyncs until ctx is cancelled. It must be called
// at most once.
func (i *Ingestor) Run(ctx context.Context) {
	defer utilruntime.HandleCrash()
	defer i.stopOnce.Do(func() { close(i.stopped) })

	logging.Info("Ingestor", "Starting, resync every %v", i.resyncInterval)
	defer logging.Info("Ingestor", "Stopped")

	backoff := i.newBackoff()
	for !i.HasSynced() {
		if err := i.relist(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := backoff.Step()
			logging.Warn("Ingestor", "Initial list failed, retrying in %v: %v", delay, err)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		i.markSynced()
	}

	resync := time.NewTicker(i.resyncInterval)
	defer resync.Stop()

	backoff = i.newBackoff()
	for ctx.Err() == nil {
		events, err := i.source.Watch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := backoff.Step()
			logging.Warn("Ingestor", "Watch failed, re-listing in %v: %v", delay, err)
			if !i.pause(ctx, delay) {
				return
			}
			i.relistLogged(ctx)
			continue
		}

		if i.consume(ctx, events, resync.C) > 0 {
			backoff = i.newBackoff()
		}
		if ctx.Err() != nil {
			return
		}

		delay := backoff.Step()
		logging.Info("Ingestor", "Watch stream closed, re-listing in %v", delay)
		if !i.pause(ctx, delay) {
			return
		}
		i.relistLogged(ctx)
	}
}

// consume handles watch events, resync ticks and resync requests until the
// stream closes or ctx is cancelled. It returns the number of events
// handled.
func (i *Ingestor) consume(ctx context.Context, events <-chan agent.Event, resync <-chan time.Time) int {
	handled := 0
	for {
		select {
		case <-ctx.Done():
			return handled

		case <-resync:
			logging.Debug("Ingestor", "Periodic resync")
			i.relistLogged(ctx)

		case req := <-i.resyncRequests:
			i.serveResync(ctx, req)

		case event, ok := <-events:
			if !ok {
				return handled
			}
			i.handleEvent(event)
			handled++
		}
	}
}

// handleEvent applies a watch notification to the store and enqueues its
// key. The key is enqueued even for stale notifications: reconciling is
// idempotent and re-reads everything it acts on.
func (i *Ingestor) handleEvent(event agent.Event) {
	key := event.Agent.Key

	switch event.Type {
	case agent.EventAdded, agent.EventModified:
		if !i.store.Upsert(event.Agent) {
			logging.Debug("Ingestor", "Ignoring stale %s for %s (version %d)", event.Type, key, event.Agent.ResourceVersion)
		}
	case agent.EventDeleted:
		if !i.store.Delete(event.Agent) {
			logging.Debug("Ingestor", "Ignoring stale delete for %s (version %d)", key, event.Agent.ResourceVersion)
		}
	default:
		logging.Warn("Ingestor", "Ignoring unknown event type %q for %s", event.Type, key)
		return
	}

	i.metrics.recordWatchEvent(event.Type)
	logging.Debug("Ingestor", "Handling %s for %s", event.Type, key)
	i.enqueue(key)
}

// relist replaces the store with a full listing and enqueues every listed
// key, plus every cached key that disappeared from the listing.
func (i *Ingestor) relist(ctx context.Context) error {
	agents, err := i.source.List(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}

	removed := i.store.Replace(agents)
	for _, a := range agents {
		i.enqueue(a.Key)
	}
	for _, key := range removed {
		logging.Debug("Ingestor", "Agent %s disappeared from listing", key)
		i.enqueue(key)
	}

	i.metrics.recordResync()
	logging.Debug("Ingestor", "Listed %d agents (%d removed)", len(agents), len(removed))
	return nil
}

func (i *Ingestor) relistLogged(ctx context.Context) {
	if err := i.relist(ctx); err != nil && ctx.Err() == nil {
		logging.Warn("Ingestor", "Re-list failed: %v", err)
	}
}

// Resync asks the Run goroutine to re-list the source and waits for the
// result. Requests made before the initial sync wait for it.
func (i *Ingestor) Resync(ctx context.Context) error {
	req := resyncRequest{ctx: ctx, done: make(chan error, 1)}

	select {
	case i.resyncRequests <- req:
	case <-i.stopped:
		return ErrIngestorStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serveResync runs a requested re-list. The listing is cut short by either
// the requester's context or ctx.
func (i *Ingestor) serveResync(ctx context.Context, req resyncRequest) {
	listCtx, cancel := context.WithCancel(req.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	logging.Debug("Ingestor", "Manual resync requested")
	req.done <- i.relist(listCtx)
}

func (i *Ingestor) markSynced() {
	i.syncedOnce.Do(func() {
		i.synced.Store(true)
		close(i.syncedCh)
		logging.Info("Ingestor", "Cache synced with %d agents", i.store.Len())
	})
}

// HasSynced reports whether the initial list has completed.
func (i *Ingestor) HasSynced() bool {
	return i.synced.Load()
}

// WaitForCacheSync blocks until the initial list has completed or ctx is
// done. It reports whether the cache synced.
func (i *Ingestor) WaitForCacheSync(ctx context.Context) bool {
	select {
	case <-i.syncedCh:
		return true
	case <-ctx.Done():
		return i.HasSynced()
	}
}

// pause is sleep that keeps serving resync requests.
func (i *Ingestor) pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case req := <-i.resyncRequests:
			i.serveResync(ctx, req)
		}
	}
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
