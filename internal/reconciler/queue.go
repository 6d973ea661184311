package reconciler

import (
	"context"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"

	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
)

// WorkQueue is a deduplicating, rate-limited queue of agent keys.
//
// A key is in at most one of three places at any time: ready (waiting for
// a worker), waiting (scheduled by AddAfter) or processing (handed out by
// Get and not yet Done). Adding a key that is processing marks it dirty;
// Done then re-adds it exactly once. This gives per-key mutual exclusion
// while letting different keys be processed concurrently.
type WorkQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	clock       clock.WithDelayedExecution
	rateLimiter workqueue.TypedRateLimiter[agent.Key]

	// queue holds ready keys in FIFO order
	queue []agent.Key

	// pending mirrors queue for constant-time deduplication
	pending map[agent.Key]struct{}

	// processing tracks keys handed out by Get
	processing map[agent.Key]struct{}

	// dirty tracks processing keys that were added again
	dirty map[agent.Key]struct{}

	// waiting tracks keys scheduled by AddAfter
	waiting map[agent.Key]*waitingEntry

	// onDepth is called with q.mu held whenever the ready count changes
	onDepth func(int)

	shuttingDown bool
}

// waitingEntry is a key scheduled to become ready at readyAt.
type waitingEntry struct {
	readyAt time.Time
	timer   clock.Timer
}

// QueueOption customizes a WorkQueue.
type QueueOption func(*WorkQueue)

// WithClock sets the clock used for delayed adds.
func WithClock(c clock.WithDelayedExecution) QueueOption {
	return func(q *WorkQueue) {
		q.clock = c
	}
}

// WithRateLimiter replaces the default exponential per-key backoff.
func WithRateLimiter(rl workqueue.TypedRateLimiter[agent.Key]) QueueOption {
	return func(q *WorkQueue) {
		q.rateLimiter = rl
	}
}

// WithDepthObserver registers fn to be called with the number of ready
// keys each time it changes, including when a backoff timer fires or Done
// re-adds a dirty key. fn must not call back into the queue.
func WithDepthObserver(fn func(int)) QueueOption {
	return func(q *WorkQueue) {
		q.onDepth = fn
	}
}

// NewWorkQueue creates a queue whose retry delay starts at initialBackoff
// and doubles per consecutive failure of a key, capped at maxBackoff.
func NewWorkQueue(initialBackoff, maxBackoff time.Duration, opts ...QueueOption) *WorkQueue {
	q := &WorkQueue{
		clock:       clock.RealClock{},
		rateLimiter: workqueue.NewTypedItemExponentialFailureRateLimiter[agent.Key](initialBackoff, maxBackoff),
		queue:       make([]agent.Key, 0),
		pending:     make(map[agent.Key]struct{}),
		processing:  make(map[agent.Key]struct{}),
		dirty:       make(map[agent.Key]struct{}),
		waiting:     make(map[agent.Key]*waitingEntry),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add makes key ready for processing. It is a no-op if the key is already
// ready; if the key is being processed it is re-added once Done is called.
// A key waiting on a backoff timer is promoted immediately.
func (q *WorkQueue) Add(key agent.Key) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.addLocked(key)
}

func (q *WorkQueue) addLocked(key agent.Key) {
	if q.shuttingDown {
		return
	}

	if _, ok := q.processing[key]; ok {
		q.dirty[key] = struct{}{}
		return
	}

	if _, ok := q.pending[key]; ok {
		return
	}

	// The orphaned timer finds itself superseded and does nothing.
	delete(q.waiting, key)

	q.queue = append(q.queue, key)
	q.pending[key] = struct{}{}
	q.depthChangedLocked()
	q.cond.Signal()
}

func (q *WorkQueue) depthChangedLocked() {
	if q.onDepth != nil {
		q.onDepth(len(q.queue))
	}
}

// AddAfter adds key once delay has elapsed. If the key is already waiting,
// the earlier of the two ready times wins. It never blocks.
func (q *WorkQueue) AddAfter(key agent.Key, delay time.Duration) {
	if delay <= 0 {
		q.Add(key)
		return
	}

	// The clock is never called with q.mu held: timer callbacks take q.mu.
	entry := &waitingEntry{readyAt: q.clock.Now().Add(delay)}

	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return
	}

	// Already ready; it will run sooner than the requested delay.
	if _, ok := q.pending[key]; ok {
		q.mu.Unlock()
		return
	}

	var superseded clock.Timer
	if existing, ok := q.waiting[key]; ok {
		if !entry.readyAt.Before(existing.readyAt) {
			q.mu.Unlock()
			return
		}
		superseded = existing.timer
	}
	q.waiting[key] = entry
	q.mu.Unlock()

	if superseded != nil {
		superseded.Stop()
	}

	timer := q.clock.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		// Superseded by an earlier schedule, a promotion or shutdown.
		if q.waiting[key] != entry {
			return
		}
		delete(q.waiting, key)
		q.addLocked(key)
	})

	q.mu.Lock()
	entry.timer = timer
	q.mu.Unlock()
}

// AddRateLimited schedules key after its backoff delay and records a
// failure for it. It returns the delay used.
func (q *WorkQueue) AddRateLimited(key agent.Key) time.Duration {
	delay := q.rateLimiter.When(key)
	q.AddAfter(key, delay)
	return delay
}

// Forget resets the failure count of key, so the next AddRateLimited
// starts again from the initial backoff.
func (q *WorkQueue) Forget(key agent.Key) {
	q.rateLimiter.Forget(key)
}

// NumRequeues returns how many times key has been rate-limited since the
// last Forget.
func (q *WorkQueue) NumRequeues(key agent.Key) int {
	return q.rateLimiter.NumRequeues(key)
}

// Get blocks until a key is ready and marks it as processing. It returns
// false when ctx is cancelled, or when the queue is shut down and no
// ready keys remain.
func (q *WorkQueue) Get(ctx context.Context) (agent.Key, bool) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.queue) == 0 && !q.shuttingDown {
		if ctx.Err() != nil {
			return agent.Key{}, false
		}
		q.cond.Wait()
	}

	if len(q.queue) == 0 {
		return agent.Key{}, false
	}

	key := q.queue[0]
	q.queue[0] = agent.Key{}
	q.queue = q.queue[1:]

	delete(q.pending, key)
	q.processing[key] = struct{}{}
	q.depthChangedLocked()

	return key, true
}

// Done releases key after processing. If the key was added while it was
// processing, it is made ready again.
func (q *WorkQueue) Done(key agent.Key) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.processing, key)

	if _, ok := q.dirty[key]; ok {
		delete(q.dirty, key)
		q.addLocked(key)
	}
}

// Len returns the number of ready keys.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// ShutDown stops accepting keys and cancels pending timers. Blocked Get
// calls return once the ready keys have been drained.
func (q *WorkQueue) ShutDown() {
	q.mu.Lock()
	q.shuttingDown = true
	timers := make([]clock.Timer, 0, len(q.waiting))
	for key, entry := range q.waiting {
		if entry.timer != nil {
			timers = append(timers, entry.timer)
		}
		delete(q.waiting, key)
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
}

// ShuttingDown reports whether ShutDown has been called.
func (q *WorkQueue) ShuttingDown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shuttingDown
}
