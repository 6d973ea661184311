package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
)

func getWithin(t *testing.T, q *WorkQueue, d time.Duration) (agent.Key, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return q.Get(ctx)
}

func TestWorkQueue_AddAndGet(t *testing.T) {
	q := NewWorkQueue(time.Second, time.Minute)
	k := testKey("acme", "a1")

	q.Add(k)
	assert.Equal(t, 1, q.Len())

	got, ok := getWithin(t, q, time.Second)
	require.True(t, ok)
	assert.Equal(t, k, got)
	assert.Equal(t, 0, q.Len())

	q.Done(got)
}

func TestWorkQueue_Deduplication(t *testing.T) {
	q := NewWorkQueue(time.Second, time.Minute)
	k := testKey("acme", "a1")

	q.Add(k)
	q.Add(k)
	q.Add(k)

	assert.Equal(t, 1, q.Len(), "duplicate adds of a ready key collapse")
}

func TestWorkQueue_FIFOOrder(t *testing.T) {
	q := NewWorkQueue(time.Second, time.Minute)
	keys := []agent.Key{testKey("t", "a"), testKey("t", "b"), testKey("t", "c")}
	for _, k := range keys {
		q.Add(k)
	}

	for _, want := range keys {
		got, ok := getWithin(t, q, time.Second)
		require.True(t, ok)
		assert.Equal(t, want, got)
		q.Done(got)
	}
}

func TestWorkQueue_ProcessingKeyIsNotHandedOutTwice(t *testing.T) {
	q := NewWorkQueue(time.Second, time.Minute)
	k := testKey("acme", "a1")

	q.Add(k)
	got, ok := getWithin(t, q, time.Second)
	require.True(t, ok)

	// Added while processing: must not become ready until Done.
	q.Add(k)
	q.Add(k)
	assert.Equal(t, 0, q.Len())

	_, ok = getWithin(t, q, 50*time.Millisecond)
	assert.False(t, ok, "key must not be handed to a second worker while processing")

	q.Done(got)
	assert.Equal(t, 1, q.Len(), "dirty key is re-added exactly once")

	got, ok = getWithin(t, q, time.Second)
	require.True(t, ok)
	assert.Equal(t, k, got)
	q.Done(got)

	assert.Equal(t, 0, q.Len(), "clean key is not re-added")
}

func TestWorkQueue_GetBlocksUntilAdd(t *testing.T) {
	q := NewWorkQueue(time.Second, time.Minute)
	k := testKey("acme", "a1")

	result := make(chan agent.Key, 1)
	go func() {
		got, ok := getWithin(t, q, 5*time.Second)
		if ok {
			result <- got
		}
		close(result)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Add(k)

	select {
	case got := <-result:
		assert.Equal(t, k, got)
	case <-time.After(5 * time.Second):
		t.Fatal("Get did not return after Add")
	}
}

func TestWorkQueue_GetReturnsOnContextCancel(t *testing.T) {
	q := NewWorkQueue(time.Second, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Get(ctx)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("Get did not return after cancel")
	}
}

func TestWorkQueue_AddAfter(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Now())
	q := NewWorkQueue(time.Second, time.Minute, WithClock(fakeClock))
	k := testKey("acme", "a1")

	q.AddAfter(k, 10*time.Second)
	assert.Equal(t, 0, q.Len())
	require.True(t, fakeClock.HasWaiters())

	fakeClock.Step(5 * time.Second)
	assert.Equal(t, 0, q.Len())

	fakeClock.Step(5 * time.Second)
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWorkQueue_AddAfterKeepsEarliestReadyTime(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Now())
	q := NewWorkQueue(time.Second, time.Minute, WithClock(fakeClock))
	k := testKey("acme", "a1")

	q.AddAfter(k, 10*time.Second)
	q.AddAfter(k, 2*time.Second)
	q.AddAfter(k, 30*time.Second)

	fakeClock.Step(2 * time.Second)
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 5*time.Millisecond)

	got, ok := getWithin(t, q, time.Second)
	require.True(t, ok)
	q.Done(got)

	// The superseded schedules must not add the key again.
	fakeClock.Step(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, q.Len())
}

func TestWorkQueue_AddPromotesWaitingKey(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Now())
	q := NewWorkQueue(time.Second, time.Minute, WithClock(fakeClock))
	k := testKey("acme", "a1")

	q.AddAfter(k, time.Hour)
	q.Add(k)
	assert.Equal(t, 1, q.Len(), "a fresh notification runs without waiting for backoff")

	got, ok := getWithin(t, q, time.Second)
	require.True(t, ok)
	q.Done(got)

	fakeClock.Step(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, q.Len(), "promoted key's timer is void")
}

func TestWorkQueue_AddAfterWhileProcessingMarksDirtyOnFire(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Now())
	q := NewWorkQueue(time.Second, time.Minute, WithClock(fakeClock))
	k := testKey("acme", "a1")

	q.Add(k)
	got, ok := getWithin(t, q, time.Second)
	require.True(t, ok)

	q.AddAfter(k, time.Second)
	fakeClock.Step(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, q.Len(), "fired timer for a processing key waits for Done")

	q.Done(got)
	assert.Equal(t, 1, q.Len())
}

// depthRecorder keeps the last value reported to a depth observer.
type depthRecorder struct {
	mu    sync.Mutex
	depth int
}

func (r *depthRecorder) observe(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depth = n
}

func (r *depthRecorder) Depth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.depth
}

func TestWorkQueue_DepthObserverSeesTimerAndDirtyReadds(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Now())
	rec := &depthRecorder{}
	q := NewWorkQueue(time.Second, time.Minute, WithClock(fakeClock), WithDepthObserver(rec.observe))
	a, b := testKey("acme", "a1"), testKey("acme", "b1")

	q.AddRateLimited(a)
	assert.Equal(t, 0, rec.Depth())

	fakeClock.Step(time.Second)
	require.Eventually(t, func() bool { return rec.Depth() == 1 }, time.Second, 5*time.Millisecond,
		"a key released by its backoff timer is counted")

	got, ok := getWithin(t, q, time.Second)
	require.True(t, ok)
	assert.Equal(t, 0, rec.Depth())

	q.Add(b)
	assert.Equal(t, 1, rec.Depth())
	q.Add(a)
	assert.Equal(t, 1, rec.Depth(), "a processing key is only marked dirty")

	q.Done(got)
	assert.Equal(t, 2, rec.Depth(), "Done re-adds the dirty key")
}

func TestWorkQueue_RateLimitedBackoff(t *testing.T) {
	q := NewWorkQueue(time.Second, 10*time.Second, WithClock(testingclock.NewFakeClock(time.Now())))
	k := testKey("acme", "a1")

	var delays []time.Duration
	for i := 0; i < 6; i++ {
		delays = append(delays, q.AddRateLimited(k))
	}

	assert.Equal(t, []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}, delays)
	assert.Equal(t, 6, q.NumRequeues(k))

	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1], "backoff never shrinks between failures")
	}

	q.Forget(k)
	assert.Equal(t, 0, q.NumRequeues(k))
	assert.Equal(t, time.Second, q.AddRateLimited(k), "backoff resets after Forget")
}

func TestWorkQueue_RateLimitIsPerKey(t *testing.T) {
	q := NewWorkQueue(time.Second, time.Minute, WithClock(testingclock.NewFakeClock(time.Now())))
	a, b := testKey("t", "a"), testKey("t", "b")

	q.AddRateLimited(a)
	q.AddRateLimited(a)
	q.AddRateLimited(a)

	assert.Equal(t, time.Second, q.AddRateLimited(b))
	assert.Equal(t, 3, q.NumRequeues(a))
}

func TestWorkQueue_ShutDown(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Now())
	q := NewWorkQueue(time.Second, time.Minute, WithClock(fakeClock))
	a, b := testKey("t", "a"), testKey("t", "b")

	q.Add(a)
	q.AddAfter(b, time.Second)
	q.ShutDown()

	assert.True(t, q.ShuttingDown())

	// Ready keys drain after shutdown.
	got, ok := getWithin(t, q, time.Second)
	require.True(t, ok)
	assert.Equal(t, a, got)
	q.Done(got)

	// New and delayed keys are dropped.
	q.Add(b)
	fakeClock.Step(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, q.Len())

	_, ok = getWithin(t, q, time.Second)
	assert.False(t, ok, "Get returns false once shut down and drained")
}

func TestWorkQueue_ShutDownWakesBlockedGet(t *testing.T) {
	q := NewWorkQueue(time.Second, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.Get(context.Background())
			assert.False(t, ok)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.ShutDown()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("blocked Get calls were not released by ShutDown")
	}
}

func TestWorkQueue_ConcurrentWorkersNeverShareKey(t *testing.T) {
	q := NewWorkQueue(time.Millisecond, time.Millisecond)
	keys := []agent.Key{testKey("t", "a"), testKey("t", "b"), testKey("t", "c")}

	var mu sync.Mutex
	inFlight := make(map[agent.Key]bool)
	violations := 0

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				k, ok := q.Get(ctx)
				if !ok {
					return
				}
				mu.Lock()
				if inFlight[k] {
					violations++
				}
				inFlight[k] = true
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inFlight[k] = false
				mu.Unlock()
				q.Done(k)
			}
		}()
	}

	for i := 0; i < 500; i++ {
		q.Add(keys[i%len(keys)])
	}

	time.Sleep(200 * time.Millisecond)
	cancel()
	q.ShutDown()
	wg.Wait()

	assert.Zero(t, violations)
}
