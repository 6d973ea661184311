package reconciler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
)

// =============================================================================
// mockSource - controllable desired-state source
// =============================================================================

type mockSource struct {
	mu sync.Mutex

	agents  map[agent.Key]agent.Agent
	version uint64

	// ListError fails every List call while set
	ListError error
	listCalls int

	// listGate, when set, holds the next List after its snapshot is taken
	listGate  chan struct{}
	listTaken chan struct{}

	// watchers receive events from Apply and Remove
	watchers []chan agent.Event
	watchCalls int
}

func newMockSource(agents ...agent.Agent) *mockSource {
	s := &mockSource{agents: make(map[agent.Key]agent.Agent)}
	for _, a := range agents {
		s.version++
		a.ResourceVersion = s.version
		s.agents[a.Key] = a
	}
	return s
}

func (s *mockSource) List(ctx context.Context) ([]agent.Agent, error) {
	s.mu.Lock()
	s.listCalls++
	if s.ListError != nil {
		s.mu.Unlock()
		return nil, s.ListError
	}
	out := make([]agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	gate, taken := s.listGate, s.listTaken
	s.listGate, s.listTaken = nil, nil
	s.mu.Unlock()

	if gate != nil {
		close(taken)
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// GateNextList makes the next List block after taking its snapshot. taken
// is closed once the snapshot exists; release lets List return it.
func (s *mockSource) GateNextList() (taken <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	s.listGate = gate
	s.listTaken = make(chan struct{})
	var once sync.Once
	return s.listTaken, func() { once.Do(func() { close(gate) }) }
}

func (s *mockSource) Watch(ctx context.Context) (<-chan agent.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchCalls++
	ch := make(chan agent.Event, 100)
	s.watchers = append(s.watchers, ch)
	return ch, nil
}

func (s *mockSource) Get(ctx context.Context, key agent.Key) (agent.Agent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[key]
	return a, ok, nil
}

// Apply creates or replaces an agent and notifies watchers.
func (s *mockSource) Apply(key agent.Key, spec agent.Spec) agent.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.agents[key]
	s.version++
	a := agent.Agent{Key: key, Spec: spec, ResourceVersion: s.version}
	s.agents[key] = a
	eventType := agent.EventAdded
	if existed {
		eventType = agent.EventModified
	}
	s.broadcastLocked(agent.Event{Type: eventType, Agent: a})
	return a
}

// Remove deletes an agent and notifies watchers.
func (s *mockSource) Remove(key agent.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[key]
	if !ok {
		return
	}
	delete(s.agents, key)
	s.version++
	a.ResourceVersion = s.version
	s.broadcastLocked(agent.Event{Type: agent.EventDeleted, Agent: a})
}

// ApplySilently creates or replaces an agent without notifying watchers.
func (s *mockSource) ApplySilently(key agent.Key, spec agent.Spec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	s.agents[key] = agent.Agent{Key: key, Spec: spec, ResourceVersion: s.version}
}

// SetSilently stores a exactly as given, version included, without
// notifying watchers.
func (s *mockSource) SetSilently(a agent.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.Key] = a
}

// RemoveSilently deletes an agent without notifying watchers, like a lost
// notification.
func (s *mockSource) RemoveSilently(key agent.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, key)
}

// CloseWatches ends every open watch stream.
func (s *mockSource) CloseWatches() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		close(ch)
	}
	s.watchers = nil
}

func (s *mockSource) SetListError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ListError = err
}

func (s *mockSource) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

func (s *mockSource) WatchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchCalls
}

func (s *mockSource) broadcastLocked(e agent.Event) {
	for _, ch := range s.watchers {
		ch <- e
	}
}

// =============================================================================
// mockPlatform - in-memory platform with call recording and fault injection
// =============================================================================

type platformCall struct {
	Op  string
	Key agent.Key
}

type mockPlatform struct {
	mu sync.Mutex

	workloads map[agent.Key]agent.ActualState
	calls     []platformCall

	// errs holds errors returned by the next calls of an operation, in order
	errs map[string][]error

	// delay is applied to every mutating call
	delay time.Duration
}

func newMockPlatform() *mockPlatform {
	return &mockPlatform{
		workloads: make(map[agent.Key]agent.ActualState),
		errs:      make(map[string][]error),
	}
}

// FailNext makes the next n calls of op return err.
func (p *mockPlatform) FailNext(op string, n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		p.errs[op] = append(p.errs[op], err)
	}
}

func (p *mockPlatform) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

func (p *mockPlatform) record(op string, key agent.Key) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, platformCall{Op: op, Key: key})
	if queued := p.errs[op]; len(queued) > 0 {
		p.errs[op] = queued[1:]
		return p.delay, queued[0]
	}
	return p.delay, nil
}

func (p *mockPlatform) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *mockPlatform) Create(ctx context.Context, key agent.Key, spec agent.Spec) error {
	delay, err := p.record("create", key)
	if err != nil {
		return err
	}
	if err := p.wait(ctx, delay); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.workloads[key]; ok {
		return errors.New("already exists")
	}
	p.workloads[key] = actualFromSpec(spec)
	return nil
}

func (p *mockPlatform) Update(ctx context.Context, key agent.Key, spec agent.Spec) error {
	delay, err := p.record("update", key)
	if err != nil {
		return err
	}
	if err := p.wait(ctx, delay); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workloads[key] = actualFromSpec(spec)
	return nil
}

func (p *mockPlatform) Delete(ctx context.Context, key agent.Key) error {
	delay, err := p.record("delete", key)
	if err != nil {
		return err
	}
	if err := p.wait(ctx, delay); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workloads, key)
	return nil
}

func (p *mockPlatform) Get(ctx context.Context, key agent.Key) (agent.ActualState, bool, error) {
	if _, err := p.record("get", key); err != nil {
		return agent.ActualState{}, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.workloads[key]
	return s, ok, nil
}

// Workload returns the current actual state of key.
func (p *mockPlatform) Workload(key agent.Key) (agent.ActualState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.workloads[key]
	return s, ok
}

func (p *mockPlatform) WorkloadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workloads)
}

// Calls returns the recorded mutating calls, excluding reads.
func (p *mockPlatform) Calls() []platformCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []platformCall
	for _, c := range p.calls {
		if c.Op != "get" {
			out = append(out, c)
		}
	}
	return out
}

// TotalCalls returns the number of calls of any kind.
func (p *mockPlatform) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// panickingPlatform panics in its first n Create calls.
type panickingPlatform struct {
	*mockPlatform
	remaining atomic.Int32
}

func newPanickingPlatform(n int32) *panickingPlatform {
	p := &panickingPlatform{mockPlatform: newMockPlatform()}
	p.remaining.Store(n)
	return p
}

func (p *panickingPlatform) Create(ctx context.Context, key agent.Key, spec agent.Spec) error {
	if p.remaining.Add(-1) >= 0 {
		panic("nil pointer in platform driver")
	}
	return p.mockPlatform.Create(ctx, key, spec)
}

func actualFromSpec(spec agent.Spec) agent.ActualState {
	return agent.ActualState{
		Image:     spec.Image,
		Replicas:  spec.DesiredReplicas(),
		Resources: spec.Resources,
	}
}

// =============================================================================
// scriptedReconciler - returns canned results and records calls
// =============================================================================

type scriptedReconciler struct {
	mu sync.Mutex

	// results are returned in order per key; the last one repeats
	results map[agent.Key][]ReconcileResult
	calls   map[agent.Key]int

	// fn, when set, is called instead of consulting results
	fn func(ctx context.Context, key agent.Key) ReconcileResult
}

func newScriptedReconciler() *scriptedReconciler {
	return &scriptedReconciler{
		results: make(map[agent.Key][]ReconcileResult),
		calls:   make(map[agent.Key]int),
	}
}

func (r *scriptedReconciler) Script(key agent.Key, results ...ReconcileResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[key] = results
}

func (r *scriptedReconciler) Reconcile(ctx context.Context, key agent.Key) ReconcileResult {
	r.mu.Lock()
	n := r.calls[key]
	r.calls[key] = n + 1
	fn := r.fn
	scripted := r.results[key]
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, key)
	}
	if len(scripted) == 0 {
		return Success(ActionNone)
	}
	if n >= len(scripted) {
		n = len(scripted) - 1
	}
	return scripted[n]
}

func (r *scriptedReconciler) Calls(key agent.Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

func testKey(tenant, id string) agent.Key {
	return agent.Key{TenantID: tenant, AgentID: id}
}

func testSpec(image string) agent.Spec {
	return agent.Spec{Image: image}
}
