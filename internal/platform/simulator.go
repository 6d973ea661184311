package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/logging"
)

// Operation names a Platform method.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpGet    Operation = "get"
)

// Call is one recorded Platform call.
type Call struct {
	Op   Operation
	Key  agent.Key
	Spec agent.Spec
	At   time.Time
}

type faultKey struct {
	op  Operation
	key agent.Key
}

// Simulator is an in-memory agent.Platform. Workloads become ready as soon
// as they are created or updated.
type Simulator struct {
	mu sync.Mutex

	workloads map[agent.Key]agent.ActualState
	calls     []Call
	faults    map[faultKey][]error
	latency   time.Duration
}

// NewSimulator creates an empty simulator.
func NewSimulator() *Simulator {
	return &Simulator{
		workloads: make(map[agent.Key]agent.ActualState),
		faults:    make(map[faultKey][]error),
	}
}

// FailNext makes the next call of op for key return err. The zero key
// matches any key. Faults queue up and are consumed in order.
func (s *Simulator) FailNext(op Operation, key agent.Key, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fk := faultKey{op: op, key: key}
	s.faults[fk] = append(s.faults[fk], err)
}

// SetLatency delays every call by d, or until its context is done.
func (s *Simulator) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// Calls returns a copy of the recorded calls.
func (s *Simulator) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many calls of op were recorded.
func (s *Simulator) CallCount(op Operation) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Workloads returns a snapshot of the running workloads.
func (s *Simulator) Workloads() map[agent.Key]agent.ActualState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[agent.Key]agent.ActualState, len(s.workloads))
	for k, v := range s.workloads {
		out[k] = v
	}
	return out
}

// Create implements agent.Platform.
func (s *Simulator) Create(ctx context.Context, key agent.Key, spec agent.Spec) error {
	if err := s.begin(ctx, OpCreate, key, spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workloads[key]; ok {
		return fmt.Errorf("workload %s already exists", key)
	}
	s.workloads[key] = simulatedState(spec)
	logging.Debug("Simulator", "Created workload %s (%s)", key, spec.Image)
	return nil
}

// Update implements agent.Platform.
func (s *Simulator) Update(ctx context.Context, key agent.Key, spec agent.Spec) error {
	if err := s.begin(ctx, OpUpdate, key, spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workloads[key]; !ok {
		return fmt.Errorf("workload %s not found", key)
	}
	s.workloads[key] = simulatedState(spec)
	logging.Debug("Simulator", "Updated workload %s (%s)", key, spec.Image)
	return nil
}

// Delete implements agent.Platform.
func (s *Simulator) Delete(ctx context.Context, key agent.Key) error {
	if err := s.begin(ctx, OpDelete, key, agent.Spec{}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workloads, key)
	logging.Debug("Simulator", "Deleted workload %s", key)
	return nil
}

// Get implements agent.Platform.
func (s *Simulator) Get(ctx context.Context, key agent.Key) (agent.ActualState, bool, error) {
	if err := s.begin(ctx, OpGet, key, agent.Spec{}); err != nil {
		return agent.ActualState{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.workloads[key]
	return state, ok, nil
}

// begin records the call, applies latency and returns an injected fault.
func (s *Simulator) begin(ctx context.Context, op Operation, key agent.Key, spec agent.Spec) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: op, Key: key, Spec: spec, At: time.Now()})
	latency := s.latency
	err := s.takeFaultLocked(faultKey{op: op, key: key})
	if err == nil {
		err = s.takeFaultLocked(faultKey{op: op})
	}
	s.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *Simulator) takeFaultLocked(fk faultKey) error {
	queued := s.faults[fk]
	if len(queued) == 0 {
		return nil
	}
	if len(queued) == 1 {
		delete(s.faults, fk)
	} else {
		s.faults[fk] = queued[1:]
	}
	return queued[0]
}

func simulatedState(spec agent.Spec) agent.ActualState {
	replicas := spec.DesiredReplicas()
	return agent.ActualState{
		Image:         spec.Image,
		Replicas:      replicas,
		Resources:     spec.Resources,
		ReadyReplicas: replicas,
		Healthy:       true,
	}
}
