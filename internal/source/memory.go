package source

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/logging"
)

// watchBufferSize is the per-watcher event buffer of MemorySource. It also
// bounds the history kept for replaying changes made since the last List.
const watchBufferSize = 256

// ErrWatchExpired is returned by Watch when changes made since the last
// List are no longer retained. The caller has to List again.
var ErrWatchExpired = errors.New("watch history expired")

// MemorySource is an in-memory agent.Source. Every mutation bumps a single
// resource version counter and is broadcast to open watches.
//
// Watch starts from the version of the most recent List: changes made in
// between are replayed before live events.
type MemorySource struct {
	mu sync.Mutex

	agents   map[agent.Key]agent.Agent
	version  uint64
	watchers map[int]chan agent.Event
	nextID   int

	// history holds events newer than listedVersion, oldest first
	history       []agent.Event
	listedVersion uint64
	// compactedVersion is the newest version dropped from history
	compactedVersion uint64
}

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		agents:   make(map[agent.Key]agent.Agent),
		watchers: make(map[int]chan agent.Event),
	}
}

// Apply creates or replaces the agent at key and returns the stored agent.
func (s *MemorySource) Apply(key agent.Key, spec agent.Spec) agent.Agent {
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

// Delete removes the agent at key. It reports whether the agent existed.
func (s *MemorySource) Delete(key agent.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[key]
	if !ok {
		return false
	}
	delete(s.agents, key)
	s.version++
	a.ResourceVersion = s.version
	s.broadcastLocked(agent.Event{Type: agent.EventDeleted, Agent: a})
	return true
}

// List implements agent.Source.
func (s *MemorySource) List(ctx context.Context) ([]agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents := make([]agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}

	s.listedVersion = s.version
	s.history = s.history[:0]
	return agents, nil
}

// Get implements agent.Source.
func (s *MemorySource) Get(ctx context.Context, key agent.Key) (agent.Agent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[key]
	return a, ok, nil
}

// Watch implements agent.Source. The channel is closed when ctx is done,
// or when the watcher falls behind by more than its buffer.
func (s *MemorySource) Watch(ctx context.Context) (<-chan agent.Event, error) {
	s.mu.Lock()
	if s.compactedVersion > s.listedVersion {
		listed := s.listedVersion
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: changes after version %d were dropped", ErrWatchExpired, listed)
	}

	id := s.nextID
	s.nextID++
	ch := make(chan agent.Event, watchBufferSize)
	for _, event := range s.history {
		ch <- event
	}
	s.watchers[id] = ch
	s.mu.Unlock()

	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closeWatcherLocked(id)
	})

	return ch, nil
}

func (s *MemorySource) broadcastLocked(event agent.Event) {
	s.history = append(s.history, event)
	if len(s.history) > watchBufferSize {
		s.compactedVersion = s.history[0].Agent.ResourceVersion
		s.history = s.history[1:]
	}

	for id, ch := range s.watchers {
		select {
		case ch <- event:
		default:
			logging.Warn("MemorySource", "Watcher %d fell behind, closing its stream", id)
			s.closeWatcherLocked(id)
		}
	}
}

func (s *MemorySource) closeWatcherLocked(id int) {
	if ch, ok := s.watchers[id]; ok {
		close(ch)
		delete(s.watchers, id)
	}
}
