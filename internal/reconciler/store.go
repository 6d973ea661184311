package reconciler

import (
	"sync"

	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
)

// Store is the ingestor's local cache of desired state. It is written only
// by the ingestor and read concurrently by reconcile workers.
//
// Notifications carrying a resource version older than the cached one are
// ignored, so a late or reordered event cannot roll the cache back. A
// resource version of 0 means unknown and is always accepted. A full
// listing is authoritative and replaces every entry regardless of version.
type Store struct {
	mu    sync.RWMutex
	items map[agent.Key]agent.Agent
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		items: make(map[agent.Key]agent.Agent),
	}
}

// Get returns the cached desired state for key.
func (s *Store) Get(key agent.Key) (agent.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.items[key]
	return a, ok
}

// Upsert stores a. It returns false if a is older than the cached entry.
func (s *Store) Upsert(a agent.Agent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if isStale(s.items, a) {
		return false
	}
	s.items[a.Key] = a
	return true
}

// Delete removes the entry for a.Key. It returns false if the cached entry
// is newer than a, which means the agent was re-created after the delete.
func (s *Store) Delete(a agent.Agent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if isStale(s.items, a) {
		return false
	}
	delete(s.items, a.Key)
	return true
}

// Replace swaps the contents for a full listing and returns the keys that
// were cached but are absent from the listing. Events are applied by the
// same goroutine, so nothing cached can be newer than the listing.
func (s *Store) Replace(agents []agent.Agent) []agent.Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[agent.Key]agent.Agent, len(agents))
	for _, a := range agents {
		next[a.Key] = a
	}

	var removed []agent.Key
	for key := range s.items {
		if _, ok := next[key]; !ok {
			removed = append(removed, key)
		}
	}

	s.items = next
	return removed
}

// Keys returns a snapshot of the cached keys.
func (s *Store) Keys() []agent.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]agent.Key, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of cached agents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func isStale(items map[agent.Key]agent.Agent, a agent.Agent) bool {
	cached, ok := items[a.Key]
	if !ok || a.ResourceVersion == 0 {
		return false
	}
	return a.ResourceVersion < cached.ResourceVersion
}
