package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"sigs.k8s.io/yaml"

	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/logging"
)

// DefaultDebounceInterval is used when NewFilesystemSource gets zero.
const DefaultDebounceInterval = 500 * time.Millisecond

// FilesystemSource implements agent.Source on YAML manifests laid out as
// <base>/<tenant>/<agent>.yaml. A manifest holds an agent.Spec:
//
//	image: registry.example.com/agents/support:v3
//	replicas: 2
//	resources:
//	  cpu: 500m
//	  memory: 1Gi
//
// Resource versions come from a counter bumped on every read, so a later
// observation always carries a higher version. File modification times are
// not used: copying an older manifest back with its original mtime must
// still win. A manifest that cannot be parsed is reported with an empty spec, so the
// agent fails validation instead of being treated as deleted.
type FilesystemSource struct {
	basePath         string
	debounceInterval time.Duration

	// observed is the last resource version handed out
	observed atomic.Uint64

	mu sync.Mutex
	// known holds keys seen by List or Watch, to expand tenant directory removals
	known map[agent.Key]struct{}
}

// NewFilesystemSource creates a source rooted at basePath.
func NewFilesystemSource(basePath string, debounceInterval time.Duration) *FilesystemSource {
	if debounceInterval <= 0 {
		debounceInterval = DefaultDebounceInterval
	}
	return &FilesystemSource{
		basePath:         basePath,
		debounceInterval: debounceInterval,
		known:            make(map[agent.Key]struct{}),
	}
}

// List implements agent.Source. A missing base directory is an error
// rather than an empty listing.
func (s *FilesystemSource) List(ctx context.Context) ([]agent.Agent, error) {
	tenants, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent directory %s: %w", s.basePath, err)
	}

	var agents []agent.Agent
	for _, tenant := range tenants {
		if !tenant.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.basePath, tenant.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read tenant directory %s: %w", tenant.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() || !isYAMLFile(f.Name()) {
				continue
			}
			key := agent.Key{TenantID: tenant.Name(), AgentID: agentIDFromFile(f.Name())}
			a, found, err := s.read(key, filepath.Join(s.basePath, tenant.Name(), f.Name()))
			if err != nil {
				return nil, err
			}
			if found {
				agents = append(agents, a)
			}
		}
	}

	s.mu.Lock()
	s.known = make(map[agent.Key]struct{}, len(agents))
	for _, a := range agents {
		s.known[a.Key] = struct{}{}
	}
	s.mu.Unlock()

	return agents, nil
}

// Get implements agent.Source.
func (s *FilesystemSource) Get(ctx context.Context, key agent.Key) (agent.Agent, bool, error) {
	path, ok := s.findManifest(key)
	if !ok {
		return agent.Agent{}, false, nil
	}
	return s.read(key, path)
}

// Watch implements agent.Source. Changes are debounced per agent; when a
// debounce period ends, the file is read again and its current state is
// reported.
func (s *FilesystemSource) Watch(ctx context.Context) (<-chan agent.Event, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	if err := watcher.Add(s.basePath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", s.basePath, err)
	}

	tenants, err := os.ReadDir(s.basePath)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to read agent directory %s: %w", s.basePath, err)
	}
	for _, tenant := range tenants {
		if tenant.IsDir() {
			s.addTenantWatch(watcher, tenant.Name())
		}
	}

	w := &fsWatch{
		source:  s,
		watcher: watcher,
		events:  make(chan agent.Event, watchBufferSize),
		ready:   make(chan agent.Key, watchBufferSize),
		done:    make(chan struct{}),
		pending: make(map[agent.Key]*time.Timer),
	}
	go w.run(ctx)

	logging.Info("FilesystemSource", "Started watching %s for agent manifests", s.basePath)
	return w.events, nil
}

func (s *FilesystemSource) addTenantWatch(watcher *fsnotify.Watcher, tenant string) {
	dir := filepath.Join(s.basePath, tenant)
	if err := watcher.Add(dir); err != nil {
		logging.Warn("FilesystemSource", "Failed to watch tenant directory %s: %v", dir, err)
		return
	}
	logging.Debug("FilesystemSource", "Watching directory: %s", dir)
}

// read loads the manifest at path. found is false if the file is gone.
func (s *FilesystemSource) read(key agent.Key, path string) (agent.Agent, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return agent.Agent{}, false, nil
	}
	if err != nil {
		return agent.Agent{}, false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	a := agent.Agent{
		Key:             key,
		ResourceVersion: s.observed.Add(1),
	}
	if err := yaml.Unmarshal(data, &a.Spec); err != nil {
		logging.Warn("FilesystemSource", "Manifest %s is not valid YAML: %v", path, err)
		a.Spec = agent.Spec{}
	}
	return a, true, nil
}

// findManifest returns the manifest path of key, trying both extensions.
func (s *FilesystemSource) findManifest(key agent.Key) (string, bool) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(s.basePath, key.TenantID, key.AgentID+ext)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// parsePath maps a manifest path to its key.
func (s *FilesystemSource) parsePath(path string) (agent.Key, bool) {
	rel, err := filepath.Rel(s.basePath, path)
	if err != nil {
		return agent.Key{}, false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) != 2 || !isYAMLFile(parts[1]) {
		return agent.Key{}, false
	}
	return agent.Key{TenantID: parts[0], AgentID: agentIDFromFile(parts[1])}, true
}

func (s *FilesystemSource) remember(key agent.Key, present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if present {
		s.known[key] = struct{}{}
	} else {
		delete(s.known, key)
	}
}

func (s *FilesystemSource) knownInTenant(tenant string) []agent.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []agent.Key
	for key := range s.known {
		if key.TenantID == tenant {
			keys = append(keys, key)
		}
	}
	return keys
}

// fsWatch is one Watch call: an fsnotify watcher plus its debounce state.
type fsWatch struct {
	source  *FilesystemSource
	watcher *fsnotify.Watcher

	events chan agent.Event
	ready  chan agent.Key
	done   chan struct{}

	// pending is owned by the run goroutine
	pending map[agent.Key]*time.Timer
}

func (w *fsWatch) run(ctx context.Context) {
	defer close(w.events)
	defer close(w.done)
	defer w.watcher.Close()
	defer w.cleanupPending()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("FilesystemSource", err, "Filesystem watcher error, ending stream")
			return

		case key := <-w.ready:
			delete(w.pending, key)
			if !w.emit(ctx, key) {
				return
			}
		}
	}
}

func (w *fsWatch) handleFsEvent(event fsnotify.Event) {
	s := w.source

	// A tenant directory appeared or went away.
	if filepath.Dir(event.Name) == filepath.Clean(s.basePath) {
		tenant := filepath.Base(event.Name)
		switch {
		case event.Has(fsnotify.Create):
			info, err := os.Stat(event.Name)
			if err != nil || !info.IsDir() {
				return
			}
			s.addTenantWatch(w.watcher, tenant)
			// Manifests written before the watch was added.
			files, _ := os.ReadDir(event.Name)
			for _, f := range files {
				if key, ok := s.parsePath(filepath.Join(event.Name, f.Name())); ok {
					w.debounce(key)
				}
			}
		case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
			for _, key := range s.knownInTenant(tenant) {
				w.debounce(key)
			}
		}
		return
	}

	key, ok := s.parsePath(event.Name)
	if !ok {
		return
	}
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.debounce(key)
	}
}

// debounce (re)starts the quiet period of key.
func (w *fsWatch) debounce(key agent.Key) {
	if timer, ok := w.pending[key]; ok {
		timer.Stop()
	}
	w.pending[key] = time.AfterFunc(w.source.debounceInterval, func() {
		select {
		case w.ready <- key:
		case <-w.done:
		}
	})
}

// emit reads key's current state and sends the matching event. It returns
// false if ctx ended first.
func (w *fsWatch) emit(ctx context.Context, key agent.Key) bool {
	s := w.source

	var event agent.Event
	a, found, err := s.Get(ctx, key)
	switch {
	case err != nil:
		logging.Warn("FilesystemSource", "Failed to read manifest of %s: %v", key, err)
		return true
	case found:
		s.mu.Lock()
		_, known := s.known[key]
		s.mu.Unlock()
		event = agent.Event{Type: agent.EventModified, Agent: a}
		if !known {
			event.Type = agent.EventAdded
		}
	default:
		event = agent.Event{
			Type:  agent.EventDeleted,
			Agent: agent.Agent{Key: key, ResourceVersion: s.observed.Add(1)},
		}
	}
	s.remember(key, found)

	logging.Debug("FilesystemSource", "Emitting %s for %s", event.Type, key)
	select {
	case w.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *fsWatch) cleanupPending() {
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.pending = nil
}

// isYAMLFile checks if a file path is a YAML file.
func isYAMLFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func agentIDFromFile(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
