package source

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"

	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/logging"
)

// AgentGVR identifies the Agent custom resource.
var AgentGVR = schema.GroupVersionResource{
	Group:    "ai.example.com",
	Version:  "v1",
	Resource: "agents",
}

// AgentKind is the kind of the Agent custom resource.
const AgentKind = "Agent"

// agentObject is the typed view of an Agent custom resource.
type agentObject struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec agent.Spec `json:"spec"`
}

// KubernetesSource implements agent.Source on Agent custom resources.
//
// Each tenant is a namespace. When namespace is set, only that tenant is
// listed and watched; otherwise all namespaces are.
type KubernetesSource struct {
	client    dynamic.Interface
	namespace string

	mu sync.Mutex
	// resourceVersion is where the next Watch resumes
	resourceVersion string
}

// NewKubernetesSource creates a source on an existing dynamic client.
func NewKubernetesSource(client dynamic.Interface, namespace string) *KubernetesSource {
	return &KubernetesSource{
		client:    client,
		namespace: namespace,
	}
}

// NewKubernetesSourceForConfig creates a source from a REST config.
func NewKubernetesSourceForConfig(restConfig *rest.Config, namespace string) (*KubernetesSource, error) {
	client, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}
	return NewKubernetesSource(client, namespace), nil
}

func (s *KubernetesSource) resource() dynamic.ResourceInterface {
	if s.namespace == "" {
		return s.client.Resource(AgentGVR)
	}
	return s.client.Resource(AgentGVR).Namespace(s.namespace)
}

// List implements agent.Source. Objects that cannot be decoded are skipped
// with a warning.
func (s *KubernetesSource) List(ctx context.Context) ([]agent.Agent, error) {
	list, err := s.resource().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	agents := make([]agent.Agent, 0, len(list.Items))
	for i := range list.Items {
		a, err := agentFromUnstructured(&list.Items[i])
		if err != nil {
			logging.Warn("KubernetesSource", "Skipping agent %s/%s: %v",
				list.Items[i].GetNamespace(), list.Items[i].GetName(), err)
			continue
		}
		agents = append(agents, a)
	}

	s.mu.Lock()
	s.resourceVersion = list.GetResourceVersion()
	s.mu.Unlock()

	logging.Debug("KubernetesSource", "Listed %d agents at resource version %q", len(agents), list.GetResourceVersion())
	return agents, nil
}

// Get implements agent.Source.
func (s *KubernetesSource) Get(ctx context.Context, key agent.Key) (agent.Agent, bool, error) {
	if s.namespace != "" && key.TenantID != s.namespace {
		return agent.Agent{}, false, nil
	}

	obj, err := s.client.Resource(AgentGVR).Namespace(key.TenantID).Get(ctx, key.AgentID, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return agent.Agent{}, false, nil
	}
	if err != nil {
		return agent.Agent{}, false, fmt.Errorf("failed to get agent %s: %w", key, err)
	}

	a, err := agentFromUnstructured(obj)
	if err != nil {
		return agent.Agent{}, false, agent.Fatal(err)
	}
	return a, true, nil
}

// Watch implements agent.Source. It resumes from the resource version of
// the most recent List.
func (s *KubernetesSource) Watch(ctx context.Context) (<-chan agent.Event, error) {
	s.mu.Lock()
	rv := s.resourceVersion
	s.mu.Unlock()

	w, err := s.resource().Watch(ctx, metav1.ListOptions{
		ResourceVersion:     rv,
		AllowWatchBookmarks: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch agents: %w", err)
	}

	events := make(chan agent.Event, watchBufferSize)
	go s.consumeWatch(ctx, w, events)
	return events, nil
}

// consumeWatch translates watch events until the stream ends. Errors end
// the stream; an expired resource version is forgotten so the next Watch
// does not resume from it.
func (s *KubernetesSource) consumeWatch(ctx context.Context, w watch.Interface, events chan<- agent.Event) {
	defer close(events)
	defer w.Stop()

	for {
		var (
			ev watch.Event
			ok bool
		)
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-w.ResultChan():
			if !ok {
				logging.Debug("KubernetesSource", "Watch stream closed by server")
				return
			}
		}

		switch ev.Type {
		case watch.Added, watch.Modified, watch.Deleted:
			u, isUnstructured := ev.Object.(*unstructured.Unstructured)
			if !isUnstructured {
				logging.Warn("KubernetesSource", "Unexpected object type %T in watch", ev.Object)
				continue
			}
			s.remember(u.GetResourceVersion())

			a, err := agentFromUnstructured(u)
			if err != nil && ev.Type != watch.Deleted {
				logging.Warn("KubernetesSource", "Skipping agent %s/%s: %v", u.GetNamespace(), u.GetName(), err)
				continue
			}

			select {
			case events <- agent.Event{Type: eventType(ev.Type), Agent: a}:
			case <-ctx.Done():
				return
			}

		case watch.Bookmark:
			if m, err := metaAccessor(ev.Object); err == nil {
				s.remember(m.GetResourceVersion())
			}

		case watch.Error:
			err := apierrors.FromObject(ev.Object)
			if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
				s.remember("")
			}
			logging.Warn("KubernetesSource", "Watch error, ending stream: %v", err)
			return
		}
	}
}

func (s *KubernetesSource) remember(rv string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resourceVersion = rv
}

func eventType(t watch.EventType) agent.EventType {
	switch t {
	case watch.Added:
		return agent.EventAdded
	case watch.Deleted:
		return agent.EventDeleted
	default:
		return agent.EventModified
	}
}

func metaAccessor(obj runtime.Object) (metav1.Object, error) {
	m, ok := obj.(metav1.Object)
	if !ok {
		return nil, fmt.Errorf("object %T has no metadata", obj)
	}
	return m, nil
}

// agentFromUnstructured converts an Agent custom resource. The key is
// always set, even when the spec fails to decode.
func agentFromUnstructured(u *unstructured.Unstructured) (agent.Agent, error) {
	a := agent.Agent{
		Key: agent.Key{
			TenantID: u.GetNamespace(),
			AgentID:  u.GetName(),
		},
		ResourceVersion: parseResourceVersion(u.GetResourceVersion()),
	}

	var obj agentObject
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.Object, &obj); err != nil {
		return a, fmt.Errorf("%w: decoding agent: %v", agent.ErrInvalidSpec, err)
	}
	a.Spec = obj.Spec
	return a, nil
}

// parseResourceVersion returns 0, meaning unknown, for versions that are
// not decimal integers.
func parseResourceVersion(rv string) uint64 {
	n, err := strconv.ParseUint(rv, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// NewAgentObject builds an Agent custom resource. It is used by tests and
// by tooling that seeds a cluster.
func NewAgentObject(key agent.Key, spec agent.Spec) (*unstructured.Unstructured, error) {
	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(&agentObject{
		TypeMeta: metav1.TypeMeta{
			APIVersion: AgentGVR.GroupVersion().String(),
			Kind:       AgentKind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Namespace: key.TenantID,
			Name:      key.AgentID,
		},
		Spec: spec,
	})
	if err != nil {
		return nil, err
	}
	return &unstructured.Unstructured{Object: content}, nil
}
