// Package agent defines the domain model shared by the reconciliation
// controller, its desired-state sources and its target platforms.
//
// An Agent is a tenant-owned workload described by a container image,
// a replica count and optional resource limits. The controller never
// mutates an Agent: it only reads desired state from a Source and drives
// a Platform until the actual workload matches.
package agent

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"
)

// Key identifies an agent across the whole fleet. It is the unit of
// queue deduplication and of per-resource mutual exclusion.
type Key struct {
	TenantID string
	AgentID  string
}

// String returns the canonical "tenant/agent" form of the key.
func (k Key) String() string {
	return k.TenantID + "/" + k.AgentID
}

// ParseKey parses the "tenant/agent" form produced by Key.String.
func ParseKey(s string) (Key, error) {
	tenant, id, ok := strings.Cut(s, "/")
	if !ok || tenant == "" || id == "" || strings.Contains(id, "/") {
		return Key{}, fmt.Errorf("invalid agent key %q: expected tenant/agent", s)
	}
	return Key{TenantID: tenant, AgentID: id}, nil
}

// Resources holds optional resource limits expressed as Kubernetes
// quantities (for example "500m" and "256Mi"). Empty means unlimited.
type Resources struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
}

// Spec is the desired workload for an agent.
type Spec struct {
	Image     string    `json:"image"`
	Replicas  *int32    `json:"replicas,omitempty"`
	Resources Resources `json:"resources,omitempty"`
}

// DefaultReplicas is used when a spec leaves Replicas unset.
const DefaultReplicas int32 = 1

// DesiredReplicas returns the replica count with the default applied.
func (s Spec) DesiredReplicas() int32 {
	if s.Replicas == nil {
		return DefaultReplicas
	}
	return *s.Replicas
}

// Agent is the desired state of one agent as published by a Source.
type Agent struct {
	Key             Key
	Spec            Spec
	ResourceVersion uint64
}

// ActualState is what a Platform reports for a running agent workload.
type ActualState struct {
	Image         string
	Replicas      int32
	Resources     Resources
	ReadyReplicas int32
	Healthy       bool
}

// Matches reports whether the observed workload already satisfies spec.
func (a ActualState) Matches(spec Spec) bool {
	return a.Image == spec.Image &&
		a.Replicas == spec.DesiredReplicas() &&
		sameQuantity(a.Resources.CPU, spec.Resources.CPU) &&
		sameQuantity(a.Resources.Memory, spec.Resources.Memory)
}

// sameQuantity compares two quantity strings by value, so "0.5" and
// "500m" are equal. Unparseable values fall back to string comparison.
func sameQuantity(a, b string) bool {
	if a == b {
		return true
	}
	if a == "" || b == "" {
		return false
	}
	qa, errA := resource.ParseQuantity(a)
	qb, errB := resource.ParseQuantity(b)
	if errA != nil || errB != nil {
		return false
	}
	return qa.Cmp(qb) == 0
}

// EventType describes the kind of change reported by a Source watch.
type EventType string

const (
	EventAdded    EventType = "ADDED"
	EventModified EventType = "MODIFIED"
	EventDeleted  EventType = "DELETED"
)

// Event is a single notification from a Source watch stream. For
// EventDeleted, Agent carries the last known state of the agent.
type Event struct {
	Type  EventType
	Agent Agent
}

// Source is the system of record for desired agent state.
type Source interface {
	// List returns every agent currently declared.
	List(ctx context.Context) ([]Agent, error)

	// Watch streams changes that happened after the most recent List.
	// The channel is closed when ctx is cancelled or the stream breaks;
	// callers are expected to List again and re-watch.
	Watch(ctx context.Context) (<-chan Event, error)

	// Get reads a single agent. found is false when the agent does not exist.
	Get(ctx context.Context, key Key) (agent Agent, found bool, err error)
}

// Platform creates, updates, deletes and reads the running workload
// for an agent. Implementations must be safe for concurrent use with
// different keys; callers never issue concurrent calls for the same key.
type Platform interface {
	Create(ctx context.Context, key Key, spec Spec) error
	Update(ctx context.Context, key Key, spec Spec) error
	Delete(ctx context.Context, key Key) error
	Get(ctx context.Context, key Key) (state ActualState, found bool, err error)
}
