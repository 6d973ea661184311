package agent

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/validation"
)

// Validate checks the key for use as Kubernetes object names.
func (k Key) Validate() error {
	if errs := validation.IsDNS1123Label(k.TenantID); len(errs) > 0 {
		return fmt.Errorf("%w: tenant %q: %v", ErrInvalidSpec, k.TenantID, errs)
	}
	if errs := validation.IsDNS1123Label(k.AgentID); len(errs) > 0 {
		return fmt.Errorf("%w: agent %q: %v", ErrInvalidSpec, k.AgentID, errs)
	}
	return nil
}

// Validate reports whether the spec can ever be applied. Any error
// returned wraps ErrInvalidSpec.
func (s Spec) Validate() error {
	if s.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidSpec)
	}
	if s.Replicas != nil && *s.Replicas < 0 {
		return fmt.Errorf("%w: replicas must not be negative, got %d", ErrInvalidSpec, *s.Replicas)
	}
	if s.Resources.CPU != "" {
		if _, err := resource.ParseQuantity(s.Resources.CPU); err != nil {
			return fmt.Errorf("%w: cpu limit %q: %v", ErrInvalidSpec, s.Resources.CPU, err)
		}
	}
	if s.Resources.Memory != "" {
		if _, err := resource.ParseQuantity(s.Resources.Memory); err != nil {
			return fmt.Errorf("%w: memory limit %q: %v", ErrInvalidSpec, s.Resources.Memory, err)
		}
	}
	return nil
}
