package platform

import (
	"context"
	"fmt"
	"sync"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/logging"
)

const (
	// LabelTenant and LabelAgent identify the agent a workload belongs to.
	LabelTenant = "agents.ai.example.com/tenant"
	LabelAgent  = "agents.ai.example.com/agent"

	// LabelManagedBy marks namespaces and Deployments created by agentd.
	LabelManagedBy = "app.kubernetes.io/managed-by"
	ManagedBy      = "agentd"

	// ContainerName is the name of the agent container in the pod template.
	ContainerName = "agent"

	// DefaultNamespacePrefix is prepended to the tenant id to form its namespace.
	DefaultNamespacePrefix = "tenant-"
)

// KubernetesPlatform implements agent.Platform on apps/v1 Deployments.
//
// The Deployment of agent (tenant, id) is named id and lives in namespace
// namespacePrefix+tenant, which is created on first use.
type KubernetesPlatform struct {
	client          client.Client
	namespacePrefix string

	mu sync.Mutex
	// namespaces holds tenant namespaces known to exist
	namespaces map[string]struct{}
}

// NewKubernetesPlatform creates a platform on an existing client. The
// client's scheme must include apps/v1 and core/v1.
func NewKubernetesPlatform(c client.Client, namespacePrefix string) *KubernetesPlatform {
	return &KubernetesPlatform{
		client:          c,
		namespacePrefix: namespacePrefix,
		namespaces:      make(map[string]struct{}),
	}
}

// NewKubernetesPlatformForConfig creates a platform from a REST config.
func NewKubernetesPlatformForConfig(restConfig *rest.Config, namespacePrefix string) (*KubernetesPlatform, error) {
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))

	c, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	return NewKubernetesPlatform(c, namespacePrefix), nil
}

// Namespace returns the namespace holding the workloads of tenant.
func (p *KubernetesPlatform) Namespace(tenant string) string {
	return p.namespacePrefix + tenant
}

// Create implements agent.Platform.
func (p *KubernetesPlatform) Create(ctx context.Context, key agent.Key, spec agent.Spec) error {
	if err := p.ensureNamespace(ctx, key.TenantID); err != nil {
		return err
	}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      key.AgentID,
			Namespace: p.Namespace(key.TenantID),
			Labels:    workloadLabels(key),
		},
		Spec: appsv1.DeploymentSpec{
			Selector: &metav1.LabelSelector{
				MatchLabels: selectorLabels(key),
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: workloadLabels(key),
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: ContainerName}},
				},
			},
		},
	}
	if err := applySpec(deployment, spec); err != nil {
		return err
	}

	if err := p.client.Create(ctx, deployment); err != nil {
		// The namespace was deleted behind our back; check it again next time.
		if apierrors.IsNotFound(err) {
			p.forgetNamespace(deployment.Namespace)
		}
		return classify(fmt.Errorf("failed to create deployment %s/%s: %w", deployment.Namespace, deployment.Name, err))
	}

	logging.Info("KubernetesPlatform", "Created deployment %s/%s", deployment.Namespace, deployment.Name)
	return nil
}

// Update implements agent.Platform. Only the fields owned by agentd are
// changed; everything else on the Deployment is preserved.
func (p *KubernetesPlatform) Update(ctx context.Context, key agent.Key, spec agent.Spec) error {
	deployment := &appsv1.Deployment{}
	if err := p.client.Get(ctx, p.objectKey(key), deployment); err != nil {
		return classify(fmt.Errorf("failed to get deployment for %s: %w", key, err))
	}

	if err := applySpec(deployment, spec); err != nil {
		return err
	}

	if err := p.client.Update(ctx, deployment); err != nil {
		return classify(fmt.Errorf("failed to update deployment %s/%s: %w", deployment.Namespace, deployment.Name, err))
	}

	logging.Info("KubernetesPlatform", "Updated deployment %s/%s", deployment.Namespace, deployment.Name)
	return nil
}

// Delete implements agent.Platform. A Deployment that is already gone is
// not an error.
func (p *KubernetesPlatform) Delete(ctx context.Context, key agent.Key) error {
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      key.AgentID,
			Namespace: p.Namespace(key.TenantID),
		},
	}

	err := p.client.Delete(ctx, deployment, client.PropagationPolicy(metav1.DeletePropagationBackground))
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return classify(fmt.Errorf("failed to delete deployment %s/%s: %w", deployment.Namespace, deployment.Name, err))
	}

	logging.Info("KubernetesPlatform", "Deleted deployment %s/%s", deployment.Namespace, deployment.Name)
	return nil
}

// Get implements agent.Platform.
func (p *KubernetesPlatform) Get(ctx context.Context, key agent.Key) (agent.ActualState, bool, error) {
	deployment := &appsv1.Deployment{}
	err := p.client.Get(ctx, p.objectKey(key), deployment)
	if apierrors.IsNotFound(err) {
		return agent.ActualState{}, false, nil
	}
	if err != nil {
		return agent.ActualState{}, false, classify(fmt.Errorf("failed to get deployment for %s: %w", key, err))
	}
	return actualState(deployment), true, nil
}

func (p *KubernetesPlatform) objectKey(key agent.Key) client.ObjectKey {
	return client.ObjectKey{Namespace: p.Namespace(key.TenantID), Name: key.AgentID}
}

// ensureNamespace creates the namespace of tenant if it does not exist.
func (p *KubernetesPlatform) ensureNamespace(ctx context.Context, tenant string) error {
	name := p.Namespace(tenant)

	p.mu.Lock()
	_, known := p.namespaces[name]
	p.mu.Unlock()
	if known {
		return nil
	}

	ns := &corev1.Namespace{}
	err := p.client.Get(ctx, client.ObjectKey{Name: name}, ns)
	if apierrors.IsNotFound(err) {
		ns = &corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{
				Name: name,
				Labels: map[string]string{
					LabelTenant:    tenant,
					LabelManagedBy: ManagedBy,
				},
			},
		}
		err = p.client.Create(ctx, ns)
		if err == nil {
			logging.Info("KubernetesPlatform", "Created namespace %s for tenant %s", name, tenant)
		}
		if apierrors.IsAlreadyExists(err) {
			err = nil
		}
	}
	if err != nil {
		return classify(fmt.Errorf("failed to ensure namespace %s: %w", name, err))
	}

	p.mu.Lock()
	p.namespaces[name] = struct{}{}
	p.mu.Unlock()
	return nil
}

func (p *KubernetesPlatform) forgetNamespace(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.namespaces, name)
}

// applySpec writes the agentd-owned fields of spec into deployment.
func applySpec(deployment *appsv1.Deployment, spec agent.Spec) error {
	replicas := spec.DesiredReplicas()
	deployment.Spec.Replicas = &replicas

	limits, err := resourceLimits(spec.Resources)
	if err != nil {
		return err
	}

	containers := deployment.Spec.Template.Spec.Containers
	idx := agentContainer(containers)
	if idx < 0 {
		containers = append(containers, corev1.Container{Name: ContainerName})
		idx = len(containers) - 1
	}
	containers[idx].Image = spec.Image
	containers[idx].Resources.Limits = limits
	deployment.Spec.Template.Spec.Containers = containers
	return nil
}

func resourceLimits(r agent.Resources) (corev1.ResourceList, error) {
	if r.CPU == "" && r.Memory == "" {
		return nil, nil
	}
	limits := corev1.ResourceList{}
	if r.CPU != "" {
		q, err := resource.ParseQuantity(r.CPU)
		if err != nil {
			return nil, agent.Fatal(fmt.Errorf("%w: cpu %q: %v", agent.ErrInvalidSpec, r.CPU, err))
		}
		limits[corev1.ResourceCPU] = q
	}
	if r.Memory != "" {
		q, err := resource.ParseQuantity(r.Memory)
		if err != nil {
			return nil, agent.Fatal(fmt.Errorf("%w: memory %q: %v", agent.ErrInvalidSpec, r.Memory, err))
		}
		limits[corev1.ResourceMemory] = q
	}
	return limits, nil
}

func actualState(deployment *appsv1.Deployment) agent.ActualState {
	state := agent.ActualState{
		Replicas:      1,
		ReadyReplicas: deployment.Status.ReadyReplicas,
	}
	if deployment.Spec.Replicas != nil {
		state.Replicas = *deployment.Spec.Replicas
	}

	containers := deployment.Spec.Template.Spec.Containers
	if idx := agentContainer(containers); idx >= 0 {
		c := containers[idx]
		state.Image = c.Image
		if q, ok := c.Resources.Limits[corev1.ResourceCPU]; ok {
			state.Resources.CPU = q.String()
		}
		if q, ok := c.Resources.Limits[corev1.ResourceMemory]; ok {
			state.Resources.Memory = q.String()
		}
	}

	state.Healthy = deployment.Status.ObservedGeneration >= deployment.Generation &&
		deployment.Status.ReadyReplicas >= state.Replicas
	return state
}

func agentContainer(containers []corev1.Container) int {
	for i := range containers {
		if containers[i].Name == ContainerName {
			return i
		}
	}
	return -1
}

func workloadLabels(key agent.Key) map[string]string {
	return map[string]string{
		LabelTenant:    key.TenantID,
		LabelAgent:     key.AgentID,
		LabelManagedBy: ManagedBy,
	}
}

func selectorLabels(key agent.Key) map[string]string {
	return map[string]string{
		LabelTenant: key.TenantID,
		LabelAgent:  key.AgentID,
	}
}

// classify marks API errors that no retry can fix as fatal.
func classify(err error) error {
	switch {
	case apierrors.IsInvalid(err),
		apierrors.IsBadRequest(err),
		apierrors.IsForbidden(err),
		apierrors.IsMethodNotSupported(err),
		apierrors.IsNotAcceptable(err),
		apierrors.IsUnsupportedMediaType(err),
		apierrors.IsRequestEntityTooLargeError(err):
		return agent.Fatal(err)
	default:
		return err
	}
}
