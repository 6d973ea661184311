package platform

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation/field"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
)

func newTestScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))
	return scheme
}

func newTestPlatform(t *testing.T, funcs *interceptor.Funcs, objs ...client.Object) (*KubernetesPlatform, client.Client) {
	t.Helper()
	builder := fake.NewClientBuilder().WithScheme(newTestScheme(t)).WithObjects(objs...)
	if funcs != nil {
		builder = builder.WithInterceptorFuncs(*funcs)
	}
	c := builder.Build()
	return NewKubernetesPlatform(c, DefaultNamespacePrefix), c
}

func TestKubernetesPlatform_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	p, c := newTestPlatform(t, nil)
	key := agent.Key{TenantID: "acme", AgentID: "support"}

	replicas := int32(2)
	spec := agent.Spec{
		Image:     "registry.example.com/support:v1",
		Replicas:  &replicas,
		Resources: agent.Resources{CPU: "500m", Memory: "1Gi"},
	}
	require.NoError(t, p.Create(ctx, key, spec))

	ns := &corev1.Namespace{}
	require.NoError(t, c.Get(ctx, client.ObjectKey{Name: "tenant-acme"}, ns))
	assert.Equal(t, "acme", ns.Labels[LabelTenant])
	assert.Equal(t, ManagedBy, ns.Labels[LabelManagedBy])

	dep := &appsv1.Deployment{}
	require.NoError(t, c.Get(ctx, client.ObjectKey{Namespace: "tenant-acme", Name: "support"}, dep))
	assert.Equal(t, "acme", dep.Labels[LabelTenant])
	assert.Equal(t, "support", dep.Labels[LabelAgent])
	assert.Equal(t, map[string]string{LabelTenant: "acme", LabelAgent: "support"}, dep.Spec.Selector.MatchLabels)
	assert.Equal(t, "support", dep.Spec.Template.Labels[LabelAgent])
	require.NotNil(t, dep.Spec.Replicas)
	assert.Equal(t, int32(2), *dep.Spec.Replicas)
	require.Len(t, dep.Spec.Template.Spec.Containers, 1)

	container := dep.Spec.Template.Spec.Containers[0]
	assert.Equal(t, ContainerName, container.Name)
	assert.Equal(t, "registry.example.com/support:v1", container.Image)
	assert.True(t, container.Resources.Limits.Cpu().Equal(resource.MustParse("500m")))
	assert.True(t, container.Resources.Limits.Memory().Equal(resource.MustParse("1Gi")))

	state, found, err := p.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, state.Matches(spec), "a freshly created workload matches its spec: %+v", state)
	assert.False(t, state.Healthy, "no replicas are ready yet")
}

func TestKubernetesPlatform_CreateDefaultsToOneReplica(t *testing.T) {
	ctx := context.Background()
	p, c := newTestPlatform(t, nil)
	key := agent.Key{TenantID: "acme", AgentID: "support"}

	require.NoError(t, p.Create(ctx, key, agent.Spec{Image: "img:v1"}))

	dep := &appsv1.Deployment{}
	require.NoError(t, c.Get(ctx, client.ObjectKey{Namespace: "tenant-acme", Name: "support"}, dep))
	assert.Equal(t, int32(1), *dep.Spec.Replicas)
	assert.Nil(t, dep.Spec.Template.Spec.Containers[0].Resources.Limits)
}

func TestKubernetesPlatform_CreateInExistingNamespace(t *testing.T) {
	ctx := context.Background()
	existing := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "tenant-acme"}}
	p, _ := newTestPlatform(t, nil, existing)

	require.NoError(t, p.Create(ctx, agent.Key{TenantID: "acme", AgentID: "a1"}, agent.Spec{Image: "img"}))
	require.NoError(t, p.Create(ctx, agent.Key{TenantID: "acme", AgentID: "a2"}, agent.Spec{Image: "img"}))
}

func TestKubernetesPlatform_UpdatePreservesForeignFields(t *testing.T) {
	ctx := context.Background()
	p, c := newTestPlatform(t, nil)
	key := agent.Key{TenantID: "acme", AgentID: "support"}
	require.NoError(t, p.Create(ctx, key, agent.Spec{Image: "img:v1"}))

	// Someone else adds a sidecar and an annotation.
	dep := &appsv1.Deployment{}
	require.NoError(t, c.Get(ctx, client.ObjectKey{Namespace: "tenant-acme", Name: "support"}, dep))
	dep.Annotations = map[string]string{"example.com/owner": "platform-team"}
	dep.Spec.Template.Spec.Containers = append(dep.Spec.Template.Spec.Containers, corev1.Container{Name: "proxy", Image: "envoy:v1"})
	require.NoError(t, c.Update(ctx, dep))

	three := int32(3)
	require.NoError(t, p.Update(ctx, key, agent.Spec{Image: "img:v2", Replicas: &three, Resources: agent.Resources{CPU: "1"}}))

	require.NoError(t, c.Get(ctx, client.ObjectKey{Namespace: "tenant-acme", Name: "support"}, dep))
	assert.Equal(t, "platform-team", dep.Annotations["example.com/owner"])
	assert.Equal(t, int32(3), *dep.Spec.Replicas)
	require.Len(t, dep.Spec.Template.Spec.Containers, 2)
	assert.Equal(t, "img:v2", dep.Spec.Template.Spec.Containers[0].Image)
	assert.Equal(t, "envoy:v1", dep.Spec.Template.Spec.Containers[1].Image)

	state, _, err := p.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "img:v2", state.Image)
	assert.Equal(t, "1", state.Resources.CPU)
}

func TestKubernetesPlatform_UpdateMissingIsRetryable(t *testing.T) {
	p, _ := newTestPlatform(t, nil)

	err := p.Update(context.Background(), agent.Key{TenantID: "acme", AgentID: "gone"}, agent.Spec{Image: "img"})
	require.Error(t, err)
	assert.True(t, apierrors.IsNotFound(err))
	assert.False(t, agent.IsFatal(err))
}

func TestKubernetesPlatform_Delete(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPlatform(t, nil)
	key := agent.Key{TenantID: "acme", AgentID: "support"}

	require.NoError(t, p.Create(ctx, key, agent.Spec{Image: "img:v1"}))
	require.NoError(t, p.Delete(ctx, key))

	_, found, err := p.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, p.Delete(ctx, key), "deleting a missing workload succeeds")
}

func TestActualState_Healthy(t *testing.T) {
	replicas := int32(2)
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Generation: 3},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Template: corev1.PodTemplateSpec{Spec: corev1.PodSpec{
				Containers: []corev1.Container{{Name: ContainerName, Image: "img"}},
			}},
		},
		Status: appsv1.DeploymentStatus{ObservedGeneration: 3, ReadyReplicas: 2},
	}
	assert.True(t, actualState(dep).Healthy)

	dep.Status.ReadyReplicas = 1
	assert.False(t, actualState(dep).Healthy)

	dep.Status.ReadyReplicas = 2
	dep.Status.ObservedGeneration = 2
	assert.False(t, actualState(dep).Healthy, "a rollout the controller has not observed is not healthy")
}

func TestKubernetesPlatform_ErrorClassification(t *testing.T) {
	deployments := appsv1.Resource("deployments")

	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"invalid", apierrors.NewInvalid(schema.GroupKind{Group: "apps", Kind: "Deployment"}, "support", field.ErrorList{field.Invalid(field.NewPath("spec"), "x", "bad")}), true},
		{"bad request", apierrors.NewBadRequest("malformed"), true},
		{"forbidden", apierrors.NewForbidden(deployments, "support", errors.New("quota")), true},
		{"method not supported", apierrors.NewMethodNotSupported(deployments, "create"), true},
		{"not acceptable", &apierrors.StatusError{ErrStatus: metav1.Status{Status: metav1.StatusFailure, Code: 406, Reason: metav1.StatusReasonNotAcceptable}}, true},
		{"unsupported media type", &apierrors.StatusError{ErrStatus: metav1.Status{Status: metav1.StatusFailure, Code: 415, Reason: metav1.StatusReasonUnsupportedMediaType}}, true},
		{"entity too large", apierrors.NewRequestEntityTooLargeError("too big"), true},
		{"conflict", apierrors.NewConflict(deployments, "support", errors.New("modified")), false},
		{"already exists", apierrors.NewAlreadyExists(deployments, "support"), false},
		{"unavailable", apierrors.NewServiceUnavailable("apiserver restarting"), false},
		{"throttled", apierrors.NewTooManyRequests("slow down", 1), false},
		{"timeout", apierrors.NewTimeoutError("took too long", 1), false},
		{"internal", apierrors.NewInternalError(errors.New("etcd")), false},
		{"network", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			injected := tt.err
			p, _ := newTestPlatform(t, &interceptor.Funcs{
				Create: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
					if _, ok := obj.(*appsv1.Deployment); ok {
						return injected
					}
					return c.Create(ctx, obj, opts...)
				},
			})

			err := p.Create(context.Background(), agent.Key{TenantID: "acme", AgentID: "support"}, agent.Spec{Image: "img"})
			require.Error(t, err)
			assert.Equal(t, tt.fatal, agent.IsFatal(err))
			assert.ErrorIs(t, err, injected)
		})
	}
}

func TestKubernetesPlatform_NamespaceCreationForbiddenIsFatal(t *testing.T) {
	p, _ := newTestPlatform(t, &interceptor.Funcs{
		Create: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
			if _, ok := obj.(*corev1.Namespace); ok {
				return apierrors.NewForbidden(corev1.Resource("namespaces"), obj.GetName(), errors.New("not allowed"))
			}
			return c.Create(ctx, obj, opts...)
		},
	})

	err := p.Create(context.Background(), agent.Key{TenantID: "acme", AgentID: "support"}, agent.Spec{Image: "img"})
	require.Error(t, err)
	assert.True(t, agent.IsFatal(err))
}

func TestKubernetesPlatform_NamespaceIsCachedAfterFirstCheck(t *testing.T) {
	var namespaceGets int
	p, _ := newTestPlatform(t, &interceptor.Funcs{
		Get: func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
			if _, ok := obj.(*corev1.Namespace); ok {
				namespaceGets++
			}
			return c.Get(ctx, key, obj, opts...)
		},
	})
	ctx := context.Background()

	require.NoError(t, p.Create(ctx, agent.Key{TenantID: "acme", AgentID: "a1"}, agent.Spec{Image: "img"}))
	require.NoError(t, p.Create(ctx, agent.Key{TenantID: "acme", AgentID: "a2"}, agent.Spec{Image: "img"}))
	assert.Equal(t, 1, namespaceGets)
}

func TestKubernetesPlatform_RecreatesDeletedNamespace(t *testing.T) {
	ctx := context.Background()
	p, c := newTestPlatform(t, &interceptor.Funcs{
		Create: func(ctx context.Context, cl client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
			if _, ok := obj.(*appsv1.Deployment); ok {
				// The fake client does not check that the namespace exists.
				err := cl.Get(ctx, client.ObjectKey{Name: obj.GetNamespace()}, &corev1.Namespace{})
				if apierrors.IsNotFound(err) {
					return apierrors.NewNotFound(corev1.Resource("namespaces"), obj.GetNamespace())
				}
			}
			return cl.Create(ctx, obj, opts...)
		},
	})

	require.NoError(t, p.Create(ctx, agent.Key{TenantID: "acme", AgentID: "a1"}, agent.Spec{Image: "img"}))

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "tenant-acme"}}
	require.NoError(t, c.Delete(ctx, ns))

	key := agent.Key{TenantID: "acme", AgentID: "a2"}
	err := p.Create(ctx, key, agent.Spec{Image: "img"})
	require.Error(t, err)
	assert.False(t, agent.IsFatal(err))

	require.NoError(t, p.Create(ctx, key, agent.Spec{Image: "img"}), "the next attempt re-creates the namespace")
	require.NoError(t, c.Get(ctx, client.ObjectKey{Name: "tenant-acme"}, &corev1.Namespace{}))
	require.NoError(t, c.Get(ctx, client.ObjectKey{Namespace: "tenant-acme", Name: "a2"}, &appsv1.Deployment{}))
}
