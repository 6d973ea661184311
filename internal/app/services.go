package app

import (
	"fmt"

	"k8s.io/client-go/rest"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/thomas-caarter-aic/agent-deployment-service/internal/config"
	"github.com/thomas-caarter-aic/agent-deployment-service/internal/platform"
	"github.com/thomas-caarter-aic/agent-deployment-service/internal/reconciler"
	"github.com/thomas-caarter-aic/agent-deployment-service/internal/source"
	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/agent"
	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/logging"
)

// Services holds the components built from configuration.
type Services struct {
	// Source is the system of record for desired agent state.
	Source agent.Source

	// Platform runs agent workloads.
	Platform agent.Platform

	// Manager drives Platform towards Source.
	Manager *reconciler.Manager
}

// restConfigFunc resolves the Kubernetes client configuration. Replaced in tests.
var restConfigFunc = ctrlconfig.GetConfig

// managerOptions are passed to every Manager built by InitializeServices.
// Replaced in tests to avoid the global metrics registry.
var managerOptions []reconciler.ManagerOption

// InitializeServices builds the source, platform and manager selected by cfg.
// The Kubernetes rest config is resolved at most once and only when a
// Kubernetes-backed component is configured.
func InitializeServices(cfg config.Config) (*Services, error) {
	var restConfig *rest.Config
	getRestConfig := func() (*rest.Config, error) {
		if restConfig != nil {
			return restConfig, nil
		}
		c, err := restConfigFunc()
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes client configuration: %w", err)
		}
		restConfig = c
		return c, nil
	}

	src, err := newSource(cfg.Source, getRestConfig)
	if err != nil {
		return nil, err
	}

	plat, err := newPlatform(cfg.Platform, getRestConfig)
	if err != nil {
		return nil, err
	}

	manager := reconciler.NewManager(managerConfig(cfg.Controller), src, plat, managerOptions...)

	return &Services{
		Source:   src,
		Platform: plat,
		Manager:  manager,
	}, nil
}

func newSource(cfg config.SourceConfig, getRestConfig func() (*rest.Config, error)) (agent.Source, error) {
	switch cfg.Mode {
	case config.SourceKubernetes:
		restConfig, err := getRestConfig()
		if err != nil {
			return nil, err
		}
		src, err := source.NewKubernetesSourceForConfig(restConfig, cfg.Namespace)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes source: %w", err)
		}
		if cfg.Namespace == "" {
			logging.Info("Bootstrap", "Watching Agent resources in all namespaces")
		} else {
			logging.Info("Bootstrap", "Watching Agent resources in namespace %s", cfg.Namespace)
		}
		return src, nil
	case config.SourceFilesystem:
		logging.Info("Bootstrap", "Reading agent manifests from %s", cfg.Path)
		return source.NewFilesystemSource(cfg.Path, cfg.DebounceInterval), nil
	case config.SourceMemory:
		logging.Warn("Bootstrap", "Using in-memory source: no agents will be declared")
		return source.NewMemorySource(), nil
	default:
		return nil, fmt.Errorf("unknown source mode %q", cfg.Mode)
	}
}

func newPlatform(cfg config.PlatformConfig, getRestConfig func() (*rest.Config, error)) (agent.Platform, error) {
	switch cfg.Kind {
	case config.PlatformKubernetes:
		restConfig, err := getRestConfig()
		if err != nil {
			return nil, err
		}
		plat, err := platform.NewKubernetesPlatformForConfig(restConfig, cfg.NamespacePrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes platform: %w", err)
		}
		return plat, nil
	case config.PlatformSimulator:
		logging.Warn("Bootstrap", "Using simulated platform: no workloads will be deployed")
		return platform.NewSimulator(), nil
	default:
		return nil, fmt.Errorf("unknown platform kind %q", cfg.Kind)
	}
}

func managerConfig(c config.ControllerConfig) reconciler.ManagerConfig {
	return reconciler.ManagerConfig{
		WorkerCount:      c.Workers,
		MaxRetries:       c.MaxRetries,
		InitialBackoff:   c.InitialBackoff,
		MaxBackoff:       c.MaxBackoff,
		ResyncInterval:   c.ResyncInterval,
		ReconcileTimeout: c.ReconcileTimeout,
		CacheSyncTimeout: c.CacheSyncTimeout,
		MaxQueueDepth:    c.MaxQueueDepth,
	}
}
