package config

import "time"

const (
	// DefaultServerAddress is where /healthz, /readyz, /metrics and /status are served.
	DefaultServerAddress = ":8080"

	// DefaultNamespacePrefix is prepended to tenant ids to form namespaces.
	DefaultNamespacePrefix = "tenant-"

	// DefaultAgentsPath is the filesystem source root.
	DefaultAgentsPath = "/var/lib/agentd/agents"
)

// GetDefaultConfig returns the default configuration for agentd.
func GetDefaultConfig() Config {
	return Config{
		Controller: ControllerConfig{
			Workers:          3,
			MaxRetries:       5,
			InitialBackoff:   time.Second,
			MaxBackoff:       5 * time.Minute,
			ResyncInterval:   5 * time.Minute,
			ReconcileTimeout: 30 * time.Second,
			CacheSyncTimeout: 2 * time.Minute,
			MaxQueueDepth:    1000,
		},
		Source: SourceConfig{
			Mode:             SourceKubernetes,
			Path:             DefaultAgentsPath,
			DebounceInterval: 500 * time.Millisecond,
		},
		Platform: PlatformConfig{
			Kind:            PlatformKubernetes,
			NamespacePrefix: DefaultNamespacePrefix,
		},
		Server: ServerConfig{
			Address: DefaultServerAddress,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: LogFormatText,
		},
	}
}
