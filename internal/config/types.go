package config

import "time"

// Source modes.
const (
	SourceKubernetes = "kubernetes"
	SourceFilesystem = "filesystem"
	SourceMemory     = "memory"
)

// Platform kinds.
const (
	PlatformKubernetes = "kubernetes"
	PlatformSimulator  = "simulator"
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config is the top-level configuration structure for agentd.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Source     SourceConfig     `yaml:"source"`
	Platform   PlatformConfig   `yaml:"platform"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ControllerConfig tunes the reconcile loop.
type ControllerConfig struct {
	Workers          int           `yaml:"workers,omitempty"`
	MaxRetries       int           `yaml:"maxRetries,omitempty"`
	InitialBackoff   time.Duration `yaml:"initialBackoff,omitempty"`
	MaxBackoff       time.Duration `yaml:"maxBackoff,omitempty"`
	ResyncInterval   time.Duration `yaml:"resyncInterval,omitempty"`
	ReconcileTimeout time.Duration `yaml:"reconcileTimeout,omitempty"`
	CacheSyncTimeout time.Duration `yaml:"cacheSyncTimeout,omitempty"`
	MaxQueueDepth    int           `yaml:"maxQueueDepth,omitempty"`
}

// SourceConfig selects where desired agent state comes from.
type SourceConfig struct {
	Mode             string        `yaml:"mode,omitempty"`
	Namespace        string        `yaml:"namespace,omitempty"`        // kubernetes only
	Path             string        `yaml:"path,omitempty"`             // filesystem only
	DebounceInterval time.Duration `yaml:"debounceInterval,omitempty"` // filesystem only
}

// PlatformConfig selects where agent workloads run.
type PlatformConfig struct {
	Kind            string `yaml:"kind,omitempty"`
	NamespacePrefix string `yaml:"namespacePrefix,omitempty"`
}

// ServerConfig configures the probe and metrics HTTP server.
type ServerConfig struct {
	Address string `yaml:"address,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}
