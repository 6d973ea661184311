package app

import (
	"time"

	"github.com/thomas-caarter-aic/agent-deployment-service/internal/config"
)

// Config holds the application bootstrap settings.
type Config struct {
	// Custom configuration directory. Empty means ~/.config/agentd.
	ConfigPath string

	// Overrides are applied on top of config.yaml before validation.
	Overrides Overrides
}

// Overrides carries command-line values. Zero values leave the
// configuration file untouched.
type Overrides struct {
	LogLevel       string
	LogFormat      string
	Address        string
	SourceMode     string
	SourcePath     string
	Namespace      string
	PlatformKind   string
	Workers        int
	ResyncInterval time.Duration
}

// NewConfig creates a new application configuration
func NewConfig(configPath string, overrides Overrides) *Config {
	return &Config{
		ConfigPath: configPath,
		Overrides:  overrides,
	}
}

func (o Overrides) apply(cfg *config.Config) {
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Logging.Format = o.LogFormat
	}
	if o.Address != "" {
		cfg.Server.Address = o.Address
	}
	if o.SourceMode != "" {
		cfg.Source.Mode = o.SourceMode
	}
	if o.SourcePath != "" {
		cfg.Source.Path = o.SourcePath
	}
	if o.Namespace != "" {
		cfg.Source.Namespace = o.Namespace
	}
	if o.PlatformKind != "" {
		cfg.Platform.Kind = o.PlatformKind
	}
	if o.Workers > 0 {
		cfg.Controller.Workers = o.Workers
	}
	if o.ResyncInterval > 0 {
		cfg.Controller.ResyncInterval = o.ResyncInterval
	}
}
