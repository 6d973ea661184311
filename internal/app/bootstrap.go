package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/thomas-caarter-aic/agent-deployment-service/internal/config"
	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/logging"
)

// Application is a fully wired agentd process.
//
// Example usage:
//
//	cfg := app.NewConfig("", app.Overrides{LogLevel: "debug"})
//	application, err := app.NewApplication(cfg)
//	if err != nil {
//	    return fmt.Errorf("failed to create application: %w", err)
//	}
//	return application.Run(ctx)
type Application struct {
	config   *Config
	settings config.Config
	services *Services
}

// logOutput is where process logs are written.
var logOutput io.Writer = os.Stderr

// NewApplication loads configuration, initializes logging and builds all
// services. It returns an error if the configuration is invalid or a
// source or platform cannot be constructed.
func NewApplication(cfg *Config) (*Application, error) {
	configPath := cfg.ConfigPath
	if configPath == "" {
		configPath = config.GetDefaultConfigPathOrPanic()
	}

	settings, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load agentd configuration from path %s: %w", configPath, err)
	}
	cfg.Overrides.apply(&settings)

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	initLogging(settings.Logging)

	services, err := InitializeServices(settings)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	logging.Info("Bootstrap", "Initialized with source=%s platform=%s workers=%d",
		settings.Source.Mode, settings.Platform.Kind, settings.Controller.Workers)

	return &Application{
		config:   cfg,
		settings: settings,
		services: services,
	}, nil
}

// Services returns the wired components.
func (a *Application) Services() *Services {
	return a.services
}

// Run starts the controller and the HTTP server and blocks until shutdown.
func (a *Application) Run(ctx context.Context) error {
	return runServer(ctx, a.settings.Server.Address, a.services)
}

// initLogging cannot fail: the level has already been validated.
func initLogging(cfg config.LoggingConfig) {
	level, _ := logging.ParseLogLevel(cfg.Level)
	if cfg.Format == config.LogFormatJSON {
		logging.InitForJSON(level, logOutput)
		return
	}
	logging.InitForCLI(level, logOutput)
}
