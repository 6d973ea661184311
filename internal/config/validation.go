package config

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/thomas-caarter-aic/agent-deployment-service/pkg/logging"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a new validation error
func (ve *ValidationErrors) Add(field, message string, value ...interface{}) {
	var val interface{}
	if len(value) > 0 {
		val = value[0]
	}
	*ve = append(*ve, ValidationError{
		Field:   field,
		Value:   val,
		Message: message,
	})
}

// ValidateOneOf checks if a value is in a list of allowed values
func ValidateOneOf(field, value string, allowed []string) error {
	for _, allowedValue := range allowed {
		if value == allowedValue {
			return nil
		}
	}
	return ValidationError{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// Validate checks the whole configuration. The returned error, if any, is
// a ValidationErrors listing every problem found.
func (c Config) Validate() error {
	var errs ValidationErrors

	ctrl := c.Controller
	if ctrl.Workers < 1 {
		errs.Add("controller.workers", "must be at least 1", ctrl.Workers)
	}
	if ctrl.MaxRetries < 1 {
		errs.Add("controller.maxRetries", "must be at least 1", ctrl.MaxRetries)
	}
	if ctrl.InitialBackoff <= 0 {
		errs.Add("controller.initialBackoff", "must be positive", ctrl.InitialBackoff)
	}
	if ctrl.MaxBackoff < ctrl.InitialBackoff {
		errs.Add("controller.maxBackoff", "must not be less than initialBackoff", ctrl.MaxBackoff)
	}
	if ctrl.ResyncInterval <= 0 {
		errs.Add("controller.resyncInterval", "must be positive", ctrl.ResyncInterval)
	}
	if ctrl.ReconcileTimeout <= 0 {
		errs.Add("controller.reconcileTimeout", "must be positive", ctrl.ReconcileTimeout)
	}
	if ctrl.CacheSyncTimeout <= 0 {
		errs.Add("controller.cacheSyncTimeout", "must be positive", ctrl.CacheSyncTimeout)
	}
	if ctrl.MaxQueueDepth < 1 {
		errs.Add("controller.maxQueueDepth", "must be at least 1", ctrl.MaxQueueDepth)
	}

	if err := ValidateOneOf("source.mode", c.Source.Mode, []string{SourceKubernetes, SourceFilesystem, SourceMemory}); err != nil {
		errs = append(errs, err.(ValidationError))
	}
	switch c.Source.Mode {
	case SourceKubernetes:
		if ns := c.Source.Namespace; ns != "" {
			if msgs := validation.IsDNS1123Label(ns); len(msgs) > 0 {
				errs.Add("source.namespace", strings.Join(msgs, ", "), ns)
			}
		}
	case SourceFilesystem:
		if strings.TrimSpace(c.Source.Path) == "" {
			errs.Add("source.path", "is required for the filesystem source")
		}
		if c.Source.DebounceInterval < 0 {
			errs.Add("source.debounceInterval", "must not be negative", c.Source.DebounceInterval)
		}
	}

	if err := ValidateOneOf("platform.kind", c.Platform.Kind, []string{PlatformKubernetes, PlatformSimulator}); err != nil {
		errs = append(errs, err.(ValidationError))
	}
	if c.Platform.Kind == PlatformKubernetes && c.Platform.NamespacePrefix != "" {
		// The prefix must still form a valid namespace once a tenant id is appended.
		if msgs := validation.IsDNS1123Label(c.Platform.NamespacePrefix + "x"); len(msgs) > 0 {
			errs.Add("platform.namespacePrefix", strings.Join(msgs, ", "), c.Platform.NamespacePrefix)
		}
	}

	if strings.TrimSpace(c.Server.Address) == "" {
		errs.Add("server.address", "is required")
	}

	if _, err := logging.ParseLogLevel(c.Logging.Level); err != nil {
		errs.Add("logging.level", err.Error(), c.Logging.Level)
	}
	if err := ValidateOneOf("logging.format", c.Logging.Format, []string{LogFormatText, LogFormatJSON}); err != nil {
		errs = append(errs, err.(ValidationError))
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
