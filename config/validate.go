package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a configuration with defaults applied
func Validate(cfg *Config) error {
	if cfg.MaxConcurrency < 0 {
		return &ValidationError{Field: "maxConcurrency", Message: "must not be negative"}
	}

	if err := validateDirName("mocksDir", cfg.MocksDir); err != nil {
		return err
	}
	if err := validateDirName("dependencyDir", cfg.DependencyDir); err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.MetricsAddr); err != nil {
			return &ValidationError{Field: "metricsAddr", Message: fmt.Sprintf("must be host:port (%v)", err)}
		}
	}

	if cfg.TransformCommand != "" {
		if strings.TrimSpace(cfg.TransformCommand) == "" {
			return &ValidationError{Field: "transformCommand", Message: "must not be blank"}
		}
		if _, err := shellwords.Parse(cfg.TransformCommand); err != nil {
			return &ValidationError{Field: "transformCommand", Message: fmt.Sprintf("must be a valid command line (%v)", err)}
		}
	}
	return nil
}

// validateDirName rejects names that are not a single path segment
func validateDirName(field, name string) error {
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return &ValidationError{Field: field, Message: "must be a single directory name"}
	}
	return nil
}
