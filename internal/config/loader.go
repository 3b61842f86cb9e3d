package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/stems/pkg/model"
)

// ValidProviderNames lists the built-in inference provider names. Used by
// [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"onnx", "kserve"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields [Default].
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes %d must not be negative", cfg.Server.MaxUploadBytes))
	}

	// Model
	if _, err := model.Lookup(cfg.Model.ID); err != nil {
		errs = append(errs, fmt.Errorf("model.id %q is invalid; valid values: %v", cfg.Model.ID, model.IDs()))
	}
	errs = append(errs, validateBackend("model", cfg.Model)...)
	for i, fb := range cfg.Model.Fallbacks {
		prefix := fmt.Sprintf("model.fallbacks[%d]", i)
		if fb.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is required", prefix))
		}
		if fb.ID != cfg.Model.ID {
			errs = append(errs, fmt.Errorf("%s.id %q must match model.id %q", prefix, fb.ID, cfg.Model.ID))
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks must be empty", prefix))
		}
		errs = append(errs, validateBackend(prefix, fb)...)
	}
	if cfg.Model.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("model.breaker.max_failures %d must not be negative", cfg.Model.Breaker.MaxFailures))
	}
	if cfg.Model.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("model.breaker.reset_timeout %s must not be negative", cfg.Model.Breaker.ResetTimeout))
	}

	// Pipeline
	if cfg.Pipeline.Workers < 0 {
		errs = append(errs, fmt.Errorf("pipeline.workers %d must not be negative", cfg.Pipeline.Workers))
	}
	if cfg.Pipeline.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_depth %d must not be negative", cfg.Pipeline.QueueDepth))
	}

	return errors.Join(errs...)
}

// validateBackend checks the provider-specific fields of one backend.
func validateBackend(prefix string, m ModelConfig) []error {
	validateProviderName(m.Provider)
	switch m.Provider {
	case "onnx":
		if m.Path == "" {
			return []error{fmt.Errorf("%s.path is required for provider onnx", prefix)}
		}
	case "kserve":
		if m.BaseURL == "" {
			return []error{fmt.Errorf("%s.base_url is required for provider kserve", prefix)}
		}
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown inference provider name; may be a typo or a custom registration",
		"name", name,
		"known", ValidProviderNames,
	)
}
