// Package config provides the configuration schema, loader, watcher and
// inference provider registry for the stems separation service.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to an [slog.Level]. Unknown and empty values map to
// [slog.LevelInfo].
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Defaults applied by [Default] and by [LoadFromReader] for omitted fields.
const (
	DefaultListenAddr     = ":8080"
	DefaultModelID        = "htdemucs"
	DefaultProvider       = "onnx"
	DefaultModelPath      = "models/htdemucs.onnx"
	DefaultMaxUploadBytes = 512 << 20
	DefaultServiceName    = "stems"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Output    OutputConfig    `yaml:"output"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for serve mode.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed without a restart.
	LogLevel LogLevel `yaml:"log_level"`

	// MaxUploadBytes caps the request body of a separation request. It can
	// be changed without a restart.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// ModelConfig selects the model contract and the inference provider that
// runs it.
type ModelConfig struct {
	// ID selects a registered model contract (e.g., "htdemucs", "htdemucs_6s").
	ID string `yaml:"id"`

	// Provider selects the registered inference provider ("onnx", "kserve").
	Provider string `yaml:"provider"`

	// Path is the model file for local providers.
	Path string `yaml:"path"`

	// BaseURL is the inference server endpoint for remote providers.
	BaseURL string `yaml:"base_url"`

	// Name is the model name on a remote inference server. Defaults to ID.
	Name string `yaml:"name"`

	// Options holds provider-specific values not covered by the fields
	// above, e.g. shared_library_path or intra_op_threads for onnx.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this backend fails or its circuit
	// breaker is open. They run the same model ID and may not declare
	// fallbacks of their own.
	Fallbacks []ModelConfig `yaml:"fallbacks"`

	// Breaker tunes the per-backend circuit breakers. Only used with
	// fallbacks.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker guarding each inference backend.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive chunk failures that take a
	// backend out of rotation. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long a failing backend stays out of rotation,
	// e.g. "30s". Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// PipelineConfig tunes chunk-level parallelism.
type PipelineConfig struct {
	// Workers is the number of chunks processed concurrently. 0 or 1 runs
	// the pipeline sequentially.
	Workers int `yaml:"workers"`

	// QueueDepth bounds the number of chunks buffered between stages. 0
	// means one per worker.
	QueueDepth int `yaml:"queue_depth"`
}

// OutputConfig controls where stem files are written in CLI mode.
type OutputConfig struct {
	// Dir is the output directory. Empty writes next to the input file.
	Dir string `yaml:"dir"`
}

// TelemetryConfig configures OpenTelemetry resource attributes.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero-valued fields with their defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Model.ID == "" {
		cfg.Model.ID = DefaultModelID
	}
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = DefaultProvider
	}
	if cfg.Model.Provider == DefaultProvider && cfg.Model.Path == "" {
		cfg.Model.Path = DefaultModelPath
	}
	for i := range cfg.Model.Fallbacks {
		fb := &cfg.Model.Fallbacks[i]
		if fb.ID == "" {
			fb.ID = cfg.Model.ID
		}
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}
