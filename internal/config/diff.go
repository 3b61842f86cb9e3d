package config

import (
	"log/slog"
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported individually; everything else that
// changed is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MaxUploadChanged bool
	NewMaxUpload     int64

	// RestartRequired names the changed settings that only take effect
	// after a restart, as YAML paths (e.g. "model.path").
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.MaxUploadChanged || len(d.RestartRequired) > 0
}

// UploadLimiter receives upload limit changes. *server.Server implements it.
type UploadLimiter interface {
	SetMaxUploadBytes(n int64)
}

// Apply pushes the hot-reloadable changes in d to their targets and logs
// the settings that wait for a restart. Nil targets are skipped.
func (d ConfigDiff) Apply(level *slog.LevelVar, uploads UploadLimiter) {
	if d.LogLevelChanged && level != nil {
		level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.MaxUploadChanged && uploads != nil {
		uploads.SetMaxUploadBytes(d.NewMaxUpload)
		slog.Info("upload limit changed", "max_upload_bytes", d.NewMaxUpload)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "fields", d.RestartRequired)
	}
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.MaxUploadBytes != new.Server.MaxUploadBytes {
		d.MaxUploadChanged = true
		d.NewMaxUpload = new.Server.MaxUploadBytes
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("model.id", old.Model.ID != new.Model.ID)
	restart("model.provider", old.Model.Provider != new.Model.Provider)
	restart("model.path", old.Model.Path != new.Model.Path)
	restart("model.base_url", old.Model.BaseURL != new.Model.BaseURL)
	restart("model.name", old.Model.Name != new.Model.Name)
	restart("model.options", !sameOptions(old.Model.Options, new.Model.Options))
	restart("model.fallbacks", !slices.EqualFunc(old.Model.Fallbacks, new.Model.Fallbacks, sameBackend))
	restart("model.breaker", old.Model.Breaker != new.Model.Breaker)
	restart("pipeline", old.Pipeline != new.Pipeline)
	restart("output.dir", old.Output.Dir != new.Output.Dir)
	restart("telemetry.service_name", old.Telemetry.ServiceName != new.Telemetry.ServiceName)

	return d
}

// sameOptions treats nil and empty option maps as equal.
func sameOptions(a, b map[string]any) bool {
	return maps.EqualFunc(a, b, func(x, y any) bool { return reflect.DeepEqual(x, y) })
}

func sameBackend(a, b ModelConfig) bool {
	return a.ID == b.ID &&
		a.Provider == b.Provider &&
		a.Path == b.Path &&
		a.BaseURL == b.BaseURL &&
		a.Name == b.Name &&
		sameOptions(a.Options, b.Options) &&
		slices.EqualFunc(a.Fallbacks, b.Fallbacks, sameBackend) &&
		a.Breaker == b.Breaker
}
