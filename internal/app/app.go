// Package app wires the stems subsystems into a running application.
//
// The App struct owns the full lifecycle: New resolves the model contract,
// creates the inference provider and the separation pipeline, SeparateFile
// and Separate run separations, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithProvider,
// WithContract). When an option is not provided, New creates real
// implementations from the config and the provider registry.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/stems/internal/config"
	"github.com/MrWong99/stems/internal/observe"
	"github.com/MrWong99/stems/internal/resilience"
	"github.com/MrWong99/stems/internal/separator"
	"github.com/MrWong99/stems/pkg/audio"
	"github.com/MrWong99/stems/pkg/audio/wavio"
	"github.com/MrWong99/stems/pkg/model"
	"github.com/MrWong99/stems/pkg/provider/inference"
)

// App owns the inference provider and the separation pipeline.
type App struct {
	cfg      *config.Config
	contract *model.Contract
	provider inference.Provider
	metrics  *observe.Metrics
	progress separator.ProgressFunc

	sep *separator.Separator

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects an inference provider instead of creating one from
// the registry. The App does not close injected providers.
func WithProvider(p inference.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithContract overrides the contract looked up from cfg.Model.ID.
func WithContract(c model.Contract) Option {
	return func(a *App) { a.contract = &c }
}

// WithMetrics sets the metrics sink passed to the pipeline.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithProgress registers a per-chunk progress callback.
func WithProgress(fn separator.ProgressFunc) Option {
	return func(a *App) { a.progress = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. The inference provider is built through reg
// unless one is injected with [WithProvider].
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Model contract ────────────────────────────────────────────────
	if a.contract == nil {
		c, err := model.Lookup(cfg.Model.ID)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.contract = &c
	}

	// ── 2. Inference provider ────────────────────────────────────────────
	if a.provider == nil {
		if reg == nil {
			return nil, fmt.Errorf("app: no provider registry")
		}
		p, err := createProvider(reg, cfg.Model, *a.contract)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.provider = p
		a.closers = append(a.closers, p.Close)
	}

	// ── 3. Separation pipeline ───────────────────────────────────────────
	sepOpts := []separator.Option{
		separator.WithWorkers(cfg.Pipeline.Workers),
		separator.WithQueueDepth(cfg.Pipeline.QueueDepth),
	}
	if a.metrics != nil {
		sepOpts = append(sepOpts, separator.WithMetrics(a.metrics))
	}
	if a.progress != nil {
		sepOpts = append(sepOpts, separator.WithProgress(a.progress))
	}
	sep, err := separator.New(a.provider, *a.contract, sepOpts...)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.sep = sep

	slog.InfoContext(ctx, "app initialised",
		"model", a.contract.ID,
		"version", a.contract.Version,
		"provider", cfg.Model.Provider,
		"workers", max(cfg.Pipeline.Workers, 1),
	)
	return a, nil
}

// createProvider builds the configured backend. With fallbacks configured
// every backend is created and the result is a [resilience.Fallback] that
// owns them all.
func createProvider(reg *config.Registry, mc config.ModelConfig, c model.Contract) (inference.Provider, error) {
	primary, err := reg.CreateInference(mc, c)
	if err != nil {
		return nil, fmt.Errorf("create %s provider: %w", mc.Provider, err)
	}
	if len(mc.Fallbacks) == 0 {
		return primary, nil
	}

	backends := []resilience.Backend{{Name: backendName(0, mc), Provider: primary}}
	closeAll := func() {
		for _, b := range backends {
			_ = b.Provider.Close()
		}
	}
	for i, fb := range mc.Fallbacks {
		p, err := reg.CreateInference(fb, c)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("create fallback %d (%s): %w", i, fb.Provider, err)
		}
		backends = append(backends, resilience.Backend{Name: backendName(i+1, fb), Provider: p})
	}
	f, err := resilience.NewFallback(resilience.BreakerConfig{
		MaxFailures:  mc.Breaker.MaxFailures,
		ResetTimeout: mc.Breaker.ResetTimeout,
	}, backends...)
	if err != nil {
		closeAll()
		return nil, err
	}
	slog.Info("inference failover enabled", "backends", len(backends))
	return f, nil
}

func backendName(i int, mc config.ModelConfig) string {
	return fmt.Sprintf("%d:%s", i, mc.Provider)
}

// Contract returns the model contract the app runs.
func (a *App) Contract() model.Contract { return *a.contract }

// Provider returns the inference provider, e.g. for readiness checks.
func (a *App) Provider() inference.Provider { return a.provider }

// ─── Separation ──────────────────────────────────────────────────────────────

// Separate splits an interleaved buffer into stems. Mono input is upmixed
// and the sample rate is converted to the model rate; the stems are
// converted back to the input rate and are always stereo.
func (a *App) Separate(ctx context.Context, in audio.Interleaved) (*separator.Stems, error) {
	src := audio.Deinterleave(in)
	toModel := &audio.FormatConverter{Target: audio.Format{SampleRate: a.contract.SampleRate, Channels: 2}}
	stems, err := a.sep.Separate(ctx, toModel.Convert(src))
	if err != nil {
		return nil, err
	}
	if in.SampleRate == a.contract.SampleRate {
		return stems, nil
	}

	// Resampling there and back can lose a frame to rounding; stems always
	// match the input length.
	fromModel := &audio.FormatConverter{Target: audio.Format{SampleRate: in.SampleRate, Channels: 2}}
	frames := in.Frames()
	for name, track := range stems.Tracks {
		stems.Tracks[name] = fromModel.Convert(track).WithFrames(frames)
	}
	stems.SampleRate = in.SampleRate
	return stems, nil
}

// SeparateFile reads the audio file at input, separates it and writes one
// file per stem to outDir. An empty outDir falls back to output.dir and
// then to the input's directory. It returns the written paths in stem
// order.
func (a *App) SeparateFile(ctx context.Context, input, outDir string) ([]string, error) {
	start := time.Now()
	buf, info, err := wavio.Read(input)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "input loaded",
		"path", input,
		"format", info.Format.String(),
		"bit_depth", info.BitDepth,
		"frames", info.Frames,
		"duration", buf.Duration(),
	)

	stems, err := a.Separate(ctx, buf)
	if err != nil {
		return nil, err
	}

	if outDir == "" {
		outDir = a.cfg.Output.Dir
	}
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %w", separator.ErrOutputGenerationFailed, err)
		}
	}
	paths, err := wavio.WriteStems(input, outDir, stems.Names, stems.Tracks)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", separator.ErrOutputGenerationFailed, err)
	}
	slog.InfoContext(ctx, "stems written", "files", paths, "elapsed", time.Since(start))
	return paths, nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases every owned resource. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}
