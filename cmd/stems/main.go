// Command stems splits a music file into drums, bass, other and vocals (plus
// guitar and piano for six-stem models).
//
// Usage:
//
//	stems [flags] <audio_file> [model_path]
//	stems serve [-config file]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/stems/internal/app"
	"github.com/MrWong99/stems/internal/config"
	"github.com/MrWong99/stems/internal/health"
	"github.com/MrWong99/stems/internal/observe"
	"github.com/MrWong99/stems/internal/server"
	"github.com/MrWong99/stems/pkg/model"
	"github.com/MrWong99/stems/pkg/provider/inference"
	"github.com/MrWong99/stems/pkg/provider/inference/kserve"
	"github.com/MrWong99/stems/pkg/provider/inference/onnx"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// logLevel backs the default logger so serve mode can change it on reload.
var logLevel = new(slog.LevelVar)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		os.Exit(runServe(os.Args[2:]))
	}
	os.Exit(run(os.Args[1:]))
}

// ── One-shot CLI ──────────────────────────────────────────────────────────────

func run(args []string) int {
	fs := flag.NewFlagSet("stems", flag.ContinueOnError)
	fs.Usage = func() { usage(fs.Output(), fs) }
	configPath := fs.String("config", "", "path to an optional YAML configuration file")
	modelPath := fs.String("model", "", "path to the ONNX model (overrides model.path)")
	modelID := fs.String("model-id", "", "model contract id, e.g. htdemucs or htdemucs_6s")
	workers := fs.Int("workers", 0, "chunks processed concurrently (overrides pipeline.workers)")
	outDir := fs.String("out", "", "output directory (default: next to the input file)")
	level := fs.String("log-level", "", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		usage(os.Stderr, fs)
		return 2
	}
	input := fs.Arg(0)
	if fs.NArg() == 2 {
		*modelPath = fs.Arg(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stems: %v\n", err)
		return 1
	}
	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}
	if *modelID != "" {
		cfg.Model.ID = *modelID
	}
	if *workers > 0 {
		cfg.Pipeline.Workers = *workers
	}
	if *level != "" {
		cfg.Server.LogLevel = config.LogLevel(*level)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "stems: invalid configuration: %v\n", err)
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	printStartupSummary(cfg, input)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	application, err := app.New(ctx, cfg, reg, app.WithProgress(logProgress))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown error", "err", err)
		}
	}()

	paths, err := application.SeparateFile(ctx, input, *outDir)
	if err != nil {
		slog.Error("separation failed", "input", input, "err", err)
		return 1
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return 0
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, "Usage:\n  stems [flags] <audio_file> [model_path]\n  stems serve [-config file]\n\nFlags:\n")
	fs.SetOutput(w)
	fs.PrintDefaults()
}

func logProgress(done, total int) {
	slog.Info("chunk separated", "done", done, "total", total, "percent", 100*done/total)
}

// ── Serve mode ────────────────────────────────────────────────────────────────

func runServe(args []string) int {
	fs := flag.NewFlagSet("stems serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file; watched for changes")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg := config.Default()
	var watcher *config.Watcher
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "stems: config file %q not found\n", *configPath)
			} else {
				fmt.Fprintf(os.Stderr, "stems: %v\n", err)
			}
			return 1
		}
		watcher = w
		cfg = w.Current()
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	printStartupSummary(cfg, "")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Registerer:     promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	srv := server.New(application, application.Contract(),
		server.WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
		server.WithCheckers(health.ModelChecker(application.Provider())),
		server.WithMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
	)

	// Only the log level and the upload limit are applied on reload.
	if watcher != nil {
		go watcher.Run(ctx, func(d config.ConfigDiff, _ *config.Config) {
			d.Apply(logLevel, srv)
		})
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	serveErr := srv.ListenAndServe(ctx, cfg.Server.ListenAddr, 30*time.Second)
	if serveErr != nil {
		slog.Error("server error", "err", serveErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if serveErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the inference engines that ship with stems
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterInference("onnx", func(entry config.ModelConfig, c model.Contract) (inference.Provider, error) {
		libPath, err := entry.OptionString("shared_library_path")
		if err != nil {
			return nil, err
		}
		intra, err := entry.OptionInt("intra_op_threads")
		if err != nil {
			return nil, err
		}
		inter, err := entry.OptionInt("inter_op_threads")
		if err != nil {
			return nil, err
		}
		opts := []onnx.Option{
			onnx.WithMinModelBytes(c.MinModelBytes),
			onnx.WithInputNames(c.Protocol.WaveformInput, c.Protocol.SpectrogramInput),
			onnx.WithIntraOpThreads(intra),
			onnx.WithInterOpThreads(inter),
		}
		if libPath != "" {
			opts = append(opts, onnx.WithSharedLibraryPath(libPath))
		}
		if len(c.Protocol.Outputs) > 0 {
			opts = append(opts, onnx.WithOutputNames(c.Protocol.Outputs...))
		}
		return onnx.New(entry.Path, opts...)
	})

	reg.RegisterInference("kserve", func(entry config.ModelConfig, c model.Contract) (inference.Provider, error) {
		name := entry.Name
		if name == "" {
			name = entry.ID
		}
		opts := []kserve.Option{kserve.WithModelName(name)}
		if len(c.Protocol.Outputs) > 0 {
			opts = append(opts, kserve.WithOutputNames(c.Protocol.Outputs...))
		}
		return kserve.New(entry.BaseURL, opts...)
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "kind", "inference", "name", name)
	}
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found", path)
	}
	return cfg, err
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, input string) {
	fmt.Fprintln(os.Stderr, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║         stems: startup summary        ║")
	fmt.Fprintln(os.Stderr, "╠═══════════════════════════════════════╣")
	printRow("Model", cfg.Model.ID)
	printRow("Provider", cfg.Model.Provider)
	switch cfg.Model.Provider {
	case "kserve":
		printRow("Endpoint", cfg.Model.BaseURL)
	default:
		printRow("Model file", cfg.Model.Path)
	}
	printRow("Workers", fmt.Sprint(max(cfg.Pipeline.Workers, 1)))
	if input != "" {
		printRow("Input", input)
	} else {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(os.Stderr, "╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = "…" + string(r[len(r)-18:])
	}
	fmt.Fprintf(os.Stderr, "║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	logLevel.Set(level.Level())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
