package app_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/stems/internal/app"
	"github.com/MrWong99/stems/internal/config"
	"github.com/MrWong99/stems/internal/separator"
	"github.com/MrWong99/stems/pkg/audio"
	"github.com/MrWong99/stems/pkg/audio/wavio"
	"github.com/MrWong99/stems/pkg/chunk"
	"github.com/MrWong99/stems/pkg/model"
	"github.com/MrWong99/stems/pkg/provider/inference"
	"github.com/MrWong99/stems/pkg/provider/inference/mock"
	"github.com/MrWong99/stems/pkg/stft"
	"github.com/MrWong99/stems/pkg/tensor"
)

// testContract keeps the model rate at 44.1 kHz but shrinks the transform
// and chunk geometry so tests stay fast.
func testContract() model.Contract {
	return model.Contract{
		ID:         "test",
		Version:    "v1",
		SampleRate: 44100,
		STFT:       stft.Params{WindowSize: 256, HopSize: 64, NumBins: 128},
		Chunk:      chunk.Config{Size: 2000, Overlap: 100},
		Protocol: tensor.Protocol{
			ModelID:          "test",
			Version:          "v1",
			WaveformInput:    "waveform",
			SpectrogramInput: "spectrogram",
			StemOrders:       tensor.HTDemucsStemOrders(),
		},
	}
}

// passthrough returns the waveform input unchanged as each of four stems.
func passthrough() *mock.Provider {
	return &mock.Provider{InferFunc: func(_ context.Context, wf, _ *tensor.Tensor) ([]*tensor.Tensor, error) {
		n := int(wf.Shape[2])
		data := make([]float32, 4*2*n)
		for s := range 4 {
			copy(data[s*2*n:], wf.Data)
		}
		return []*tensor.Tensor{{Name: "out", Shape: []int64{1, 4, 2, int64(n)}, Data: data}}, nil
	}}
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, nil, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func tone(rate, channels, frames int) audio.Interleaved {
	buf := audio.Interleaved{
		Format:  audio.Format{SampleRate: rate, Channels: channels},
		Samples: make([]float32, frames*channels),
	}
	for i := range frames {
		v := float32(0.4 * math.Sin(2*math.Pi*330*float64(i)/float64(rate)))
		for c := range channels {
			buf.Samples[i*channels+c] = v
		}
	}
	return buf
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()
	p := passthrough()
	a := newApp(t, config.Default(), app.WithProvider(p), app.WithContract(testContract()))
	if a.Contract().ID != "test" {
		t.Errorf("contract: got %q", a.Contract().ID)
	}
	if a.Provider() != inference.Provider(p) {
		t.Error("Provider() should return the injected provider")
	}
}

func TestNew_UsesRegistry(t *testing.T) {
	t.Parallel()
	p := passthrough()
	reg := config.NewRegistry()
	var gotContract model.Contract
	reg.RegisterInference("onnx", func(_ config.ModelConfig, c model.Contract) (inference.Provider, error) {
		gotContract = c
		return p, nil
	})

	a, err := app.New(context.Background(), config.Default(), reg)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if gotContract.ID != "htdemucs" {
		t.Errorf("factory got contract %q, want htdemucs", gotContract.ID)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.CloseCalls != 1 {
		t.Errorf("provider Close calls = %d, want 1", p.CloseCalls)
	}
}

func TestNew_Fallbacks(t *testing.T) {
	t.Parallel()
	remote := &mock.Provider{InferFunc: func(context.Context, *tensor.Tensor, *tensor.Tensor) ([]*tensor.Tensor, error) {
		return nil, errors.New("503 service unavailable")
	}}
	local := passthrough()
	reg := config.NewRegistry()
	reg.RegisterInference("kserve", func(config.ModelConfig, model.Contract) (inference.Provider, error) { return remote, nil })
	reg.RegisterInference("onnx", func(config.ModelConfig, model.Contract) (inference.Provider, error) { return local, nil })

	cfg := config.Default()
	cfg.Model.Provider = "kserve"
	cfg.Model.BaseURL = "http://triton:8000"
	cfg.Model.Fallbacks = []config.ModelConfig{{ID: cfg.Model.ID, Provider: "onnx", Path: "local.onnx"}}
	cfg.Model.Breaker.MaxFailures = 1

	a, err := app.New(context.Background(), cfg, reg, app.WithContract(testContract()))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	stems, err := a.Separate(context.Background(), tone(44100, 2, 5000))
	if err != nil {
		t.Fatalf("Separate with failing primary: %v", err)
	}
	if len(stems.Names) != 4 {
		t.Errorf("stems = %v", stems.Names)
	}
	if n := len(remote.InferCalls()); n != 1 {
		t.Errorf("remote calls = %d, want 1 before its breaker opened", n)
	}
	if n := len(local.InferCalls()); n != 3 {
		t.Errorf("local calls = %d, want 3", n)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if remote.CloseCalls != 1 || local.CloseCalls != 1 {
		t.Errorf("close calls = %d, %d; want 1, 1", remote.CloseCalls, local.CloseCalls)
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()
	unknown := config.Default()
	unknown.Model.ID = "spleeter"
	if _, err := app.New(context.Background(), unknown, nil, app.WithProvider(passthrough())); !errors.Is(err, model.ErrUnknownModel) {
		t.Errorf("unknown model: got %v", err)
	}

	if _, err := app.New(context.Background(), config.Default(), config.NewRegistry()); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("unregistered provider: got %v", err)
	}

	if _, err := app.New(context.Background(), config.Default(), nil); err == nil {
		t.Error("expected error without registry or provider")
	}
}

func TestSeparate_ConvertsFormat(t *testing.T) {
	t.Parallel()
	p := passthrough()
	a := newApp(t, config.Default(), app.WithProvider(p), app.WithContract(testContract()))

	in := tone(48000, 1, 4800)
	stems, err := a.Separate(context.Background(), in)
	if err != nil {
		t.Fatalf("Separate: %v", err)
	}
	if stems.SampleRate != 48000 {
		t.Errorf("sample rate: got %d, want 48000", stems.SampleRate)
	}

	// The model ran at its own rate on a stereo upmix.
	calls := p.InferCalls()
	if len(calls) == 0 {
		t.Fatal("no inference calls")
	}
	wf := calls[0].Waveform
	if wf.Shape[1] != 2 {
		t.Errorf("model input channels: got %d, want 2", wf.Shape[1])
	}

	for _, name := range stems.Names {
		track := stems.Tracks[name]
		if len(track.Channels) != 2 {
			t.Fatalf("%s: %d channels, want 2", name, len(track.Channels))
		}
		if track.Frames() != 4800 {
			t.Errorf("%s: %d frames, want 4800", name, track.Frames())
		}
		if track.SampleRate != 48000 {
			t.Errorf("%s: rate %d", name, track.SampleRate)
		}
	}
}

func TestSeparate_PreservesLength(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rate, channels, frames int
	}{
		{44100, 2, 4801},
		{48000, 2, 4801},
		{48000, 1, 4799},
		{96000, 2, 9601},
		{96000, 1, 9599},
	}
	for _, tt := range tests {
		a := newApp(t, config.Default(), app.WithProvider(passthrough()), app.WithContract(testContract()))
		stems, err := a.Separate(context.Background(), tone(tt.rate, tt.channels, tt.frames))
		if err != nil {
			t.Fatalf("%d Hz, %d frames: Separate: %v", tt.rate, tt.frames, err)
		}
		for _, name := range stems.Names {
			for c, samples := range stems.Tracks[name].Channels {
				if len(samples) != tt.frames {
					t.Errorf("%d Hz: %s channel %d has %d frames, input had %d", tt.rate, name, c, len(samples), tt.frames)
				}
			}
		}
	}
}

func TestSeparateFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	input := filepath.Join(dir, "song.wav")
	if err := wavio.Write(input, tone(44100, 2, 5000)); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Pipeline.Workers = 2
	var progress []int
	a := newApp(t, cfg,
		app.WithProvider(passthrough()),
		app.WithContract(testContract()),
		app.WithProgress(func(done, _ int) { progress = append(progress, done) }),
	)

	outDir := filepath.Join(dir, "out", "nested")
	paths, err := a.SeparateFile(context.Background(), input, outDir)
	if err != nil {
		t.Fatalf("SeparateFile: %v", err)
	}
	want := []string{"drums", "bass", "other", "vocals"}
	if len(paths) != len(want) {
		t.Fatalf("paths: got %v", paths)
	}
	for i, name := range want {
		if exp := filepath.Join(outDir, "song_"+name+".wav"); paths[i] != exp {
			t.Errorf("path %d: got %q, want %q", i, paths[i], exp)
		}
		buf, info, err := wavio.Read(paths[i])
		if err != nil {
			t.Fatalf("read %s: %v", paths[i], err)
		}
		if info.Channels != 2 || info.SampleRate != 44100 || info.Frames != 5000 {
			t.Errorf("%s: got %+v", name, info)
		}
		// Passthrough stems reproduce the input outside chunk overlaps.
		if d := math.Abs(float64(buf.Samples[2*1000] - tone(44100, 2, 5000).Samples[2*1000])); d > 1e-3 {
			t.Errorf("%s: sample 1000 off by %g", name, d)
		}
	}
	if len(progress) != 3 || progress[2] != 3 {
		t.Errorf("progress: got %v, want 3 steps", progress)
	}
}

func TestSeparateFile_UsesConfiguredOutputDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	input := filepath.Join(dir, "take.wav")
	if err := wavio.Write(input, tone(44100, 2, 1000)); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Output.Dir = filepath.Join(dir, "stems")
	a := newApp(t, cfg, app.WithProvider(passthrough()), app.WithContract(testContract()))

	paths, err := a.SeparateFile(context.Background(), input, "")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(paths[0]) != cfg.Output.Dir {
		t.Errorf("output dir: got %q, want %q", filepath.Dir(paths[0]), cfg.Output.Dir)
	}
}

func TestSeparateFile_Errors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := newApp(t, config.Default(), app.WithProvider(passthrough()), app.WithContract(testContract()))

	if _, err := a.SeparateFile(context.Background(), filepath.Join(dir, "missing.wav"), ""); !errors.Is(err, wavio.ErrFileNotFound) {
		t.Errorf("missing file: got %v", err)
	}
	if _, err := a.SeparateFile(context.Background(), filepath.Join(dir, "song.mp3"), ""); !errors.Is(err, wavio.ErrLossyFormat) {
		t.Errorf("mp3: got %v", err)
	}

	failing := newApp(t, config.Default(),
		app.WithProvider(&mock.Provider{InferFunc: func(context.Context, *tensor.Tensor, *tensor.Tensor) ([]*tensor.Tensor, error) {
			return nil, errors.New("out of memory")
		}}),
		app.WithContract(testContract()),
	)
	input := filepath.Join(dir, "song.wav")
	if err := wavio.Write(input, tone(44100, 2, 1000)); err != nil {
		t.Fatal(err)
	}
	if _, err := failing.SeparateFile(context.Background(), input, ""); !errors.Is(err, separator.ErrInferenceFailed) {
		t.Errorf("engine failure: got %v", err)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), config.Default(), nil, app.WithProvider(passthrough()))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}
