// Package onnx implements inference.Provider on top of ONNX Runtime via the
// onnxruntime_go bindings. The ONNX Runtime shared library must be available
// at run time, either on the default loader path or configured with
// [WithSharedLibraryPath].
//
// The model is loaded once per Provider. ONNX Runtime sessions support
// concurrent Run calls, so every worker Session shares the loaded graph
// while owning its own input and output tensors.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/stems/pkg/provider/inference"
	"github.com/MrWong99/stems/pkg/tensor"
)

var (
	_ inference.Provider = (*Provider)(nil)
	_ inference.Checker  = (*Provider)(nil)
	_ inference.Session  = (*session)(nil)
)

// ── Runtime environment ──────────────────────────────────────────────────────

// The ONNX Runtime environment is process-global; it is created by the first
// provider and destroyed when the last one closes.
var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 && !ort.IsInitialized() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("onnx: initialize runtime: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs == 0 && ort.IsInitialized() {
		if err := ort.DestroyEnvironment(); err != nil {
			return fmt.Errorf("onnx: destroy runtime: %w", err)
		}
	}
	return nil
}

// ── Provider ─────────────────────────────────────────────────────────────────

// Provider runs a separation model with ONNX Runtime.
type Provider struct {
	modelPath   string
	libPath     string
	intraOp     int
	interOp     int
	minBytes    int64
	inputNames  [2]string
	outputNames []string

	mu      sync.RWMutex
	session *ort.DynamicAdvancedSession
	closed  bool
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithSharedLibraryPath sets the path of the onnxruntime shared library.
func WithSharedLibraryPath(path string) Option {
	return func(p *Provider) { p.libPath = path }
}

// WithIntraOpThreads sets the number of threads used inside one operator.
// Zero keeps the runtime default.
func WithIntraOpThreads(n int) Option {
	return func(p *Provider) { p.intraOp = n }
}

// WithInterOpThreads sets the number of threads used across independent
// operators. Zero keeps the runtime default.
func WithInterOpThreads(n int) Option {
	return func(p *Provider) { p.interOp = n }
}

// WithInputNames sets the graph input names for the waveform and
// spectrogram tensors. Defaults to "waveform" and "spectrogram".
func WithInputNames(waveform, spectrogram string) Option {
	return func(p *Provider) { p.inputNames = [2]string{waveform, spectrogram} }
}

// WithOutputNames restricts the requested graph outputs. By default every
// output declared by the model is requested.
func WithOutputNames(names ...string) Option {
	return func(p *Provider) { p.outputNames = slices.Clone(names) }
}

// WithMinModelBytes sets the minimum accepted model size, including the
// external data file. Zero disables the check.
func WithMinModelBytes(n int64) Option {
	return func(p *Provider) { p.minBytes = n }
}

// New validates the model file, initialises the runtime and loads the model.
// The caller must call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("onnx: modelPath must not be empty")
	}
	p := &Provider{
		modelPath:  modelPath,
		inputNames: [2]string{"waveform", "spectrogram"},
	}
	for _, o := range opts {
		o(p)
	}

	if err := ValidateModelFile(modelPath, p.minBytes); err != nil {
		return nil, err
	}
	if err := acquireEnvironment(p.libPath); err != nil {
		return nil, err
	}

	sess, err := p.load()
	if err != nil {
		_ = releaseEnvironment()
		return nil, err
	}
	p.session = sess
	return p, nil
}

func (p *Provider) load() (*ort.DynamicAdvancedSession, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(p.modelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: inspect %s: %w", p.modelPath, err)
	}
	declared := make([]string, len(inputs))
	for i, in := range inputs {
		declared[i] = in.Name
	}
	for _, name := range p.inputNames {
		if !slices.Contains(declared, name) {
			return nil, fmt.Errorf("onnx: %s has no input %q (inputs: %v)", p.modelPath, name, declared)
		}
	}
	if len(p.outputNames) == 0 {
		for _, out := range outputs {
			p.outputNames = append(p.outputNames, out.Name)
		}
	}
	if len(p.outputNames) == 0 {
		return nil, fmt.Errorf("onnx: %s declares no outputs", p.modelPath)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: session options: %w", err)
	}
	defer opts.Destroy()
	if p.intraOp > 0 {
		if err := opts.SetIntraOpNumThreads(p.intraOp); err != nil {
			return nil, fmt.Errorf("onnx: intra-op threads: %w", err)
		}
	}
	if p.interOp > 0 {
		if err := opts.SetInterOpNumThreads(p.interOp); err != nil {
			return nil, fmt.Errorf("onnx: inter-op threads: %w", err)
		}
	}

	sess, err := ort.NewDynamicAdvancedSession(p.modelPath, p.inputNames[:], p.outputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("onnx: load model %q: %w", p.modelPath, err)
	}
	slog.Info("onnx model loaded",
		"path", p.modelPath,
		"inputs", p.inputNames[:],
		"outputs", p.outputNames,
	)
	return sess, nil
}

// OutputNames returns the graph outputs requested on every run.
func (p *Provider) OutputNames() []string { return slices.Clone(p.outputNames) }

// NewSession returns a handle for one worker.
func (p *Provider) NewSession(ctx context.Context) (inference.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("onnx: context already cancelled: %w", err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, inference.ErrClosed
	}
	return &session{p: p}, nil
}

// Check reports whether the model is loaded.
func (p *Provider) Check(_ context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return inference.ErrClosed
	}
	return nil
}

// Close releases the model and, for the last provider, the runtime.
// Calling Close more than once is safe.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	if p.session != nil {
		if err := p.session.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("onnx: destroy session: %w", err))
		}
		p.session = nil
	}
	errs = append(errs, releaseEnvironment())
	return errors.Join(errs...)
}

// ── Session ──────────────────────────────────────────────────────────────────

type session struct {
	p      *Provider
	closed bool
}

// Infer runs the shared graph on one chunk. Output tensors are allocated by
// the runtime and copied into Go memory before being released.
func (s *session) Infer(ctx context.Context, waveform, spectrogram *tensor.Tensor) ([]*tensor.Tensor, error) {
	if s.closed {
		return nil, inference.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if waveform == nil || spectrogram == nil {
		return nil, errors.New("onnx: both input tensors are required")
	}

	s.p.mu.RLock()
	defer s.p.mu.RUnlock()
	if s.p.closed {
		return nil, inference.ErrClosed
	}

	wf, err := ort.NewTensor(ort.NewShape(waveform.Shape...), waveform.Data)
	if err != nil {
		return nil, fmt.Errorf("onnx: waveform tensor: %w", err)
	}
	defer wf.Destroy()
	spec, err := ort.NewTensor(ort.NewShape(spectrogram.Shape...), spectrogram.Data)
	if err != nil {
		return nil, fmt.Errorf("onnx: spectrogram tensor: %w", err)
	}
	defer spec.Destroy()

	outputs := make([]ort.Value, len(s.p.outputNames))
	if err := s.p.session.Run([]ort.Value{wf, spec}, outputs); err != nil {
		return nil, fmt.Errorf("onnx: run: %w", err)
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				_ = v.Destroy()
			}
		}
	}()

	result := make([]*tensor.Tensor, len(outputs))
	for i, v := range outputs {
		t, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("onnx: output %q has type %T, want float32 tensor", s.p.outputNames[i], v)
		}
		result[i] = &tensor.Tensor{
			Name:  s.p.outputNames[i],
			Shape: slices.Clone([]int64(t.GetShape())),
			Data:  slices.Clone(t.GetData()),
		}
	}
	return result, nil
}

// Close marks the handle closed. The shared graph stays loaded until the
// provider is closed.
func (s *session) Close() error {
	s.closed = true
	return nil
}
