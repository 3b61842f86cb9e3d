// Package mock provides test doubles for the inference package interfaces.
//
// Provider hands out Sessions whose behaviour is controlled by InferFunc.
// Every Infer call is recorded so tests can check what the pipeline packed.
//
// Example:
//
//	p := &mock.Provider{
//	    InferFunc: func(ctx context.Context, wf, spec *tensor.Tensor) ([]*tensor.Tensor, error) {
//	        return []*tensor.Tensor{out}, nil
//	    },
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/stems/pkg/provider/inference"
	"github.com/MrWong99/stems/pkg/tensor"
)

// InferFunc computes a session's outputs.
type InferFunc func(ctx context.Context, waveform, spectrogram *tensor.Tensor) ([]*tensor.Tensor, error)

// InferCall records a single invocation of Session.Infer.
type InferCall struct {
	// Waveform and Spectrogram are deep copies of the tensors passed in.
	Waveform    *tensor.Tensor
	Spectrogram *tensor.Tensor
}

// Provider is a mock implementation of inference.Provider.
type Provider struct {
	mu sync.Mutex

	// InferFunc is shared by every session. If nil, Infer returns no outputs.
	InferFunc InferFunc

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// CheckErr is returned from Check.
	CheckErr error

	// Sessions records every session handed out.
	Sessions []*Session

	// CloseCalls counts calls to Close.
	CloseCalls int
}

// NewSession records the call and returns a fresh Session.
func (p *Provider) NewSession(_ context.Context) (inference.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NewSessionErr != nil {
		return nil, p.NewSessionErr
	}
	s := &Session{InferFunc: p.InferFunc}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Close increments CloseCalls.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCalls++
	return nil
}

// Check returns CheckErr.
func (p *Provider) Check(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CheckErr
}

// InferCalls returns the calls of every session, in session creation order.
func (p *Provider) InferCalls() []InferCall {
	p.mu.Lock()
	sessions := slices.Clone(p.Sessions)
	p.mu.Unlock()

	var calls []InferCall
	for _, s := range sessions {
		calls = append(calls, s.Calls()...)
	}
	return calls
}

var (
	_ inference.Provider = (*Provider)(nil)
	_ inference.Checker  = (*Provider)(nil)
)

// Session is a mock implementation of inference.Session.
type Session struct {
	mu sync.Mutex

	// InferFunc computes the outputs. If nil, Infer returns no outputs.
	InferFunc InferFunc

	calls  []InferCall
	closed bool
}

// Infer records the call and delegates to InferFunc.
func (s *Session) Infer(ctx context.Context, waveform, spectrogram *tensor.Tensor) ([]*tensor.Tensor, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, inference.ErrClosed
	}
	s.calls = append(s.calls, InferCall{Waveform: clone(waveform), Spectrogram: clone(spectrogram)})
	fn := s.InferFunc
	s.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(ctx, waveform, spectrogram)
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Calls returns a copy of the recorded Infer calls.
func (s *Session) Calls() []InferCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ inference.Session = (*Session)(nil)

func clone(t *tensor.Tensor) *tensor.Tensor {
	if t == nil {
		return nil
	}
	return &tensor.Tensor{Name: t.Name, Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}
