package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/stems/pkg/provider/inference"
	"github.com/MrWong99/stems/pkg/tensor"
)

// ErrAllFailed is returned when every backend of a [Fallback] failed or
// had an open breaker.
var ErrAllFailed = errors.New("resilience: all inference backends failed")

// Backend is one inference provider in a [Fallback].
type Backend struct {
	Name     string
	Provider inference.Provider
}

type backend struct {
	Backend
	breaker *CircuitBreaker
}

// Fallback is an [inference.Provider] over an ordered list of backends,
// each behind its own [CircuitBreaker]. Every chunk runs on the first
// backend that admits it; failures move on to the next one.
//
// Fallback owns its backends and closes them in Close.
type Fallback struct {
	backends []backend
}

var (
	_ inference.Provider = (*Fallback)(nil)
	_ inference.Checker  = (*Fallback)(nil)
)

// NewFallback creates a Fallback trying backends in the given order. cfg
// is applied to every breaker; its Name is replaced by the backend name.
func NewFallback(cfg BreakerConfig, backends ...Backend) (*Fallback, error) {
	if len(backends) == 0 {
		return nil, errors.New("resilience: no backends")
	}
	f := &Fallback{backends: make([]backend, len(backends))}
	for i, b := range backends {
		if b.Provider == nil {
			return nil, fmt.Errorf("resilience: backend %q has no provider", b.Name)
		}
		bc := cfg
		bc.Name = b.Name
		f.backends[i] = backend{Backend: b, breaker: NewCircuitBreaker(bc)}
	}
	return f, nil
}

// States returns each backend's breaker state keyed by backend name.
func (f *Fallback) States() map[string]State {
	out := make(map[string]State, len(f.backends))
	for _, b := range f.backends {
		out[b.Name] = b.breaker.State()
	}
	return out
}

// NewSession opens a session on the first backend that accepts one. Other
// backends are opened lazily when a chunk falls through to them.
func (f *Fallback) NewSession(ctx context.Context) (inference.Session, error) {
	s := &session{f: f, sessions: make([]inference.Session, len(f.backends))}
	var errs []error
	for i := range f.backends {
		if err := s.open(ctx, i); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// Check reports ready when at least one backend with a non-open breaker
// is ready.
func (f *Fallback) Check(ctx context.Context) error {
	var errs []error
	for _, b := range f.backends {
		if b.breaker.State() == StateOpen {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name, ErrCircuitOpen))
			continue
		}
		err := checkProvider(ctx, b.Provider)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
	}
	return fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

func checkProvider(ctx context.Context, p inference.Provider) error {
	if c, ok := p.(inference.Checker); ok {
		return c.Check(ctx)
	}
	s, err := p.NewSession(ctx)
	if err != nil {
		return err
	}
	return s.Close()
}

// Close closes every backend.
func (f *Fallback) Close() error {
	var errs []error
	for _, b := range f.backends {
		if err := b.Provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
		}
	}
	return errors.Join(errs...)
}

// ── Session ──────────────────────────────────────────────────────────────────

type session struct {
	f        *Fallback
	sessions []inference.Session
	closed   bool
}

// open opens the session for backend i through its breaker.
func (s *session) open(ctx context.Context, i int) error {
	b := s.f.backends[i]
	return b.breaker.Execute(ctx, func(ctx context.Context) error {
		sess, err := b.Provider.NewSession(ctx)
		if err != nil {
			return err
		}
		s.sessions[i] = sess
		return nil
	})
}

func (s *session) Infer(ctx context.Context, waveform, spectrogram *tensor.Tensor) ([]*tensor.Tensor, error) {
	if s.closed {
		return nil, inference.ErrClosed
	}
	var errs []error
	for i, b := range s.f.backends {
		if s.sessions[i] == nil {
			if err := s.open(ctx, i); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				errs = append(errs, fmt.Errorf("%s: open session: %w", b.Name, err))
				continue
			}
		}

		var out []*tensor.Tensor
		err := b.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			out, err = s.sessions[i].Infer(ctx, waveform, spectrogram)
			return err
		})
		if err == nil {
			if i > 0 {
				slog.Debug("chunk served by fallback backend", "backend", b.Name)
			}
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, ErrCircuitOpen) {
			slog.Warn("inference backend failed, trying next", "backend", b.Name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, sess := range s.sessions {
		if sess != nil {
			errs = append(errs, sess.Close())
		}
	}
	return errors.Join(errs...)
}
