// Package inference defines the Provider interface for separation model
// backends.
//
// A provider wraps a loaded model (a local ONNX Runtime session, a remote
// inference server, ...) and hands out Sessions. The separation pipeline
// gives every worker goroutine its own Session so implementations never see
// concurrent calls on one Session. Providers themselves must be safe for
// concurrent use.
//
// The boundary is deliberately narrow: a session receives the two packed
// input tensors for one chunk and returns the model's named output tensors
// without interpreting them. Shape interpretation belongs to the tensor
// marshaller.
package inference

import (
	"context"
	"errors"

	"github.com/MrWong99/stems/pkg/tensor"
)

// ErrClosed is returned by sessions and providers used after Close.
var ErrClosed = errors.New("inference: closed")

// Session runs a model on one chunk at a time. A session is owned by a
// single goroutine and is not safe for concurrent use.
type Session interface {
	// Infer runs the model on one chunk's waveform [1, 2, N] and spectrogram
	// [1, 4, F, T] tensors and returns its outputs (one or two tensors).
	// Any error fails the chunk; the caller does not retry.
	Infer(ctx context.Context, waveform, spectrogram *tensor.Tensor) ([]*tensor.Tensor, error)

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over any separation model backend.
type Provider interface {
	// NewSession opens a session for exclusive use by one worker.
	NewSession(ctx context.Context) (Session, error)

	// Close releases the model. Sessions must be closed first.
	Close() error
}

// Checker is implemented by providers that can report readiness, e.g. a
// remote server that may not have loaded the model yet.
type Checker interface {
	Check(ctx context.Context) error
}
