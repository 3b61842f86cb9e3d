// Package tensor defines the tensor layout contract between the separation
// pipeline and an inference engine.
//
// A [Marshaller] packs one chunk into the two model inputs (a planar
// waveform [1, 2, N] and a complex-as-channels spectrogram [1, 4, F, T])
// and unpacks model outputs into per-stem, per-channel sample slices. Shapes
// are validated before any data is copied.
package tensor

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrInvalidInput is returned when the data handed to the marshaller
	// does not match the configured geometry.
	ErrInvalidInput = errors.New("tensor: invalid input")

	// ErrProtocolViolation is returned when an engine output cannot be
	// interpreted under the model protocol.
	ErrProtocolViolation = errors.New("tensor: protocol violation")
)

// Tensor is a named, dense, row-major float32 tensor.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// New returns a tensor after checking that the product of shape equals
// len(data).
func New(name string, shape []int64, data []float32) (*Tensor, error) {
	n, err := Elements(shape)
	if err != nil {
		return nil, err
	}
	if n != int64(len(data)) {
		return nil, fmt.Errorf("%w: %s: shape %v holds %d elements, got %d", ErrInvalidInput, name, shape, n, len(data))
	}
	return &Tensor{Name: name, Shape: slices.Clone(shape), Data: data}, nil
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Elements returns the product of shape. Non-positive dimensions are an
// error.
func Elements(shape []int64) (int64, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("%w: empty shape", ErrInvalidInput)
	}
	n := int64(1)
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("%w: non-positive dimension in shape %v", ErrInvalidInput, shape)
		}
		n *= d
	}
	return n, nil
}
