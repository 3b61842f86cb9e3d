// Package model holds the versioned contracts between the separation
// pipeline and the model files it runs. A contract fixes every constant the
// model was trained with: sample rate, transform parameters, chunk geometry
// and tensor protocol. None of these may be changed without changing the
// model.
package model

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/MrWong99/stems/pkg/chunk"
	"github.com/MrWong99/stems/pkg/stft"
	"github.com/MrWong99/stems/pkg/tensor"
)

// ErrUnknownModel is returned by [Lookup] for an unregistered model id.
var ErrUnknownModel = errors.New("model: unknown model")

// Contract describes one model family.
type Contract struct {
	ID      string
	Version string

	// SampleRate is the rate the model operates at. Input is converted to
	// it before separation.
	SampleRate int

	STFT     stft.Params
	Chunk    chunk.Config
	Protocol tensor.Protocol

	// MinModelBytes is the smallest plausible size of the model weights,
	// including any external data file. Smaller files are assumed to be
	// truncated downloads.
	MinModelBytes int64
}

// NumFrames returns the number of spectral frames in one chunk.
func (c Contract) NumFrames() int {
	return c.STFT.NumFrames(c.Chunk.Size)
}

// Validate checks the internal consistency of c.
func (c Contract) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("model: contract id is empty"))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("model: %s: sample rate %d must be positive", c.ID, c.SampleRate))
	}
	if err := c.STFT.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("model: %s: %w", c.ID, err))
	}
	if err := c.Chunk.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("model: %s: %w", c.ID, err))
	}
	if err := c.Protocol.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("model: %s: %w", c.ID, err))
	}
	return errors.Join(errs...)
}

// htdemucs constants shared by the 4- and 6-stem exports.
const (
	htdemucsSampleRate = 44100
	htdemucsWindow     = 4096
	htdemucsHop        = 1024
	htdemucsChunk      = 343980
	htdemucsOverlap    = 0.05
	htdemucsMinBytes   = 100_000_000
)

func htdemucs(id string, orders map[int][]string) Contract {
	return Contract{
		ID:         id,
		Version:    "v4",
		SampleRate: htdemucsSampleRate,
		STFT: stft.Params{
			WindowSize: htdemucsWindow,
			HopSize:    htdemucsHop,
			NumBins:    htdemucsWindow / 2,
			Normalized: true,
		},
		Chunk: chunk.OverlapFromFraction(htdemucsChunk, htdemucsOverlap),
		Protocol: tensor.Protocol{
			ModelID:          id,
			Version:          "v4",
			WaveformInput:    "waveform",
			SpectrogramInput: "spectrogram",
			StemOrders:       orders,
		},
		MinModelBytes: htdemucsMinBytes,
	}
}

var registry = map[string]func() Contract{
	"htdemucs": func() Contract {
		return htdemucs("htdemucs", tensor.HTDemucsStemOrders())
	},
	"htdemucs_6s": func() Contract {
		orders := tensor.HTDemucsStemOrders()
		delete(orders, 4)
		return htdemucs("htdemucs_6s", orders)
	},
}

// Lookup returns the contract registered under id. The returned value is a
// fresh copy.
func Lookup(id string) (Contract, error) {
	f, ok := registry[id]
	if !ok {
		return Contract{}, fmt.Errorf("%w: %q (known: %v)", ErrUnknownModel, id, IDs())
	}
	return f(), nil
}

// IDs returns the registered model ids in sorted order.
func IDs() []string {
	return slices.Sorted(maps.Keys(registry))
}
