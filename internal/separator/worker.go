package separator

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/stems/internal/observe"
	"github.com/MrWong99/stems/pkg/audio"
	"github.com/MrWong99/stems/pkg/chunk"
	"github.com/MrWong99/stems/pkg/provider/inference"
	"github.com/MrWong99/stems/pkg/stft"
	"github.com/MrWong99/stems/pkg/tensor"
)

// worker holds the per-goroutine pipeline state. None of it is shared.
type worker struct {
	engine  *stft.Engine
	marsh   *tensor.Marshaller
	session inference.Session

	// Chunk scratch buffers, reused for every chunk.
	left, right []float32
}

func (s *Separator) newWorker(ctx context.Context) (*worker, error) {
	c := s.contract
	engine, err := stft.New(c.STFT)
	if err != nil {
		return nil, fmt.Errorf("separator: create transform engine: %w", err)
	}
	marsh, err := tensor.NewMarshaller(c.Protocol, c.STFT.NumBins, c.NumFrames(), c.Chunk.Size)
	if err != nil {
		return nil, fmt.Errorf("separator: create marshaller: %w", err)
	}
	session, err := s.provider.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open session: %w", ErrInferenceFailed, err)
	}
	return &worker{
		engine:  engine,
		marsh:   marsh,
		session: session,
		left:    make([]float32, c.Chunk.Size),
		right:   make([]float32, c.Chunk.Size),
	}, nil
}

// process runs one chunk through extract, forward transform, pack, infer,
// unpack and (for spectral outputs) inverse transform.
func (w *worker) process(ctx context.Context, m *observe.Metrics, in audio.Planar, d chunk.Descriptor) (*chunkOutput, error) {
	chunk.ExtractInto(w.left, in.Channels[0], d.Offset)
	chunk.ExtractInto(w.right, in.Channels[1], d.Offset)

	start := time.Now()
	specL, err := w.engine.Forward(w.left)
	if err != nil {
		return nil, fmt.Errorf("forward transform (left): %w", err)
	}
	specR, err := w.engine.Forward(w.right)
	if err != nil {
		return nil, fmt.Errorf("forward transform (right): %w", err)
	}
	m.RecordTransform(ctx, "forward", time.Since(start))

	wave, err := w.marsh.PackWaveform(w.left, w.right)
	if err != nil {
		return nil, fmt.Errorf("pack waveform: %w", err)
	}
	spec, err := w.marsh.PackSpectrogram(specL, specR)
	if err != nil {
		return nil, fmt.Errorf("pack spectrogram: %w", err)
	}

	start = time.Now()
	outputs, err := w.session.Infer(ctx, wave, spec)
	m.InferenceDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInferenceFailed, err)
	}
	results, err := w.marsh.Unpack(outputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInferenceFailed, err)
	}

	return w.combine(ctx, m, d, results)
}

// combine sums all results of a chunk into one time-domain track per stem.
// Waveform and spectral outputs of the same model must agree on the stems.
func (w *worker) combine(ctx context.Context, m *observe.Metrics, d chunk.Descriptor, results []tensor.ChunkResult) (*chunkOutput, error) {
	size := len(w.left)
	out := &chunkOutput{desc: d}

	accumulate := func(names []string, stem int, c int, samples []float32) error {
		if out.names == nil {
			out.names = names
			out.tracks = make([][2][]float32, len(names))
			for i := range out.tracks {
				out.tracks[i] = [2][]float32{make([]float32, size), make([]float32, size)}
			}
		} else if err := sameStems(out.names, names); err != nil {
			return fmt.Errorf("%w: outputs disagree: %w", ErrInferenceFailed, err)
		}
		dst := out.tracks[stem][c]
		for i, v := range samples[:min(len(samples), size)] {
			dst[i] += v
		}
		return nil
	}

	var inverse time.Duration
	for _, r := range results {
		names := r.StemNames()
		switch r := r.(type) {
		case *tensor.WaveformResult:
			for i, stem := range r.Stems {
				for c := range 2 {
					if err := accumulate(names, i, c, stem.Channels[c]); err != nil {
						return nil, err
					}
				}
			}
		case *tensor.SpectralResult:
			start := time.Now()
			for i, stem := range r.Stems {
				for c := range 2 {
					samples, err := w.engine.Inverse(stem.Channels[c], size)
					if err != nil {
						return nil, fmt.Errorf("inverse transform (%s): %w", stem.Name, err)
					}
					if err := accumulate(names, i, c, samples); err != nil {
						return nil, err
					}
				}
			}
			inverse += time.Since(start)
		default:
			return nil, fmt.Errorf("%w: unexpected result type %T", ErrOutputGenerationFailed, r)
		}
	}
	if inverse > 0 {
		m.RecordTransform(ctx, "inverse", inverse)
	}
	if out.names == nil {
		return nil, fmt.Errorf("%w: no stems in model output", ErrOutputGenerationFailed)
	}
	return out, nil
}
