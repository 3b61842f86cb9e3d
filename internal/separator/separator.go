// Package separator runs the chunked separation pipeline: it splits a
// stereo recording into model-sized chunks, runs every chunk through the
// transform, tensor marshalling and inference stages, and blends the
// per-chunk stem outputs back into full-length tracks.
//
// Chunks are processed by a pool of workers. Every worker owns its own STFT
// engine and inference session. A single goroutine owns the output buffers
// and blends results strictly in chunk order, so the output is identical
// for any worker count.
package separator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/stems/internal/observe"
	"github.com/MrWong99/stems/pkg/audio"
	"github.com/MrWong99/stems/pkg/chunk"
	"github.com/MrWong99/stems/pkg/model"
	"github.com/MrWong99/stems/pkg/provider/inference"
	"github.com/MrWong99/stems/pkg/stft"
)

var (
	// ErrInvalidInput is returned for input that is not a non-empty stereo
	// buffer at the model's sample rate.
	ErrInvalidInput = errors.New("separator: invalid input")

	// ErrInferenceFailed is returned when the inference engine fails for a
	// chunk or returns outputs that violate the model protocol.
	ErrInferenceFailed = errors.New("separator: inference failed")

	// ErrOutputGenerationFailed is returned when chunk outputs cannot be
	// assembled into consistent stems, e.g. when the stem count changes
	// between chunks.
	ErrOutputGenerationFailed = errors.New("separator: output generation failed")
)

// Stems is the result of a separation: one stereo track per stem, each as
// long as the input.
type Stems struct {
	// Names lists the stems in model output order.
	Names []string

	// Tracks maps a stem name to its planar stereo audio.
	Tracks map[string]audio.Planar

	SampleRate int
}

// ProgressFunc is called by the blending goroutine after each chunk has been
// merged into the output. It must not block for long.
type ProgressFunc func(done, total int)

// Separator runs the pipeline for one model contract. It is safe for
// concurrent use; every Separate call creates its own workers and sessions.
type Separator struct {
	provider   inference.Provider
	contract   model.Contract
	workers    int
	queueDepth int
	metrics    *observe.Metrics
	progress   ProgressFunc
}

// Option is a functional option for configuring a Separator.
type Option func(*Separator)

// WithWorkers sets the number of chunks processed concurrently. One worker
// reproduces a strictly sequential pipeline. Defaults to 1.
func WithWorkers(n int) Option {
	return func(s *Separator) { s.workers = n }
}

// WithQueueDepth sets how many chunk descriptors and finished chunks may be
// buffered between stages. Defaults to the worker count.
func WithQueueDepth(n int) Option {
	return func(s *Separator) { s.queueDepth = n }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Separator) { s.metrics = m }
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(s *Separator) { s.progress = fn }
}

// New creates a Separator that runs the model behind p under contract c.
func New(p inference.Provider, c model.Contract, opts ...Option) (*Separator, error) {
	if p == nil {
		return nil, errors.New("separator: provider must not be nil")
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("separator: %w", err)
	}
	s := &Separator{provider: p, contract: c, workers: 1}
	for _, o := range opts {
		o(s)
	}
	if s.workers < 1 {
		s.workers = 1
	}
	if s.queueDepth < 1 {
		s.queueDepth = s.workers
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// Contract returns the model contract the separator runs under.
func (s *Separator) Contract() model.Contract { return s.contract }

// chunkOutput is one chunk's time-domain stems, ready to be blended.
type chunkOutput struct {
	desc   chunk.Descriptor
	names  []string
	tracks [][2][]float32
}

// Separate splits in into stems. in must be stereo with equal, non-zero
// channel lengths at the contract sample rate. Any chunk failure aborts the
// whole separation; no partial result is returned.
func (s *Separator) Separate(ctx context.Context, in audio.Planar) (_ *Stems, err error) {
	if err := s.checkInput(in); err != nil {
		s.metrics.RecordError(ctx, "invalid_input")
		return nil, err
	}

	n := in.Frames()
	plan := s.contract.Chunk.Plan(n)
	workers := min(s.workers, len(plan))

	ctx, span := observe.StartSpan(ctx, "separator.Separate", trace.WithAttributes(
		attribute.String("model", s.contract.ID),
		attribute.Int("samples", n),
		attribute.Int("chunks", len(plan)),
		attribute.Int("workers", workers),
	))
	start := time.Now()
	s.metrics.ActiveSeparations.Add(ctx, 1)
	defer func() {
		s.metrics.ActiveSeparations.Add(ctx, -1)
		audioLen := time.Duration(n) * time.Second / time.Duration(in.SampleRate)
		s.metrics.RecordSeparation(ctx, s.contract.ID, time.Since(start), audioLen, err)
		if err != nil {
			s.metrics.RecordError(ctx, errorKind(err))
		}
		observe.EndSpan(span, err)
	}()

	log := observe.Logger(ctx)
	log.Info("separation started",
		"model", s.contract.ID,
		"samples", n,
		"chunks", len(plan),
		"workers", workers,
	)

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan chunk.Descriptor, s.queueDepth)
	results := make(chan *chunkOutput, s.queueDepth)

	// Producer.
	g.Go(func() error {
		defer close(jobs)
		for _, d := range plan {
			select {
			case jobs <- d:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	// Workers.
	var wg sync.WaitGroup
	for id := range workers {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			return s.runWorker(gctx, id, in, jobs, results)
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Blend owner.
	var stems *Stems
	g.Go(func() error {
		var berr error
		stems, berr = s.blend(gctx, in, plan, results)
		return berr
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if stems == nil {
		return nil, fmt.Errorf("%w: not every chunk was blended", ErrOutputGenerationFailed)
	}
	log.Info("separation finished",
		"model", s.contract.ID,
		"stems", stems.Names,
		"duration", time.Since(start),
	)
	return stems, nil
}

func (s *Separator) checkInput(in audio.Planar) error {
	if len(in.Channels) != 2 {
		return fmt.Errorf("%w: %d channels, want 2", ErrInvalidInput, len(in.Channels))
	}
	if len(in.Channels[0]) == 0 {
		return fmt.Errorf("%w: empty input", ErrInvalidInput)
	}
	if len(in.Channels[0]) != len(in.Channels[1]) {
		return fmt.Errorf("%w: channel lengths differ (%d vs %d)", ErrInvalidInput, len(in.Channels[0]), len(in.Channels[1]))
	}
	if in.SampleRate != s.contract.SampleRate {
		return fmt.Errorf("%w: sample rate %d Hz, model %s expects %d Hz", ErrInvalidInput, in.SampleRate, s.contract.ID, s.contract.SampleRate)
	}
	return nil
}

// runWorker owns one STFT engine, marshaller and inference session for its
// whole lifetime.
func (s *Separator) runWorker(ctx context.Context, id int, in audio.Planar, jobs <-chan chunk.Descriptor, results chan<- *chunkOutput) (err error) {
	w, err := s.newWorker(ctx)
	if err != nil {
		return err
	}
	s.metrics.ActiveWorkers.Add(ctx, 1)
	defer func() {
		s.metrics.ActiveWorkers.Add(ctx, -1)
		if cerr := w.session.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("separator: worker %d: close session: %w", id, cerr)
		}
	}()

	for d := range jobs {
		out, err := s.processChunk(ctx, w, in, d)
		if err != nil {
			return err
		}
		select {
		case results <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Separator) processChunk(ctx context.Context, w *worker, in audio.Planar, d chunk.Descriptor) (out *chunkOutput, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, span := observe.StartSpan(ctx, "separator.chunk", trace.WithAttributes(
		attribute.Int("chunk", d.Index),
		attribute.Int("offset", d.Offset),
	))
	start := time.Now()
	defer func() {
		s.metrics.RecordChunk(ctx, time.Since(start), err)
		observe.EndSpan(span, err)
	}()

	out, err = w.process(ctx, s.metrics, in, d)
	if err != nil {
		return nil, fmt.Errorf("chunk %d/%d at sample %d: %w", d.Index+1, s.contract.Chunk.Count(in.Frames()), d.Offset, err)
	}
	return out, nil
}

// blend merges chunk outputs into the stem tracks in chunk order. The first
// chunk fixes the stem set; any later deviation is fatal. It returns nil
// stems without error when the result stream ended early.
func (s *Separator) blend(ctx context.Context, in audio.Planar, plan []chunk.Descriptor, results <-chan *chunkOutput) (*Stems, error) {
	var (
		reorder chunk.Reorderer[*chunkOutput]
		stems   *Stems
		done    int
	)
	overlap := s.contract.Chunk.Overlap
	n := in.Frames()

	for r := range results {
		for _, out := range reorder.Push(r.desc.Index, r) {
			if stems == nil {
				stems = &Stems{
					Names:      out.names,
					Tracks:     make(map[string]audio.Planar, len(out.names)),
					SampleRate: in.SampleRate,
				}
				for _, name := range out.names {
					stems.Tracks[name] = audio.NewPlanar(in.SampleRate, 2, n)
				}
				observe.Logger(ctx).Debug("stem set fixed by first chunk", "stems", out.names)
			} else if err := sameStems(stems.Names, out.names); err != nil {
				return nil, fmt.Errorf("%w: chunk %d: %w", ErrOutputGenerationFailed, out.desc.Index, err)
			}

			for i, name := range out.names {
				track := stems.Tracks[name]
				for c := range 2 {
					chunk.Blend(track.Channels[c], out.tracks[i][c], out.desc.Offset, overlap, out.desc.IsFirst, out.desc.IsLast)
				}
			}
			done++
			if s.progress != nil {
				s.progress(done, len(plan))
			}
		}
	}

	if done != len(plan) {
		// Workers stopped early; their error is reported by the group.
		return nil, nil
	}
	return stems, nil
}

func sameStems(want, got []string) error {
	if len(want) != len(got) {
		return fmt.Errorf("stem count changed from %d to %d", len(want), len(got))
	}
	for i := range want {
		if want[i] != got[i] {
			return fmt.Errorf("stem %d changed from %q to %q", i, want[i], got[i])
		}
	}
	return nil
}

// errorKind maps a pipeline error to the metrics "kind" attribute.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrInferenceFailed):
		return "inference"
	case errors.Is(err, ErrOutputGenerationFailed):
		return "output"
	case errors.Is(err, stft.ErrInvalidInput),
		errors.Is(err, stft.ErrAllocationFailed),
		errors.Is(err, stft.ErrPlanningFailed),
		errors.Is(err, stft.ErrInvalidWindowSize):
		return "transform"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
