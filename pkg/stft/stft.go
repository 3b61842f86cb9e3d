// Package stft implements the short-time Fourier transform used at the
// inference boundary: a Hann-windowed forward transform producing the
// spectrogram the separation model was trained on, and an overlap-add
// inverse with window-energy normalisation.
//
// Framing is centered: a signal of length L yields L/hop + 1 frames, frame f
// covering samples [f*hop - win/2, f*hop + win/2) with zeros read outside
// the signal. Only the first NumBins bins are kept; for the htdemucs family
// that is win/2, which drops the Nyquist bin.
//
// An [Engine] owns its window and FFT plans. It is not safe for concurrent
// use; create one per worker goroutine.
package stft

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"gonum.org/v1/gonum/dsp/fourier"
)

var (
	// ErrInvalidInput is returned for empty segments, spectrograms whose bin
	// count disagrees with the engine, and inconsistent parameters.
	ErrInvalidInput = errors.New("stft: invalid input")

	// ErrAllocationFailed is returned when a working or output buffer cannot
	// be obtained.
	ErrAllocationFailed = errors.New("stft: allocation failed")

	// ErrPlanningFailed is returned when an FFT plan cannot be created.
	// It is not recoverable for the engine instance.
	ErrPlanningFailed = errors.New("stft: FFT planning failed")

	// ErrInvalidWindowSize is returned when the window size is not a positive
	// power of two.
	ErrInvalidWindowSize = errors.New("stft: window size must be a positive power of two")
)

// normEpsilon is the window-energy floor below which the inverse leaves
// samples unnormalised.
const normEpsilon = 1e-8

// Params are the transform constants. They are part of the model contract
// and must match the values the model was trained with.
type Params struct {
	WindowSize int
	HopSize    int
	NumBins    int

	// Normalized scales forward coefficients by 1/sqrt(WindowSize) and the
	// inverse by the matching factor.
	Normalized bool
}

// Validate reports whether p describes a usable transform.
func (p Params) Validate() error {
	if p.WindowSize <= 0 || bits.OnesCount(uint(p.WindowSize)) != 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidWindowSize, p.WindowSize)
	}
	if p.HopSize <= 0 || p.HopSize > p.WindowSize {
		return fmt.Errorf("%w: hop size %d outside (0, %d]", ErrInvalidInput, p.HopSize, p.WindowSize)
	}
	if p.NumBins <= 0 || p.NumBins > p.WindowSize/2+1 {
		return fmt.Errorf("%w: bin count %d outside (0, %d]", ErrInvalidInput, p.NumBins, p.WindowSize/2+1)
	}
	return nil
}

// NumFrames returns the frame count the centered framing rule yields for a
// signal of the given length.
func (p Params) NumFrames(length int) int {
	if length <= 0 || p.HopSize <= 0 {
		return 0
	}
	return length/p.HopSize + 1
}

// Spectrogram holds complex STFT coefficients, frame-major and bin-minor:
// the coefficient of bin b in frame f is at index f*NumBins+b.
type Spectrogram struct {
	Real      []float32
	Imag      []float32
	NumFrames int
	NumBins   int
}

// Validate checks the length invariant of both component slices.
func (s *Spectrogram) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil spectrogram", ErrInvalidInput)
	}
	if s.NumFrames <= 0 || s.NumBins <= 0 {
		return fmt.Errorf("%w: %d frames x %d bins", ErrInvalidInput, s.NumFrames, s.NumBins)
	}
	n := s.NumFrames * s.NumBins
	if len(s.Real) != n || len(s.Imag) != n {
		return fmt.Errorf("%w: component lengths %d/%d, want %d", ErrInvalidInput, len(s.Real), len(s.Imag), n)
	}
	return nil
}

// Engine performs forward and inverse transforms with cached plans and
// scratch buffers.
type Engine struct {
	params Params
	window []float64

	fwd    *fourier.FFT
	fwdIn  []float64
	fwdOut []complex128

	inv    *fourier.FFT
	invIn  []complex128
	invOut []float64
}

// New creates an engine for p. The Hann window, both FFT plans and their
// scratch buffers are allocated here and reused by every call.
func New(p Params) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{params: p, window: Hann(p.WindowSize)}

	var err error
	if e.fwd, err = plan(p.WindowSize); err != nil {
		return nil, err
	}
	if e.inv, err = plan(p.WindowSize); err != nil {
		return nil, err
	}

	half := p.WindowSize/2 + 1
	if e.fwdIn, err = alloc[float64](p.WindowSize); err != nil {
		return nil, err
	}
	if e.fwdOut, err = alloc[complex128](half); err != nil {
		return nil, err
	}
	if e.invIn, err = alloc[complex128](half); err != nil {
		return nil, err
	}
	if e.invOut, err = alloc[float64](p.WindowSize); err != nil {
		return nil, err
	}
	return e, nil
}

// Params returns the engine's transform constants.
func (e *Engine) Params() Params { return e.params }

// Forward transforms samples into a spectrogram with Params.NumFrames(len)
// frames and Params.NumBins bins.
func (e *Engine) Forward(samples []float32) (*Spectrogram, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: empty segment", ErrInvalidInput)
	}
	p := e.params
	nf := p.NumFrames(len(samples))
	total, err := mulSize(nf, p.NumBins)
	if err != nil {
		return nil, err
	}
	spec := &Spectrogram{NumFrames: nf, NumBins: p.NumBins}
	if spec.Real, err = alloc[float32](total); err != nil {
		return nil, err
	}
	if spec.Imag, err = alloc[float32](total); err != nil {
		return nil, err
	}

	scale := 1.0
	if p.Normalized {
		scale = 1 / math.Sqrt(float64(p.WindowSize))
	}
	pad := p.WindowSize / 2

	for f := range nf {
		start := f*p.HopSize - pad
		for i := range e.fwdIn {
			idx := start + i
			if idx < 0 || idx >= len(samples) {
				e.fwdIn[i] = 0
				continue
			}
			e.fwdIn[i] = float64(samples[idx]) * e.window[i]
		}
		e.fwd.Coefficients(e.fwdOut, e.fwdIn)

		row := f * p.NumBins
		for b := range p.NumBins {
			c := e.fwdOut[b]
			spec.Real[row+b] = float32(real(c) * scale)
			spec.Imag[row+b] = float32(imag(c) * scale)
		}
	}
	return spec, nil
}

// Inverse reconstructs a time-domain signal from spec by overlap-add.
// A length of zero or less yields the natural length (NumFrames-1)*HopSize;
// a positive length is honoured as long as the frames cover it.
func (e *Engine) Inverse(spec *Spectrogram, length int) ([]float32, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	p := e.params
	if spec.NumBins != p.NumBins {
		return nil, fmt.Errorf("%w: spectrogram has %d bins, engine expects %d", ErrInvalidInput, spec.NumBins, p.NumBins)
	}

	pad := p.WindowSize / 2
	span, err := mulSize(spec.NumFrames-1, p.HopSize)
	if err != nil {
		return nil, err
	}
	padded := span + p.WindowSize
	if length <= 0 {
		length = span
	}
	if length > padded-pad {
		return nil, fmt.Errorf("%w: requested %d samples, %d frames cover %d", ErrInvalidInput, length, spec.NumFrames, padded-pad)
	}

	acc, err := alloc[float64](padded)
	if err != nil {
		return nil, err
	}
	norm, err := alloc[float64](padded)
	if err != nil {
		return nil, err
	}

	// Sequence is unnormalised; fold 1/N and the forward scaling together.
	scale := 1 / float64(p.WindowSize)
	if p.Normalized {
		scale *= math.Sqrt(float64(p.WindowSize))
	}

	for f := range spec.NumFrames {
		row := f * p.NumBins
		for b := range e.invIn {
			if b < p.NumBins {
				e.invIn[b] = complex(float64(spec.Real[row+b]), float64(spec.Imag[row+b]))
			} else {
				e.invIn[b] = 0
			}
		}
		e.inv.Sequence(e.invOut, e.invIn)

		offset := f * p.HopSize
		for i, w := range e.window {
			acc[offset+i] += e.invOut[i] * scale * w
			norm[offset+i] += w * w
		}
	}

	out, err := alloc[float32](length)
	if err != nil {
		return nil, err
	}
	for i := range out {
		v := acc[i+pad]
		if n := norm[i+pad]; n > normEpsilon {
			v /= n
		}
		out[i] = float32(v)
	}
	return out, nil
}

// Hann returns the periodic Hann window of length n,
// w[i] = 0.5 - 0.5*cos(2*pi*i/n).
func Hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// plan creates an FFT plan, converting a panic from the FFT package into
// ErrPlanningFailed.
func plan(n int) (f *fourier.FFT, err error) {
	defer func() {
		if r := recover(); r != nil {
			f, err = nil, fmt.Errorf("%w: size %d: %v", ErrPlanningFailed, n, r)
		}
	}()
	return fourier.NewFFT(n), nil
}

func alloc[T any](n int) (s []T, err error) {
	defer func() {
		if r := recover(); r != nil {
			s, err = nil, fmt.Errorf("%w: %d elements: %v", ErrAllocationFailed, n, r)
		}
	}()
	return make([]T, n), nil
}

func mulSize(a, b int) (int, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("%w: negative size %d x %d", ErrAllocationFailed, a, b)
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt {
		return 0, fmt.Errorf("%w: size %d x %d overflows", ErrAllocationFailed, a, b)
	}
	return int(lo), nil
}
