package tensor

import (
	"fmt"

	"github.com/MrWong99/stems/pkg/stft"
)

// Marshaller converts between chunk data and model tensors for one fixed
// chunk geometry. It holds no mutable state and is safe for concurrent use.
type Marshaller struct {
	proto     Protocol
	numBins   int
	numFrames int
	chunkSize int
}

// NewMarshaller returns a marshaller for chunks of chunkSize samples whose
// spectrograms have numBins bins and numFrames frames.
func NewMarshaller(p Protocol, numBins, numFrames, chunkSize int) (*Marshaller, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if numBins <= 0 || numFrames <= 0 || chunkSize <= 0 {
		return nil, fmt.Errorf("%w: geometry %d bins x %d frames, chunk %d", ErrInvalidInput, numBins, numFrames, chunkSize)
	}
	return &Marshaller{proto: p, numBins: numBins, numFrames: numFrames, chunkSize: chunkSize}, nil
}

// Protocol returns the protocol the marshaller was built with.
func (m *Marshaller) Protocol() Protocol { return m.proto }

// ── Packing ──────────────────────────────────────────────────────────────────

// PackWaveform builds the [1, 2, chunkSize] waveform input: all of the left
// channel followed by all of the right channel.
func (m *Marshaller) PackWaveform(left, right []float32) (*Tensor, error) {
	if len(left) != m.chunkSize || len(right) != m.chunkSize {
		return nil, fmt.Errorf("%w: waveform channels have %d/%d samples, want %d", ErrInvalidInput, len(left), len(right), m.chunkSize)
	}
	data := make([]float32, 2*m.chunkSize)
	copy(data, left)
	copy(data[m.chunkSize:], right)
	return &Tensor{
		Name:  m.proto.WaveformInput,
		Shape: []int64{1, 2, int64(m.chunkSize)},
		Data:  data,
	}, nil
}

// PackSpectrogram builds the [1, 4, numBins, numFrames] spectral input with
// channels real(left), imag(left), real(right), imag(right). The
// frame-major spectrograms are transposed into the bin-major tensor layout.
func (m *Marshaller) PackSpectrogram(left, right *stft.Spectrogram) (*Tensor, error) {
	for _, s := range []*stft.Spectrogram{left, right} {
		if err := m.checkSpectrogram(s); err != nil {
			return nil, err
		}
	}

	plane := m.numBins * m.numFrames
	data := make([]float32, 4*plane)
	components := [4][]float32{left.Real, left.Imag, right.Real, right.Imag}
	for c, src := range components {
		dst := data[c*plane : (c+1)*plane]
		for f := range m.numFrames {
			row := src[f*m.numBins : (f+1)*m.numBins]
			for b, v := range row {
				dst[b*m.numFrames+f] = v
			}
		}
	}
	return &Tensor{
		Name:  m.proto.SpectrogramInput,
		Shape: []int64{1, 4, int64(m.numBins), int64(m.numFrames)},
		Data:  data,
	}, nil
}

func (m *Marshaller) checkSpectrogram(s *stft.Spectrogram) error {
	if s == nil {
		return fmt.Errorf("%w: nil spectrogram", ErrInvalidInput)
	}
	want := m.numBins * m.numFrames
	if s.NumBins != m.numBins || s.NumFrames != m.numFrames {
		return fmt.Errorf("%w: spectrogram is %d bins x %d frames, want %d x %d",
			ErrInvalidInput, s.NumBins, s.NumFrames, m.numBins, m.numFrames)
	}
	if len(s.Real) != want || len(s.Imag) != want {
		return fmt.Errorf("%w: spectrogram components have %d/%d elements, want %d",
			ErrInvalidInput, len(s.Real), len(s.Imag), want)
	}
	return nil
}

// ── Unpacking ────────────────────────────────────────────────────────────────

// ChunkResult is one interpreted model output: either a [*WaveformResult]
// or a [*SpectralResult].
type ChunkResult interface {
	// StemNames returns the stem names in output order.
	StemNames() []string

	isChunkResult()
}

// StemAudio holds one stem's left and right channels for a chunk.
type StemAudio struct {
	Name     string
	Channels [2][]float32
}

// WaveformResult is a time-domain output of shape [1, stems, 2, samples].
type WaveformResult struct {
	Stems []StemAudio
}

// StemNames implements [ChunkResult].
func (r *WaveformResult) StemNames() []string {
	names := make([]string, len(r.Stems))
	for i, s := range r.Stems {
		names[i] = s.Name
	}
	return names
}

func (*WaveformResult) isChunkResult() {}

// StemSpectrum holds one stem's left and right spectrograms for a chunk.
type StemSpectrum struct {
	Name     string
	Channels [2]*stft.Spectrogram
}

// SpectralResult is a frequency-domain output of shape
// [1, stems, 4, bins, frames] using the same complex-as-channels order as
// the spectral input. It must be inverse transformed before blending.
type SpectralResult struct {
	Stems []StemSpectrum
}

// StemNames implements [ChunkResult].
func (r *SpectralResult) StemNames() []string {
	names := make([]string, len(r.Stems))
	for i, s := range r.Stems {
		names[i] = s.Name
	}
	return names
}

func (*SpectralResult) isChunkResult() {}

var (
	_ ChunkResult = (*WaveformResult)(nil)
	_ ChunkResult = (*SpectralResult)(nil)
)

// Unpack interprets every output tensor. Rank-4 tensors become
// [*WaveformResult], rank-5 tensors [*SpectralResult]; anything else is a
// protocol violation.
func (m *Marshaller) Unpack(outputs []*Tensor) ([]ChunkResult, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: engine returned no outputs", ErrProtocolViolation)
	}
	results := make([]ChunkResult, 0, len(outputs))
	for _, out := range outputs {
		if out == nil {
			return nil, fmt.Errorf("%w: nil output tensor", ErrProtocolViolation)
		}
		var (
			r   ChunkResult
			err error
		)
		switch out.Rank() {
		case 4:
			r, err = m.unpackWaveform(out)
		case 5:
			r, err = m.unpackSpectral(out)
		default:
			err = fmt.Errorf("%w: output %q has shape %v, want rank 4 or 5", ErrProtocolViolation, out.Name, out.Shape)
		}
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

func (m *Marshaller) checkData(out *Tensor) error {
	n, err := Elements(out.Shape)
	if err != nil {
		return fmt.Errorf("%w: output %q: %w", ErrProtocolViolation, out.Name, err)
	}
	if n != int64(len(out.Data)) {
		return fmt.Errorf("%w: output %q has shape %v but %d elements", ErrProtocolViolation, out.Name, out.Shape, len(out.Data))
	}
	return nil
}

func (m *Marshaller) unpackWaveform(out *Tensor) (*WaveformResult, error) {
	if err := m.checkData(out); err != nil {
		return nil, err
	}
	batch, stems, channels, samples := out.Shape[0], int(out.Shape[1]), out.Shape[2], int(out.Shape[3])
	if batch != 1 {
		return nil, fmt.Errorf("%w: output %q batch size %d, want 1", ErrProtocolViolation, out.Name, batch)
	}
	if channels != 2 {
		return nil, fmt.Errorf("%w: output %q has %d channels, want 2", ErrProtocolViolation, out.Name, channels)
	}
	if samples != m.chunkSize {
		return nil, fmt.Errorf("%w: output %q has %d samples per stem, want %d", ErrProtocolViolation, out.Name, samples, m.chunkSize)
	}
	names, err := m.proto.StemNames(stems)
	if err != nil {
		return nil, err
	}

	res := &WaveformResult{Stems: make([]StemAudio, stems)}
	for s := range stems {
		stemOffset := s * 2 * samples
		res.Stems[s].Name = names[s]
		for c := range 2 {
			channelOffset := stemOffset + c*samples
			res.Stems[s].Channels[c] = out.Data[channelOffset : channelOffset+samples : channelOffset+samples]
		}
	}
	return res, nil
}

func (m *Marshaller) unpackSpectral(out *Tensor) (*SpectralResult, error) {
	if err := m.checkData(out); err != nil {
		return nil, err
	}
	batch, stems, parts := out.Shape[0], int(out.Shape[1]), out.Shape[2]
	bins, frames := int(out.Shape[3]), int(out.Shape[4])
	if batch != 1 {
		return nil, fmt.Errorf("%w: output %q batch size %d, want 1", ErrProtocolViolation, out.Name, batch)
	}
	if parts != 4 {
		return nil, fmt.Errorf("%w: output %q has %d complex-as-channels planes, want 4", ErrProtocolViolation, out.Name, parts)
	}
	if bins != m.numBins || frames != m.numFrames {
		return nil, fmt.Errorf("%w: output %q is %d bins x %d frames, want %d x %d",
			ErrProtocolViolation, out.Name, bins, frames, m.numBins, m.numFrames)
	}
	names, err := m.proto.StemNames(stems)
	if err != nil {
		return nil, err
	}

	plane := bins * frames
	res := &SpectralResult{Stems: make([]StemSpectrum, stems)}
	for s := range stems {
		stemOffset := s * 4 * plane
		res.Stems[s].Name = names[s]
		for c := range 2 {
			re := out.Data[stemOffset+(2*c)*plane : stemOffset+(2*c+1)*plane]
			im := out.Data[stemOffset+(2*c+1)*plane : stemOffset+(2*c+2)*plane]
			spec := &stft.Spectrogram{
				Real:      make([]float32, plane),
				Imag:      make([]float32, plane),
				NumFrames: frames,
				NumBins:   bins,
			}
			for b := range bins {
				for f := range frames {
					spec.Real[f*bins+b] = re[b*frames+f]
					spec.Imag[f*bins+b] = im[b*frames+f]
				}
			}
			res.Stems[s].Channels[c] = spec
		}
	}
	return res, nil
}
