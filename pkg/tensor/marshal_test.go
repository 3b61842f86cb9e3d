package tensor_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/stems/pkg/stft"
	"github.com/MrWong99/stems/pkg/tensor"
)

func testProtocol() tensor.Protocol {
	return tensor.Protocol{
		ModelID:          "htdemucs",
		Version:          "test",
		WaveformInput:    "waveform",
		SpectrogramInput: "spectrogram",
		StemOrders:       tensor.HTDemucsStemOrders(),
	}
}

func newMarshaller(t *testing.T, bins, frames, chunk int) *tensor.Marshaller {
	t.Helper()
	m, err := tensor.NewMarshaller(testProtocol(), bins, frames, chunk)
	if err != nil {
		t.Fatalf("NewMarshaller: %v", err)
	}
	return m
}

// ramp returns start, start+1, ... as float32.
func ramp(n int, start float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = start + float32(i)
	}
	return out
}

func TestPackWaveform_Planar(t *testing.T) {
	m := newMarshaller(t, 2, 3, 4)
	wf, err := m.PackWaveform([]float32{1, 2, 3, 4}, []float32{5, 6, 7, 8})
	if err != nil {
		t.Fatalf("PackWaveform: %v", err)
	}
	if wf.Name != "waveform" || !slices.Equal(wf.Shape, []int64{1, 2, 4}) {
		t.Errorf("got %s %v, want waveform [1 2 4]", wf.Name, wf.Shape)
	}
	if want := []float32{1, 2, 3, 4, 5, 6, 7, 8}; !slices.Equal(wf.Data, want) {
		t.Errorf("data: got %v, want %v", wf.Data, want)
	}

	if _, err := m.PackWaveform([]float32{1, 2, 3}, []float32{5, 6, 7, 8}); !errors.Is(err, tensor.ErrInvalidInput) {
		t.Errorf("short channel: got %v, want ErrInvalidInput", err)
	}
}

func TestPackSpectrogram_LayoutAndOrder(t *testing.T) {
	const bins, frames = 3, 2
	m := newMarshaller(t, bins, frames, 8)

	// Frame-major input: index f*bins+b.
	left := &stft.Spectrogram{Real: ramp(6, 0), Imag: ramp(6, 100), NumFrames: frames, NumBins: bins}
	right := &stft.Spectrogram{Real: ramp(6, 200), Imag: ramp(6, 300), NumFrames: frames, NumBins: bins}

	spec, err := m.PackSpectrogram(left, right)
	if err != nil {
		t.Fatalf("PackSpectrogram: %v", err)
	}
	if spec.Name != "spectrogram" || !slices.Equal(spec.Shape, []int64{1, 4, bins, frames}) {
		t.Fatalf("got %s %v, want spectrogram [1 4 3 2]", spec.Name, spec.Shape)
	}

	// Bin-major output: index c*bins*frames + b*frames + f.
	for c, base := range []float32{0, 100, 200, 300} {
		for b := range bins {
			for f := range frames {
				got := spec.Data[c*bins*frames+b*frames+f]
				want := base + float32(f*bins+b)
				if got != want {
					t.Errorf("channel %d bin %d frame %d: got %v, want %v", c, b, f, got, want)
				}
			}
		}
	}
}

func TestPackSpectrogram_ValidatesBeforeCopy(t *testing.T) {
	m := newMarshaller(t, 3, 2, 8)
	good := &stft.Spectrogram{Real: make([]float32, 6), Imag: make([]float32, 6), NumFrames: 2, NumBins: 3}
	tests := []struct {
		name  string
		left  *stft.Spectrogram
		right *stft.Spectrogram
	}{
		{"nil right", good, nil},
		{"short imag", &stft.Spectrogram{Real: make([]float32, 6), Imag: make([]float32, 5), NumFrames: 2, NumBins: 3}, good},
		{"wrong bins", &stft.Spectrogram{Real: make([]float32, 6), Imag: make([]float32, 6), NumFrames: 3, NumBins: 2}, good},
		{"wrong frames", good, &stft.Spectrogram{Real: make([]float32, 9), Imag: make([]float32, 9), NumFrames: 3, NumBins: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.PackSpectrogram(tt.left, tt.right); !errors.Is(err, tensor.ErrInvalidInput) {
				t.Errorf("got %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestUnpack_WaveformOffsets(t *testing.T) {
	for _, stems := range []int{4, 6} {
		const samples = 5
		m := newMarshaller(t, 2, 2, samples)
		out := &tensor.Tensor{
			Name:  "output",
			Shape: []int64{1, int64(stems), 2, samples},
			Data:  ramp(stems*2*samples, 0),
		}
		results, err := m.Unpack([]*tensor.Tensor{out})
		if err != nil {
			t.Fatalf("%d stems: Unpack: %v", stems, err)
		}
		wr, ok := results[0].(*tensor.WaveformResult)
		if !ok {
			t.Fatalf("%d stems: got %T, want *WaveformResult", stems, results[0])
		}
		want, _ := testProtocol().StemNames(stems)
		if !slices.Equal(wr.StemNames(), want) {
			t.Errorf("names: got %v, want %v", wr.StemNames(), want)
		}
		for s, stem := range wr.Stems {
			for c := range 2 {
				first := float32(s*2*samples + c*samples)
				if !slices.Equal(stem.Channels[c], ramp(samples, first)) {
					t.Errorf("%d stems: stem %d channel %d: got %v", stems, s, c, stem.Channels[c])
				}
			}
		}
	}
}

func TestUnpack_SpectralRoundTrip(t *testing.T) {
	const bins, frames = 3, 2
	m := newMarshaller(t, bins, frames, 8)

	// Pack four stems' spectra the same way the input is packed, then
	// check Unpack restores the frame-major layout.
	left := &stft.Spectrogram{Real: ramp(6, 0), Imag: ramp(6, 10), NumFrames: frames, NumBins: bins}
	right := &stft.Spectrogram{Real: ramp(6, 20), Imag: ramp(6, 30), NumFrames: frames, NumBins: bins}
	packed, err := m.PackSpectrogram(left, right)
	if err != nil {
		t.Fatal(err)
	}
	var data []float32
	for range 4 {
		data = append(data, packed.Data...)
	}
	out := &tensor.Tensor{Name: "spec_out", Shape: []int64{1, 4, 4, bins, frames}, Data: data}

	results, err := m.Unpack([]*tensor.Tensor{out})
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	sr, ok := results[0].(*tensor.SpectralResult)
	if !ok {
		t.Fatalf("got %T, want *SpectralResult", results[0])
	}
	if len(sr.Stems) != 4 || sr.Stems[3].Name != tensor.StemVocals {
		t.Fatalf("stems: got %v", sr.StemNames())
	}
	for _, stem := range sr.Stems {
		for c, want := range []*stft.Spectrogram{left, right} {
			got := stem.Channels[c]
			if !slices.Equal(got.Real, want.Real) || !slices.Equal(got.Imag, want.Imag) {
				t.Errorf("stem %s channel %d: got %v/%v, want %v/%v", stem.Name, c, got.Real, got.Imag, want.Real, want.Imag)
			}
		}
	}
}

func TestUnpack_ProtocolViolations(t *testing.T) {
	m := newMarshaller(t, 2, 2, 4)
	tests := []struct {
		name string
		out  *tensor.Tensor
	}{
		{"five stems", &tensor.Tensor{Shape: []int64{1, 5, 2, 4}, Data: make([]float32, 40)}},
		{"batch of two", &tensor.Tensor{Shape: []int64{2, 4, 2, 4}, Data: make([]float32, 64)}},
		{"mono", &tensor.Tensor{Shape: []int64{1, 4, 1, 4}, Data: make([]float32, 16)}},
		{"wrong sample count", &tensor.Tensor{Shape: []int64{1, 4, 2, 3}, Data: make([]float32, 24)}},
		{"data shorter than shape", &tensor.Tensor{Shape: []int64{1, 4, 2, 4}, Data: make([]float32, 31)}},
		{"rank 3", &tensor.Tensor{Shape: []int64{4, 2, 4}, Data: make([]float32, 32)}},
		{"spectral wrong bins", &tensor.Tensor{Shape: []int64{1, 4, 4, 3, 2}, Data: make([]float32, 96)}},
		{"spectral two planes", &tensor.Tensor{Shape: []int64{1, 4, 2, 2, 2}, Data: make([]float32, 32)}},
		{"nil", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Unpack([]*tensor.Tensor{tt.out}); !errors.Is(err, tensor.ErrProtocolViolation) {
				t.Errorf("got %v, want ErrProtocolViolation", err)
			}
		})
	}

	if _, err := m.Unpack(nil); !errors.Is(err, tensor.ErrProtocolViolation) {
		t.Errorf("no outputs: got %v, want ErrProtocolViolation", err)
	}
}

func TestProtocol_StemNames(t *testing.T) {
	p := testProtocol()
	names, err := p.StemNames(4)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"drums", "bass", "other", "vocals"}; !slices.Equal(names, want) {
		t.Errorf("4 stems: got %v, want %v", names, want)
	}

	// Callers must not be able to mutate the protocol table.
	names[0] = "mutated"
	if again, _ := p.StemNames(4); again[0] != "drums" {
		t.Error("StemNames returned a shared slice")
	}

	p.StemOrders = map[int][]string{4: {"a", "b", "c", "d"}}
	if _, err := p.StemNames(6); !errors.Is(err, tensor.ErrProtocolViolation) {
		t.Errorf("undefined order: got %v, want ErrProtocolViolation", err)
	}
}

func TestNewMarshaller_Invalid(t *testing.T) {
	p := testProtocol()
	p.WaveformInput = ""
	if _, err := tensor.NewMarshaller(p, 2, 2, 4); !errors.Is(err, tensor.ErrInvalidInput) {
		t.Errorf("missing input name: got %v", err)
	}
	if _, err := tensor.NewMarshaller(testProtocol(), 0, 2, 4); !errors.Is(err, tensor.ErrInvalidInput) {
		t.Errorf("zero bins: got %v", err)
	}
}

func TestNew(t *testing.T) {
	if _, err := tensor.New("x", []int64{2, 3}, make([]float32, 6)); err != nil {
		t.Errorf("valid tensor: %v", err)
	}
	if _, err := tensor.New("x", []int64{2, 3}, make([]float32, 5)); !errors.Is(err, tensor.ErrInvalidInput) {
		t.Errorf("size mismatch: got %v", err)
	}
	if _, err := tensor.New("x", []int64{2, 0}, nil); !errors.Is(err, tensor.ErrInvalidInput) {
		t.Errorf("zero dim: got %v", err)
	}
}
