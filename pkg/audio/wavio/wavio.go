// Package wavio reads lossless input recordings and writes separated stems
// as 16-bit PCM WAV files.
//
// Supported input containers are WAV (PCM) and FLAC. Lossy containers are
// rejected with [ErrLossyFormat] because the separation model expects the
// full-bandwidth signal.
package wavio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"

	"github.com/MrWong99/stems/pkg/audio"
)

var (
	// ErrFileNotFound is returned when the input path does not exist.
	ErrFileNotFound = errors.New("wavio: file not found")

	// ErrUnsupportedFormat is returned for containers, channel layouts or
	// sample rates the pipeline cannot consume.
	ErrUnsupportedFormat = errors.New("wavio: unsupported format")

	// ErrLossyFormat is returned for lossy containers such as MP3 or Ogg.
	ErrLossyFormat = errors.New("wavio: lossy formats are not supported")

	// ErrCorruptedFile is returned when the container header or payload
	// cannot be decoded.
	ErrCorruptedFile = errors.New("wavio: corrupted file")
)

// SupportedSampleRates lists the input sample rates accepted by [Read].
var SupportedSampleRates = []int{44100, 48000, 96000}

var lossyExtensions = []string{".mp3", ".ogg", ".opus", ".aac", ".m4a", ".wma"}

// Container identifies the file format of an input recording.
type Container string

const (
	ContainerWAV  Container = "wav"
	ContainerFLAC Container = "flac"
)

// Info describes a decoded input file.
type Info struct {
	audio.Format
	BitDepth  int
	Frames    int
	Container Container
}

// ContainerFor maps a file extension (with or without the leading dot) to a
// supported container.
func ContainerFor(ext string) (Container, error) {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	switch {
	case ext == ".wav" || ext == ".wave":
		return ContainerWAV, nil
	case ext == ".flac":
		return ContainerFLAC, nil
	case slices.Contains(lossyExtensions, ext):
		return "", fmt.Errorf("%w: %s", ErrLossyFormat, ext)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// Read decodes the file at path into normalised float32 samples and checks
// that the result can be fed to the separator: one or two channels at one
// of [SupportedSampleRates].
func Read(path string) (audio.Interleaved, Info, error) {
	container, err := ContainerFor(filepath.Ext(path))
	if err != nil {
		return audio.Interleaved{}, Info{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return audio.Interleaved{}, Info{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return audio.Interleaved{}, Info{}, fmt.Errorf("wavio: stat %s: %w", path, err)
	}

	var (
		buf  audio.Interleaved
		info Info
	)
	switch container {
	case ContainerWAV:
		buf, info, err = readWAV(path)
	case ContainerFLAC:
		buf, info, err = readFLAC(path, fi.Size())
	}
	if err != nil {
		return audio.Interleaved{}, Info{}, err
	}
	if err := validate(info); err != nil {
		return audio.Interleaved{}, Info{}, err
	}
	return buf, info, nil
}

func validate(info Info) error {
	if info.Channels != 1 && info.Channels != 2 {
		return fmt.Errorf("%w: %d channels (want mono or stereo)", ErrUnsupportedFormat, info.Channels)
	}
	if !slices.Contains(SupportedSampleRates, info.SampleRate) {
		return fmt.Errorf("%w: sample rate %d Hz (want one of %v)", ErrUnsupportedFormat, info.SampleRate, SupportedSampleRates)
	}
	if info.Frames == 0 {
		return fmt.Errorf("%w: no audio frames", ErrCorruptedFile)
	}
	return nil
}

// ── WAV ──────────────────────────────────────────────────────────────────────

func readWAV(path string) (audio.Interleaved, Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return audio.Interleaved{}, Info{}, fmt.Errorf("wavio: open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return audio.Interleaved{}, Info{}, fmt.Errorf("%w: invalid WAV header", ErrCorruptedFile)
	}
	// go-audio/wav only decodes integer PCM (format tag 1).
	if dec.WavAudioFormat != 1 {
		return audio.Interleaved{}, Info{}, fmt.Errorf("%w: WAV format tag %d (want PCM)", ErrUnsupportedFormat, dec.WavAudioFormat)
	}

	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return audio.Interleaved{}, Info{}, fmt.Errorf("%w: %w", ErrCorruptedFile, err)
	}

	channels := int(dec.NumChans)
	bitDepth := int(dec.BitDepth)
	info := Info{
		Format:    audio.Format{SampleRate: int(dec.SampleRate), Channels: channels},
		BitDepth:  bitDepth,
		Container: ContainerWAV,
	}
	if channels > 0 {
		info.Frames = len(pcm.Data) / channels
	}

	buf := audio.Interleaved{Format: info.Format, Samples: make([]float32, len(pcm.Data))}
	scale := fullScale(bitDepth)
	// 8-bit WAV is unsigned with its midpoint at 128.
	offset := 0
	if bitDepth == 8 {
		offset = 128
	}
	for i, s := range pcm.Data {
		buf.Samples[i] = float32(float64(s-offset) / scale)
	}
	return buf, info, nil
}

// ── FLAC ─────────────────────────────────────────────────────────────────────

const (
	// minFLACFrameBytes bounds the smallest encodable frame: sync and header,
	// one constant subframe and the CRC-16 footer.
	minFLACFrameBytes = 8

	// maxFLACBlockSize is the largest block a frame header can declare.
	maxFLACBlockSize = 65535
)

// readFLAC decodes a FLAC file of size bytes. The stream header's sample
// count is only trusted as far as the file size allows.
func readFLAC(path string, size int64) (audio.Interleaved, Info, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return audio.Interleaved{}, Info{}, fmt.Errorf("%w: %w", ErrCorruptedFile, err)
	}
	defer stream.Close()

	channels := int(stream.Info.NChannels)
	bitDepth := int(stream.Info.BitsPerSample)
	info := Info{
		Format:    audio.Format{SampleRate: int(stream.Info.SampleRate), Channels: channels},
		BitDepth:  bitDepth,
		Container: ContainerFLAC,
	}

	if limit := uint64(size/minFLACFrameBytes+1) * maxFLACBlockSize; stream.Info.NSamples > limit {
		return audio.Interleaved{}, Info{}, fmt.Errorf("%w: header claims %d samples in a %d-byte file",
			ErrCorruptedFile, stream.Info.NSamples, size)
	}

	scale := fullScale(bitDepth)
	samples := make([]float32, 0, min(stream.Info.NSamples*uint64(channels), uint64(size)))
	for {
		frame, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return audio.Interleaved{}, Info{}, fmt.Errorf("%w: %w", ErrCorruptedFile, err)
		}
		if len(frame.Subframes) != channels {
			return audio.Interleaved{}, Info{}, fmt.Errorf("%w: frame has %d subframes, stream has %d channels",
				ErrCorruptedFile, len(frame.Subframes), channels)
		}
		n := len(frame.Subframes[0].Samples)
		for i := range n {
			for c := range channels {
				samples = append(samples, float32(float64(frame.Subframes[c].Samples[i])/scale))
			}
		}
	}
	if channels > 0 {
		info.Frames = len(samples) / channels
	}
	return audio.Interleaved{Format: info.Format, Samples: samples}, info, nil
}

// ── Output ───────────────────────────────────────────────────────────────────

// outputBitDepth is the PCM depth of every written stem.
const outputBitDepth = 16

// StemPath derives the output path for one stem by inserting the stem name
// before the input's extension: song.wav -> song_vocals.wav. Non-WAV inputs
// produce .wav outputs. An empty outDir writes next to the input.
func StemPath(input, outDir, stem string) string {
	ext := filepath.Ext(input)
	base := strings.TrimSuffix(filepath.Base(input), ext)
	if c, err := ContainerFor(ext); err != nil || c != ContainerWAV {
		ext = ".wav"
	}
	if outDir == "" {
		outDir = filepath.Dir(input)
	}
	return filepath.Join(outDir, base+"_"+stem+ext)
}

// Write encodes buf as a 16-bit PCM WAV file at path. Samples outside
// [-1, 1] are clipped. A file that fails to encode is removed.
func Write(path string, buf audio.Interleaved) (err error) {
	if buf.Channels <= 0 || buf.SampleRate <= 0 {
		return fmt.Errorf("wavio: write %s: invalid format %v", path, buf.Format)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("wavio: create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("wavio: close %s: %w", path, cerr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	enc := wav.NewEncoder(f, buf.SampleRate, outputBitDepth, buf.Channels, 1)
	ints := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: buf.Channels, SampleRate: buf.SampleRate},
		Data:           make([]int, len(buf.Samples)),
		SourceBitDepth: outputBitDepth,
	}
	scale := fullScale(outputBitDepth)
	for i, s := range buf.Samples {
		ints.Data[i] = quantize(s, scale)
	}
	if err := enc.Write(ints); err != nil {
		return fmt.Errorf("wavio: encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("wavio: finalize %s: %w", path, err)
	}
	return nil
}

// WriteStems writes one file per stem, in the order given by names, and
// returns the written paths in the same order. On error every file written
// so far is removed and no paths are returned.
func WriteStems(input, outDir string, names []string, stems map[string]audio.Planar) (paths []string, err error) {
	paths = make([]string, 0, len(names))
	defer func() {
		if err == nil {
			return
		}
		for _, p := range paths {
			if rerr := os.Remove(p); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				slog.Warn("wavio: failed to remove partial stem", "path", p, "err", rerr)
			}
		}
		paths = nil
	}()

	for _, name := range names {
		p, ok := stems[name]
		if !ok {
			return paths, fmt.Errorf("wavio: missing stem %q", name)
		}
		path := StemPath(input, outDir, name)
		if err := Write(path, audio.Interleave(p)); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func fullScale(bitDepth int) float64 {
	if bitDepth <= 0 {
		bitDepth = outputBitDepth
	}
	return float64(int64(1) << (bitDepth - 1))
}

func quantize(s float32, scale float64) int {
	v := float64(s) * scale
	if v > scale-1 {
		v = scale - 1
	} else if v < -scale {
		v = -scale
	}
	if v >= 0 {
		return int(v + 0.5)
	}
	return int(v - 0.5)
}
