// Package audio holds the sample buffer types shared by the separation
// pipeline and the helpers that convert between them.
//
// Two layouts exist and neither owns the other. [Interleaved] is what file
// decoders and encoders produce and consume (L,R,L,R,...). [Planar] is what
// the transform and chunking stages operate on (one contiguous slice per
// channel). Call sites convert explicitly with [Deinterleave] and
// [Interleave].
package audio

import "time"

// Interleaved is a channel-minor sample buffer: frame i of channel c lives at
// Samples[i*Channels+c].
type Interleaved struct {
	Format

	// Samples holds normalised float32 samples in [-1, 1].
	Samples []float32
}

// Frames returns the number of sample frames (samples per channel).
func (b Interleaved) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b Interleaved) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Planar stores one contiguous sample slice per channel. All channels are
// expected to have the same length.
type Planar struct {
	SampleRate int
	Channels   [][]float32
}

// NewPlanar allocates a zero-filled planar buffer.
func NewPlanar(sampleRate, channels, frames int) Planar {
	p := Planar{SampleRate: sampleRate, Channels: make([][]float32, channels)}
	for c := range p.Channels {
		p.Channels[c] = make([]float32, frames)
	}
	return p
}

// Frames returns the length of the first channel, or 0 for an empty buffer.
func (p Planar) Frames() int {
	if len(p.Channels) == 0 {
		return 0
	}
	return len(p.Channels[0])
}

// WithFrames returns p with every channel trimmed or zero-padded to exactly
// frames samples. Channels that already have that length are shared.
func (p Planar) WithFrames(frames int) Planar {
	out := Planar{SampleRate: p.SampleRate, Channels: make([][]float32, len(p.Channels))}
	for c, samples := range p.Channels {
		switch {
		case len(samples) == frames:
			out.Channels[c] = samples
		case len(samples) > frames:
			out.Channels[c] = samples[:frames:frames]
		default:
			padded := make([]float32, frames)
			copy(padded, samples)
			out.Channels[c] = padded
		}
	}
	return out
}

// Format returns the sample rate and channel count of p.
func (p Planar) Format() Format {
	return Format{SampleRate: p.SampleRate, Channels: len(p.Channels)}
}

// Deinterleave splits an interleaved buffer into one slice per channel.
// Trailing samples that do not form a complete frame are dropped.
func Deinterleave(in Interleaved) Planar {
	frames := in.Frames()
	out := NewPlanar(in.SampleRate, in.Channels, frames)
	for i := range frames {
		base := i * in.Channels
		for c := range in.Channels {
			out.Channels[c][i] = in.Samples[base+c]
		}
	}
	return out
}

// Interleave merges planar channels into a single channel-minor buffer.
// Channels shorter than the first one are read as silence.
func Interleave(in Planar) Interleaved {
	ch := len(in.Channels)
	frames := in.Frames()
	out := Interleaved{
		Format:  Format{SampleRate: in.SampleRate, Channels: ch},
		Samples: make([]float32, frames*ch),
	}
	for c, samples := range in.Channels {
		n := min(len(samples), frames)
		for i := range n {
			out.Samples[i*ch+c] = samples[i]
		}
	}
	return out
}
