package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form, e.g. "44100Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// FormatConverter converts planar buffers to a target format. It logs a
// warning on the first format mismatch.
// Create one per input; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedLayout   sync.Once
}

// Convert converts p to the target format. If the source format already
// matches the target, p is returned unchanged (zero allocation).
// Conversion order: resample first, then channel convert.
func (c *FormatConverter) Convert(p Planar) Planar {
	if len(p.Channels) > 2 || (c.Target.Channels != 1 && c.Target.Channels != 2) {
		c.warnedLayout.Do(func() {
			slog.Warn("audio format converter: unsupported channel layout, passing through",
				"from", p.Format().String(),
				"to", c.Target.String(),
			)
		})
		return p
	}

	// Fast path: source matches target.
	if p.SampleRate == c.Target.SampleRate && len(p.Channels) == c.Target.Channels {
		return p
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", p.Format().String(),
			"to", c.Target.String(),
		)
	})

	out := p

	// Step 1: Resample first (avoids resampling stereo when target is mono).
	if out.SampleRate != c.Target.SampleRate {
		channels := make([][]float32, len(out.Channels))
		for i, ch := range out.Channels {
			channels[i] = Resample(ch, out.SampleRate, c.Target.SampleRate)
		}
		out = Planar{SampleRate: c.Target.SampleRate, Channels: channels}
	}

	// Step 2: Channel conversion.
	if len(out.Channels) != c.Target.Channels {
		switch {
		case len(out.Channels) == 1 && c.Target.Channels == 2:
			out = MonoToStereo(out)
		case len(out.Channels) == 2 && c.Target.Channels == 1:
			out = StereoToMono(out)
		}
	}
	return out
}

// MonoToStereo duplicates a mono channel into identical left and right
// channels. Buffers that are not mono are returned unchanged.
func MonoToStereo(p Planar) Planar {
	if len(p.Channels) != 1 {
		return p
	}
	right := make([]float32, len(p.Channels[0]))
	copy(right, p.Channels[0])
	return Planar{SampleRate: p.SampleRate, Channels: [][]float32{p.Channels[0], right}}
}

// StereoToMono averages L+R per frame. Buffers that are not stereo are
// returned unchanged.
func StereoToMono(p Planar) Planar {
	if len(p.Channels) != 2 {
		return p
	}
	l, r := p.Channels[0], p.Channels[1]
	n := min(len(l), len(r))
	mono := make([]float32, n)
	for i := range n {
		mono[i] = (l[i] + r[i]) / 2
	}
	return Planar{SampleRate: p.SampleRate, Channels: [][]float32{mono}}
}

// Resample resamples one channel from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, the input is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
