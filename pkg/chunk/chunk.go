// Package chunk splits long recordings into the fixed-size, overlapping
// windows a separation model accepts and blends the per-window results back
// into full-length tracks.
//
// Windows start every Step = Size - Overlap samples. The last window may
// extend past the end of the signal; [Extract] zero-fills the missing tail
// and [Blend] never writes past the destination.
package chunk

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned by [Config.Validate].
var ErrInvalidConfig = errors.New("chunk: invalid config")

// Config holds the window geometry. Both values are model contract
// constants.
type Config struct {
	// Size is the number of samples per window.
	Size int

	// Overlap is the number of samples shared by consecutive windows.
	Overlap int
}

// OverlapFromFraction returns Config{Size: size, Overlap: int(size*frac)}.
func OverlapFromFraction(size int, frac float64) Config {
	return Config{Size: size, Overlap: int(float64(size) * frac)}
}

// Validate reports whether c describes a usable window geometry.
func (c Config) Validate() error {
	var errs []error
	if c.Size <= 0 {
		errs = append(errs, fmt.Errorf("%w: size %d must be positive", ErrInvalidConfig, c.Size))
	}
	if c.Overlap < 0 {
		errs = append(errs, fmt.Errorf("%w: overlap %d must not be negative", ErrInvalidConfig, c.Overlap))
	}
	if c.Size > 0 && c.Overlap >= c.Size {
		errs = append(errs, fmt.Errorf("%w: overlap %d must be smaller than size %d", ErrInvalidConfig, c.Overlap, c.Size))
	}
	return errors.Join(errs...)
}

// Step returns the distance between consecutive window offsets.
func (c Config) Step() int { return c.Size - c.Overlap }

// Count returns ceil(length/Step), the number of windows needed to cover a
// signal of the given length.
func (c Config) Count(length int) int {
	step := c.Step()
	if length <= 0 || step <= 0 {
		return 0
	}
	return (length + step - 1) / step
}

// Descriptor is a view of one window over the input signal. It carries no
// samples; [Extract] materialises them.
type Descriptor struct {
	Index  int
	Offset int

	// Length is the number of real signal samples in the window, at most
	// Config.Size. The remainder is padding.
	Length int

	IsFirst bool
	IsLast  bool
}

// Plan returns the descriptors covering a signal of the given length, in
// increasing offset order.
func (c Config) Plan(length int) []Descriptor {
	n := c.Count(length)
	out := make([]Descriptor, n)
	step := c.Step()
	for k := range n {
		off := k * step
		out[k] = Descriptor{
			Index:   k,
			Offset:  off,
			Length:  min(c.Size, length-off),
			IsFirst: k == 0,
			IsLast:  k == n-1,
		}
	}
	return out
}

// Extract copies size samples of src starting at offset into a new slice,
// reading zeros beyond the end of src.
func Extract(src []float32, offset, size int) []float32 {
	dst := make([]float32, size)
	ExtractInto(dst, src, offset)
	return dst
}

// ExtractInto fills dst with src[offset:offset+len(dst)], zero-filling the
// part that lies outside src. It never reads out of bounds.
func ExtractInto(dst, src []float32, offset int) {
	n := 0
	if offset >= 0 && offset < len(src) {
		n = copy(dst, src[offset:])
	}
	clear(dst[n:])
}

// Weight returns the crossfade weight of sample i in a window of n samples.
// Non-first windows fade in over the first overlap samples, non-last
// windows fade out over the last overlap samples; where both ramps apply
// the smaller weight wins.
func Weight(i, n, overlap int, isFirst, isLast bool) float32 {
	w := float32(1)
	if overlap <= 0 {
		return w
	}
	if !isFirst && i < overlap {
		w = float32(i) / float32(overlap)
	}
	if !isLast && i >= n-overlap {
		w = min(w, float32(n-i)/float32(overlap))
	}
	return w
}

// Blend merges one window's output into dst at offset:
// dst[offset+i] = dst[offset+i]*(1-w) + chunk[i]*w with w from [Weight].
// Samples that would land past len(dst) are discarded.
//
// Calls for the same dst must happen in increasing offset order.
func Blend(dst, chunk []float32, offset, overlap int, isFirst, isLast bool) {
	n := len(chunk)
	limit := min(n, len(dst)-offset)
	for i := range limit {
		w := Weight(i, n, overlap, isFirst, isLast)
		j := offset + i
		dst[j] = dst[j]*(1-w) + chunk[i]*w
	}
}
