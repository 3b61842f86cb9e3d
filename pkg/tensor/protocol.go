package tensor

import (
	"fmt"
	"slices"
)

// Protocol is a versioned description of a model's tensor interface. It is
// passed to the [Marshaller] instead of being compiled into it so that a
// model upgrade is a data change.
type Protocol struct {
	ModelID string
	Version string

	// WaveformInput and SpectrogramInput name the two model inputs.
	WaveformInput    string
	SpectrogramInput string

	// Outputs names the model outputs to request. Empty means every output
	// the engine exposes.
	Outputs []string

	// StemOrders maps a stem count to the stem names in output order.
	StemOrders map[int][]string
}

// Stem names shared by the htdemucs family.
const (
	StemDrums  = "drums"
	StemBass   = "bass"
	StemOther  = "other"
	StemVocals = "vocals"
	StemGuitar = "guitar"
	StemPiano  = "piano"
)

// HTDemucsStemOrders is the output order of the 4- and 6-stem htdemucs
// models.
func HTDemucsStemOrders() map[int][]string {
	return map[int][]string{
		4: {StemDrums, StemBass, StemOther, StemVocals},
		6: {StemDrums, StemBass, StemOther, StemVocals, StemGuitar, StemPiano},
	}
}

// StemNames returns the names for a model output carrying count stems.
// Only 4 and 6 stems are defined.
func (p Protocol) StemNames(count int) ([]string, error) {
	if count != 4 && count != 6 {
		return nil, fmt.Errorf("%w: %d stems (want 4 or 6)", ErrProtocolViolation, count)
	}
	names, ok := p.StemOrders[count]
	if !ok || len(names) != count {
		return nil, fmt.Errorf("%w: %s %s defines no order for %d stems", ErrProtocolViolation, p.ModelID, p.Version, count)
	}
	return slices.Clone(names), nil
}

// Validate checks that the protocol names both inputs and only defines
// 4- or 6-stem orders of the right length.
func (p Protocol) Validate() error {
	if p.WaveformInput == "" || p.SpectrogramInput == "" {
		return fmt.Errorf("%w: %s: input names must be set", ErrInvalidInput, p.ModelID)
	}
	if len(p.StemOrders) == 0 {
		return fmt.Errorf("%w: %s: no stem orders", ErrInvalidInput, p.ModelID)
	}
	for count, names := range p.StemOrders {
		if (count != 4 && count != 6) || len(names) != count {
			return fmt.Errorf("%w: %s: invalid stem order for %d stems: %v", ErrInvalidInput, p.ModelID, count, names)
		}
	}
	return nil
}
