package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Gain limits for an equalizer band, in dB.
const (
	MinGain = -12.0
	MaxGain = 12.0
)

// EqBand is one band of an equalizer profile.
type EqBand struct {
	// Frequency is the band centre in Hz. Must be positive.
	Frequency int `json:"frequency"`

	// Gain is the band gain in dB, within [MinGain, MaxGain].
	Gain float64 `json:"gain"`
}

// EqualizerProfile is a named, ordered set of equalizer bands.
type EqualizerProfile struct {
	Name  string   `json:"name"`
	Bands []EqBand `json:"bands"`
}

// Validate checks p and returns a joined error listing every problem found.
func (p EqualizerProfile) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	for i, b := range p.Bands {
		if b.Frequency <= 0 {
			errs = append(errs, fmt.Errorf("bands[%d].frequency %d must be positive", i, b.Frequency))
		}
		// NaN fails both comparisons, so test the accepted range.
		if !(b.Gain >= MinGain && b.Gain <= MaxGain) {
			errs = append(errs, fmt.Errorf("bands[%d].gain %v is out of range [%v, %v]", i, b.Gain, MinGain, MaxGain))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidProfile, errors.Join(errs...))
	}
	return nil
}

// Serialize encodes p as JSON text. Gains are written in their shortest
// exact form, so [Deserialize] reproduces every value bit for bit.
func Serialize(p EqualizerProfile) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%w: encode profile %q: %w", ErrSerialization, p.Name, err)
	}
	return string(raw), nil
}

// Deserialize decodes text produced by [Serialize].
func Deserialize(text string) (EqualizerProfile, error) {
	var p EqualizerProfile
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return EqualizerProfile{}, fmt.Errorf("%w: decode profile: %w", ErrSerialization, err)
	}
	return p, nil
}
