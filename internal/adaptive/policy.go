package adaptive

import (
	"errors"
	"fmt"

	"github.com/MrWong99/a2dpd/internal/quality"
)

// Decision is the action chosen for one monitoring tick.
type Decision int

const (
	// Hold leaves the link as it is.
	Hold Decision = iota
	// Downshift moves to the next lower bitrate of the active codec.
	Downshift
	// Upshift moves to the next higher bitrate of the active codec.
	Upshift
	// Renegotiate re-runs codec selection because the link is poor at the
	// lowest bitrate already.
	Renegotiate
)

// String returns the lower-case decision name.
func (d Decision) String() string {
	switch d {
	case Hold:
		return "hold"
	case Downshift:
		return "downshift"
	case Upshift:
		return "upshift"
	case Renegotiate:
		return "renegotiate"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Decision) UnmarshalText(text []byte) error {
	for _, c := range []Decision{Hold, Downshift, Upshift, Renegotiate} {
		if c.String() == string(text) {
			*d = c
			return nil
		}
	}
	return fmt.Errorf("adaptive: unknown decision %q", text)
}

// Policy holds the hysteresis thresholds.
type Policy struct {
	// DownshiftBelow: a score strictly below it counts as poor.
	DownshiftBelow int `yaml:"downshift_below"`
	// DownshiftSamples consecutive poor samples trigger a downshift.
	DownshiftSamples int `yaml:"downshift_samples"`
	// UpshiftAbove: a score strictly above it counts as good.
	UpshiftAbove int `yaml:"upshift_above"`
	// UpshiftSamples consecutive good samples trigger an upshift.
	UpshiftSamples int `yaml:"upshift_samples"`
}

// DefaultPolicy returns 40/2 for downshifts and 85/3 for upshifts.
func DefaultPolicy() Policy {
	return Policy{
		DownshiftBelow:   40,
		DownshiftSamples: 2,
		UpshiftAbove:     85,
		UpshiftSamples:   3,
	}
}

// Validate reports every inconsistent threshold.
func (p Policy) Validate() error {
	var errs []error
	if p.DownshiftBelow < quality.MinScore || p.DownshiftBelow > quality.MaxScore {
		errs = append(errs, fmt.Errorf("downshift_below %d outside [%d, %d]", p.DownshiftBelow, quality.MinScore, quality.MaxScore))
	}
	if p.UpshiftAbove < quality.MinScore || p.UpshiftAbove > quality.MaxScore {
		errs = append(errs, fmt.Errorf("upshift_above %d outside [%d, %d]", p.UpshiftAbove, quality.MinScore, quality.MaxScore))
	}
	if p.DownshiftBelow > p.UpshiftAbove {
		errs = append(errs, fmt.Errorf("downshift_below %d must not exceed upshift_above %d", p.DownshiftBelow, p.UpshiftAbove))
	}
	if p.DownshiftSamples < 1 {
		errs = append(errs, fmt.Errorf("downshift_samples must be at least 1, got %d", p.DownshiftSamples))
	}
	if p.UpshiftSamples < 1 {
		errs = append(errs, fmt.Errorf("upshift_samples must be at least 1, got %d", p.UpshiftSamples))
	}
	return errors.Join(errs...)
}

// Decider turns a stream of scores into shift signals. A poor or good
// streak must be consecutive; any sample in between breaks it. A streak
// that produced a signal starts over, so N poor samples produce one
// downshift, not one per sample after the N-th.
//
// Decider is not safe for concurrent use.
type Decider struct {
	policy     Policy
	poor, good int
}

// NewDecider returns a Decider for p.
func NewDecider(p Policy) *Decider {
	return &Decider{policy: p}
}

// Observe feeds one score and returns Downshift, Upshift or Hold. It never
// returns Renegotiate; escalation depends on the ladder position, which the
// controller knows.
func (d *Decider) Observe(score int) Decision {
	switch {
	case score < d.policy.DownshiftBelow:
		d.good = 0
		d.poor++
		if d.poor >= d.policy.DownshiftSamples {
			d.poor = 0
			return Downshift
		}
	case score > d.policy.UpshiftAbove:
		d.poor = 0
		d.good++
		if d.good >= d.policy.UpshiftSamples {
			d.good = 0
			return Upshift
		}
	default:
		d.poor, d.good = 0, 0
	}
	return Hold
}

// Reset forgets both streaks.
func (d *Decider) Reset() {
	d.poor, d.good = 0, 0
}

// Policy returns the thresholds in use.
func (d *Decider) Policy() Policy {
	return d.policy
}
