// Package codec defines the Bluetooth A2DP codec identifiers understood by
// a2dpd, the bitrate tiers they can run at, and the pure functions that derive
// a device's capabilities and the codec preference order.
//
// Identifiers are canonical and case-sensitive: "LDAC", "aptX HD", "aptX",
// "AAC" and "SBC". SBC is the baseline codec every A2DP sink must implement,
// so it is always the last entry of any priority chain.
package codec

import "slices"

// ID is a canonical codec identifier.
type ID string

const (
	LDAC   ID = "LDAC"
	AptXHD ID = "aptX HD"
	AptX   ID = "aptX"
	AAC    ID = "AAC"
	SBC    ID = "SBC"
)

// Baseline is the universally supported codec that terminates every chain.
const Baseline = SBC

// known lists every recognised codec, most capable first.
var known = []ID{LDAC, AptXHD, AptX, AAC, SBC}

// Known returns all recognised codec identifiers, most capable first. The
// returned slice is a copy.
func Known() []ID {
	return slices.Clone(known)
}

// IsKnown reports whether s is a canonical codec identifier.
func IsKnown(s string) bool {
	return slices.Contains(known, ID(s))
}

// String returns the identifier as advertised on the wire.
func (id ID) String() string { return string(id) }

// Device describes a connected A2DP sink as seen by the transport.
type Device struct {
	// ID is the device address (e.g. "00:11:22:33:44:55").
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable device name.
	Name string `json:"name" yaml:"name"`

	// Codecs holds the raw codec identifiers the device advertises.
	Codecs []string `json:"codecs" yaml:"codecs"`
}
