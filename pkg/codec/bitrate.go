package codec

import "slices"

// LDAC quality modes in bits per second.
const (
	BitrateHigh   = 990000 // quality priority
	BitrateMedium = 660000 // normal
	BitrateLow    = 330000 // connection priority
)

// Tiers holds the known bitrate tiers, highest first.
var Tiers = []int{BitrateHigh, BitrateMedium, BitrateLow}

// IsValidBitrate reports whether bitrate is one of the known [Tiers].
func IsValidBitrate(bitrate int) bool {
	return slices.Contains(Tiers, bitrate)
}

// NominalBitrates maps a codec to the bitrate it runs at when no tier
// applies. It is configuration, not logic: callers may pass their own table.
type NominalBitrates map[ID]int

// DefaultNominalBitrates returns the built-in nominal table.
func DefaultNominalBitrates() NominalBitrates {
	return NominalBitrates{
		LDAC:   BitrateHigh,
		AptXHD: 576000,
		AptX:   352000,
		AAC:    320000,
		SBC:    328000,
	}
}

// For returns the nominal bitrate for id, falling back to the built-in
// default when the table has no positive entry for it.
func (n NominalBitrates) For(id ID) int {
	if v, ok := n[id]; ok && v > 0 {
		return v
	}
	return DefaultNominalBitrates()[id]
}

// TiersFor returns the bitrate ladder for id, highest first. LDAC runs at
// the three [Tiers]; every other codec has a single rung, its nominal rate.
func (n NominalBitrates) TiersFor(id ID) []int {
	if id == LDAC {
		return slices.Clone(Tiers)
	}
	if v := n.For(id); v > 0 {
		return []int{v}
	}
	return nil
}

// IsValidFor reports whether bitrate is on the ladder for id.
func (n NominalBitrates) IsValidFor(id ID, bitrate int) bool {
	return slices.Contains(n.TiersFor(id), bitrate)
}

// NextLower returns the next rung below bitrate on the ladder for id. It
// returns false when bitrate is already the lowest rung or not on the ladder.
func (n NominalBitrates) NextLower(id ID, bitrate int) (int, bool) {
	ladder := n.TiersFor(id)
	i := slices.Index(ladder, bitrate)
	if i < 0 || i == len(ladder)-1 {
		return 0, false
	}
	return ladder[i+1], true
}

// NextHigher returns the next rung above bitrate on the ladder for id. It
// returns false when bitrate is already the highest rung or not on the ladder.
func (n NominalBitrates) NextHigher(id ID, bitrate int) (int, bool) {
	ladder := n.TiersFor(id)
	i := slices.Index(ladder, bitrate)
	if i <= 0 {
		return 0, false
	}
	return ladder[i-1], true
}
