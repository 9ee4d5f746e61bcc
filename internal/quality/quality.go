// Package quality turns raw link telemetry into a 0–100 quality score.
//
// The score is signal strength minus twice the packet loss minus a penalty
// for the active bitrate, clamped to [0, 100]. The top bitrate tier carries
// no penalty; each lower tier carries a strictly larger one, reflecting the
// reduced fidelity headroom at lower rates.
package quality

import (
	"github.com/MrWong99/a2dpd/pkg/codec"
	"github.com/MrWong99/a2dpd/pkg/telemetry"
)

const (
	// MinScore and MaxScore bound every score.
	MinScore = 0
	MaxScore = 100

	lossWeight = 2
)

// penalties is indexed in the same order as [codec.Tiers].
var penalties = [...]int{0, 5, 10}

// CalculateQuality scores a link. Inputs outside their range are clamped
// rather than rejected, so the function never fails.
func CalculateQuality(signalStrength, packetLoss, activeBitrate int) int {
	signal := clamp(signalStrength, 0, 100)
	loss := clamp(packetLoss, 0, 100)
	raw := signal - lossWeight*loss - BitratePenalty(activeBitrate)
	return clamp(raw, MinScore, MaxScore)
}

// Score is a convenience wrapper around [CalculateQuality].
func Score(t telemetry.LinkTelemetry) int {
	return CalculateQuality(t.SignalStrength, t.PacketLoss, t.ActiveBitrate)
}

// BitratePenalty returns the penalty for bitrate. Bitrates between or
// outside the known tiers take the penalty of the nearest tier; ties go to
// the higher tier.
func BitratePenalty(bitrate int) int {
	best := 0
	bestDist := -1
	for i, tier := range codec.Tiers {
		d := tier - bitrate
		if d < 0 {
			d = -d
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return penalties[best]
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
