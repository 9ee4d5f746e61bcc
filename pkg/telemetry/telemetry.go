// Package telemetry defines the link telemetry sample consumed by the
// adaptive bitrate controller and the Source interface that produces it.
package telemetry

import "context"

// LinkTelemetry is a single observation of the wireless link. It is produced
// on demand once per monitoring tick and never persisted.
type LinkTelemetry struct {
	// SignalStrength is the received signal strength as a percentage (0–100).
	SignalStrength int `json:"signal_strength"`

	// PacketLoss is the share of lost packets as a percentage (0–100).
	PacketLoss int `json:"packet_loss"`

	// ActiveBitrate is the bitrate the encoder is currently running at, in bps.
	ActiveBitrate int `json:"active_bitrate"`
}

// Source supplies telemetry for the currently connected device.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Sample returns the current link telemetry. It should honour ctx
	// cancellation and return an error when no device is connected.
	Sample(ctx context.Context) (LinkTelemetry, error)
}
