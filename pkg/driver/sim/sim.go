// Package sim provides an in-process simulated A2DP link. It implements both
// driver.Driver and telemetry.Source so a2dpd can run end to end without a
// Bluetooth adapter.
//
// The simulated transport only accepts codecs the attached device advertises
// and bitrates on that codec's ladder, like the real kernel driver. Link
// conditions are set with [Link.SetConditions].
package sim

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/a2dpd/pkg/codec"
	"github.com/MrWong99/a2dpd/pkg/driver"
	"github.com/MrWong99/a2dpd/pkg/telemetry"
)

// Link is a simulated wireless link to a single device.
type Link struct {
	latency time.Duration
	nominal codec.NominalBitrates

	mu      sync.Mutex
	device  *codec.Device
	status  driver.Status
	signal  int
	loss    int
	applied int
}

var (
	_ driver.Driver    = (*Link)(nil)
	_ telemetry.Source = (*Link)(nil)
)

// Option configures a [Link].
type Option func(*Link)

// WithLatency sets how long each apply takes. The default is 10ms.
func WithLatency(d time.Duration) Option {
	return func(l *Link) {
		if d >= 0 {
			l.latency = d
		}
	}
}

// WithNominalBitrates sets the ladder table used to validate applies.
func WithNominalBitrates(n codec.NominalBitrates) Option {
	return func(l *Link) { l.nominal = n }
}

// New creates a link with a perfect signal and no device attached.
func New(opts ...Option) *Link {
	l := &Link{
		latency: 10 * time.Millisecond,
		nominal: codec.DefaultNominalBitrates(),
		signal:  100,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Attach connects dev to the link, replacing any previous device.
func (l *Link) Attach(dev codec.Device) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := dev
	d.Codecs = slices.Clone(dev.Codecs)
	l.device = &d
	l.status = driver.Status{}
	slog.Info("sim: device attached", "id", dev.ID, "name", dev.Name, "codecs", dev.Codecs)
}

// Detach disconnects the current device.
func (l *Link) Detach() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.device = nil
	l.status = driver.Status{}
}

// SetConditions sets the signal strength and packet loss percentages
// reported by [Link.Sample].
func (l *Link) SetConditions(signal, loss int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.signal = signal
	l.loss = loss
}

// Applies returns how many applies the link has accepted.
func (l *Link) Applies() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applied
}

// ApplyBitrate implements driver.Driver.
func (l *Link) ApplyBitrate(ctx context.Context, id codec.ID, bitrate int) (driver.ApplyResult, error) {
	if l.latency > 0 {
		t := time.NewTimer(l.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return driver.ApplyResult{}, ctx.Err()
		case <-t.C:
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.device == nil {
		return driver.ApplyResult{}, driver.ErrNotConnected
	}
	if !slices.Contains(l.device.Codecs, string(id)) || !l.nominal.IsValidFor(id, bitrate) {
		slog.Debug("sim: apply rejected", "codec", id, "bitrate", bitrate)
		return driver.ApplyResult{Success: false, AppliedBitrate: l.status.Bitrate}, nil
	}

	l.status = driver.Status{
		Codec:   id,
		Bitrate: bitrate,
		Format:  codec.Format{SampleRate: 48000, BitDepth: 16, Channels: 2},
	}
	l.applied++
	return driver.ApplyResult{Success: true, AppliedBitrate: bitrate}, nil
}

// Status implements driver.Driver.
func (l *Link) Status(_ context.Context) (driver.Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.device == nil {
		return driver.Status{}, driver.ErrNotConnected
	}
	return l.status, nil
}

// Sample implements telemetry.Source.
func (l *Link) Sample(ctx context.Context) (telemetry.LinkTelemetry, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.LinkTelemetry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.device == nil {
		return telemetry.LinkTelemetry{}, driver.ErrNotConnected
	}
	return telemetry.LinkTelemetry{
		SignalStrength: l.signal,
		PacketLoss:     l.loss,
		ActiveBitrate:  l.status.Bitrate,
	}, nil
}
