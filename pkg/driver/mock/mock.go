// Package mock provides a test double for the driver.Driver interface.
//
// By default every apply succeeds and echoes the requested bitrate back,
// mirroring a well-behaved transport. Use ApplyFunc for per-call behaviour
// and Delay to simulate a slow transport.
//
//	d := &mock.Driver{}
//	res, _ := d.ApplyBitrate(ctx, codec.LDAC, 990000)
//	// res == driver.ApplyResult{Success: true, AppliedBitrate: 990000}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/a2dpd/pkg/codec"
	"github.com/MrWong99/a2dpd/pkg/driver"
)

// ApplyCall records a single invocation of ApplyBitrate.
type ApplyCall struct {
	Codec   codec.ID
	Bitrate int
}

// Driver is a mock implementation of driver.Driver.
type Driver struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ApplyFunc, if set, decides the outcome of each apply. n is the
	// zero-based index of the call.
	ApplyFunc func(n int, id codec.ID, bitrate int) (driver.ApplyResult, error)

	// Reject makes every apply return Success=false when ApplyFunc is nil.
	Reject bool

	// Delay is slept (honouring ctx) before each apply returns.
	Delay time.Duration

	// StatusResult and StatusErr are returned by Status. When StatusResult is
	// the zero value the last successful apply is reported at 48 kHz/16 bit
	// stereo.
	StatusResult driver.Status
	StatusErr    error

	// --- Call records ---

	// ApplyCalls records every call to ApplyBitrate in order.
	ApplyCalls []ApplyCall

	last driver.Status
}

var _ driver.Driver = (*Driver)(nil)

// ApplyBitrate records the call and returns the configured outcome.
func (d *Driver) ApplyBitrate(ctx context.Context, id codec.ID, bitrate int) (driver.ApplyResult, error) {
	d.mu.Lock()
	n := len(d.ApplyCalls)
	d.ApplyCalls = append(d.ApplyCalls, ApplyCall{Codec: id, Bitrate: bitrate})
	fn, reject, delay := d.ApplyFunc, d.Reject, d.Delay
	d.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return driver.ApplyResult{}, ctx.Err()
		case <-t.C:
		}
	}

	var (
		res driver.ApplyResult
		err error
	)
	switch {
	case fn != nil:
		res, err = fn(n, id, bitrate)
	case reject:
		res = driver.ApplyResult{Success: false}
	default:
		res = driver.ApplyResult{Success: true, AppliedBitrate: bitrate}
	}

	if err == nil && res.Success {
		d.mu.Lock()
		d.last = driver.Status{
			Codec:   id,
			Bitrate: res.AppliedBitrate,
			Format:  codec.Format{SampleRate: 48000, BitDepth: 16, Channels: 2},
		}
		d.mu.Unlock()
	}
	return res, err
}

// Status returns StatusResult/StatusErr, or the last applied configuration.
func (d *Driver) Status(_ context.Context) (driver.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.StatusErr != nil {
		return driver.Status{}, d.StatusErr
	}
	if d.StatusResult != (driver.Status{}) {
		return d.StatusResult, nil
	}
	return d.last, nil
}

// Calls returns a copy of the recorded apply calls. Thread-safe.
func (d *Driver) Calls() []ApplyCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ApplyCall, len(d.ApplyCalls))
	copy(out, d.ApplyCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ApplyCalls = nil
	d.last = driver.Status{}
}
