// Package driver defines the interface a2dpd uses to reconfigure the
// Bluetooth A2DP transport.
//
// A Driver applies a codec and bitrate to the active link and reports the
// stream format it is running. The call blocks until the transport has
// acknowledged or rejected the request; callers that need it to be
// asynchronous run it in their own goroutine.
//
// Implementations must be safe for concurrent use.
package driver

import (
	"context"
	"errors"

	"github.com/MrWong99/a2dpd/pkg/codec"
)

// ErrNotConnected is returned when no device is attached to the transport.
var ErrNotConnected = errors.New("driver: no device connected")

// ApplyResult is the transport's answer to an apply request.
type ApplyResult struct {
	// Success reports whether the transport accepted the configuration.
	Success bool `json:"success"`

	// AppliedBitrate is the bitrate the encoder is now running at. It may
	// differ from the requested value if the transport clamped it.
	AppliedBitrate int `json:"applied_bitrate"`
}

// Status describes the stream the transport is currently producing.
type Status struct {
	Codec   codec.ID     `json:"codec"`
	Bitrate int          `json:"bitrate"`
	Format  codec.Format `json:"format"`
}

// Driver is the abstraction over the A2DP transport.
type Driver interface {
	// ApplyBitrate asks the transport to run codec id at bitrate. A rejected
	// request is reported as ApplyResult{Success: false} with a nil error;
	// a non-nil error means the transport could not be reached at all.
	ApplyBitrate(ctx context.Context, id codec.ID, bitrate int) (ApplyResult, error)

	// Status returns the current stream configuration.
	Status(ctx context.Context) (Status, error)
}
