// Package mock provides a scripted test double for telemetry.Source.
//
// Samples are returned in order; once the script is exhausted the last sample
// repeats. Set Err to make every call fail.
//
//	src := &mock.Source{Samples: []telemetry.LinkTelemetry{
//	    {SignalStrength: 20, PacketLoss: 15, ActiveBitrate: 990000},
//	}}
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/a2dpd/pkg/telemetry"
)

// ErrNoSamples is returned when the script is empty.
var ErrNoSamples = errors.New("mock: no telemetry samples scripted")

// Source is a mock implementation of telemetry.Source.
type Source struct {
	mu sync.Mutex

	// Samples is the scripted sequence returned by Sample.
	Samples []telemetry.LinkTelemetry

	// Err, if non-nil, is returned by every call to Sample.
	Err error

	// Calls counts invocations of Sample.
	Calls int

	next int
}

var _ telemetry.Source = (*Source)(nil)

// Sample returns the next scripted sample.
func (s *Source) Sample(ctx context.Context) (telemetry.LinkTelemetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if err := ctx.Err(); err != nil {
		return telemetry.LinkTelemetry{}, err
	}
	if s.Err != nil {
		return telemetry.LinkTelemetry{}, s.Err
	}
	if len(s.Samples) == 0 {
		return telemetry.LinkTelemetry{}, ErrNoSamples
	}
	i := s.next
	if i >= len(s.Samples) {
		i = len(s.Samples) - 1
	} else {
		s.next++
	}
	return s.Samples[i], nil
}

// Push appends samples to the script. Thread-safe.
func (s *Source) Push(samples ...telemetry.LinkTelemetry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Samples = append(s.Samples, samples...)
}

// CallCount returns the number of Sample calls so far. Thread-safe.
func (s *Source) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls
}
