package negotiate

import (
	"errors"
	"fmt"
	"slices"
)

// ErrIllegalTransition is returned when an operation would move the
// negotiator along an edge that is not in the transition table.
var ErrIllegalTransition = errors.New("negotiate: illegal state transition")

// State is a negotiation phase.
type State int

const (
	// Idle: no device has been negotiated yet.
	Idle State = iota
	// Detecting: deriving capabilities from the advertised codec list.
	Detecting
	// Selecting: walking the priority chain for the first supported codec.
	Selecting
	// Applying: waiting for the driver to accept the codec and bitrate.
	Applying
	// Settled: the driver accepted the configuration.
	Settled
	// Failed: the last run ended without a usable configuration.
	Failed
)

var stateNames = [...]string{
	Idle:      "idle",
	Detecting: "detecting",
	Selecting: "selecting",
	Applying:  "applying",
	Settled:   "settled",
	Failed:    "failed",
}

// String returns the lower-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler so states serialise by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	i := slices.Index(stateNames[:], string(text))
	if i < 0 {
		return fmt.Errorf("negotiate: unknown state %q", text)
	}
	*s = State(i)
	return nil
}

// transitions is the complete set of legal edges.
var transitions = map[State][]State{
	Idle:      {Detecting},
	Detecting: {Selecting},
	Selecting: {Applying, Failed},
	Applying:  {Settled, Failed},
	// Full renegotiation, or a bitrate-only change that skips detection.
	Settled: {Detecting, Applying},
	// Caller-initiated retry.
	Failed: {Detecting},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Transitions returns the legal successors of s.
func Transitions(s State) []State {
	return slices.Clone(transitions[s])
}
