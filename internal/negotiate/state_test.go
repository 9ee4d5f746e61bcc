package negotiate

import (
	"slices"
	"testing"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	all := []State{Idle, Detecting, Selecting, Applying, Settled, Failed}
	legal := map[[2]State]bool{
		{Idle, Detecting}:      true,
		{Detecting, Selecting}: true,
		{Selecting, Applying}:  true,
		{Selecting, Failed}:    true,
		{Applying, Settled}:    true,
		{Applying, Failed}:     true,
		{Settled, Detecting}:   true,
		{Settled, Applying}:    true,
		{Failed, Detecting}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			want := legal[[2]State{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatesOnlyRestartAtDetecting(t *testing.T) {
	t.Parallel()
	if got := Transitions(Failed); !slices.Equal(got, []State{Detecting}) {
		t.Errorf("Transitions(Failed) = %v, want [detecting]", got)
	}
	for _, s := range []State{Idle, Failed} {
		if CanTransition(s, Applying) {
			t.Errorf("%s must not skip straight to applying", s)
		}
	}
}

func TestTransitions_ReturnsCopy(t *testing.T) {
	t.Parallel()
	got := Transitions(Settled)
	got[0] = Failed
	if CanTransition(Settled, Failed) {
		t.Error("mutating the result changed the transition table")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    State
		want string
	}{
		{Idle, "idle"},
		{Detecting, "detecting"},
		{Selecting, "selecting"},
		{Applying, "applying"},
		{Settled, "settled"},
		{Failed, "failed"},
		{State(42), "state(42)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}
