package errlog

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestReporter_LogError(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	r := New(WithClock(func() time.Time { return fixed }))

	if r.HasErrors() {
		t.Fatal("new reporter reports errors")
	}

	cause := errors.New("Test exception")
	r.LogError("Test error", cause)

	if !r.HasErrors() {
		t.Fatal("HasErrors() = false after LogError")
	}
	errs := r.GetErrors()
	if len(errs) != 1 {
		t.Fatalf("len(GetErrors()) = %d, want 1", len(errs))
	}
	got := errs[0]
	if !strings.Contains(got.Message, "Test error") {
		t.Errorf("Message = %q", got.Message)
	}
	if got.Cause != "Test exception" {
		t.Errorf("Cause = %q, want %q", got.Cause, "Test exception")
	}
	if !errors.Is(got.Err(), cause) {
		t.Errorf("Err() = %v, want %v", got.Err(), cause)
	}
	if !got.Time.Equal(fixed) {
		t.Errorf("Time = %v, want %v", got.Time, fixed)
	}
	if got.ID == "" {
		t.Error("ID is empty")
	}
}

func TestReporter_NilCause(t *testing.T) {
	t.Parallel()

	r := New()
	r.LogError("no cause", nil)
	if got := r.GetErrors()[0]; got.Cause != "" || got.Err() != nil {
		t.Errorf("record = %+v, want empty cause", got)
	}
}

func TestReporter_InsertionOrder(t *testing.T) {
	t.Parallel()

	r := New()
	for i := range 50 {
		r.LogError(fmt.Sprintf("error %d", i), nil)
	}
	errs := r.GetErrors()
	if len(errs) != 50 {
		t.Fatalf("len = %d, want 50", len(errs))
	}
	seen := make(map[string]bool, len(errs))
	for i, rec := range errs {
		if want := fmt.Sprintf("error %d", i); rec.Message != want {
			t.Errorf("errs[%d].Message = %q, want %q", i, rec.Message, want)
		}
		if seen[rec.ID] {
			t.Errorf("duplicate id %q", rec.ID)
		}
		seen[rec.ID] = true
	}
}

func TestReporter_ConcurrentNeverDrops(t *testing.T) {
	t.Parallel()

	r := New()
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				r.LogError(fmt.Sprintf("g%d-%d", g, i), nil)
			}
		}()
	}
	wg.Wait()

	if got := r.Len(); got != 800 {
		t.Errorf("Len() = %d, want 800", got)
	}
}

func TestReporter_Listener(t *testing.T) {
	t.Parallel()

	var got []string
	r := New(WithListener(func(rec Record) { got = append(got, rec.Message) }))
	r.LogError("a", nil)
	r.LogError("b", nil)

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("listener saw %v, want [a b]", got)
	}
}

func TestReporter_GetErrorsReturnsCopy(t *testing.T) {
	t.Parallel()

	r := New()
	r.LogError("original", nil)
	errs := r.GetErrors()
	errs[0].Message = "mutated"
	if r.GetErrors()[0].Message != "original" {
		t.Error("GetErrors exposes internal storage")
	}
}
