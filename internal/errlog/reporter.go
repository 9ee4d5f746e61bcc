// Package errlog aggregates structured error records raised by the
// negotiation and monitoring components.
//
// The log is append-only and unbounded for the lifetime of a [Reporter]: a
// record is never dropped or reordered. Listeners registered with
// [WithListener] see every record as it is appended, which is how the
// observability layer counts errors and the API streams them.
package errlog

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is a single reported error.
type Record struct {
	// ID uniquely identifies the record.
	ID string `json:"id"`

	// Time is when the record was appended.
	Time time.Time `json:"time"`

	// Message is the human-readable summary supplied by the caller.
	Message string `json:"message"`

	// Cause describes the underlying error. Empty when none was supplied.
	Cause string `json:"cause,omitempty"`

	err error
}

// Err returns the underlying error, if any, for use with errors.Is.
func (r Record) Err() error { return r.err }

// Reporter is an in-memory, ordered error log. It is safe for concurrent use.
type Reporter struct {
	now       func() time.Time
	listeners []func(Record)

	mu      sync.RWMutex
	records []Record
}

// Option configures a [Reporter].
type Option func(*Reporter)

// WithListener registers fn to be called synchronously, outside the lock,
// for every appended record.
func WithListener(fn func(Record)) Option {
	return func(r *Reporter) {
		if fn != nil {
			r.listeners = append(r.listeners, fn)
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// New returns an empty Reporter.
func New(opts ...Option) *Reporter {
	r := &Reporter{now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// LogError appends a record. cause may be nil.
func (r *Reporter) LogError(message string, cause error) {
	rec := Record{
		ID:      uuid.NewString(),
		Time:    r.now(),
		Message: message,
		err:     cause,
	}
	if cause != nil {
		rec.Cause = cause.Error()
	}

	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()

	slog.Warn("error recorded", "id", rec.ID, "message", message, "cause", rec.Cause)

	for _, fn := range r.listeners {
		fn(rec)
	}
}

// HasErrors reports whether at least one record has been appended.
func (r *Reporter) HasErrors() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records) > 0
}

// GetErrors returns a copy of the log in insertion order.
func (r *Reporter) GetErrors() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.records)
}

// Len returns the number of records.
func (r *Reporter) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
