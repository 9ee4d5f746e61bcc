// Package negotiate implements the codec negotiation state machine.
//
// A [Negotiator] walks Idle → Detecting → Selecting → Applying and ends in
// Settled or Failed. Selection is deterministic: the first codec of the
// active priority chain that the device supports wins, regardless of link
// quality. The initial bitrate is the user's preferred bitrate when it is on
// the selected codec's ladder and the codec's nominal bitrate otherwise.
//
// A Negotiator never retries on its own. A failed run stays Failed until the
// caller invokes [Negotiator.Retry], [Negotiator.Renegotiate] or
// [Negotiator.Negotiate] with a new device. Bounded retry of transient driver
// failures belongs to the driver handed to [New].
//
// Runs for the same Negotiator are serialised: two negotiations, or a
// negotiation and a bitrate change, never overlap.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/a2dpd/internal/observe"
	"github.com/MrWong99/a2dpd/pkg/codec"
	"github.com/MrWong99/a2dpd/pkg/driver"
)

// Sentinel errors carried by [Result.Err].
var (
	ErrNoCompatibleCodec  = errors.New("negotiate: no compatible codec")
	ErrDriverApply        = errors.New("negotiate: driver apply failed")
	ErrNoDevice           = errors.New("negotiate: no device to negotiate")
	ErrUnsupportedBitrate = errors.New("negotiate: bitrate not supported by active codec")
	ErrNotFailed          = errors.New("negotiate: retry requires the failed state")
)

// Preferences is the subset of the settings store the negotiator reads.
// *settings.Store satisfies it.
type Preferences interface {
	codec.ChainSource
	PreferredBitrate() (bitrate int, ok bool)
	LDACEnabled() bool
}

// ErrorLogger receives failures. *errlog.Reporter satisfies it.
type ErrorLogger interface {
	LogError(message string, cause error)
}

// Result is the outcome of a negotiation or bitrate change.
type Result struct {
	Codec   codec.ID `json:"codec,omitempty"`
	Bitrate int      `json:"bitrate,omitempty"`
	Success bool     `json:"success"`

	// Err explains an unsuccessful result. It wraps one of the package
	// sentinels.
	Err error `json:"-"`
}

// Observer is notified of every state change, in order, after it happened.
type Observer func(from, to State)

// Option configures a [Negotiator].
type Option func(*Negotiator)

// WithNominalBitrates overrides the per-codec nominal bitrate table.
func WithNominalBitrates(n codec.NominalBitrates) Option {
	return func(ng *Negotiator) {
		if n != nil {
			ng.nominal = n
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(ng *Negotiator) { ng.metrics = m }
}

// WithObserver registers fn for state changes.
func WithObserver(fn Observer) Option {
	return func(ng *Negotiator) {
		if fn != nil {
			ng.observers = append(ng.observers, fn)
		}
	}
}

// Negotiator selects and applies a codec for one device at a time. It is
// safe for concurrent use.
type Negotiator struct {
	driver    driver.Driver
	prefs     Preferences
	chain     *codec.PriorityChain
	errs      ErrorLogger
	nominal   codec.NominalBitrates
	metrics   *observe.Metrics
	observers []Observer

	// run serialises whole runs; mu guards the fields below for readers.
	run sync.Mutex

	mu        sync.RWMutex
	state     State
	device    codec.Device
	hasDevice bool
	caps      codec.Capabilities
	current   Result
}

// New creates a Negotiator that applies configurations through d. prefs may
// be nil, in which case the default chain is used with no preferred bitrate
// and LDAC enabled. errs may be nil.
func New(d driver.Driver, prefs Preferences, errs ErrorLogger, opts ...Option) *Negotiator {
	n := &Negotiator{
		driver:  d,
		prefs:   prefs,
		errs:    errs,
		chain:   codec.NewPriorityChain(prefs),
		nominal: codec.DefaultNominalBitrates(),
	}
	for _, o := range opts {
		o(n)
	}
	if n.metrics == nil {
		n.metrics = observe.DefaultMetrics()
	}
	return n
}

// ─── Operations ──────────────────────────────────────────────────────────────

// Negotiate runs the full state machine for dev and blocks until it settles
// or fails. dev replaces any previously negotiated device.
func (n *Negotiator) Negotiate(ctx context.Context, dev codec.Device) Result {
	n.run.Lock()
	defer n.run.Unlock()

	n.mu.Lock()
	n.device = dev
	n.hasDevice = true
	n.mu.Unlock()

	return n.negotiateLocked(ctx, "negotiate")
}

// NegotiateAsync starts [Negotiator.Negotiate] in a new goroutine. The
// returned channel receives exactly one result and is then closed.
func (n *Negotiator) NegotiateAsync(ctx context.Context, dev codec.Device) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		ch <- n.Negotiate(ctx, dev)
	}()
	return ch
}

// Retry restarts a failed negotiation at Detecting for the last device. It
// returns a result wrapping [ErrNotFailed] when the negotiator is not in the
// Failed state.
func (n *Negotiator) Retry(ctx context.Context) Result {
	n.run.Lock()
	defer n.run.Unlock()

	if s := n.State(); s != Failed {
		err := fmt.Errorf("%w: current state is %s", ErrNotFailed, s)
		n.report("retry rejected", err)
		return Result{Err: err}
	}
	return n.negotiateLocked(ctx, "retry")
}

// Renegotiate re-runs the full state machine for the last device from
// Settled or Failed. Because selection is deterministic the codec only
// changes if the capabilities or the chain changed since the last run.
func (n *Negotiator) Renegotiate(ctx context.Context) Result {
	n.run.Lock()
	defer n.run.Unlock()
	return n.negotiateLocked(ctx, "renegotiate")
}

// ApplyBitrate changes only the bitrate of the settled codec. It enters
// Applying directly from Settled without re-running detection.
func (n *Negotiator) ApplyBitrate(ctx context.Context, bitrate int) Result {
	n.run.Lock()
	defer n.run.Unlock()

	n.mu.RLock()
	state, id := n.state, n.current.Codec
	n.mu.RUnlock()

	if !CanTransition(state, Applying) {
		err := fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, state, Applying)
		n.report("bitrate change rejected", err)
		return Result{Err: err}
	}
	if !n.nominal.IsValidFor(id, bitrate) {
		err := fmt.Errorf("%w: %s@%d", ErrUnsupportedBitrate, id, bitrate)
		n.report("bitrate change rejected", err)
		return Result{Codec: id, Err: err}
	}

	ctx, span := observe.StartSpan(ctx, "negotiate.apply_bitrate",
		trace.WithAttributes(observe.LinkAttrs(id.String(), bitrate)...))
	defer span.End()

	start := time.Now()
	n.transition(Applying)
	res := n.apply(ctx, id, bitrate)
	if res.Success {
		n.settle(res)
	} else {
		// The transport refused the change; it keeps running the previous
		// configuration, so current is left untouched.
		n.fail(res.Err, false)
		observe.RecordError(span, res.Err)
	}
	n.metrics.RecordNegotiation(ctx, id.String(), outcome(res), time.Since(start))
	return res
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// State returns the current state.
func (n *Negotiator) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Current returns the last settled configuration. Success is false when
// nothing is settled.
func (n *Negotiator) Current() Result {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.current
}

// CurrentCodec returns the active codec, or "" when none is settled.
func (n *Negotiator) CurrentCodec() codec.ID {
	return n.Current().Codec
}

// CurrentBitrate returns the active bitrate, or 0 when none is settled.
func (n *Negotiator) CurrentBitrate() int {
	return n.Current().Bitrate
}

// Capabilities returns the capabilities detected in the last run.
func (n *Negotiator) Capabilities() codec.Capabilities {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.caps
}

// Device returns the device being negotiated. ok is false before the first
// call to Negotiate.
func (n *Negotiator) Device() (dev codec.Device, ok bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.device, n.hasDevice
}

// Ladder returns the bitrate ladder of the active codec, highest first.
func (n *Negotiator) Ladder() []int {
	return n.nominal.TiersFor(n.CurrentCodec())
}

// ─── Internals ───────────────────────────────────────────────────────────────

// negotiateLocked runs Detecting → Selecting → Applying. Must be called
// with n.run held.
func (n *Negotiator) negotiateLocked(ctx context.Context, op string) Result {
	n.mu.RLock()
	dev, ok, state := n.device, n.hasDevice, n.state
	n.mu.RUnlock()

	if !ok {
		n.report(op+" rejected", ErrNoDevice)
		return Result{Err: ErrNoDevice}
	}
	if !CanTransition(state, Detecting) {
		err := fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, state, Detecting)
		n.report(op+" rejected", err)
		return Result{Err: err}
	}

	ctx, span := observe.StartSpan(ctx, "negotiate."+op,
		trace.WithAttributes(
			attribute.String("device.id", dev.ID),
			attribute.String("device.name", dev.Name),
		))
	defer span.End()
	log := observe.Logger(ctx).With("device_id", dev.ID, "device_name", dev.Name)
	start := time.Now()

	n.transition(Detecting)
	caps := codec.DetectCapabilities(dev.Codecs)
	n.mu.Lock()
	n.caps = caps
	n.mu.Unlock()
	log.Debug("capabilities detected", "supported", caps.Supported())

	n.transition(Selecting)
	id, found := n.selectCodec(caps)
	if !found {
		err := fmt.Errorf("%w: device %q advertises %v", ErrNoCompatibleCodec, dev.ID, dev.Codecs)
		n.fail(err, true)
		observe.RecordError(span, err)
		log.Warn("no compatible codec", "advertised", dev.Codecs)
		n.metrics.RecordNegotiation(ctx, "", observe.OutcomeFailure, time.Since(start))
		return Result{Err: err}
	}
	bitrate := n.initialBitrate(id)
	span.SetAttributes(observe.LinkAttrs(id.String(), bitrate)...)

	n.transition(Applying)
	res := n.apply(ctx, id, bitrate)
	if res.Success {
		n.settle(res)
		log.Info("negotiation settled", "codec", res.Codec, "bitrate", res.Bitrate)
	} else {
		n.fail(res.Err, true)
		observe.RecordError(span, res.Err)
		log.Warn("negotiation failed", "codec", id, "bitrate", bitrate, "err", res.Err)
	}
	n.metrics.RecordNegotiation(ctx, id.String(), outcome(res), time.Since(start))
	return res
}

// selectCodec returns the first chain entry the device supports.
func (n *Negotiator) selectCodec(caps codec.Capabilities) (codec.ID, bool) {
	ldacAllowed := n.prefs == nil || n.prefs.LDACEnabled()
	for _, id := range n.chain.GetPriorityOrder() {
		if id == codec.LDAC && !ldacAllowed {
			continue
		}
		if caps.Supports(id) {
			return id, true
		}
	}
	return "", false
}

// initialBitrate returns the preferred bitrate when it is on id's ladder and
// id's nominal bitrate otherwise.
func (n *Negotiator) initialBitrate(id codec.ID) int {
	if n.prefs != nil {
		if pref, ok := n.prefs.PreferredBitrate(); ok && n.nominal.IsValidFor(id, pref) {
			return pref
		}
	}
	return n.nominal.For(id)
}

// apply calls the driver and turns every kind of failure into a result
// wrapping [ErrDriverApply].
func (n *Negotiator) apply(ctx context.Context, id codec.ID, bitrate int) Result {
	ar, err := n.driver.ApplyBitrate(ctx, id, bitrate)
	switch {
	case err != nil:
		return Result{Codec: id, Bitrate: bitrate, Err: fmt.Errorf("%w: %s@%d: %w", ErrDriverApply, id, bitrate, err)}
	case !ar.Success:
		return Result{Codec: id, Bitrate: bitrate, Err: fmt.Errorf("%w: %s@%d rejected by transport", ErrDriverApply, id, bitrate)}
	}
	applied := ar.AppliedBitrate
	if applied <= 0 {
		applied = bitrate
	}
	return Result{Codec: id, Bitrate: applied, Success: true}
}

func (n *Negotiator) settle(res Result) {
	n.mu.Lock()
	n.current = res
	n.mu.Unlock()
	n.transition(Settled)
}

// fail records err and moves to Failed. dropCurrent clears the current
// configuration, which a failed full negotiation leaves undefined.
func (n *Negotiator) fail(err error, dropCurrent bool) {
	if dropCurrent {
		n.mu.Lock()
		n.current = Result{}
		n.mu.Unlock()
	}
	n.transition(Failed)
	msg := "driver apply failed"
	if errors.Is(err, ErrNoCompatibleCodec) {
		msg = "no compatible codec"
	}
	n.report(msg, err)
}

func (n *Negotiator) report(msg string, err error) {
	if n.errs != nil {
		n.errs.LogError(msg, err)
	}
}

// transition moves to the next state. An edge missing from the table is a
// programming error in this package.
func (n *Negotiator) transition(to State) {
	n.mu.Lock()
	from := n.state
	if !CanTransition(from, to) {
		n.mu.Unlock()
		panic(fmt.Sprintf("negotiate: illegal transition %s -> %s", from, to))
	}
	n.state = to
	n.mu.Unlock()

	for _, fn := range n.observers {
		fn(from, to)
	}
}

func outcome(r Result) string {
	if r.Success {
		return observe.OutcomeSuccess
	}
	return observe.OutcomeFailure
}
