// Package adaptive implements the adaptive bitrate controller: a fixed
// interval monitoring loop that samples link telemetry, scores it and moves
// the active codec along its bitrate ladder.
//
// Each tick runs sample → score → decide → act. Ticks never overlap: when
// the previous tick is still running (typically waiting on a slow driver)
// the next one is skipped, not queued. With adaptive bitrate disabled the
// loop keeps sampling and scoring but never acts.
//
// Shifts happen only from Settled. When the last shift or negotiation left
// the negotiator Failed, the next completed quality streak triggers a full
// renegotiation instead, unless the driver's circuit breaker is open.
package adaptive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/a2dpd/internal/negotiate"
	"github.com/MrWong99/a2dpd/internal/observe"
	"github.com/MrWong99/a2dpd/internal/quality"
	"github.com/MrWong99/a2dpd/internal/resilience"
	"github.com/MrWong99/a2dpd/pkg/codec"
	"github.com/MrWong99/a2dpd/pkg/driver"
	"github.com/MrWong99/a2dpd/pkg/telemetry"
)

// ErrTickSkipped is returned by [Controller.Tick] when the previous tick is
// still running.
var ErrTickSkipped = errors.New("adaptive: tick skipped, previous tick still running")

// Defaults for [New].
const (
	DefaultInterval        = 5 * time.Second
	DefaultShutdownTimeout = 3 * time.Second
)

// Target is the negotiation surface the controller drives.
// *negotiate.Negotiator satisfies it.
type Target interface {
	State() negotiate.State
	Current() negotiate.Result
	Ladder() []int
	ApplyBitrate(ctx context.Context, bitrate int) negotiate.Result
	Renegotiate(ctx context.Context) negotiate.Result
}

// Settings is the subset of the settings store the controller reads on every
// tick. *settings.Store satisfies it.
type Settings interface {
	AdaptiveBitrateEnabled() bool
	ForceLDAC() bool
}

// ErrorLogger receives failures. *errlog.Reporter satisfies it.
type ErrorLogger interface {
	LogError(message string, cause error)
}

// Breaker reports the state of the circuit guarding the driver.
// *resilience.CircuitBreaker satisfies it.
type Breaker interface {
	State() resilience.State
}

// Sample is the record of one completed tick.
type Sample struct {
	Time      time.Time               `json:"time"`
	Telemetry telemetry.LinkTelemetry `json:"telemetry"`
	Score     int                     `json:"score"`
	Decision  Decision                `json:"decision"`

	// Result is set when Decision is not Hold.
	Result *negotiate.Result `json:"result,omitempty"`
}

// Option configures a [Controller].
type Option func(*Controller)

// WithInterval sets the tick interval. Default: [DefaultInterval].
func WithInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithShutdownTimeout bounds how long [Controller.Run] waits for an
// in-flight tick after ctx is cancelled. Default: [DefaultShutdownTimeout].
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.shutdownTimeout = d
		}
	}
}

// WithPolicy sets the hysteresis thresholds. Default: [DefaultPolicy].
func WithPolicy(p Policy) Option {
	return func(c *Controller) { c.decider = NewDecider(p) }
}

// WithErrorLogger routes telemetry failures to l.
func WithErrorLogger(l ErrorLogger) Option {
	return func(c *Controller) { c.errs = l }
}

// WithRecoveryBreaker makes recovery from Failed wait while b is open.
func WithRecoveryBreaker(b Breaker) Option {
	return func(c *Controller) { c.breaker = b }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithSampleListener registers fn to receive every completed [Sample].
// fn runs on the tick goroutine and must not block.
func WithSampleListener(fn func(Sample)) Option {
	return func(c *Controller) {
		if fn != nil {
			c.listeners = append(c.listeners, fn)
		}
	}
}

// WithClock overrides the time source used for sample timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller owns the monitoring loop.
type Controller struct {
	source          telemetry.Source
	target          Target
	settings        Settings
	errs            ErrorLogger
	breaker         Breaker
	metrics         *observe.Metrics
	listeners       []func(Sample)
	interval        time.Duration
	shutdownTimeout time.Duration
	now             func() time.Time

	// busy is held for the whole duration of a tick.
	busy atomic.Bool
	wg   sync.WaitGroup

	// decider is only touched by the tick holding busy; policyMu guards
	// swapping it from SetPolicy.
	policyMu sync.Mutex
	decider  *Decider

	lastMu sync.RWMutex
	last   Sample
	hasRun bool
}

// New creates a Controller that samples src and drives target.
func New(src telemetry.Source, target Target, settings Settings, opts ...Option) *Controller {
	c := &Controller{
		source:          src,
		target:          target,
		settings:        settings,
		interval:        DefaultInterval,
		shutdownTimeout: DefaultShutdownTimeout,
		decider:         NewDecider(DefaultPolicy()),
		now:             time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Run ticks every interval until ctx is cancelled. On cancellation it waits
// up to the shutdown timeout for an in-flight tick, then cancels the tick's
// context and waits for it to return. Run always returns nil.
func (c *Controller) Run(ctx context.Context) error {
	// Ticks must not be aborted mid-apply by ctx; they get their own context
	// that is only cancelled once the shutdown timeout has expired.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	log := observe.Logger(ctx)
	log.Info("monitor started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			c.drain(cancelWork)
			log.Info("monitor stopped")
			return nil
		case <-ticker.C:
			if !c.busy.CompareAndSwap(false, true) {
				c.metrics.RecordTick(ctx, observe.OutcomeSkipped)
				log.Debug("monitor tick skipped, previous tick still running")
				continue
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				defer c.busy.Store(false)
				_, _ = c.tick(workCtx)
			}()
		}
	}
}

// drain waits for the in-flight tick, cancelling it after the shutdown
// timeout.
func (c *Controller) drain(cancelWork context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.shutdownTimeout):
		observe.Logger(context.Background()).Warn("monitor tick exceeded shutdown timeout, cancelling",
			"timeout", c.shutdownTimeout)
		cancelWork()
		<-done
	}
}

// Tick runs one monitoring iteration synchronously. It returns
// [ErrTickSkipped] when another tick is still running, and the sampling
// error when telemetry could not be read.
func (c *Controller) Tick(ctx context.Context) (Sample, error) {
	if !c.busy.CompareAndSwap(false, true) {
		c.metrics.RecordTick(ctx, observe.OutcomeSkipped)
		return Sample{}, ErrTickSkipped
	}
	defer c.busy.Store(false)
	return c.tick(ctx)
}

// tick does the work. The caller must hold busy.
func (c *Controller) tick(ctx context.Context) (Sample, error) {
	ctx, span := observe.StartSpan(ctx, "adaptive.tick")
	defer span.End()
	log := observe.Logger(ctx)

	lt, err := c.source.Sample(ctx)
	if err != nil {
		if errors.Is(err, driver.ErrNotConnected) {
			// Nothing to monitor; not an error condition.
			c.metrics.RecordTick(ctx, observe.OutcomeSkipped)
			log.Debug("monitor idle, no device connected")
			return Sample{}, fmt.Errorf("adaptive: sample: %w", err)
		}
		observe.RecordError(span, err)
		c.metrics.RecordTick(ctx, observe.OutcomeFailure)
		if c.errs != nil {
			c.errs.LogError("telemetry sample failed", err)
		}
		return Sample{}, fmt.Errorf("adaptive: sample: %w", err)
	}

	cur := c.target.Current()
	if lt.ActiveBitrate <= 0 {
		lt.ActiveBitrate = cur.Bitrate
	}
	score := quality.Score(lt)
	s := Sample{Time: c.now(), Telemetry: lt, Score: score, Decision: Hold}
	c.metrics.RecordLink(ctx, score, lt.ActiveBitrate)
	span.SetAttributes(observe.AttrScore.Int(score), observe.AttrBitrate.Int(lt.ActiveBitrate))

	c.policyMu.Lock()
	d := c.decider
	c.policyMu.Unlock()

	switch {
	case !c.settings.AdaptiveBitrateEnabled():
		// Observe only. Streaks restart when adaptation is switched back on.
		d.Reset()
	case c.target.State() == negotiate.Failed:
		s.Decision = c.recoverFailed(d.Observe(score), log)
	case c.target.State() != negotiate.Settled:
		d.Reset()
		log.Debug("monitor holding, negotiation not settled", "state", c.target.State())
	default:
		s.Decision = c.resolve(d.Observe(score), cur)
	}

	if s.Decision != Hold {
		res := c.act(ctx, s.Decision, cur, span)
		s.Result = &res
		log.Info("adaptive action",
			"decision", s.Decision,
			"score", score,
			"from_codec", cur.Codec, "from_bitrate", cur.Bitrate,
			"to_codec", res.Codec, "to_bitrate", res.Bitrate,
			"success", res.Success)
	}

	c.metrics.RecordTick(ctx, observe.OutcomeSuccess)
	c.lastMu.Lock()
	c.last, c.hasRun = s, true
	c.lastMu.Unlock()
	for _, fn := range c.listeners {
		fn(s)
	}
	return s, nil
}

// recoverFailed turns a completed streak in either direction into a
// renegotiation of the failed cycle.
func (c *Controller) recoverFailed(signal Decision, log *slog.Logger) Decision {
	if signal == Hold {
		return Hold
	}
	if c.breaker != nil && c.breaker.State() == resilience.StateOpen {
		log.Debug("monitor holding, driver circuit open")
		return Hold
	}
	return Renegotiate
}

// resolve maps a raw shift signal to what the ladder position allows.
func (c *Controller) resolve(signal Decision, cur negotiate.Result) Decision {
	ladder := c.target.Ladder()
	switch signal {
	case Downshift:
		if _, ok := step(ladder, cur.Bitrate, +1); ok {
			return Downshift
		}
		if cur.Codec == codec.LDAC && c.settings.ForceLDAC() {
			return Hold
		}
		return Renegotiate
	case Upshift:
		if _, ok := step(ladder, cur.Bitrate, -1); ok {
			return Upshift
		}
	}
	return Hold
}

func (c *Controller) act(ctx context.Context, d Decision, cur negotiate.Result, span trace.Span) negotiate.Result {
	var res negotiate.Result
	switch d {
	case Downshift:
		next, _ := step(c.target.Ladder(), cur.Bitrate, +1)
		res = c.target.ApplyBitrate(ctx, next)
		c.metrics.RecordShift(ctx, observe.DirectionDown)
	case Upshift:
		next, _ := step(c.target.Ladder(), cur.Bitrate, -1)
		res = c.target.ApplyBitrate(ctx, next)
		c.metrics.RecordShift(ctx, observe.DirectionUp)
	case Renegotiate:
		res = c.target.Renegotiate(ctx)
		c.metrics.RecordShift(ctx, observe.DirectionRenegotiate)
	}
	span.SetAttributes(attribute.String("decision", d.String()))
	if res.Err != nil && !errors.Is(res.Err, context.Canceled) {
		observe.RecordError(span, res.Err)
	}
	return res
}

// step returns the ladder entry delta positions away from bitrate. Ladders
// are ordered highest first, so +1 is one rung down.
func step(ladder []int, bitrate, delta int) (int, bool) {
	for i, b := range ladder {
		if b != bitrate {
			continue
		}
		j := i + delta
		if j < 0 || j >= len(ladder) {
			return 0, false
		}
		return ladder[j], true
	}
	return 0, false
}

// SetPolicy replaces the hysteresis thresholds. Current streaks are dropped.
func (c *Controller) SetPolicy(p Policy) {
	c.policyMu.Lock()
	c.decider = NewDecider(p)
	c.policyMu.Unlock()
}

// Policy returns the thresholds in use.
func (c *Controller) Policy() Policy {
	c.policyMu.Lock()
	defer c.policyMu.Unlock()
	return c.decider.Policy()
}

// LastQualityScore returns the score of the most recent completed tick. ok
// is false before the first one.
func (c *Controller) LastQualityScore() (score int, ok bool) {
	c.lastMu.RLock()
	defer c.lastMu.RUnlock()
	return c.last.Score, c.hasRun
}

// LastSample returns the most recent completed tick.
func (c *Controller) LastSample() (Sample, bool) {
	c.lastMu.RLock()
	defer c.lastMu.RUnlock()
	return c.last, c.hasRun
}

// Busy reports whether a tick is in progress.
func (c *Controller) Busy() bool {
	return c.busy.Load()
}
