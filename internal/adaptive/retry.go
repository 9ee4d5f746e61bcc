package adaptive

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/MrWong99/a2dpd/internal/observe"
	"github.com/MrWong99/a2dpd/internal/resilience"
	"github.com/MrWong99/a2dpd/pkg/codec"
	"github.com/MrWong99/a2dpd/pkg/driver"
)

// errRejected marks an attempt the transport answered with Success=false.
var errRejected = errors.New("adaptive: apply rejected by transport")

// RetryConfig bounds the retry of a failed driver apply.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, first one included.
	// Default: 3.
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt. Default: 200ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts. Default: 2s.
	MaxBackoff time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// RetryDriver decorates a [driver.Driver] with bounded exponential retry and
// a circuit breaker. Transport errors count against the breaker; rejections
// are retried but do not, since they prove the transport is reachable.
//
// When every attempt is rejected the last rejection is returned as
// ApplyResult{Success: false} with a nil error, like the wrapped driver would.
type RetryDriver struct {
	next    driver.Driver
	cfg     RetryConfig
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
}

var _ driver.Driver = (*RetryDriver)(nil)

// RetryOption configures a [RetryDriver].
type RetryOption func(*RetryDriver)

// WithBreaker guards attempts with cb. Default: a breaker with
// [resilience.CircuitBreakerConfig] defaults named "driver".
func WithBreaker(cb *resilience.CircuitBreaker) RetryOption {
	return func(r *RetryDriver) { r.breaker = cb }
}

// WithRetryMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithRetryMetrics(m *observe.Metrics) RetryOption {
	return func(r *RetryDriver) { r.metrics = m }
}

// NewRetryDriver wraps next.
func NewRetryDriver(next driver.Driver, cfg RetryConfig, opts ...RetryOption) *RetryDriver {
	r := &RetryDriver{next: next, cfg: cfg.withDefaults()}
	for _, o := range opts {
		o(r)
	}
	if r.breaker == nil {
		r.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "driver"})
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// ApplyBitrate implements [driver.Driver].
func (r *RetryDriver) ApplyBitrate(ctx context.Context, id codec.ID, bitrate int) (driver.ApplyResult, error) {
	log := observe.Logger(ctx)

	var res driver.ApplyResult
	op := func() error {
		start := time.Now()
		err := r.breaker.Execute(func() error {
			var err error
			res, err = r.next.ApplyBitrate(ctx, id, bitrate)
			return err
		})

		outcome := observe.OutcomeSuccess
		if err != nil || !res.Success {
			outcome = observe.OutcomeFailure
		}
		r.metrics.RecordDriverApply(ctx, id.String(), outcome, time.Since(start))

		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			return backoff.Permanent(err)
		case err != nil && ctx.Err() != nil:
			return backoff.Permanent(err)
		case err != nil:
			return err
		case !res.Success:
			return errRejected
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Debug("driver apply failed, retrying",
			"codec", id, "bitrate", bitrate, "err", err, "backoff", wait)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(r.newBackOff(), ctx), notify)
	if errors.Is(err, errRejected) {
		return driver.ApplyResult{Success: false, AppliedBitrate: res.AppliedBitrate}, nil
	}
	if err != nil {
		return driver.ApplyResult{}, err
	}
	return res, nil
}

// Status implements [driver.Driver]. It is not retried.
func (r *RetryDriver) Status(ctx context.Context) (driver.Status, error) {
	return r.next.Status(ctx)
}

// Breaker returns the circuit breaker guarding the wrapped driver.
func (r *RetryDriver) Breaker() *resilience.CircuitBreaker {
	return r.breaker
}

// newBackOff returns a fresh policy allowing MaxAttempts-1 retries.
func (r *RetryDriver) newBackOff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = r.cfg.InitialBackoff
	ebo.MaxInterval = r.cfg.MaxBackoff
	ebo.MaxElapsedTime = 0
	ebo.Reset()
	return backoff.WithMaxRetries(ebo, uint64(r.cfg.MaxAttempts-1))
}
