// Package app wires all a2dpd subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the HTTP server and the adaptive monitor until
// the context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSettingsBackend,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/a2dpd/internal/adaptive"
	"github.com/MrWong99/a2dpd/internal/api"
	"github.com/MrWong99/a2dpd/internal/config"
	"github.com/MrWong99/a2dpd/internal/errlog"
	"github.com/MrWong99/a2dpd/internal/health"
	"github.com/MrWong99/a2dpd/internal/negotiate"
	"github.com/MrWong99/a2dpd/internal/observe"
	"github.com/MrWong99/a2dpd/internal/resilience"
	"github.com/MrWong99/a2dpd/internal/settings"
	"github.com/MrWong99/a2dpd/pkg/codec"
)

// ErrAlreadyRunning is returned by [App.Run] when the app is already running.
var ErrAlreadyRunning = errors.New("app: already running")

// serverShutdownTimeout bounds the graceful HTTP shutdown.
const serverShutdownTimeout = 5 * time.Second

// Attacher is implemented by transports that must be told which device a
// negotiation targets, such as the simulated link.
type Attacher interface {
	Attach(dev codec.Device)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	transport config.Transport

	// Subsystems, initialised in New and torn down in Shutdown.
	backend    settings.Backend
	store      *settings.Store
	errs       *errlog.Reporter
	metrics    *observe.Metrics
	hub        *api.Hub
	driver     *adaptive.RetryDriver
	negotiator *negotiate.Negotiator
	controller *adaptive.Controller
	handler    http.Handler
	metricsH   http.Handler
	logLevel   *slog.LevelVar

	// closers are called in order during Shutdown.
	closers []func() error

	running  atomic.Bool
	stopOnce sync.Once
}

var _ api.Service = (*App)(nil)

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSettingsBackend injects a settings backend instead of creating one
// from config.
func WithSettingsBackend(b settings.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served at /metrics. Default: the
// Prometheus default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// WithLogLevel hands the app the level variable of the process logger so
// config reloads can change verbosity.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The transport comes
// from main.go (built via the config registry).
//
// New performs all initialisation synchronously: settings backend
// connection and migration, settings load, and construction of the
// negotiator, monitor and HTTP handlers. It does not negotiate; Run does
// that for the configured device.
func New(ctx context.Context, cfg *config.Config, transport config.Transport, opts ...Option) (*App, error) {
	if transport == nil {
		return nil, errors.New("app: transport is required")
	}
	a := &App{
		cfg:       cfg,
		transport: transport,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.logLevel == nil {
		a.logLevel = new(slog.LevelVar)
		a.logLevel.Set(cfg.Server.LogLevel.Level())
	}
	if c, ok := transport.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	// ── 1. Event stream + error log ──────────────────────────────────────
	a.hub = api.NewHub()
	a.closers = append(a.closers, func() error {
		a.hub.Close()
		return nil
	})
	a.errs = errlog.New(errlog.WithListener(a.onError))

	// ── 2. Settings ──────────────────────────────────────────────────────
	if err := a.initSettings(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init settings: %w", err)
	}

	// ── 3. Driver, negotiator, monitor ───────────────────────────────────
	a.initNegotiation()

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSettings opens the configured settings backend and loads the store.
func (a *App) initSettings(ctx context.Context) error {
	if a.backend == nil {
		b, err := a.openBackend(ctx)
		if err != nil {
			return err
		}
		a.backend = b
	}
	store, err := settings.Open(ctx, a.backend, settings.WithErrorLogger(a.errs))
	if err != nil {
		return err
	}
	a.store = store
	return nil
}

func (a *App) openBackend(ctx context.Context) (settings.Backend, error) {
	sc := a.cfg.Settings
	switch sc.Backend {
	case config.BackendFile:
		b, err := settings.OpenFile(sc.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("settings stored in file", "path", sc.Path)
		return b, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		pg := settings.NewPostgresBackend(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		slog.Info("settings stored in postgres")
		return pg, nil

	default:
		slog.Warn("settings are kept in memory and will be lost on restart")
		return settings.NewMemoryBackend(), nil
	}
}

// initNegotiation builds the retrying driver, the negotiator and the
// adaptive monitor on top of the transport.
func (a *App) initNegotiation() {
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "driver",
		MaxFailures:  a.cfg.Breaker.MaxFailures,
		ResetTimeout: a.cfg.Breaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from, "to", to)
		},
	})
	a.driver = adaptive.NewRetryDriver(a.transport,
		adaptive.RetryConfig{
			MaxAttempts:    a.cfg.Retry.MaxAttempts,
			InitialBackoff: a.cfg.Retry.InitialBackoff,
			MaxBackoff:     a.cfg.Retry.MaxBackoff,
		},
		adaptive.WithBreaker(breaker),
		adaptive.WithRetryMetrics(a.metrics),
	)

	a.negotiator = negotiate.New(a.driver, a.store, a.errs,
		negotiate.WithNominalBitrates(a.cfg.Codecs.Nominal()),
		negotiate.WithMetrics(a.metrics),
		negotiate.WithObserver(func(from, to negotiate.State) {
			slog.Debug("negotiation state changed", "from", from, "to", to)
			a.hub.PublishState(from, to)
		}),
	)

	a.controller = adaptive.New(a.transport, a.negotiator, a.store,
		adaptive.WithInterval(a.cfg.Monitor.Interval),
		adaptive.WithShutdownTimeout(a.cfg.Monitor.ShutdownTimeout),
		adaptive.WithPolicy(policyFromConfig(a.cfg.Monitor)),
		adaptive.WithErrorLogger(a.errs),
		adaptive.WithMetrics(a.metrics),
		adaptive.WithSampleListener(a.hub.PublishSample),
		adaptive.WithRecoveryBreaker(breaker),
	)
}

// initHTTP assembles the API, health and metrics handlers behind the
// observability middleware.
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	api.New(a, a.store, a.hub).Register(mux)
	health.New(
		health.PingCheck("settings", a.store),
		health.DriverCheck(a.transport),
	).Register(mux)
	if a.metricsH == nil {
		a.metricsH = promhttp.Handler()
	}
	mux.Handle("GET /metrics", a.metricsH)

	a.handler = observe.Middleware(a.metrics)(mux)
}

// onError is the error log listener.
func (a *App) onError(r errlog.Record) {
	a.metrics.RecordError(context.Background())
	a.hub.PublishError(r)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API and runs the adaptive monitor until ctx is
// cancelled. When the config names a device, Run negotiates it once at
// startup; a failed startup negotiation is recorded and left for the
// caller to retry. Run returns ctx.Err() on a normal stop.
func (a *App) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer a.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.serve(gctx) })
	g.Go(func() error { return a.controller.Run(gctx) })

	if dev := a.cfg.Device; dev.ID != "" {
		g.Go(func() error {
			// A shutdown must not cut the driver apply short; it gets the
			// monitor's shutdown timeout to finish.
			nctx, cancel := detach(gctx, a.shutdownGrace())
			defer cancel()
			res := a.negotiate(nctx, dev)
			if res.Success {
				slog.Info("startup negotiation settled", "device", dev.ID, "codec", res.Codec, "bitrate", res.Bitrate)
			} else {
				slog.Warn("startup negotiation failed", "device", dev.ID, "err", res.Err)
			}
			return nil
		})
	}

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (a *App) shutdownGrace() time.Duration {
	if d := a.cfg.Monitor.ShutdownTimeout; d > 0 {
		return d
	}
	return adaptive.DefaultShutdownTimeout
}

// detach returns a context that ignores the cancellation of ctx for up to
// grace. It carries ctx's values.
func detach(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		t := time.AfterFunc(grace, cancel)
		context.AfterFunc(dctx, func() { t.Stop() })
	})
	return dctx, func() {
		stop()
		cancel()
	}
}

// serve runs the HTTP server until ctx is done. An empty listen address
// disables the server.
func (a *App) serve(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	// Websocket streams are hijacked and not tracked by Shutdown.
	a.hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: http shutdown: %w", err)
	}
	return nil
}

// IsRunning reports whether Run is executing.
func (a *App) IsRunning() bool {
	return a.running.Load()
}

// Handler returns the HTTP handler serving the API, health and metrics
// endpoints.
func (a *App) Handler() http.Handler {
	return a.handler
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig hot-applies the reloadable parts of d: the log level and the
// monitor policy. Changes that need a restart are logged and ignored.
func (a *App) ApplyConfig(d config.ConfigDiff) error {
	if d.MonitorChanged {
		p := policyFromConfig(d.NewMonitor)
		if err := p.Validate(); err != nil {
			return fmt.Errorf("app: apply monitor config: %w", err)
		}
		a.controller.SetPolicy(p)
		slog.Info("monitor policy updated",
			"downshift_below", p.DownshiftBelow,
			"downshift_samples", p.DownshiftSamples,
			"upshift_above", p.UpshiftAbove,
			"upshift_samples", p.UpshiftSamples,
		)
		if d.NewMonitor.Interval != a.cfg.Monitor.Interval {
			slog.Warn("monitor interval change requires a restart", "interval", d.NewMonitor.Interval)
		}
	}
	if d.LogLevelChanged {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level updated", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
	return nil
}

// policyFromConfig fills zero fields of m with the default policy.
func policyFromConfig(m config.MonitorConfig) adaptive.Policy {
	p := adaptive.DefaultPolicy()
	if m.DownshiftBelow > 0 {
		p.DownshiftBelow = m.DownshiftBelow
	}
	if m.DownshiftSamples > 0 {
		p.DownshiftSamples = m.DownshiftSamples
	}
	if m.UpshiftAbove > 0 {
		p.UpshiftAbove = m.UpshiftAbove
	}
	if m.UpshiftSamples > 0 {
		p.UpshiftSamples = m.UpshiftSamples
	}
	return p
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// State returns the negotiation state.
func (a *App) State() negotiate.State { return a.negotiator.State() }

// Current returns the active configuration.
func (a *App) Current() negotiate.Result { return a.negotiator.Current() }

// CurrentCodec returns the active codec, or "" before the first success.
func (a *App) CurrentCodec() codec.ID { return a.negotiator.CurrentCodec() }

// CurrentBitrate returns the active bitrate, or 0 before the first success.
func (a *App) CurrentBitrate() int { return a.negotiator.CurrentBitrate() }

// Device returns the device of the latest negotiation.
func (a *App) Device() (codec.Device, bool) { return a.negotiator.Device() }

// Capabilities returns the capabilities of the latest negotiated device.
func (a *App) Capabilities() codec.Capabilities { return a.negotiator.Capabilities() }

// LastQualityScore returns the score of the most recent sample.
func (a *App) LastQualityScore() (int, bool) { return a.controller.LastQualityScore() }

// LastSample returns the most recent monitor sample.
func (a *App) LastSample() (adaptive.Sample, bool) { return a.controller.LastSample() }

// Errors returns the error log in insertion order.
func (a *App) Errors() []errlog.Record { return a.errs.GetErrors() }

// Settings returns the user settings store.
func (a *App) Settings() *settings.Store { return a.store }

// Breaker returns the circuit breaker guarding the driver.
func (a *App) Breaker() *resilience.CircuitBreaker { return a.driver.Breaker() }

// ─── Commands ────────────────────────────────────────────────────────────────

// Negotiate negotiates dev and blocks until the run settles or fails.
func (a *App) Negotiate(ctx context.Context, dev codec.Device) negotiate.Result {
	return a.negotiate(ctx, dev)
}

// NegotiateAsync starts a negotiation of dev and returns a channel that
// receives its result.
func (a *App) NegotiateAsync(ctx context.Context, dev codec.Device) <-chan negotiate.Result {
	a.attach(dev)
	return a.negotiator.NegotiateAsync(ctx, dev)
}

// Retry re-runs a failed negotiation.
func (a *App) Retry(ctx context.Context) negotiate.Result {
	return a.negotiator.Retry(ctx)
}

func (a *App) negotiate(ctx context.Context, dev codec.Device) negotiate.Result {
	a.attach(dev)
	return a.negotiator.Negotiate(ctx, dev)
}

// attach hands dev to transports that need to know it.
func (a *App) attach(dev codec.Device) {
	if at, ok := a.transport.(Attacher); ok {
		at.Attach(dev)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}
