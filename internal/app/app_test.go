package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/a2dpd/internal/app"
	"github.com/MrWong99/a2dpd/internal/config"
	"github.com/MrWong99/a2dpd/internal/negotiate"
	"github.com/MrWong99/a2dpd/internal/observe"
	"github.com/MrWong99/a2dpd/internal/settings"
	"github.com/MrWong99/a2dpd/pkg/codec"
	"github.com/MrWong99/a2dpd/pkg/driver/sim"
)

var headphones = codec.Device{
	ID:     "00:11:22:33:44:55",
	Name:   "WH-1000XM4",
	Codecs: []string{"LDAC", "AAC", "SBC"},
}

// testConfig returns a minimal config with no HTTP listener.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Retry:  config.RetryConfig{MaxAttempts: 1},
	}
}

// closingLink is a simulated link that counts Close calls.
type closingLink struct {
	*sim.Link
	closed atomic.Int32
}

func (l *closingLink) Close() error {
	l.closed.Add(1)
	return nil
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *sim.Link) {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	link := sim.New(sim.WithLatency(0))
	opts = append([]app.Option{app.WithMetrics(m)}, opts...)
	a, err := app.New(context.Background(), cfg, link, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, link
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_RequiresTransport(t *testing.T) {
	t.Parallel()

	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Fatal("expected error for nil transport, got nil")
	}
}

func TestNegotiate_SettlesOnSimulatedLink(t *testing.T) {
	t.Parallel()

	a, link := newApp(t, testConfig())
	res := a.Negotiate(context.Background(), headphones)
	if !res.Success {
		t.Fatalf("Negotiate() failed: %v", res.Err)
	}
	if a.CurrentCodec() != codec.LDAC || a.CurrentBitrate() != 990000 {
		t.Errorf("current = %s @ %d, want LDAC @ 990000", a.CurrentCodec(), a.CurrentBitrate())
	}
	if a.State() != negotiate.Settled {
		t.Errorf("State() = %v, want Settled", a.State())
	}
	if link.Applies() != 1 {
		t.Errorf("link applies = %d, want 1", link.Applies())
	}
	if dev, ok := a.Device(); !ok || dev.ID != headphones.ID {
		t.Errorf("Device() = %+v, %v", dev, ok)
	}
}

func TestNegotiateAsync_AttachesDevice(t *testing.T) {
	t.Parallel()

	a, link := newApp(t, testConfig())
	aac := codec.Device{ID: "earbuds", Codecs: []string{"AAC", "SBC"}}

	res := <-a.NegotiateAsync(context.Background(), aac)
	if !res.Success || res.Codec != codec.AAC {
		t.Fatalf("NegotiateAsync() = %+v, want AAC success", res)
	}
	if _, err := link.Status(context.Background()); err != nil {
		t.Errorf("link was not attached: %v", err)
	}
}

func TestNegotiate_FailureIsRecordedAndRetryable(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, testConfig())
	odd := codec.Device{ID: "odd", Codecs: []string{"Opus"}}

	res := a.Negotiate(context.Background(), odd)
	if res.Success || !errors.Is(res.Err, negotiate.ErrNoCompatibleCodec) {
		t.Fatalf("Negotiate() = %+v, want ErrNoCompatibleCodec", res)
	}
	if len(a.Errors()) == 0 {
		t.Error("failure was not recorded in the error log")
	}

	res = a.Retry(context.Background())
	if errors.Is(res.Err, negotiate.ErrNotFailed) {
		t.Fatal("Retry() refused to run from Failed")
	}
	if a.State() != negotiate.Failed {
		t.Errorf("State() after retry = %v, want Failed", a.State())
	}
}

func TestRetry_RequiresFailedState(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, testConfig())
	res := a.Retry(context.Background())
	if !errors.Is(res.Err, negotiate.ErrNotFailed) {
		t.Errorf("Retry() on idle = %v, want ErrNotFailed", res.Err)
	}
}

func TestRun_NegotiatesConfiguredDevice(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Device = headphones
	a, _ := newApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "startup negotiation", func() bool { return a.State() == negotiate.Settled })
	if !a.IsRunning() {
		t.Error("IsRunning() = false while Run is executing")
	}
	if err := a.Run(ctx); !errors.Is(err, app.ErrAlreadyRunning) {
		t.Errorf("second Run() = %v, want ErrAlreadyRunning", err)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if a.IsRunning() {
		t.Error("IsRunning() = true after Run returned")
	}
}

func TestRun_CancelDuringStartupNegotiation(t *testing.T) {
	t.Parallel()

	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	cfg := testConfig()
	cfg.Device = headphones
	cfg.Monitor.ShutdownTimeout = 2 * time.Second
	a, err := app.New(context.Background(), cfg, sim.New(sim.WithLatency(300*time.Millisecond)), app.WithMetrics(m))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if a.State() != negotiate.Settled {
		t.Errorf("State() = %v, want Settled", a.State())
	}
	if a.CurrentCodec() != codec.LDAC || a.CurrentBitrate() != 990000 {
		t.Errorf("current = %s @ %d, want LDAC @ 990000", a.CurrentCodec(), a.CurrentBitrate())
	}
	if errs := a.Errors(); len(errs) != 0 {
		t.Errorf("Errors() = %+v, want none", errs)
	}
}

func TestRun_ServesHTTP(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	a, _ := newApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "running", a.IsRunning)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz", "/api/v1/status", "/api/v1/settings", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + path)
			if err != nil {
				t.Fatalf("GET %s: %v", path, err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
			}
		})
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	lv := new(slog.LevelVar)
	a, _ := newApp(t, testConfig(), app.WithLogLevel(lv))

	err := a.ApplyConfig(config.ConfigDiff{
		LogLevelChanged: true,
		NewLogLevel:     config.LogDebug,
		MonitorChanged:  true,
		NewMonitor:      config.MonitorConfig{DownshiftBelow: 30, UpshiftAbove: 90},
	})
	if err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}

	err = a.ApplyConfig(config.ConfigDiff{
		MonitorChanged: true,
		NewMonitor:     config.MonitorConfig{DownshiftBelow: 95, UpshiftAbove: 90},
	})
	if err == nil {
		t.Error("expected error for crossed thresholds, got nil")
	}
}

func TestShutdown_ClosesTransportOnce(t *testing.T) {
	t.Parallel()

	m, _ := observe.NewMetrics(noop.NewMeterProvider())
	link := &closingLink{Link: sim.New(sim.WithLatency(0))}
	a, err := app.New(context.Background(), testConfig(), link, app.WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if got := link.closed.Load(); got != 1 {
		t.Errorf("Close called %d times, want 1", got)
	}
}

func TestShutdown_RespectsDeadline(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown(cancelled) = %v, want context.Canceled", err)
	}
}

func TestSettings_FileBackendPersists(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Settings = config.SettingsConfig{
		Backend: config.BackendFile,
		Path:    filepath.Join(t.TempDir(), "settings.yaml"),
	}

	a, _ := newApp(t, cfg)
	if err := a.Settings().SetPreferredBitrate(context.Background(), 660000); err != nil {
		t.Fatalf("SetPreferredBitrate: %v", err)
	}

	b, _ := newApp(t, cfg)
	if got, ok := b.Settings().PreferredBitrate(); !ok || got != 660000 {
		t.Errorf("PreferredBitrate() after restart = %d, %v; want 660000", got, ok)
	}
	res := b.Negotiate(context.Background(), headphones)
	if res.Bitrate != 660000 {
		t.Errorf("negotiated bitrate = %d, want preferred 660000", res.Bitrate)
	}
}

func TestSettings_InjectedBackend(t *testing.T) {
	t.Parallel()

	backend := settings.NewMemoryBackend()
	_ = backend.Set(context.Background(), settings.KeyLDACEnabled, "0")

	a, _ := newApp(t, testConfig(), app.WithSettingsBackend(backend))
	res := a.Negotiate(context.Background(), headphones)
	if res.Codec != codec.AAC {
		t.Errorf("codec with LDAC disabled = %s, want AAC", res.Codec)
	}
}

func TestSettings_RejectionReachesErrorLog(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, testConfig())
	err := a.Settings().SetPreferredBitrate(context.Background(), 500000)
	if !errors.Is(err, settings.ErrInvalidBitrate) {
		t.Fatalf("SetPreferredBitrate() = %v, want ErrInvalidBitrate", err)
	}
	errs := a.Errors()
	if len(errs) != 1 || !errors.Is(errs[0].Err(), settings.ErrInvalidBitrate) {
		t.Errorf("Errors() = %+v, want one invalid bitrate record", errs)
	}
}

func TestSettings_PostgresBadDSN(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Settings = config.SettingsConfig{
		Backend:     config.BackendPostgres,
		PostgresDSN: "postgres://user@localhost:notaport/a2dpd",
	}
	m, _ := observe.NewMetrics(noop.NewMeterProvider())
	link := &closingLink{Link: sim.New()}
	if _, err := app.New(context.Background(), cfg, link, app.WithMetrics(m)); err == nil {
		t.Fatal("expected error for invalid DSN, got nil")
	}
	if link.closed.Load() != 1 {
		t.Error("transport was not closed after failed New")
	}
}
