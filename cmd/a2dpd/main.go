// Command a2dpd is the main entry point for the a2dpd codec negotiation
// service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/a2dpd/internal/app"
	"github.com/MrWong99/a2dpd/internal/config"
	"github.com/MrWong99/a2dpd/internal/observe"
	"github.com/MrWong99/a2dpd/pkg/driver/sim"
	"github.com/MrWong99/a2dpd/pkg/driver/wsbridge"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level and monitor policy when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "a2dpd: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "a2dpd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	slog.Info("a2dpd starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelProvider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "a2dpd",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		otelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(otelCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Driver registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDrivers(reg, cfg)
	if cfg.Driver.Name == "" {
		cfg.Driver.Name = "sim"
	}

	transport, err := reg.Create(cfg.Driver)
	if err != nil {
		slog.Error("failed to create driver", "name", cfg.Driver.Name, "err", err)
		return 1
	}
	slog.Info("driver created", "name", cfg.Driver.Name)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, transport,
		app.WithLogLevel(level),
		app.WithMetricsHandler(otelProvider.MetricsHandler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config reloader ───────────────────────────────────────────────────────
	if *watch {
		rl, err := config.NewReloader(*configPath, func(diff config.ConfigDiff, _ *config.Config) {
			if err := application.ApplyConfig(diff); err != nil {
				slog.Error("config reload rejected", "err", err)
			}
		})
		if err != nil {
			slog.Warn("config reloader disabled", "err", err)
		} else {
			go func() { _ = rl.Run(ctx) }()
			go reloadOnHangup(ctx, rl)
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, rl *config.Reloader) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			slog.Info("SIGHUP received, reloading config")
			rl.Reload()
		}
	}
}

// ── Driver wiring ─────────────────────────────────────────────────────────────

// registerBuiltinDrivers wires the transports that ship with a2dpd into reg.
func registerBuiltinDrivers(reg *config.Registry, cfg *config.Config) {
	reg.Register("sim", func(entry config.DriverEntry) (config.Transport, error) {
		opts := []sim.Option{sim.WithNominalBitrates(cfg.Codecs.Nominal())}
		if d, ok := optDuration(entry.Options, "latency"); ok {
			opts = append(opts, sim.WithLatency(d))
		}
		link := sim.New(opts...)
		sig, okS := optInt(entry.Options, "signal")
		loss, okL := optInt(entry.Options, "loss")
		if okS || okL {
			if !okS {
				sig = 100
			}
			link.SetConditions(sig, loss)
		}
		return link, nil
	})

	reg.Register("wsbridge", func(entry config.DriverEntry) (config.Transport, error) {
		var opts []wsbridge.Option
		if d, ok := optDuration(entry.Options, "timeout"); ok {
			opts = append(opts, wsbridge.WithTimeout(d))
		}
		if token := optString(entry.Options, "token"); token != "" {
			opts = append(opts, wsbridge.WithHeader(http.Header{"Authorization": {"Bearer " + token}}))
		}
		return wsbridge.New(entry.URL, opts...)
	})

	for _, name := range reg.Names() {
		slog.Debug("registered driver", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         a2dpd startup summary         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Driver", cfg.Driver.Name)
	printRow("Settings", string(cfg.Settings.Backend))
	if cfg.Device.ID != "" {
		printRow("Device", cfg.Device.ID)
	} else {
		printRow("Device", "(via API)")
	}
	if cfg.Monitor.Interval > 0 {
		printRow("Interval", cfg.Monitor.Interval.String())
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(default)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a driver Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML decodes plain numbers as int.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// optDuration extracts a duration option written as a Go duration string
// (e.g. "50ms").
func optDuration(opts map[string]any, key string) (time.Duration, bool) {
	s := optString(opts, key)
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid duration option", "key", key, "value", s, "err", err)
		return 0, false
	}
	return d, true
}
