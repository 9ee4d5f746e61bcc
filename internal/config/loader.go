package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/a2dpd/internal/settings"
	"github.com/MrWong99/a2dpd/pkg/codec"
)

// ValidDriverNames lists the built-in driver names.
// Used by [Validate] to warn about unrecognised driver names.
var ValidDriverNames = []string{"sim", "wsbridge"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadBytes is LoadFromReader over an in-memory document.
func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Monitor
	m := cfg.Monitor
	if m.Interval < 0 {
		errs = append(errs, fmt.Errorf("monitor.interval %s must not be negative", m.Interval))
	}
	if m.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("monitor.shutdown_timeout %s must not be negative", m.ShutdownTimeout))
	}
	if m.DownshiftBelow < 0 || m.DownshiftBelow > 100 {
		errs = append(errs, fmt.Errorf("monitor.downshift_below %d is out of range [0, 100]", m.DownshiftBelow))
	}
	if m.UpshiftAbove < 0 || m.UpshiftAbove > 100 {
		errs = append(errs, fmt.Errorf("monitor.upshift_above %d is out of range [0, 100]", m.UpshiftAbove))
	}
	if m.DownshiftBelow > 0 && m.UpshiftAbove > 0 && m.DownshiftBelow >= m.UpshiftAbove {
		errs = append(errs, fmt.Errorf("monitor.downshift_below %d must be lower than monitor.upshift_above %d", m.DownshiftBelow, m.UpshiftAbove))
	}
	if m.DownshiftSamples < 0 {
		errs = append(errs, fmt.Errorf("monitor.downshift_samples %d must not be negative", m.DownshiftSamples))
	}
	if m.UpshiftSamples < 0 {
		errs = append(errs, fmt.Errorf("monitor.upshift_samples %d must not be negative", m.UpshiftSamples))
	}

	// Retry and breaker
	if cfg.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts %d must not be negative", cfg.Retry.MaxAttempts))
	}
	if cfg.Retry.InitialBackoff < 0 || cfg.Retry.MaxBackoff < 0 {
		errs = append(errs, errors.New("retry backoff durations must not be negative"))
	}
	if cfg.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must not be negative", cfg.Breaker.MaxFailures))
	}
	if cfg.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("breaker.reset_timeout %s must not be negative", cfg.Breaker.ResetTimeout))
	}

	// Codecs
	for name, rate := range cfg.Codecs.NominalBitrates {
		if !codec.IsKnown(name) {
			errs = append(errs, unknownCodec("codecs.nominal_bitrates", name))
			continue
		}
		if rate <= 0 {
			errs = append(errs, fmt.Errorf("codecs.nominal_bitrates[%q] %d must be positive", name, rate))
		}
	}

	// Settings
	s := cfg.Settings
	if s.Backend != "" && !s.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("settings.backend %q is invalid; valid values: memory, file, postgres", s.Backend))
	}
	if s.Backend == BackendFile && s.Path == "" {
		errs = append(errs, errors.New("settings.path is required when backend is file"))
	}
	if s.Backend == BackendPostgres && s.PostgresDSN == "" {
		errs = append(errs, errors.New("settings.postgres_dsn is required when backend is postgres"))
	}
	if s.Backend == "" || s.Backend == BackendMemory {
		slog.Warn("settings.backend is memory; user settings will not survive a restart")
	}

	// Driver
	validateDriverName(cfg.Driver.Name)
	if cfg.Driver.Name == "wsbridge" && cfg.Driver.URL == "" {
		errs = append(errs, errors.New("driver.url is required when driver is wsbridge"))
	}

	// Device
	if cfg.Device.ID != "" {
		if len(cfg.Device.Codecs) == 0 {
			errs = append(errs, errors.New("device.codecs must list at least one codec"))
		}
		for i, c := range cfg.Device.Codecs {
			if !codec.IsKnown(c) {
				slog.Warn("device advertises an unknown codec; it will be ignored",
					"index", i,
					"codec", c,
				)
			}
		}
	}

	return errors.Join(errs...)
}

// unknownCodec builds the error for an unrecognised codec key, with a
// suggestion when one is close enough.
func unknownCodec(field, name string) error {
	if hint, ok := settings.SuggestCodec(name); ok {
		return fmt.Errorf("%s: unknown codec %q (did you mean %q?)", field, name, hint)
	}
	return fmt.Errorf("%s: unknown codec %q; valid values: %v", field, name, codec.Known())
}

// validateDriverName logs a warning if name is non-empty and not one of
// [ValidDriverNames].
func validateDriverName(name string) {
	if name == "" || slices.Contains(ValidDriverNames, name) {
		return
	}
	slog.Warn("unknown driver name, may be a typo or a third-party driver",
		"name", name,
		"known", ValidDriverNames,
	)
}
