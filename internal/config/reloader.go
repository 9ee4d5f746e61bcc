package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives the difference between the active and the reloaded
// config, and the reloaded config itself. It is only called when the file
// content changed and the new content validated.
type ReloadFunc func(diff ConfigDiff, next *Config)

// Reloader keeps a config file in sync with the running service. It polls
// the file (bind-mounted config maps do not deliver filesystem events) and
// can be triggered on demand with [Reloader.Reload], e.g. on SIGHUP.
type Reloader struct {
	path     string
	interval time.Duration
	onReload ReloadFunc
	onError  func(error)

	// mu serialises reloads and guards the fields below.
	mu      sync.Mutex
	current *Config
	sum     [sha256.Size]byte
	modTime time.Time
}

// ReloaderOption configures a [Reloader].
type ReloaderOption func(*Reloader)

// WithPollInterval sets how often the file is checked. Default: 5s.
func WithPollInterval(d time.Duration) ReloaderOption {
	return func(r *Reloader) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithReloadErrorHandler receives reloads that were rejected. By default
// they are logged.
func WithReloadErrorHandler(fn func(error)) ReloaderOption {
	return func(r *Reloader) { r.onError = fn }
}

// NewReloader loads path once and returns a Reloader holding it. It does not
// start polling; call [Reloader.Run].
func NewReloader(path string, onReload ReloadFunc, opts ...ReloaderOption) (*Reloader, error) {
	r := &Reloader{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
	}
	for _, o := range opts {
		o(r)
	}
	if r.onError == nil {
		r.onError = func(err error) {
			slog.Warn("config reload rejected, keeping previous config", "path", path, "err", err)
		}
	}

	data, modTime, err := r.read()
	if err != nil {
		return nil, fmt.Errorf("config: initial load: %w", err)
	}
	cfg, err := loadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("config: initial load: %w", err)
	}
	r.current, r.sum, r.modTime = cfg, sha256.Sum256(data), modTime
	return r, nil
}

// Current returns the most recently accepted config.
func (r *Reloader) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Run polls until ctx is cancelled. It always returns nil.
func (r *Reloader) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.reload(false)
		}
	}
}

// Reload reads the file now, ignoring the modification time, and reports
// whether a new config was accepted.
func (r *Reloader) Reload() bool {
	return r.reload(true)
}

func (r *Reloader) reload(force bool) bool {
	r.mu.Lock()
	if !force {
		info, err := os.Stat(r.path)
		if err != nil {
			r.mu.Unlock()
			r.onError(err)
			return false
		}
		if info.ModTime().Equal(r.modTime) {
			r.mu.Unlock()
			return false
		}
	}

	data, modTime, err := r.read()
	if err != nil {
		r.mu.Unlock()
		r.onError(err)
		return false
	}
	sum := sha256.Sum256(data)
	r.modTime = modTime
	if bytes.Equal(sum[:], r.sum[:]) {
		r.mu.Unlock()
		return false
	}

	next, err := loadBytes(data)
	if err != nil {
		// Remember the rejected content so it is reported once, not on
		// every poll.
		r.sum = sum
		r.mu.Unlock()
		r.onError(err)
		return false
	}
	prev := r.current
	r.current, r.sum = next, sum
	r.mu.Unlock()

	diff := Diff(prev, next)
	slog.Info("configuration reloaded",
		"path", r.path,
		"log_level_changed", diff.LogLevelChanged,
		"monitor_changed", diff.MonitorChanged,
		"restart_required", diff.RestartRequired,
	)
	if r.onReload != nil && diff.Changed() {
		r.onReload(diff, next)
	}
	return true
}

func (r *Reloader) read() ([]byte, time.Time, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}
