// Package settings persists the user-facing codec preferences: preferred
// bitrate, the adaptive-bitrate flag, the LDAC enable/force flags, a custom
// codec fallback chain and named equalizer profiles.
//
// A [Store] validates every value before accepting it and writes it through
// to a [Backend] before returning, so a crash after a successful setter never
// loses the update. Reads are served from an in-memory copy guarded by a
// read/write mutex; a reader never observes a half-applied write.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/a2dpd/pkg/codec"
)

// Sentinel errors. Callers test them with errors.Is.
var (
	ErrInvalidBitrate    = errors.New("settings: invalid bitrate")
	ErrInvalidCodecChain = errors.New("settings: invalid codec chain")
	ErrSerialization     = errors.New("settings: serialization failure")
	ErrInvalidProfile    = errors.New("settings: invalid equalizer profile")
	ErrProfileNotFound   = errors.New("settings: equalizer profile not found")
)

// Persisted keys. The flag and bitrate names match the values the Windows
// driver reads from its registry key.
const (
	KeyLDACEnabled      = "LDACEnabled"
	KeyForceLDAC        = "ForceLDAC"
	KeyPreferredBitrate = "PreferredBitrate"
	KeyAdaptiveBitrate  = "AdaptiveBitrate"
	KeyFallbackChain    = "FallbackChain"

	profilePrefix = "EQProfile/"
	chainSep      = ","
)

// Snapshot is a consistent copy of the scalar settings.
type Snapshot struct {
	PreferredBitrate int        `json:"preferred_bitrate,omitempty"`
	AdaptiveBitrate  bool       `json:"adaptive_bitrate"`
	LDACEnabled      bool       `json:"ldac_enabled"`
	ForceLDAC        bool       `json:"force_ldac"`
	FallbackChain    []codec.ID `json:"fallback_chain,omitempty"`
}

// ErrorLogger receives rejected updates. *errlog.Reporter satisfies it.
type ErrorLogger interface {
	LogError(message string, cause error)
}

// Option configures a [Store].
type Option func(*Store)

// WithErrorLogger reports every rejected or failed update to l.
func WithErrorLogger(l ErrorLogger) Option {
	return func(s *Store) { s.errs = l }
}

// Store is the validated, write-through settings store. It is safe for
// concurrent use.
type Store struct {
	backend Backend
	errs    ErrorLogger

	mu          sync.RWMutex
	preferred   int // 0 means unset
	adaptive    bool
	ldacEnabled bool
	forceLDAC   bool
	chain       []codec.ID
	profiles    map[string]EqualizerProfile
}

// Store satisfies codec.ChainSource so it can back a PriorityChain.
var _ codec.ChainSource = (*Store)(nil)

// Open loads all settings from backend. Values that fail validation are
// logged and ignored so a corrupt entry cannot keep the service from
// starting. Defaults: adaptive bitrate on, LDAC enabled, not forced.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend:     backend,
		adaptive:    true,
		ldacEnabled: true,
		profiles:    make(map[string]EqualizerProfile),
	}
	for _, o := range opts {
		o(s)
	}

	if v, ok, err := backend.Get(ctx, KeyPreferredBitrate); err != nil {
		return nil, fmt.Errorf("settings: load: %w", err)
	} else if ok {
		n, perr := strconv.Atoi(v)
		if perr != nil || !codec.IsValidBitrate(n) {
			slog.Warn("settings: ignoring invalid persisted bitrate", "value", v)
		} else {
			s.preferred = n
		}
	}

	for key, dst := range map[string]*bool{
		KeyAdaptiveBitrate: &s.adaptive,
		KeyLDACEnabled:     &s.ldacEnabled,
		KeyForceLDAC:       &s.forceLDAC,
	} {
		v, ok, err := backend.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("settings: load: %w", err)
		}
		if !ok {
			continue
		}
		b, perr := parseFlag(v)
		if perr != nil {
			slog.Warn("settings: ignoring invalid persisted flag", "key", key, "value", v)
			continue
		}
		*dst = b
	}

	if v, ok, err := backend.Get(ctx, KeyFallbackChain); err != nil {
		return nil, fmt.Errorf("settings: load: %w", err)
	} else if ok && v != "" {
		chain, verr := validateChain(strings.Split(v, chainSep))
		if verr != nil {
			slog.Warn("settings: ignoring invalid persisted fallback chain", "value", v, "err", verr)
		} else {
			s.chain = chain
		}
	}

	keys, err := backend.Keys(ctx, profilePrefix)
	if err != nil {
		return nil, fmt.Errorf("settings: load profiles: %w", err)
	}
	for _, key := range keys {
		v, ok, err := backend.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("settings: load profile %q: %w", key, err)
		}
		if !ok {
			continue
		}
		p, derr := Deserialize(v)
		if derr != nil {
			slog.Warn("settings: ignoring unreadable profile", "key", key, "err", derr)
			continue
		}
		s.profiles[p.Name] = p
	}

	return s, nil
}

// ─── Scalar settings ─────────────────────────────────────────────────────────

// PreferredBitrate returns the pinned bitrate. ok is false when none is set.
func (s *Store) PreferredBitrate() (bitrate int, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preferred, s.preferred != 0
}

// SetPreferredBitrate pins bitrate. It fails with [ErrInvalidBitrate] unless
// bitrate is one of [codec.Tiers].
func (s *Store) SetPreferredBitrate(ctx context.Context, bitrate int) error {
	if !codec.IsValidBitrate(bitrate) {
		return s.reject("preferred bitrate rejected",
			fmt.Errorf("%w: %d is not one of %v", ErrInvalidBitrate, bitrate, codec.Tiers))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Set(ctx, KeyPreferredBitrate, strconv.Itoa(bitrate)); err != nil {
		return s.reject("persist preferred bitrate failed", err)
	}
	s.preferred = bitrate
	return nil
}

// ClearPreferredBitrate removes the pinned bitrate.
func (s *Store) ClearPreferredBitrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Delete(ctx, KeyPreferredBitrate); err != nil {
		return s.reject("clear preferred bitrate failed", err)
	}
	s.preferred = 0
	return nil
}

// AdaptiveBitrateEnabled reports whether automatic bitrate shifts are on.
func (s *Store) AdaptiveBitrateEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adaptive
}

// SetAdaptiveBitrateEnabled toggles automatic bitrate shifts. Any value is
// accepted; an error means only that the backend write failed.
func (s *Store) SetAdaptiveBitrateEnabled(ctx context.Context, enabled bool) error {
	return s.setFlag(ctx, KeyAdaptiveBitrate, enabled, &s.adaptive)
}

// LDACEnabled reports whether LDAC may be selected.
func (s *Store) LDACEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ldacEnabled
}

// SetLDACEnabled toggles LDAC selection.
func (s *Store) SetLDACEnabled(ctx context.Context, enabled bool) error {
	return s.setFlag(ctx, KeyLDACEnabled, enabled, &s.ldacEnabled)
}

// ForceLDAC reports whether an active LDAC link must never be renegotiated
// to another codec.
func (s *Store) ForceLDAC() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.forceLDAC
}

// SetForceLDAC toggles forced LDAC.
func (s *Store) SetForceLDAC(ctx context.Context, force bool) error {
	return s.setFlag(ctx, KeyForceLDAC, force, &s.forceLDAC)
}

func (s *Store) setFlag(ctx context.Context, key string, v bool, dst *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Set(ctx, key, formatFlag(v)); err != nil {
		return s.reject("persist "+key+" failed", err)
	}
	*dst = v
	return nil
}

// ─── Fallback chain ──────────────────────────────────────────────────────────

// FallbackChain returns the stored override verbatim, or nil when none is
// set. The baseline codec is not appended here; see codec.PriorityChain.
func (s *Store) FallbackChain() []codec.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.chain)
}

// SetFallbackChain stores chain as the codec override. It fails with
// [ErrInvalidCodecChain] if chain is empty or names an unknown codec; the
// error suggests the closest known identifier for each unknown entry.
func (s *Store) SetFallbackChain(ctx context.Context, chain []string) error {
	ids, err := validateChain(chain)
	if err != nil {
		return s.reject("fallback chain rejected", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Set(ctx, KeyFallbackChain, joinChain(ids)); err != nil {
		return s.reject("persist fallback chain failed", err)
	}
	s.chain = ids
	return nil
}

// ClearFallbackChain removes the override so the default chain applies.
func (s *Store) ClearFallbackChain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Delete(ctx, KeyFallbackChain); err != nil {
		return s.reject("clear fallback chain failed", err)
	}
	s.chain = nil
	return nil
}

func validateChain(chain []string) ([]codec.ID, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: chain is empty", ErrInvalidCodecChain)
	}
	var errs []error
	ids := make([]codec.ID, 0, len(chain))
	for i, name := range chain {
		if slices.Contains(ids, codec.ID(name)) {
			errs = append(errs, fmt.Errorf("entry %d: duplicate codec %q", i, name))
			continue
		}
		if !codec.IsKnown(name) {
			msg := fmt.Sprintf("entry %d: unknown codec %q", i, name)
			if hint, ok := SuggestCodec(name); ok {
				msg += fmt.Sprintf(" (did you mean %q?)", hint)
			}
			errs = append(errs, errors.New(msg))
			continue
		}
		ids = append(ids, codec.ID(name))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCodecChain, errors.Join(errs...))
	}
	return ids, nil
}

// reject reports err to the error log, if any, and returns it.
func (s *Store) reject(msg string, err error) error {
	if s.errs != nil {
		s.errs.LogError(msg, err)
	}
	return err
}

func joinChain(ids []codec.ID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, chainSep)
}

// ─── Equalizer profiles ──────────────────────────────────────────────────────

// AddProfile validates p and stores it, replacing any profile with the same
// name.
func (s *Store) AddProfile(ctx context.Context, p EqualizerProfile) error {
	if err := p.Validate(); err != nil {
		return s.reject("equalizer profile rejected", err)
	}
	text, err := Serialize(p)
	if err != nil {
		return s.reject("equalizer profile rejected", err)
	}
	p.Bands = slices.Clone(p.Bands)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Set(ctx, profilePrefix+p.Name, text); err != nil {
		return s.reject("persist equalizer profile failed", err)
	}
	s.profiles[p.Name] = p
	return nil
}

// Profile returns the profile called name.
func (s *Store) Profile(name string) (EqualizerProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[name]
	if !ok {
		return EqualizerProfile{}, false
	}
	p.Bands = slices.Clone(p.Bands)
	return p, true
}

// Profiles returns every stored profile sorted by name.
func (s *Store) Profiles() []EqualizerProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EqualizerProfile, 0, len(s.profiles))
	for _, name := range slices.Sorted(maps.Keys(s.profiles)) {
		p := s.profiles[name]
		p.Bands = slices.Clone(p.Bands)
		out = append(out, p)
	}
	return out
}

// RemoveProfile deletes the profile called name. It fails with
// [ErrProfileNotFound] if there is none.
func (s *Store) RemoveProfile(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[name]; !ok {
		return s.reject("equalizer profile not removed", fmt.Errorf("%w: %q", ErrProfileNotFound, name))
	}
	if err := s.backend.Delete(ctx, profilePrefix+name); err != nil {
		return s.reject("delete equalizer profile failed", err)
	}
	delete(s.profiles, name)
	return nil
}

// ─── Snapshot ────────────────────────────────────────────────────────────────

// Snapshot returns a consistent copy of the scalar settings.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		PreferredBitrate: s.preferred,
		AdaptiveBitrate:  s.adaptive,
		LDACEnabled:      s.ldacEnabled,
		ForceLDAC:        s.forceLDAC,
		FallbackChain:    slices.Clone(s.chain),
	}
}

// Ping reports backend health when the backend supports it.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.backend.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func formatFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func parseFlag(v string) (bool, error) {
	switch v {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return strconv.ParseBool(v)
}
