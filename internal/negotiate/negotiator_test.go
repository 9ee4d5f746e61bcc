package negotiate

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/a2dpd/internal/errlog"
	"github.com/MrWong99/a2dpd/internal/observe"
	"github.com/MrWong99/a2dpd/pkg/codec"
	"github.com/MrWong99/a2dpd/pkg/driver"
	"github.com/MrWong99/a2dpd/pkg/driver/mock"
)

// fakePrefs is a static Preferences implementation.
type fakePrefs struct {
	preferred   int
	ldacEnabled bool
	chain       []codec.ID
}

func (p *fakePrefs) PreferredBitrate() (int, bool) { return p.preferred, p.preferred != 0 }
func (p *fakePrefs) LDACEnabled() bool             { return p.ldacEnabled }
func (p *fakePrefs) FallbackChain() []codec.ID     { return p.chain }

// transitionLog records observed state changes.
type transitionLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *transitionLog) observe(from, to State) {
	l.mu.Lock()
	l.steps = append(l.steps, from.String()+">"+to.String())
	l.mu.Unlock()
}

func (l *transitionLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.steps)
}

var soundcore = codec.Device{
	ID:     "00:11:22:33:44:55",
	Name:   "Soundcore Space One NC",
	Codecs: []string{"LDAC", "AAC", "SBC"},
}

type fixture struct {
	n      *Negotiator
	driver *mock.Driver
	prefs  *fakePrefs
	errs   *errlog.Reporter
	log    *transitionLog
}

func newFixture(t *testing.T, d *mock.Driver, prefs *fakePrefs) fixture {
	t.Helper()
	if d == nil {
		d = &mock.Driver{}
	}
	if prefs == nil {
		prefs = &fakePrefs{ldacEnabled: true}
	}
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f := fixture{driver: d, prefs: prefs, errs: errlog.New(), log: &transitionLog{}}
	f.n = New(d, prefs, f.errs, WithMetrics(m), WithObserver(f.log.observe))
	return f
}

func TestNegotiate_PrefersLDACAtTopTier(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)

	res := f.n.Negotiate(context.Background(), soundcore)
	if !res.Success || res.Err != nil {
		t.Fatalf("Negotiate = %+v, want success", res)
	}
	if res.Codec != codec.LDAC || res.Bitrate != codec.BitrateHigh {
		t.Errorf("selected %s@%d, want LDAC@990000", res.Codec, res.Bitrate)
	}
	if got := f.n.State(); got != Settled {
		t.Errorf("State() = %s, want settled", got)
	}
	if f.n.CurrentCodec() != codec.LDAC || f.n.CurrentBitrate() != codec.BitrateHigh {
		t.Errorf("current = %s@%d", f.n.CurrentCodec(), f.n.CurrentBitrate())
	}
	want := []string{"idle>detecting", "detecting>selecting", "selecting>applying", "applying>settled"}
	if got := f.log.get(); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if calls := f.driver.Calls(); len(calls) != 1 || calls[0] != (mock.ApplyCall{Codec: codec.LDAC, Bitrate: 990000}) {
		t.Errorf("driver calls = %+v", calls)
	}
	if f.errs.HasErrors() {
		t.Errorf("unexpected errors: %+v", f.errs.GetErrors())
	}
	if caps := f.n.Capabilities(); !caps.LDAC || !caps.AAC || !caps.SBC || caps.AptX {
		t.Errorf("Capabilities() = %+v", caps)
	}
	if dev, ok := f.n.Device(); !ok || dev.ID != soundcore.ID {
		t.Errorf("Device() = %+v, %v", dev, ok)
	}
}

func TestNegotiate_Selection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		advertised  []string
		prefs       fakePrefs
		wantCodec   codec.ID
		wantBitrate int
	}{
		{
			name:        "baseline only",
			advertised:  []string{"SBC"},
			prefs:       fakePrefs{ldacEnabled: true},
			wantCodec:   codec.SBC,
			wantBitrate: 328000,
		},
		{
			name:        "aptX HD beats AAC",
			advertised:  []string{"AAC", "aptX HD", "SBC"},
			prefs:       fakePrefs{ldacEnabled: true},
			wantCodec:   codec.AptXHD,
			wantBitrate: 576000,
		},
		{
			name:        "preferred tier on LDAC",
			advertised:  []string{"LDAC", "SBC"},
			prefs:       fakePrefs{ldacEnabled: true, preferred: codec.BitrateMedium},
			wantCodec:   codec.LDAC,
			wantBitrate: codec.BitrateMedium,
		},
		{
			name:        "preferred tier falls back to nominal on AAC",
			advertised:  []string{"AAC", "SBC"},
			prefs:       fakePrefs{ldacEnabled: true, preferred: codec.BitrateMedium},
			wantCodec:   codec.AAC,
			wantBitrate: 320000,
		},
		{
			name:        "LDAC disabled",
			advertised:  []string{"LDAC", "AAC", "SBC"},
			prefs:       fakePrefs{ldacEnabled: false},
			wantCodec:   codec.AAC,
			wantBitrate: 320000,
		},
		{
			name:        "custom chain order wins",
			advertised:  []string{"LDAC", "AAC", "SBC"},
			prefs:       fakePrefs{ldacEnabled: true, chain: []codec.ID{codec.AAC, codec.LDAC}},
			wantCodec:   codec.AAC,
			wantBitrate: 320000,
		},
		{
			name:        "custom chain without supported entry reaches baseline",
			advertised:  []string{"LDAC", "SBC"},
			prefs:       fakePrefs{ldacEnabled: true, chain: []codec.ID{codec.AptX}},
			wantCodec:   codec.SBC,
			wantBitrate: 328000,
		},
		{
			name:        "unknown identifiers ignored",
			advertised:  []string{"Opus", "ldac", "AAC"},
			prefs:       fakePrefs{ldacEnabled: true},
			wantCodec:   codec.AAC,
			wantBitrate: 320000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			prefs := tt.prefs
			f := newFixture(t, nil, &prefs)
			res := f.n.Negotiate(context.Background(), codec.Device{ID: "dev", Codecs: tt.advertised})
			if !res.Success {
				t.Fatalf("Negotiate failed: %v", res.Err)
			}
			if res.Codec != tt.wantCodec || res.Bitrate != tt.wantBitrate {
				t.Errorf("selected %s@%d, want %s@%d", res.Codec, res.Bitrate, tt.wantCodec, tt.wantBitrate)
			}
		})
	}
}

func TestNegotiate_NominalTableOverride(t *testing.T) {
	t.Parallel()
	m, _ := observe.NewMetrics(noop.NewMeterProvider())
	d := &mock.Driver{}
	n := New(d, nil, nil, WithMetrics(m), WithNominalBitrates(codec.NominalBitrates{codec.AAC: 256000}))

	res := n.Negotiate(context.Background(), codec.Device{Codecs: []string{"AAC"}})
	if !res.Success || res.Codec != codec.AAC || res.Bitrate != 256000 {
		t.Fatalf("Negotiate = %+v, want AAC@256000", res)
	}
}

func TestNegotiate_NoCompatibleCodec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		advertised []string
		prefs      fakePrefs
	}{
		{"nothing recognised", []string{"Opus", "sbc"}, fakePrefs{ldacEnabled: true}},
		{"only LDAC while disabled", []string{"LDAC"}, fakePrefs{ldacEnabled: false}},
		{"empty", nil, fakePrefs{ldacEnabled: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			prefs := tt.prefs
			f := newFixture(t, nil, &prefs)

			res := f.n.Negotiate(context.Background(), codec.Device{ID: "x", Codecs: tt.advertised})
			if res.Success || !errors.Is(res.Err, ErrNoCompatibleCodec) {
				t.Fatalf("Negotiate = %+v, want ErrNoCompatibleCodec", res)
			}
			if f.n.State() != Failed {
				t.Errorf("State() = %s, want failed", f.n.State())
			}
			if len(f.driver.Calls()) != 0 {
				t.Error("driver was called without a codec")
			}
			recs := f.errs.GetErrors()
			if len(recs) != 1 || !errors.Is(recs[0].Err(), ErrNoCompatibleCodec) {
				t.Errorf("error log = %+v", recs)
			}
			want := []string{"idle>detecting", "detecting>selecting", "selecting>failed"}
			if got := f.log.get(); !slices.Equal(got, want) {
				t.Errorf("transitions = %v, want %v", got, want)
			}
		})
	}
}

func TestNegotiate_DriverFailure(t *testing.T) {
	t.Parallel()

	errDown := errors.New("bridge unreachable")
	tests := []struct {
		name    string
		driver  *mock.Driver
		wantErr error
	}{
		{"rejected", &mock.Driver{Reject: true}, nil},
		{"transport error", &mock.Driver{ApplyFunc: func(int, codec.ID, int) (driver.ApplyResult, error) {
			return driver.ApplyResult{}, errDown
		}}, errDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tt.driver, nil)

			res := f.n.Negotiate(context.Background(), soundcore)
			if res.Success || !errors.Is(res.Err, ErrDriverApply) {
				t.Fatalf("Negotiate = %+v, want ErrDriverApply", res)
			}
			if tt.wantErr != nil && !errors.Is(res.Err, tt.wantErr) {
				t.Errorf("err = %v, want it to wrap %v", res.Err, tt.wantErr)
			}
			if f.n.State() != Failed {
				t.Errorf("State() = %s, want failed", f.n.State())
			}
			if f.n.Current().Success || f.n.CurrentCodec() != "" {
				t.Errorf("Current() = %+v, want empty after failed negotiation", f.n.Current())
			}
			if got := len(f.driver.Calls()); got != 1 {
				t.Errorf("driver calls = %d, want exactly 1 (no automatic retry)", got)
			}
			if f.errs.Len() != 1 {
				t.Errorf("error records = %d, want 1", f.errs.Len())
			}
		})
	}
}

func TestRetry_FromFailedRestartsAtDetecting(t *testing.T) {
	t.Parallel()
	d := &mock.Driver{ApplyFunc: func(n int, _ codec.ID, bitrate int) (driver.ApplyResult, error) {
		return driver.ApplyResult{Success: n > 0, AppliedBitrate: bitrate}, nil
	}}
	f := newFixture(t, d, nil)
	ctx := context.Background()

	if res := f.n.Negotiate(ctx, soundcore); res.Success {
		t.Fatal("first negotiation unexpectedly succeeded")
	}
	res := f.n.Retry(ctx)
	if !res.Success || res.Codec != codec.LDAC {
		t.Fatalf("Retry = %+v, want LDAC success", res)
	}
	steps := f.log.get()
	if got := steps[len(steps)-4]; got != "failed>detecting" {
		t.Errorf("retry began with %q, want failed>detecting (all: %v)", got, steps)
	}
}

func TestRetry_RequiresFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	if res := f.n.Retry(ctx); !errors.Is(res.Err, ErrNotFailed) {
		t.Errorf("Retry from idle = %v, want ErrNotFailed", res.Err)
	}
	f.n.Negotiate(ctx, soundcore)
	if res := f.n.Retry(ctx); !errors.Is(res.Err, ErrNotFailed) {
		t.Errorf("Retry from settled = %v, want ErrNotFailed", res.Err)
	}
	if got := len(f.driver.Calls()); got != 1 {
		t.Errorf("driver calls = %d, want 1", got)
	}
	if f.errs.Len() != 2 {
		t.Errorf("error records = %d, want 2 rejected retries", f.errs.Len())
	}
}

func TestRenegotiate(t *testing.T) {
	t.Parallel()
	prefs := &fakePrefs{ldacEnabled: true}
	f := newFixture(t, nil, prefs)
	ctx := context.Background()

	if res := f.n.Renegotiate(ctx); !errors.Is(res.Err, ErrNoDevice) {
		t.Fatalf("Renegotiate without device = %v, want ErrNoDevice", res.Err)
	}

	f.n.Negotiate(ctx, soundcore)
	if res := f.n.Renegotiate(ctx); res.Codec != codec.LDAC {
		t.Errorf("unchanged inputs renegotiated to %s, want LDAC", res.Codec)
	}

	// The chain changed between calls, so the codec may change.
	prefs.chain = []codec.ID{codec.AAC}
	if res := f.n.Renegotiate(ctx); !res.Success || res.Codec != codec.AAC {
		t.Errorf("Renegotiate after chain change = %+v, want AAC", res)
	}
}

func TestApplyBitrate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.n.Negotiate(ctx, soundcore)
	before := len(f.log.get())

	res := f.n.ApplyBitrate(ctx, codec.BitrateLow)
	if !res.Success || res.Codec != codec.LDAC || res.Bitrate != codec.BitrateLow {
		t.Fatalf("ApplyBitrate = %+v", res)
	}
	if f.n.CurrentBitrate() != codec.BitrateLow {
		t.Errorf("CurrentBitrate() = %d", f.n.CurrentBitrate())
	}
	want := []string{"settled>applying", "applying>settled"}
	if got := f.log.get()[before:]; !slices.Equal(got, want) {
		t.Errorf("bitrate change transitions = %v, want %v (no detection)", got, want)
	}
}

func TestApplyBitrate_Rejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("before negotiation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil, nil)
		if res := f.n.ApplyBitrate(ctx, codec.BitrateHigh); !errors.Is(res.Err, ErrIllegalTransition) {
			t.Errorf("err = %v, want ErrIllegalTransition", res.Err)
		}
		if f.n.State() != Idle {
			t.Errorf("State() = %s, want idle", f.n.State())
		}
		if recs := f.errs.GetErrors(); len(recs) != 1 || !errors.Is(recs[0].Err(), ErrIllegalTransition) {
			t.Errorf("error records = %+v, want one illegal transition", recs)
		}
	})

	t.Run("not on ladder", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil, nil)
		f.n.Negotiate(ctx, soundcore)
		if res := f.n.ApplyBitrate(ctx, 500000); !errors.Is(res.Err, ErrUnsupportedBitrate) {
			t.Errorf("err = %v, want ErrUnsupportedBitrate", res.Err)
		}
		if len(f.driver.Calls()) != 1 {
			t.Error("driver called for an unsupported bitrate")
		}
		if f.n.State() != Settled {
			t.Errorf("State() = %s, want settled", f.n.State())
		}
		if recs := f.errs.GetErrors(); len(recs) != 1 || !errors.Is(recs[0].Err(), ErrUnsupportedBitrate) {
			t.Errorf("error records = %+v, want one unsupported bitrate", recs)
		}
	})

	t.Run("driver refuses", func(t *testing.T) {
		t.Parallel()
		d := &mock.Driver{ApplyFunc: func(n int, _ codec.ID, b int) (driver.ApplyResult, error) {
			return driver.ApplyResult{Success: n == 0, AppliedBitrate: b}, nil
		}}
		f := newFixture(t, d, nil)
		f.n.Negotiate(ctx, soundcore)

		res := f.n.ApplyBitrate(ctx, codec.BitrateMedium)
		if !errors.Is(res.Err, ErrDriverApply) {
			t.Fatalf("err = %v, want ErrDriverApply", res.Err)
		}
		if f.n.State() != Failed {
			t.Errorf("State() = %s, want failed", f.n.State())
		}
		if cur := f.n.Current(); cur.Codec != codec.LDAC || cur.Bitrate != codec.BitrateHigh {
			t.Errorf("Current() = %+v, want previous LDAC@990000 kept", cur)
		}
	})
}

func TestNegotiate_UsesAppliedBitrate(t *testing.T) {
	t.Parallel()
	d := &mock.Driver{ApplyFunc: func(int, codec.ID, int) (driver.ApplyResult, error) {
		return driver.ApplyResult{Success: true, AppliedBitrate: codec.BitrateMedium}, nil
	}}
	f := newFixture(t, d, nil)
	if res := f.n.Negotiate(context.Background(), soundcore); res.Bitrate != codec.BitrateMedium {
		t.Errorf("Bitrate = %d, want the transport's clamped value", res.Bitrate)
	}
}

func TestNegotiateAsync_DeliversOneResult(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &mock.Driver{Delay: 10 * time.Millisecond}, nil)

	ch := f.n.NegotiateAsync(context.Background(), soundcore)
	select {
	case res, ok := <-ch:
		if !ok || !res.Success {
			t.Fatalf("result = %+v, %v", res, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}
	if _, ok := <-ch; ok {
		t.Error("channel not closed after the result")
	}
}

func TestNegotiate_RunsNeverOverlap(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	d := &mock.Driver{ApplyFunc: func(_ int, _ codec.ID, b int) (driver.ApplyResult, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return driver.ApplyResult{Success: true, AppliedBitrate: b}, nil
	}}
	f := newFixture(t, d, nil)
	ctx := context.Background()

	var chans []<-chan Result
	for range 8 {
		chans = append(chans, f.n.NegotiateAsync(ctx, soundcore))
	}
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.n.ApplyBitrate(ctx, codec.BitrateMedium)
		}()
	}
	for _, ch := range chans {
		<-ch
	}
	wg.Wait()

	if p := peak.Load(); p != 1 {
		t.Errorf("peak concurrent applies = %d, want 1", p)
	}
}
