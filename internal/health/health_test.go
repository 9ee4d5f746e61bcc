package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/a2dpd/pkg/codec"
	"github.com/MrWong99/a2dpd/pkg/driver"
	drivermock "github.com/MrWong99/a2dpd/pkg/driver/mock"
)

func TestHealthz(t *testing.T) {
	t.Parallel()

	// Liveness never consults the checkers.
	h := New(Checker{Name: "driver", Check: func(context.Context) error { return errors.New("down") }})
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" || len(body.Checks) != 0 {
		t.Errorf("body = %+v, want bare ok", body)
	}
}

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "all pass",
			checkers:   []Checker{{Name: "settings", Check: pass}, {Name: "driver", Check: pass}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"settings": "ok", "driver": "ok"},
		},
		{
			name:       "settings backend down",
			checkers:   []Checker{{Name: "settings", Check: failWith("connection refused")}, {Name: "driver", Check: pass}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"settings": "fail: connection refused", "driver": "ok"},
		},
		{
			name: "everything down",
			checkers: []Checker{
				{Name: "settings", Check: failWith("timeout")},
				{Name: "driver", Check: failWith("bridge unreachable")},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"settings": "fail: timeout", "driver": "fail: bridge unreachable"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mux := http.NewServeMux()
			New(tt.checkers...).Register(mux)

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body result
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode JSON: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %q = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	// Each checker waits for the other; sequential evaluation would time out.
	var wg sync.WaitGroup
	wg.Add(2)
	rendezvous := func(ctx context.Context) error {
		wg.Done()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-time.After(time.Second):
			return errors.New("checkers ran sequentially")
		}
	}
	h := New(
		Checker{Name: "a", Check: rendezvous},
		Checker{Name: "b", Check: rendezvous},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPingCheck(t *testing.T) {
	wantErr := errors.New("pool closed")
	c := PingCheck("settings", pingFunc(func(context.Context) error { return wantErr }))
	if c.Name != "settings" {
		t.Errorf("Name = %q", c.Name)
	}
	if err := c.Check(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("Check() = %v, want %v", err, wantErr)
	}
}

func TestDriverCheck(t *testing.T) {
	tests := []struct {
		name    string
		driver  *drivermock.Driver
		wantErr bool
	}{
		{
			name:   "nothing applied yet",
			driver: &drivermock.Driver{},
		},
		{
			name:   "no device",
			driver: &drivermock.Driver{StatusErr: driver.ErrNotConnected},
		},
		{
			name: "valid stream",
			driver: &drivermock.Driver{StatusResult: driver.Status{
				Codec: codec.LDAC, Bitrate: 990000,
				Format: codec.Format{SampleRate: 96000, BitDepth: 24, Channels: 2},
			}},
		},
		{
			name: "invalid stream format",
			driver: &drivermock.Driver{StatusResult: driver.Status{
				Codec: codec.SBC, Bitrate: 328000,
				Format: codec.Format{SampleRate: 22050, BitDepth: 16, Channels: 2},
			}},
			wantErr: true,
		},
		{
			name:    "transport down",
			driver:  &drivermock.Driver{StatusErr: errors.New("dial tcp: connection refused")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := DriverCheck(tt.driver).Check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
