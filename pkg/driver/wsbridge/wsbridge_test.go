package wsbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/a2dpd/pkg/codec"
	"github.com/MrWong99/a2dpd/pkg/driver"
	"github.com/MrWong99/a2dpd/pkg/telemetry"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startBridge launches a fake bridge that answers every request with the
// response built by handle.
func startBridge(t *testing.T, handle func(Request) Response) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		conns.Add(1)
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx := r.Context()
		for {
			var req Request
			if err := wsjson.Read(ctx, conn, &req); err != nil {
				return
			}
			resp := handle(req)
			resp.ID = req.ID
			if err := wsjson.Write(ctx, conn, resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func newClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(wsURL(srv), WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_ApplyBitrate(t *testing.T) {
	t.Parallel()

	received := make(chan Request, 1)
	srv, _ := startBridge(t, func(req Request) Response {
		received <- req
		return Response{Apply: &driver.ApplyResult{Success: true, AppliedBitrate: req.Bitrate}}
	})
	c := newClient(t, srv)

	res, err := c.ApplyBitrate(context.Background(), codec.LDAC, 660000)
	if err != nil {
		t.Fatalf("ApplyBitrate: %v", err)
	}
	if !res.Success || res.AppliedBitrate != 660000 {
		t.Errorf("result = %+v, want success at 660000", res)
	}
	got := <-received
	if got.Method != MethodApply || got.Codec != codec.LDAC || got.Bitrate != 660000 {
		t.Errorf("bridge received %+v", got)
	}
}

func TestClient_StatusAndTelemetry(t *testing.T) {
	t.Parallel()

	srv, conns := startBridge(t, func(req Request) Response {
		switch req.Method {
		case MethodStatus:
			return Response{Status: &driver.Status{
				Codec:   codec.AAC,
				Bitrate: 320000,
				Format:  codec.Format{SampleRate: 44100, BitDepth: 16, Channels: 2},
			}}
		case MethodTelemetry:
			return Response{Telemetry: &telemetry.LinkTelemetry{SignalStrength: 80, PacketLoss: 2, ActiveBitrate: 320000}}
		}
		return Response{Error: "unknown method"}
	})
	c := newClient(t, srv)
	ctx := context.Background()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Codec != codec.AAC || st.Format.SampleRate != 44100 {
		t.Errorf("Status() = %+v", st)
	}

	tel, err := c.Sample(ctx)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if tel.SignalStrength != 80 || tel.PacketLoss != 2 {
		t.Errorf("Sample() = %+v", tel)
	}

	if n := conns.Load(); n != 1 {
		t.Errorf("connections = %d, want 1 (connection reuse)", n)
	}
}

func TestClient_BridgeError(t *testing.T) {
	t.Parallel()

	srv, _ := startBridge(t, func(Request) Response {
		return Response{Error: "adapter busy"}
	})
	c := newClient(t, srv)

	_, err := c.ApplyBitrate(context.Background(), codec.SBC, 328000)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "adapter busy") {
		t.Errorf("error %q should carry the bridge message", err)
	}
}

func TestClient_MissingResult(t *testing.T) {
	t.Parallel()

	srv, _ := startBridge(t, func(Request) Response { return Response{} })
	c := newClient(t, srv)

	if _, err := c.Status(context.Background()); err == nil {
		t.Fatal("expected error for empty response, got nil")
	}
}

func TestClient_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	c, err := New(url, WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Sample(context.Background()); err == nil {
		t.Fatal("expected dial error, got nil")
	}
}

func TestNew_EmptyURL(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty url")
	}
}
