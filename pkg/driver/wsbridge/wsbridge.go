// Package wsbridge implements driver.Driver and telemetry.Source on top of a
// WebSocket connection to a transport bridge daemon.
//
// The bridge runs next to the Bluetooth stack (BlueZ, the Windows A2DP
// driver, ...) and exposes a small JSON protocol: each request carries an
// id and a method ("apply", "status" or "telemetry") and the bridge answers
// with a response carrying the same id. Requests are issued one at a time
// over a single connection; a broken connection is dropped and re-dialled on
// the next call.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/a2dpd/pkg/codec"
	"github.com/MrWong99/a2dpd/pkg/driver"
	"github.com/MrWong99/a2dpd/pkg/telemetry"
)

const defaultTimeout = 5 * time.Second

// Protocol method names.
const (
	MethodApply     = "apply"
	MethodStatus    = "status"
	MethodTelemetry = "telemetry"
)

// Request is a message sent to the bridge.
type Request struct {
	ID      uint64   `json:"id"`
	Method  string   `json:"method"`
	Codec   codec.ID `json:"codec,omitempty"`
	Bitrate int      `json:"bitrate,omitempty"`
}

// Response is a message received from the bridge.
type Response struct {
	ID        uint64                   `json:"id"`
	Error     string                   `json:"error,omitempty"`
	Apply     *driver.ApplyResult      `json:"apply,omitempty"`
	Status    *driver.Status           `json:"status,omitempty"`
	Telemetry *telemetry.LinkTelemetry `json:"telemetry,omitempty"`
}

// Client talks to a transport bridge. It is safe for concurrent use.
type Client struct {
	url     string
	header  http.Header
	timeout time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64
}

var (
	_ driver.Driver    = (*Client)(nil)
	_ telemetry.Source = (*Client)(nil)
)

// Option configures a [Client].
type Option func(*Client)

// WithHeader sets extra HTTP headers sent on dial (e.g. an auth token).
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h.Clone() }
}

// WithTimeout bounds each request/response round trip. Default: 5s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a client for the bridge at url (ws:// or wss://). No
// connection is made until the first call.
func New(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.New("wsbridge: url must not be empty")
	}
	c := &Client{url: url, timeout: defaultTimeout}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ApplyBitrate implements driver.Driver.
func (c *Client) ApplyBitrate(ctx context.Context, id codec.ID, bitrate int) (driver.ApplyResult, error) {
	resp, err := c.call(ctx, Request{Method: MethodApply, Codec: id, Bitrate: bitrate})
	if err != nil {
		return driver.ApplyResult{}, err
	}
	if resp.Apply == nil {
		return driver.ApplyResult{}, fmt.Errorf("wsbridge: apply: response %d has no result", resp.ID)
	}
	return *resp.Apply, nil
}

// Status implements driver.Driver.
func (c *Client) Status(ctx context.Context) (driver.Status, error) {
	resp, err := c.call(ctx, Request{Method: MethodStatus})
	if err != nil {
		return driver.Status{}, err
	}
	if resp.Status == nil {
		return driver.Status{}, fmt.Errorf("wsbridge: status: response %d has no result", resp.ID)
	}
	return *resp.Status, nil
}

// Sample implements telemetry.Source.
func (c *Client) Sample(ctx context.Context) (telemetry.LinkTelemetry, error) {
	resp, err := c.call(ctx, Request{Method: MethodTelemetry})
	if err != nil {
		return telemetry.LinkTelemetry{}, err
	}
	if resp.Telemetry == nil {
		return telemetry.LinkTelemetry{}, fmt.Errorf("wsbridge: telemetry: response %d has no result", resp.ID)
	}
	return *resp.Telemetry, nil
}

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "client closed")
	c.conn = nil
	return err
}

// call sends req and waits for the response with the matching id.
func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
		if err != nil {
			return Response{}, fmt.Errorf("wsbridge: dial %s: %w", c.url, err)
		}
		c.conn = conn
		slog.Debug("wsbridge: connected", "url", c.url)
	}

	c.nextID++
	req.ID = c.nextID

	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		c.dropLocked()
		return Response{}, fmt.Errorf("wsbridge: %s: write: %w", req.Method, err)
	}

	for {
		var resp Response
		if err := wsjson.Read(ctx, c.conn, &resp); err != nil {
			c.dropLocked()
			return Response{}, fmt.Errorf("wsbridge: %s: read: %w", req.Method, err)
		}
		if resp.ID != req.ID {
			slog.Debug("wsbridge: discarding stale response", "id", resp.ID, "want", req.ID)
			continue
		}
		if resp.Error != "" {
			return resp, fmt.Errorf("wsbridge: %s: bridge error: %s", req.Method, resp.Error)
		}
		return resp, nil
	}
}

// dropLocked abandons the current connection. Must be called with c.mu held.
func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.CloseNow()
		c.conn = nil
	}
}
