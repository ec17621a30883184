package inteno

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/inteno-tracker/internal/config"
	"github.com/nugget/inteno-tracker/internal/httpkit"
)

// wsSubprotocol is the websocket subprotocol spoken by owsd.
const wsSubprotocol = "ubus-json"

// wsCallTimeout bounds a single call when ctx carries no deadline.
const wsCallTimeout = 30 * time.Second

// WSCaller sends ubus calls over the router's websocket daemon (owsd).
// The connection is dialed lazily and redialed after any I/O error.
// Calls are serialized; the poll cycle never issues them concurrently.
type WSCaller struct {
	url    string
	origin string
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	msgID  int64
	closed bool
}

// ErrClosed is returned by calls on a transport after Close.
var ErrClosed = errors.New("ubus transport closed")

// NewWSCaller creates a websocket transport for baseURL (ws:// or
// wss://). Certificate verification is skipped unless verifySSL is set.
func NewWSCaller(baseURL string, verifySSL bool, logger *slog.Logger) *WSCaller {
	if logger == nil {
		logger = slog.Default()
	}

	u := strings.TrimRight(baseURL, "/") + "/"
	origin := u
	if parsed, err := url.Parse(u); err == nil {
		switch parsed.Scheme {
		case "wss":
			parsed.Scheme = "https"
		case "ws":
			parsed.Scheme = "http"
		}
		parsed.Path = ""
		origin = parsed.String()
	}

	return &WSCaller{
		url:    u,
		origin: origin,
		dialer: httpkit.NewWebsocketDialer(!verifySSL, wsSubprotocol),
		logger: logger,
	}
}

// Call implements [Caller].
func (c *WSCaller) Call(ctx context.Context, session, object, method string, args any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	c.msgID++
	id := c.msgID

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(wsCallTimeout)
	}
	c.conn.SetWriteDeadline(deadline)
	c.conn.SetReadDeadline(deadline)

	c.logger.Log(ctx, config.LevelTrace, "ubus ws request",
		"id", id,
		"object", object,
		"method", method,
	)

	if err := c.conn.WriteJSON(newCallRequest(id, session, object, method, args)); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("send %s %s: %w", object, method, err)
	}

	// owsd may interleave event notifications; skip anything that is not
	// the reply to this call.
	for {
		var resp rpcResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.dropLocked()
			return nil, fmt.Errorf("read %s %s: %w", object, method, err)
		}
		if resp.ID != id {
			c.logger.Debug("skipping unrelated ubus ws message", "id", resp.ID, "want", id)
			continue
		}

		c.logger.Log(ctx, config.LevelTrace, "ubus ws response",
			"id", id,
			"result", string(resp.Result),
		)
		return decodeResult(object, method, resp)
	}
}

func (c *WSCaller) connectLocked(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.conn != nil {
		return nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, httpkit.WebsocketHeader(c.origin))
	if err != nil {
		return fmt.Errorf("dial websocket %s: %w", c.url, err)
	}
	conn.SetReadLimit(16 * 1024 * 1024)
	c.conn = conn

	c.logger.Debug("ubus websocket connected", "url", c.url, "subprotocol", conn.Subprotocol())
	return nil
}

func (c *WSCaller) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close implements [Caller].
func (c *WSCaller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.dropLocked()
	return err
}
