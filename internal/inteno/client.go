package inteno

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// sessionSlack renews a session slightly before rpcd would expire it.
const sessionSlack = 10 * time.Second

// Client is an authenticated ubus client for one router.
type Client struct {
	caller   Caller
	username string
	password string
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	session string
	expires time.Time
}

// NewClient creates a client that issues calls through caller. No
// network traffic happens until the first call.
func NewClient(caller Caller, username, password string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		caller:   caller,
		username: username,
		password: password,
		logger:   logger,
		now:      time.Now,
	}
}

// Dial builds a client for rawURL, choosing the HTTP transport for
// http/https and the websocket transport for ws/wss.
func Dial(rawURL, username, password string, verifySSL bool, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse router URL: %w", err)
	}

	var caller Caller
	switch u.Scheme {
	case "http", "https":
		caller = NewHTTPCaller(rawURL, verifySSL, logger)
	case "ws", "wss":
		caller = NewWSCaller(rawURL, verifySSL, logger)
	default:
		return nil, fmt.Errorf("unsupported router URL scheme %q", u.Scheme)
	}

	return NewClient(caller, username, password, logger), nil
}

// EnsureLoggedIn opens a ubus session unless the current one is still
// valid. A rejected login returns an error wrapping
// [ErrInvalidCredentials].
func (c *Client) EnsureLoggedIn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != "" && c.now().Before(c.expires) {
		return nil
	}
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	data, err := c.caller.Call(ctx, NullSession, "session", "login", map[string]any{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		if isPermissionDenied(err) {
			return fmt.Errorf("login as %s: %w", c.username, ErrInvalidCredentials)
		}
		return fmt.Errorf("login: %w", err)
	}

	var reply struct {
		Session string `json:"ubus_rpc_session"`
		Timeout int    `json:"timeout"`
		Expires int    `json:"expires"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return fmt.Errorf("decode login reply: %w", err)
	}
	if reply.Session == "" {
		return fmt.Errorf("login reply carried no session")
	}

	ttl := reply.Expires
	if ttl <= 0 {
		ttl = reply.Timeout
	}
	c.session = reply.Session
	c.expires = c.now().Add(time.Duration(ttl)*time.Second - sessionSlack)

	c.logger.Debug("ubus session established", "user", c.username, "ttl_sec", ttl)
	return nil
}

// call issues an authenticated call. If the router reports the session
// as denied it logs in again and retries once.
func (c *Client) call(ctx context.Context, object, method string, args any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == "" {
		if err := c.loginLocked(ctx); err != nil {
			return nil, err
		}
	}

	data, err := c.caller.Call(ctx, c.session, object, method, args)
	if err == nil || !isPermissionDenied(err) {
		return data, err
	}

	c.logger.Debug("ubus session rejected, logging in again", "object", object, "method", method)
	c.session = ""
	if err := c.loginLocked(ctx); err != nil {
		return nil, err
	}
	return c.caller.Call(ctx, c.session, object, method, args)
}

// ListDevices returns the router's client table keyed as the router
// keys it (not by MAC). An empty table is returned as an empty map.
func (c *Client) ListDevices(ctx context.Context) (map[string]Device, error) {
	data, err := c.call(ctx, "router.network", "clients", nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == StatusNoData {
			return map[string]Device{}, nil
		}
		return nil, err
	}

	devices := make(map[string]Device)
	if len(data) == 0 {
		return devices, nil
	}

	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode client list: %w", err)
	}
	for key, fields := range raw {
		devices[key] = deviceFromRaw(fields)
	}
	return devices, nil
}

// HardwareInfo returns router identification used for device
// registration.
func (c *Client) HardwareInfo(ctx context.Context) (*SystemInfo, error) {
	data, err := c.call(ctx, "router.system", "info", nil)
	if err != nil {
		return nil, err
	}

	var reply struct {
		System SystemInfo `json:"system"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("decode system info: %w", err)
	}
	return &reply.System, nil
}

// Ping checks that the ubus endpoint answers. Any well-formed JSON-RPC
// reply counts as reachable, including permission errors for the
// anonymous session.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.caller.Call(ctx, NullSession, "session", "access", nil)
	if err == nil {
		return nil
	}
	var se *StatusError
	var re *RPCError
	if errors.As(err, &se) || errors.As(err, &re) {
		return nil
	}
	return fmt.Errorf("ping: %w", err)
}

// Close releases the transport.
func (c *Client) Close() error {
	return c.caller.Close()
}
