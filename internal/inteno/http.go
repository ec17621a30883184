package inteno

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nugget/inteno-tracker/internal/config"
	"github.com/nugget/inteno-tracker/internal/httpkit"
)

// HTTPCaller sends ubus calls as JSON-RPC POSTs to the router's /ubus
// endpoint (uhttpd-mod-ubus).
type HTTPCaller struct {
	endpoint   string
	httpClient *http.Client
	msgID      atomic.Int64
	logger     *slog.Logger
}

// NewHTTPCaller creates an HTTP transport for baseURL (scheme and host,
// e.g. "https://192.168.1.1"). Certificate verification is skipped
// unless verifySSL is set.
func NewHTTPCaller(baseURL string, verifySSL bool, logger *slog.Logger) *HTTPCaller {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(15 * time.Second),
		httpkit.WithRetry(2, 2*time.Second),
		httpkit.WithLogger(logger),
	}
	if !verifySSL {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}

	return &HTTPCaller{
		endpoint:   strings.TrimRight(baseURL, "/") + "/ubus",
		httpClient: httpkit.NewClient(opts...),
		logger:     logger,
	}
}

// Call implements [Caller].
func (c *HTTPCaller) Call(ctx context.Context, session, object, method string, args any) (json.RawMessage, error) {
	body, err := json.Marshal(newCallRequest(c.msgID.Add(1), session, object, method, args))
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", object, method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Log(ctx, config.LevelTrace, "ubus request",
		"object", object,
		"method", method,
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", object, method, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("ubus HTTP error %d: %s", resp.StatusCode, errBody)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "ubus response",
		"object", object,
		"method", method,
		"result", string(rpcResp.Result),
	)

	return decodeResult(object, method, rpcResp)
}

// Close implements [Caller]. The HTTP transport holds no connection
// state beyond the idle pool.
func (c *HTTPCaller) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
