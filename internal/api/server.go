// Package api implements the read-only status HTTP API: service health,
// build info, router identity, and the tracked devices with their
// presence state.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/inteno-tracker/internal/buildinfo"
	"github.com/nugget/inteno-tracker/internal/connwatch"
	"github.com/nugget/inteno-tracker/internal/inteno"
	"github.com/nugget/inteno-tracker/internal/tracker"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// DeviceSource provides the tracked devices. [*tracker.Coordinator]
// satisfies it.
type DeviceSource interface {
	Devices() []tracker.Device
	Device(mac string) (tracker.Device, bool)
	DetectionTime() time.Duration
	Now() time.Time
	Status() tracker.Status
	LastUpdateSuccess() bool
}

// HealthSource reports the state of watched services.
// [*connwatch.Manager] satisfies it.
type HealthSource interface {
	Statuses() []connwatch.ServiceStatus
}

// Server is the HTTP status API server.
type Server struct {
	address string
	port    int
	devices DeviceSource
	health  HealthSource
	logger  *slog.Logger
	server  *http.Server

	mu     sync.RWMutex
	router *inteno.SystemInfo
}

// NewServer creates a new API server. health may be nil.
func NewServer(address string, port int, devices DeviceSource, health HealthSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address: address,
		port:    port,
		devices: devices,
		health:  health,
		logger:  logger,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", address, port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// SetRouter records the router's system info for /v1/router.
func (s *Server) SetRouter(info inteno.SystemInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.router = &info
}

// Handler returns the API's routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/router", s.handleRouter)
	mux.HandleFunc("GET /v1/devices", s.handleDevices)
	mux.HandleFunc("GET /v1/devices/{mac}", s.handleDevice)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops
// and returns [http.ErrServerClosed] after [Server.Shutdown].
func (s *Server) Start(_ context.Context) error {
	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server. A Start that has not yet
// begun listening returns [http.ErrServerClosed] at once.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "inteno-tracker",
		"version": buildinfo.Info()["version"],
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                    `json:"status"`
	Uptime   string                    `json:"uptime"`
	Poll     tracker.Status            `json:"poll"`
	Services []connwatch.ServiceStatus `json:"services,omitempty"`
}

// handleHealth reports healthy only when the last poll cycle succeeded
// and every watched service is reachable.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status: "healthy",
		Uptime: buildinfo.Uptime().Truncate(time.Second).String(),
		Poll:   s.devices.Status(),
	}
	if s.health != nil {
		resp.Services = s.health.Statuses()
	}

	healthy := s.devices.LastUpdateSuccess()
	for _, svc := range resp.Services {
		healthy = healthy && svc.Ready
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		resp.Status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleRouter(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	info := s.router
	s.mu.RUnlock()

	if info == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router info not yet available")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, info, s.logger)
}

// DeviceView is the JSON rendering of a tracked device.
type DeviceView struct {
	MAC        string         `json:"mac"`
	Name       string         `json:"name"`
	IPAddress  string         `json:"ip_address,omitempty"`
	State      string         `json:"state"`
	LastSeen   *time.Time     `json:"last_seen,omitempty"`
	Attributes map[string]any `json:"attributes"`
}

func newDeviceView(d tracker.Device, now time.Time, detection time.Duration) DeviceView {
	v := DeviceView{
		MAC:        d.MAC(),
		Name:       d.Name(),
		IPAddress:  d.IPAddress(),
		State:      d.State(now, detection),
		Attributes: d.Attrs(),
	}
	if seen := d.LastSeen(); !seen.IsZero() {
		v.LastSeen = &seen
	}
	return v
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	now, detection := s.devices.Now(), s.devices.DetectionTime()
	stateFilter := r.URL.Query().Get("state")

	views := []DeviceView{}
	for _, d := range s.devices.Devices() {
		v := newDeviceView(d, now, detection)
		if stateFilter != "" && v.State != stateFilter {
			continue
		}
		views = append(views, v)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"devices": views,
		"count":   len(views),
	}, s.logger)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	mac := r.PathValue("mac")
	d, ok := s.devices.Device(mac)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "device not found: "+mac)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, newDeviceView(d, s.devices.Now(), s.devices.DetectionTime()), s.logger)
}
