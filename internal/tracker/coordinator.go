package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Host receives notices the coordinator cannot resolve on its own.
type Host interface {
	// ReportAuthFailure is called once when a poll cycle is rejected
	// for bad credentials. The coordinator loop stops afterwards.
	ReportAuthFailure(err error)
}

// Listener is notified after every poll cycle.
type Listener interface {
	// DevicesUpdated receives a snapshot of every tracked device after
	// a successful cycle.
	DevicesUpdated(ctx context.Context, devices []Device)

	// RefreshFailed receives the classified error of a failed cycle.
	RefreshFailed(ctx context.Context, err error)
}

// Store persists device records across restarts.
type Store interface {
	LoadDevices(ctx context.Context) ([]Record, error)
	SaveDevices(ctx context.Context, records []Record) error
}

// CoordinatorConfig configures a [Coordinator].
type CoordinatorConfig struct {
	// API is the router client.
	API API

	// Interval is the time between poll cycles.
	Interval time.Duration

	// DetectionTime is how long after its last sighting a device is
	// still considered home.
	DetectionTime time.Duration

	// Store persists records. Optional.
	Store Store

	// Host receives auth failures. Optional.
	Host Host

	// Listeners are notified after each cycle.
	Listeners []Listener

	Logger *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Status describes the outcome of the most recent poll cycle.
type Status struct {
	LastUpdate  time.Time `json:"last_update,omitzero"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	Success     bool      `json:"success"`
	LastError   string    `json:"last_error,omitempty"`
	Devices     int       `json:"devices"`
	Cycles      int       `json:"cycles"`
}

// Coordinator runs poll cycles against the router and owns the device
// registry.
type Coordinator struct {
	cfg      CoordinatorConfig
	registry *Registry

	// cycleMu serializes poll cycles.
	cycleMu sync.Mutex

	mu        sync.RWMutex
	listeners []Listener
	status    Status
}

// NewCoordinator creates a coordinator with an empty registry.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		cfg:       cfg,
		registry:  NewRegistry(),
		listeners: append([]Listener(nil), cfg.Listeners...),
	}
}

// AddListener registers l for notifications from subsequent cycles.
func (c *Coordinator) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Reconfigure swaps the router client and timing, typically after a
// config reload. It waits for any in-flight cycle; a running
// [Coordinator.Run] keeps its old interval until restarted.
func (c *Coordinator) Reconfigure(api API, interval, detection time.Duration) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.API = api
	c.cfg.Interval = interval
	c.cfg.DetectionTime = detection
}

// DetectionTime returns the configured detection window.
func (c *Coordinator) DetectionTime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.DetectionTime
}

// Now returns the coordinator's current time.
func (c *Coordinator) Now() time.Time { return c.cfg.Now() }

// Restore loads persisted records into the registry. Without a store
// it does nothing.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.cfg.Store == nil {
		return nil
	}
	records, err := c.cfg.Store.LoadDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	n := c.registry.Restore(records)
	c.cfg.Logger.Info("restored tracked devices", "count", n)
	return nil
}

// Setup logs in and runs the first poll cycle. A failure is classified
// as [ErrCannotConnect] or [ErrAuthFailed].
func (c *Coordinator) Setup(ctx context.Context) error {
	if err := Connect(ctx, c.api()); err != nil {
		return err
	}
	return c.Refresh(ctx)
}

// Refresh runs one poll cycle: fetch, merge, persist, notify. A fetch
// failure leaves the registry untouched.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	result, err := Fetch(ctx, c.api())
	if err != nil {
		c.recordFailure(err)
		for _, l := range c.snapshotListeners() {
			l.RefreshFailed(ctx, err)
		}
		return err
	}

	now := c.cfg.Now()
	stats := c.registry.Merge(result, now)
	c.cfg.Logger.Debug("poll cycle merged",
		"reported", len(result),
		"new", stats.New,
		"active", stats.Active,
		"total", stats.Total,
	)

	c.persist(ctx, result)
	c.recordSuccess(now, stats.Total)

	devices := c.registry.Devices()
	for _, l := range c.snapshotListeners() {
		l.DevicesUpdated(ctx, devices)
	}
	return nil
}

// Run calls [Coordinator.Refresh] every interval until ctx is done or
// the router rejects the credentials. Connectivity failures are logged
// and the loop carries on. On an auth failure the host is told and the
// auth error is returned.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.RLock()
	interval := c.cfg.Interval
	c.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := c.Refresh(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrAuthFailed):
			c.cfg.Logger.Error("router rejected credentials, polling stopped", "error", err)
			if c.cfg.Host != nil {
				c.cfg.Host.ReportAuthFailure(err)
			}
			return err
		default:
			c.cfg.Logger.Warn("router poll failed", "error", err)
		}
	}
}

// Devices returns a snapshot of every tracked device, sorted by MAC.
func (c *Coordinator) Devices() []Device {
	return c.registry.Devices()
}

// Device returns the tracked device for mac.
func (c *Coordinator) Device(mac string) (Device, bool) {
	return c.registry.Get(mac)
}

// Status returns the outcome of the most recent cycle.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// LastUpdateSuccess reports whether the most recent cycle succeeded.
func (c *Coordinator) LastUpdateSuccess() bool {
	return c.Status().Success
}

// persist saves the records for every MAC reported this cycle. Store
// errors are logged; the in-memory registry stays authoritative.
func (c *Coordinator) persist(ctx context.Context, result FetchResult) {
	if c.cfg.Store == nil || len(result) == 0 {
		return
	}

	macs := make([]string, 0, len(result))
	for mac := range result {
		macs = append(macs, mac)
	}
	sort.Strings(macs)

	records := make([]Record, 0, len(macs))
	for _, mac := range macs {
		if d, ok := c.registry.Get(mac); ok {
			records = append(records, d.Record())
		}
	}
	if err := c.cfg.Store.SaveDevices(ctx, records); err != nil {
		c.cfg.Logger.Warn("failed to persist tracked devices", "error", err, "count", len(records))
	}
}

func (c *Coordinator) recordSuccess(now time.Time, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.LastUpdate = now
	c.status.LastSuccess = now
	c.status.Success = true
	c.status.LastError = ""
	c.status.Devices = total
	c.status.Cycles++
}

func (c *Coordinator) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.LastUpdate = c.cfg.Now()
	c.status.Success = false
	c.status.LastError = err.Error()
	c.status.Cycles++
}

func (c *Coordinator) api() API {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.API
}

func (c *Coordinator) snapshotListeners() []Listener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Listener(nil), c.listeners...)
}
