package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nugget/inteno-tracker/internal/api"
	"github.com/nugget/inteno-tracker/internal/buildinfo"
	"github.com/nugget/inteno-tracker/internal/config"
	"github.com/nugget/inteno-tracker/internal/connwatch"
	"github.com/nugget/inteno-tracker/internal/devicestore"
	"github.com/nugget/inteno-tracker/internal/inteno"
	"github.com/nugget/inteno-tracker/internal/mqtt"
	"github.com/nugget/inteno-tracker/internal/tracker"
)

// errReload ends a router session so the service can pick up a new
// configuration.
var errReload = errors.New("configuration reload requested")

// service holds the long-lived components of the serve command. The
// router client and coordinator timing are replaced on every reload;
// everything else lives for the whole process.
type service struct {
	cfgPath string
	logger  *slog.Logger
	hup     <-chan os.Signal

	store   *devicestore.Store
	connMgr *connwatch.Manager
	coord   *tracker.Coordinator
	pub     *mqtt.Publisher // nil when MQTT is not configured
	apiSrv  *api.Server     // nil when the API is disabled
}

// ReportAuthFailure tells the operator how to recover once the router
// rejects the configured credentials.
func (s *service) ReportAuthFailure(err error) {
	s.logger.Error("router credentials rejected; update the config file and send SIGHUP to resume",
		"config", s.cfgPath,
		"error", err,
	)
}

// runServe polls the router until ctx is cancelled or SIGINT/SIGTERM
// arrives. SIGHUP reloads the router settings from the config file.
func runServe(ctx context.Context, stdout io.Writer, _ io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := configuredLogger(stdout, cfg)
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	build := buildinfo.Info()
	logger.Info("starting inteno-tracker",
		"version", build["version"],
		"commit", build["git_commit"],
		"config", cfgPath,
		"router", cfg.Router.URL(),
		"transport", cfg.Router.Transport,
		"log_level", config.LevelName(level),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := devicestore.NewStore(filepath.Join(cfg.DataDir, "devices.db"))
	if err != nil {
		return fmt.Errorf("open device store: %w", err)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	s := &service{
		cfgPath: cfgPath,
		logger:  logger,
		hup:     hup,
		store:   store,
		connMgr: connMgr,
	}
	s.coord = tracker.NewCoordinator(tracker.CoordinatorConfig{
		Interval:      cfg.Router.ScanIntervalDuration(),
		DetectionTime: cfg.Router.DetectionTimeDuration(),
		Store:         store,
		Host:          s,
		Logger:        logger,
	})

	if err := s.coord.Restore(ctx); err != nil {
		logger.Warn("failed to restore tracked devices", "error", err)
	}

	var cached inteno.SystemInfo
	haveRouter, err := store.GetJSON("router", "system_info", &cached)
	if err != nil {
		logger.Warn("failed to load cached router info", "error", err)
	}

	// --- MQTT ---
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(store)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}

		s.pub = mqtt.New(cfg.MQTT, instanceID, s.coord, cfg.Router.ScanIntervalDuration(), logger)
		s.coord.AddListener(s.pub)
		if haveRouter {
			s.pub.SetRouter(ctx, cached)
		}

		go func() {
			if err := s.pub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "mqtt",
			Probe:   func(pCtx context.Context) error { return s.pub.AwaitConnection(pCtx) },
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"node_id", cfg.MQTT.NodeID,
			"instance_id", instanceID,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Status API ---
	if cfg.Listen.Port > 0 {
		s.apiSrv = api.NewServer(cfg.Listen.Address, cfg.Listen.Port, s.coord, connMgr, logger)
		if haveRouter {
			s.apiSrv.SetRouter(cached)
		}
		go func() {
			if err := s.apiSrv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("API server failed", "error", err)
			}
		}()
	}

	defer s.shutdown()

	for {
		err := s.session(ctx, cfg)
		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, tracker.ErrAuthFailed) && !s.waitForHangup(ctx) {
			break
		}
		cfg = s.reload(cfg)
	}

	logger.Info("shutdown signal received")
	return nil
}

// session dials the router with cfg, runs the first poll cycle (retrying
// while the router is unreachable) and then polls until ctx is done,
// the credentials are rejected, or SIGHUP asks for a reload.
func (s *service) session(ctx context.Context, cfg *config.Config) error {
	client, err := inteno.Dial(cfg.Router.URL(), cfg.Router.Username, cfg.Router.Password, cfg.Router.VerifySSL, s.logger)
	if err != nil {
		s.logger.Error("invalid router address", "url", cfg.Router.URL(), "error", err)
		return s.waitReload(ctx)
	}
	defer client.Close()

	interval := cfg.Router.ScanIntervalDuration()
	s.coord.Reconfigure(client, interval, cfg.Router.DetectionTimeDuration())

	ready := make(chan struct{}, 1)
	s.connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "router",
		Probe:   client.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func() {
			select {
			case ready <- struct{}{}:
			default:
			}
		},
		Logger: s.logger,
	})
	defer s.connMgr.Unwatch("router")

	for {
		err := s.coord.Setup(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, tracker.ErrAuthFailed) {
			s.ReportAuthFailure(err)
			return err
		}

		s.logger.Warn("router not ready, will retry", "error", err, "retry_in", interval)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.hup:
			timer.Stop()
			return errReload
		case <-ready:
			timer.Stop()
		case <-timer.C:
		}
	}

	status := s.coord.Status()
	s.logger.Info("router connected", "devices", status.Devices)
	s.refreshRouterInfo(ctx, client)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	done := make(chan error, 1)
	go func() { done <- s.coord.Run(runCtx) }()

	select {
	case err := <-done:
		return err
	case <-s.hup:
		runCancel()
		<-done
		return errReload
	}
}

// refreshRouterInfo reads the router's hardware description and hands
// it to the publisher, the API and the store.
func (s *service) refreshRouterInfo(ctx context.Context, client *inteno.Client) {
	info, err := client.HardwareInfo(ctx)
	if err != nil {
		s.logger.Warn("failed to read router system info", "error", err)
		return
	}

	s.logger.Info("router identified",
		"model", info.Model,
		"firmware", info.Firmware,
		"serial", info.SerialNo,
	)
	if s.pub != nil {
		s.pub.SetRouter(ctx, *info)
	}
	if s.apiSrv != nil {
		s.apiSrv.SetRouter(*info)
	}
	if err := s.store.SetJSON("router", "system_info", info); err != nil {
		s.logger.Warn("failed to cache router info", "error", err)
	}
}

// waitReload blocks until SIGHUP or ctx is done.
func (s *service) waitReload(ctx context.Context) error {
	if !s.waitForHangup(ctx) {
		return ctx.Err()
	}
	return errReload
}

// waitForHangup blocks until SIGHUP arrives (true) or ctx is done
// (false).
func (s *service) waitForHangup(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.hup:
		return true
	}
}

// reload re-reads the config file. On failure the previous config is
// kept.
func (s *service) reload(current *config.Config) *config.Config {
	cfg, err := config.Load(s.cfgPath)
	if err != nil {
		s.logger.Error("config reload failed, keeping previous settings", "config", s.cfgPath, "error", err)
		return current
	}
	if cfg.MQTT != current.MQTT || cfg.Listen != current.Listen || cfg.DataDir != current.DataDir {
		s.logger.Warn("mqtt, listen or data_dir changed; restart to apply")
	}
	s.logger.Info("configuration reloaded", "config", s.cfgPath, "router", cfg.Router.URL())
	return cfg
}

// shutdown publishes MQTT offline status and stops the API server.
func (s *service) shutdown() {
	if s.pub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offlineCancel()
		if err := s.pub.Stop(offlineCtx); err != nil {
			s.logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	if s.apiSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = s.apiSrv.Shutdown(shutdownCtx)
	}
	s.logger.Info("inteno-tracker stopped")
}
