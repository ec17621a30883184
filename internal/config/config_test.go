package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = "router:\n  host: 192.168.1.1\n  username: admin\n  password: secret\n"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(minimalYAML), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Router.ScanInterval != DefaultScanInterval {
		t.Errorf("scan_interval = %d, want %d", cfg.Router.ScanInterval, DefaultScanInterval)
	}
	if cfg.Router.DetectionTime != DefaultDetectionTime {
		t.Errorf("detection_time = %d, want %d", cfg.Router.DetectionTime, DefaultDetectionTime)
	}
	if cfg.Router.VerifySSL {
		t.Error("verify_ssl should default to false")
	}
	if cfg.Router.Transport != TransportHTTP {
		t.Errorf("transport = %q, want %q", cfg.Router.Transport, TransportHTTP)
	}
	if cfg.MQTT.DiscoveryPrefix != "homeassistant" {
		t.Errorf("discovery_prefix = %q, want homeassistant", cfg.MQTT.DiscoveryPrefix)
	}
	if cfg.Listen.Port != DefaultListenPort {
		t.Errorf("listen.port = %d, want %d", cfg.Listen.Port, DefaultListenPort)
	}
	if cfg.Router.ScanIntervalDuration() != time.Minute {
		t.Errorf("ScanIntervalDuration = %v, want 1m", cfg.Router.ScanIntervalDuration())
	}
	if cfg.Router.DetectionTimeDuration() != 5*time.Minute {
		t.Errorf("DetectionTimeDuration = %v, want 5m", cfg.Router.DetectionTimeDuration())
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("INTENO_TEST_PASSWORD", "secret123")
	path := writeConfig(t, "router:\n  host: 10.0.0.1\n  username: admin\n  password: ${INTENO_TEST_PASSWORD}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Router.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.Router.Password, "secret123")
	}
}

func TestLoad_ExpandsHomeInDataDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := writeConfig(t, minimalYAML+"data_dir: ~/inteno\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if want := filepath.Join(home, "inteno"); cfg.DataDir != want {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, want)
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		in, want string
	}{
		{"~", home},
		{"~/data", filepath.Join(home, "data")},
		{"~other/data", "~other/data"},
		{"/var/lib/inteno", "/var/lib/inteno"},
		{"data", "data"},
	}
	for _, tt := range tests {
		if got := expandHome(tt.in); got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing host", "router:\n  username: admin\n", "router.host"},
		{"bad transport", minimalYAML + "  transport: carrier-pigeon\n", "router.transport"},
		{"negative scan interval", minimalYAML + "  scan_interval: -5\n", "scan_interval"},
		{"bad log level", minimalYAML + "log_level: loud\n", "unknown log level"},
		{"bad log format", minimalYAML + "log_format: xml\n", "log_format"},
		{"bad broker scheme", minimalYAML + "mqtt:\n  broker: http://broker:1883\n", "unsupported scheme"},
		{"port out of range", minimalYAML + "listen:\n  port: 70000\n", "listen.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestRouterConfig_URL(t *testing.T) {
	tests := []struct {
		cfg  RouterConfig
		want string
	}{
		{RouterConfig{Host: "192.168.1.1", Transport: TransportHTTP}, "http://192.168.1.1"},
		{RouterConfig{Host: "192.168.1.1", Transport: TransportWebsocket}, "ws://192.168.1.1"},
		{RouterConfig{Host: "https://router.lan/", Transport: TransportHTTP}, "https://router.lan"},
		{RouterConfig{Host: "wss://router.lan", Transport: TransportWebsocket}, "wss://router.lan"},
	}
	for _, tt := range tests {
		if got := tt.cfg.URL(); got != tt.want {
			t.Errorf("URL(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"trace", LevelTrace},
		{" DEBUG ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"-4", slog.LevelDebug},
		{"12", slog.Level(12)},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseLogLevel_Invalid(t *testing.T) {
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("expected error for unknown level name")
	}
}

func TestLevelName(t *testing.T) {
	tests := []struct {
		in   slog.Level
		want string
	}{
		{LevelTrace, "TRACE"},
		{slog.LevelDebug, "DEBUG"},
		{slog.LevelWarn, "WARN"},
		{slog.LevelDebug - 2, "DEBUG-2"},
	}
	for _, tt := range tests {
		if got := LevelName(tt.in); got != tt.want {
			t.Errorf("LevelName(%v) = %q, want %q", int(tt.in), got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("level rendered as %q, want TRACE", a.Value.String())
	}

	b := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if b.Value.Any().(slog.Level) != slog.LevelInfo {
		t.Errorf("info level was rewritten: %v", b.Value)
	}
}
