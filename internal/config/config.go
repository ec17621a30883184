// Package config handles inteno-tracker configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Load] when the corresponding field is unset.
const (
	DefaultScanInterval    = 60  // seconds
	DefaultDetectionTime   = 300 // seconds
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultNodeID          = "inteno"
	DefaultListenPort      = 8099
	DefaultDataDir         = "data"
)

// Router transports.
const (
	TransportHTTP      = "http"
	TransportWebsocket = "websocket"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/inteno-tracker/config.yaml,
// /etc/inteno-tracker/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "inteno-tracker", "config.yaml"))
	}

	paths = append(paths, "/etc/inteno-tracker/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all inteno-tracker configuration.
type Config struct {
	Router    RouterConfig `yaml:"router"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	Listen    ListenConfig `yaml:"listen"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text (default) or json
}

// RouterConfig defines how to reach the Inteno router and how often to
// poll it.
type RouterConfig struct {
	// Host is the router address. A bare host name or IP is combined
	// with the transport's default scheme; a full URL is used as given.
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// VerifySSL enables TLS certificate verification for https and wss
	// endpoints. Off by default: routers ship self-signed certificates.
	VerifySSL bool `yaml:"verify_ssl"`

	// Transport selects ubus over HTTP ("http") or over the websocket
	// daemon ("websocket").
	Transport string `yaml:"transport"`

	// ScanInterval is the poll interval in seconds.
	ScanInterval int `yaml:"scan_interval"`

	// DetectionTime is how many seconds after last being seen a device
	// is still considered home.
	DetectionTime int `yaml:"detection_time"`
}

// Configured reports whether the minimum router settings are present.
func (c RouterConfig) Configured() bool {
	return c.Host != "" && c.Username != ""
}

// URL returns the ubus endpoint for the configured host and transport.
func (c RouterConfig) URL() string {
	host := strings.TrimRight(c.Host, "/")
	if strings.Contains(host, "://") {
		return host
	}
	if c.Transport == TransportWebsocket {
		return "ws://" + host
	}
	return "http://" + host
}

// ScanIntervalDuration returns ScanInterval as a [time.Duration].
func (c RouterConfig) ScanIntervalDuration() time.Duration {
	return time.Duration(c.ScanInterval) * time.Second
}

// DetectionTimeDuration returns DetectionTime as a [time.Duration].
func (c RouterConfig) DetectionTimeDuration() time.Duration {
	return time.Duration(c.DetectionTime) * time.Second
}

// MQTTConfig defines the broker used to publish Home Assistant MQTT
// discovery messages. Publishing is disabled when Broker is empty.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // e.g. mqtt://broker:1883 or mqtts://broker:8883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	NodeID          string `yaml:"node_id"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// ListenConfig defines the status API server. Port 0 disables it.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{
		Listen: ListenConfig{Port: DefaultListenPort},
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Router.Transport == "" {
		c.Router.Transport = TransportHTTP
	}
	if c.Router.ScanInterval == 0 {
		c.Router.ScanInterval = DefaultScanInterval
	}
	if c.Router.DetectionTime == 0 {
		c.Router.DetectionTime = DefaultDetectionTime
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.MQTT.NodeID == "" {
		c.MQTT.NodeID = DefaultNodeID
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.DataDir = expandHome(c.DataDir)
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks the configuration for values that would prevent
// startup. It reports the first problem found.
func (c *Config) Validate() error {
	if !c.Router.Configured() {
		return fmt.Errorf("router.host and router.username are required")
	}
	switch c.Router.Transport {
	case TransportHTTP, TransportWebsocket:
	default:
		return fmt.Errorf("router.transport %q invalid (valid: http, websocket)", c.Router.Transport)
	}
	if _, err := url.Parse(c.Router.URL()); err != nil {
		return fmt.Errorf("router.host %q: %w", c.Router.Host, err)
	}
	if c.Router.ScanInterval < 0 {
		return fmt.Errorf("router.scan_interval must be positive, got %d", c.Router.ScanInterval)
	}
	if c.Router.DetectionTime < 0 {
		return fmt.Errorf("router.detection_time must be positive, got %d", c.Router.DetectionTime)
	}
	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil {
			return fmt.Errorf("mqtt.broker %q: %w", c.MQTT.Broker, err)
		}
		switch u.Scheme {
		case "mqtt", "tcp", "mqtts", "ssl", "ws", "wss":
		default:
			return fmt.Errorf("mqtt.broker %q: unsupported scheme %q", c.MQTT.Broker, u.Scheme)
		}
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q invalid (valid: text, json)", c.LogFormat)
	}
	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
