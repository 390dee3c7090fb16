// Package config loads, validates and persists browserbridge settings.
//
// The file is JSON5 (comments and trailing commas allowed) and is written
// back as plain JSON. BROWSERBRIDGE_SERVER_URL and BROWSERBRIDGE_TOKEN
// override the file at load time.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/titanous/json5"
)

const (
	DefaultServerURL = "ws://127.0.0.1:19527/ws/gateway"

	EnvConfigPath = "BROWSERBRIDGE_CONFIG"
	EnvServerURL  = "BROWSERBRIDGE_SERVER_URL"
	EnvToken      = "BROWSERBRIDGE_TOKEN"
)

// Config is the root configuration.
type Config struct {
	ServerURL string          `json:"server_url"`
	Token     string          `json:"token"` // literal token, or "keyring"
	Chrome    ChromeConfig    `json:"chrome"`
	Bridge    BridgeConfig    `json:"bridge"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// ChromeConfig selects the browser to drive. With DebuggerURL set an
// already-running Chrome is used; otherwise one is launched.
type ChromeConfig struct {
	DebuggerURL   string `json:"debugger_url"` // ws://... or http://host:port
	Bin           string `json:"bin"`
	Headless      bool   `json:"headless"`
	Flags         string `json:"flags"` // shell-quoted extra switches
	PageCacheSize int    `json:"page_cache_size"`
}

// BridgeConfig holds connection and execution timings.
type BridgeConfig struct {
	RequestTimeoutMS    int `json:"request_timeout_ms"`
	ReconnectDelayMS    int `json:"reconnect_delay_ms"`
	NavigationTimeoutMS int `json:"navigation_timeout_ms"`
	HandlerTimeoutMS    int `json:"handler_timeout_ms"` // bounds one server request
	TypeSettleMS        int `json:"type_settle_ms"`
	HeartbeatIntervalMS int `json:"heartbeat_interval_ms"`
	AlarmIntervalMS     int `json:"alarm_interval_ms"`
	RateLimitRPM        int `json:"rate_limit_rpm"` // 0 disables
}

// TelemetryConfig configures OTLP span export (builds with -tags otel).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint"`
	Protocol    string            `json:"protocol"` // grpc | http
	Insecure    bool              `json:"insecure"`
	ServiceName string            `json:"service_name"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Default returns a config with every default filled in.
func Default() *Config {
	return &Config{
		ServerURL: DefaultServerURL,
		Chrome: ChromeConfig{
			Headless:      false,
			PageCacheSize: 64,
		},
		Bridge: BridgeConfig{
			RequestTimeoutMS:    30_000,
			ReconnectDelayMS:    5_000,
			NavigationTimeoutMS: 30_000,
			HandlerTimeoutMS:    30_000,
			TypeSettleMS:        100,
			HeartbeatIntervalMS: 20_000,
			AlarmIntervalMS:     30_000,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "browserbridge",
		},
	}
}

// DefaultPath returns ~/.browserbridge/config.json5.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json5"
	}
	return filepath.Join(home, ".browserbridge", "config.json5")
}

// ResolvePath returns flagPath, else $BROWSERBRIDGE_CONFIG, else DefaultPath.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPath()
}

// Load reads path over the defaults and applies env overrides. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFile reads path over the defaults without env overrides. Use it when
// the result will be saved back.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvServerURL); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Token = v
	}
}

// Validate checks field ranges and the server URL scheme.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("server_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server_url: scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("server_url: missing host")
	}

	b := c.Bridge
	for name, v := range map[string]int{
		"bridge.request_timeout_ms":    b.RequestTimeoutMS,
		"bridge.reconnect_delay_ms":    b.ReconnectDelayMS,
		"bridge.navigation_timeout_ms": b.NavigationTimeoutMS,
		"bridge.handler_timeout_ms":    b.HandlerTimeoutMS,
		"bridge.type_settle_ms":        b.TypeSettleMS,
		"bridge.heartbeat_interval_ms": b.HeartbeatIntervalMS,
		"bridge.alarm_interval_ms":     b.AlarmIntervalMS,
		"bridge.rate_limit_rpm":        b.RateLimitRPM,
		"chrome.page_cache_size":       c.Chrome.PageCacheSize,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	return nil
}

// Save writes cfg to path as indented JSON with 0600 permissions.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (b BridgeConfig) RequestTimeout() time.Duration    { return ms(b.RequestTimeoutMS) }
func (b BridgeConfig) ReconnectDelay() time.Duration    { return ms(b.ReconnectDelayMS) }
func (b BridgeConfig) NavigationTimeout() time.Duration { return ms(b.NavigationTimeoutMS) }
func (b BridgeConfig) HandlerTimeout() time.Duration    { return ms(b.HandlerTimeoutMS) }
func (b BridgeConfig) TypeSettle() time.Duration        { return ms(b.TypeSettleMS) }
func (b BridgeConfig) HeartbeatInterval() time.Duration { return ms(b.HeartbeatIntervalMS) }
func (b BridgeConfig) AlarmInterval() time.Duration     { return ms(b.AlarmIntervalMS) }
