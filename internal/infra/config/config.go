package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Transport   TransportConfig   `yaml:"transport"`
	Device      DeviceConfig      `yaml:"device"`
	Session     SessionConfig     `yaml:"session"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
}

// TransportConfig selects and tunes the radio backend.
type TransportConfig struct {
	Backend                 string        `yaml:"backend"` // "bluez" (Linux) or "tinygo" (macOS, Windows)
	Adapter                 string        `yaml:"adapter"` // BlueZ adapter name, e.g. "hci0"
	ConnectTimeout          time.Duration `yaml:"connect_timeout"`
	ServicesResolvedTimeout time.Duration `yaml:"services_resolved_timeout"`
}

// DeviceConfig holds the fixed GATT addressing used for command writes.
type DeviceConfig struct {
	ServiceUUID        string `yaml:"service_uuid"`
	CharacteristicUUID string `yaml:"characteristic_uuid"`
	PayloadLogFormat   string `yaml:"payload_log_format"` // "base64" or "text"; logs only, writes are raw
}

// SessionConfig tunes the connection lifecycle manager.
type SessionConfig struct {
	ReconnectPolicy string        `yaml:"reconnect_policy"` // "propagate" or "always-ok"
	CommandRate     float64       `yaml:"command_rate"`     // writes per second, 0 = unlimited
	CommandBurst    int           `yaml:"command_burst"`
	Breaker         BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker guarding heal-before-send
// reconnects. MaxFailures 0 leaves the breaker off.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PermissionsConfig describes the platform the permission gate negotiates for.
type PermissionsConfig struct {
	OS       string `yaml:"os"`
	APILevel int    `yaml:"api_level"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// hostOS is the platform backends are checked against.
var hostOS = runtime.GOOS

// DefaultBackend returns the radio backend available on goos.
func DefaultBackend(goos string) string {
	if goos == "linux" {
		return "bluez"
	}
	return "tinygo"
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Transport: TransportConfig{
			Backend:                 DefaultBackend(hostOS),
			Adapter:                 "hci0",
			ConnectTimeout:          20 * time.Second,
			ServicesResolvedTimeout: 15 * time.Second,
		},
		Device: DeviceConfig{
			// HM-10 style serial service; most hobby peripherals expose it.
			ServiceUUID:        "0000ffe0-0000-1000-8000-00805f9b34fb",
			CharacteristicUUID: "0000ffe1-0000-1000-8000-00805f9b34fb",
			PayloadLogFormat:   "base64",
		},
		Session: SessionConfig{
			ReconnectPolicy: "propagate",
			CommandRate:     0,
			CommandBurst:    1,
			Breaker: BreakerConfig{
				MaxFailures: 0,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Permissions: PermissionsConfig{
			OS: hostOS,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides.
// A missing file is not an error; defaults are used instead.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps BLEREMOTE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BLEREMOTE_TRANSPORT_BACKEND"); v != "" {
		cfg.Transport.Backend = v
	}
	if v := os.Getenv("BLEREMOTE_TRANSPORT_ADAPTER"); v != "" {
		cfg.Transport.Adapter = v
	}
	if v := os.Getenv("BLEREMOTE_DEVICE_SERVICE_UUID"); v != "" {
		cfg.Device.ServiceUUID = v
	}
	if v := os.Getenv("BLEREMOTE_DEVICE_CHARACTERISTIC_UUID"); v != "" {
		cfg.Device.CharacteristicUUID = v
	}
	if v := os.Getenv("BLEREMOTE_DEVICE_PAYLOAD_LOG_FORMAT"); v != "" {
		cfg.Device.PayloadLogFormat = v
	}
	if v := os.Getenv("BLEREMOTE_SESSION_RECONNECT_POLICY"); v != "" {
		cfg.Session.ReconnectPolicy = v
	}
	if v := os.Getenv("BLEREMOTE_SESSION_BREAKER_MAX_FAILURES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Session.Breaker.MaxFailures = uint32(n)
		}
	}
	if v := os.Getenv("BLEREMOTE_SESSION_COMMAND_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Session.CommandRate = f
		}
	}
	if v := os.Getenv("BLEREMOTE_PERMISSIONS_OS"); v != "" {
		cfg.Permissions.OS = strings.ToLower(v)
	}
	if v := os.Getenv("BLEREMOTE_PERMISSIONS_API_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Permissions.APILevel = n
		}
	}
	if v := os.Getenv("BLEREMOTE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("BLEREMOTE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("BLEREMOTE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}
