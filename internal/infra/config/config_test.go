package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// withHostOS pretends the process runs on goos for the rest of the test.
func withHostOS(t *testing.T, goos string) {
	t.Helper()
	prev := hostOS
	hostOS = goos
	t.Cleanup(func() { hostOS = prev })
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if want := DefaultBackend(hostOS); cfg.Transport.Backend != want {
		t.Errorf("Transport.Backend = %q, want %q", cfg.Transport.Backend, want)
	}
	if cfg.Session.ReconnectPolicy != "propagate" {
		t.Errorf("ReconnectPolicy = %q, want %q", cfg.Session.ReconnectPolicy, "propagate")
	}
	if cfg.Device.PayloadLogFormat != "base64" {
		t.Errorf("PayloadLogFormat = %q, want %q", cfg.Device.PayloadLogFormat, "base64")
	}
	if cfg.Session.Breaker.MaxFailures != 0 {
		t.Errorf("Breaker.MaxFailures = %d, want 0 (breaker off)", cfg.Session.Breaker.MaxFailures)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestDefaultsValidateOnEveryPlatform(t *testing.T) {
	for _, goos := range []string{"linux", "darwin", "windows"} {
		withHostOS(t, goos)
		cfg := Defaults()
		if err := Validate(cfg); err != nil {
			t.Errorf("%s: defaults should validate: %v", goos, err)
		}
	}
}

func TestValidateBackendPlatform(t *testing.T) {
	tests := []struct {
		goos    string
		backend string
		wantErr bool
	}{
		{"linux", "bluez", false},
		{"linux", "tinygo", true},
		{"darwin", "tinygo", false},
		{"darwin", "bluez", true},
		{"windows", "tinygo", false},
		{"windows", "bluez", true},
	}
	for _, tt := range tests {
		withHostOS(t, tt.goos)
		cfg := Defaults()
		cfg.Transport.Backend = tt.backend
		err := Validate(cfg)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s/%s: err = %v, wantErr %v", tt.goos, tt.backend, err, tt.wantErr)
		}
		if err != nil && !strings.Contains(err.Error(), "not available on "+tt.goos) {
			t.Errorf("%s/%s: unexpected error %v", tt.goos, tt.backend, err)
		}
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.Adapter != "hci0" {
		t.Errorf("expected defaults, got Adapter=%q", cfg.Transport.Adapter)
	}
}

func TestLoadYAML(t *testing.T) {
	withHostOS(t, "darwin")
	path := filepath.Join(t.TempDir(), "bleremote.yaml")
	content := `
transport:
  backend: tinygo
  connect_timeout: 5s
device:
  service_uuid: "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
  characteristic_uuid: "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
  payload_log_format: text
session:
  reconnect_policy: always-ok
  command_rate: 4
  command_burst: 2
permissions:
  os: android
  api_level: 31
logger:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.Backend != "tinygo" {
		t.Errorf("Backend = %q, want tinygo", cfg.Transport.Backend)
	}
	if cfg.Transport.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s", cfg.Transport.ConnectTimeout)
	}
	if cfg.Device.PayloadLogFormat != "text" {
		t.Errorf("PayloadLogFormat = %q, want text", cfg.Device.PayloadLogFormat)
	}
	if cfg.Session.ReconnectPolicy != "always-ok" {
		t.Errorf("ReconnectPolicy = %q, want always-ok", cfg.Session.ReconnectPolicy)
	}
	if cfg.Session.CommandRate != 4 || cfg.Session.CommandBurst != 2 {
		t.Errorf("rate = %v/%d, want 4/2", cfg.Session.CommandRate, cfg.Session.CommandBurst)
	}
	if cfg.Permissions.OS != "android" || cfg.Permissions.APILevel != 31 {
		t.Errorf("Permissions = %+v", cfg.Permissions)
	}
	// Untouched sections keep their defaults.
	if cfg.Transport.Adapter != "hci0" {
		t.Errorf("Adapter = %q, want default hci0", cfg.Transport.Adapter)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("transport: [unterminated"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BLEREMOTE_TRANSPORT_BACKEND", "tinygo")
	t.Setenv("BLEREMOTE_SESSION_BREAKER_MAX_FAILURES", "5")
	t.Setenv("BLEREMOTE_SESSION_RECONNECT_POLICY", "always-ok")
	t.Setenv("BLEREMOTE_SESSION_COMMAND_RATE", "2.5")
	t.Setenv("BLEREMOTE_PERMISSIONS_OS", "Android")
	t.Setenv("BLEREMOTE_PERMISSIONS_API_LEVEL", "30")
	t.Setenv("BLEREMOTE_LOGGER_LEVEL", "debug")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Transport.Backend != "tinygo" {
		t.Errorf("Backend = %q, want tinygo", cfg.Transport.Backend)
	}
	if cfg.Session.ReconnectPolicy != "always-ok" {
		t.Errorf("ReconnectPolicy = %q", cfg.Session.ReconnectPolicy)
	}
	if cfg.Session.Breaker.MaxFailures != 5 {
		t.Errorf("Breaker.MaxFailures = %d, want 5", cfg.Session.Breaker.MaxFailures)
	}
	if cfg.Session.CommandRate != 2.5 {
		t.Errorf("CommandRate = %v, want 2.5", cfg.Session.CommandRate)
	}
	if cfg.Permissions.OS != "android" || cfg.Permissions.APILevel != 30 {
		t.Errorf("Permissions = %+v", cfg.Permissions)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want debug", cfg.Logger.Level)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Transport.Backend = "serial"
	cfg.Device.ServiceUUID = "ffe0"
	cfg.Device.PayloadLogFormat = "hex"
	cfg.Session.ReconnectPolicy = "retry"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if len(ve.Errors) != 4 {
		t.Errorf("got %d errors, want 4: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidateRateNeedsBurst(t *testing.T) {
	cfg := Defaults()
	cfg.Session.CommandRate = 10
	cfg.Session.CommandBurst = 0
	if err := Validate(cfg); err == nil {
		t.Error("expected error for rate without burst")
	}
}
