package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateTransport(cfg, ve)
	validateDevice(cfg, ve)
	validateSession(cfg, ve)
	validatePermissions(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// backendPlatforms lists the platforms each radio backend builds for.
var backendPlatforms = map[string][]string{
	"bluez":  {"linux"},
	"tinygo": {"darwin", "windows"},
}

func validateTransport(cfg *Config, ve *ValidationError) {
	if goos, ok := backendPlatforms[cfg.Transport.Backend]; !ok {
		ve.Add("transport.backend %q must be one of: bluez, tinygo", cfg.Transport.Backend)
	} else if !slices.Contains(goos, hostOS) {
		ve.Add("transport.backend %q is not available on %s (use %q)",
			cfg.Transport.Backend, hostOS, DefaultBackend(hostOS))
	}
	if cfg.Transport.Backend == "bluez" && cfg.Transport.Adapter == "" {
		ve.Add("transport.adapter must not be empty for the bluez backend")
	}
	if cfg.Transport.ConnectTimeout < 0 {
		ve.Add("transport.connect_timeout must be >= 0")
	}
	if cfg.Transport.ServicesResolvedTimeout <= 0 {
		ve.Add("transport.services_resolved_timeout must be > 0")
	}
}

func validateDevice(cfg *Config, ve *ValidationError) {
	if !uuidPattern.MatchString(cfg.Device.ServiceUUID) {
		ve.Add("device.service_uuid %q is not a 128-bit UUID", cfg.Device.ServiceUUID)
	}
	if !uuidPattern.MatchString(cfg.Device.CharacteristicUUID) {
		ve.Add("device.characteristic_uuid %q is not a 128-bit UUID", cfg.Device.CharacteristicUUID)
	}
	switch cfg.Device.PayloadLogFormat {
	case "base64", "text":
	default:
		ve.Add("device.payload_log_format %q must be one of: base64, text", cfg.Device.PayloadLogFormat)
	}
}

func validateSession(cfg *Config, ve *ValidationError) {
	switch cfg.Session.ReconnectPolicy {
	case "propagate", "always-ok":
	default:
		ve.Add("session.reconnect_policy %q must be one of: propagate, always-ok", cfg.Session.ReconnectPolicy)
	}
	if cfg.Session.CommandRate < 0 {
		ve.Add("session.command_rate must be >= 0")
	}
	if cfg.Session.CommandRate > 0 && cfg.Session.CommandBurst <= 0 {
		ve.Add("session.command_burst must be > 0 when command_rate is set")
	}
	if cfg.Session.Breaker.Timeout < 0 || cfg.Session.Breaker.Interval < 0 {
		ve.Add("session.breaker durations must be >= 0")
	}
}

func validatePermissions(cfg *Config, ve *ValidationError) {
	if cfg.Permissions.OS == "" {
		ve.Add("permissions.os must not be empty")
	}
	if cfg.Permissions.APILevel < 0 {
		ve.Add("permissions.api_level must be >= 0")
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q must be one of: stdout, noop", cfg.Tracer.Exporter)
	}
}
