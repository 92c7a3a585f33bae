package uci

import (
	"errors"
	"fmt"
	"strings"

	"github.com/markus-lassfolk/locationd/pkg/gps"
)

// ValidationError describes one rejected or ignored option
type ValidationError struct {
	Section string `json:"section"`
	Option  string `json:"option"`
	Value   string `json:"value"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Warning bool   `json:"warning,omitempty"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("line %d: %s.%s=%q: %s", e.Line, e.Section, e.Option, e.Value, e.Message)
}

// Warnings returns options that were ignored rather than rejected
func (c *Config) Warnings() []ValidationError {
	var out []ValidationError
	for _, p := range c.problems {
		if p.Warning {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks option values and that every configured tier has a
// backend able to serve it. Failures wrap gps.ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	for _, p := range c.problems {
		if !p.Warning {
			errs = append(errs, p)
		}
	}

	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level %q must be one of trace, debug, info, warn, error", c.LogLevel))
	}

	switch c.NativeBackend {
	case NativeNMEA:
		if c.NMEA.Port == "" {
			errs = append(errs, errors.New("nmea backend needs a port"))
		}
	case NativeMQTT:
		if !c.MQTT.Enabled {
			errs = append(errs, errors.New("mqtt native backend needs the mqtt section enabled"))
		}
	case NativeNone:
	default:
		errs = append(errs, fmt.Errorf("native_backend %q must be nmea, mqtt or none", c.NativeBackend))
	}

	for _, f := range c.FusedBackends {
		switch f {
		case FusedStarlink:
		case FusedGoogle:
			if c.Google.APIKey == "" {
				errs = append(errs, errors.New("google fused backend needs api_key"))
			}
		case FusedOpenCellID:
			if c.OpenCellID.APIKey == "" {
				errs = append(errs, errors.New("opencellid fused backend needs api_key"))
			}
			if c.OpenCellID.MaxLookupsPerHour < 0 {
				errs = append(errs, fmt.Errorf("opencellid max_lookups_per_hour %d must not be negative", c.OpenCellID.MaxLookupsPerHour))
			}
		default:
			errs = append(errs, fmt.Errorf("fused_backend %q must be google, starlink or opencellid", f))
		}
	}

	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, fmt.Errorf("mqtt qos %d must be 0, 1 or 2", c.MQTT.QoS))
	}
	if c.SSH != nil && c.SSH.Host == "" {
		errs = append(errs, errors.New("gpsctl ssh options need ssh_host"))
	}
	if c.API.Enabled && c.API.Listen == "" {
		errs = append(errs, errors.New("api needs a listen address"))
	}
	if c.FusedPoll <= 0 || c.StandardPoll <= 0 {
		errs = append(errs, errors.New("poll intervals must be positive"))
	}

	if err := c.Coordinator.Validate(); err != nil {
		errs = append(errs, err)
	}
	for i, t := range c.Coordinator.Tiers {
		if !c.serves(t.Provider) {
			errs = append(errs, fmt.Errorf("tier %d (%s) has no backend configured", i, t.Provider))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return fmt.Errorf("%w: %s", gps.ErrInvalidConfig, strings.Join(msgs, "; "))
}

func (c *Config) serves(p gps.Provider) bool {
	switch p {
	case gps.ProviderNativeGNSS:
		return c.NativeBackend != NativeNone
	case gps.ProviderFusedNetwork:
		return len(c.FusedBackends) > 0
	case gps.ProviderStandardFallback:
		return c.StandardEnabled
	}
	return false
}

func isValidLogLevel(level string) bool {
	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return true
		}
	}
	return false
}
