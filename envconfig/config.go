// Package envconfig reads process-level configuration from QUANTKIT_*
// environment variables. Per-invocation settings live in quantize.Config;
// only defaults and operational knobs are sourced here.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// LogLevel returns the log level.
// Configurable via QUANTKIT_DEBUG: 0/false = INFO (default), 1/true = DEBUG, 2 = TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("QUANTKIT_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Workers returns the default worker pool size.
// Configurable via QUANTKIT_WORKERS. 0 means autodetect from the host CPU.
func Workers() uint {
	return Uint("QUANTKIT_WORKERS", 0)()
}

// Timeout returns the default per-job timeout.
// Configurable via QUANTKIT_TIMEOUT as a duration ("90s") or in seconds.
// Default: 5 minutes.
func Timeout() (timeout time.Duration) {
	timeout = 5 * time.Minute
	if s := Var("QUANTKIT_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			timeout = d
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			timeout = time.Duration(n) * time.Second
		}
	}

	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return timeout
}

// CalibrationSamples returns the default synthetic calibration set size.
// Configurable via QUANTKIT_CALIBRATION_SAMPLES. Default: 128.
func CalibrationSamples() uint {
	return Uint("QUANTKIT_CALIBRATION_SAMPLES", 128)()
}

// Var returns an environment variable, trimmed of spaces and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// Uint returns a getter for a uint environment variable with a default.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// EnvVar describes one environment variable for usage output.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every supported environment variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"QUANTKIT_DEBUG":               {"QUANTKIT_DEBUG", LogLevel(), "Show additional debug information (e.g. QUANTKIT_DEBUG=1)"},
		"QUANTKIT_WORKERS":             {"QUANTKIT_WORKERS", Workers(), "Worker pool size (default 0 = autodetect)"},
		"QUANTKIT_TIMEOUT":             {"QUANTKIT_TIMEOUT", Timeout(), "Per-shard job timeout (default \"5m\")"},
		"QUANTKIT_CALIBRATION_SAMPLES": {"QUANTKIT_CALIBRATION_SAMPLES", CalibrationSamples(), "Synthetic calibration set size (default 128)"},
	}
}

// Values returns every configuration value as a string map.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
