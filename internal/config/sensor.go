package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/ultrasonic/internal/units"
)

// DefaultConfigPath is the path to the canonical sensor defaults file.
const DefaultConfigPath = "config/sensor.defaults.json"

// Feedback filter names
const (
	FilterLatest = "latest"
	FilterMedian = "median"
)

// SensorConfig represents the construction-time parameters of a ranging
// session and of the periodic driver that polls it. Every field is optional;
// the Get* methods supply defaults for anything left unset.
type SensorConfig struct {
	// Conversion and validity
	SpeedOfSoundInchesPerSec *float64 `json:"speed_of_sound_inches_per_sec,omitempty"`
	PingTime                 *string  `json:"ping_time,omitempty"`      // duration string like "10us"
	MinEchoTime              *string  `json:"min_echo_time,omitempty"`  // noise floor, exclusive
	MaxEchoTime              *string  `json:"max_echo_time,omitempty"`  // plausibility ceiling, exclusive
	MaxSampleAge             *string  `json:"max_sample_age,omitempty"` // "" or "0s" disables the staleness check

	// Buffering and reporting
	BufferCapacity *int    `json:"buffer_capacity,omitempty"`
	Units          *string `json:"units,omitempty"`
	FeedbackFilter *string `json:"feedback_filter,omitempty"`

	// Periodic driver
	PollInterval *string `json:"poll_interval,omitempty"`
	CaptureDelay *string `json:"capture_delay,omitempty"`

	// Serial pulse counter
	Serial *SerialConfig `json:"serial,omitempty"`
}

// SerialConfig holds the line settings for a serial-attached sensor.
type SerialConfig struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptySensorConfig returns a SensorConfig with all fields set to nil.
func EmptySensorConfig() *SensorConfig {
	return &SensorConfig{}
}

// DefaultSensorConfig returns a SensorConfig with every field populated
// with its default value.
func DefaultSensorConfig() *SensorConfig {
	return &SensorConfig{
		SpeedOfSoundInchesPerSec: ptrFloat64(DefaultSpeedOfSoundInchesPerSec),
		PingTime:                 ptrString(DefaultPingTime.String()),
		MinEchoTime:              ptrString(DefaultMinEchoTime.String()),
		MaxEchoTime:              ptrString(DefaultMaxEchoTime.String()),
		MaxSampleAge:             ptrString(""),
		BufferCapacity:           ptrInt(DefaultBufferCapacity),
		Units:                    ptrString(units.IN),
		FeedbackFilter:           ptrString(FilterLatest),
		PollInterval:             ptrString(DefaultPollInterval.String()),
		CaptureDelay:             ptrString(DefaultCaptureDelay.String()),
		Serial: &SerialConfig{
			BaudRate: 9600,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
		},
	}
}

// Defaults. The speed of sound is 1130 ft/s expressed in inches.
const (
	DefaultSpeedOfSoundInchesPerSec = 1130.0 * 12.0
	DefaultPingTime                 = 10 * time.Microsecond
	DefaultMinEchoTime              = time.Duration(0)
	DefaultMaxEchoTime              = 100 * time.Millisecond
	DefaultBufferCapacity           = 9
	DefaultPollInterval             = 100 * time.Millisecond
	DefaultCaptureDelay             = 50 * time.Millisecond
)

// LoadSensorConfig loads a SensorConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file fall back to defaults through the Get*
// methods, so partial configs are safe.
func LoadSensorConfig(path string) (*SensorConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySensorConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical sensor defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *SensorConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,       // from cmd/ranger/
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/hal/periphio/
	}
	for _, path := range candidates {
		if cfg, err := LoadSensorConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func validateDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, *v)
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *SensorConfig) Validate() error {
	if c.SpeedOfSoundInchesPerSec != nil && *c.SpeedOfSoundInchesPerSec <= 0 {
		return fmt.Errorf("speed_of_sound_inches_per_sec must be positive, got %f", *c.SpeedOfSoundInchesPerSec)
	}

	for _, f := range []struct {
		name string
		v    *string
	}{
		{"ping_time", c.PingTime},
		{"min_echo_time", c.MinEchoTime},
		{"max_echo_time", c.MaxEchoTime},
		{"max_sample_age", c.MaxSampleAge},
		{"poll_interval", c.PollInterval},
		{"capture_delay", c.CaptureDelay},
	} {
		if err := validateDuration(f.name, f.v); err != nil {
			return err
		}
	}

	if c.GetMinEchoTime() >= c.GetMaxEchoTime() {
		return fmt.Errorf("min_echo_time (%s) must be below max_echo_time (%s)", c.GetMinEchoTime(), c.GetMaxEchoTime())
	}
	if c.GetPingTime() <= 0 {
		return fmt.Errorf("ping_time must be positive")
	}

	if c.BufferCapacity != nil && *c.BufferCapacity < 1 {
		return fmt.Errorf("buffer_capacity must be at least 1, got %d", *c.BufferCapacity)
	}

	if c.Units != nil && !units.IsValid(*c.Units) {
		return fmt.Errorf("invalid units %q: must be one of %s", *c.Units, units.GetValidUnitsString())
	}

	if c.FeedbackFilter != nil {
		switch strings.ToLower(*c.FeedbackFilter) {
		case FilterLatest, FilterMedian:
		default:
			return fmt.Errorf("invalid feedback_filter %q: must be %s or %s", *c.FeedbackFilter, FilterLatest, FilterMedian)
		}
	}

	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetSpeedOfSoundInchesPerSec returns the speed of sound or the default.
func (c *SensorConfig) GetSpeedOfSoundInchesPerSec() float64 {
	if c.SpeedOfSoundInchesPerSec == nil {
		return DefaultSpeedOfSoundInchesPerSec
	}
	return *c.SpeedOfSoundInchesPerSec
}

// GetPingTime returns the width of the trigger pulse.
func (c *SensorConfig) GetPingTime() time.Duration {
	return durationOr(c.PingTime, DefaultPingTime)
}

// GetMinEchoTime returns the noise floor below which echoes are dropouts.
func (c *SensorConfig) GetMinEchoTime() time.Duration {
	return durationOr(c.MinEchoTime, DefaultMinEchoTime)
}

// GetMaxEchoTime returns the longest plausible round-trip time.
func (c *SensorConfig) GetMaxEchoTime() time.Duration {
	return durationOr(c.MaxEchoTime, DefaultMaxEchoTime)
}

// GetMaxSampleAge returns the staleness limit; zero disables the check.
func (c *SensorConfig) GetMaxSampleAge() time.Duration {
	return durationOr(c.MaxSampleAge, 0)
}

// GetBufferCapacity returns the rolling buffer depth or the default.
func (c *SensorConfig) GetBufferCapacity() int {
	if c.BufferCapacity == nil {
		return DefaultBufferCapacity
	}
	return *c.BufferCapacity
}

// GetUnits returns the configured default distance unit, inches if unset.
func (c *SensorConfig) GetUnits() units.Distance {
	if c.Units == nil {
		return units.Inches
	}
	u, err := units.Parse(*c.Units)
	if err != nil {
		return units.Inches
	}
	return u
}

// GetFeedbackFilter returns "latest" or "median".
func (c *SensorConfig) GetFeedbackFilter() string {
	if c.FeedbackFilter == nil {
		return FilterLatest
	}
	return strings.ToLower(*c.FeedbackFilter)
}

// GetPollInterval returns the driver's ping period.
func (c *SensorConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, DefaultPollInterval)
}

// GetCaptureDelay returns how long the driver waits between ping and capture.
func (c *SensorConfig) GetCaptureDelay() time.Duration {
	return durationOr(c.CaptureDelay, DefaultCaptureDelay)
}

// GetSerial returns the serial line settings, defaulting to 9600 8N1.
func (c *SensorConfig) GetSerial() SerialConfig {
	if c.Serial == nil {
		return SerialConfig{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "N"}
	}
	return *c.Serial
}
