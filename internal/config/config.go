package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/shiftd/internal/colortemp"
)

// ErrOutOfRange marks a configuration value that had to be clamped.
var ErrOutOfRange = errors.New("config value out of range")

// Config represents the application configuration
type Config struct {
	Location        LocationConfig `yaml:"location"`
	Period          PeriodConfig   `yaml:"period"`
	Color           ColorConfig    `yaml:"color"`
	Control         ControlConfig  `yaml:"control"`
	Backend         BackendConfig  `yaml:"backend"`
	Database        DatabaseConfig `yaml:"database"`
	Ledger          LedgerConfig   `yaml:"ledger"`
	Log             LogConfig      `yaml:"log"`
	Clock           ClockConfig    `yaml:"clock"`
	Status          StatusConfig   `yaml:"status"`
	DBus            DBusConfig     `yaml:"dbus"`
	MQTT            MQTTConfig     `yaml:"mqtt"`
	ShutdownTimeout Duration       `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// LocationConfig contains the observer position used for solar elevation
type LocationConfig struct {
	Name        string   `yaml:"name"`
	Timezone    string   `yaml:"timezone"`
	Lat         *float64 `yaml:"lat,omitempty"`
	Lon         *float64 `yaml:"lon,omitempty"`
	HTTPTimeout Duration `yaml:"http_timeout"` // Timeout for geocoding HTTP requests
	CacheTTL    Duration `yaml:"cache_ttl"`    // How long geocoded names are reused, 0 = forever
}

// HasCoordinates reports whether lat/lon were configured explicitly.
func (c *LocationConfig) HasCoordinates() bool {
	return c.Lat != nil && c.Lon != nil
}

// PeriodConfig contains the day/night temperatures and the transition parameters
type PeriodConfig struct {
	DayTemperature   int      `yaml:"day_temperature"`
	NightTemperature int      `yaml:"night_temperature"`
	TransitionSpeed  *float64 `yaml:"transition_speed"` // Kelvin per second, 0 = instantaneous
	TransitionLow    float64  `yaml:"transition_low"`   // Elevation (degrees) at or below which night applies
	TransitionHigh   float64  `yaml:"transition_high"`  // Elevation (degrees) at or above which day applies
	DayBrightness    float64  `yaml:"day_brightness"`
	NightBrightness  float64  `yaml:"night_brightness"`
}

// ColorConfig contains static color correction applied on top of the temperature
type ColorConfig struct {
	Gamma [3]float64 `yaml:"gamma"`
}

// ControlConfig contains control loop settings
type ControlConfig struct {
	Mode              string   `yaml:"mode"`               // automatic | manual
	ManualTemperature int      `yaml:"manual_temperature"` // Initial manual value
	PollInterval      Duration `yaml:"poll_interval"`
	ApplyTimeout      Duration `yaml:"apply_timeout"`
	ApplyRateLimit    float64  `yaml:"apply_rate_limit"` // Backend calls per second
	CurveScript       string   `yaml:"curve_script"`     // Optional Lua curve
	PersistState      bool     `yaml:"persist_state"`    // Keep operator mode and manual value across restarts
}

// BackendConfig selects and configures the gamma backend
type BackendConfig struct {
	Name     string    `yaml:"name"`
	Display  string    `yaml:"display"`  // Backend specific display selector
	Fallback string    `yaml:"fallback"` // Backend to open when Name is unavailable
	Degrade  bool      `yaml:"degrade"`  // Start without a backend instead of failing
	Hue      HueConfig `yaml:"hue"`
}

// HueConfig contains Hue bridge connection settings for the hue backend
type HueConfig struct {
	Bridge string `yaml:"bridge"`
	Token  string `yaml:"token"`
	Groups []int  `yaml:"groups"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig contains apply history settings
type LedgerConfig struct {
	Enabled           *bool    `yaml:"enabled"`
	RetentionPeriod   Duration `yaml:"retention_period"`
	RetentionInterval Duration `yaml:"retention_interval"`
}

// IsEnabled returns whether the ledger is enabled (default true)
func (c *LedgerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// ClockConfig contains NTP clock validation settings
type ClockConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Server        string   `yaml:"server"`
	MaxSkew       Duration `yaml:"max_skew"`
	CheckInterval Duration `yaml:"check_interval"`
}

// StatusConfig contains HTTP status/command server settings
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr returns host:port of the status server.
func (c *StatusConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DBusConfig contains session bus export settings
type DBusConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MQTTConfig contains MQTT bridge settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates coordinates.
// Range issues that can be clamped are not errors here; see Normalize.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.validateLocation(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./shiftd.sqlite"
	}

	// Location defaults
	if cfg.Location.Timezone == "" {
		cfg.Location.Timezone = "Local"
	}
	if cfg.Location.HTTPTimeout == 0 {
		cfg.Location.HTTPTimeout = Duration(10 * time.Second)
	}

	// Period defaults
	if cfg.Period.DayTemperature == 0 {
		cfg.Period.DayTemperature = colortemp.DefaultDay
	}
	if cfg.Period.NightTemperature == 0 {
		cfg.Period.NightTemperature = colortemp.DefaultNight
	}
	if cfg.Period.TransitionLow == 0 && cfg.Period.TransitionHigh == 0 {
		cfg.Period.TransitionLow = colortemp.DefaultTransitionLow
		cfg.Period.TransitionHigh = colortemp.DefaultTransitionHigh
	}
	if cfg.Period.DayBrightness == 0 {
		cfg.Period.DayBrightness = 1.0
	}
	if cfg.Period.NightBrightness == 0 {
		cfg.Period.NightBrightness = 1.0
	}
	// 0 is meaningful (instantaneous), so only an absent value gets the default
	if cfg.Period.TransitionSpeed == nil {
		speed := colortemp.DefaultSpeed
		cfg.Period.TransitionSpeed = &speed
	}

	// Color defaults
	for i := range cfg.Color.Gamma {
		if cfg.Color.Gamma[i] == 0 {
			cfg.Color.Gamma[i] = 1.0
		}
	}

	// Control defaults
	if cfg.Control.Mode == "" {
		cfg.Control.Mode = "automatic"
	}
	if cfg.Control.ManualTemperature == 0 {
		cfg.Control.ManualTemperature = cfg.Period.DayTemperature
	}
	if cfg.Control.PollInterval == 0 {
		cfg.Control.PollInterval = Duration(5 * time.Second)
	}
	if cfg.Control.ApplyTimeout == 0 {
		cfg.Control.ApplyTimeout = Duration(2 * time.Second)
	}
	if cfg.Control.ApplyRateLimit == 0 {
		cfg.Control.ApplyRateLimit = 10.0
	}

	// Backend defaults
	if cfg.Backend.Name == "" {
		cfg.Backend.Name = "randr"
	}

	// Ledger defaults
	if cfg.Ledger.RetentionPeriod == 0 {
		cfg.Ledger.RetentionPeriod = Duration(30 * 24 * time.Hour)
	}
	if cfg.Ledger.RetentionInterval == 0 {
		cfg.Ledger.RetentionInterval = Duration(24 * time.Hour)
	}

	// Clock defaults
	if cfg.Clock.Server == "" {
		cfg.Clock.Server = "0.pool.ntp.org"
	}
	if cfg.Clock.MaxSkew == 0 {
		cfg.Clock.MaxSkew = Duration(time.Minute)
	}
	if cfg.Clock.CheckInterval == 0 {
		cfg.Clock.CheckInterval = Duration(6 * time.Hour)
	}

	// Status server defaults
	if cfg.Status.Port == 0 {
		cfg.Status.Port = 9095
	}
	if cfg.Status.Host == "" {
		cfg.Status.Host = "127.0.0.1"
	}

	// MQTT defaults
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://localhost:1883"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "shiftd"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

func (cfg *Config) validateLocation() error {
	loc := cfg.Location
	if loc.Lat == nil && loc.Lon == nil {
		if loc.Name == "" {
			return errors.New("location: either lat/lon or name must be configured")
		}
		return nil
	}
	if loc.Lat == nil || loc.Lon == nil {
		return errors.New("location: lat and lon must be configured together")
	}
	if *loc.Lat < -90 || *loc.Lat > 90 {
		return fmt.Errorf("location: latitude %.4f outside [-90, 90]", *loc.Lat)
	}
	if *loc.Lon < -180 || *loc.Lon > 180 {
		return fmt.Errorf("location: longitude %.4f outside [-180, 180]", *loc.Lon)
	}
	return nil
}

// Issue describes one clamped configuration value.
type Issue struct {
	Field string
	Value any
	Used  any
}

// Error implements error so issues can be reported through the usual paths.
func (i Issue) Error() string {
	return fmt.Sprintf("%s: %v clamped to %v", i.Field, i.Value, i.Used)
}

// Unwrap lets errors.Is(issue, ErrOutOfRange) succeed.
func (i Issue) Unwrap() error {
	return ErrOutOfRange
}

// Normalize clamps temperatures, brightness, gamma and speeds into their
// accepted ranges and snaps temperatures to the 100 K grid. Every adjusted
// value is returned as an Issue.
func (cfg *Config) Normalize() []Issue {
	var issues []Issue

	period, periodIssues := cfg.period()
	for _, pi := range periodIssues {
		issues = append(issues, Issue{Field: "period." + pi.Field, Value: pi.Value, Used: pi.Used})
	}
	cfg.Period.DayTemperature = period.Day
	cfg.Period.NightTemperature = period.Night
	cfg.Period.TransitionSpeed = &period.Speed
	cfg.Period.TransitionLow = period.Low
	cfg.Period.TransitionHigh = period.High
	cfg.Period.DayBrightness = period.DayBrightness
	cfg.Period.NightBrightness = period.NightBrightness

	setting, settingIssues := colortemp.Setting{
		Temperature: cfg.Control.ManualTemperature,
		Brightness:  1.0,
		Gamma:       cfg.Color.Gamma,
	}.Normalize()
	for _, si := range settingIssues {
		field := "color." + si.Field
		if si.Field == "temperature" {
			field = "control.manual_temperature"
		}
		issues = append(issues, Issue{Field: field, Value: si.Value, Used: si.Used})
	}
	cfg.Control.ManualTemperature = setting.Temperature
	cfg.Color.Gamma = setting.Gamma

	if cfg.Control.ApplyRateLimit < 0 {
		issues = append(issues, Issue{Field: "control.apply_rate_limit", Value: cfg.Control.ApplyRateLimit, Used: 10.0})
		cfg.Control.ApplyRateLimit = 10.0
	}

	return issues
}

// PeriodSettings returns the period as used by the interpolator.
// Call Normalize first to obtain clamped values.
func (cfg *Config) PeriodSettings() colortemp.Period {
	p, _ := cfg.period()
	return p
}

func (cfg *Config) period() (colortemp.Period, []colortemp.Issue) {
	speed := colortemp.DefaultSpeed
	if cfg.Period.TransitionSpeed != nil {
		speed = *cfg.Period.TransitionSpeed
	}
	return colortemp.Period{
		Day:             cfg.Period.DayTemperature,
		Night:           cfg.Period.NightTemperature,
		Speed:           speed,
		Low:             cfg.Period.TransitionLow,
		High:            cfg.Period.TransitionHigh,
		DayBrightness:   cfg.Period.DayBrightness,
		NightBrightness: cfg.Period.NightBrightness,
	}.Normalize()
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ExpandEnvString expands a single string with environment variables
func ExpandEnvString(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return expandEnvVars(s)
	}
	return s
}
