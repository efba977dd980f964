package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device      DeviceConfig      `yaml:"device"`
	Store       StoreConfig       `yaml:"store"`
	Advertising AdvertisingConfig `yaml:"advertising"`
	Connection  ConnectionConfig  `yaml:"connection"`
	Measurement MeasurementConfig `yaml:"measurement"`
	Sensor      SensorConfig      `yaml:"sensor"`
	Button      ButtonConfig      `yaml:"button"`
	Indicator   IndicatorConfig   `yaml:"indicator"`
	Appliance   ApplianceConfig   `yaml:"appliance"`
	LogLevel    string            `yaml:"log_level"`
}

// DeviceConfig holds the advertised identity and vendor UUIDs.
type DeviceConfig struct {
	Name             string `yaml:"name"`
	ServiceUUID      string `yaml:"service_uuid"`
	ControlPointUUID string `yaml:"control_point_uuid"`
	ConfigUUID       string `yaml:"config_uuid"`
}

// StoreConfig locates the persistent store. An empty path keeps state in
// memory only.
type StoreConfig struct {
	Path  string `yaml:"path"`
	Words int    `yaml:"words"`
}

// AdvertisingConfig holds advertising windows and intervals.
type AdvertisingConfig struct {
	FastTimeout   time.Duration `yaml:"fast_timeout"`
	SlowTimeout   time.Duration `yaml:"slow_timeout"`
	BondedTimeout time.Duration `yaml:"bonded_timeout"`
	FastInterval  time.Duration `yaml:"fast_interval"`
	SlowInterval  time.Duration `yaml:"slow_interval"`
}

// ConnectionConfig holds idle and parameter negotiation settings.
type ConnectionConfig struct {
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	ParamUpdateDelay     time.Duration `yaml:"param_update_delay"`
	MaxParamUpdates      int           `yaml:"max_param_updates"`
	MinIntervalMs        int           `yaml:"min_interval_ms"`
	MaxIntervalMs        int           `yaml:"max_interval_ms"`
	Latency              int           `yaml:"latency"`
	SupervisionTimeoutMs int           `yaml:"supervision_timeout_ms"`
}

// MeasurementConfig holds report cadence and energy accounting.
type MeasurementConfig struct {
	Period          time.Duration `yaml:"period"`
	EnergyPeriod    int           `yaml:"energy_period"`
	EnergyPerReport int           `yaml:"energy_per_report"`
}

// SensorConfig holds the simulated heart settings.
type SensorConfig struct {
	Enabled bool `yaml:"enabled"`
	BPM     int  `yaml:"bpm"`
	Jitter  int  `yaml:"jitter"`
}

// ButtonConfig holds the user button key combo.
type ButtonConfig struct {
	Keys      []string      `yaml:"keys"`
	LongPress time.Duration `yaml:"long_press"`
}

// IndicatorConfig holds beep settings.
type IndicatorConfig struct {
	Enabled     bool              `yaml:"enabled"`
	SampleRate  uint32            `yaml:"sample_rate"`
	FrequencyHz float64           `yaml:"frequency_hz"`
	Sounds      map[string]string `yaml:"sounds,omitempty"` // signal name -> wav path
}

// ApplianceConfig holds coffee machine timings.
type ApplianceConfig struct {
	ShortCycle   time.Duration `yaml:"short_cycle"`
	LongCycle    time.Duration `yaml:"long_cycle"`
	LevelSamples int           `yaml:"level_samples"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "brewbeat")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	storePath := filepath.Join(home, ".local", "share", "brewbeat", "nvm.bin")

	return &Config{
		Device: DeviceConfig{
			Name:             "Brewbeat",
			ServiceUUID:      "6e0f1000-7b61-4c2d-9f4e-6272657762ea",
			ControlPointUUID: "6e0f1001-7b61-4c2d-9f4e-6272657762ea",
			ConfigUUID:       "6e0f1002-7b61-4c2d-9f4e-6272657762ea",
		},
		Store: StoreConfig{
			Path:  storePath,
			Words: 64,
		},
		Advertising: AdvertisingConfig{
			FastTimeout:   30 * time.Second,
			SlowTimeout:   60 * time.Second,
			BondedTimeout: 10 * time.Second,
			FastInterval:  60 * time.Millisecond,
			SlowInterval:  time.Second,
		},
		Connection: ConnectionConfig{
			IdleTimeout:          10 * time.Second,
			ParamUpdateDelay:     30 * time.Second,
			MaxParamUpdates:      2,
			MinIntervalMs:        990,
			MaxIntervalMs:        1000,
			Latency:              0,
			SupervisionTimeoutMs: 6000,
		},
		Measurement: MeasurementConfig{
			Period:          time.Second,
			EnergyPeriod:    10,
			EnergyPerReport: 2,
		},
		Sensor: SensorConfig{
			Enabled: true,
			BPM:     78,
			Jitter:  16,
		},
		Button: ButtonConfig{
			Keys:      []string{"ctrl", "alt", "b"},
			LongPress: 3 * time.Second,
		},
		Indicator: IndicatorConfig{
			Enabled:     true,
			SampleRate:  44100,
			FrequencyHz: 2700,
		},
		Appliance: ApplianceConfig{
			ShortCycle:   8 * time.Second,
			LongCycle:    16 * time.Second,
			LevelSamples: 6,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Store.Path = expandTilde(cfg.Store.Path)
	for name, p := range cfg.Indicator.Sounds {
		cfg.Indicator.Sounds[name] = expandTilde(p)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Name == "" || len(c.Device.Name) > 20 {
		return fmt.Errorf("device.name must be 1-20 bytes, got %d", len(c.Device.Name))
	}
	for field, v := range map[string]string{
		"device.service_uuid":       c.Device.ServiceUUID,
		"device.control_point_uuid": c.Device.ControlPointUUID,
		"device.config_uuid":        c.Device.ConfigUUID,
	} {
		if _, err := uuid.Parse(v); err != nil {
			return fmt.Errorf("%s: invalid UUID %q: %w", field, v, err)
		}
	}

	if c.Store.Words < 64 {
		return fmt.Errorf("store.words must be >= 64, got %d", c.Store.Words)
	}

	for field, d := range map[string]time.Duration{
		"advertising.fast_timeout":      c.Advertising.FastTimeout,
		"advertising.slow_timeout":      c.Advertising.SlowTimeout,
		"advertising.bonded_timeout":    c.Advertising.BondedTimeout,
		"advertising.fast_interval":     c.Advertising.FastInterval,
		"advertising.slow_interval":     c.Advertising.SlowInterval,
		"connection.idle_timeout":       c.Connection.IdleTimeout,
		"connection.param_update_delay": c.Connection.ParamUpdateDelay,
		"measurement.period":            c.Measurement.Period,
		"button.long_press":             c.Button.LongPress,
		"appliance.short_cycle":         c.Appliance.ShortCycle,
		"appliance.long_cycle":          c.Appliance.LongCycle,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", field)
		}
	}

	cc := c.Connection
	if cc.MaxParamUpdates < 0 {
		return fmt.Errorf("connection.max_param_updates must be >= 0")
	}
	if cc.MinIntervalMs <= 0 || cc.MaxIntervalMs < cc.MinIntervalMs {
		return fmt.Errorf("connection interval range %d-%d ms is invalid", cc.MinIntervalMs, cc.MaxIntervalMs)
	}
	if cc.Latency < 0 || cc.SupervisionTimeoutMs <= 0 {
		return fmt.Errorf("connection.latency and connection.supervision_timeout_ms must be non-negative and positive")
	}

	if c.Measurement.EnergyPeriod <= 0 {
		return fmt.Errorf("measurement.energy_period must be > 0")
	}
	if c.Measurement.EnergyPerReport < 0 || c.Measurement.EnergyPerReport > 0xFFFF {
		return fmt.Errorf("measurement.energy_per_report must be 0-65535")
	}

	if c.Sensor.Enabled && (c.Sensor.BPM <= 0 || c.Sensor.Jitter < 0) {
		return fmt.Errorf("sensor.bpm must be > 0 and sensor.jitter >= 0")
	}

	if len(c.Button.Keys) == 0 {
		return fmt.Errorf("button.keys must not be empty")
	}

	if c.Indicator.Enabled {
		if c.Indicator.SampleRate == 0 {
			return fmt.Errorf("indicator.sample_rate must be > 0")
		}
		if c.Indicator.FrequencyHz <= 0 {
			return fmt.Errorf("indicator.frequency_hz must be > 0")
		}
		for name := range c.Indicator.Sounds {
			switch name {
			case "short", "long", "twice", "thrice":
			default:
				return fmt.Errorf("indicator.sounds: unknown signal %q", name)
			}
		}
	}

	if c.Appliance.LevelSamples <= 0 {
		return fmt.Errorf("appliance.level_samples must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const header = `# brewbeat configuration
# Durations use Go syntax (e.g. 30s, 60ms). Delete a key to use its default.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
