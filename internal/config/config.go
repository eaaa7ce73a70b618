// The application's root configuration: logging, browser launch inputs,
// and the supervisor tunables.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	instance *Config
	once     sync.Once
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
// This is the single source of truth for this struct.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// BrowserConfig holds the inputs to executable discovery and process
// launch. Everything here can also be overridden per call through
// schemas.SessionOptions.
type BrowserConfig struct {
	// ExecutablePath short-circuits discovery when it points at an
	// existing binary.
	ExecutablePath string `mapstructure:"executable_path"`
	Headless       bool   `mapstructure:"headless"`
	// UserDataDir pins the profile directory. Empty means a throwaway
	// directory per launch.
	UserDataDir string `mapstructure:"user_data_dir"`
	// Flags are merged over the built-in launch flags. A key present
	// here overrides the built-in value; an empty value produces a bare
	// --key switch.
	Flags map[string]string `mapstructure:"flags"`
	// ViewportWidth/ViewportHeight are applied to every page as the
	// baseline emulation metrics.
	ViewportWidth  int64 `mapstructure:"viewport_width"`
	ViewportHeight int64 `mapstructure:"viewport_height"`
	// UserAgent, when set, overrides the browser's identity on every
	// page.
	UserAgent string `mapstructure:"user_agent"`
}

// SupervisorConfig holds the resilience tunables. Defaults are seeded
// by SetDefaults so a zero config file is fully usable.
type SupervisorConfig struct {
	BreakerThreshold   int           `mapstructure:"breaker_threshold"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
	ConnectDeadline    time.Duration `mapstructure:"connect_deadline"`
	HealthDeadline     time.Duration `mapstructure:"health_deadline"`
	LaunchReadyTimeout time.Duration `mapstructure:"launch_ready_timeout"`
	PortRangeStart     int           `mapstructure:"port_range_start"`
	PortRangeEnd       int           `mapstructure:"port_range_end"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	// PopupBlocklist keywords are matched against the destination URL
	// of unsolicited new pages; a hit closes the page.
	PopupBlocklist []string `mapstructure:"popup_blocklist"`
	EventBuffer    int      `mapstructure:"event_buffer"`
}

// SetDefaults seeds every tunable so the application runs with a
// minimal or absent config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "chromewarden")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.colors.debug", "magenta")
	v.SetDefault("logger.colors.info", "blue")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "red")

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 720)

	v.SetDefault("supervisor.breaker_threshold", 5)
	v.SetDefault("supervisor.breaker_cooldown", 30*time.Second)
	v.SetDefault("supervisor.connect_deadline", 120*time.Second)
	v.SetDefault("supervisor.health_deadline", 5*time.Second)
	v.SetDefault("supervisor.launch_ready_timeout", 30*time.Second)
	v.SetDefault("supervisor.port_range_start", 9222)
	v.SetDefault("supervisor.port_range_end", 9322)
	v.SetDefault("supervisor.poll_interval", time.Second)
	v.SetDefault("supervisor.popup_blocklist", []string{
		"doubleclick",
		"googleads",
		"adservice",
		"adsystem",
		"popunder",
		"pop-under",
		"taboola",
		"outbrain",
	})
	v.SetDefault("supervisor.event_buffer", 64)
}

// Validate rejects configurations the supervisor cannot run with.
func (c *Config) Validate() error {
	s := c.Supervisor
	if s.BreakerThreshold < 1 {
		return fmt.Errorf("supervisor.breaker_threshold must be at least 1, got %d", s.BreakerThreshold)
	}
	if s.BreakerCooldown <= 0 {
		return fmt.Errorf("supervisor.breaker_cooldown must be positive, got %s", s.BreakerCooldown)
	}
	if s.ConnectDeadline <= 0 {
		return fmt.Errorf("supervisor.connect_deadline must be positive, got %s", s.ConnectDeadline)
	}
	if s.HealthDeadline <= 0 {
		return fmt.Errorf("supervisor.health_deadline must be positive, got %s", s.HealthDeadline)
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("supervisor.poll_interval must be positive, got %s", s.PollInterval)
	}
	if s.PortRangeStart < 1 || s.PortRangeStart > 65535 {
		return fmt.Errorf("supervisor.port_range_start out of range: %d", s.PortRangeStart)
	}
	if s.PortRangeEnd < s.PortRangeStart || s.PortRangeEnd > 65535 {
		return fmt.Errorf("supervisor.port_range_end must be in [%d, 65535], got %d", s.PortRangeStart, s.PortRangeEnd)
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser.viewport dimensions must be positive, got %dx%d", c.Browser.ViewportWidth, c.Browser.ViewportHeight)
	}
	return nil
}

// Load initializes the configuration singleton from Viper.
func Load(v *viper.Viper) error {
	var loadErr error
	once.Do(func() {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}
		instance = &cfg
	})
	return loadErr
}

// Set stores an already-built configuration as the singleton. Intended
// for the root command and tests.
func Set(cfg *Config) {
	instance = cfg
}

// Get returns the loaded configuration instance.
func Get() *Config {
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}
