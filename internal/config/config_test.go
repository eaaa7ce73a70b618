package config

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetSingleton gives each test a clean load state.
func resetSingleton() {
	instance = nil
	once = sync.Once{}
}

// TestGetUninitialized verifies that calling Get() before Load() causes a panic.
func TestGetUninitialized(t *testing.T) {
	resetSingleton()

	assert.Panics(t, func() {
		Get()
	}, "Get() should panic if configuration is not initialized")
}

// TestDefaults verifies every supervisor tunable carries its documented
// default when nothing is configured.
func TestDefaults(t *testing.T) {
	resetSingleton()

	v := viper.New()
	SetDefaults(v)
	require.NoError(t, Load(v))

	cfg := Get()
	assert.Equal(t, 5, cfg.Supervisor.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.Supervisor.BreakerCooldown)
	assert.Equal(t, 120*time.Second, cfg.Supervisor.ConnectDeadline)
	assert.Equal(t, 5*time.Second, cfg.Supervisor.HealthDeadline)
	assert.Equal(t, 9222, cfg.Supervisor.PortRangeStart)
	assert.Equal(t, 9322, cfg.Supervisor.PortRangeEnd)
	assert.Equal(t, time.Second, cfg.Supervisor.PollInterval)
	assert.True(t, cfg.Browser.Headless)
	assert.NotEmpty(t, cfg.Supervisor.PopupBlocklist)

	require.NoError(t, cfg.Validate())
}

// TestLoadAndGet verifies the basic singleton load and get functionality.
func TestLoadAndGet(t *testing.T) {
	resetSingleton()

	yamlConfig := []byte(`
browser:
  headless: false
  executable_path: /opt/chromium/chrome
supervisor:
  breaker_threshold: 3
  breaker_cooldown: 45s
  port_range_start: 9300
  port_range_end: 9310
`)

	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

	require.NoError(t, Load(v))

	cfg := Get()
	require.NotNil(t, cfg)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, "/opt/chromium/chrome", cfg.Browser.ExecutablePath)
	assert.Equal(t, 3, cfg.Supervisor.BreakerThreshold)
	assert.Equal(t, 45*time.Second, cfg.Supervisor.BreakerCooldown)
	assert.Equal(t, 9300, cfg.Supervisor.PortRangeStart)
	// Unset keys keep their defaults.
	assert.Equal(t, 120*time.Second, cfg.Supervisor.ConnectDeadline)

	// Verify that subsequent calls to Load do not change the instance.
	v2 := viper.New()
	SetDefaults(v2)
	v2.Set("supervisor.breaker_threshold", 99)
	require.NoError(t, Load(v2))

	cfg2 := Get()
	assert.Same(t, cfg, cfg2, "Get() should return the same instance")
	assert.Equal(t, 3, cfg2.Supervisor.BreakerThreshold, "Configuration should not be reloaded")
}

// TestConfigValidation verifies the Validate() method.
func TestConfigValidation(t *testing.T) {
	valid := func() Config {
		return Config{
			Browser: BrowserConfig{ViewportWidth: 1280, ViewportHeight: 720},
			Supervisor: SupervisorConfig{
				BreakerThreshold: 5,
				BreakerCooldown:  30 * time.Second,
				ConnectDeadline:  120 * time.Second,
				HealthDeadline:   5 * time.Second,
				PollInterval:     time.Second,
				PortRangeStart:   9222,
				PortRangeEnd:     9322,
			},
		}
	}

	testCases := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid config",
			mutate:      func(*Config) {},
			expectError: false,
		},
		{
			name:        "zero breaker threshold",
			mutate:      func(c *Config) { c.Supervisor.BreakerThreshold = 0 },
			expectError: true,
			errorMsg:    "supervisor.breaker_threshold",
		},
		{
			name:        "negative cooldown",
			mutate:      func(c *Config) { c.Supervisor.BreakerCooldown = -time.Second },
			expectError: true,
			errorMsg:    "supervisor.breaker_cooldown",
		},
		{
			name:        "inverted port range",
			mutate:      func(c *Config) { c.Supervisor.PortRangeStart = 9322; c.Supervisor.PortRangeEnd = 9222 },
			expectError: true,
			errorMsg:    "supervisor.port_range_end",
		},
		{
			name:        "zero poll interval",
			mutate:      func(c *Config) { c.Supervisor.PollInterval = 0 },
			expectError: true,
			errorMsg:    "supervisor.poll_interval",
		},
		{
			name:        "zero viewport",
			mutate:      func(c *Config) { c.Browser.ViewportWidth = 0 },
			expectError: true,
			errorMsg:    "browser.viewport",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.expectError {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tc.errorMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestConfigStructureMapping verifies that the YAML tags correctly map to the struct fields.
func TestConfigStructureMapping(t *testing.T) {
	yamlInput := `
logger:
  level: debug
  format: console
  log_file: /var/log/chromewarden.log
browser:
  user_data_dir: /tmp/profile
  user_agent: "Mozilla/5.0 test"
  flags:
    disable-extensions: ""
    proxy-server: "127.0.0.1:8080"
supervisor:
  launch_ready_timeout: 20s
  popup_blocklist:
    - doubleclick
    - popunder
  event_buffer: 16
`
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(yamlInput)))

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "/var/log/chromewarden.log", cfg.Logger.LogFile)
	assert.Equal(t, "/tmp/profile", cfg.Browser.UserDataDir)
	assert.Equal(t, "Mozilla/5.0 test", cfg.Browser.UserAgent)
	require.NotNil(t, cfg.Browser.Flags)
	assert.Equal(t, "127.0.0.1:8080", cfg.Browser.Flags["proxy-server"])
	assert.Contains(t, cfg.Browser.Flags, "disable-extensions")
	assert.Equal(t, 20*time.Second, cfg.Supervisor.LaunchReadyTimeout)
	assert.Equal(t, []string{"doubleclick", "popunder"}, cfg.Supervisor.PopupBlocklist)
	assert.Equal(t, 16, cfg.Supervisor.EventBuffer)
}

// TestSet ensures that the Set function correctly sets the global instance.
func TestSet(t *testing.T) {
	resetSingleton()

	expectedCfg := &Config{
		Browser: BrowserConfig{ExecutablePath: "/set-from-test"},
	}

	Set(expectedCfg)

	actualCfg := Get()
	assert.Same(t, expectedCfg, actualCfg, "Get should return the exact instance that was Set")
	assert.Equal(t, "/set-from-test", actualCfg.Browser.ExecutablePath)
}
