package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

var defaultAllowedOrigins = []string{
	"http://localhost",
	"https://localhost",
	"http://127.0.0.1",
	"https://127.0.0.1",
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "tasknet.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", defaultAllowedOrigins)

	// Pulse defaults
	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.ticker_interval_seconds", 1)
	v.SetDefault("pulse.poll_interval_ms", 1000)
	v.SetDefault("pulse.retention_hours", 168) // one week

	// Discovery defaults
	v.SetDefault("discovery.probe_timeout_seconds", 5)
	v.SetDefault("discovery.refresh_interval_seconds", 300)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("server.superuser_token", "TASKNET_SUPERUSER_TOKEN")
	v.BindEnv("database.path", "TASKNET_DATABASE_PATH")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "tasknet.db"
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed CORS origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return defaultAllowedOrigins
	}
	return c.Server.AllowedOrigins
}

// GetServerPort returns server.port, or DefaultServerPort when unset
func (c *Config) GetServerPort() int {
	if c.Server.Port == 0 {
		return DefaultServerPort
	}
	return c.Server.Port
}

// PollInterval returns the worker poll interval (default 1s)
func (p PulseConfig) PollInterval() time.Duration {
	if p.PollIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

// TickerInterval returns the schedule ticker interval. Zero disables the ticker.
func (p PulseConfig) TickerInterval() time.Duration {
	return time.Duration(p.TickerIntervalSeconds) * time.Second
}

// Retention returns how long finished jobs are kept
func (p PulseConfig) Retention() time.Duration {
	return time.Duration(p.RetentionHours * float64(time.Hour))
}

// ProbeTimeout returns the per-request probe timeout (default 5s)
func (d DiscoveryConfig) ProbeTimeout() time.Duration {
	if d.ProbeTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(d.ProbeTimeoutSeconds * float64(time.Second))
}

// RefreshInterval returns how often stored locations are re-probed. Zero disables it.
func (d DiscoveryConfig) RefreshInterval() time.Duration {
	return time.Duration(d.RefreshIntervalSeconds) * time.Second
}

// Redacted returns a copy with secrets masked, for display
func (c Config) Redacted() Config {
	if c.Server.SuperuserToken != "" {
		c.Server.SuperuserToken = "********"
	}
	return c
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Server: {Port: %d}, Pulse: {Workers: %d}}",
		c.Database.Path, c.Server.Port, c.Pulse.Workers)
}
