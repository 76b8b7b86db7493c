package am

// Config represents the tasknet configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Pulse     PulseConfig     `mapstructure:"pulse" toml:"pulse"`
	Discovery DiscoveryConfig `mapstructure:"discovery" toml:"discovery"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port           int      `mapstructure:"port" toml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
	SuperuserToken string   `mapstructure:"superuser_token" toml:"superuser_token,omitempty"` // bearer token granting superuser
}

// Server port constants
const (
	DefaultServerPort = 8700
)

// PulseConfig configures the Pulse async job system
type PulseConfig struct {
	Workers               int                    `mapstructure:"workers" toml:"workers"`                                 // Concurrent job workers (0 = none)
	TickerIntervalSeconds int                    `mapstructure:"ticker_interval_seconds" toml:"ticker_interval_seconds"` // How often due schedules are fired (0 = never)
	PollIntervalMS        int                    `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`               // Idle worker poll interval
	RetentionHours        float64                `mapstructure:"retention_hours" toml:"retention_hours"`                 // Finished jobs older than this are cleaned up
	Queues                map[string]QueueConfig `mapstructure:"queues" toml:"queues,omitempty"`                         // Per-priority settings, keyed REGULAR / HIGH
}

// QueueConfig rate limits one priority queue. Zero RequestsPerSecond means unlimited.
type QueueConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" toml:"burst"`
}

// DiscoveryConfig configures network location probing
type DiscoveryConfig struct {
	ProbeTimeoutSeconds    float64 `mapstructure:"probe_timeout_seconds" toml:"probe_timeout_seconds"`
	RefreshIntervalSeconds int     `mapstructure:"refresh_interval_seconds" toml:"refresh_interval_seconds"` // 0 = no periodic refresh
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
