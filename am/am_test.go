package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Isolated viper instance, no user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}

	if cfg.Database.Path != "tasknet.db" {
		t.Errorf("expected default database path 'tasknet.db', got %q", cfg.Database.Path)
	}
	if cfg.Server.Port != DefaultServerPort {
		t.Errorf("expected default port %d, got %d", DefaultServerPort, cfg.Server.Port)
	}
	if cfg.Pulse.Workers != 2 {
		t.Errorf("expected default workers 2, got %d", cfg.Pulse.Workers)
	}
	if cfg.Pulse.Retention() != 7*24*time.Hour {
		t.Errorf("expected one week retention, got %s", cfg.Pulse.Retention())
	}
	if cfg.Discovery.ProbeTimeout() != 5*time.Second {
		t.Errorf("expected 5s probe timeout, got %s", cfg.Discovery.ProbeTimeout())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate_ZeroValues(t *testing.T) {
	valid := func() Config {
		return Config{Discovery: DiscoveryConfig{ProbeTimeoutSeconds: 5}}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"zero workers is valid (disabled)", func(c *Config) { c.Pulse.Workers = 0 }, false},
		{"negative workers is invalid", func(c *Config) { c.Pulse.Workers = -1 }, true},
		{"zero ticker interval is valid (disabled)", func(c *Config) { c.Pulse.TickerIntervalSeconds = 0 }, false},
		{"negative ticker interval is invalid", func(c *Config) { c.Pulse.TickerIntervalSeconds = -1 }, true},
		{"negative retention is invalid", func(c *Config) { c.Pulse.RetentionHours = -1 }, true},
		{"zero port means default", func(c *Config) { c.Server.Port = 0 }, false},
		{"port out of range is invalid", func(c *Config) { c.Server.Port = 70000 }, true},
		{"zero probe timeout is invalid", func(c *Config) { c.Discovery.ProbeTimeoutSeconds = 0 }, true},
		{"negative refresh interval is invalid", func(c *Config) { c.Discovery.RefreshIntervalSeconds = -5 }, true},
		{"zero rate limit is valid (unlimited)", func(c *Config) {
			c.Pulse.Queues = map[string]QueueConfig{"regular": {}}
		}, false},
		{"negative rate limit is invalid", func(c *Config) {
			c.Pulse.Queues = map[string]QueueConfig{"HIGH": {RequestsPerSecond: -1}}
		}, true},
		{"negative burst is invalid", func(c *Config) {
			c.Pulse.Queues = map[string]QueueConfig{"high": {RequestsPerSecond: 1, Burst: -1}}
		}, true},
		{"unknown queue is invalid", func(c *Config) {
			c.Pulse.Queues = map[string]QueueConfig{"urgent": {RequestsPerSecond: 1}}
		}, true},
		{"empty database path is valid", func(c *Config) { c.Database.Path = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	tests := []struct {
		key      string
		expected interface{}
	}{
		{"database.path", "tasknet.db"},
		{"server.port", DefaultServerPort},
		{"pulse.workers", 2},
		{"pulse.ticker_interval_seconds", 1},
		{"discovery.refresh_interval_seconds", 300},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := v.Get(tt.key)
			if got != tt.expected {
				t.Errorf("default %s = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestFindProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("walks up to am.toml", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "test1", "subdir")
		require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test1", "am.toml"), []byte(""), DefaultFilePermissions))

		result := findProjectConfig(subDir)
		assert.Equal(t, filepath.Join(tmpDir, "test1", "am.toml"), result)
	})

	t.Run("no config found", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "test2", "subdir")
		require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))

		// The temp root may sit under a directory holding an am.toml; only
		// check nothing inside the tree was picked up.
		result := findProjectConfig(subDir)
		assert.NotContains(t, result, filepath.Join(tmpDir, "test2"))
	})
}

func TestMergeConfigFiles(t *testing.T) {
	dir := t.TempDir()
	user := filepath.Join(dir, "user.toml")
	project := filepath.Join(dir, "project.toml")

	require.NoError(t, os.WriteFile(user, []byte(`
[database]
path = "user.db"

[pulse]
workers = 3
`), DefaultFilePermissions))
	require.NoError(t, os.WriteFile(project, []byte(`
[pulse]
workers = 4

[pulse.queues.HIGH]
requests_per_second = 2.5
burst = 5
`), DefaultFilePermissions))

	v := viper.New()
	SetDefaults(v)
	sources := mergeConfigFiles(v, []configFile{
		{path: filepath.Join(dir, "missing.toml"), source: SourceSystem},
		{path: user, source: SourceUser},
		{path: project, source: SourceProject},
	})

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	assert.Equal(t, "user.db", cfg.Database.Path)
	assert.Equal(t, 4, cfg.Pulse.Workers)
	assert.Equal(t, 1, cfg.Pulse.TickerIntervalSeconds, "defaults survive the merge")
	assert.Equal(t, map[string]QueueConfig{"HIGH": {RequestsPerSecond: 2.5, Burst: 5}}, cfg.Pulse.QueueLimits())
	require.NoError(t, cfg.Validate())

	assert.Equal(t, SourceInfo{Source: SourceProject, Path: project}, sources["pulse.workers"])
	assert.Equal(t, SourceInfo{Source: SourceUser, Path: user}, sources["database.path"])
	_, ok := sources["server.port"]
	assert.False(t, ok)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 9000\n"), DefaultFilePermissions))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.GetServerPort())
	assert.Equal(t, "tasknet.db", cfg.GetDatabasePath())

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestRedacted(t *testing.T) {
	cfg := Config{Server: ServerConfig{SuperuserToken: "s3cret"}}
	assert.Equal(t, "********", cfg.Redacted().Server.SuperuserToken)
	assert.Equal(t, "s3cret", cfg.Server.SuperuserToken)
	assert.Empty(t, Config{}.Redacted().Server.SuperuserToken)
}
