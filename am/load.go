package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/tasknet/errors"
)

// EnvPrefix prefixes every environment override, e.g. TASKNET_PULSE_WORKERS.
const EnvPrefix = "TASKNET"

var (
	loadMu        sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper

	// ConfigSources records which file set each key during the last load.
	// Keys absent here came from defaults or the environment.
	ConfigSources = map[string]SourceInfo{}
)

// Load reads the tasknet configuration using Viper
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	config, err := LoadWithViper(initViperLocked())
	if err != nil {
		return nil, err
	}
	globalConfig = config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	loadMu.Lock()
	defer loadMu.Unlock()
	return initViperLocked()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path over the defaults.
// Environment variables are not consulted.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load config from %s", configPath)
	}
	return config, nil
}

// Reset clears the cached configuration
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	globalConfig = nil
	viperInstance = nil
	ConfigSources = map[string]SourceInfo{}
}

// initViperLocked builds the Viper instance once. Callers hold loadMu.
func initViperLocked() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)

	SetDefaults(v)

	ConfigSources = mergeConfigFiles(v, configFiles())

	viperInstance = v
	return v
}

// configFile is one candidate config location
type configFile struct {
	path   string
	source ConfigSource
}

// configFiles lists config locations from lowest to highest precedence:
// system < user < project. Environment variables override all of them.
func configFiles() []configFile {
	files := []configFile{
		{path: "/etc/tasknet/am.toml", source: SourceSystem},
	}
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files, configFile{path: filepath.Join(home, ".tasknet", "am.toml"), source: SourceUser})
	}
	if cwd, err := os.Getwd(); err == nil {
		if project := findProjectConfig(cwd); project != "" {
			files = append(files, configFile{path: project, source: SourceProject})
		}
	}
	return files
}

// findProjectConfig searches for am.toml walking up from dir.
// Returns the first match, or empty string if none found.
func findProjectConfig(dir string) string {
	for {
		amPath := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(amPath); err == nil {
			return amPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges existing files into v in order and returns the
// file each key was last set by. Unreadable files are skipped.
func mergeConfigFiles(v *viper.Viper, files []configFile) map[string]SourceInfo {
	sources := map[string]SourceInfo{}
	for _, file := range files {
		if _, err := os.Stat(file.path); err != nil {
			continue
		}

		fileViper := viper.New()
		fileViper.SetConfigFile(file.path)
		fileViper.SetConfigType("toml")
		if err := fileViper.ReadInConfig(); err != nil {
			continue
		}

		for _, key := range fileViper.AllKeys() {
			v.Set(key, fileViper.Get(key))
			sources[key] = SourceInfo{Source: file.source, Path: file.path}
		}
	}
	return sources
}

// ConfigFileUsed returns the highest-precedence config file that was merged,
// or empty string when only defaults and environment apply.
func ConfigFileUsed() string {
	loadMu.Lock()
	defer loadMu.Unlock()
	initViperLocked()

	used := ""
	rank := -1
	for _, info := range ConfigSources {
		if r := sourceRank(info.Source); r > rank {
			rank, used = r, info.Path
		}
	}
	return used
}

func sourceRank(s ConfigSource) int {
	switch s {
	case SourceSystem:
		return 0
	case SourceUser:
		return 1
	case SourceProject:
		return 2
	default:
		return -1
	}
}
