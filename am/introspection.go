package am

import (
	"os"
	"sort"
	"strings"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/tasknet/am.toml
	SourceUser        ConfigSource = "user"        // ~/.tasknet/am.toml
	SourceProject     ConfigSource = "project"     // am.toml found upward from cwd
	SourceEnvironment ConfigSource = "environment" // TASKNET_* env vars
)

// SourceInfo tracks where a configuration value originated
type SourceInfo struct {
	Source ConfigSource // The type of config source
	Path   string       // File path or environment variable name
}

// SettingInfo contains metadata about a configuration setting
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"`
}

// ConfigIntrospection describes the active configuration and where each value came from
type ConfigIntrospection struct {
	ConfigFile string        `json:"config_file"`
	Settings   []SettingInfo `json:"settings"`
}

// GetConfigIntrospection returns every effective setting with its source
func GetConfigIntrospection() *ConfigIntrospection {
	v := GetViper()
	file := ConfigFileUsed()

	loadMu.Lock()
	sources := make(map[string]SourceInfo, len(ConfigSources))
	for k, info := range ConfigSources {
		sources[k] = info
	}
	loadMu.Unlock()

	settings := map[string]interface{}{}
	for _, key := range v.AllKeys() {
		settings[key] = v.Get(key)
	}
	return introspect(file, settings, sources, os.LookupEnv)
}

// introspect assigns a source to each flattened setting. An environment
// variable beats any file; a key no file set is a default.
func introspect(file string, settings map[string]interface{}, sources map[string]SourceInfo, lookupEnv func(string) (string, bool)) *ConfigIntrospection {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := &ConfigIntrospection{ConfigFile: file, Settings: make([]SettingInfo, 0, len(keys))}
	for _, key := range keys {
		info := SourceInfo{Source: SourceDefault, Path: "built-in default"}
		if si, ok := sources[key]; ok {
			info = si
		}
		for _, envKey := range envKeys(key) {
			if value, ok := lookupEnv(envKey); ok && value != "" {
				info = SourceInfo{Source: SourceEnvironment, Path: envKey}
				break
			}
		}

		value := settings[key]
		if s, ok := value.(string); ok && s != "" && key == "server.superuser_token" {
			value = "********"
		}
		out.Settings = append(out.Settings, SettingInfo{
			Key:        key,
			Value:      value,
			Source:     info.Source,
			SourcePath: info.Path,
		})
	}
	return out
}

// envKeys returns the environment variables that can override key
func envKeys(key string) []string {
	keys := []string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}
	switch key {
	case "server.superuser_token":
		keys = append(keys, "TASKNET_SUPERUSER_TOKEN")
	}
	return keys
}

// CountBySource summarizes how many settings each source provided
func (ci *ConfigIntrospection) CountBySource() map[ConfigSource]int {
	counts := map[ConfigSource]int{}
	for _, s := range ci.Settings {
		counts[s.Source]++
	}
	return counts
}
