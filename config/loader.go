package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
)

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	envFiles   []string
	validation bool
	getenv     func(string) string
}

// NewLoader creates a loader that reads .env from the working directory
// if present.
func NewLoader() *Loader {
	return &Loader{
		envFiles: []string{".env"},
		getenv:   lookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// SetEnvFiles replaces the .env files read before environment overrides.
// Missing files are skipped.
func (l *Loader) SetEnvFiles(paths ...string) {
	l.envFiles = paths
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load merges defaults, file layers, .env files and the environment.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := loadRawFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		if cfg, err = mergeFromMap(cfg, raw); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "merge "+path)
		}
	}

	dotenv, err := l.readEnvFiles()
	if err != nil {
		return nil, err
	}
	getenv := func(key string) string {
		if v := l.getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}
	if err := applyEnvOverrides(cfg, getenv); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// readEnvFiles parses the .env files without touching the process
// environment, which keeps real variables authoritative.
func (l *Loader) readEnvFiles() (map[string]string, error) {
	values := make(map[string]string)
	for _, path := range l.envFiles {
		data, err := safeReadFile(path, ".env")
		if err != nil {
			if isNotExist(err) {
				continue
			}
			return nil, errors.WrapInvalid(err, "Loader", "readEnvFiles", "read "+path)
		}
		parsed, err := godotenv.UnmarshalBytes(data)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "readEnvFiles", "parse "+path)
		}
		for k, v := range parsed {
			if _, seen := values[k]; !seen {
				values[k] = v
			}
		}
	}
	return values, nil
}

// loadRawFile decodes a JSON or YAML file into a map with durations
// converted to nanoseconds.
func loadRawFile(path string) (map[string]any, error) {
	data, err := safeReadFile(path, ".json", ".yaml", ".yml")
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// durationSuffixes mark keys holding a time.Duration.
var durationSuffixes = []string{"timeout", "interval", "ttl", "wait", "keep_alive"}

func isDurationKey(key string) bool {
	for _, suffix := range durationSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// parseDurations converts duration strings such as "5s" or "1d" to
// nanoseconds so the map can be decoded into time.Duration fields.
func parseDurations(data map[string]any) error {
	for key, val := range data {
		switch v := val.(type) {
		case map[string]any:
			if err := parseDurations(v); err != nil {
				return err
			}
		case []any:
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					if err := parseDurations(m); err != nil {
						return err
					}
				}
			}
		case string:
			if !isDurationKey(key) {
				continue
			}
			d, err := parseDurationWithDays(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			data[key] = d.Nanoseconds()
		}
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// mergeFromMap overrides only the fields present in the map.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	copySecrets(&merged, base)
	return &merged, nil
}

// copySecrets carries fields excluded from JSON across a merge.
func copySecrets(dst, src *Config) {
	dst.NATS.Password = src.NATS.Password
	dst.NATS.Token = src.NATS.Token
	dst.Credential.DatabaseURL = src.Credential.DatabaseURL
	dst.Sink.Influx.Token = src.Sink.Influx.Token
	dst.Sink.ClickHouse.Password = src.Sink.ClickHouse.Password
	dst.Sink.Batcher.Retry = src.Sink.Batcher.Retry
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}
