// Package config loads steroids configuration with viper.
//
// Precedence: built-in defaults < global ($STEROIDS_HOME/.steroids/config.yaml)
// < per-project (<project>/.steroids/config.yaml) < environment variables.
// Environment variables use the STEROIDS_ prefix with dots replaced by
// underscores, e.g. STEROIDS_AI_CODER_MODEL sets ai.coder.model.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Dir names under a project or home root.
const (
	SteroidsDirName = ".steroids"
	ConfigFileName  = "config.yaml"
)

// Config is a merged view over the global and project config files.
// Safe for concurrent reads; Reload replaces the snapshot atomically.
type Config struct {
	mu          sync.RWMutex
	v           *viper.Viper
	projectPath string
}

// Load builds the merged configuration for a project directory.
// Missing config files are not an error; defaults and env still apply.
func Load(projectPath string) (*Config, error) {
	c := &Config{projectPath: projectPath}
	v, err := c.build()
	if err != nil {
		return nil, err
	}
	c.v = v
	return c, nil
}

func (c *Config) build() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	// Environment variable binding: STEROIDS_AI_CODER_MODEL -> ai.coder.model
	v.SetEnvPrefix("STEROIDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Global config merges first so the project file overrides it.
	globalPath := filepath.Join(GlobalHome(), SteroidsDirName, ConfigFileName)
	if _, err := os.Stat(globalPath); err == nil {
		v.SetConfigFile(globalPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read global config %s: %w", globalPath, err)
		}
	}

	projPath := c.ProjectConfigPath()
	if _, err := os.Stat(projPath); err == nil {
		v.SetConfigFile(projPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read project config %s: %w", projPath, err)
		}
	}

	return v, nil
}

// GlobalHome returns the root under which the global store and config live.
// STEROIDS_HOME overrides; falls back to the invoking user's home.
func GlobalHome() string {
	if home := os.Getenv("STEROIDS_HOME"); home != "" {
		return home
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// ProjectConfigPath returns the per-project config file path.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.projectPath, SteroidsDirName, ConfigFileName)
}

// ProjectPath returns the project root this config was loaded for.
func (c *Config) ProjectPath() string { return c.projectPath }

// Reload re-reads config files from disk. Used by the credit-pause loop to
// notice provider/model changes made while paused.
func (c *Config) Reload() error {
	v, err := c.build()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.v = v
	c.mu.Unlock()
	return nil
}

// GetString returns the string value at a dotted key path.
func (c *Config) GetString(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetString(key)
}

// GetInt returns the integer value at a dotted key path.
func (c *Config) GetInt(key string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetInt(key)
}

// GetBool returns the boolean value at a dotted key path.
func (c *Config) GetBool(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetBool(key)
}

// Get returns the raw value at a dotted key path, or nil.
func (c *Config) Get(key string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.Get(key)
}

// GetDuration parses the value at key as a steroids duration string
// (suffixes ms/s/m/h/d/w; bare numbers are milliseconds). Falls back to def
// when the key is unset or unparseable.
func (c *Config) GetDuration(key string, def time.Duration) time.Duration {
	c.mu.RLock()
	raw := c.v.Get(key)
	c.mu.RUnlock()
	if raw == nil {
		return def
	}
	d, err := ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// AllSettings returns the merged settings map (for `config list`).
func (c *Config) AllSettings() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.AllSettings()
}

// SetValue writes a key into the project config file, creating the file and
// .steroids directory if needed, then reloads the merged view.
func (c *Config) SetValue(key string, value any) error {
	path := c.ProjectConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	doc := map[string]any{}
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	setNested(doc, strings.Split(key, "."), value)

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}

	return c.Reload()
}

// setNested writes value at the dotted path inside a nested string-keyed map,
// creating intermediate maps as needed.
func setNested(doc map[string]any, path []string, value any) {
	if len(path) == 1 {
		doc[path[0]] = value
		return
	}
	child, ok := doc[path[0]].(map[string]any)
	if !ok {
		child = map[string]any{}
		doc[path[0]] = child
	}
	setNested(child, path[1:], value)
}

func setDefaults(v *viper.Viper) {
	// AI provider slots. Empty model means the provider default for the role.
	v.SetDefault("ai.orchestrator.provider", "claude")
	v.SetDefault("ai.orchestrator.model", "")
	v.SetDefault("ai.orchestrator.cli", "")
	v.SetDefault("ai.coder.provider", "claude")
	v.SetDefault("ai.coder.model", "")
	v.SetDefault("ai.coder.cli", "")
	v.SetDefault("ai.reviewer.provider", "claude")
	v.SetDefault("ai.reviewer.model", "")
	v.SetDefault("ai.reviewer.cli", "")

	v.SetDefault("runners.heartbeatInterval", "30s")
	v.SetDefault("runners.staleTimeout", "5m")
	v.SetDefault("runners.subprocessHangTimeout", "10m")
	v.SetDefault("runners.maxConcurrent", 4)

	v.SetDefault("health.orphanedTaskTimeout", "600s")
	v.SetDefault("health.maxCoderDuration", "1800s")
	v.SetDefault("health.maxReviewerDuration", "900s")
	v.SetDefault("health.runnerHeartbeatTimeout", "300s")
	v.SetDefault("health.invocationStaleness", "600s")
	v.SetDefault("health.autoRecover", true)
	v.SetDefault("health.maxRecoveryAttempts", 3)
	v.SetDefault("health.maxIncidentsPerHour", 10)
	v.SetDefault("health.sanitiseEnabled", true)
	v.SetDefault("health.sanitiseIntervalMinutes", 5)
	v.SetDefault("health.sanitiseInvocationTimeoutSec", 1800)

	v.SetDefault("locking.taskTimeout", "60m")
	v.SetDefault("locking.sectionTimeout", "60m")
	v.SetDefault("locking.waitTimeout", "30m")
	v.SetDefault("locking.pollInterval", "5s")

	v.SetDefault("database.autoMigrate", true)
	v.SetDefault("database.backupBeforeMigrate", false)

	v.SetDefault("disputes.timeoutDays", 7)
	v.SetDefault("disputes.autoCreateOnMaxRejections", true)
	v.SetDefault("disputes.majorBlocksLoop", false)

	v.SetDefault("sections.batchMode", false)
	v.SetDefault("sections.maxBatchSize", 5)
}
