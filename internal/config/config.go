// Package config loads the declarative Nova configuration.
// It reads nova.config.json from the base path, applies NOVA_* environment
// overrides, and answers plugin/agent enablement queries for the loader and
// registry. A missing or malformed file never fails startup; the built-in
// defaults are used instead.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/novahq/nova/internal/common/logger"
)

// ConfigFileName is the name of the config document under the base path.
const ConfigFileName = "nova.config.json"

// Config is the parsed configuration document.
type Config struct {
	Plugins  map[string]PluginConfig `mapstructure:"plugins"`
	Defaults DefaultsConfig          `mapstructure:"defaults"`
	Server   ServerConfig            `mapstructure:"server"`
	Logging  logger.LoggingConfig    `mapstructure:"logging"`
}

// PluginConfig holds per-plugin enablement and options.
type PluginConfig struct {
	Enabled *bool                  `mapstructure:"enabled"`
	Agents  map[string]bool        `mapstructure:"agents"`
	Options map[string]interface{} `mapstructure:"options"`
}

// DefaultsConfig holds default selections.
type DefaultsConfig struct {
	// Agent is the default agent in "plugin:agent" form.
	Agent string `mapstructure:"agent"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Loader reads and caches the configuration document.
// Reload invalidates the cache; an fsnotify watcher does the same when the
// file changes on disk. Already-running sessions are not affected by reload.
type Loader struct {
	basePath string
	logger   *logger.Logger

	mu      sync.RWMutex
	cfg     *Config
	watcher *fsnotify.Watcher
}

// NewLoader creates a Loader rooted at basePath.
// If basePath is empty it falls back to NOVA_BASE_PATH, then to the parent
// of the current working directory.
func NewLoader(basePath string, log *logger.Logger) *Loader {
	if basePath == "" {
		basePath = DefaultBasePath()
	}
	l := &Loader{
		basePath: basePath,
		logger:   log.WithFields(zap.String("component", "config")),
	}
	l.startWatcher()
	return l
}

// DefaultBasePath resolves the base path from the environment.
func DefaultBasePath() string {
	if base := os.Getenv("NOVA_BASE_PATH"); base != "" {
		return base
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return filepath.Dir(cwd)
}

// BasePath returns the resolved base path.
func (l *Loader) BasePath() string {
	return l.basePath
}

// ConfigPath returns the absolute path of the config document.
func (l *Loader) ConfigPath() string {
	return filepath.Join(l.basePath, ConfigFileName)
}

// Get returns the cached configuration, loading it on first use.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	cfg := l.cfg
	l.mu.RUnlock()
	if cfg != nil {
		return cfg
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg == nil {
		l.cfg = l.load()
	}
	return l.cfg
}

// Reload invalidates the cached configuration. The next accessor call
// re-reads the file.
func (l *Loader) Reload() {
	l.mu.Lock()
	l.cfg = nil
	l.mu.Unlock()
	l.logger.Info("configuration cache invalidated")
}

// Close stops the file watcher.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		_ = l.watcher.Close()
		l.watcher = nil
	}
}

// IsPluginEnabled reports whether a plugin is enabled.
// Unlisted plugins default to enabled.
func (l *Loader) IsPluginEnabled(name string) bool {
	cfg := l.Get()
	pc, ok := cfg.Plugins[name]
	if !ok || pc.Enabled == nil {
		return true
	}
	return *pc.Enabled
}

// IsAgentEnabled reports whether an agent is enabled.
// A disabled plugin disables all of its agents. Unlisted agents of an
// enabled plugin default to enabled.
func (l *Loader) IsAgentEnabled(plugin, agent string) bool {
	if !l.IsPluginEnabled(plugin) {
		return false
	}
	cfg := l.Get()
	pc, ok := cfg.Plugins[plugin]
	if !ok || pc.Agents == nil {
		return true
	}
	enabled, listed := pc.Agents[agent]
	if !listed {
		return true
	}
	return enabled
}

// PluginOptions returns the options mapping for a plugin, or an empty map.
func (l *Loader) PluginOptions(name string) map[string]interface{} {
	cfg := l.Get()
	pc, ok := cfg.Plugins[name]
	if !ok || pc.Options == nil {
		return map[string]interface{}{}
	}
	return pc.Options
}

// DefaultAgent returns the configured default plugin and agent ids.
// Returns empty strings when unset or malformed.
func (l *Loader) DefaultAgent() (plugin, agent string) {
	cfg := l.Get()
	parts := strings.SplitN(cfg.Defaults.Agent, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", ""
	}
	return parts[0], parts[1]
}

// Server returns the effective listener settings.
func (l *Loader) Server() ServerConfig {
	return l.Get().Server
}

// load reads the config file and applies environment overrides.
// Any parse failure is logged and the defaults are returned.
func (l *Loader) load() *Config {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NOVA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// NOVA_PORT is the documented env var for server.port
	_ = v.BindEnv("server.port", "NOVA_PORT")
	_ = v.BindEnv("server.host", "NOVA_HOST")
	_ = v.BindEnv("logging.level", "NOVA_LOG_LEVEL")

	v.SetConfigFile(l.ConfigPath())
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) || errorsAsNotFound(err) {
			l.logger.Info("no config file found, using defaults",
				zap.String("path", l.ConfigPath()))
		} else {
			l.logger.Warn("failed to read config file, using defaults",
				zap.String("path", l.ConfigPath()),
				zap.Error(err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		l.logger.Warn("failed to unmarshal config, using defaults", zap.Error(err))
		return defaultConfig()
	}
	if err := validate(&cfg); err != nil {
		l.logger.Warn("invalid config, using defaults", zap.Error(err))
		return defaultConfig()
	}
	return &cfg
}

func errorsAsNotFound(err error) bool {
	_, ok := err.(viper.ConfigFileNotFoundError)
	if ok {
		return true
	}
	pathErr, ok := err.(*os.PathError)
	return ok && os.IsNotExist(pathErr)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("defaults.agent", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stdout")
}

func defaultConfig() *Config {
	return &Config{
		Plugins:  map[string]PluginConfig{},
		Defaults: DefaultsConfig{},
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080},
		Logging:  logger.LoggingConfig{Level: "info", OutputPath: "stdout"},
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	return nil
}

// startWatcher invalidates the cache whenever nova.config.json changes.
// Watch failures are logged and ignored; Reload still works manually.
func (l *Loader) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.logger.Warn("config watcher unavailable", zap.Error(err))
		return
	}
	if err := watcher.Add(l.basePath); err != nil {
		l.logger.Debug("config watcher not started", zap.Error(err))
		_ = watcher.Close()
		return
	}
	l.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != ConfigFileName {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					l.logger.Debug("config file changed", zap.String("op", event.Op.String()))
					l.Reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()
}
