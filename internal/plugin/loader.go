package plugin

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/novahq/nova/internal/common/logger"
	"github.com/novahq/nova/internal/config"
)

// Factory instantiates a plugin from its manifest. Manifests name their
// entry point; factories are registered under that name at boot. This is
// the static-binary equivalent of loading an entry module.
type Factory func(manifest *Manifest, cfg *config.Loader, log *logger.Logger) (Plugin, error)

// Loader discovers plugin directories under <base>/plugins, validates their
// manifests and registers the instantiated plugins with the registry.
// A failure in one plugin never aborts discovery of the others.
type Loader struct {
	cfg      *config.Loader
	registry *Registry
	logger   *logger.Logger

	mu        sync.RWMutex
	factories map[string]Factory
}

// NewLoader creates a plugin loader wired to the config loader and registry.
func NewLoader(cfg *config.Loader, registry *Registry, log *logger.Logger) *Loader {
	return &Loader{
		cfg:       cfg,
		registry:  registry,
		logger:    log.WithFields(zap.String("component", "plugin-loader")),
		factories: make(map[string]Factory),
	}
}

// RegisterFactory registers the factory for a manifest entry name.
func (l *Loader) RegisterFactory(entry string, factory Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.factories[entry]; exists {
		l.logger.Warn("replacing plugin factory", zap.String("entry", entry))
	}
	l.factories[entry] = factory
}

// PluginsDir returns the directory scanned for plugins.
func (l *Loader) PluginsDir() string {
	return filepath.Join(l.cfg.BasePath(), "plugins")
}

// Discover scans the plugins directory and loads every enabled plugin with
// a valid manifest and a registered factory. Ordering is unspecified.
func (l *Loader) Discover(ctx context.Context) {
	dir := l.PluginsDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Info("plugins directory does not exist, nothing to load",
				zap.String("dir", dir))
			return
		}
		l.logger.Error("failed to read plugins directory",
			zap.String("dir", dir), zap.Error(err))
		return
	}

	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if l.loadOne(ctx, filepath.Join(dir, entry.Name())) {
			loaded++
		}
	}
	l.logger.Info("plugin discovery complete",
		zap.Int("loaded", loaded),
		zap.Int("scanned", len(entries)))
}

// loadOne loads a single plugin directory. Returns true on success.
func (l *Loader) loadOne(ctx context.Context, dir string) bool {
	manifestPath := filepath.Join(dir, ManifestFileName)
	if _, err := os.Stat(manifestPath); err != nil {
		// Not a plugin directory
		return false
	}

	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		l.logger.Warn("skipping plugin with invalid manifest",
			zap.String("dir", dir), zap.Error(err))
		return false
	}

	if !l.cfg.IsPluginEnabled(manifest.Name) {
		l.logger.Info("plugin disabled by configuration",
			zap.String("plugin", manifest.Name))
		return false
	}

	l.mu.RLock()
	factory, ok := l.factories[manifest.Entry]
	l.mu.RUnlock()
	if !ok {
		l.logger.Warn("no factory registered for plugin entry",
			zap.String("plugin", manifest.Name),
			zap.String("entry", manifest.Entry))
		return false
	}

	p, err := factory(manifest, l.cfg, l.logger)
	if err != nil {
		l.logger.Error("failed to instantiate plugin",
			zap.String("plugin", manifest.Name), zap.Error(err))
		return false
	}
	if err := p.Initialize(ctx); err != nil {
		l.logger.Error("plugin initialization failed",
			zap.String("plugin", manifest.Name), zap.Error(err))
		return false
	}

	l.registry.Register(p)
	l.logger.Info("plugin loaded",
		zap.String("plugin", manifest.Name),
		zap.String("version", manifest.Version),
		zap.String("source", manifest.Source),
		zap.Int("agents", len(manifest.Agents)))
	return true
}

// Reload shuts down the registry and re-runs discovery with a fresh config.
func (l *Loader) Reload(ctx context.Context) {
	l.logger.Info("reloading plugins")
	l.registry.Shutdown(ctx)
	l.cfg.Reload()
	l.Discover(ctx)
}
