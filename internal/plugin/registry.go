package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"edgeproxy/internal/config"
	"edgeproxy/internal/model"
)

// Factory builds a plugin's hook table from its configuration table.
type Factory func(cfg map[string]any, logger *slog.Logger, stats model.Stats) (Hooks, error)

// ErrFrozen is returned by Add once the registry has been loaded.
var ErrFrozen = errors.New("plugin: registry already loaded")

// Registry collects plugin factories before the gateway starts.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	order     []string
	frozen    bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Add registers a factory under name.
func (r *Registry) Add(name string, f Factory) error {
	if name == "" {
		return errors.New("plugin: name is required")
	}
	if f == nil {
		return fmt.Errorf("plugin %s: nil factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, dup := r.factories[name]; dup {
		return fmt.Errorf("plugin %s: already registered", name)
	}
	r.factories[name] = f
	r.order = append(r.order, name)
	return nil
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Load instantiates plugins and freezes the registry. With a configured
// sequence, exactly those plugins load in that order; otherwise every
// registered plugin loads in registration order.
func (r *Registry) Load(cfg config.PluginsConfig, logger *slog.Logger, stats model.Stats) ([]*Plugin, error) {
	r.mu.Lock()
	r.frozen = true
	names := r.order
	if len(cfg.Sequence) > 0 {
		names = cfg.Sequence
	}
	factories := make([]Factory, len(names))
	for i, name := range names {
		f, ok := r.factories[name]
		if !ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("plugin %s: listed in sequence but not registered", name)
		}
		factories[i] = f
	}
	listed := toSet(names)
	for _, name := range r.order {
		if !listed[name] {
			logger.Warn("registered plugin not in sequence; skipping", "plugin", name)
		}
	}
	r.mu.Unlock()

	plugins := make([]*Plugin, 0, len(names))
	for i, name := range names {
		plog := logger.With("plugin", name)
		hooks, err := factories[i](cfg.PluginConfig(name), plog, stats)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: init: %w", name, err)
		}
		if hooks == nil {
			return nil, fmt.Errorf("plugin %s: init returned no handlers", name)
		}
		p, err := New(name, hooks)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, p)
		logger.Info("installed plugin", "plugin", name, "handlers", p.Handlers())
	}
	return plugins, nil
}
