package plugin

import (
	"log/slog"
	"slices"
	"sync"

	"edgeproxy/internal/config"
)

// Plugin ids that form the baseline every URL runs, exclusions included.
const (
	AnalyticsID = "analytics"
	MetricsID   = "metrics"
)

func isDefault(id string) bool {
	return id == AnalyticsID || id == MetricsID
}

// Sequence is the plugin order for one URL.
type Sequence struct {
	Preflow  []*Plugin
	Postflow []*Plugin
}

// NewSequence derives the postflow order from pre.
func NewSequence(pre []*Plugin) Sequence {
	return Sequence{Preflow: pre, Postflow: Postflow(pre)}
}

// Postflow reverses pre. When the reversed list ends with analytics
// followed by metrics, the pair is swapped so the analytics response hook
// runs after metrics.
func Postflow(pre []*Plugin) []*Plugin {
	post := slices.Clone(pre)
	slices.Reverse(post)
	n := len(post)
	if n >= 2 && post[n-2].ID == AnalyticsID && post[n-1].ID == MetricsID {
		post[n-2], post[n-1] = post[n-1], post[n-2]
	}
	return post
}

// Sequencer computes the plugin sequence for a request URL from the loaded
// plugins and the global and per-plugin exclude lists.
//
// By default every excluded URL is resolved up front and cached. With
// disable_exclude_urls_cache set only the set of excluded URLs is kept and
// their sequences are rebuilt on every lookup.
type Sequencer struct {
	logger *slog.Logger
	cfg    config.PluginsConfig

	mu         sync.RWMutex
	generation uint64
	plugins    []*Plugin
	full       Sequence
	defaults   Sequence
	cache      map[string]Sequence // eager mode
	known      map[string]bool     // lazy mode
	global     map[string]bool
	excludes   map[string]map[string]bool // plugin id -> urls
}

// NewSequencer creates a Sequencer over plugins, which must already be in
// configured order.
func NewSequencer(plugins []*Plugin, cfg config.PluginsConfig, logger *slog.Logger) *Sequencer {
	s := &Sequencer{
		logger: logger.With("component", "plugin_sequencer"),
		cfg:    cfg,
	}
	s.Invalidate(plugins)
	return s
}

// Invalidate rebuilds every derived sequence for a new plugin list. Lookups
// that started before the call may still return sequences of the previous
// generation.
func (s *Sequencer) Invalidate(plugins []*Plugin) {
	global := toSet(s.cfg.ExcludeURLs)
	excludes := make(map[string]map[string]bool)
	for _, p := range plugins {
		if isDefault(p.ID) {
			continue
		}
		urls := s.cfg.PluginExcludeURLs(p.ID)
		if len(urls) == 0 && p.ID == "quota" {
			urls = s.cfg.PluginExcludeURLs("quotas")
		}
		if len(urls) > 0 {
			excludes[p.ID] = toSet(urls)
		}
	}

	var defaults []*Plugin
	for _, p := range plugins {
		if isDefault(p.ID) {
			defaults = append(defaults, p)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.plugins = plugins
	s.full = NewSequence(plugins)
	s.defaults = NewSequence(defaults)
	s.global = global
	s.excludes = excludes
	s.cache = nil
	s.known = nil

	if s.cfg.DisableExcludeURLsCache {
		s.known = make(map[string]bool)
		for u := range global {
			s.known[u] = true
		}
		for _, urls := range excludes {
			for u := range urls {
				s.known[u] = true
			}
		}
		s.logger.Debug("plugin exclude urls tracked lazily", "urls", len(s.known), "generation", s.generation)
		return
	}

	s.cache = make(map[string]Sequence)
	for u := range global {
		s.cache[u] = s.defaults
	}
	for _, p := range plugins {
		for u := range excludes[p.ID] {
			base := plugins
			if cached, ok := s.cache[u]; ok {
				base = cached.Preflow
			}
			s.cache[u] = NewSequence(without(base, p.ID))
		}
	}
	s.logger.Debug("plugin exclude urls cached", "urls", len(s.cache), "generation", s.generation)
}

// ForURL returns the plugin sequence for the exact request URL.
func (s *Sequencer) ForURL(url string) Sequence {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cache != nil {
		if seq, ok := s.cache[url]; ok {
			return seq
		}
		return s.full
	}
	if !s.known[url] {
		return s.full
	}
	if s.global[url] {
		return s.defaults
	}
	pre := make([]*Plugin, 0, len(s.plugins))
	for _, p := range s.plugins {
		if !isDefault(p.ID) && s.excludes[p.ID][url] {
			continue
		}
		pre = append(pre, p)
	}
	return NewSequence(pre)
}

// Generation returns the number of times the sequences were rebuilt.
func (s *Sequencer) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

func without(plugins []*Plugin, id string) []*Plugin {
	out := make([]*Plugin, 0, len(plugins))
	for _, p := range plugins {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
