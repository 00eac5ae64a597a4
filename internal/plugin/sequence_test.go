package plugin

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"edgeproxy/internal/config"
)

func plugins(ids ...string) []*Plugin {
	out := make([]*Plugin, len(ids))
	for i, id := range ids {
		out[i] = &Plugin{ID: id, handlers: map[string]invoker{}}
	}
	return out
}

func joined(ps []*Plugin) string {
	return strings.Join(IDs(ps), ",")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPostflow(t *testing.T) {
	tests := []struct {
		pre  string
		want string
	}{
		{"", ""},
		{"oauth", "oauth"},
		{"pluginA,metrics,analytics", "analytics,metrics,pluginA"},
		{"metrics,analytics,oauth", "oauth,metrics,analytics"},
		{"metrics,analytics", "metrics,analytics"},
		{"analytics,metrics", "metrics,analytics"},
		{"analytics,metrics,oauth,quota", "quota,oauth,metrics,analytics"},
	}
	for _, tt := range tests {
		t.Run(tt.pre, func(t *testing.T) {
			var ids []string
			if tt.pre != "" {
				ids = strings.Split(tt.pre, ",")
			}
			pre := plugins(ids...)
			before := joined(pre)
			if got := joined(Postflow(pre)); got != tt.want {
				t.Errorf("Postflow(%s) = %s, want %s", tt.pre, got, tt.want)
			}
			if joined(pre) != before {
				t.Error("Postflow modified its input")
			}
		})
	}
}

func sequencerConfig(lazy bool) config.PluginsConfig {
	return config.PluginsConfig{
		ExcludeURLs:             []string{"/health"},
		DisableExcludeURLsCache: lazy,
		Config: map[string]map[string]any{
			"oauth":       {"exclude_urls": "/public,/both"},
			"spikearrest": {"exclude_urls": []any{"/both"}},
			"quotas":      {"exclude_urls": "/free"},
		},
	}
}

func TestSequencer_ForURL(t *testing.T) {
	all := plugins("analytics", "oauth", "quota", "spikearrest", "metrics")

	tests := []struct {
		url  string
		want string
	}{
		{"/v1/anything", "analytics,oauth,quota,spikearrest,metrics"},
		{"/health", "analytics,metrics"},
		{"/public", "analytics,quota,spikearrest,metrics"},
		{"/both", "analytics,quota,metrics"},
		{"/free", "analytics,oauth,spikearrest,metrics"},
		{"/public?x=1", "analytics,oauth,quota,spikearrest,metrics"},
	}

	for _, mode := range []struct {
		name string
		lazy bool
	}{{"eager", false}, {"lazy", true}} {
		t.Run(mode.name, func(t *testing.T) {
			s := NewSequencer(all, sequencerConfig(mode.lazy), discardLogger())
			for _, tt := range tests {
				seq := s.ForURL(tt.url)
				if got := joined(seq.Preflow); got != tt.want {
					t.Errorf("ForURL(%s).Preflow = %s, want %s", tt.url, got, tt.want)
				}
				if got, want := joined(seq.Postflow), joined(Postflow(seq.Preflow)); got != want {
					t.Errorf("ForURL(%s).Postflow = %s, want %s", tt.url, got, want)
				}
			}
		})
	}
}

func TestSequencer_EagerCachesExcludedURLs(t *testing.T) {
	s := NewSequencer(plugins("analytics", "oauth", "metrics"), sequencerConfig(false), discardLogger())
	if len(s.cache) != 3 {
		t.Errorf("cache size = %d, want 3 (/health, /public, /both)", len(s.cache))
	}
	if s.known != nil {
		t.Error("eager mode should not track lazy urls")
	}
}

func TestSequencer_LazyDoesNotCache(t *testing.T) {
	s := NewSequencer(plugins("analytics", "oauth", "metrics"), sequencerConfig(true), discardLogger())
	_ = s.ForURL("/public")
	_ = s.ForURL("/public")
	if s.cache != nil {
		t.Error("lazy mode should not populate the cache")
	}
	if !s.known["/public"] || !s.known["/health"] {
		t.Errorf("known = %v", s.known)
	}
}

func TestSequencer_Invalidate(t *testing.T) {
	s := NewSequencer(plugins("analytics", "oauth", "metrics"), sequencerConfig(false), discardLogger())
	gen := s.Generation()

	s.Invalidate(plugins("analytics", "metrics", "quota"))

	if s.Generation() != gen+1 {
		t.Errorf("Generation() = %d, want %d", s.Generation(), gen+1)
	}
	if got := joined(s.ForURL("/public").Preflow); got != "analytics,metrics,quota" {
		t.Errorf("after Invalidate ForURL(/public) = %s", got)
	}
	if got := joined(s.ForURL("/free").Preflow); got != "analytics,metrics" {
		t.Errorf("after Invalidate ForURL(/free) = %s", got)
	}
}

func TestSequencer_ConcurrentLookups(t *testing.T) {
	s := NewSequencer(plugins("analytics", "oauth", "metrics"), sequencerConfig(true), discardLogger())
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%4 == 0 {
				s.Invalidate(plugins("analytics", "oauth", "metrics"))
			}
			if got := joined(s.ForURL("/public").Preflow); got != "analytics,metrics" {
				t.Errorf("ForURL(/public) = %s", got)
			}
		}()
	}
	wg.Wait()
}
