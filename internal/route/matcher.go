// Package route resolves request paths to configured proxy routes.
package route

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"edgeproxy/internal/config"
)

// Route is one configured backend. Routes are built once per config
// generation and are read-only once the gateway is serving.
type Route struct {
	BasePath       string
	Target         *url.URL
	Secure         bool
	MaxConnections int           // 0 means unbounded
	Timeout        time.Duration // 0 means inherit the global request timeout

	// Set by the target pool when the route is registered.
	TunnelEnabled      bool
	BypassForwardProxy bool

	pattern  string // normalised base path with trailing slash
	segments int    // number of path segments in pattern
	glob     bool
}

// New builds a Route from a proxy entry.
func New(pc config.ProxyConfig) (*Route, error) {
	u, err := url.Parse(pc.URL)
	if err != nil {
		return nil, fmt.Errorf("route %s: parse url: %w", pc.BasePath, err)
	}
	pattern := withSlash(pc.BasePath)
	r := &Route{
		BasePath:       pc.BasePath,
		Target:         u,
		Secure:         u.Scheme == "https",
		MaxConnections: pc.MaxConnections,
		Timeout:        time.Duration(pc.TimeoutMs) * time.Millisecond,
		pattern:        pattern,
		segments:       strings.Count(pattern, "/") - 1,
		glob:           strings.ContainsAny(pc.BasePath, "*?[{"),
	}
	if r.glob && !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("route %s: invalid glob pattern", pc.BasePath)
	}
	return r, nil
}

// matchedPrefix returns the portion of reqPath covered by the route's base
// path, or false if the route does not apply.
func (r *Route) matchedPrefix(reqPath string) (string, bool) {
	p := withSlash(reqPath)
	if !r.glob {
		if strings.HasPrefix(p, r.pattern) {
			return r.pattern, true
		}
		return "", false
	}

	// A glob base path is anchored at the start and accepts trailing
	// sub-paths: compare only the leading segments.
	idx := 0
	for n := 0; n < r.segments; n++ {
		next := strings.IndexByte(p[idx+1:], '/')
		if next < 0 {
			return "", false
		}
		idx += next + 1
	}
	head := p[:idx+1]
	ok, err := doublestar.Match(r.pattern, head)
	if err != nil || !ok {
		return "", false
	}
	return head, true
}

// TargetPath returns the outbound path for reqPath: the target URL path
// joined with whatever follows the base path, double slashes collapsed.
// rawQuery is appended when present.
func (r *Route) TargetPath(reqPath, rawQuery string) string {
	rest := reqPath
	if prefix, ok := r.matchedPrefix(reqPath); ok {
		// prefix always ends in '/', which may be one byte past reqPath.
		cut := len(prefix) - 1
		if cut > len(reqPath) {
			cut = len(reqPath)
		}
		rest = reqPath[cut:]
	}
	p := collapseSlashes(r.Target.Path + rest)
	if p == "" {
		p = "/"
	}
	if rawQuery != "" {
		p += "?" + rawQuery
	}
	return p
}

// Hostname returns the target host without port.
func (r *Route) Hostname() string {
	return r.Target.Hostname()
}

// Port returns the target port, falling back to the scheme default.
func (r *Route) Port() string {
	if p := r.Target.Port(); p != "" {
		return p
	}
	if r.Secure {
		return "443"
	}
	return "80"
}

// Matcher selects the most specific route for a request path.
type Matcher struct {
	routes []*Route
}

// NewMatcher builds routes from config in registration order.
func NewMatcher(proxies []config.ProxyConfig) (*Matcher, error) {
	routes := make([]*Route, 0, len(proxies))
	for _, pc := range proxies {
		r, err := New(pc)
		if err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return &Matcher{routes: routes}, nil
}

// Routes returns the configured routes in registration order.
func (m *Matcher) Routes() []*Route {
	return m.routes
}

// Match returns the route with the longest matching base path. Ties go to
// the route registered first. It returns nil when nothing matches.
func (m *Matcher) Match(reqPath string) *Route {
	var best *Route
	for _, r := range m.routes {
		if _, ok := r.matchedPrefix(reqPath); !ok {
			continue
		}
		if best == nil || len(r.BasePath) > len(best.BasePath) {
			best = r
		}
	}
	return best
}

func withSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

func collapseSlashes(p string) string {
	if !strings.Contains(p, "//") {
		return p
	}
	var b strings.Builder
	b.Grow(len(p))
	prevSlash := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' && prevSlash {
			continue
		}
		prevSlash = c == '/'
		b.WriteByte(c)
	}
	return b.String()
}
