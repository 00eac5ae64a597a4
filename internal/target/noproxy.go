package target

import (
	"net"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/net/http/httpproxy"
)

// bypassSentinel is never dialled; a nil proxy from the NO_PROXY matcher is
// the only signal that matters.
const bypassSentinel = "http://forward-proxy.invalid"

type bypassEntry struct {
	// host carries a single leading dot; pattern is set for entries with '*'.
	host    string
	pattern string
	port    string
}

// Bypass decides which targets skip the forward proxy. Entries are
// comma separated host[:port] values:
//
//   - a plain host matches the target host exactly, and a target host that
//     is a dot-suffix of the entry ("foo.com" does not match "a.foo.com");
//   - a host containing '*' is an unanchored glob ("foo*.com" matches
//     "testing-foo.hello.com");
//   - a CIDR matches IP targets inside the block.
//
// A port, when given, must equal the target port (80/443 by default).
// Loopback and localhost targets never use the forward proxy.
type Bypass struct {
	entries []bypassEntry
	cidrs   func(*url.URL) (*url.URL, error)
}

// NewBypass parses a comma separated bypass list.
func NewBypass(list string) *Bypass {
	b := &Bypass{}
	var cidrs []string
	for _, raw := range strings.Split(list, ",") {
		raw = strings.ToLower(strings.TrimSpace(raw))
		if raw == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(raw); err == nil {
			cidrs = append(cidrs, raw)
			continue
		}
		host, port, _ := strings.Cut(raw, ":")
		e := bypassEntry{host: canonicalHost(host), port: port}
		if strings.Contains(host, "*") {
			e.pattern = unanchored(strings.TrimLeft(host, "."))
		}
		b.entries = append(b.entries, e)
	}
	if len(cidrs) > 0 {
		cfg := httpproxy.Config{
			HTTPProxy:  bypassSentinel,
			HTTPSProxy: bypassSentinel,
			NoProxy:    strings.Join(cidrs, ","),
		}
		b.cidrs = cfg.ProxyFunc()
	}
	return b
}

func canonicalHost(h string) string {
	return "." + strings.TrimLeft(h, ".")
}

// unanchored wraps p so that it may match anywhere in a host name.
func unanchored(p string) string {
	if !strings.HasPrefix(p, "*") {
		p = "*" + p
	}
	if !strings.HasSuffix(p, "*") {
		p += "*"
	}
	return p
}

// Match reports whether requests to target must go direct.
func (b *Bypass) Match(target *url.URL) bool {
	if b == nil || target == nil {
		return false
	}
	host := strings.ToLower(target.Hostname())
	if host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}

	port := target.Port()
	if port == "" {
		port = "80"
		if target.Scheme == "https" {
			port = "443"
		}
	}

	h := canonicalHost(host)
	for _, e := range b.entries {
		if e.port != "" && e.port != port {
			continue
		}
		if e.pattern != "" {
			if ok, err := doublestar.Match(e.pattern, h); err == nil && ok {
				return true
			}
			continue
		}
		if i := strings.Index(e.host, h); i >= 0 && i == len(e.host)-len(h) {
			return true
		}
	}

	if b.cidrs != nil {
		u, err := b.cidrs(target)
		return err == nil && u == nil
	}
	return false
}
