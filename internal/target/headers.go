package target

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"edgeproxy/internal/config"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopByHop deletes hop-by-hop headers, including any named in the
// Connection header.
func RemoveHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// CopyResponseHeaders copies target response headers to the client response.
// Content-Length is dropped since plugins may change the body size.
func CopyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	RemoveHopByHop(dst)
	dst.Del("Content-Length")
}

// HeaderRules rewrites forwarding headers on outbound requests. Each rule is
// toggled by name through [headers]; unlisted rules are on.
type HeaderRules struct {
	Toggles     config.HeadersConfig
	InstanceUID string
}

// Apply writes the forwarding headers for src into out.
func (r HeaderRules) Apply(out, src *http.Request, correlationID string) {
	h := out.Header
	RemoveHopByHop(h)

	if r.Toggles.Enabled("x-request-id") && h.Get("X-Request-Id") == "" {
		h.Set("X-Request-Id", r.InstanceUID+"."+correlationID)
	}

	if r.Toggles.Enabled("x-forwarded-for") {
		client := src.RemoteAddr
		if host, _, err := net.SplitHostPort(client); err == nil {
			client = host
		}
		appendHeader(h, "X-Forwarded-For", client)
	}

	if r.Toggles.Enabled("x-forwarded-proto") && h.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if src.TLS != nil {
			proto = "https"
		}
		h.Set("X-Forwarded-Proto", proto)
	}

	if src.Host != "" {
		if r.Toggles.Enabled("x-forwarded-host") {
			appendHeader(h, "X-Forwarded-Host", src.Host)
		}
		if r.Toggles.Enabled("via") {
			hostname := src.Host
			if host, _, err := net.SplitHostPort(hostname); err == nil {
				hostname = host
			}
			appendHeader(h, "Via", fmt.Sprintf("%d.%d %s", src.ProtoMajor, src.ProtoMinor, hostname))
		}
	}

	// host=true (the default) lets the client library derive Host from the
	// target URL.
	if r.Toggles.Enabled("host") {
		out.Host = ""
	} else {
		out.Host = src.Host
	}

	h.Del("Content-Length")
}

func appendHeader(h http.Header, name, value string) {
	if prior := strings.Join(h.Values(name), ", "); prior != "" {
		value = prior + ", " + value
	}
	h.Set(name, value)
}
