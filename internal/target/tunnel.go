package target

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// tunnelDialer opens connections to targets through an HTTP CONNECT tunnel
// on the forward proxy. TLS to the target, when needed, is layered on top by
// the transport.
type tunnelDialer struct {
	proxy     *url.URL
	dialer    *net.Dialer
	proxyTLS  *tls.Config // for https:// proxies
	userAgent string
}

func newTunnelDialer(proxy *url.URL, dialer *net.Dialer) *tunnelDialer {
	d := &tunnelDialer{proxy: proxy, dialer: dialer, userAgent: "edgeproxy"}
	if proxy.Scheme == "https" {
		d.proxyTLS = &tls.Config{ServerName: proxy.Hostname(), MinVersion: tls.VersionTLS12}
	}
	return d
}

func (d *tunnelDialer) proxyAddr() string {
	if d.proxy.Port() != "" {
		return d.proxy.Host
	}
	if d.proxy.Scheme == "https" {
		return net.JoinHostPort(d.proxy.Hostname(), "443")
	}
	return net.JoinHostPort(d.proxy.Hostname(), "80")
}

// DialContext establishes the tunnel to addr and returns the raw stream.
func (d *tunnelDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, network, d.proxyAddr())
	if err != nil {
		return nil, fmt.Errorf("tunnel: dial proxy: %w", err)
	}

	if d.proxyTLS != nil {
		tlsConn := tls.Client(conn, d.proxyTLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("tunnel: proxy tls: %w", err)
		}
		conn = tlsConn
	}

	// Unblock the handshake below if ctx ends first.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	req.Header.Set("User-Agent", d.userAgent)
	if u := d.proxy.User; u != nil {
		pass, _ := u.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(u.Username() + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}

	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, tunnelErr(ctx, fmt.Errorf("tunnel: write CONNECT: %w", err))
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = conn.Close()
		return nil, tunnelErr(ctx, fmt.Errorf("tunnel: read CONNECT response: %w", err))
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("tunnel: proxy refused CONNECT %s: %s", addr, resp.Status)
	}

	if !stop() {
		// The deadline was already poisoned; the connection is unusable.
		_ = conn.Close()
		return nil, context.Cause(ctx)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

func tunnelErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", context.Cause(ctx), err)
	}
	return err
}

// bufferedConn serves bytes read past the CONNECT response before reading
// from the connection again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
