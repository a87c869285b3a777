package pool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	tls "github.com/refraction-networking/utls"

	"github.com/use-agent/harvest/metrics"
)

// chromeH1Spec is a Chrome-like TLS ClientHello with ALPN forced to
// http/1.1 only. Computed once at init time and reused for every
// connection.
var chromeH1Spec tls.ClientHelloSpec

func init() {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		// Should never happen with a valid utls version; connections then
		// fall back to HelloChrome_Auto without the ALPN pin.
		return
	}
	// Replace h2 with http/1.1 only in the ALPN extension so the server
	// never negotiates HTTP/2, which Go's http.Transport cannot handle
	// over a utls connection.
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	chromeH1Spec = spec
}

// Conn is one pooled outbound connection handle: an HTTP client with a
// Chrome TLS fingerprint and warm keep-alive connections.
type Conn struct {
	client *http.Client
}

// Client returns an HTTP client for the given proxy URL. With no proxy the
// pooled keep-alive client is reused; with one, a throwaway proxied client
// is built (callers should CloseIdleConnections on it when done).
func (c *Conn) Client(proxyURL string) *http.Client {
	if proxyURL == "" {
		return c.client
	}
	return newFingerprintClient(proxyURL)
}

// NewConnPool builds the connection pool used by non-rendering adapters.
func NewConnPool(cfg Config, obs metrics.Observer) *Pool[*Conn] {
	funcs := Funcs[*Conn]{
		Create: func(ctx context.Context) (*Conn, error) {
			return &Conn{client: newFingerprintClient("")}, nil
		},
		Destroy: func(c *Conn) {
			c.client.CloseIdleConnections()
		},
		Validate: func(c *Conn) bool {
			return c != nil && c.client != nil
		},
	}
	return New("conn", cfg, funcs, obs)
}

// newFingerprintClient builds an HTTP client whose TLS handshake mimics
// Chrome via utls, optionally routed through an HTTP or SOCKS5 proxy.
func newFingerprintClient(proxyURL string) *http.Client {
	transport := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialTLSChrome(ctx, network, addr, proxyURL)
		},
		ForceAttemptHTTP2:   false,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
}

// dialTLSChrome establishes a TLS connection using a Chrome fingerprint
// via utls.
func dialTLSChrome(ctx context.Context, network, addr, proxyURL string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	var rawConn net.Conn
	var err error

	if proxyURL != "" {
		if u, parseErr := url.Parse(proxyURL); parseErr == nil && (u.Scheme == "socks5" || u.Scheme == "socks5h") {
			rawConn, err = dialer.DialContext(ctx, "tcp", u.Host)
			if err != nil {
				return nil, fmt.Errorf("socks5 dial: %w", err)
			}
		}
	}

	if rawConn == nil {
		rawConn, err = dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
	}

	host, _, _ := net.SplitHostPort(addr)
	tlsConn := tls.UClient(rawConn, &tls.Config{ServerName: host}, tls.HelloCustom)
	if err := tlsConn.ApplyPreset(&chromeH1Spec); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("conn pool: apply tls spec: %w", err)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}
