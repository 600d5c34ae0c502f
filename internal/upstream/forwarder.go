// Package upstream owns the outbound HTTP path to the Claude API: a
// Chrome-fingerprinted TLS dialer, an optional egress proxy, and the
// request plumbing the rotation handler drives.
package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

const (
	apiVersion = "2023-06-01"
	betaHeader = "oauth-2025-04-20"
)

// Forwarder sends rewritten requests to the upstream API over a shared
// connection pool.
type Forwarder struct {
	base   *url.URL
	client *http.Client
}

// Options configure the outbound path.
type Options struct {
	// BaseURL is the upstream origin, e.g. https://api.anthropic.com.
	BaseURL string
	// ProxyURL routes egress through a socks5:// or http(s):// proxy when
	// set. Empty means direct.
	ProxyURL string
	// ConnectTimeout bounds dial plus TLS handshake.
	ConnectTimeout time.Duration
	// RequestTimeout bounds the whole exchange, streaming included.
	RequestTimeout time.Duration
}

func NewForwarder(opts Options) (*Forwarder, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if base.Scheme != "https" && base.Scheme != "http" {
		return nil, fmt.Errorf("upstream base url %q: unsupported scheme", opts.BaseURL)
	}

	rt, err := buildRoundTripper(base.Scheme, opts.ProxyURL, opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	return &Forwarder{
		base: base,
		client: &http.Client{
			Transport: rt,
			Timeout:   opts.RequestTimeout,
		},
	}, nil
}

// Do forwards one request to base+path?query authorized as accessToken. The
// inbound headers are copied minus hop-by-hop and client credentials; the
// caller owns closing the response body.
func (f *Forwarder) Do(ctx context.Context, method, path, query string, inbound http.Header, accessToken string, body io.Reader) (*http.Response, error) {
	target := *f.base
	target.Path = strings.TrimSuffix(target.Path, "/") + path
	target.RawQuery = query

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	copyInboundHeaders(req.Header, inbound)
	setAuth(req.Header, accessToken)
	return f.client.Do(req)
}

// setAuth stamps the OAuth credentials and API version headers.
func setAuth(h http.Header, accessToken string) {
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("anthropic-version", apiVersion)
	if h.Get("anthropic-beta") == "" {
		h.Set("anthropic-beta", betaHeader)
	}
}

// hop-by-hop headers plus everything the rotator replaces itself.
var skipHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
	"Content-Length":      true,
	// The transport negotiates its own encoding; honoring the client's
	// would disable transparent decompression.
	"Accept-Encoding": true,
	"Authorization":       true,
	"X-Api-Key":           true,
	"X-Account-Name":      true,
}

func copyInboundHeaders(dst, src http.Header) {
	for k, vals := range src {
		if skipHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// CloseIdleConnections drops pooled upstream connections, used on shutdown.
func (f *Forwarder) CloseIdleConnections() {
	if t, ok := f.client.Transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

func buildRoundTripper(scheme, proxyURL string, connectTimeout time.Duration) (http.RoundTripper, error) {
	if proxyURL == "" {
		if scheme == "http" {
			// Plain-http upstream: no TLS to fingerprint.
			return &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     5 * time.Minute,
				DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
			}, nil
		}
		// Direct path uses http2.Transport so the utls connection is not
		// forced through the stdlib *tls.Conn type assertion.
		return &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialUTLS(ctx, network, addr, connectTimeout)
			},
		}, nil
	}

	tunnel, err := proxyDialer(proxyURL, connectTimeout)
	if err != nil {
		return nil, err
	}
	return &http.Transport{
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     5 * time.Minute,
		DialContext:         tunnel,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			rawConn, err := tunnel(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				rawConn.Close()
				return nil, err
			}
			return uTLSHandshake(ctx, rawConn, host, connectTimeout)
		},
	}, nil
}

func dialUTLS(ctx context.Context, network, addr string, connectTimeout time.Duration) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	return uTLSHandshake(ctx, rawConn, host, connectTimeout)
}

func uTLSHandshake(ctx context.Context, rawConn net.Conn, serverName string, connectTimeout time.Duration) (net.Conn, error) {
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: false,
		MinVersion:         tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}

	return tlsConn, nil
}
