// Package httpclient builds the HTTP client used for controller traffic.
//
// The client honors the agent's tls_verify flag and its optional proxy block.
// Proxy settings are parsed once when the client is built, so a malformed
// proxy URL stops the agent at startup instead of failing every heartbeat.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MacJediWizard/hostwatch/internal/config"
	"golang.org/x/net/proxy"
)

// DefaultTimeout bounds one controller request, including reading the reply.
const DefaultTimeout = 30 * time.Second

// NewWithConfig creates the controller client from the agent configuration.
// A zero timeout means DefaultTimeout. A nil cfg yields a direct client that
// verifies certificates.
func NewWithConfig(cfg *config.AgentConfig, timeout time.Duration) (*http.Client, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	verify := true
	var proxyCfg *config.ProxyConfig
	if cfg != nil {
		verify = cfg.VerifyTLS()
		proxyCfg = cfg.GetProxyConfig()
	}

	transport, err := newTransport(proxyCfg, verify)
	if err != nil {
		return nil, err
	}
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}

func newTransport(proxyCfg *config.ProxyConfig, verifyTLS bool) (*http.Transport, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !verifyTLS, //nolint:gosec // tls_verify: false
		},
	}

	if !proxyCfg.HasProxy() {
		return transport, nil
	}

	// A SOCKS5 proxy carries all controller traffic; the HTTP proxies are ignored.
	if proxyCfg.SOCKS5Proxy != "" {
		dial, err := socks5Dialer(proxyCfg.SOCKS5Proxy)
		if err != nil {
			return nil, err
		}
		transport.DialContext = dial
		return transport, nil
	}

	sel, err := newProxySelector(proxyCfg)
	if err != nil {
		return nil, err
	}
	transport.Proxy = sel.proxyFor
	return transport, nil
}

func socks5Dialer(rawURL string) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse socks5_proxy: %w", err)
	}
	dialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5_proxy: %w", err)
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(_ context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}, nil
}

// proxySelector picks the HTTP proxy for a controller request.
type proxySelector struct {
	httpProxy  *url.URL
	httpsProxy *url.URL
	bypass     []string
}

func newProxySelector(cfg *config.ProxyConfig) (*proxySelector, error) {
	sel := &proxySelector{}

	var err error
	if sel.httpProxy, err = parseProxyURL("http_proxy", cfg.HTTPProxy); err != nil {
		return nil, err
	}
	if sel.httpsProxy, err = parseProxyURL("https_proxy", cfg.HTTPSProxy); err != nil {
		return nil, err
	}

	for _, entry := range strings.Split(cfg.NoProxy, ",") {
		entry = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(entry), "."))
		if entry != "" {
			sel.bypass = append(sel.bypass, entry)
		}
	}
	return sel, nil
}

func parseProxyURL(field, raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse %s: missing host in %q", field, raw)
	}
	return u, nil
}

// proxyFor implements http.Transport.Proxy. https requests use https_proxy
// and fall back to http_proxy.
func (s *proxySelector) proxyFor(req *http.Request) (*url.URL, error) {
	if s.bypasses(req.URL.Hostname()) {
		return nil, nil
	}
	if req.URL.Scheme == "https" && s.httpsProxy != nil {
		return s.httpsProxy, nil
	}
	return s.httpProxy, nil
}

// bypasses reports whether host matches no_proxy. An entry matches the host
// itself and every subdomain; "*" matches everything.
func (s *proxySelector) bypasses(host string) bool {
	host = strings.ToLower(host)
	for _, entry := range s.bypass {
		if entry == "*" || host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

// CheckReachability sends a HEAD request to target through client. Any HTTP
// response, whatever its status, counts as reachable.
func CheckReachability(ctx context.Context, client *http.Client, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}

// Route describes how controller traffic leaves the host, with proxy
// passwords masked.
func Route(cfg *config.ProxyConfig) string {
	if !cfg.HasProxy() {
		return "direct"
	}
	if cfg.SOCKS5Proxy != "" {
		return "socks5 " + maskPassword(cfg.SOCKS5Proxy)
	}

	var parts []string
	if cfg.HTTPSProxy != "" {
		parts = append(parts, "https via "+maskPassword(cfg.HTTPSProxy))
	}
	if cfg.HTTPProxy != "" {
		parts = append(parts, "http via "+maskPassword(cfg.HTTPProxy))
	}
	if cfg.NoProxy != "" {
		parts = append(parts, "bypass "+cfg.NoProxy)
	}
	return strings.Join(parts, "; ")
}

func maskPassword(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
