// Package proxyagent is a connection factory that reaches HTTPS origins
// through an upstream HTTP proxy using the CONNECT method.
//
// An Agent hands the ambient HTTPS client a connection the moment one is
// requested; the CONNECT exchange and the TLS handshake to the origin run
// behind it. Live tunnels are capped, requests beyond the cap queue, and
// TLS sessions are cached per origin for abbreviated handshakes on reuse.
//
//	agent, _ := proxyagent.New(proxyagent.ProxyConfig{Host: "proxy.local", Port: 3128})
//	resp, _ := agent.Client().Get("https://example.com/")
package proxyagent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	http "github.com/sardanioss/http"
	"github.com/sardanioss/net/http/httpproxy"
	utls "github.com/sardanioss/utls"

	"github.com/mikrodotnet/proxyagent/transport"
)

// ProxyConfig names the upstream proxy and how to reach it. It is fixed at
// construction; one Agent talks to one proxy.
type ProxyConfig struct {
	// Scheme is "http" (default) or "https" for TLS to the proxy itself.
	Scheme string
	Host   string
	Port   int

	// Timeout is how long each CONNECT waits for the proxy's response head
	// before the conn's timeout listeners fire; the exchange is not aborted.
	// It applies to requests that carry no Timeout of their own. Zero means
	// no timeout.
	Timeout time.Duration

	// MaxTunnels caps simultaneous live tunnels through this proxy.
	// Requests beyond the cap queue until a tunnel closes. Zero means
	// unlimited.
	MaxTunnels int

	// TLS configures the proxy-side handshake for https proxies.
	TLS *utls.Config

	// DNSServer, when set, resolves the proxy host against this server
	// ("ip" or "ip:port") instead of the system resolver.
	DNSServer string
}

type config struct {
	keepAlive   bool
	maxSockets  int
	idleTimeout time.Duration
	helloID     utls.ClientHelloID
	tlsConfig   *utls.Config
}

// Option configures the ambient client side of an Agent: pooling, idle
// lifetime, TLS fingerprint.
type Option func(*config)

// WithKeepAlive controls whether the wired Transport reuses tunnels for
// sequential requests. Default true.
func WithKeepAlive(on bool) Option {
	return func(c *config) { c.keepAlive = on }
}

// WithMaxSockets caps connections per origin in the wired Transport.
func WithMaxSockets(n int) Option {
	return func(c *config) { c.maxSockets = n }
}

// WithIdleConnTimeout bounds how long an idle tunnel stays pooled.
func WithIdleConnTimeout(d time.Duration) Option {
	return func(c *config) { c.idleTimeout = d }
}

// WithClientHello picks the TLS ClientHello shape for origin handshakes.
func WithClientHello(id utls.ClientHelloID) Option {
	return func(c *config) { c.helloID = id }
}

// WithTLSConfig sets the default origin TLS parameters (roots, client
// certificates, SNI) for requests that don't carry their own.
func WithTLSConfig(cfg *utls.Config) Option {
	return func(c *config) { c.tlsConfig = cfg }
}

// Agent is the factory the HTTPS client calls to obtain tunneled
// connections. Construct one per proxy with New.
type Agent struct {
	proxy     ProxyConfig
	cfg       config
	connector *transport.Connector
	factory   *transport.Factory

	transportOnce sync.Once
	transport     *http.Transport
}

// New builds an Agent for the given proxy. Options tune the ambient client
// bundle; the ProxyConfig is forwarded to the tunnel machinery unchanged.
func New(proxy ProxyConfig, opts ...Option) (*Agent, error) {
	if proxy.Host == "" {
		return nil, errors.New("proxyagent: proxy host required")
	}
	if proxy.Port <= 0 {
		return nil, errors.New("proxyagent: proxy port required")
	}
	if proxy.Scheme == "" {
		proxy.Scheme = "http"
	}
	if proxy.Scheme != "http" && proxy.Scheme != "https" {
		return nil, fmt.Errorf("proxyagent: unsupported proxy scheme %q", proxy.Scheme)
	}

	cfg := config{
		keepAlive:   true,
		idleTimeout: 90 * time.Second,
		helloID:     utls.HelloGolang,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var resolver *transport.Resolver
	if proxy.DNSServer != "" {
		resolver = transport.NewResolver(proxy.DNSServer)
	}

	connector := transport.NewConnector(proxy.Scheme, proxy.Host, proxy.Port, proxy.TLS, resolver)
	a := &Agent{
		proxy:     proxy,
		cfg:       cfg,
		connector: connector,
		factory:   transport.NewFactory(connector, proxy.MaxTunnels, proxy.Timeout, cfg.helloID),
	}
	return a, nil
}

// ProxyFromEnvironment derives a ProxyConfig from the process environment
// (HTTPS_PROXY, falling back to HTTP_PROXY).
func ProxyFromEnvironment() (ProxyConfig, error) {
	env := httpproxy.FromEnvironment()
	raw := env.HTTPSProxy
	if raw == "" {
		raw = env.HTTPProxy
	}
	if raw == "" {
		return ProxyConfig{}, errors.New("proxyagent: no proxy in environment")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ProxyConfig{}, fmt.Errorf("proxyagent: parse proxy url: %w", err)
	}
	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return ProxyConfig{}, fmt.Errorf("proxyagent: parse proxy port: %w", err)
		}
	}
	return ProxyConfig{Scheme: u.Scheme, Host: u.Hostname(), Port: port}, nil
}

// CreateConnection returns a connection for req immediately; the tunnel is
// established behind it. When req carries no OriginKey, the composed pool
// key stands in, so session caching keys by the same identity the pool
// does.
func (a *Agent) CreateConnection(req *transport.Request) *transport.Conn {
	if req.OriginKey == "" {
		req.OriginKey = a.PoolKey(req)
	}
	if req.TLS == nil {
		req.TLS = a.cfg.tlsConfig
	}
	return a.factory.NewConn(req)
}

// PoolKey composes the origin identity with the proxy identity, so two
// agents pointed at different proxies never share pooled tunnels or cached
// sessions for the same origin.
func (a *Agent) PoolKey(req *transport.Request) string {
	return req.Target() + "|" + a.proxyKey()
}

func (a *Agent) proxyKey() string {
	return fmt.Sprintf("%s://%s", a.proxy.Scheme, net.JoinHostPort(a.proxy.Host, strconv.Itoa(a.proxy.Port)))
}

// DialTLSContext is the glue for an HTTP transport: it requests a tunnel
// for addr and blocks until the handshake outcome is known, so transport
// errors surface at dial time the way they would for a direct TLS dial.
func (a *Agent) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("proxyagent: dial %s: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("proxyagent: dial %s: %w", addr, err)
	}

	c := a.CreateConnection(&transport.Request{Hostname: host, Port: port})
	select {
	case <-c.Ready():
		if err := c.Err(); err != nil {
			return nil, err
		}
		return c, nil
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

// Transport returns the HTTP transport wired to this agent. The pooling
// knobs come from the ambient option bundle; the transport is built once
// and shared.
func (a *Agent) Transport() *http.Transport {
	a.transportOnce.Do(func() {
		t := &http.Transport{
			DialTLSContext:    a.DialTLSContext,
			MaxIdleConns:      100,
			IdleConnTimeout:   a.cfg.idleTimeout,
			DisableKeepAlives: !a.cfg.keepAlive,
			ForceAttemptHTTP2: false,
		}
		if a.cfg.maxSockets > 0 {
			t.MaxConnsPerHost = a.cfg.maxSockets
			t.MaxIdleConnsPerHost = a.cfg.maxSockets
		}
		a.transport = t
	})
	return a.transport
}

// Client returns an HTTP client over Transport.
func (a *Agent) Client() *http.Client {
	return &http.Client{Transport: a.Transport()}
}

// Sessions exposes the per-origin TLS session cache.
func (a *Agent) Sessions() *transport.SessionCache {
	return a.factory.Sessions()
}

// Stats reports agent counters.
func (a *Agent) Stats() map[string]interface{} {
	active, queued := a.factory.Counts()
	return map[string]interface{}{
		"proxy":           a.proxyKey(),
		"active_tunnels":  active,
		"queued_tunnels":  queued,
		"connects":        a.connector.Connects(),
		"cached_sessions": a.factory.Sessions().Len(),
	}
}
