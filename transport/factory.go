package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	http "github.com/sardanioss/http"
	utls "github.com/sardanioss/utls"

	"github.com/mikrodotnet/proxyagent/internal/logging"
)

// Request describes one tunnel to an origin.
type Request struct {
	// Host may carry a port ("example.com:443"); Hostname, when set, wins
	// for both the CONNECT target and the origin identity, so a port never
	// gets doubled into "host:port:port".
	Host     string
	Hostname string
	Port     int // 0 means 443

	// OriginKey keys the session cache. Empty disables session caching for
	// this tunnel.
	OriginKey string

	// Timeout bounds the CONNECT leg; zero falls back to the factory's
	// default connect timeout.
	Timeout time.Duration

	// Session overrides whatever the cache holds for OriginKey.
	Session *utls.ClientSessionState

	// TLS carries the client parameters (roots, certificates, SNI)
	// forwarded opaquely to the handshake.
	TLS *utls.Config

	// Header is an opaque bag of CONNECT request headers, forwarded
	// verbatim and never parsed.
	Header http.Header
}

// TargetHost returns the origin host, preferring Hostname and stripping a
// port stuck in Host.
func (r *Request) TargetHost() string {
	if r.Hostname != "" {
		return r.Hostname
	}
	if h, _, err := net.SplitHostPort(r.Host); err == nil {
		return h
	}
	return r.Host
}

// TargetPort returns the origin port, defaulting to 443.
func (r *Request) TargetPort() int {
	if r.Port > 0 {
		return r.Port
	}
	return 443
}

// Target returns the host:port the CONNECT request names.
func (r *Request) Target() string {
	return net.JoinHostPort(r.TargetHost(), strconv.Itoa(r.TargetPort()))
}

// Factory turns tunnel requests into connections: it admits or queues the
// request, runs the CONNECT exchange and the TLS handshake in the
// background, and wires the outcome into the Conn it returned up front.
type Factory struct {
	connector      *Connector
	gate           *admissionGate
	sessions       *SessionCache
	helloID        utls.ClientHelloID
	connectTimeout time.Duration
}

// NewFactory builds a factory over connector. maxTunnels caps simultaneous
// live tunnels (0 means unlimited); connectTimeout is the default CONNECT
// deadline when a request has none.
func NewFactory(connector *Connector, maxTunnels int, connectTimeout time.Duration, helloID utls.ClientHelloID) *Factory {
	return &Factory{
		connector:      connector,
		gate:           newAdmissionGate(maxTunnels),
		sessions:       NewSessionCache(),
		helloID:        helloID,
		connectTimeout: connectTimeout,
	}
}

// Sessions exposes the factory's session cache.
func (f *Factory) Sessions() *SessionCache { return f.sessions }

// Counts reports live and queued tunnels.
func (f *Factory) Counts() (active, queued int) { return f.gate.counts() }

// NewConn returns immediately with a pending connection for req. The tunnel
// is established in the background — or queued first, when the cap is hit.
func (f *Factory) NewConn(req *Request) *Conn {
	c := newPendingConn(shortID())

	var (
		mu       sync.Mutex
		admitted bool
		waiter   *admissionWaiter
	)
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(f.gate.release) }

	c.OnClose(func(hadError bool) {
		if hadError && req.OriginKey != "" {
			f.sessions.Evict(req.OriginKey)
		}
		mu.Lock()
		a := admitted
		w := waiter
		mu.Unlock()
		if a {
			release()
			return
		}
		if w != nil {
			f.gate.cancel(w)
		}
	})

	start := func() {
		mu.Lock()
		admitted = true
		mu.Unlock()
		go f.establish(c, req, release)
	}

	if w, ok := f.gate.admit(start); ok {
		start()
	} else {
		mu.Lock()
		waiter = w
		mu.Unlock()
	}
	return c
}

// establish runs the two-phase setup: CONNECT through the proxy, then the
// TLS handshake over the raw tunnel. Any failure lands on the conn as its
// single terminal error; success attaches the TLS stream and flushes the
// configuration buffered while pending.
func (f *Factory) establish(c *Conn, req *Request, release func()) {
	if !c.pending() {
		// Closed while queued; the slot claimed on dequeue goes back.
		release()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.setAbort(cancel)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = f.connectTimeout
	}

	logging.Debug().Str("tunnel", c.id).Str("target", req.Target()).Msg("opening tunnel")
	tun, err := f.connector.Connect(ctx, req.Target(), req.Header, timeout, c.emitTimeout)
	if err != nil {
		logging.Warn().Str("tunnel", c.id).Err(err).Msg("CONNECT failed")
		c.finish(err)
		return
	}

	cfg := req.TLS.Clone()
	if cfg == nil {
		cfg = &utls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = req.TargetHost()
	}
	if len(cfg.NextProtos) == 0 {
		// The agent speaks HTTP/1.1 through tunnels.
		cfg.NextProtos = []string{"http/1.1"}
	}
	if cfg.KeyLogWriter == nil {
		cfg.KeyLogWriter = defaultKeyLogWriter()
	}
	if req.OriginKey != "" {
		cfg.ClientSessionCache = &originSessionCache{
			cache:    f.sessions,
			key:      req.OriginKey,
			override: req.Session,
		}
	} else if req.Session != nil {
		// No cache key, but the caller supplied a ticket to resume with.
		cfg.ClientSessionCache = &originSessionCache{
			cache:    NewSessionCache(),
			key:      "origin",
			override: req.Session,
		}
	}

	uconn := utls.UClient(tun, cfg, f.helloID)
	if err := uconn.HandshakeContext(ctx); err != nil {
		tun.Close()
		if ctx.Err() != nil {
			c.finish(ErrTunnelAborted)
			return
		}
		logging.Warn().Str("tunnel", c.id).Err(err).Msg("TLS handshake failed")
		c.finish(fmt.Errorf("tls handshake: %w", err))
		return
	}

	c.attach(uconn, tun.Raw())
}

func shortID() string {
	return uuid.NewString()[:8]
}
