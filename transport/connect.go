package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	http "github.com/sardanioss/http"
	utls "github.com/sardanioss/utls"

	"github.com/mikrodotnet/proxyagent/internal/logging"
)

// Connector performs CONNECT exchanges against one upstream proxy. The
// dialer is shared across all tunnels the agent opens; a proxy conn is
// never reused for a second CONNECT.
type Connector struct {
	scheme   string // "http" or "https"
	addr     string // proxy host:port
	host     string // proxy host alone, for TLS SNI and resolution
	tlsCfg   *utls.Config
	dialer   *net.Dialer
	resolver *Resolver

	connects atomic.Int64
}

// NewConnector builds a connector for the proxy at host:port. tlsCfg is
// only consulted when scheme is "https" (TLS to the proxy itself); resolver
// may be nil to use the system resolver.
func NewConnector(scheme, host string, port int, tlsCfg *utls.Config, resolver *Resolver) *Connector {
	return &Connector{
		scheme:   scheme,
		addr:     net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		host:     host,
		tlsCfg:   tlsCfg,
		resolver: resolver,
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

// Connects reports how many CONNECT exchanges this connector has started.
func (c *Connector) Connects() int64 { return c.connects.Load() }

// Tunnel is the raw byte stream left behind a successful CONNECT exchange.
// Bytes the proxy sent after the response head are delivered first, so an
// out-of-protocol proxy surfaces to whatever speaks over the tunnel next
// instead of being silently dropped.
type Tunnel struct {
	net.Conn
	raw      net.Conn
	residual []byte
}

func (t *Tunnel) Read(b []byte) (int, error) {
	if len(t.residual) > 0 {
		n := copy(b, t.residual)
		t.residual = t.residual[n:]
		return n, nil
	}
	return t.Conn.Read(b)
}

// Raw returns the TCP conn carrying the tunnel, the target for keep-alive
// configuration.
func (t *Tunnel) Raw() net.Conn { return t.raw }

type connectResult struct {
	resp     *http.Response
	residual []byte
	err      error
}

// Connect dials the proxy, issues one CONNECT for target and waits for the
// status line. A timeout, when non-zero, bounds only the wait for the
// response head: when it elapses onTimeout fires once, but the exchange is
// not torn down — aborting is the caller's decision, made by cancelling
// ctx.
func (c *Connector) Connect(ctx context.Context, target string, header http.Header, timeout time.Duration, onTimeout func()) (*Tunnel, error) {
	c.connects.Add(1)

	conn, raw, err := c.dialProxy(ctx)
	if err != nil {
		return nil, fmt.Errorf("proxy dial: %w", err)
	}

	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	for k, vals := range header {
		for _, v := range vals {
			fmt.Fprintf(&req, "%s: %s\r\n", k, v)
		}
	}
	req.WriteString("\r\n")

	if _, err := conn.Write([]byte(req.String())); err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy connect write: %w", err)
	}

	resCh := make(chan connectResult, 1)
	go func() {
		br := bufio.NewReader(conn)
		resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
		var residual []byte
		if err == nil {
			resp.Body.Close()
			if n := br.Buffered(); n > 0 {
				peeked, _ := br.Peek(n)
				residual = append([]byte(nil), peeked...)
			}
		}
		resCh <- connectResult{resp: resp, residual: residual, err: err}
	}()

	var timerC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timerC = t.C
	}

	var res connectResult
	for {
		select {
		case res = <-resCh:
		case <-timerC:
			// The response is late. Tell the caller, keep waiting.
			timerC = nil
			logging.Debug().Str("target", target).Dur("timeout", timeout).Msg("CONNECT response overdue")
			if onTimeout != nil {
				onTimeout()
			}
			continue
		case <-ctx.Done():
			conn.Close()
			<-resCh
			return nil, ErrTunnelAborted
		}
		break
	}

	if res.err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ErrTunnelAborted
		}
		return nil, fmt.Errorf("proxy connect read: %w", res.err)
	}
	if res.resp.StatusCode != http.StatusOK {
		// The tunnel never opened; the conn is not reusable.
		conn.Close()
		return nil, &ConnectError{
			StatusCode: res.resp.StatusCode,
			Reason:     reasonPhrase(res.resp.Status),
		}
	}

	return &Tunnel{Conn: conn, raw: raw, residual: res.residual}, nil
}

// dialProxy opens a fresh conn to the proxy, wrapping it in TLS when the
// proxy itself is https. It returns both the outermost stream and the raw
// TCP conn underneath it.
func (c *Connector) dialProxy(ctx context.Context) (conn net.Conn, raw net.Conn, err error) {
	addr := c.addr
	if c.resolver != nil {
		host, port, splitErr := net.SplitHostPort(c.addr)
		if splitErr == nil {
			ips, resErr := c.resolver.Lookup(ctx, host)
			if resErr != nil {
				return nil, nil, resErr
			}
			addr = net.JoinHostPort(ips[0].String(), port)
		}
	}

	raw, err = c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}

	if c.scheme != "https" {
		return raw, raw, nil
	}

	cfg := c.tlsCfg.Clone()
	if cfg == nil {
		cfg = &utls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.host
	}
	tconn := utls.UClient(raw, cfg, utls.HelloGolang)
	if err := tconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, nil, fmt.Errorf("proxy tls handshake: %w", err)
	}
	return tconn, raw, nil
}

// reasonPhrase strips the numeric code off an HTTP status line remainder
// like "500 Connection Error".
func reasonPhrase(status string) string {
	if _, phrase, ok := strings.Cut(status, " "); ok {
		return phrase
	}
	return status
}
