package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	utls "github.com/sardanioss/utls"

	"github.com/mikrodotnet/proxyagent/internal/logging"
)

type connState int

const (
	statePending connState = iota
	stateConnected
	stateFailed
	stateClosed
)

// keepAliveConn is the keep-alive surface of *net.TCPConn.
type keepAliveConn interface {
	SetKeepAlive(bool) error
	SetKeepAlivePeriod(time.Duration) error
}

// refConn is implemented by streams that support event-loop style reference
// counting. TCP conns don't; the methods are forwarded when present.
type refConn interface {
	Ref()
	Unref()
}

// connectionStater is the subset of *utls.UConn the conn needs to report
// TLS state to the HTTP layer.
type connectionStater interface {
	ConnectionState() utls.ConnectionState
}

// Conn is the connection handed to the HTTPS client the moment a tunnel is
// requested, before the CONNECT exchange or the TLS handshake have run.
//
// While the tunnel is being built the conn is Pending: Read and Write block
// until it either becomes Connected (the TLS stream to the origin is live)
// or Failed (CONNECT or the handshake broke). Configuration calls made while
// Pending are recorded and applied to the live stream at the moment of the
// transition, in order; after that they forward directly.
//
// A Conn delivers at most one terminal close notification, no matter how it
// ends.
type Conn struct {
	id string

	mu    sync.Mutex
	state connState
	ready chan struct{} // closed on Connected or Failed

	stream net.Conn // live TLS stream once Connected
	raw    net.Conn // raw TCP conn carrying the tunnel (keep-alive target)
	err    error    // terminal error when Failed

	// abort cancels the in-flight CONNECT; installed by the factory.
	abort func()

	// configuration buffered while Pending
	pendingKeepAlive       *bool
	pendingKeepAlivePeriod *time.Duration
	pendingReadDeadline    time.Time
	pendingWriteDeadline   time.Time
	referenced             bool

	// idle-timeout facility
	idle        time.Duration
	idleTimer   *time.Timer
	timeoutCb   func() // one-shot, registered via SetTimeout
	timeoutSubs []func()

	onConnectFns []func()
	onCloseFns   []func(hadError bool)

	closeOnce sync.Once
}

func newPendingConn(id string) *Conn {
	return &Conn{
		id:         id,
		ready:      make(chan struct{}),
		referenced: true,
	}
}

// Ready is closed once the conn has left the Pending state, successfully or
// not. After Ready, Err reports the outcome.
func (c *Conn) Ready() <-chan struct{} { return c.ready }

// Err returns the terminal error for a conn that failed to connect, nil
// otherwise. It does not block; before Ready it always returns nil.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateFailed {
		return c.err
	}
	return nil
}

// Connected reports whether the tunnel is established and the TLS stream is
// attached.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// OnConnect registers fn to run once the TLS stream attaches.
func (c *Conn) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectFns = append(c.onConnectFns, fn)
}

// OnClose registers fn to run when the conn reaches its terminal state.
// hadError is true when the tunnel ended on a transport or TLS failure, and
// false for a clean close, EOF, or a caller-initiated Close.
func (c *Conn) OnClose(fn func(hadError bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCloseFns = append(c.onCloseFns, fn)
}

// OnTimeout registers fn as a persistent observer of the conn's timeout
// events. SetTimeout(0, nil) removes all observers.
func (c *Conn) OnTimeout(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeoutSubs = append(c.timeoutSubs, fn)
}

// SetTimeout configures the idle-timeout facility, mirroring the ambient
// HTTPS client's own semantics:
//
//   - d > 0 with a callback registers cb as a one-shot timeout listener,
//     replacing any callback a previous SetTimeout registered;
//   - d == 0 with a callback removes the registered callback;
//   - d == 0 without a callback removes every timeout listener.
//
// Replacement rather than removal-by-identity is what keeps listeners from
// accumulating across requests that reuse the conn.
//
// While Pending, the value is recorded and the timer starts when the stream
// attaches. A timeout event fires the listeners; it does not close the conn.
func (c *Conn) SetTimeout(d time.Duration, cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.idle = d
		if cb != nil {
			c.timeoutCb = cb
		}
		if c.state == stateConnected {
			c.armTimerLocked()
		}
		return
	}
	c.idle = 0
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.timeoutCb = nil
	if cb == nil {
		c.timeoutSubs = nil
	}
}

// SetKeepAlive toggles TCP keep-alive on the raw conn carrying the tunnel.
func (c *Conn) SetKeepAlive(on bool) error {
	c.mu.Lock()
	if c.state == statePending {
		c.pendingKeepAlive = &on
		c.mu.Unlock()
		return nil
	}
	raw := c.raw
	c.mu.Unlock()
	if ka, ok := raw.(keepAliveConn); ok {
		return ka.SetKeepAlive(on)
	}
	return nil
}

// SetKeepAlivePeriod sets the TCP keep-alive interval on the raw conn.
func (c *Conn) SetKeepAlivePeriod(d time.Duration) error {
	c.mu.Lock()
	if c.state == statePending {
		c.pendingKeepAlivePeriod = &d
		c.mu.Unlock()
		return nil
	}
	raw := c.raw
	c.mu.Unlock()
	if ka, ok := raw.(keepAliveConn); ok {
		return ka.SetKeepAlivePeriod(d)
	}
	return nil
}

// Ref marks the conn as referenced. The default state is referenced.
func (c *Conn) Ref() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == statePending {
		c.referenced = true
		return
	}
	if rc, ok := c.raw.(refConn); ok {
		rc.Ref()
	}
}

// Unref marks the conn as unreferenced; forwarded to the raw conn when it
// supports reference counting.
func (c *Conn) Unref() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == statePending {
		c.referenced = false
		return
	}
	if rc, ok := c.raw.(refConn); ok {
		rc.Unref()
	}
}

func (c *Conn) pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == statePending
}

// wait blocks until the conn leaves Pending and returns the live stream.
func (c *Conn) wait() (net.Conn, error) {
	<-c.ready
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateConnected:
		return c.stream, nil
	case stateFailed:
		return nil, c.err
	default:
		if c.stream != nil {
			return c.stream, nil
		}
		return nil, ErrConnClosed
	}
}

func (c *Conn) Read(b []byte) (int, error) {
	stream, err := c.wait()
	if err != nil {
		return 0, err
	}
	n, err := stream.Read(b)
	c.touch()
	if err != nil && !isDeadlineErr(err) {
		c.finish(err)
	}
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	stream, err := c.wait()
	if err != nil {
		return 0, err
	}
	n, err := stream.Write(b)
	c.touch()
	if err != nil && !isDeadlineErr(err) {
		c.finish(err)
	}
	return n, err
}

// Close aborts a pending tunnel or closes a connected one. Either way the
// close path runs exactly once.
func (c *Conn) Close() error {
	c.mu.Lock()
	pending := c.state == statePending
	abort := c.abort
	c.mu.Unlock()
	if pending {
		if abort != nil {
			abort()
		}
		c.finish(ErrTunnelAborted)
		return nil
	}
	c.finish(nil)
	return nil
}

func (c *Conn) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return c.stream.LocalAddr()
	}
	return &net.TCPAddr{}
}

func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return c.stream.RemoteAddr()
	}
	return &net.TCPAddr{}
}

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	if c.state == statePending {
		c.pendingReadDeadline = t
		c.mu.Unlock()
		return nil
	}
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return ErrConnClosed
	}
	return stream.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	if c.state == statePending {
		c.pendingWriteDeadline = t
		c.mu.Unlock()
		return nil
	}
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return ErrConnClosed
	}
	return stream.SetWriteDeadline(t)
}

// ConnectionState blocks until the handshake outcome is known and reports
// the negotiated TLS state, so the HTTP layer can inspect it exactly as it
// would on a directly dialed TLS conn. A conn that failed reports the zero
// state.
func (c *Conn) ConnectionState() tls.ConnectionState {
	stream, err := c.wait()
	if err != nil {
		return tls.ConnectionState{}
	}
	cs, ok := stream.(connectionStater)
	if !ok {
		return tls.ConnectionState{}
	}
	return convertConnectionState(cs.ConnectionState())
}

// HandshakeContext blocks until the tunnel's handshake outcome is known.
// The handshake itself runs regardless; this only observes it, which is
// what an HTTP transport handed a pre-established TLS conn expects.
func (c *Conn) HandshakeContext(ctx context.Context) error {
	select {
	case <-c.ready:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NetConn returns the raw conn carrying the tunnel, nil while pending.
func (c *Conn) NetConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw
}

// setAbort installs the CONNECT cancellation hook. If the conn was already
// closed the hook runs immediately so the in-flight exchange is torn down.
func (c *Conn) setAbort(fn func()) {
	c.mu.Lock()
	if c.state == statePending {
		c.abort = fn
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

// attach transitions the conn to Connected and flushes the configuration
// buffered while Pending, in recorded order. If the conn was closed while
// the tunnel was still being built, the freshly attached stream is closed
// instead.
func (c *Conn) attach(stream, raw net.Conn) {
	c.mu.Lock()
	if c.state != statePending {
		c.mu.Unlock()
		stream.Close()
		return
	}
	c.stream = stream
	c.raw = raw
	c.state = stateConnected
	if c.idle > 0 {
		c.armTimerLocked()
	}
	if c.pendingKeepAlive != nil {
		if ka, ok := raw.(keepAliveConn); ok {
			_ = ka.SetKeepAlive(*c.pendingKeepAlive)
		}
	}
	if c.pendingKeepAlivePeriod != nil {
		if ka, ok := raw.(keepAliveConn); ok {
			_ = ka.SetKeepAlivePeriod(*c.pendingKeepAlivePeriod)
		}
	}
	if !c.referenced {
		if rc, ok := raw.(refConn); ok {
			rc.Unref()
		}
	}
	if !c.pendingReadDeadline.IsZero() {
		_ = stream.SetReadDeadline(c.pendingReadDeadline)
	}
	if !c.pendingWriteDeadline.IsZero() {
		_ = stream.SetWriteDeadline(c.pendingWriteDeadline)
	}
	connectFns := append([]func(){}, c.onConnectFns...)
	close(c.ready)
	c.mu.Unlock()

	logging.Debug().Str("tunnel", c.id).Msg("tunnel connected")
	for _, fn := range connectFns {
		fn()
	}
}

// finish runs the terminal close path exactly once. terr classifies the
// ending: a transport or TLS failure marks the close as errored; EOF, a
// local close, and a caller abort do not.
func (c *Conn) finish(terr error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}
		hadError := terr != nil &&
			!errors.Is(terr, io.EOF) &&
			!errors.Is(terr, net.ErrClosed) &&
			!errors.Is(terr, ErrTunnelAborted)
		if c.state == statePending {
			c.state = stateFailed
			if terr == nil {
				terr = ErrConnClosed
			}
			c.err = terr
			close(c.ready)
		} else {
			c.state = stateClosed
		}
		stream := c.stream
		closeFns := append([]func(bool){}, c.onCloseFns...)
		c.mu.Unlock()

		if stream != nil {
			stream.Close()
		}
		logging.Debug().Str("tunnel", c.id).Bool("had_error", hadError).Msg("tunnel closed")
		for _, fn := range closeFns {
			fn(hadError)
		}
	})
}

// emitTimeout fires the timeout listeners: the one-shot SetTimeout callback
// first (consumed), then the persistent observers.
func (c *Conn) emitTimeout() {
	c.mu.Lock()
	cb := c.timeoutCb
	c.timeoutCb = nil
	subs := append([]func(){}, c.timeoutSubs...)
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
	for _, fn := range subs {
		fn()
	}
}

// touch resets the idle timer after I/O activity.
func (c *Conn) touch() {
	c.mu.Lock()
	if c.idle > 0 && c.idleTimer != nil {
		c.idleTimer.Reset(c.idle)
	}
	c.mu.Unlock()
}

func (c *Conn) armTimerLocked() {
	if c.idleTimer == nil {
		c.idleTimer = time.AfterFunc(c.idle, c.emitTimeout)
		return
	}
	c.idleTimer.Reset(c.idle)
}

func isDeadlineErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// convertConnectionState maps the TLS library's connection state onto the
// stdlib type the HTTP layer understands.
func convertConnectionState(cs utls.ConnectionState) tls.ConnectionState {
	return tls.ConnectionState{
		Version:                     cs.Version,
		HandshakeComplete:           cs.HandshakeComplete,
		DidResume:                   cs.DidResume,
		CipherSuite:                 cs.CipherSuite,
		NegotiatedProtocol:          cs.NegotiatedProtocol,
		ServerName:                  cs.ServerName,
		PeerCertificates:            cs.PeerCertificates,
		VerifiedChains:              cs.VerifiedChains,
		SignedCertificateTimestamps: cs.SignedCertificateTimestamps,
		OCSPResponse:                cs.OCSPResponse,
		TLSUnique:                   cs.TLSUnique,
	}
}
