// Package proxytest provides the in-process fixtures the test suite tunnels
// through: a TLS HTTP/1.1 origin server and a recording CONNECT proxy in
// front of it.
package proxytest

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	http "github.com/sardanioss/http"
)

// Origin is a TLS server speaking HTTP/1.1, the far end of every tunnel.
type Origin struct {
	ln   net.Listener
	pool *x509.CertPool

	// Body is what every request is answered with.
	Body string

	// ResponseDelay postpones each response, for timeout tests.
	ResponseDelay time.Duration

	requests atomic.Int64
	closed   atomic.Bool
}

// StartOrigin brings up an origin with a fresh self-signed certificate for
// names (plus localhost and the loopback addresses).
func StartOrigin(names ...string) (*Origin, error) {
	if len(names) == 0 {
		names = []string{"www.example.com", "example.com"}
	}
	names = append(names, "localhost")

	cert, pool, err := newTestCert(names)
	if err != nil {
		return nil, err
	}

	tcpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	o := &Origin{
		ln: tls.NewListener(tcpLn, &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"http/1.1"},
		}),
		pool: pool,
		Body: "Success",
	}
	go o.acceptLoop()
	return o, nil
}

// Addr returns the origin's host:port.
func (o *Origin) Addr() string { return o.ln.Addr().String() }

// CertPool returns a pool trusting the origin's certificate, for client
// TLS configs.
func (o *Origin) CertPool() *x509.CertPool { return o.pool }

// Requests reports how many HTTP requests arrived through tunnels.
func (o *Origin) Requests() int64 { return o.requests.Load() }

func (o *Origin) Close() {
	o.closed.Store(true)
	o.ln.Close()
}

func (o *Origin) acceptLoop() {
	for {
		conn, err := o.ln.Accept()
		if err != nil {
			return
		}
		go o.handle(conn)
	}
}

func (o *Origin) handle(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		io.Copy(io.Discard, req.Body)
		req.Body.Close()
		o.requests.Add(1)

		if o.ResponseDelay > 0 {
			time.Sleep(o.ResponseDelay)
		}

		closing := req.Close || req.Header.Get("Connection") == "close"
		body := o.Body
		fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n", len(body))
		if closing {
			io.WriteString(conn, "Connection: close\r\n")
		}
		fmt.Fprintf(conn, "\r\n%s", body)
		if closing {
			return
		}
	}
}

// Proxy is a recording CONNECT proxy. By default it accepts every CONNECT
// and pipes the tunnel to the origin; the knobs make it refuse, stall, or
// hang instead.
type Proxy struct {
	ln     net.Listener
	origin *Origin

	// ConnectStatus, when not 0 or 200, refuses every CONNECT with this
	// status and ConnectReason as the reason phrase.
	ConnectStatus int
	ConnectReason string

	// ConnectDelay stalls before answering the CONNECT.
	ConnectDelay time.Duration

	// Hang never answers the CONNECT at all.
	Hang bool

	mu       sync.Mutex
	connects int
	targets  []string
}

// StartProxy brings up a proxy in front of origin.
func StartProxy(origin *Origin) (*Proxy, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	p := &Proxy{ln: ln, origin: origin}
	go p.acceptLoop()
	return p, nil
}

// Host returns the proxy's listen host.
func (p *Proxy) Host() string {
	host, _, _ := net.SplitHostPort(p.ln.Addr().String())
	return host
}

// Port returns the proxy's listen port.
func (p *Proxy) Port() int {
	_, portStr, _ := net.SplitHostPort(p.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

// Connects reports how many CONNECT requests arrived.
func (p *Proxy) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// Targets returns the CONNECT request targets in arrival order.
func (p *Proxy) Targets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.targets...)
}

func (p *Proxy) Close() { p.ln.Close() }

func (p *Proxy) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.handle(conn)
	}
}

func (p *Proxy) handle(conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	if req.Method != http.MethodConnect {
		io.WriteString(conn, "HTTP/1.1 400 Bad Request\r\n\r\n")
		return
	}

	p.mu.Lock()
	p.connects++
	p.targets = append(p.targets, req.Host)
	p.mu.Unlock()

	if p.Hang {
		// Swallow the conn until the client gives up.
		io.Copy(io.Discard, conn)
		return
	}
	if p.ConnectDelay > 0 {
		time.Sleep(p.ConnectDelay)
	}
	if p.ConnectStatus != 0 && p.ConnectStatus != 200 {
		reason := p.ConnectReason
		if reason == "" {
			reason = http.StatusText(p.ConnectStatus)
		}
		fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n\r\n", p.ConnectStatus, reason)
		return
	}

	target, err := net.Dial("tcp", p.origin.Addr())
	if err != nil {
		io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer target.Close()

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	// Flush anything the client pipelined behind the CONNECT head before
	// splicing the raw streams.
	if n := br.Buffered(); n > 0 {
		peeked, _ := br.Peek(n)
		if _, err := target.Write(peeked); err != nil {
			return
		}
		br.Discard(n)
	}

	tunnel(conn, target)
}

// tunnel splices the two conns until both directions finish.
func tunnel(client, target net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	const bufSize = 32 * 1024

	go func() {
		defer wg.Done()
		buf := make([]byte, bufSize)
		io.CopyBuffer(target, client, buf)
		if tc, ok := target.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		buf := make([]byte, bufSize)
		io.CopyBuffer(client, target, buf)
		if tc, ok := client.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	wg.Wait()
}

// newTestCert builds a self-signed server certificate for names and a pool
// trusting it.
func newTestCert(names []string) (tls.Certificate, *x509.CertPool, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: names[0]},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              names,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, pool, nil
}
