package proxyagent

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	http "github.com/sardanioss/http"
	utls "github.com/sardanioss/utls"

	"github.com/mikrodotnet/proxyagent/internal/proxytest"
	"github.com/mikrodotnet/proxyagent/transport"
)

func startFixtures(t *testing.T) (*proxytest.Origin, *proxytest.Proxy) {
	t.Helper()
	origin, err := proxytest.StartOrigin("www.example.com")
	if err != nil {
		t.Fatalf("start origin: %v", err)
	}
	t.Cleanup(origin.Close)
	proxy, err := proxytest.StartProxy(origin)
	if err != nil {
		t.Fatalf("start proxy: %v", err)
	}
	t.Cleanup(proxy.Close)
	return origin, proxy
}

func newTestAgent(t *testing.T, origin *proxytest.Origin, proxy *proxytest.Proxy, opts ...Option) *Agent {
	t.Helper()
	opts = append(opts, WithTLSConfig(&utls.Config{RootCAs: origin.CertPool()}))
	agent, err := New(ProxyConfig{Host: proxy.Host(), Port: proxy.Port()}, opts...)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return agent
}

func get(t *testing.T, agent *Agent, url string) string {
	t.Helper()
	resp, err := agent.Client().Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestAgentHappyPath(t *testing.T) {
	origin, proxy := startFixtures(t)
	agent := newTestAgent(t, origin, proxy, WithMaxSockets(100))

	if body := get(t, agent, "https://www.example.com:1234/"); body != "Success" {
		t.Fatalf("body = %q, want Success", body)
	}
	if proxy.Connects() != 1 {
		t.Fatalf("proxy saw %d CONNECTs, want 1", proxy.Connects())
	}
	if got := proxy.Targets()[0]; got != "www.example.com:1234" {
		t.Fatalf("CONNECT target = %q, want www.example.com:1234", got)
	}
	if origin.Requests() != 1 {
		t.Fatalf("origin saw %d requests, want 1", origin.Requests())
	}
}

func TestAgentDefaultPort(t *testing.T) {
	origin, proxy := startFixtures(t)
	agent := newTestAgent(t, origin, proxy)

	if body := get(t, agent, "https://www.example.com/"); body != "Success" {
		t.Fatalf("body = %q, want Success", body)
	}
	if got := proxy.Targets()[0]; got != "www.example.com:443" {
		t.Fatalf("CONNECT target = %q, want www.example.com:443", got)
	}
}

func TestAgentPoolsTunnelsWithKeepAlive(t *testing.T) {
	origin, proxy := startFixtures(t)
	agent := newTestAgent(t, origin, proxy, WithKeepAlive(true), WithMaxSockets(1))

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := agent.Client().Get("https://www.example.com:1234/")
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				errs <- err
				return
			}
			if string(body) != "Success" {
				errs <- fmt.Errorf("body = %q", body)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("request failed: %v", err)
	}

	if proxy.Connects() != 1 {
		t.Fatalf("proxy saw %d CONNECTs, want 1", proxy.Connects())
	}
	if origin.Requests() != 3 {
		t.Fatalf("origin saw %d requests, want 3", origin.Requests())
	}
}

func TestAgentRetunnelsWithoutKeepAlive(t *testing.T) {
	origin, proxy := startFixtures(t)
	agent := newTestAgent(t, origin, proxy, WithKeepAlive(false), WithMaxSockets(1))

	for i := 0; i < 2; i++ {
		if body := get(t, agent, "https://www.example.com:1234/"); body != "Success" {
			t.Fatalf("body = %q, want Success", body)
		}
	}
	if proxy.Connects() != 2 {
		t.Fatalf("proxy saw %d CONNECTs, want 2", proxy.Connects())
	}
	if origin.Requests() != 2 {
		t.Fatalf("origin saw %d requests, want 2", origin.Requests())
	}
}

func TestAgentSurfacesConnectRefusal(t *testing.T) {
	origin, proxy := startFixtures(t)
	proxy.ConnectStatus = 500
	proxy.ConnectReason = "Connection Error"
	agent := newTestAgent(t, origin, proxy)

	_, err := agent.Client().Get("https://www.example.com:1234/")
	if err == nil {
		t.Fatal("expected CONNECT refusal")
	}
	if !strings.Contains(err.Error(), "Connection Error") {
		t.Fatalf("error %q does not carry the proxy's reason phrase", err)
	}
	var ce *transport.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("error chain %v has no *transport.ConnectError", err)
	}
	if ce.StatusCode != 500 {
		t.Fatalf("status = %d, want 500", ce.StatusCode)
	}
}

// rawRoundTrip drives one HTTP exchange over a conn the test opened itself.
func rawRoundTrip(t *testing.T, c *transport.Conn, br *bufio.Reader) string {
	t.Helper()
	if _, err := c.Write([]byte("GET / HTTP/1.1\r\nHost: www.example.com\r\n\r\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestAgentSlowConnectFiresTimeoutHandler(t *testing.T) {
	origin, proxy := startFixtures(t)
	proxy.ConnectDelay = 50 * time.Millisecond
	agent := newTestAgent(t, origin, proxy)

	var fired atomic.Int32
	c := agent.CreateConnection(&transport.Request{
		Hostname: "www.example.com",
		Port:     1234,
		Timeout:  20 * time.Millisecond,
	})
	defer c.Close()
	c.SetTimeout(20*time.Millisecond, func() { fired.Add(1) })

	// The handler fires while CONNECT is still outstanding, and the
	// request still completes afterwards.
	if body := rawRoundTrip(t, c, bufio.NewReader(c)); body != "Success" {
		t.Fatalf("body = %q, want Success", body)
	}
	if got := fired.Load(); got != 1 {
		t.Fatalf("timeout handler fired %d times, want 1", got)
	}
}

func TestAgentAbortDuringHungConnect(t *testing.T) {
	origin, proxy := startFixtures(t)
	proxy.Hang = true
	agent := newTestAgent(t, origin, proxy)

	c := agent.CreateConnection(&transport.Request{
		Hostname: "www.example.com",
		Port:     1234,
		Timeout:  20 * time.Millisecond,
	})
	c.SetTimeout(20*time.Millisecond, func() { c.Close() })

	_, err := c.Read(make([]byte, 1))
	if err == nil {
		t.Fatal("expected the aborted tunnel to error")
	}
	if !strings.Contains(err.Error(), "socket hang up") {
		t.Fatalf("error = %q, want a socket hang up", err)
	}
}

func TestAgentTimeoutClearingAcrossRequests(t *testing.T) {
	origin, proxy := startFixtures(t)
	origin.ResponseDelay = 50 * time.Millisecond
	agent := newTestAgent(t, origin, proxy)

	var fired atomic.Int32

	c := agent.CreateConnection(&transport.Request{Hostname: "www.example.com", Port: 1234})
	defer c.Close()
	br := bufio.NewReader(c)

	// First request: 100ms timeout against a 50ms delay. No fire.
	c.SetTimeout(100*time.Millisecond, func() { fired.Add(1) })
	if body := rawRoundTrip(t, c, br); body != "Success" {
		t.Fatalf("first body = %q, want Success", body)
	}

	// Second request on the same conn: 20ms timeout replaces the first
	// handler, and the 50ms delay now overruns it. Exactly one fire.
	c.SetTimeout(20*time.Millisecond, func() { fired.Add(1) })
	if body := rawRoundTrip(t, c, br); body != "Success" {
		t.Fatalf("second body = %q, want Success", body)
	}

	if got := fired.Load(); got != 1 {
		t.Fatalf("timeout handlers fired %d times, want 1", got)
	}
}

func TestAgentPoolKeyComposesOriginAndProxy(t *testing.T) {
	origin, proxy := startFixtures(t)
	agent := newTestAgent(t, origin, proxy)

	req := &transport.Request{Hostname: "www.example.com", Port: 1234}
	want := fmt.Sprintf("www.example.com:1234|http://%s:%d", proxy.Host(), proxy.Port())
	if got := agent.PoolKey(req); got != want {
		t.Fatalf("pool key = %q, want %q", got, want)
	}
}

func TestRequestHostnamePrecedence(t *testing.T) {
	// Hostname wins over a Host that already carries a port, so the
	// CONNECT path never doubles the port.
	req := &transport.Request{Host: "www.example.com:8443", Hostname: "www.example.com", Port: 8443}
	if got := req.Target(); got != "www.example.com:8443" {
		t.Fatalf("target = %q, want www.example.com:8443", got)
	}

	req = &transport.Request{Host: "www.example.com:8443", Port: 8443}
	if got := req.Target(); got != "www.example.com:8443" {
		t.Fatalf("target = %q, want www.example.com:8443", got)
	}
}

func TestAgentSessionResumptionCache(t *testing.T) {
	origin, proxy := startFixtures(t)
	agent := newTestAgent(t, origin, proxy, WithMaxSockets(1))

	if body := get(t, agent, "https://www.example.com:1234/"); body != "Success" {
		t.Fatalf("body = %q, want Success", body)
	}

	key := agent.PoolKey(&transport.Request{Hostname: "www.example.com", Port: 1234})
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := agent.Sessions().Get(key); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never cached after a successful handshake")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProxyFromEnvironment(t *testing.T) {
	t.Setenv("HTTPS_PROXY", "http://upstream.example:3128")
	t.Setenv("HTTP_PROXY", "")

	cfg, err := ProxyFromEnvironment()
	if err != nil {
		t.Fatalf("from environment: %v", err)
	}
	if cfg.Scheme != "http" || cfg.Host != "upstream.example" || cfg.Port != 3128 {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestAgentStats(t *testing.T) {
	origin, proxy := startFixtures(t)
	agent := newTestAgent(t, origin, proxy)

	get(t, agent, "https://www.example.com:1234/")

	stats := agent.Stats()
	if stats["connects"].(int64) != 1 {
		t.Fatalf("stats connects = %v, want 1", stats["connects"])
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(ProxyConfig{Port: 3128}); err == nil {
		t.Fatal("missing host must be rejected")
	}
	if _, err := New(ProxyConfig{Host: "p"}); err == nil {
		t.Fatal("missing port must be rejected")
	}
	if _, err := New(ProxyConfig{Host: "p", Port: 1, Scheme: "socks5"}); err == nil {
		t.Fatal("unsupported scheme must be rejected")
	}
}
