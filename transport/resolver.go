package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Resolver resolves the proxy host against a specific DNS server instead of
// the system resolver, with a small positive cache honouring record TTLs.
// A nil Resolver falls back to net.DefaultResolver.
type Resolver struct {
	server string // "ip:port" of the DNS server
	client *dns.Client

	mu    sync.Mutex
	cache map[string]resolverEntry
}

type resolverEntry struct {
	ips     []net.IP
	expires time.Time
}

// NewResolver creates a resolver that queries server. The port defaults to
// 53 when absent.
func NewResolver(server string) *Resolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &Resolver{
		server: server,
		client: &dns.Client{Timeout: 5 * time.Second},
		cache:  make(map[string]resolverEntry),
	}
}

// Lookup resolves host to addresses. IP literals pass through untouched.
func (r *Resolver) Lookup(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	r.mu.Lock()
	if e, ok := r.cache[host]; ok && time.Now().Before(e.expires) {
		ips := e.ips
		r.mu.Unlock()
		return ips, nil
	}
	r.mu.Unlock()

	ips, ttl, err := r.query(ctx, host, dns.TypeA)
	if err != nil || len(ips) == 0 {
		var ttl6 uint32
		var err6 error
		ips, ttl6, err6 = r.query(ctx, host, dns.TypeAAAA)
		if err6 == nil {
			ttl = ttl6
		}
		if len(ips) == 0 {
			if err == nil {
				err = err6
			}
			if err == nil {
				err = fmt.Errorf("no addresses for %s", host)
			}
			return nil, err
		}
	}

	r.mu.Lock()
	r.cache[host] = resolverEntry{ips: ips, expires: time.Now().Add(time.Duration(ttl) * time.Second)}
	r.mu.Unlock()
	return ips, nil
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]net.IP, uint32, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, 0, fmt.Errorf("dns query %s: %w", host, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, 0, fmt.Errorf("dns query %s: rcode %s", host, dns.RcodeToString[in.Rcode])
	}

	var ips []net.IP
	ttl := uint32(60)
	for _, rr := range in.Answer {
		switch a := rr.(type) {
		case *dns.A:
			ips = append(ips, a.A)
			if h := a.Header().Ttl; h < ttl {
				ttl = h
			}
		case *dns.AAAA:
			ips = append(ips, a.AAAA)
			if h := a.Header().Ttl; h < ttl {
				ttl = h
			}
		}
	}
	return ips, ttl, nil
}
