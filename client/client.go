// Package client is a thin HTTP client over a tunnel agent. It wires the
// agent's transport into requests and transparently decodes compressed
// response bodies.
package client

import (
	"compress/flate"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	http "github.com/sardanioss/http"

	proxyagent "github.com/mikrodotnet/proxyagent"
)

const acceptEncoding = "gzip, deflate, br, zstd"

// Client issues requests through a tunnel agent.
type Client struct {
	hc      *http.Client
	timeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout bounds each request end to end.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// New builds a client over agent's transport.
func New(agent *proxyagent.Agent, opts ...ClientOption) *Client {
	c := &Client{
		hc:      agent.Client(),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.hc.Timeout = c.timeout
	return c
}

// Get fetches url. Extra headers, when non-nil, are added to the request.
func (c *Client) Get(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	return c.Do(req)
}

// Do executes req. When the request doesn't name its own Accept-Encoding,
// the client negotiates compression and hands back an already-decoded body;
// Content-Encoding and Content-Length are cleared to match.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	decode := false
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", acceptEncoding)
		decode = true
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if !decode {
		return resp, nil
	}

	body, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	if body != resp.Body {
		resp.Body = body
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
	}
	return resp, nil
}

// decodeBody wraps r in the decoder matching enc. Unknown encodings pass
// through untouched.
func decodeBody(enc string, r io.ReadCloser) (io.ReadCloser, error) {
	switch enc {
	case "gzip":
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		return &decodedBody{Reader: gr, underlying: r, decoder: gr}, nil
	case "deflate":
		fr := flate.NewReader(r)
		return &decodedBody{Reader: fr, underlying: r, decoder: fr}, nil
	case "br":
		return &decodedBody{Reader: brotli.NewReader(r), underlying: r}, nil
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd body: %w", err)
		}
		rc := zr.IOReadCloser()
		return &decodedBody{Reader: rc, underlying: r, decoder: rc}, nil
	default:
		return r, nil
	}
}

// decodedBody closes both the decoder and the wire body underneath it.
type decodedBody struct {
	io.Reader
	underlying io.ReadCloser
	decoder    io.Closer
}

func (d *decodedBody) Close() error {
	if d.decoder != nil {
		d.decoder.Close()
	}
	return d.underlying.Close()
}
