// Package httpclient builds the session HTTP client shared by key
// resolution and segment fetching.
package httpclient

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

// DefaultUserAgent is sent when the session supplies none.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"

// Config holds HTTP client configuration.
type Config struct {
	Timeout         time.Duration
	MaxConnsPerHost int
	DisableHTTP2    bool

	// Session credentials captured by the browsing collaborator.
	Headers map[string]string
	Cookies []*http.Cookie
	Jar     http.CookieJar

	// MaxBandwidth is in bytes per second, 0 = unlimited.
	MaxBandwidth int64
}

// DefaultConfig returns sensible defaults for segment downloads.
func DefaultConfig() Config {
	return Config{
		Timeout:         0, // per-request deadlines come from the context
		MaxConnsPerHost: 32,
	}
}

// New creates the session client: tuned transport, header injection,
// optional bandwidth limit and a cookie jar seeded with the session cookies.
func New(cfg Config) (*http.Client, error) {
	if cfg.MaxConnsPerHost == 0 {
		cfg.MaxConnsPerHost = 32
	}

	jar := cfg.Jar
	if jar == nil {
		j, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, errors.Wrap(err, "create cookie jar")
		}
		jar = j
	}
	if err := SeedJar(jar, cfg.Cookies); err != nil {
		return nil, err
	}

	var transport http.RoundTripper = newTransport(cfg)
	if cfg.MaxBandwidth > 0 {
		// Allow bursts of 64KB
		transport = &rateLimitedTransport{
			base:    transport,
			limiter: rate.NewLimiter(rate.Limit(cfg.MaxBandwidth), 64*1024),
		}
	}
	transport = &HeaderTransport{Headers: cfg.Headers, Base: transport}

	return &http.Client{
		Transport: transport,
		Jar:       jar,
		Timeout:   cfg.Timeout,
	}, nil
}

func newTransport(cfg Config) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		DisableCompression: true, // segments are ciphertext
		ForceAttemptHTTP2:  !cfg.DisableHTTP2,
		DialContext:        dialer.DialContext,

		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// SeedJar stores cookies in the jar under the origin their Domain names.
// Cookies without a Domain cannot be scoped and are rejected.
func SeedJar(jar http.CookieJar, cookies []*http.Cookie) error {
	byOrigin := make(map[string][]*http.Cookie)
	for _, c := range cookies {
		if c == nil {
			continue
		}
		host := strings.TrimPrefix(strings.TrimSpace(c.Domain), ".")
		if host == "" {
			return errors.Errorf("cookie %q has no domain", c.Name)
		}
		byOrigin[host] = append(byOrigin[host], c)
	}
	for host, list := range byOrigin {
		jar.SetCookies(&url.URL{Scheme: "https", Host: host, Path: "/"}, list)
	}
	return nil
}

// HeaderTransport sets fixed headers on every outgoing request.
type HeaderTransport struct {
	Headers map[string]string
	Base    http.RoundTripper
}

func (t *HeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", DefaultUserAgent)
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// rateLimitedTransport wraps a transport with rate limiting.
type rateLimitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	resp.Body = &rateLimitedReader{
		r:       resp.Body,
		limiter: t.limiter,
		ctx:     req.Context(),
	}
	return resp, nil
}

// rateLimitedReader wraps an io.ReadCloser with rate limiting.
type rateLimitedReader struct {
	r       io.ReadCloser
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	// WaitN fails for requests larger than the burst.
	if len(p) > r.limiter.Burst() {
		p = p[:r.limiter.Burst()]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (r *rateLimitedReader) Close() error {
	return r.r.Close()
}
