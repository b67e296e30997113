// Package httpkit builds the HTTP clients used for completion calls.
//
// Completion requests are slow on the server side and cheap to repeat
// only when they never left the machine, so the client shape is: tight
// connect and TLS bounds, a generous wait for response headers, a
// User-Agent on every request, and an optional bounded retry of
// connect-phase failures.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/atende/internal/buildinfo"
)

// Transport defaults.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second

	// DefaultResponseHeader bounds the wait for headers once the
	// request is written. Models can think for a while.
	DefaultResponseHeader = 2 * time.Minute

	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 10
)

// ClientOption configures a client built by [NewClient].
type ClientOption func(*client)

type client struct {
	timeout time.Duration
	rt      roundTripper
}

// WithTimeout sets the overall request timeout. Zero leaves only the
// request context's deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *client) { c.timeout = d }
}

// WithUserAgent overrides the default User-Agent.
func WithUserAgent(ua string) ClientOption {
	return func(c *client) { c.rt.ua = ua }
}

// WithRetry resends a request up to count more times, delay apart,
// when it failed before reaching the server. Requests whose body cannot
// be rewound are sent once.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(c *client) {
		c.rt.retries = count
		c.rt.delay = delay
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *client) { c.rt.logger = l }
}

// NewTransport returns a transport with the package defaults.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: DefaultDialTimeout, KeepAlive: DefaultKeepAlive}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client with the package transport.
func NewClient(opts ...ClientOption) *http.Client {
	c := &client{
		timeout: 2 * time.Minute,
		rt:      roundTripper{ua: buildinfo.UserAgent()},
	}
	for _, o := range opts {
		o(c)
	}
	rt := c.rt
	rt.base = NewTransport()
	if rt.logger == nil {
		rt.logger = slog.Default()
	}
	return &http.Client{Timeout: c.timeout, Transport: &rt}
}

// roundTripper stamps the User-Agent and retries connect failures.
type roundTripper struct {
	base    http.RoundTripper
	ua      string
	retries int
	delay   time.Duration
	logger  *slog.Logger
}

func (t *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// A RoundTripper must not modify the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}

	resp, err := t.base.RoundTrip(req)
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	for attempt := 1; attempt <= t.retries && neverSent(err) && rewindable; attempt++ {
		t.logger.Debug("retrying request",
			"method", req.Method,
			"host", req.URL.Host,
			"attempt", attempt,
			"error", err,
		)
		if err := sleep(req, t.delay); err != nil {
			return nil, err
		}

		again := req.Clone(req.Context())
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, fmt.Errorf("rewind body: %w", berr)
			}
			again.Body = body
		}
		resp, err = t.base.RoundTrip(again)
	}
	return resp, err
}

func sleep(req *http.Request, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-req.Context().Done():
		return req.Context().Err()
	case <-timer.C:
		return nil
	}
}

// neverSent reports connect failures: the server cannot have seen the
// request. Resets are excluded because the server may already have
// acted on it.
func neverSent(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}

// DrainAndClose discards up to limit bytes from rc and closes it so
// the connection can return to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of an error response body,
// then drains and closes it.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 4096)
	if err != nil {
		return fmt.Sprintf("(unreadable body: %v)", err)
	}
	return string(body)
}
