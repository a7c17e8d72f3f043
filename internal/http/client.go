// Package http is the HTTP collaborator used by virtual users. Requests are
// traced so every response carries a phase-by-phase timing breakdown.
package http

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"
)

// TransportConfig tunes the shared connection pool.
type TransportConfig struct {
	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits the total connections per host
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	DisableKeepAlives  bool
	DisableCompression bool
	InsecureSkipVerify bool
}

// DefaultTransportConfig returns sensible defaults for load testing.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
}

func (c TransportConfig) httpClient() *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        c.MaxIdleConns,
		MaxIdleConnsPerHost: c.MaxIdleConnsPerHost,
		MaxConnsPerHost:     c.MaxConnsPerHost,
		IdleConnTimeout:     c.IdleConnTimeout,
		DisableKeepAlives:   c.DisableKeepAlives,
		DisableCompression:  c.DisableCompression,
		ForceAttemptHTTP2:   true,
	}
	if c.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: transport, Timeout: c.Timeout}
}

// Client executes requests for every VU of a run. It is safe for
// concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	headers    map[string]string
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// NewClient creates a new HTTP client with the given options
func NewClient(options ...ClientOption) *Client {
	client := &Client{
		httpClient: DefaultTransportConfig().httpClient(),
		headers:    make(map[string]string),
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// WithBaseURL sets the base URL relative request URLs resolve against
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithTimeout sets the timeout for the client
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHeader adds a header sent with every request
func WithHeader(key, value string) ClientOption {
	return func(c *Client) {
		c.headers[key] = value
	}
}

// WithTransport replaces the connection pool. A zero timeout keeps the
// current one.
func WithTransport(cfg TransportConfig) ClientOption {
	return func(c *Client) {
		timeout := c.httpClient.Timeout
		c.httpClient = cfg.httpClient()
		if cfg.Timeout == 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// Do executes req. It never returns an error: failures are reported on the
// response so that they can be counted like any other outcome.
func (c *Client) Do(ctx context.Context, req *Request) *Response {
	resp := &Response{
		Method: req.Method,
		URL:    req.URL,
		Name:   req.MetricName(),
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	tr := &tracer{}
	ctx = httptrace.WithClientTrace(ctx, tr.clientTrace())

	httpReq, bodySize, err := req.Build(ctx, c.baseURL)
	if err != nil {
		resp.Err = err
		return resp
	}
	resp.URL = httpReq.URL.String()

	for key, value := range c.headers {
		if httpReq.Header.Get(key) == "" {
			httpReq.Header.Set(key, value)
		}
	}

	tr.start(time.Now())
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		resp.Err = err
		resp.Timings = tr.timings(time.Now())
		return resp
	}

	body, err := io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	end := time.Now()

	resp.StatusCode = httpResp.StatusCode
	resp.Status = httpResp.Status
	resp.Proto = httpResp.Proto
	resp.Headers = httpResp.Header
	resp.Body = body
	resp.Timings = tr.timings(end)
	resp.BytesSent = requestSize(httpReq, bodySize)
	resp.BytesReceived = responseSize(httpResp, len(body))
	if err != nil {
		resp.Err = err
	}

	return resp
}

// tracer collects httptrace callbacks, which may arrive from the dialing
// goroutine.
type tracer struct {
	mu sync.Mutex

	begin        time.Time
	gotConn      time.Time
	connectStart time.Time
	connectDone  time.Time
	tlsStart     time.Time
	tlsDone      time.Time
	wroteRequest time.Time
	firstByte    time.Time
}

func (t *tracer) start(at time.Time) {
	t.mu.Lock()
	t.begin = at
	t.mu.Unlock()
}

func (t *tracer) mark(field *time.Time) func() {
	return func() {
		now := time.Now()
		t.mu.Lock()
		if field.IsZero() {
			*field = now
		}
		t.mu.Unlock()
	}
}

func (t *tracer) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) {
			t.mark(&t.gotConn)()
		},
		ConnectStart: func(string, string) {
			t.mark(&t.connectStart)()
		},
		ConnectDone: func(string, string, error) {
			t.mark(&t.connectDone)()
		},
		TLSHandshakeStart: t.mark(&t.tlsStart),
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			t.mark(&t.tlsDone)()
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			t.mark(&t.wroteRequest)()
		},
		GotFirstResponseByte: t.mark(&t.firstByte),
	}
}

func span(from, to time.Time) time.Duration {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return 0
	}
	return to.Sub(from)
}

// timings derives the phase breakdown. Phases that never happened (a
// reused connection, plain HTTP) are zero.
func (t *tracer) timings(end time.Time) Timings {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out Timings

	blockedEnd := t.gotConn
	if !t.connectStart.IsZero() {
		blockedEnd = t.connectStart
	}
	out.Blocked = span(t.begin, blockedEnd)
	out.Connecting = span(t.connectStart, t.connectDone)
	out.TLSHandshaking = span(t.tlsStart, t.tlsDone)

	out.Sending = span(t.gotConn, t.wroteRequest)
	out.Waiting = span(t.wroteRequest, t.firstByte)
	out.Receiving = span(t.firstByte, end)
	out.Duration = out.Sending + out.Waiting + out.Receiving
	return out
}

func headerSize(h http.Header) int64 {
	var n int64
	for k, vs := range h {
		for _, v := range vs {
			n += int64(len(k) + len(v) + 4)
		}
	}
	return n
}

func requestSize(req *http.Request, body int64) int64 {
	line := int64(len(req.Method) + len(req.URL.RequestURI()) + len(req.Proto) + 4)
	return line + headerSize(req.Header) + int64(len(req.Host)) + 8 + body
}

func responseSize(resp *http.Response, body int) int64 {
	return int64(len(resp.Proto)+len(resp.Status)+3) + headerSize(resp.Header) + 2 + int64(body)
}
