package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request represents an HTTP request issued by a VU.
type Request struct {
	Method      string
	URL         string
	QueryParams url.Values
	Headers     map[string]string
	Body        interface{}

	// Name groups requests in metrics (defaults to the URL).
	Name string

	// Timeout overrides the client timeout for this request.
	Timeout time.Duration
}

// NewRequest creates a new HTTP request. rawURL may be absolute or
// relative to the client's base URL.
func NewRequest(method, rawURL string) *Request {
	return &Request{
		Method:      strings.ToUpper(method),
		URL:         rawURL,
		QueryParams: make(url.Values),
		Headers:     make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *Request) WithHeader(key, value string) *Request {
	r.Headers[key] = value
	return r
}

// WithQueryParam adds a query parameter to the request
func (r *Request) WithQueryParam(key, value string) *Request {
	r.QueryParams.Add(key, value)
	return r
}

// WithBody sets the body of the request
func (r *Request) WithBody(body interface{}) *Request {
	r.Body = body
	return r
}

// WithName sets the metric name of the request
func (r *Request) WithName(name string) *Request {
	r.Name = name
	return r
}

// WithTimeout sets a per-request timeout
func (r *Request) WithTimeout(d time.Duration) *Request {
	r.Timeout = d
	return r
}

// MetricName returns the name used to tag the request's metrics.
func (r *Request) MetricName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.URL
}

// ResolveURL joins the request URL with baseURL unless it is absolute.
func (r *Request) ResolveURL(baseURL string) (*url.URL, error) {
	target, err := url.Parse(r.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", r.URL, err)
	}

	if !target.IsAbs() {
		if baseURL == "" {
			return nil, fmt.Errorf("relative URL %q without a base URL", r.URL)
		}
		base, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
		}
		base.Path = strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(target.Path, "/")
		base.RawQuery = target.RawQuery
		target = base
	}

	if len(r.QueryParams) > 0 {
		query := target.Query()
		for key, values := range r.QueryParams {
			for _, value := range values {
				query.Add(key, value)
			}
		}
		target.RawQuery = query.Encode()
	}
	return target, nil
}

// Build constructs an http.Request bound to ctx. It also returns the size
// of the encoded body.
func (r *Request) Build(ctx context.Context, baseURL string) (*http.Request, int64, error) {
	target, err := r.ResolveURL(baseURL)
	if err != nil {
		return nil, 0, err
	}

	headers := make(map[string]string, len(r.Headers)+1)
	for k, v := range r.Headers {
		headers[k] = v
	}

	var payload []byte
	if r.Body != nil {
		switch body := r.Body.(type) {
		case string:
			payload = []byte(body)
		case []byte:
			payload = body
		case io.Reader:
			payload, err = io.ReadAll(body)
			if err != nil {
				return nil, 0, fmt.Errorf("read body: %w", err)
			}
		default:
			payload, err = json.Marshal(body)
			if err != nil {
				return nil, 0, fmt.Errorf("encode body: %w", err)
			}
			if _, ok := headers["Content-Type"]; !ok {
				headers["Content-Type"] = "application/json"
			}
		}
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bodyReader)
	if err != nil {
		return nil, 0, err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return req, int64(len(payload)), nil
}
