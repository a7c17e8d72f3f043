package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/swarm/internal/jsonpath"
)

// Timings is the breakdown of one request, following the phases of a
// connection: waiting for a connection slot, dialing, the TLS handshake,
// writing the request, waiting for the first byte, reading the body.
type Timings struct {
	Blocked        time.Duration
	Connecting     time.Duration
	TLSHandshaking time.Duration
	Sending        time.Duration
	Waiting        time.Duration
	Receiving      time.Duration

	// Duration is Sending + Waiting + Receiving.
	Duration time.Duration
}

// Millis converts a duration to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Response is the outcome of a request. Transport failures do not produce
// an error value; they are reported through Err with StatusCode 0.
type Response struct {
	Method     string
	URL        string
	Name       string
	StatusCode int
	Status     string
	Proto      string
	Headers    http.Header
	Body       []byte
	Timings    Timings

	BytesSent     int64
	BytesReceived int64

	// Err is set when the request could not be completed.
	Err error
}

// Failed reports whether the request errored or returned a status outside
// the 2xx and 3xx ranges.
func (r *Response) Failed() bool {
	return r.Err != nil || r.StatusCode < 200 || r.StatusCode >= 400
}

// IsSuccess returns true if the response status code is in the 2xx range
func (r *Response) IsSuccess() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Header returns the value of the specified header
func (r *Response) Header(key string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(key)
}

// String returns the body as a string.
func (r *Response) String() string {
	return string(r.Body)
}

// JSON selects a value from a JSON body (JSONPath or gjson syntax).
func (r *Response) JSON(path string) gjson.Result {
	return jsonpath.Get(r.Body, path)
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// ErrorMessage returns Err as text, or "".
func (r *Response) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
