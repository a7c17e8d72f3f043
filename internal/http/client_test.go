package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_Do(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" {
			t.Errorf("Expected method GET, got %s", r.Method)
		}
		if r.URL.Path != "/test" {
			t.Errorf("Expected path /test, got %s", r.URL.Path)
		}
		if r.Header.Get("X-Test-Header") != "test-value" {
			t.Errorf("Expected header X-Test-Header: test-value, got %s", r.Header.Get("X-Test-Header"))
		}
		if r.Header.Get("User-Agent") != "swarm-test" {
			t.Errorf("Expected User-Agent swarm-test, got %s", r.Header.Get("User-Agent"))
		}

		time.Sleep(5 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"message":"success"}`))
	}))
	defer server.Close()

	client := NewClient(
		WithTimeout(5*time.Second),
		WithHeader("User-Agent", "swarm-test"),
		WithBaseURL(server.URL),
	)

	req := NewRequest("GET", "/test").WithHeader("X-Test-Header", "test-value")
	resp := client.Do(context.Background(), req)

	if resp.Err != nil {
		t.Fatalf("Error executing request: %v", resp.Err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status code %d, got %d", http.StatusOK, resp.StatusCode)
	}
	if resp.Failed() {
		t.Error("Expected the response not to be failed")
	}
	if resp.Header("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type: application/json, got %s", resp.Header("Content-Type"))
	}
	if resp.String() != `{"message":"success"}` {
		t.Errorf("Unexpected body %s", resp.String())
	}
	if resp.URL != server.URL+"/test" {
		t.Errorf("Expected URL %s/test, got %s", server.URL, resp.URL)
	}

	tm := resp.Timings
	if tm.Waiting < 5*time.Millisecond {
		t.Errorf("Expected waiting >= 5ms, got %v", tm.Waiting)
	}
	if tm.Duration != tm.Sending+tm.Waiting+tm.Receiving {
		t.Errorf("Duration %v is not the sum of its phases", tm.Duration)
	}
	if tm.Connecting <= 0 {
		t.Errorf("Expected a fresh connection to report connecting time, got %v", tm.Connecting)
	}
	if tm.TLSHandshaking != 0 {
		t.Errorf("Expected no TLS time over plain HTTP, got %v", tm.TLSHandshaking)
	}
	if resp.BytesReceived < int64(len(resp.Body)) || resp.BytesSent <= 0 {
		t.Errorf("Unexpected byte counts sent=%d received=%d", resp.BytesSent, resp.BytesReceived)
	}
}

func TestClient_DoReusesConnections(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	defer client.CloseIdleConnections()

	first := client.Do(context.Background(), NewRequest("GET", "/"))
	second := client.Do(context.Background(), NewRequest("GET", "/"))

	if first.Err != nil || second.Err != nil {
		t.Fatalf("Unexpected errors: %v, %v", first.Err, second.Err)
	}
	if second.Timings.Connecting != 0 {
		t.Errorf("Expected a reused connection to report zero connecting time, got %v", second.Timings.Connecting)
	}
}

func TestClient_DoPostsJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected JSON content type, got %s", r.Header.Get("Content-Type"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	resp := client.Do(context.Background(), NewRequest("POST", "/echo").WithBody(map[string]int{"maxCaloriesPerSlice": 500}))

	if got := resp.JSON("maxCaloriesPerSlice").Int(); got != 500 {
		t.Errorf("Expected echoed 500, got %d", got)
	}
}

func TestClient_DoNeverErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(WithTimeout(time.Second))
	resp := client.Do(context.Background(), NewRequest("GET", url+"/gone"))

	if resp == nil {
		t.Fatal("Expected a response")
	}
	if resp.Err == nil {
		t.Fatal("Expected a transport error on the response")
	}
	if resp.StatusCode != 0 || !resp.Failed() {
		t.Errorf("Expected failed response with status 0, got %d", resp.StatusCode)
	}
}

func TestClient_DoStatusFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	resp := NewClient(WithBaseURL(server.URL)).Do(context.Background(), NewRequest("GET", "/"))
	if resp.Err != nil {
		t.Fatalf("Unexpected error: %v", resp.Err)
	}
	if !resp.Failed() {
		t.Error("Expected a 503 to count as failed")
	}
}

func TestClient_DoRequestTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	start := time.Now()
	resp := client.Do(context.Background(), NewRequest("GET", "/slow").WithTimeout(50*time.Millisecond))

	if resp.Err == nil {
		t.Fatal("Expected a timeout error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("Request timeout was not honored")
	}
}

func TestClient_WithOptions(t *testing.T) {
	client := NewClient(
		WithTimeout(10*time.Second),
		WithBaseURL("https://example.com"),
		WithHeader("X-Test", "test-value"),
	)

	if client.httpClient.Timeout != 10*time.Second {
		t.Errorf("Expected timeout 10s, got %v", client.httpClient.Timeout)
	}
	if client.BaseURL() != "https://example.com" {
		t.Errorf("Expected baseURL https://example.com, got %s", client.BaseURL())
	}
	if client.headers["X-Test"] != "test-value" {
		t.Errorf("Expected header X-Test: test-value, got %s", client.headers["X-Test"])
	}

	cfg := DefaultTransportConfig()
	cfg.Timeout = 0
	cfg.MaxConnsPerHost = 7
	client = NewClient(WithTimeout(3*time.Second), WithTransport(cfg))
	if client.httpClient.Timeout != 3*time.Second {
		t.Errorf("Expected WithTransport to keep the timeout, got %v", client.httpClient.Timeout)
	}
	transport := client.httpClient.Transport.(*http.Transport)
	if transport.MaxConnsPerHost != 7 {
		t.Errorf("Expected MaxConnsPerHost 7, got %d", transport.MaxConnsPerHost)
	}
}
