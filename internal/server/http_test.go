package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/decave27/discodo/internal/config"
	"github.com/decave27/discodo/internal/metrics"
	"github.com/decave27/discodo/internal/player"
	"github.com/decave27/discodo/internal/proxy"
	"github.com/decave27/discodo/internal/resolver"
	"github.com/decave27/discodo/internal/session"
	"github.com/decave27/discodo/internal/status"
	"github.com/decave27/discodo/internal/version"
)

const (
	testPassword   = "test-password"
	testStateToken = "test-state-token"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auth.Password = testPassword
	cfg.Auth.StateToken = testStateToken
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, res resolver.Resolver) *httptest.Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewWith(prometheus.NewRegistry())

	registry := session.NewRegistry(player.Factory, logger, m)
	collector := status.NewCollector(version.Name, version.Version, registry)
	opener := proxy.NewOpener(nil, 5*time.Second, logger)

	if res == nil {
		res = resolver.Func(func(ctx context.Context, query string) (interface{}, error) {
			return nil, fmt.Errorf("no resolver in this test")
		})
	}

	h := New(cfg, logger, registry, res, collector, opener, m)

	server := httptest.NewServer(h.Router())
	t.Cleanup(server.Close)

	return server
}

func bodyString(t *testing.T, resp *http.Response) string {
	t.Helper()

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return string(body)
}

func TestIndexServesNameAndVersion(t *testing.T) {
	server := newTestServer(t, testConfig(), nil)

	resp, err := http.Get(server.URL + "/")
	if err != nil {
		t.Fatalf("GET / failed: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	body := bodyString(t, resp)
	if !strings.Contains(body, version.Name) || !strings.Contains(body, version.Version) {
		t.Errorf("Expected index to contain name and version, got %q", body)
	}
}

func TestStatusSnapshot(t *testing.T) {
	server := newTestServer(t, testConfig(), nil)

	resp, err := http.Get(server.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var snapshot status.Status
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}

	if snapshot.Name != version.Name {
		t.Errorf("Expected name %q, got %q", version.Name, snapshot.Name)
	}
	if snapshot.Goroutines == 0 {
		t.Error("Expected a non-zero goroutine count")
	}
	if snapshot.Sessions != 0 {
		t.Errorf("Expected 0 sessions, got %d", snapshot.Sessions)
	}
}

func TestGetSourceRequiresPassword(t *testing.T) {
	server := newTestServer(t, testConfig(), nil)

	resp, err := http.Get(server.URL + "/getSource?query=test")
	if err != nil {
		t.Fatalf("GET /getSource failed: %v", err)
	}

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", resp.StatusCode)
	}
	if got := strings.TrimSpace(bodyString(t, resp)); got != "Password mismatch." {
		t.Errorf("Expected 'Password mismatch.', got %q", got)
	}
}

func TestGetSourceMissingQuery(t *testing.T) {
	server := newTestServer(t, testConfig(), nil)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/getSource", nil)
	req.Header.Set("Authorization", testPassword)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /getSource failed: %v", err)
	}

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
	if got := strings.TrimSpace(bodyString(t, resp)); got != "Missing parameter query." {
		t.Errorf("Expected 'Missing parameter query.', got %q", got)
	}
}

func TestGetSourceDelegatesToResolver(t *testing.T) {
	var gotQuery string
	res := resolver.Func(func(ctx context.Context, query string) (interface{}, error) {
		gotQuery = query
		return map[string]string{"title": "some track"}, nil
	})

	server := newTestServer(t, testConfig(), res)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/getSource?query=some+track", nil)
	req.Header.Set("Authorization", testPassword)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /getSource failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if gotQuery != "some track" {
		t.Errorf("Expected resolver to receive 'some track', got %q", gotQuery)
	}

	var source map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&source); err != nil {
		t.Fatalf("Failed to decode source: %v", err)
	}
	if source["title"] != "some track" {
		t.Errorf("Expected resolved source echoed back, got %v", source)
	}
}

func TestGetSourceResolverFailure(t *testing.T) {
	server := newTestServer(t, testConfig(), nil)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/getSource?query=broken", nil)
	req.Header.Set("Authorization", testPassword)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /getSource failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", resp.StatusCode)
	}
}

func TestStreamRejectsBadStateTokenBeforeUpstream(t *testing.T) {
	var upstreamHits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
	}))
	defer upstream.Close()

	server := newTestServer(t, testConfig(), nil)

	resp, err := http.Get(server.URL + "/stream?state=wrong&url=" + upstream.URL)
	if err != nil {
		t.Fatalf("GET /stream failed: %v", err)
	}

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", resp.StatusCode)
	}
	if got := strings.TrimSpace(bodyString(t, resp)); got != "State token mismatch." {
		t.Errorf("Expected 'State token mismatch.', got %q", got)
	}
	if upstreamHits.Load() != 0 {
		t.Errorf("Upstream must not be contacted on a bad state token, got %d hits", upstreamHits.Load())
	}
}

func TestStreamMissingURL(t *testing.T) {
	server := newTestServer(t, testConfig(), nil)

	resp, err := http.Get(server.URL + "/stream?state=" + testStateToken)
	if err != nil {
		t.Fatalf("GET /stream failed: %v", err)
	}

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
	if got := strings.TrimSpace(bodyString(t, resp)); got != "Missing parameter url." {
		t.Errorf("Expected 'Missing parameter url.', got %q", got)
	}
}

func TestStreamMirrorsUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/ogg")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("streamed audio"))
	}))
	defer upstream.Close()

	server := newTestServer(t, testConfig(), nil)

	resp, err := http.Get(server.URL + "/stream?state=" + testStateToken + "&url=" + upstream.URL)
	if err != nil {
		t.Fatalf("GET /stream failed: %v", err)
	}

	if resp.StatusCode != http.StatusPartialContent {
		t.Errorf("Expected 206 mirrored, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "audio/ogg" {
		t.Errorf("Expected Content-Type audio/ogg mirrored, got %q", got)
	}
	if got := bodyString(t, resp); got != "streamed audio" {
		t.Errorf("Expected mirrored body, got %q", got)
	}
}

func TestStreamBadLocalAddress(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	server := newTestServer(t, testConfig(), nil)

	resp, err := http.Get(server.URL + "/stream?state=" + testStateToken +
		"&url=" + upstream.URL + "&localaddr=not-an-address")
	if err != nil {
		t.Fatalf("GET /stream failed: %v", err)
	}

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
	if got := strings.TrimSpace(bodyString(t, resp)); got != "Address unavailable." {
		t.Errorf("Expected 'Address unavailable.', got %q", got)
	}
}

func TestStreamUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	server := newTestServer(t, testConfig(), nil)

	resp, err := http.Get(server.URL + "/stream?state=" + testStateToken + "&url=" + upstream.URL)
	if err != nil {
		t.Fatalf("GET /stream failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", resp.StatusCode)
	}
}

func TestStreamRateLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Proxy.RateLimit = 1
	server := newTestServer(t, cfg, nil)

	url := server.URL + "/stream?state=" + testStateToken + "&url=" + upstream.URL

	first, err := http.Get(url)
	if err != nil {
		t.Fatalf("First GET /stream failed: %v", err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("Expected first request to pass, got %d", first.StatusCode)
	}

	second, err := http.Get(url)
	if err != nil {
		t.Fatalf("Second GET /stream failed: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected 429 on second request, got %d", second.StatusCode)
	}
}

func TestStreamReleasesUpstreamOnCallerDisconnect(t *testing.T) {
	done := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		flusher := w.(http.Flusher)
		for {
			if _, err := w.Write(make([]byte, 1024)); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer upstream.Close()

	server := newTestServer(t, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		server.URL+"/stream?state="+testStateToken+"&url="+upstream.URL, nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /stream failed: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 1024)
	if _, err := resp.Body.Read(buf); err != nil {
		t.Fatalf("First read failed: %v", err)
	}

	// Dropping the caller mid-body must release the upstream connection.
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Upstream connection was not released after caller disconnect")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t, testConfig(), nil)

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}
