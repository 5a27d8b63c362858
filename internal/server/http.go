package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/decave27/discodo/internal/config"
	"github.com/decave27/discodo/internal/metrics"
	"github.com/decave27/discodo/internal/proxy"
	"github.com/decave27/discodo/internal/resolver"
	"github.com/decave27/discodo/internal/session"
	"github.com/decave27/discodo/internal/status"
	"github.com/decave27/discodo/internal/version"
)

// HTTPServer provides the node's HTTP endpoints and the websocket upgrade.
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	registry *session.Registry
	resolver resolver.Resolver
	status   *status.Collector
	opener   *proxy.Opener
	metrics  *metrics.Metrics

	// Per-caller stream proxy limiters, keyed by remote host.
	limitersMu sync.Mutex
	limiters   map[string]*callerLimiter
}

// New creates the HTTP server with all routes configured.
func New(cfg *config.Config, logger *slog.Logger, registry *session.Registry,
	res resolver.Resolver, collector *status.Collector, opener *proxy.Opener, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:   logger,
		config:   cfg,
		registry: registry,
		resolver: res,
		status:   collector,
		opener:   opener,
		metrics:  m,
		limiters: make(map[string]*callerLimiter),
	}

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:     h.Router(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// Router builds the route table. Exposed for tests running against httptest.
func (h *HTTPServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/", h.withMetrics("/", h.handleIndex))
	r.Get("/status", h.withMetrics("/status", h.handleStatus))
	r.Get("/getSource", h.withMetrics("/getSource", h.handleGetSource))
	r.Get("/stream", h.withMetrics("/stream", h.handleStream))
	r.Get("/ws", h.handleWebsocket)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards flushing so streamed proxy responses are not buffered.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

// authorized checks the control protocol password on an HTTP request.
func (h *HTTPServer) authorized(r *http.Request) bool {
	credential := r.Header.Get("Authorization")
	return subtle.ConstantTimeCompare([]byte(credential), []byte(h.config.Auth.Password)) == 1
}

// handleIndex implements the / endpoint
func (h *HTTPServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<h1>%s</h1> <h3>%s</h3>", version.Name, version.Version)
}

// handleStatus implements the /status endpoint
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.status.Collect())
}

// handleGetSource implements the /getSource endpoint. It requires the main
// password and delegates resolution to the external resolver.
func (h *HTTPServer) handleGetSource(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "Password mismatch.", http.StatusForbidden)
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		http.Error(w, "Missing parameter query.", http.StatusBadRequest)
		return
	}

	source, err := h.resolver.Resolve(r.Context(), query)
	if err != nil {
		h.logger.Warn("Source resolution failed",
			slog.String("query", query),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Source resolution failed.", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(source)
}

// handleStream implements the /stream endpoint: the streaming reverse proxy.
// The state token is checked before any upstream I/O happens.
func (h *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if subtle.ConstantTimeCompare([]byte(state), []byte(h.config.Auth.StateToken)) != 1 {
		h.metrics.ProxyRejected.Inc()
		http.Error(w, "State token mismatch.", http.StatusForbidden)
		return
	}

	if h.config.Proxy.RateLimit > 0 && !h.allowCaller(r.RemoteAddr) {
		h.metrics.ProxyRejected.Inc()
		http.Error(w, "Rate limit exceeded.", http.StatusTooManyRequests)
		return
	}

	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		http.Error(w, "Missing parameter url.", http.StatusBadRequest)
		return
	}

	localAddr := r.URL.Query().Get("localaddr")

	stream, err := h.opener.Open(r.Context(), rawURL, r.Header, localAddr)
	if err != nil {
		if errors.Is(err, proxy.ErrAddressUnavailable) {
			http.Error(w, "Address unavailable.", http.StatusBadRequest)
			return
		}
		h.metrics.ProxyUpstreamErrors.Inc()
		h.logger.Warn("Upstream connection failed",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Upstream connection failed.", http.StatusBadGateway)
		return
	}
	defer stream.Close()

	h.metrics.ProxyRequests.Inc()

	copyProxyHeaders(w.Header(), stream.Header)
	w.WriteHeader(stream.Status)

	relayed := h.relayBody(w, stream)
	h.metrics.ProxyBytesRelayed.Add(float64(relayed))

	h.logger.Debug("Stream proxy finished",
		slog.String("url", rawURL),
		slog.Int("status", stream.Status),
		slog.Int64("bytes", relayed),
	)
}

// relayBody copies upstream chunks to the caller, flushing as they arrive.
// Any error on either side ends the relay; the deferred stream release in
// the caller runs on every path.
func (h *HTTPServer) relayBody(w http.ResponseWriter, stream *proxy.Stream) int64 {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)

	var relayed int64
	for {
		n, readErr := stream.Read(buf)
		if n > 0 {
			written, writeErr := w.Write(buf[:n])
			relayed += int64(written)
			if writeErr != nil {
				// Caller went away; the deferred Close releases upstream.
				return relayed
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return relayed
		}
	}
}

// copyProxyHeaders mirrors the upstream headers minus hop-by-hop fields.
func copyProxyHeaders(dst, src http.Header) {
	hopByHop := map[string]bool{
		"Connection":        true,
		"Keep-Alive":        true,
		"Transfer-Encoding": true,
		"Upgrade":           true,
		"Trailer":           true,
		"Te":                true,
	}

	for key, values := range src {
		if hopByHop[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// allowCaller applies the per-caller proxy rate limit.
func (h *HTTPServer) allowCaller(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	h.limitersMu.Lock()
	limiter, ok := h.limiters[host]
	if !ok {
		limiter = newCallerLimiter(h.config.Proxy.RateLimit)
		h.limiters[host] = limiter
	}
	h.limitersMu.Unlock()

	return limiter.Allow()
}
