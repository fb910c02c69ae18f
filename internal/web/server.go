// Package web provides the HTTP surface of the bus-notifier daemon: the
// SmartApp webhook, a status page and the Prometheus endpoint.
package web

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/klauspost/compress/gzhttp"

	"github.com/sweeney/bus-notifier/internal/logging"
	"github.com/sweeney/bus-notifier/internal/metrics"
	"github.com/sweeney/bus-notifier/internal/status"
)

// WebhookPath is where the platform delivers lifecycle requests.
const WebhookPath = "/v1"

// Options carries the optional collaborators of a Server.
type Options struct {
	// Webhook receives SmartApp lifecycle requests. When nil the route is
	// not mounted.
	Webhook http.Handler
	// Metrics enables request instrumentation and GET /metrics.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server serves the webhook and the status pages over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a Server that reads state from the given tracker.
func New(addr string, tracker *status.Tracker, opts Options) *Server {
	s := &Server{
		tracker: tracker,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	router := httprouter.New()
	s.handle(router, http.MethodGet, "/", http.HandlerFunc(s.handleIndex))
	s.handle(router, http.MethodGet, "/index.html", http.HandlerFunc(s.handleIndex))
	s.handle(router, http.MethodGet, "/index.json", compress(http.HandlerFunc(s.handleJSON)))
	s.handle(router, http.MethodGet, "/healthz", http.HandlerFunc(handleHealth))
	if opts.Metrics != nil {
		s.handle(router, http.MethodGet, "/metrics", opts.Metrics.Handler())
	}
	if opts.Webhook != nil {
		s.handle(router, http.MethodPost, WebhookPath, opts.Webhook)
	}
	router.NotFound = s.instrument("unmatched", http.NotFoundHandler())

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handle(router *httprouter.Router, method, path string, h http.Handler) {
	router.Handler(method, path, s.instrument(path, h))
}

// instrument records request metrics labelled with the route pattern rather
// than the raw URL, keeping label cardinality bounded.
func (s *Server) instrument(pattern string, next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(wrapped.statusCode)).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// compress gzips responses above 512 bytes for clients that accept it.
func compress(next http.Handler) http.Handler {
	wrapper, err := gzhttp.NewWrapper(
		gzhttp.MinSize(512),
		gzhttp.CompressionLevel(6),
	)
	if err != nil {
		return gzhttp.GzipHandler(next)
	}
	return wrapper(next)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		logging.LogError(s.logger, "render status page", err)
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}
