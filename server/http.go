// Package server wires the content store together and exposes it over HTTP.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/wolfeidau/content-drop/expiry"
	"github.com/wolfeidau/content-drop/report"
	"github.com/wolfeidau/content-drop/store/gc"
	"github.com/wolfeidau/content-drop/telemetry"
	"go.opentelemetry.io/otel"
)

// Server is the HTTP server for the content store.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	stores  *Stores
	sweeper *expiry.Sweeper
	audit   *gc.Manager
	counter *report.ExtensionCounter
}

// New opens the stores and creates a server with the given configuration.
func New(ctx context.Context, cfg Config) (*Server, error) {
	cfg.setDefaults()

	stores, err := OpenStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sweeper := expiry.NewSweeper(stores.Backend, stores.Meta, stores.Index, cfg.sweeperConfig())

	audit := gc.New(stores.Meta, stores.Index, stores.Backend, cfg.auditConfig(),
		gc.WithLogger(cfg.Logger),
		gc.WithMetrics(otel.GetMeterProvider().Meter("github.com/wolfeidau/content-drop/store/gc")),
	)

	counter := report.NewExtensionCounter(stores.Meta, cfg.reportConfig())

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		stores:  stores,
		sweeper: sweeper,
		audit:   audit,
		counter: counter,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Minute, // Long timeout for large uploads
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	s.registerRoutes(r)
	return r
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.handleHealth)

	// Store stats
	r.Get("/stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	r.Method(http.MethodGet, "/metrics", telemetry.PrometheusHandler())

	r.Route("/files", func(r chi.Router) {
		r.Put("/{key}", s.handleUpload)
		r.Get("/{key}", s.handleDownload)
		r.Head("/{key}", s.handleDownload)
		r.Get("/{key}/meta", s.handleMeta)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/sweep", s.handleSweep)
		r.Post("/audit", s.handleAudit)
		r.Post("/report", s.handleReport)
	})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set operation, result, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Operation != "" {
			attrs = append(attrs, "operation", tags.Operation)
		}
		if tags.Result != telemetry.ResultNA {
			attrs = append(attrs, "result", string(tags.Result))
		}
		if tags.Owner != "" {
			attrs = append(attrs, "owner", tags.Owner)
		}

		// Add content type if present
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		if isInternalPath(r.URL.Path) {
			s.logger.Debug("http request", attrs...)
		} else {
			s.logger.Info("http request", attrs...)
		}

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the background jobs and then serves HTTP until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting sweeper", "interval", s.sweeper.Interval())
	if err := s.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}

	if s.config.AuditEnabled {
		s.logger.Info("starting audit")
		s.audit.Start(ctx)
	}

	s.counter.Start(ctx)

	s.logger.Info("starting server", "address", s.config.Address, "data_dir", s.config.DataDir, "metadata_store", s.config.MetadataStore)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for the background jobs to
// finish their current unit of work and closes the stores.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	httpErr := s.httpServer.Shutdown(ctx)

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := s.sweeper.Stop(ctx); err != nil {
			s.logger.Warn("sweeper did not stop cleanly", "error", err)
		}
	})
	wg.Go(func() {
		if err := s.audit.Stop(ctx); err != nil {
			s.logger.Warn("audit did not stop cleanly", "error", err)
		}
	})
	wg.Go(s.counter.Stop)
	wg.Wait()

	return errors.Join(httpErr, s.stores.Close())
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func isInternalPath(path string) bool {
	return path == "/health" || path == "/metrics"
}
