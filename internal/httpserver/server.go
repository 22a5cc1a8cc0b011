package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sibyllinesoft/rave/internal/telemetry"
)

// Server is the chat bridge's HTTP ingress (C13): chi router, shared
// middleware chain and a background-safe net/http.Server wrapper.
type Server struct {
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger
}

// New builds a Server listening on addr. maxRequestBytes caps request
// bodies; registry is used to serve /metrics.
func New(addr string, maxRequestBytes int64, logger *slog.Logger, registry *prometheus.Registry) *Server {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Metrics)
	r.Use(MaxBytes(maxRequestBytes))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		Respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Server{
		router: r,
		logger: logger,
		http: &http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Mount registers handler under pattern on the router.
func (s *Server) Mount(pattern string, handler http.Handler) {
	s.router.Mount(pattern, handler)
}

// Route exposes the underlying router to callers that want chi's routing
// verbs directly (chat webhook, Matrix transaction endpoint).
func (s *Server) Route() chi.Router {
	return s.router
}

// RegisterMetrics adds every RAVE metric to registry. Kept separate from New
// so callers can build the registry once at startup and pass it to both the
// server and any out-of-band metrics pushers.
func RegisterMetrics(registry *prometheus.Registry) error {
	for _, c := range telemetry.All() {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ListenAndServe starts the HTTP server, blocking until ctx is cancelled or
// an unrecoverable error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.http.Handler = s.router

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
