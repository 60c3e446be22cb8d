package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/tunnelhook/internal/core/domain"
)

const defaultRequestTimeout = 30 * time.Second

// Options tunes the HTTP front end.
type Options struct {
	// RequestTimeout bounds each request context. Zero uses 30s.
	RequestTimeout time.Duration
	// ServiceName labels the otelhttp spans.
	ServiceName string
}

type Server struct {
	Router *chi.Mux
	logger *slog.Logger
	http   *http.Server
}

// New builds the router. Every method on "/" reaches the dispatcher, including
// methods chi does not know about, so the dispatcher decides what is invalid.
func New(logger *slog.Logger, dispatcher http.Handler, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "tunnelhook"
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, opts.ServiceName)
	})

	r.Handle("/", dispatcher)
	r.MethodNotAllowed(dispatcher.ServeHTTP)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusNotFound, domain.Response{OK: false, Message: domain.MessageNotFound})
	})

	return &Server{
		Router: r,
		logger: logger,
		http: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Serve blocks accepting connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting server", slog.String("addr", ln.Addr().String()))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
