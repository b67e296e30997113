// Package api serves conversation turns over HTTP.
//
// Routes are tenant scoped: every conversation lives under
// /v1/tenants/{tenant}/conversations/{conversation}. Completion
// failures map to 503 with a Retry-After header so channel gateways
// can resend the same message.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/nugget/atende/internal/connwatch"
	"github.com/nugget/atende/internal/session"
	"github.com/nugget/atende/internal/usage"
)

// maxBodyBytes bounds request bodies. A turn is one chat message.
const maxBodyBytes = 64 << 10

// Conversations runs and inspects turns.
type Conversations interface {
	HandleTurn(ctx context.Context, tenantID, conversationKey, input string) ([]string, error)
	Session(ctx context.Context, tenantID, conversationKey string) (*session.Session, error)
	Forget(ctx context.Context, tenantID, conversationKey string) error
	Conversations(ctx context.Context, tenantID string) ([]string, error)
}

// Tenants reloads tenant configuration on demand.
type Tenants interface {
	Reload(ctx context.Context) error
	Cached() []string
}

// Usage reports a tenant's token consumption.
type Usage interface {
	Summary(ctx context.Context, tenantID string, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, tenantID string, start, end time.Time) (map[string]*usage.Summary, error)
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	convs    Conversations
	tenants  Tenants
	usage    Usage
	provider func() connwatch.Status
	logger   *slog.Logger
	now      func() time.Time
	router   chi.Router
	server   *http.Server
}

// Option configures optional server features.
type Option func(*Server)

// WithUsage enables GET /v1/tenants/{tenant}/usage.
func WithUsage(u Usage) Option {
	return func(s *Server) { s.usage = u }
}

// WithProviderStatus adds the model provider's health to /health.
func WithProviderStatus(fn func() connwatch.Status) Option {
	return func(s *Server) { s.provider = fn }
}

// NewServer creates a new API server. The server is created but not
// started.
func NewServer(address string, port int, convs Conversations, tenants Tenants, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address: address,
		port:    port,
		convs:   convs,
		tenants: tenants,
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.router = s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", address, port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      180 * time.Second, // model calls can be slow
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.withLogging)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/v1/admin/reload", s.handleReload)

	r.Route("/v1/tenants/{tenant}", func(r chi.Router) {
		r.Get("/usage", s.handleUsage)
		r.Get("/conversations", s.handleConversationList)
		r.Route("/conversations/{conversation}", func(r chi.Router) {
			r.Get("/", s.handleSessionGet)
			r.Delete("/", s.handleSessionDelete)
			r.Post("/turns", s.handleTurn)
		})
	})
	return r
}

// Handler returns the server's routes, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests. It blocks until the server is
// shut down and then returns [http.ErrServerClosed]. Request contexts
// carry ctx's values but not its cancellation, so in-flight turns
// finish during a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	base := context.WithoutCancel(ctx)
	s.server.BaseContext = func(net.Listener) context.Context { return base }

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if r.URL.Path == "/health" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"request_id", chimw.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}
