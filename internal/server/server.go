// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/markb/tableside/internal/health"
	"github.com/markb/tableside/internal/history"
	"github.com/markb/tableside/internal/log"
	"github.com/markb/tableside/internal/observability"
	"github.com/markb/tableside/internal/presence"
	"github.com/markb/tableside/internal/realtime"
	"github.com/markb/tableside/internal/syncbridge"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

// HealthReporter is the health monitor as seen by the server.
type HealthReporter interface {
	Status() health.Status
	Channels() []string
}

// SubscriptionReporter is the registry as seen by the server.
type SubscriptionReporter interface {
	Status() map[string]bool
	ActiveCount() int
	TotalCount() int
}

// PresenceReporter is the presence tracker as seen by the server.
type PresenceReporter interface {
	Status() presence.ConnectionStatus
	State() realtime.PresenceSnapshot
	RetryAttempts() int
}

// HistoryLister reads the occupancy log.
type HistoryLister interface {
	List(ctx context.Context, room string, limit int) ([]history.Snapshot, error)
}

// Bridge is the sync bridge as seen by the server.
type Bridge interface {
	ForceResubscribe(ctx context.Context) bool
	VisibilityChanged(ctx context.Context, visible bool)
	NetworkChanged(ctx context.Context, online bool)
	Attach(w syncbridge.Worker) func()
	Aggressive() bool
}

// Deps are the services the server reports on. Nil deps disable their
// routes' data; the routes answer 503.
type Deps struct {
	Health        HealthReporter
	Subscriptions SubscriptionReporter
	Presence      PresenceReporter
	History       HistoryLister
	Bridge        Bridge
	Telemetry     *observability.Telemetry
}

// Config configures the status server.
type Config struct {
	Addr        string
	CORSOrigins []string
	// Manual reconnects allowed per minute; 0 means unlimited.
	ReconnectPerMinute int
}

// Server is the local status and control surface.
type Server struct {
	cfg       Config
	deps      Deps
	router    *chi.Mux
	limiter   *rate.Limiter
	upgrader  websocket.Upgrader
	startedAt time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// New builds the router.
func New(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		router:    chi.NewRouter(),
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Workers connect from the local host; origin checks are left to CORS config.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if cfg.ReconnectPerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.ReconnectPerMinute)), cfg.ReconnectPerMinute)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Use(middleware.RequestID)
	s.router.Use(log.RequestLogger)
	s.router.Use(observability.HTTPMiddleware(s.deps.Telemetry))
	s.router.Use(middleware.Recoverer)

	s.router.Get("/worker", s.handleWorker)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/health", s.handleHealth)
		r.Get("/subscriptions", s.handleSubscriptions)
		r.Post("/reconnect", s.handleReconnect)
		r.Post("/visibility", s.handleVisibility)
		r.Post("/network", s.handleNetwork)
		r.Get("/presence", s.handlePresence)
		r.Get("/history", s.handleHistory)
		r.Get("/debug/logs", s.handleLogs)
	})
}

// Router returns the HTTP handler.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe serves on cfg.Addr until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer, s.listener = srv, ln
	s.mu.Unlock()

	log.Info("server: listening", "addr", ln.Addr().String())
	return srv.Serve(ln)
}

// Addr returns the bound address once listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server: %w", err)
	}
	return nil
}

// Serve runs the server until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Warn("server: shutdown failed", "error", err.Error())
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Server) String() string {
	return "status-server"
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("server: failed to write response", "error", err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, errCode, message string) {
	s.writeJSON(w, status, ErrorResponse{
		Error:   errCode,
		Message: message,
	})
}
