package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"AskChat/internal/chat"
	"AskChat/internal/session"
)

// Identity headers read when a session is created
const (
	HeaderUser  = "X-User"
	HeaderGuest = "X-Guest"
)

// ErrSessionNotFound is returned for unknown or closed session ids
var ErrSessionNotFound = errors.New("session not found")

// Response is the envelope of every JSON reply
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Deps are the shared components every session is built from
type Deps struct {
	Requests     chat.Requester
	History      chat.HistoryStore
	Quota        chat.QuotaGate
	SystemPrompt string
}

type entry struct {
	manager *chat.Manager
	hub     *hub
}

// Server exposes chat sessions over HTTP and WebSocket
type Server struct {
	deps   Deps
	logger *slog.Logger
	engine *gin.Engine

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewServer creates the server and registers its routes
func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:     deps,
		logger:   logger,
		sessions: make(map[string]*entry),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	s.routes(engine)
	s.engine = engine
	return s
}

func (s *Server) routes(r *gin.Engine) {
	api := r.Group("/api/v1/sessions")
	api.POST("", s.createSession)
	api.GET("/:id", s.getSession)
	api.DELETE("/:id", s.closeSession)
	api.POST("/:id/messages", s.sendMessage)
	api.POST("/:id/conversations", s.newConversation)
	api.PUT("/:id/conversations/:cid", s.loadConversation)
	api.DELETE("/:id/conversations/:cid", s.deleteConversation)
	api.GET("/:id/history", s.history)
	api.GET("/:id/quota", s.quotaStatus)
	api.GET("/:id/ws", s.stream)
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done, then shuts down and closes every session
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	// sessions go first so blocked sends return before the server waits on them
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Close tears down every session
func (s *Server) Close() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*entry)
	s.mu.Unlock()

	for _, e := range sessions {
		e.manager.Close()
		e.hub.close()
	}
}

func (s *Server) open(id session.Identity) (string, *entry) {
	sid := uuid.NewString()
	h := newHub()
	m := chat.New(id, s.deps.Requests, s.deps.History, s.deps.Quota,
		chat.WithChannel("session_"+sid),
		chat.WithSystemPrompt(s.deps.SystemPrompt),
		chat.WithLogger(s.logger),
		chat.WithListener(h.publish),
	)
	e := &entry{manager: m, hub: h}

	s.mu.Lock()
	s.sessions[sid] = e
	s.mu.Unlock()

	s.logger.Info("opened session", "session_id", sid, "identity", id.String())
	return sid, e
}

func (s *Server) lookup(sid string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sid]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

func (s *Server) remove(sid string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sid]
	if !ok {
		return nil, ErrSessionNotFound
	}
	delete(s.sessions, sid)
	return e, nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, chat.ErrClosed):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrQuotaExceeded):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	code := statusFor(err)
	c.JSON(code, Response{Code: code, Message: err.Error()})
}

func ok(c *gin.Context, code int, message string, data any) {
	c.JSON(code, Response{Code: code, Message: message, Data: data})
}
