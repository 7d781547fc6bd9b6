// Package api is the JSON HTTP server of the chat backend: CRUD over
// conversations and messages, the assistant query endpoint, and
// health probes. Handlers depend on narrow consumer-defined interfaces
// so tests run against in-memory fakes.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clack-chat/clack/internal/assistant"
	"github.com/clack-chat/clack/internal/chat"
)

// Store is the storage surface the handlers need.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (chat.Profile, error)
	CreateConversation(ctx context.Context, conv chat.Conversation, members []uuid.UUID) (chat.Conversation, error)
	ListConversations(ctx context.Context, userID uuid.UUID) ([]chat.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (chat.Conversation, error)
	DeleteConversation(ctx context.Context, id uuid.UUID) error
	IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]chat.Message, error)
}

// Assistant answers queries over the indexed chat history.
type Assistant interface {
	Answer(ctx context.Context, query string) (assistant.Answer, error)
}

// AuthenticateFunc resolves a bearer token to the user it belongs to.
type AuthenticateFunc func(ctx context.Context, token string) (chat.Profile, error)

// ServerConfig configures the API server.
type ServerConfig struct {
	Logger       *slog.Logger
	Store        Store            // Required
	Assistant    Assistant        // Optional: nil disables /assistant/query
	Authenticate AuthenticateFunc // Required
	Pool         *pgxpool.Pool    // Optional: nil disables pool checks in /ready
	CORSOrigins  []string
	IsDev        bool
	TrustProxy   bool
	RateBurst    int // 0 = default 60
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer wires routes, middleware, and handlers.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Authenticate == nil {
		return nil, errors.New("authenticate func is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &handler{
		store:     cfg.Store,
		assistant: cfg.Assistant,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/me", h.currentUser)

	mux.HandleFunc("GET /api/v1/conversations", h.listConversations)
	mux.HandleFunc("POST /api/v1/conversations", h.createConversation)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", h.deleteConversation)
	mux.HandleFunc("GET /api/v1/conversations/{id}/messages", h.listMessages)
	mux.HandleFunc("POST /api/v1/conversations/{id}/messages", h.sendMessage)

	if cfg.Assistant != nil {
		mux.HandleFunc("POST /api/v1/assistant/query", h.assistantQuery)
	}

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Middleware stack, outermost first:
	//   Recovery -> RequestID -> Logging -> CORS -> RateLimit -> Auth -> Routes
	var handler http.Handler = mux
	handler = authMiddleware(cfg.Authenticate, logger)(handler)
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	isDev := cfg.IsDev
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w, isDev)
		handler.ServeHTTP(w, r)
	})

	// Health probes bypass auth and rate limiting.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool))
	topMux.Handle("/", final)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
