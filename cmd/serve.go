package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/clack-chat/clack/db"
	"github.com/clack-chat/clack/internal/api"
	"github.com/clack-chat/clack/internal/assistant"
	"github.com/clack-chat/clack/internal/chat"
	"github.com/clack-chat/clack/internal/config"
	"github.com/clack-chat/clack/internal/observability"
	"github.com/clack-chat/clack/internal/postgres"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = time.Minute
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second

	// embedInterval paces the background embedding worker.
	embedInterval = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe wires storage, the assistant, and the HTTP server, then
// blocks until SIGINT/SIGTERM.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg.Dev)
	slog.SetDefault(logger)
	logger.Info("starting chat API server", "version", Version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdown, err := observability.Setup(ctx, observability.Config{
			Endpoint:    cfg.Tracing.Endpoint,
			Environment: cfg.Tracing.Environment,
			ServiceName: cfg.Tracing.ServiceName,
		}, logger)
		if err != nil {
			return fmt.Errorf("setting up tracing: %w", err)
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer flushCancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("trace flush failed", "error", err)
			}
		}()
	}

	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	store, err := postgres.Connect(ctx, cfg.PostgresConnectionString(), logger.With("component", "postgres"))
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer store.Close()

	asst, err := buildAssistant(ctx, cfg, store, logger)
	if err != nil {
		return fmt.Errorf("building assistant: %w", err)
	}

	apiServer, err := api.NewServer(api.ServerConfig{
		Logger:       logger.With("component", "api"),
		Store:        store,
		Assistant:    asst,
		Authenticate: userTokenAuthenticator(store),
		Pool:         store.Pool(),
		CORSOrigins:  cfg.CORSOrigins,
		IsDev:        cfg.Dev,
		TrustProxy:   cfg.TrustProxy,
		RateBurst:    cfg.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if asst != nil {
		go embedWorker(ctx, asst, logger.With("component", "embedder"))
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("HTTP server ready",
		"addr", cfg.ListenAddr,
		"api", "/api/v1/*",
		"health", "/health, /ready",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}

// buildAssistant initializes genkit with the configured provider and
// assembles the retrieval-augmented assistant on top of the store.
func buildAssistant(ctx context.Context, cfg *config.Config, store *postgres.Store, logger *slog.Logger) (*assistant.Service, error) {
	var (
		g        *genkit.Genkit
		embedder ai.Embedder
	)

	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama requires explicit model registration.
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		embedder = ollama.Embedder(g, cfg.OllamaHost)
		logger.Info("initialized genkit with ollama provider",
			"model", cfg.ModelName, "host", cfg.OllamaHost)

	default: // gemini
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		embedder = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
		logger.Info("initialized genkit with gemini provider", "model", cfg.ModelName)
	}

	return assistant.New(assistant.Config{
		Genkit:   g,
		Model:    cfg.FullModelName(),
		Embedder: embedder,
		Store:    store,
		TopK:     cfg.TopK,
		Logger:   logger.With("component", "assistant"),
	})
}

// userTokenAuthenticator resolves bearer tokens to profiles. The token
// is the user's id; deployments put an identity provider in front of
// this server and pass the verified subject through.
func userTokenAuthenticator(store *postgres.Store) api.AuthenticateFunc {
	return func(ctx context.Context, token string) (chat.Profile, error) {
		id, err := uuid.Parse(token)
		if err != nil {
			return chat.Profile{}, fmt.Errorf("malformed token: %w", err)
		}
		return store.GetUser(ctx, id)
	}
}

// embedWorker drains the unembedded-message backlog, then keeps pace
// with new messages one batch per tick.
func embedWorker(ctx context.Context, asst *assistant.Service, logger *slog.Logger) {
	if n, err := asst.EmbedAll(ctx); err != nil {
		logger.Warn("initial embedding pass failed", "error", err)
	} else if n > 0 {
		logger.Info("embedded message backlog", "count", n)
	}

	ticker := time.NewTicker(embedInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := asst.EmbedPending(ctx)
			if err != nil {
				logger.Warn("embedding pass failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("embedded messages", "count", n)
			}
		}
	}
}
