// Package assistant answers user questions over the chat history:
// retrieval-augmented generation with message embeddings in pgvector
// and a genkit model for the completion.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"

	"github.com/clack-chat/clack/internal/chat"
	"github.com/clack-chat/clack/internal/postgres"
)

// ErrRateLimited indicates the query was rejected by the rate limiter.
var ErrRateLimited = errors.New("assistant: rate limited")

const (
	defaultTopK      = 5
	defaultRateLimit = rate.Limit(1)
	defaultRateBurst = 3

	// Hits scoring below this are noise, not context.
	minSimilarity = 0.5
)

// Store is the retrieval surface the assistant needs from storage.
type Store interface {
	SearchSimilar(ctx context.Context, query []float32, topK int) ([]postgres.SimilarMessage, error)
	MessagesWithoutEmbedding(ctx context.Context, limit int) ([]chat.Message, error)
	SaveEmbeddings(ctx context.Context, batch []postgres.MessageEmbedding) error
}

// GenerateFunc produces the completion for a prompt. Tests inject a
// fake; production uses genkit.
type GenerateFunc func(ctx context.Context, prompt string) (string, error)

// Answer is the assistant's reply with its retrieval provenance.
type Answer struct {
	Text      string
	Citations []chat.SourceCitation
}

// Config assembles the assistant service.
type Config struct {
	Genkit   *genkit.Genkit
	Model    string
	Embedder ai.Embedder
	Store    Store

	// TopK bounds the retrieval result. Zero means the default.
	TopK int

	// RateLimit and RateBurst bound query throughput. Zero values use
	// the defaults.
	RateLimit rate.Limit
	RateBurst int

	// Generate overrides the completion call. Nil uses genkit with the
	// configured model.
	Generate GenerateFunc

	Logger *slog.Logger
}

// Service answers questions against the indexed chat history. Safe for
// concurrent use.
type Service struct {
	embedder ai.Embedder
	store    Store
	topK     int
	limiter  *rate.Limiter
	generate GenerateFunc
	logger   *slog.Logger
}

// New creates the assistant service.
func New(cfg Config) (*Service, error) {
	if cfg.Embedder == nil {
		return nil, errors.New("assistant: embedder is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("assistant: store is required")
	}

	topK := cfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = defaultRateBurst
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	generate := cfg.Generate
	if generate == nil {
		if cfg.Genkit == nil {
			return nil, errors.New("assistant: genkit instance is required without a custom generate func")
		}
		g, model := cfg.Genkit, cfg.Model
		generate = func(ctx context.Context, prompt string) (string, error) {
			resp, err := genkit.Generate(ctx, g,
				ai.WithModelName(model),
				ai.WithPrompt(prompt),
			)
			if err != nil {
				return "", fmt.Errorf("generate completion: %w", err)
			}
			return resp.Text(), nil
		}
		// Provider calls get transient-error retries; injected
		// generate funcs are assumed to handle their own.
		generate = withRetry(generate, DefaultRetryConfig(), nil)
	}

	return &Service{
		embedder: cfg.Embedder,
		store:    cfg.Store,
		topK:     topK,
		limiter:  rate.NewLimiter(limit, burst),
		generate: generate,
		logger:   logger,
	}, nil
}

// Answer embeds the query, retrieves the closest stored messages, and
// generates a grounded reply. The citations mirror what the model was
// shown, ranked by similarity.
func (s *Service) Answer(ctx context.Context, query string) (Answer, error) {
	if !s.limiter.Allow() {
		return Answer{}, ErrRateLimited
	}

	vec, err := s.embedOne(ctx, query)
	if err != nil {
		return Answer{}, fmt.Errorf("embed query: %w", err)
	}

	hits, err := s.store.SearchSimilar(ctx, vec, s.topK)
	if err != nil {
		return Answer{}, fmt.Errorf("retrieve context: %w", err)
	}

	citations := make([]chat.SourceCitation, 0, len(hits))
	for _, hit := range hits {
		if hit.Similarity < minSimilarity {
			continue
		}
		citations = append(citations, chat.SourceCitation{
			ID:      hit.Message.ServerID.String(),
			Content: hit.Message.Content,
			Score:   hit.Similarity,
			Metadata: map[string]string{
				"conversation_id": hit.Message.ConversationID.String(),
				"user_id":         hit.Message.UserID.String(),
				"created_at":      hit.Message.CreatedAt.UTC().Format(time.RFC3339),
			},
		})
	}

	text, err := s.generate(ctx, buildPrompt(query, citations))
	if err != nil {
		return Answer{}, fmt.Errorf("answer query: %w", err)
	}

	s.logger.Debug("assistant answered", "sources", len(citations), "answer_length", len(text))
	return Answer{Text: text, Citations: citations}, nil
}

// embedOne returns the vector for a single text.
func (s *Service) embedOne(ctx context.Context, text string) ([]float32, error) {
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{
			{Content: []*ai.Part{ai.NewTextPart(text)}},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, errors.New("empty embedding returned")
	}
	return resp.Embeddings[0].Embedding, nil
}

// buildPrompt frames the retrieved messages as context for the model.
// An empty context still produces a prompt; the model is told to say so
// rather than invent history.
func buildPrompt(query string, citations []chat.SourceCitation) string {
	var b strings.Builder
	b.WriteString("You are a helpful assistant for a team chat workspace. ")
	b.WriteString("Answer the question using only the conversation excerpts below. ")
	b.WriteString("If the excerpts do not contain the answer, say you could not find it in the chat history.\n\n")

	if len(citations) == 0 {
		b.WriteString("(no relevant excerpts found)\n")
	}
	for i, c := range citations {
		fmt.Fprintf(&b, "Excerpt %d:\n%s\n\n", i+1, c.Content)
	}

	b.WriteString("Question: ")
	b.WriteString(query)
	return b.String()
}
