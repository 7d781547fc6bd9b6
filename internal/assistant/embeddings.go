package assistant

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"

	"github.com/clack-chat/clack/internal/postgres"
)

// EmbedBatchSize is how many messages one pipeline pass embeds.
const EmbedBatchSize = 50

// EmbedPending indexes stored messages that have no vector yet, one
// batch per call. It returns the number of messages embedded; zero
// means the backlog is drained.
func (s *Service) EmbedPending(ctx context.Context) (int, error) {
	msgs, err := s.store.MessagesWithoutEmbedding(ctx, EmbedBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list unembedded messages: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	docs := make([]*ai.Document, len(msgs))
	for i, msg := range msgs {
		docs[i] = &ai.Document{Content: []*ai.Part{ai.NewTextPart(msg.Content)}}
	}

	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{Input: docs})
	if err != nil {
		return 0, fmt.Errorf("embed message batch: %w", err)
	}
	if len(resp.Embeddings) != len(msgs) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d messages", len(resp.Embeddings), len(msgs))
	}

	batch := make([]postgres.MessageEmbedding, len(msgs))
	for i, msg := range msgs {
		batch[i] = postgres.MessageEmbedding{
			MessageID: msg.ServerID,
			Embedding: resp.Embeddings[i].Embedding,
		}
	}
	if err := s.store.SaveEmbeddings(ctx, batch); err != nil {
		return 0, fmt.Errorf("save embeddings: %w", err)
	}

	s.logger.Debug("embedded message batch", "count", len(batch))
	return len(batch), nil
}

// EmbedAll drains the embedding backlog batch by batch.
func (s *Service) EmbedAll(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := s.EmbedPending(ctx)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
}
