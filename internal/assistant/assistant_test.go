package assistant

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/clack-chat/clack/internal/chat"
	"github.com/clack-chat/clack/internal/postgres"
	"github.com/clack-chat/clack/internal/testutil"
)

// mockEmbedder implements ai.Embedder, returning one fixed vector per
// input document.
type mockEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (m *mockEmbedder) Name() string { return "mock-embedder" }

func (m *mockEmbedder) Register(api.Registry) {}

func (m *mockEmbedder) Embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	resp := &ai.EmbedResponse{}
	for range req.Input {
		resp.Embeddings = append(resp.Embeddings, &ai.Embedding{Embedding: m.vec})
	}
	return resp, nil
}

// mockStore serves scripted retrieval data and records saved batches.
type mockStore struct {
	hits       []postgres.SimilarMessage
	searchErr  error
	unembedded []chat.Message
	saved      [][]postgres.MessageEmbedding
}

func (m *mockStore) SearchSimilar(context.Context, []float32, int) ([]postgres.SimilarMessage, error) {
	return m.hits, m.searchErr
}

func (m *mockStore) MessagesWithoutEmbedding(context.Context, int) ([]chat.Message, error) {
	out := m.unembedded
	m.unembedded = nil
	return out, nil
}

func (m *mockStore) SaveEmbeddings(_ context.Context, batch []postgres.MessageEmbedding) error {
	m.saved = append(m.saved, batch)
	return nil
}

func storedMsg(content string) chat.Message {
	return chat.Message{
		Identity:       chat.Identity{ClientID: uuid.New(), ServerID: uuid.New()},
		ConversationID: uuid.New(),
		UserID:         uuid.New(),
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		Status:         chat.StatusSent,
	}
}

func testService(t *testing.T, store Store, generate GenerateFunc) *Service {
	t.Helper()
	if generate == nil {
		generate = func(context.Context, string) (string, error) { return "", nil }
	}
	svc, err := New(Config{
		Embedder:  &mockEmbedder{vec: []float32{0.1, 0.2, 0.3}},
		Store:     store,
		Generate:  generate,
		RateLimit: rate.Inf,
		Logger:    testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return svc
}

func TestAnswer_CitationsFromRetrieval(t *testing.T) {
	strong := postgres.SimilarMessage{Message: storedMsg("we deploy on fridays"), Similarity: 0.91}
	weak := postgres.SimilarMessage{Message: storedMsg("lunch at noon"), Similarity: 0.12}
	store := &mockStore{hits: []postgres.SimilarMessage{strong, weak}}

	var seenPrompt string
	svc := testService(t, store, func(_ context.Context, prompt string) (string, error) {
		seenPrompt = prompt
		return "Deploys happen on Fridays.", nil
	})

	answer, err := svc.Answer(t.Context(), "when do we deploy?")
	if err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	if answer.Text != "Deploys happen on Fridays." {
		t.Errorf("answer = %q", answer.Text)
	}

	// The weak hit is filtered out of both citations and prompt.
	if len(answer.Citations) != 1 {
		t.Fatalf("got %d citations, want 1", len(answer.Citations))
	}
	c := answer.Citations[0]
	if c.ID != strong.Message.ServerID.String() {
		t.Errorf("citation id = %q", c.ID)
	}
	if c.Score != 0.91 {
		t.Errorf("citation score = %f", c.Score)
	}
	if c.Metadata["conversation_id"] != strong.Message.ConversationID.String() {
		t.Errorf("citation metadata = %v", c.Metadata)
	}

	if !strings.Contains(seenPrompt, "we deploy on fridays") {
		t.Error("prompt does not contain the retrieved excerpt")
	}
	if strings.Contains(seenPrompt, "lunch at noon") {
		t.Error("prompt contains a filtered-out excerpt")
	}
	if !strings.Contains(seenPrompt, "when do we deploy?") {
		t.Error("prompt does not contain the question")
	}
}

func TestAnswer_NoRelevantContext(t *testing.T) {
	store := &mockStore{}
	var seenPrompt string
	svc := testService(t, store, func(_ context.Context, prompt string) (string, error) {
		seenPrompt = prompt
		return "I could not find that in the chat history.", nil
	})

	answer, err := svc.Answer(t.Context(), "what is the meaning of life?")
	if err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	if len(answer.Citations) != 0 {
		t.Errorf("got %d citations, want 0", len(answer.Citations))
	}
	if !strings.Contains(seenPrompt, "no relevant excerpts") {
		t.Error("prompt does not flag the empty context")
	}
}

func TestAnswer_RateLimited(t *testing.T) {
	svc, err := New(Config{
		Embedder:  &mockEmbedder{vec: []float32{1}},
		Store:     &mockStore{},
		Generate:  func(context.Context, string) (string, error) { return "ok", nil },
		RateLimit: rate.Every(time.Hour),
		RateBurst: 1,
		Logger:    testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if _, err := svc.Answer(t.Context(), "first"); err != nil {
		t.Fatalf("first Answer() error: %v", err)
	}
	if _, err := svc.Answer(t.Context(), "second"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second Answer() = %v, want ErrRateLimited", err)
	}
}

func TestAnswer_EmbedFailure(t *testing.T) {
	svc, err := New(Config{
		Embedder:  &mockEmbedder{err: errors.New("quota exceeded")},
		Store:     &mockStore{},
		Generate:  func(context.Context, string) (string, error) { return "", nil },
		RateLimit: rate.Inf,
		Logger:    testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if _, err := svc.Answer(t.Context(), "anything"); err == nil {
		t.Error("Answer() succeeded with a failing embedder")
	}
}

func TestEmbedPending(t *testing.T) {
	store := &mockStore{
		unembedded: []chat.Message{storedMsg("first"), storedMsg("second")},
	}
	svc := testService(t, store, nil)

	n, err := svc.EmbedPending(t.Context())
	if err != nil {
		t.Fatalf("EmbedPending() error: %v", err)
	}
	if n != 2 {
		t.Errorf("embedded %d messages, want 2", n)
	}
	if len(store.saved) != 1 || len(store.saved[0]) != 2 {
		t.Fatalf("saved batches = %+v", store.saved)
	}

	// Backlog drained: the next pass is a no-op.
	n, err = svc.EmbedPending(t.Context())
	if err != nil {
		t.Fatalf("second EmbedPending() error: %v", err)
	}
	if n != 0 {
		t.Errorf("second pass embedded %d messages, want 0", n)
	}
}

func TestEmbedAll_DrainsBacklog(t *testing.T) {
	store := &mockStore{
		unembedded: []chat.Message{storedMsg("only one")},
	}
	svc := testService(t, store, nil)

	total, err := svc.EmbedAll(t.Context())
	if err != nil {
		t.Fatalf("EmbedAll() error: %v", err)
	}
	if total != 1 {
		t.Errorf("EmbedAll() = %d, want 1", total)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Store: &mockStore{}}); err == nil {
		t.Error("New() accepted a config without an embedder")
	}
	if _, err := New(Config{Embedder: &mockEmbedder{}}); err == nil {
		t.Error("New() accepted a config without a store")
	}
	if _, err := New(Config{Embedder: &mockEmbedder{}, Store: &mockStore{}}); err == nil {
		t.Error("New() accepted a config without genkit or a generate func")
	}
}
