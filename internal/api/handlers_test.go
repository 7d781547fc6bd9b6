package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clack-chat/clack/internal/assistant"
	"github.com/clack-chat/clack/internal/chat"
	"github.com/clack-chat/clack/internal/postgres"
	"github.com/clack-chat/clack/internal/testutil"
)

const testToken = "valid-token"

// mockStore is an in-memory Store for handler tests.
type mockStore struct {
	users         map[uuid.UUID]chat.Profile
	conversations map[uuid.UUID]chat.Conversation
	members       map[uuid.UUID]map[uuid.UUID]bool
	messages      map[uuid.UUID][]chat.Message
	insertCalls   int
}

func newMockStore() *mockStore {
	return &mockStore{
		users:         map[uuid.UUID]chat.Profile{},
		conversations: map[uuid.UUID]chat.Conversation{},
		members:       map[uuid.UUID]map[uuid.UUID]bool{},
		messages:      map[uuid.UUID][]chat.Message{},
	}
}

func (m *mockStore) GetUser(_ context.Context, id uuid.UUID) (chat.Profile, error) {
	user, ok := m.users[id]
	if !ok {
		return chat.Profile{}, fmt.Errorf("user %s: %w", id, postgres.ErrNotFound)
	}
	return user, nil
}

func (m *mockStore) CreateConversation(_ context.Context, conv chat.Conversation, members []uuid.UUID) (chat.Conversation, error) {
	conv.ID = uuid.New()
	conv.CreatedAt = time.Now()
	m.conversations[conv.ID] = conv
	m.members[conv.ID] = map[uuid.UUID]bool{conv.CreatedBy: true}
	for _, member := range members {
		m.members[conv.ID][member] = true
	}
	return conv, nil
}

func (m *mockStore) ListConversations(_ context.Context, userID uuid.UUID) ([]chat.Conversation, error) {
	out := []chat.Conversation{}
	for id, conv := range m.conversations {
		if m.members[id][userID] {
			out = append(out, conv)
		}
	}
	return out, nil
}

func (m *mockStore) GetConversation(_ context.Context, id uuid.UUID) (chat.Conversation, error) {
	conv, ok := m.conversations[id]
	if !ok {
		return chat.Conversation{}, fmt.Errorf("conversation %s: %w", id, postgres.ErrNotFound)
	}
	return conv, nil
}

func (m *mockStore) DeleteConversation(_ context.Context, id uuid.UUID) error {
	if _, ok := m.conversations[id]; !ok {
		return fmt.Errorf("conversation %s: %w", id, postgres.ErrNotFound)
	}
	delete(m.conversations, id)
	delete(m.members, id)
	delete(m.messages, id)
	return nil
}

func (m *mockStore) IsMember(_ context.Context, conversationID, userID uuid.UUID) (bool, error) {
	return m.members[conversationID][userID], nil
}

func (m *mockStore) InsertMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	m.insertCalls++
	for _, existing := range m.messages[msg.ConversationID] {
		if existing.ClientID == msg.ClientID {
			return existing, nil
		}
	}
	msg.ServerID = uuid.New()
	msg.Status = chat.StatusSent
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return msg, nil
}

func (m *mockStore) ListMessages(_ context.Context, conversationID uuid.UUID, _ int) ([]chat.Message, error) {
	return append([]chat.Message{}, m.messages[conversationID]...), nil
}

// mockAssistant returns a scripted answer or error.
type mockAssistant struct {
	answer assistant.Answer
	err    error
}

func (m *mockAssistant) Answer(context.Context, string) (assistant.Answer, error) {
	return m.answer, m.err
}

type testServer struct {
	srv   *httptest.Server
	store *mockStore
	user  chat.Profile
}

func newTestServer(t *testing.T, asst Assistant) *testServer {
	t.Helper()

	store := newMockStore()
	user := chat.Profile{ID: uuid.New(), Email: "kay@example.com", FullName: "Kay"}
	store.users[user.ID] = user

	server, err := NewServer(ServerConfig{
		Logger:    testutil.DiscardLogger(),
		Store:     store,
		Assistant: asst,
		Authenticate: func(ctx context.Context, token string) (chat.Profile, error) {
			if token != testToken {
				return chat.Profile{}, errors.New("unknown token")
			}
			return user, nil
		},
		IsDev:     true,
		RateBurst: 1000,
	})
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: store, user: user}
}

func (ts *testServer) request(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()

	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, payload)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return out
}

func (ts *testServer) seedConversation(t *testing.T, kind chat.Kind, name string) chat.Conversation {
	t.Helper()
	conv, err := ts.store.CreateConversation(context.Background(), chat.Conversation{
		Kind:      kind,
		Name:      name,
		CreatedBy: ts.user.ID,
	}, nil)
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return conv
}

func TestAuth_MissingOrBadToken(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.request(t, http.MethodGet, "/api/v1/me", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	resp = ts.request(t, http.MethodGet, "/api/v1/me", nil, "wrong-token")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", resp.StatusCode)
	}
}

func TestCurrentUser(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.request(t, http.MethodGet, "/api/v1/me", nil, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	profile := decodeBody[chat.Profile](t, resp)
	if profile.ID != ts.user.ID || profile.Email != ts.user.Email {
		t.Errorf("profile = %+v", profile)
	}
}

func TestCreateConversation(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.request(t, http.MethodPost, "/api/v1/conversations", map[string]any{
		"kind": "channel",
		"name": "general",
	}, testToken)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	conv := decodeBody[chat.Conversation](t, resp)
	if conv.ID == uuid.Nil || conv.CreatedBy != ts.user.ID {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestCreateConversation_Validation(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body map[string]any
	}{
		{name: "unknown_kind", body: map[string]any{"kind": "group", "name": "x"}},
		{name: "channel_without_name", body: map[string]any{"kind": "channel"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.request(t, http.MethodPost, "/api/v1/conversations", tt.body, testToken)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestSendMessage_IdempotentOnClientID(t *testing.T) {
	ts := newTestServer(t, nil)
	conv := ts.seedConversation(t, chat.KindChannel, "general")
	path := "/api/v1/conversations/" + conv.ID.String() + "/messages"

	msg := chat.NewPending(conv.ID, ts.user.ID, conv.Kind, "exactly once")

	first := ts.request(t, http.MethodPost, path, msg, testToken)
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first send: status = %d, want 201", first.StatusCode)
	}
	firstStored := decodeBody[chat.Message](t, first)
	if !firstStored.Confirmed() {
		t.Fatal("stored message has no server id")
	}

	second := ts.request(t, http.MethodPost, path, msg, testToken)
	if second.StatusCode != http.StatusCreated {
		t.Fatalf("resend: status = %d, want 201", second.StatusCode)
	}
	secondStored := decodeBody[chat.Message](t, second)
	if secondStored.ServerID != firstStored.ServerID {
		t.Errorf("resend returned a different row: %s vs %s", secondStored.ServerID, firstStored.ServerID)
	}
	if got := len(ts.store.messages[conv.ID]); got != 1 {
		t.Errorf("store holds %d messages, want 1", got)
	}
}

func TestSendMessage_Validation(t *testing.T) {
	ts := newTestServer(t, nil)
	conv := ts.seedConversation(t, chat.KindChannel, "general")
	path := "/api/v1/conversations/" + conv.ID.String() + "/messages"

	// Missing client id.
	resp := ts.request(t, http.MethodPost, path, map[string]any{"content": "hi"}, testToken)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing client id: status = %d, want 400", resp.StatusCode)
	}

	// Empty content.
	resp = ts.request(t, http.MethodPost, path, map[string]any{
		"client_generated_id": uuid.New(),
	}, testToken)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty content: status = %d, want 400", resp.StatusCode)
	}

	// Not a member.
	foreign := uuid.New()
	ts.store.conversations[foreign] = chat.Conversation{ID: foreign, Kind: chat.KindChannel}
	resp = ts.request(t, http.MethodPost,
		"/api/v1/conversations/"+foreign.String()+"/messages",
		chat.NewPending(foreign, ts.user.ID, chat.KindChannel, "sneaky"), testToken)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-member: status = %d, want 403", resp.StatusCode)
	}
}

func TestListMessages(t *testing.T) {
	ts := newTestServer(t, nil)
	conv := ts.seedConversation(t, chat.KindChannel, "general")
	path := "/api/v1/conversations/" + conv.ID.String() + "/messages"

	msg := chat.NewPending(conv.ID, ts.user.ID, conv.Kind, "hello")
	if _, err := ts.store.InsertMessage(context.Background(), msg); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	resp := ts.request(t, http.MethodGet, path, nil, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	msgs := decodeBody[[]chat.Message](t, resp)
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Errorf("messages = %+v", msgs)
	}

	resp = ts.request(t, http.MethodGet, path+"?limit=nonsense", nil, testToken)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d, want 400", resp.StatusCode)
	}
}

func TestDeleteConversation(t *testing.T) {
	ts := newTestServer(t, nil)

	// Unknown conversation.
	resp := ts.request(t, http.MethodDelete, "/api/v1/conversations/"+uuid.NewString(), nil, testToken)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown: status = %d, want 404", resp.StatusCode)
	}

	// Not the creator.
	other := uuid.New()
	conv := ts.seedConversation(t, chat.KindChannel, "doomed")
	owned := ts.store.conversations[conv.ID]
	owned.CreatedBy = other
	ts.store.conversations[conv.ID] = owned

	resp = ts.request(t, http.MethodDelete, "/api/v1/conversations/"+conv.ID.String(), nil, testToken)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-creator: status = %d, want 403", resp.StatusCode)
	}

	// Creator deletes.
	mine := ts.seedConversation(t, chat.KindChannel, "mine")
	resp = ts.request(t, http.MethodDelete, "/api/v1/conversations/"+mine.ID.String(), nil, testToken)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("creator: status = %d, want 204", resp.StatusCode)
	}
	if _, ok := ts.store.conversations[mine.ID]; ok {
		t.Error("conversation survived delete")
	}
}

func TestAssistantQuery(t *testing.T) {
	asst := &mockAssistant{
		answer: assistant.Answer{
			Text: "Deploys happen on Fridays.",
			Citations: []chat.SourceCitation{
				{ID: "msg-1", Content: "we deploy fridays", Score: 0.91},
			},
		},
	}
	ts := newTestServer(t, asst)

	resp := ts.request(t, http.MethodPost, "/api/v1/assistant/query", map[string]any{
		"query": "when do we deploy?",
	}, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[assistantQueryResponse](t, resp)
	if body.Answer == "" || len(body.Sources) != 1 {
		t.Errorf("response = %+v", body)
	}

	// Empty query is rejected before touching the assistant.
	resp = ts.request(t, http.MethodPost, "/api/v1/assistant/query", map[string]any{}, testToken)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty query: status = %d, want 400", resp.StatusCode)
	}
}

func TestAssistantQuery_RateLimited(t *testing.T) {
	ts := newTestServer(t, &mockAssistant{err: assistant.ErrRateLimited})

	resp := ts.request(t, http.MethodPost, "/api/v1/assistant/query", map[string]any{
		"query": "anything",
	}, testToken)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("no Retry-After header on 429")
	}
}

func TestHealthProbes_NoAuth(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.request(t, http.MethodGet, "/health", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d, want 200", resp.StatusCode)
	}

	resp = ts.request(t, http.MethodGet, "/ready", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/ready status = %d, want 200", resp.StatusCode)
	}
}
