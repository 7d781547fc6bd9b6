// Package backend is the HTTP client for the chat API. The rest of the
// client code treats the backend as an opaque collaborator: it sends
// JSON requests and trusts the rows that come back.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/clack-chat/clack/internal/chat"
)

// Sentinel errors mapped from response status codes.
var (
	ErrUnauthorized = errors.New("backend: unauthorized")
	ErrNotFound     = errors.New("backend: not found")
	ErrRateLimited  = errors.New("backend: rate limited")
)

const defaultTimeout = 30 * time.Second

// Client talks to the chat API over HTTP. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client for the API at baseURL. The bearer token
// authenticates every request; pass an empty token for anonymous
// endpoints only.
func New(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
}

// CurrentUser returns the profile of the signed-in user.
func (c *Client) CurrentUser(ctx context.Context) (chat.Profile, error) {
	var profile chat.Profile
	if err := c.do(ctx, http.MethodGet, "/api/v1/me", nil, &profile); err != nil {
		return chat.Profile{}, fmt.Errorf("fetch current user: %w", err)
	}
	return profile, nil
}

// ListConversations returns every conversation the user is a member of.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var convs []chat.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversations", nil, &convs); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// CreateConversationRequest creates a channel, DM, or assistant thread.
// Members lists the initial membership besides the creator.
type CreateConversationRequest struct {
	Kind        chat.Kind   `json:"kind"`
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	Members     []uuid.UUID `json:"members,omitempty"`
}

// CreateConversation creates a conversation and returns the stored row.
func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (chat.Conversation, error) {
	var conv chat.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/v1/conversations", req, &conv); err != nil {
		return chat.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// DeleteConversation removes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	if err := c.do(ctx, http.MethodDelete, "/api/v1/conversations/"+id.String(), nil, nil); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// ListMessages returns up to limit messages of one conversation, newest
// first. A limit of zero uses the server default.
func (c *Client) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]chat.Message, error) {
	path := "/api/v1/conversations/" + conversationID.String() + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var msgs []chat.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", conversationID, err)
	}
	return msgs, nil
}

// SendMessage persists a message and returns the stored row with its
// server id. The send is idempotent on the client-generated id: resent
// duplicates come back as the original row, never as a second insert.
func (c *Client) SendMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	path := "/api/v1/conversations/" + msg.ConversationID.String() + "/messages"

	var stored chat.Message
	if err := c.do(ctx, http.MethodPost, path, msg, &stored); err != nil {
		return chat.Message{}, fmt.Errorf("send message %s: %w", msg.ClientID, err)
	}
	return stored, nil
}

// AssistantQuery is a question for the AI assistant.
type AssistantQuery struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Query          string    `json:"query"`
}

// AssistantAnswer is the assistant's reply with its retrieval sources.
type AssistantAnswer struct {
	Answer    string                `json:"answer"`
	Citations []chat.SourceCitation `json:"sources,omitempty"`
}

// Ask sends a question to the assistant endpoint and returns the
// generated answer with source citations.
func (c *Client) Ask(ctx context.Context, query AssistantQuery) (AssistantAnswer, error) {
	var answer AssistantAnswer
	if err := c.do(ctx, http.MethodPost, "/api/v1/assistant/query", query, &answer); err != nil {
		return AssistantAnswer{}, fmt.Errorf("assistant query: %w", err)
	}
	return answer, nil
}

// do runs one request/response round trip. A nil body sends no payload;
// a nil out discards the response body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError maps an error response onto a sentinel where one exists
// and carries the server's message either way.
func (c *Client) statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, body.Error)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, body.Error)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, body.Error)
	}
	return fmt.Errorf("backend: status %d: %s", resp.StatusCode, body.Error)
}
