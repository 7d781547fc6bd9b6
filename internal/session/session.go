package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/clack-chat/clack/internal/backend"
	"github.com/clack-chat/clack/internal/chat"
	"github.com/clack-chat/clack/internal/realtime"
	"github.com/clack-chat/clack/internal/store"
)

// Sentinel errors for session operations, checked with errors.Is.
var (
	// ErrNoConversation indicates an operation that needs an open
	// conversation ran without one selected.
	ErrNoConversation = errors.New("no conversation selected")

	// ErrClosed indicates the session was already torn down.
	ErrClosed = errors.New("session closed")
)

// Backend is the slice of the API client the session needs. Defined
// here so tests can substitute a fake.
type Backend interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]chat.Message, error)
	SendMessage(ctx context.Context, msg chat.Message) (chat.Message, error)
	Ask(ctx context.Context, query backend.AssistantQuery) (backend.AssistantAnswer, error)
}

// FeedDialer builds the feed factory for one subscribe request. Nil
// disables live feeds; the session then works from fetches alone.
type FeedDialer func(req realtime.SubscribeRequest) realtime.FeedFactory

// PresenceFunc observes presence events for watched users.
type PresenceFunc func(realtime.Presence)

// Config assembles a session.
type Config struct {
	User    chat.Profile
	Backend Backend

	// Feeds dials live feed connections. Optional.
	Feeds FeedDialer

	// CacheCapacity and MessagesPerConversation bound the message
	// cache; zero values use the chat package defaults.
	CacheCapacity           int
	MessagesPerConversation int

	// State persists the current-conversation pointer. Optional.
	State *StateFile

	// OnStatus observes every subscription status transition. Optional.
	OnStatus func(realtime.Status)

	Logger *slog.Logger
}

// Session owns all client state for one signed-in user. Create it at
// sign-in, call Close at sign-out. Safe for concurrent use.
type Session struct {
	user     chat.Profile
	backend  Backend
	feeds    FeedDialer
	cache    *chat.MessageCache
	registry *realtime.Registry
	store    *store.Store
	state    *StateFile
	onStatus func(realtime.Status)
	logger   *slog.Logger

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// New creates a session. The cache, registry, and store are created
// fresh; nothing is shared with previous sessions.
func New(cfg Config) (*Session, error) {
	if cfg.Backend == nil {
		return nil, errors.New("session: backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user_id", cfg.User.ID)

	dedup := chat.NewDedupIndex()
	return &Session{
		user:     cfg.User,
		backend:  cfg.Backend,
		feeds:    cfg.Feeds,
		cache:    chat.NewMessageCache(cfg.CacheCapacity, cfg.MessagesPerConversation, dedup, logger),
		registry: realtime.NewRegistry(logger),
		store:    store.New(logger),
		state:    cfg.State,
		onStatus: cfg.OnStatus,
		logger:   logger,
	}, nil
}

// User returns the signed-in user's profile.
func (s *Session) User() chat.Profile { return s.user }

// Cache returns the session's message cache.
func (s *Session) Cache() *chat.MessageCache { return s.cache }

// Registry returns the session's subscription registry.
func (s *Session) Registry() *realtime.Registry { return s.registry }

// Store returns the session's render store.
func (s *Session) Store() *store.Store { return s.store }

// RefreshConversations fetches the conversation list and replaces the
// store's copy.
func (s *Session) RefreshConversations(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}

	convs, err := s.backend.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("refresh conversations: %w", err)
	}
	s.store.SetConversations(convs)
	return nil
}

// OpenConversation makes a conversation the current view: cached
// messages are shown immediately, a cache miss falls back to a backend
// fetch, the pointer is persisted, and a live message feed is
// subscribed for the conversation.
func (s *Session) OpenConversation(ctx context.Context, id uuid.UUID) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if id == uuid.Nil {
		return ErrNoConversation
	}

	msgs := s.cache.GetMessages(id)
	if len(msgs) == 0 {
		fetched, err := s.backend.ListMessages(ctx, id, 0)
		if err != nil {
			return fmt.Errorf("open conversation %s: %w", id, err)
		}
		s.cache.SetMessages(id, fetched)
		msgs = s.cache.GetMessages(id)
	}
	s.store.SelectConversation(id, msgs)

	if s.state != nil {
		if err := s.state.Save(id); err != nil {
			s.logger.Warn("persisting current conversation failed", "error", err)
		}
	}

	return s.subscribeMessages(ctx, id)
}

// LastConversation returns the conversation persisted by a previous
// run, or uuid.Nil when none was saved.
func (s *Session) LastConversation() (uuid.UUID, error) {
	if s.state == nil {
		return uuid.Nil, nil
	}
	return s.state.Load()
}

// SendMessage sends content to the current conversation. The message
// appears immediately as a pending row; the returned message is the
// stored row with its server id. On failure the pending row is marked
// failed and retained for retry.
func (s *Session) SendMessage(ctx context.Context, content string) (chat.Message, error) {
	if err := s.ensureOpen(); err != nil {
		return chat.Message{}, err
	}

	convID := s.store.CurrentConversation()
	if convID == uuid.Nil {
		return chat.Message{}, ErrNoConversation
	}

	pending := chat.NewPending(convID, s.user.ID, s.conversationKind(convID), content)
	s.cache.AddMessage(convID, pending)
	s.store.InsertLocal(pending)

	stored, err := s.backend.SendMessage(ctx, pending)
	if err != nil {
		s.cache.FailMessage(convID, pending.ClientID, err.Error())
		s.store.MarkError(pending.ClientID, err.Error())
		return pending, fmt.Errorf("send message: %w", err)
	}

	// The feed echo of this send is dedup-suppressed, so the cached
	// pending row is upgraded here, keyed by client id.
	s.cache.ConfirmMessage(convID, stored)
	s.store.ApplyInsert(stored)
	return stored, nil
}

// RetryMessage resends a failed message, reusing its client id so the
// backend treats the retry as the same logical send.
func (s *Session) RetryMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if err := s.ensureOpen(); err != nil {
		return chat.Message{}, err
	}

	msg.Status = chat.StatusSending
	msg.ErrorDetail = ""
	s.cache.ConfirmMessage(msg.ConversationID, msg)
	s.store.InsertLocal(msg)

	stored, err := s.backend.SendMessage(ctx, msg)
	if err != nil {
		s.cache.FailMessage(msg.ConversationID, msg.ClientID, err.Error())
		s.store.MarkError(msg.ClientID, err.Error())
		return msg, fmt.Errorf("retry message: %w", err)
	}

	s.cache.ConfirmMessage(msg.ConversationID, stored)
	s.store.ApplyInsert(stored)
	return stored, nil
}

// Ask puts a question to the AI assistant in the current conversation
// and renders its progress through the store's streaming surface: the
// stream opens before the request goes out, the answer text and its
// source citations land when the request resolves, and the stream is
// cleared once the answer is returned. The stored assistant message
// arrives through the conversation's feed like any other insert.
func (s *Session) Ask(ctx context.Context, query string) (backend.AssistantAnswer, error) {
	if err := s.ensureOpen(); err != nil {
		return backend.AssistantAnswer{}, err
	}

	convID := s.store.CurrentConversation()
	if convID == uuid.Nil {
		return backend.AssistantAnswer{}, ErrNoConversation
	}

	s.store.BeginStream(convID)
	defer s.store.EndStream()

	answer, err := s.backend.Ask(ctx, backend.AssistantQuery{
		ConversationID: convID,
		Query:          query,
	})
	if err != nil {
		return backend.AssistantAnswer{}, fmt.Errorf("ask assistant: %w", err)
	}

	s.store.AppendStream(answer.Answer)
	s.store.SetStreamCitations(answer.Citations)
	return answer, nil
}

// WatchConversations subscribes to the user's conversation-list feed so
// channels created, renamed, or deleted elsewhere show up live.
func (s *Session) WatchConversations(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if s.feeds == nil {
		return nil
	}

	req := realtime.SubscribeRequest{
		Topic:  "conversations",
		Filter: realtime.MembershipFilter(s.user.ID.String()),
	}
	sub, err := realtime.NewSubscription(realtime.SubscriptionConfig{
		ID:       realtime.ConversationsSubscriptionID(s.user.ID),
		Factory:  s.feeds(req),
		OnStatus: s.onStatus,
		OnEvent:  s.routeConversationEvent,
		Logger:   s.logger,
	})
	if err != nil {
		return fmt.Errorf("watch conversations: %w", err)
	}

	s.registry.Register(sub)
	sub.Start(ctx)
	return nil
}

// WatchPresence subscribes to a user's presence feed and reports
// join/leave/sync events to fn.
func (s *Session) WatchPresence(ctx context.Context, userID uuid.UUID, fn PresenceFunc) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if s.feeds == nil {
		return nil
	}

	req := realtime.SubscribeRequest{Topic: "presence:" + userID.String()}
	sub, err := realtime.NewSubscription(realtime.SubscriptionConfig{
		ID:       realtime.PresenceSubscriptionID(userID),
		Factory:  s.feeds(req),
		OnStatus: s.onStatus,
		OnEvent: func(ev realtime.Event) {
			if ev.Type == realtime.EventPresence && ev.Presence != nil && fn != nil {
				fn(*ev.Presence)
			}
		},
		Logger: s.logger,
	})
	if err != nil {
		return fmt.Errorf("watch presence of %s: %w", userID, err)
	}

	s.registry.Register(sub)
	sub.Start(ctx)
	return nil
}

// Close tears the session down: every feed connection is closed, the
// cache and render state are dropped, and the state-file lock is
// released. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.registry.RemoveAll()
		s.cache.ClearAll()
		s.store.Reset()
		if s.state != nil {
			err = s.state.Close()
		}
		s.logger.Debug("session closed")
	})
	return err
}

func (s *Session) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// subscribeMessages registers the live message feed for one
// conversation. Registering under an existing id replaces the previous
// subscription, so reopening a conversation never doubles its feed.
func (s *Session) subscribeMessages(ctx context.Context, conversationID uuid.UUID) error {
	if s.feeds == nil {
		return nil
	}

	req := realtime.SubscribeRequest{
		Topic:  "messages",
		Filter: realtime.MessagesFilter(conversationID.String()),
	}
	sub, err := realtime.NewSubscription(realtime.SubscriptionConfig{
		ID:       realtime.MessagesSubscriptionID(conversationID),
		Factory:  s.feeds(req),
		OnStatus: s.onStatus,
		OnEvent: func(ev realtime.Event) {
			s.routeMessageEvent(conversationID, ev)
		},
		Logger: s.logger,
	})
	if err != nil {
		return fmt.Errorf("subscribe to messages of %s: %w", conversationID, err)
	}

	s.registry.Register(sub)
	sub.Start(ctx)
	return nil
}

// routeMessageEvent folds one feed change into the cache and the render
// store. Inserts pass through the dedup index, so the echo of a local
// send never doubles; the store upgrades the pending row in place.
func (s *Session) routeMessageEvent(conversationID uuid.UUID, ev realtime.Event) {
	if ev.Type != realtime.EventChange || ev.Change == nil {
		return
	}

	switch ev.Change.Type {
	case realtime.ChangeInsert:
		msg, err := decodeMessage(ev.Change.New)
		if err != nil {
			s.logger.Warn("malformed message insert dropped", "error", err)
			return
		}
		msg.Status = chat.StatusSent
		s.cache.AddMessage(conversationID, msg)
		s.store.ApplyInsert(msg)

	case realtime.ChangeUpdate:
		msg, err := decodeMessage(ev.Change.New)
		if err != nil {
			s.logger.Warn("malformed message update dropped", "error", err)
			return
		}
		msg.Status = chat.StatusSent
		s.cache.UpdateMessage(conversationID, msg)
		s.store.ApplyUpdate(msg)

	case realtime.ChangeDelete:
		msg, err := decodeMessage(ev.Change.Old)
		if err != nil {
			s.logger.Warn("malformed message delete dropped", "error", err)
			return
		}
		s.cache.DeleteMessage(conversationID, msg.ServerID)
		s.store.ApplyDelete(msg.ServerID)
	}
}

// routeConversationEvent folds conversation-table changes into the
// store's conversation list.
func (s *Session) routeConversationEvent(ev realtime.Event) {
	if ev.Type != realtime.EventChange || ev.Change == nil {
		return
	}

	switch ev.Change.Type {
	case realtime.ChangeInsert, realtime.ChangeUpdate:
		var conv chat.Conversation
		if err := json.Unmarshal(ev.Change.New, &conv); err != nil {
			s.logger.Warn("malformed conversation change dropped", "error", err)
			return
		}
		s.store.UpsertConversation(conv)

	case realtime.ChangeDelete:
		var conv chat.Conversation
		if err := json.Unmarshal(ev.Change.Old, &conv); err != nil {
			s.logger.Warn("malformed conversation delete dropped", "error", err)
			return
		}
		s.store.RemoveConversation(conv.ID)
		s.cache.ClearConversation(conv.ID)
		s.registry.Remove(realtime.MessagesSubscriptionID(conv.ID))
	}
}

// conversationKind resolves the kind of a conversation from the store's
// list, defaulting to channel when the list has not loaded yet.
func (s *Session) conversationKind(id uuid.UUID) chat.Kind {
	for _, conv := range s.store.Snapshot().Conversations {
		if conv.ID == id {
			return conv.Kind
		}
	}
	return chat.KindChannel
}

func decodeMessage(raw json.RawMessage) (chat.Message, error) {
	var msg chat.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}
