// Package store holds the client-side render state of one signed-in
// session: the conversation list, the message list of the currently
// open conversation, and the transient state of an in-flight assistant
// reply. Views observe it through listeners; every mutation publishes a
// fresh snapshot.
package store

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/clack-chat/clack/internal/chat"
)

// StreamingReply is the partial assistant reply rendered while the
// completion is still being generated. It is transient: once the final
// message lands through the feed, the stream is cleared.
type StreamingReply struct {
	ConversationID uuid.UUID
	Text           string
	Citations      []chat.SourceCitation
}

// Snapshot is an immutable view of the render state. Slices are copies;
// listeners may keep a snapshot as long as they like.
type Snapshot struct {
	ConversationID uuid.UUID
	Messages       []chat.Message
	Conversations  []chat.Conversation
	Streaming      *StreamingReply
}

// Listener observes state changes. Listeners run synchronously on the
// mutating goroutine, outside the store lock, and must not block.
type Listener func(Snapshot)

// Store is the session's render state. It is safe for concurrent use.
type Store struct {
	mu             sync.Mutex
	conversationID uuid.UUID
	messages       []chat.Message
	conversations  []chat.Conversation
	streaming      *StreamingReply

	listeners    map[int]Listener
	nextListener int

	logger *slog.Logger
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		listeners: make(map[int]Listener),
		logger:    logger,
	}
}

// Subscribe registers a listener and returns its unsubscribe function.
// The listener immediately receives the current snapshot.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	snap := s.snapshotLocked()
	s.mu.Unlock()

	l(snap)
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Snapshot returns a copy of the current render state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SetConversations replaces the conversation list.
func (s *Store) SetConversations(convs []chat.Conversation) {
	s.mu.Lock()
	s.conversations = append([]chat.Conversation(nil), convs...)
	s.notifyLocked()
}

// UpsertConversation inserts or replaces one conversation by id.
func (s *Store) UpsertConversation(conv chat.Conversation) {
	s.mu.Lock()
	replaced := false
	for i := range s.conversations {
		if s.conversations[i].ID == conv.ID {
			s.conversations[i] = conv
			replaced = true
			break
		}
	}
	if !replaced {
		s.conversations = append(s.conversations, conv)
	}
	s.notifyLocked()
}

// RemoveConversation drops one conversation from the list. If it was
// the open conversation, the message view is cleared too.
func (s *Store) RemoveConversation(id uuid.UUID) {
	s.mu.Lock()
	for i := range s.conversations {
		if s.conversations[i].ID == id {
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			break
		}
	}
	if s.conversationID == id {
		s.conversationID = uuid.Nil
		s.messages = nil
		s.streaming = nil
	}
	s.notifyLocked()
}

// SelectConversation switches the open conversation and replaces the
// message view, newest first. Any in-flight assistant stream belongs to
// the previous view and is dropped.
func (s *Store) SelectConversation(id uuid.UUID, messages []chat.Message) {
	s.mu.Lock()
	s.conversationID = id
	s.messages = append([]chat.Message(nil), messages...)
	sortNewestFirst(s.messages)
	if s.streaming != nil && s.streaming.ConversationID != id {
		s.streaming = nil
	}
	s.notifyLocked()
}

// CurrentConversation returns the id of the open conversation, or
// uuid.Nil when none is selected.
func (s *Store) CurrentConversation() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// InsertLocal adds an optimistic message to the open conversation. A
// row already present under the same client id is replaced, so a retry
// of a failed send updates the existing bubble instead of duplicating
// it. Messages for other conversations are ignored.
func (s *Store) InsertLocal(msg chat.Message) {
	s.mu.Lock()
	if msg.ConversationID != s.conversationID {
		s.mu.Unlock()
		return
	}
	for i := range s.messages {
		if s.messages[i].ClientID == msg.ClientID {
			s.messages[i] = msg
			s.notifyLocked()
			return
		}
	}
	s.messages = append(s.messages, msg)
	sortNewestFirst(s.messages)
	s.notifyLocked()
}

// ApplyInsert folds a feed insert into the view. When the row carries
// the client id of a pending local message, that message is upgraded in
// place: it gains the server id and authoritative fields, and its
// position is keyed by the same bubble the sender has been watching.
// Otherwise the row is appended as a new message.
func (s *Store) ApplyInsert(msg chat.Message) {
	s.mu.Lock()
	if msg.ConversationID != s.conversationID {
		s.mu.Unlock()
		return
	}
	msg.Status = chat.StatusSent

	for i := range s.messages {
		if msg.ClientID != uuid.Nil && s.messages[i].ClientID == msg.ClientID {
			s.messages[i] = msg
			s.notifyLocked()
			return
		}
		if msg.Confirmed() && s.messages[i].ServerID == msg.ServerID {
			// Echo of a row we already hold.
			s.mu.Unlock()
			return
		}
	}

	s.messages = append(s.messages, msg)
	sortNewestFirst(s.messages)
	s.notifyLocked()
}

// ApplyUpdate replaces the message with the same server id. Updates for
// unknown rows are dropped; the feed may outrun the initial load.
func (s *Store) ApplyUpdate(msg chat.Message) {
	s.mu.Lock()
	if msg.ConversationID != s.conversationID {
		s.mu.Unlock()
		return
	}
	for i := range s.messages {
		if s.messages[i].ServerID == msg.ServerID {
			msg.Status = chat.StatusSent
			s.messages[i] = msg
			s.notifyLocked()
			return
		}
	}
	s.mu.Unlock()
}

// ApplyDelete removes the message with the given server id.
func (s *Store) ApplyDelete(serverID uuid.UUID) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ServerID == serverID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			s.notifyLocked()
			return
		}
	}
	s.mu.Unlock()
}

// MarkError flags a pending message as failed. The row stays in the
// view so the user can read the reason and retry.
func (s *Store) MarkError(clientID uuid.UUID, detail string) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ClientID == clientID {
			s.messages[i].Status = chat.StatusError
			s.messages[i].ErrorDetail = detail
			s.notifyLocked()
			return
		}
	}
	s.mu.Unlock()
}

// BeginStream starts rendering a partial assistant reply in the given
// conversation, replacing any previous stream.
func (s *Store) BeginStream(conversationID uuid.UUID) {
	s.mu.Lock()
	s.streaming = &StreamingReply{ConversationID: conversationID}
	s.notifyLocked()
}

// AppendStream adds a chunk of generated text to the in-flight reply.
// A chunk without an active stream is dropped.
func (s *Store) AppendStream(text string) {
	s.mu.Lock()
	if s.streaming == nil {
		s.mu.Unlock()
		return
	}
	s.streaming.Text += text
	s.notifyLocked()
}

// SetStreamCitations attaches the retrieval results to the in-flight
// reply so sources render before the completion finishes.
func (s *Store) SetStreamCitations(citations []chat.SourceCitation) {
	s.mu.Lock()
	if s.streaming == nil {
		s.mu.Unlock()
		return
	}
	s.streaming.Citations = append([]chat.SourceCitation(nil), citations...)
	s.notifyLocked()
}

// EndStream clears the transient reply. The final assistant message
// arrives through the feed like any other insert.
func (s *Store) EndStream() {
	s.mu.Lock()
	s.streaming = nil
	s.notifyLocked()
}

// Reset drops all render state. Used on sign-out.
func (s *Store) Reset() {
	s.mu.Lock()
	s.conversationID = uuid.Nil
	s.messages = nil
	s.conversations = nil
	s.streaming = nil
	s.notifyLocked()
}

// notifyLocked snapshots the state, releases the lock, and fans the
// snapshot out to listeners. Callers hold s.mu and must not touch it
// afterwards.
func (s *Store) notifyLocked() {
	snap := s.snapshotLocked()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		ConversationID: s.conversationID,
		Messages:       append([]chat.Message(nil), s.messages...),
		Conversations:  append([]chat.Conversation(nil), s.conversations...),
	}
	if s.streaming != nil {
		streaming := *s.streaming
		streaming.Citations = append([]chat.SourceCitation(nil), s.streaming.Citations...)
		snap.Streaming = &streaming
	}
	return snap
}

func sortNewestFirst(msgs []chat.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
}
