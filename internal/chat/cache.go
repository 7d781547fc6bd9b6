package chat

import (
	"container/list"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Default cache bounds. Conversations beyond the capacity are evicted
// whole, least-recently-used first; messages beyond the per-conversation
// maximum are truncated, oldest first.
const (
	DefaultConversationCapacity    = 50
	DefaultMessagesPerConversation = 100
)

// cacheEntry is one conversation's cached state. The recency element
// points back into the LRU list so touch/evict are O(1).
type cacheEntry struct {
	conversationID uuid.UUID
	messages       []Message // newest first
}

// MessageCache holds the most recent messages per conversation so a view
// can unmount and remount without refetching. Lookups for unknown
// conversations return an empty list, never an error.
//
// Recency order advances on both reads (GetMessages) and writes; the
// eviction victim is the conversation touched longest ago, regardless of
// how new its messages are.
//
// MessageCache is safe for concurrent use by multiple goroutines.
type MessageCache struct {
	mu       sync.Mutex
	capacity int
	perConv  int
	entries  map[uuid.UUID]*list.Element // value: *cacheEntry
	order    *list.List                  // front = most recently used
	dedup    *DedupIndex
	logger   *slog.Logger
}

// NewMessageCache creates a cache bounded to the given number of
// conversations and messages per conversation. Non-positive bounds fall
// back to the defaults. The dedup index is owned by the cache in the
// sense that evicting a conversation drops its dedup set too.
func NewMessageCache(capacity, perConversation int, dedup *DedupIndex, logger *slog.Logger) *MessageCache {
	if capacity <= 0 {
		capacity = DefaultConversationCapacity
	}
	if perConversation <= 0 {
		perConversation = DefaultMessagesPerConversation
	}
	if dedup == nil {
		dedup = NewDedupIndex()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &MessageCache{
		capacity: capacity,
		perConv:  perConversation,
		entries:  make(map[uuid.UUID]*list.Element),
		order:    list.New(),
		dedup:    dedup,
		logger:   logger,
	}
}

// Dedup returns the index the cache consults on inserts.
func (c *MessageCache) Dedup() *DedupIndex {
	return c.dedup
}

// GetMessages returns the cached messages for a conversation, newest
// first, and marks the conversation most recently used. Unknown
// conversations yield an empty slice. The returned slice is a copy; the
// caller may mutate it freely.
func (c *MessageCache) GetMessages(conversationID uuid.UUID) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[conversationID]
	if !ok {
		return []Message{}
	}
	c.order.MoveToFront(elem)

	entry := elem.Value.(*cacheEntry)
	out := make([]Message, len(entry.messages))
	copy(out, entry.messages)
	return out
}

// SetMessages replaces the conversation's cached list, typically after an
// initial fetch. Messages are sorted newest first and truncated to the
// per-conversation maximum, and every retained client ID is recorded in
// the dedup index so later feed echoes of those rows are suppressed.
func (c *MessageCache) SetMessages(conversationID uuid.UUID, messages []Message) {
	sorted := make([]Message, len(messages))
	copy(sorted, messages)
	sortNewestFirst(sorted)
	if len(sorted) > c.perConv {
		sorted = sorted[:c.perConv]
	}

	for _, m := range sorted {
		if m.ClientID != uuid.Nil {
			c.dedup.Add(conversationID, m.ClientID)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(conversationID, sorted)
}

// AddMessage merges one message into the conversation's cached list. A
// message whose client ID was already recorded is dropped; this is the
// point where the optimistic insert and its feed echo collapse into one
// row. Otherwise the list is re-sorted, truncated, and the conversation
// becomes most recently used.
func (c *MessageCache) AddMessage(conversationID uuid.UUID, msg Message) {
	if msg.ClientID != uuid.Nil {
		if c.dedup.Has(conversationID, msg.ClientID) {
			c.logger.Debug("duplicate message suppressed",
				"conversation_id", conversationID,
				"client_id", msg.ClientID,
			)
			return
		}
		c.dedup.Add(conversationID, msg.ClientID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var messages []Message
	if elem, ok := c.entries[conversationID]; ok {
		messages = elem.Value.(*cacheEntry).messages
	}

	updated := make([]Message, 0, len(messages)+1)
	updated = append(updated, msg)
	updated = append(updated, messages...)
	sortNewestFirst(updated)
	if len(updated) > c.perConv {
		updated = updated[:c.perConv]
	}

	c.put(conversationID, updated)
}

// ConfirmMessage replaces the cached row matching stored's client ID
// with the stored row. The dedup index suppresses the feed echo of a
// local send and UpdateMessage keys on server IDs, so this is the only
// path that upgrades an optimistic row in the cache. No-op if the
// conversation or the row is not cached.
func (c *MessageCache) ConfirmMessage(conversationID uuid.UUID, stored Message) {
	c.replaceByClientID(conversationID, stored.ClientID, func(m *Message) {
		*m = stored
	})
}

// FailMessage marks the cached pending row matching clientID as failed,
// recording the reason. The row is retained so a retry can reuse it.
// No-op if the conversation or the row is not cached.
func (c *MessageCache) FailMessage(conversationID, clientID uuid.UUID, detail string) {
	c.replaceByClientID(conversationID, clientID, func(m *Message) {
		m.Status = StatusError
		m.ErrorDetail = detail
	})
}

// replaceByClientID applies fn to the cached message with the matching
// client ID, re-sorts, and marks the conversation most recently used.
func (c *MessageCache) replaceByClientID(conversationID, clientID uuid.UUID, fn func(*Message)) {
	if clientID == uuid.Nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[conversationID]
	if !ok {
		return
	}
	entry := elem.Value.(*cacheEntry)

	for i := range entry.messages {
		if entry.messages[i].ClientID == clientID {
			fn(&entry.messages[i])
			sortNewestFirst(entry.messages)
			c.order.MoveToFront(elem)
			return
		}
	}
}

// UpdateMessage replaces the cached message with the matching server ID.
// No-op if the conversation or the message is not cached.
func (c *MessageCache) UpdateMessage(conversationID uuid.UUID, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[conversationID]
	if !ok {
		return
	}
	entry := elem.Value.(*cacheEntry)

	for i := range entry.messages {
		if entry.messages[i].ServerID == msg.ServerID {
			entry.messages[i] = msg
			sortNewestFirst(entry.messages)
			c.order.MoveToFront(elem)
			return
		}
	}
}

// DeleteMessage removes the cached message with the given server ID.
// No-op if absent.
func (c *MessageCache) DeleteMessage(conversationID, serverID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[conversationID]
	if !ok {
		return
	}
	entry := elem.Value.(*cacheEntry)

	for i := range entry.messages {
		if entry.messages[i].ServerID == serverID {
			entry.messages = append(entry.messages[:i], entry.messages[i+1:]...)
			c.order.MoveToFront(elem)
			return
		}
	}
}

// ClearConversation evicts one conversation and its dedup set.
func (c *MessageCache) ClearConversation(conversationID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evict(conversationID)
}

// ClearAll evicts every conversation. Called on sign-out so cached
// messages never leak into the next session.
func (c *MessageCache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[uuid.UUID]*list.Element)
	c.order.Init()
	c.dedup.DropAll()
}

// Len returns the number of cached conversations.
func (c *MessageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// put stores the conversation's list and marks it most recently used,
// evicting the LRU conversation if a new key pushes the cache over
// capacity. Callers must hold c.mu.
func (c *MessageCache) put(conversationID uuid.UUID, messages []Message) {
	if elem, ok := c.entries[conversationID]; ok {
		elem.Value.(*cacheEntry).messages = messages
		c.order.MoveToFront(elem)
		return
	}

	if len(c.entries) >= c.capacity {
		if back := c.order.Back(); back != nil {
			victim := back.Value.(*cacheEntry).conversationID
			c.evict(victim)
			c.logger.Debug("evicted least-recently-used conversation",
				"conversation_id", victim,
			)
		}
	}

	elem := c.order.PushFront(&cacheEntry{
		conversationID: conversationID,
		messages:       messages,
	})
	c.entries[conversationID] = elem
}

// evict removes one conversation and its dedup set. Callers must hold
// c.mu.
func (c *MessageCache) evict(conversationID uuid.UUID) {
	elem, ok := c.entries[conversationID]
	if !ok {
		return
	}
	c.order.Remove(elem)
	delete(c.entries, conversationID)
	c.dedup.Drop(conversationID)
}

// sortNewestFirst orders messages by creation time descending. The sort
// is stable so messages sharing a timestamp keep their insertion order.
func sortNewestFirst(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.After(messages[j].CreatedAt)
	})
}
