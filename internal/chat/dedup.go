package chat

import (
	"sync"

	"github.com/google/uuid"
)

// DedupIndex records which client-generated message IDs have already been
// merged into a conversation's cached message list. It suppresses the
// duplicate that arises when the same logical message arrives twice: once
// as the optimistic local insert and once as the live-feed echo of that
// insert.
//
// The index is keyed per conversation, not globally. Each conversation's
// set lives exactly as long as its cache entry; MessageCache drops the
// set when it evicts the conversation, so memory is bounded by the same
// policy as the messages themselves.
//
// DedupIndex is safe for concurrent use by multiple goroutines.
type DedupIndex struct {
	mu   sync.Mutex
	seen map[uuid.UUID]map[uuid.UUID]struct{}
}

// NewDedupIndex creates an empty index.
func NewDedupIndex() *DedupIndex {
	return &DedupIndex{
		seen: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Has reports whether clientID was already recorded for the conversation.
func (d *DedupIndex) Has(conversationID, clientID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.seen[conversationID][clientID]
	return ok
}

// Add records clientID for the conversation. Adding an ID twice is a
// no-op.
func (d *DedupIndex) Add(conversationID, clientID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.seen[conversationID]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		d.seen[conversationID] = set
	}
	set[clientID] = struct{}{}
}

// Drop discards the conversation's entire set. Called by MessageCache
// when the conversation is evicted or cleared.
func (d *DedupIndex) Drop(conversationID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.seen, conversationID)
}

// DropAll discards every set. Called on sign-out.
func (d *DedupIndex) DropAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seen = make(map[uuid.UUID]map[uuid.UUID]struct{})
}
