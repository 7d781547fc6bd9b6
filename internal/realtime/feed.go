// Package realtime keeps live-update feed subscriptions alive across
// transient network failures.
//
// The backend exposes a change-feed primitive: a subscription delivers
// row change events (insert/update/delete, filtered server-side) plus
// lifecycle notifications (subscribed, disconnect, error) and presence
// events (join/leave/sync keyed by user). This package wraps one such
// subscription in a Subscription state machine with bounded exponential
// backoff, and collects all active subscriptions in a Registry so
// sign-out can release every open connection deterministically.
//
// Feed events are plain values delivered over a channel, so the state
// machine is unit-testable by feeding it synthetic events without a
// network substrate.
package realtime

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// EventType discriminates feed events.
type EventType int

const (
	// EventSubscribed is the feed-level acknowledgment that the
	// subscription is live.
	EventSubscribed EventType = iota

	// EventChange carries one row change.
	EventChange

	// EventPresence carries one presence transition.
	EventPresence

	// EventDisconnected signals a transient, recoverable disconnect.
	EventDisconnected

	// EventError signals a channel-level error. Unlike a disconnect it
	// is terminal for the subscription instance.
	EventError
)

// ChangeType is the row operation of a change event.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is one row change from the backend feed. New and Old are the
// raw row payloads; consumers decode them into their own types.
type Change struct {
	Type ChangeType      `json:"event"`
	New  json.RawMessage `json:"new,omitempty"`
	Old  json.RawMessage `json:"old,omitempty"`
}

// PresenceType is the kind of a presence event.
type PresenceType string

const (
	PresenceJoin  PresenceType = "join"
	PresenceLeave PresenceType = "leave"
	PresenceSync  PresenceType = "sync"
)

// Presence is one presence transition for a tracked user.
type Presence struct {
	Type   PresenceType `json:"event"`
	UserID uuid.UUID    `json:"user_id"`

	// Online is the resolved state after the event: true for join,
	// false for leave, and the full-state answer for sync.
	Online bool `json:"online"`
}

// Event is a single feed event.
type Event struct {
	Type     EventType
	Change   *Change
	Presence *Presence
	Err      error
}

// Feed is one open connection to the backend's live-update feed. The
// events channel is closed when the connection dies; a close without a
// preceding EventError is treated as a disconnect.
type Feed interface {
	// Events returns the channel feed events are delivered on.
	Events() <-chan Event

	// Close tears down the underlying connection. Safe to call more
	// than once.
	Close() error
}

// FeedFactory opens a new feed connection. The Subscription calls it
// once at start and again before every reconnect attempt.
type FeedFactory func(ctx context.Context) (Feed, error)

// Subscription IDs are derived from the watched entity so a view
// remounting for the same conversation finds its existing subscription.

// MessagesSubscriptionID identifies the message feed of a conversation.
func MessagesSubscriptionID(conversationID uuid.UUID) string {
	return "messages:" + conversationID.String()
}

// ConversationsSubscriptionID identifies a user's conversation-list feed.
func ConversationsSubscriptionID(userID uuid.UUID) string {
	return "conversations:" + userID.String()
}

// PresenceSubscriptionID identifies the presence channel of a user.
func PresenceSubscriptionID(userID uuid.UUID) string {
	return "presence:" + userID.String()
}
