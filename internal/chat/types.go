package chat

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a conversation.
type Kind string

const (
	// KindChannel is a named, multi-member conversation.
	KindChannel Kind = "channel"

	// KindDM is a two-party conversation. Its display name is derived
	// from the counterparty's profile, not stored.
	KindDM Kind = "dm"

	// KindAssistant is a conversation between one user and the AI
	// assistant. Assistant replies may carry source citations.
	KindAssistant Kind = "assistant"
)

// Valid reports whether k is a known conversation kind.
func (k Kind) Valid() bool {
	switch k {
	case KindChannel, KindDM, KindAssistant:
		return true
	}
	return false
}

// DeliveryStatus tracks a message through the optimistic-send lifecycle.
type DeliveryStatus string

const (
	// StatusSending marks a locally inserted message whose backend
	// insert has not resolved yet.
	StatusSending DeliveryStatus = "sending"

	// StatusSent marks a message confirmed by the backend.
	StatusSent DeliveryStatus = "sent"

	// StatusError marks a message whose send failed. The message is
	// retained, never silently dropped, so the UI can offer a retry.
	StatusError DeliveryStatus = "error"
)

// Identity is the two-phase identity of a message.
//
// A message starts pending: the sender mints ClientID and ServerID is
// uuid.Nil. When the backend confirms the insert, ServerID is filled in
// and ClientID stays stable, so the optimistic row and its confirmation
// always share a join key.
type Identity struct {
	// ClientID is minted by the sending client. It is unique within a
	// conversation and survives the whole optimistic-insert lifecycle
	// of a single send, including server-side idempotency checks.
	ClientID uuid.UUID `json:"client_generated_id"`

	// ServerID is assigned by the backend on insert. uuid.Nil while the
	// message is still pending.
	ServerID uuid.UUID `json:"id"`
}

// Confirmed reports whether the backend has assigned a server ID.
func (id Identity) Confirmed() bool {
	return id.ServerID != uuid.Nil
}

// Profile is the subset of a user record rendered next to messages.
type Profile struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	AvatarURL string    `json:"avatar_url,omitempty"`
}

// SourceCitation is one entry of the ranked retrieval result attached to
// an assistant reply. The retrieval service's output is treated as
// opaque; scores and metadata are carried through unmodified.
type SourceCitation struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Message is a single chat message.
type Message struct {
	Identity

	ConversationID uuid.UUID      `json:"conversation_id"`
	Kind           Kind           `json:"conversation_kind"`
	UserID         uuid.UUID      `json:"user_id"`
	Content        string         `json:"content"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at,omitzero"`
	Status         DeliveryStatus `json:"status,omitempty"`

	// ErrorDetail carries a human-readable reason when Status is
	// StatusError.
	ErrorDetail string `json:"error_detail,omitempty"`

	// Citations is non-empty only on assistant replies.
	Citations []SourceCitation `json:"sources,omitempty"`

	// Author is the sender's profile when the backend join included it.
	Author *Profile `json:"user,omitempty"`
}

// NewPending builds a locally inserted message in StatusSending with a
// freshly minted client ID.
func NewPending(conversationID, userID uuid.UUID, kind Kind, content string) Message {
	return Message{
		Identity:       Identity{ClientID: uuid.New()},
		ConversationID: conversationID,
		Kind:           kind,
		UserID:         userID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		Status:         StatusSending,
	}
}

// Conversation is a channel, DM, or assistant thread.
type Conversation struct {
	ID          uuid.UUID `json:"id"`
	Kind        Kind      `json:"kind"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   uuid.UUID `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}
