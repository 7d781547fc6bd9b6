package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/clack-chat/clack/internal/assistant"
	"github.com/clack-chat/clack/internal/chat"
	"github.com/clack-chat/clack/internal/postgres"
)

const (
	maxRequestBody  = 64 << 10
	maxContentBytes = 8000
	maxListLimit    = 500
)

type handler struct {
	store     Store
	assistant Assistant
	logger    *slog.Logger
}

// currentUser returns the authenticated user's profile.
func (h *handler) currentUser(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// listConversations returns the conversations the user is a member of.
func (h *handler) listConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	convs, err := h.store.ListConversations(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("listing conversations failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "listing conversations failed")
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

type createConversationRequest struct {
	Kind        chat.Kind   `json:"kind"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Members     []uuid.UUID `json:"members"`
}

// createConversation creates a channel, DM, or assistant thread with
// the caller as creator and member.
func (h *handler) createConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown conversation kind")
		return
	}
	if req.Kind == chat.KindChannel && req.Name == "" {
		writeError(w, http.StatusBadRequest, "channel name is required")
		return
	}

	conv, err := h.store.CreateConversation(r.Context(), chat.Conversation{
		Kind:        req.Kind,
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   user.ID,
	}, req.Members)
	if err != nil {
		h.logger.Error("creating conversation failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "creating conversation failed")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

// deleteConversation removes a conversation. Only its creator may.
func (h *handler) deleteConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	conv, err := h.store.GetConversation(r.Context(), id)
	if errors.Is(err, postgres.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such conversation")
		return
	}
	if err != nil {
		h.logger.Error("loading conversation failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "loading conversation failed")
		return
	}
	if conv.CreatedBy != user.ID {
		writeError(w, http.StatusForbidden, "only the creator may delete a conversation")
		return
	}

	if err := h.store.DeleteConversation(r.Context(), id); err != nil {
		h.logger.Error("deleting conversation failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "deleting conversation failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listMessages returns a conversation's messages, newest first.
func (h *handler) listMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	if !h.requireMember(w, r, id, user.ID) {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 || limit > maxListLimit {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	msgs, err := h.store.ListMessages(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("listing messages failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "listing messages failed")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// sendMessage stores a message, idempotently on its client-generated
// id: a resend returns the originally stored row.
func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	var msg chat.Message
	if err := decodeJSON(r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg.ClientID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "client_generated_id is required")
		return
	}
	if msg.Content == "" || len(msg.Content) > maxContentBytes {
		writeError(w, http.StatusBadRequest, "content must be 1 to 8000 bytes")
		return
	}
	if !h.requireMember(w, r, id, user.ID) {
		return
	}

	// The path and the token are authoritative, not the body.
	msg.ConversationID = id
	msg.UserID = user.ID

	stored, err := h.store.InsertMessage(r.Context(), msg)
	if err != nil {
		h.logger.Error("storing message failed",
			"conversation_id", id,
			"client_id", msg.ClientID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "storing message failed")
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

type assistantQueryRequest struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Query          string    `json:"query"`
}

type assistantQueryResponse struct {
	Answer  string                `json:"answer"`
	Sources []chat.SourceCitation `json:"sources,omitempty"`
}

// assistantQuery runs one retrieval-augmented query.
func (h *handler) assistantQuery(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req assistantQueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	answer, err := h.assistant.Answer(r.Context(), req.Query)
	if errors.Is(err, assistant.ErrRateLimited) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "assistant is busy, try again shortly")
		return
	}
	if err != nil {
		h.logger.Error("assistant query failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "assistant query failed")
		return
	}

	writeJSON(w, http.StatusOK, assistantQueryResponse{
		Answer:  answer.Text,
		Sources: answer.Citations,
	})
}

// requireMember writes a 403 and returns false when the user is not a
// member of the conversation.
func (h *handler) requireMember(w http.ResponseWriter, r *http.Request, conversationID, userID uuid.UUID) bool {
	member, err := h.store.IsMember(r.Context(), conversationID, userID)
	if err != nil {
		h.logger.Error("membership check failed", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "membership check failed")
		return false
	}
	if !member {
		writeError(w, http.StatusForbidden, "not a member of this conversation")
		return false
	}
	return true
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	return dec.Decode(out)
}
