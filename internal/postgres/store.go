// Package postgres is the storage layer behind the chat API: users,
// conversations, membership, messages, and message embeddings, on
// PostgreSQL with pgvector.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/clack-chat/clack/internal/chat"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

const connectTimeout = 10 * time.Second

// Store runs queries against the chat schema. Safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect opens a connection pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return New(pool, logger), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for readiness probes.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// GetUser returns one user's profile.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (chat.Profile, error) {
	var p chat.Profile
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, full_name, COALESCE(avatar_url, '')
		 FROM users WHERE id = $1`, id).
		Scan(&p.ID, &p.Email, &p.FullName, &p.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Profile{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return chat.Profile{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return p, nil
}

// UpsertUser creates or refreshes a user row, keyed by id.
func (s *Store) UpsertUser(ctx context.Context, p chat.Profile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, full_name, avatar_url)
		 VALUES ($1, $2, $3, NULLIF($4, ''))
		 ON CONFLICT (id) DO UPDATE
		 SET email = EXCLUDED.email,
		     full_name = EXCLUDED.full_name,
		     avatar_url = EXCLUDED.avatar_url`,
		p.ID, p.Email, p.FullName, p.AvatarURL)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", p.ID, err)
	}
	return nil
}

// CreateConversation inserts a conversation and its membership in one
// transaction. The creator is always a member.
func (s *Store) CreateConversation(ctx context.Context, conv chat.Conversation, members []uuid.UUID) (chat.Conversation, error) {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO conversations (id, kind, name, description, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		conv.ID, conv.Kind, conv.Name, conv.Description, conv.CreatedBy, conv.CreatedAt)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	seen := map[uuid.UUID]bool{}
	for _, member := range append([]uuid.UUID{conv.CreatedBy}, members...) {
		if member == uuid.Nil || seen[member] {
			continue
		}
		seen[member] = true
		_, err = tx.Exec(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id)
			 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			conv.ID, member)
		if err != nil {
			return chat.Conversation{}, fmt.Errorf("insert member %s: %w", member, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return chat.Conversation{}, fmt.Errorf("commit conversation: %w", err)
	}

	s.logger.Debug("conversation created", "conversation_id", conv.ID, "kind", conv.Kind)
	return conv, nil
}

// ListConversations returns every conversation the user is a member of,
// newest first.
func (s *Store) ListConversations(ctx context.Context, userID uuid.UUID) ([]chat.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.kind, c.name, c.description, c.created_by, c.created_at
		 FROM conversations c
		 JOIN conversation_members m ON m.conversation_id = c.id
		 WHERE m.user_id = $1
		 ORDER BY c.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations of %s: %w", userID, err)
	}
	defer rows.Close()

	convs := []chat.Conversation{}
	for rows.Next() {
		var c chat.Conversation
		if err := rows.Scan(&c.ID, &c.Kind, &c.Name, &c.Description, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convs, nil
}

// GetConversation returns one conversation.
func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (chat.Conversation, error) {
	var c chat.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, name, description, created_by, created_at
		 FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &c.Kind, &c.Name, &c.Description, &c.CreatedBy, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return c, nil
}

// DeleteConversation removes a conversation; membership, messages, and
// embeddings go with it via ON DELETE CASCADE.
func (s *Store) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// IsMember reports whether the user belongs to the conversation.
func (s *Store) IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	var member bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM conversation_members
		   WHERE conversation_id = $1 AND user_id = $2
		 )`, conversationID, userID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return member, nil
}

// InsertMessage stores a message idempotently on its client-generated
// id. A duplicate send returns the previously stored row instead of
// inserting a second one.
func (s *Store) InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var serverID uuid.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, user_id, content, client_generated_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (conversation_id, client_generated_id) DO NOTHING
		 RETURNING id`,
		msg.ConversationID, msg.UserID, msg.Content, msg.ClientID, msg.CreatedAt).
		Scan(&serverID)

	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict path: the same client id was stored before. Hand the
		// original row back so a resend converges on one message.
		s.logger.Debug("duplicate send resolved to stored row",
			"conversation_id", msg.ConversationID,
			"client_id", msg.ClientID,
		)
		return s.getMessageByClientID(ctx, msg.ConversationID, msg.ClientID)
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}

	msg.ServerID = serverID
	msg.Status = chat.StatusSent
	return msg, nil
}

// ListMessages returns up to limit messages of a conversation, newest
// first, with the author profile joined in.
func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = chat.DefaultMessagesPerConversation
	}

	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.client_generated_id, m.conversation_id, m.user_id,
		        m.content, m.created_at, m.updated_at,
		        u.id, u.email, u.full_name, COALESCE(u.avatar_url, '')
		 FROM messages m
		 LEFT JOIN users u ON u.id = m.user_id
		 WHERE m.conversation_id = $1
		 ORDER BY m.created_at DESC
		 LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", conversationID, err)
	}
	defer rows.Close()

	msgs := []chat.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// MessageEmbedding pairs a stored message with its vector.
type MessageEmbedding struct {
	MessageID uuid.UUID
	Embedding []float32
}

// SaveEmbeddings stores a batch of message vectors.
func (s *Store) SaveEmbeddings(ctx context.Context, batch []MessageEmbedding) error {
	if len(batch) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, item := range batch {
		vec := pgvector.NewVector(item.Embedding)
		b.Queue(
			`INSERT INTO message_embeddings (message_id, embedding)
			 VALUES ($1, $2)
			 ON CONFLICT (message_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
			item.MessageID, vec)
	}

	results := s.pool.SendBatch(ctx, b)
	defer results.Close()
	for range batch {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("save embedding batch: %w", err)
		}
	}
	return nil
}

// MessagesWithoutEmbedding returns stored messages that have no vector
// yet, oldest first, for the embedding pipeline to work through.
func (s *Store) MessagesWithoutEmbedding(ctx context.Context, limit int) ([]chat.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.client_generated_id, m.conversation_id, m.user_id,
		        m.content, m.created_at, m.updated_at,
		        NULL::uuid, NULL::text, NULL::text, ''
		 FROM messages m
		 LEFT JOIN message_embeddings e ON e.message_id = m.id
		 WHERE e.message_id IS NULL AND m.content <> ''
		 ORDER BY m.created_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unembedded messages: %w", err)
	}
	defer rows.Close()

	msgs := []chat.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unembedded messages: %w", err)
	}
	return msgs, nil
}

// SimilarMessage is one vector-search hit.
type SimilarMessage struct {
	Message    chat.Message
	Similarity float64
}

// SearchSimilar returns the topK stored messages closest to the query
// vector by cosine similarity.
func (s *Store) SearchSimilar(ctx context.Context, query []float32, topK int) ([]SimilarMessage, error) {
	vec := pgvector.NewVector(query)
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.client_generated_id, m.conversation_id, m.user_id,
		        m.content, m.created_at,
		        1 - (e.embedding <=> $1) AS similarity
		 FROM message_embeddings e
		 JOIN messages m ON m.id = e.message_id
		 ORDER BY e.embedding <=> $1
		 LIMIT $2`, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	hits := []SimilarMessage{}
	for rows.Next() {
		var hit SimilarMessage
		if err := rows.Scan(
			&hit.Message.ServerID, &hit.Message.ClientID,
			&hit.Message.ConversationID, &hit.Message.UserID,
			&hit.Message.Content, &hit.Message.CreatedAt,
			&hit.Similarity,
		); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		hit.Message.Status = chat.StatusSent
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search hits: %w", err)
	}
	return hits, nil
}

func (s *Store) getMessageByClientID(ctx context.Context, conversationID, clientID uuid.UUID) (chat.Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT m.id, m.client_generated_id, m.conversation_id, m.user_id,
		        m.content, m.created_at, m.updated_at,
		        u.id, u.email, u.full_name, COALESCE(u.avatar_url, '')
		 FROM messages m
		 LEFT JOIN users u ON u.id = m.user_id
		 WHERE m.conversation_id = $1 AND m.client_generated_id = $2`,
		conversationID, clientID)

	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Message{}, fmt.Errorf("message %s: %w", clientID, ErrNotFound)
	}
	if err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// scanMessage reads the shared message + author column list. The author
// columns are nullable; a missing join leaves Author nil.
func scanMessage(row pgx.Row) (chat.Message, error) {
	var (
		msg       chat.Message
		updatedAt *time.Time
		authorID  *uuid.UUID
		email     *string
		fullName  *string
		avatarURL string
	)
	err := row.Scan(
		&msg.ServerID, &msg.ClientID, &msg.ConversationID, &msg.UserID,
		&msg.Content, &msg.CreatedAt, &updatedAt,
		&authorID, &email, &fullName, &avatarURL,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chat.Message{}, err
		}
		return chat.Message{}, fmt.Errorf("scan message: %w", err)
	}

	if updatedAt != nil {
		msg.UpdatedAt = *updatedAt
	}
	if authorID != nil {
		msg.Author = &chat.Profile{
			ID:        *authorID,
			AvatarURL: avatarURL,
		}
		if email != nil {
			msg.Author.Email = *email
		}
		if fullName != nil {
			msg.Author.FullName = *fullName
		}
	}
	msg.Status = chat.StatusSent
	return msg, nil
}
