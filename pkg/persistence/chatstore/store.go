package chatstore

import (
	"context"
	"strings"
)

// UserRecord is a widget visitor identity issued by the backend.
type UserRecord struct {
	UserID      string `json:"user_id"`
	ConfigID    string `json:"config_id"`
	Token       string `json:"token"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// ConversationRecord captures conversation-level metadata.
type ConversationRecord struct {
	ConvID         string `json:"conv_id"`
	OwnerID        string `json:"owner_id"`
	ConfigID       string `json:"config_id"`
	CreatedAtMs    int64  `json:"created_at_ms"`
	LastActivityMs int64  `json:"last_activity_ms"`
	MessageCount   int    `json:"message_count"`
}

// MessageRecord is a persisted message. Seq is the per-conversation insertion
// sequence assigned by the store.
type MessageRecord struct {
	ConvID      string `json:"conv_id"`
	MessageID   string `json:"message_id"`
	AuthorID    string `json:"author_id"`
	CreatedAtMs int64  `json:"created_at_ms"`
	PayloadType string `json:"payload_type"`
	PayloadText string `json:"payload_text"`
	Seq         uint64 `json:"seq"`
}

// Store is the durable backing of the conversational backend.
type Store interface {
	UpsertUser(ctx context.Context, record UserRecord) error
	GetUserByToken(ctx context.Context, token string) (UserRecord, bool, error)

	UpsertConversation(ctx context.Context, record ConversationRecord) error
	GetConversation(ctx context.Context, convID string) (ConversationRecord, bool, error)
	ListConversations(ctx context.Context, limit int, sinceMs int64) ([]ConversationRecord, error)

	// AppendMessage stores a message and returns it with Seq populated.
	AppendMessage(ctx context.Context, record MessageRecord) (MessageRecord, error)
	// ListMessages returns messages in insertion order.
	ListMessages(ctx context.Context, convID string, limit int) ([]MessageRecord, error)

	Close() error
}

func normalizeConversationRecord(record ConversationRecord, now int64) ConversationRecord {
	record.ConvID = strings.TrimSpace(record.ConvID)
	record.OwnerID = strings.TrimSpace(record.OwnerID)
	record.ConfigID = strings.TrimSpace(record.ConfigID)
	if record.CreatedAtMs <= 0 {
		record.CreatedAtMs = now
	}
	if record.LastActivityMs <= 0 {
		record.LastActivityMs = record.CreatedAtMs
	}
	return record
}

func mergeConversationRecord(existing ConversationRecord, incoming ConversationRecord, now int64) ConversationRecord {
	if existing.ConvID == "" {
		return normalizeConversationRecord(incoming, now)
	}
	out := existing
	if incoming.OwnerID != "" {
		out.OwnerID = incoming.OwnerID
	}
	if incoming.ConfigID != "" {
		out.ConfigID = incoming.ConfigID
	}
	if out.CreatedAtMs <= 0 {
		out.CreatedAtMs = incoming.CreatedAtMs
	}
	if incoming.LastActivityMs > out.LastActivityMs {
		out.LastActivityMs = incoming.LastActivityMs
	}
	return out
}
