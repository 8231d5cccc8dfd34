package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Message is a single entry in a conversation. Only IsRead ever changes after
// creation, and only from false to true.
type Message struct {
	ID             string    `json:"id" db:"id"`
	ConversationID uuid.UUID `json:"conversationId" db:"conversation_id"`
	SenderID       uuid.UUID `json:"senderId" db:"sender_id"`
	ReceiverID     uuid.UUID `json:"receiverId" db:"receiver_id"`
	Content        string    `json:"content" db:"content"`
	IsRead         bool      `json:"isRead" db:"is_read"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// NewMessage builds an unread message stamped with now. Ids are ULIDs, which
// sort in creation order inside this process.
func NewMessage(conversationID, senderID, receiverID uuid.UUID, content string, now time.Time) *Message {
	return &Message{
		ID:             ulid.Make().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		CreatedAt:      now,
	}
}

// NormalizeContent trims surrounding whitespace from a message body.
func NormalizeContent(content string) string {
	return strings.TrimSpace(content)
}
