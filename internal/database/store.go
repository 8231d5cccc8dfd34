package database

import (
	"context"

	"househub/internal/models"

	"github.com/google/uuid"
)

// Store is the persistence contract of the messaging core. Implementations
// must enforce one conversation per participant pair at the storage level and
// apply message inserts together with the conversation activity bump.
type Store interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	InitializeSchema(ctx context.Context) error

	// Conversations
	FindConversation(ctx context.Context, pair models.Pair) (*models.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	ResolveConversation(ctx context.Context, pair models.Pair, propertyID *uuid.UUID) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID uuid.UUID) ([]*models.ConversationSummary, error)

	// Messages
	AppendMessage(ctx context.Context, msg *models.Message) error
	ResolveAndAppend(ctx context.Context, pair models.Pair, propertyID *uuid.UUID, msg *models.Message) (*models.Conversation, error)
	ListMessages(ctx context.Context, conversationID, readerID uuid.UUID) ([]*models.Message, int, error)
	CountUnread(ctx context.Context, userID uuid.UUID) (int, error)
	CountUnreadByConversation(ctx context.Context, conversationID, userID uuid.UUID) (int, error)

	// User directory (read-only, owned by the auth subsystem)
	LookupUsers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.UserSummary, error)
}
