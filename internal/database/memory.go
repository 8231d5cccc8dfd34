package database

import (
	"context"
	"sort"
	"sync"

	"househub/internal/models"
	"househub/internal/utils"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process. It backs tests and DB_TYPE=memory.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[uuid.UUID]*models.UserSummary
	conversations map[uuid.UUID]*models.Conversation
	byPair        map[models.Pair]uuid.UUID
	messages      map[uuid.UUID][]*models.Message // by conversation id

	// knownUsersOnly rejects participants missing from users, mimicking
	// the foreign keys of the SQL backends.
	knownUsersOnly bool
}

var _ Store = (*MemoryStore)(nil)

type MemoryOption func(*MemoryStore)

// WithKnownUsersOnly makes the store reject conversations whose participants
// were not added with AddUser.
func WithKnownUsersOnly() MemoryOption {
	return func(m *MemoryStore) { m.knownUsersOnly = true }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		users:         make(map[uuid.UUID]*models.UserSummary),
		conversations: make(map[uuid.UUID]*models.Conversation),
		byPair:        make(map[models.Pair]uuid.UUID),
		messages:      make(map[uuid.UUID][]*models.Message),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddUser registers directory data for a user.
func (m *MemoryStore) AddUser(u *models.UserSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *u
	m.users[u.ID] = &copied
}

func (m *MemoryStore) Ping(ctx context.Context) error             { return nil }
func (m *MemoryStore) Close(ctx context.Context) error            { return nil }
func (m *MemoryStore) InitializeSchema(ctx context.Context) error { return nil }

func copyConversation(c *models.Conversation) *models.Conversation {
	out := *c
	if c.PropertyID != nil {
		id := *c.PropertyID
		out.PropertyID = &id
	}
	return &out
}

func copyMessage(msg *models.Message) *models.Message {
	out := *msg
	return &out
}

func (m *MemoryStore) FindConversation(ctx context.Context, pair models.Pair) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPair[pair]
	if !ok {
		return nil, utils.NewConversationNotFoundError(pair.A.String() + "/" + pair.B.String())
	}
	return copyConversation(m.conversations[id]), nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, utils.NewConversationNotFoundError(id.String())
	}
	return copyConversation(conv), nil
}

func (m *MemoryStore) checkUsers(ids ...uuid.UUID) error {
	if !m.knownUsersOnly {
		return nil
	}
	for _, id := range ids {
		if _, ok := m.users[id]; !ok {
			return utils.NewUserNotFoundError(id.String())
		}
	}
	return nil
}

// resolveLocked returns the pair's conversation, creating it if needed.
// The caller holds the write lock.
func (m *MemoryStore) resolveLocked(pair models.Pair, propertyID *uuid.UUID) (*models.Conversation, bool, error) {
	if id, ok := m.byPair[pair]; ok {
		return m.conversations[id], false, nil
	}
	if err := m.checkUsers(pair.A, pair.B); err != nil {
		return nil, false, err
	}
	conv := models.NewConversation(pair, propertyID, now())
	return conv, true, nil
}

func (m *MemoryStore) insertLocked(conv *models.Conversation) {
	m.conversations[conv.ID] = conv
	m.byPair[conv.Pair()] = conv.ID
}

func (m *MemoryStore) ResolveConversation(ctx context.Context, pair models.Pair, propertyID *uuid.UUID) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, created, err := m.resolveLocked(pair, propertyID)
	if err != nil {
		return nil, err
	}
	if created {
		m.insertLocked(conv)
	}
	return copyConversation(conv), nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return utils.NewConversationNotFoundError(msg.ConversationID.String())
	}
	if err := m.checkUsers(msg.SenderID, msg.ReceiverID); err != nil {
		return err
	}
	m.messages[conv.ID] = append(m.messages[conv.ID], copyMessage(msg))
	conv.LastActivityAt = msg.CreatedAt
	return nil
}

func (m *MemoryStore) ResolveAndAppend(ctx context.Context, pair models.Pair, propertyID *uuid.UUID, msg *models.Message) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, created, err := m.resolveLocked(pair, propertyID)
	if err != nil {
		return nil, err
	}
	if created {
		m.insertLocked(conv)
	}
	msg.ConversationID = conv.ID
	m.messages[conv.ID] = append(m.messages[conv.ID], copyMessage(msg))
	conv.LastActivityAt = msg.CreatedAt
	return copyConversation(conv), nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, conversationID, readerID uuid.UUID) ([]*models.Message, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[conversationID]; !ok {
		return nil, 0, utils.NewConversationNotFoundError(conversationID.String())
	}

	stored := m.messages[conversationID]
	flipped := 0
	out := make([]*models.Message, 0, len(stored))
	for _, msg := range stored {
		if msg.ReceiverID == readerID && !msg.IsRead {
			msg.IsRead = true
			flipped++
		}
		out = append(out, copyMessage(msg))
	}
	sortMessages(out)
	return out, flipped, nil
}

func sortMessages(msgs []*models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func (m *MemoryStore) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, msgs := range m.messages {
		count += countUnreadFor(msgs, userID)
	}
	return count, nil
}

func (m *MemoryStore) CountUnreadByConversation(ctx context.Context, conversationID, userID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return countUnreadFor(m.messages[conversationID], userID), nil
}

func countUnreadFor(msgs []*models.Message, userID uuid.UUID) int {
	n := 0
	for _, msg := range msgs {
		if msg.ReceiverID == userID && !msg.IsRead {
			n++
		}
	}
	return n
}

func (m *MemoryStore) ListConversations(ctx context.Context, userID uuid.UUID) ([]*models.ConversationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]*models.ConversationSummary, 0)
	for _, conv := range m.conversations {
		if !conv.Pair().Has(userID) {
			continue
		}
		msgs := m.messages[conv.ID]
		summary := &models.ConversationSummary{
			Conversation: copyConversation(conv),
			UnreadCount:  countUnreadFor(msgs, userID),
		}
		if len(msgs) > 0 {
			sorted := make([]*models.Message, len(msgs))
			copy(sorted, msgs)
			sortMessages(sorted)
			summary.LastMessage = copyMessage(sorted[len(sorted)-1])
		}
		summaries = append(summaries, summary)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i].Conversation, summaries[j].Conversation
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return summaries, nil
}

func (m *MemoryStore) LookupUsers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.UserSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[uuid.UUID]*models.UserSummary, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			copied := *u
			result[id] = &copied
		}
	}
	return result, nil
}
