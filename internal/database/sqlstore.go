package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"househub/internal/models"
	"househub/internal/utils"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// sqlStore holds the queries shared by the PostgreSQL and SQLite backends.
// Queries are written with ? placeholders and rebound for the driver.
type sqlStore struct {
	DB *sqlx.DB

	// isForeignKeyViolation recognizes the driver's FK error so missing
	// participants surface as USER_NOT_FOUND.
	isForeignKeyViolation func(error) bool
}

type conversationRow struct {
	ID             uuid.UUID     `db:"id"`
	ParticipantA   uuid.UUID     `db:"participant_a"`
	ParticipantB   uuid.UUID     `db:"participant_b"`
	PropertyID     uuid.NullUUID `db:"property_id"`
	CreatedAt      time.Time     `db:"created_at"`
	LastActivityAt time.Time     `db:"last_activity_at"`
}

func (r *conversationRow) toModel() *models.Conversation {
	conv := &models.Conversation{
		ID:             r.ID,
		ParticipantA:   r.ParticipantA,
		ParticipantB:   r.ParticipantB,
		CreatedAt:      r.CreatedAt.UTC(),
		LastActivityAt: r.LastActivityAt.UTC(),
	}
	if r.PropertyID.Valid {
		id := r.PropertyID.UUID
		conv.PropertyID = &id
	}
	return conv
}

type summaryRow struct {
	conversationRow
	UnreadCount int `db:"unread_count"`
}

const conversationColumns = `id, participant_a, participant_b, property_id, created_at, last_activity_at`

const messageColumns = `id, conversation_id, sender_id, receiver_id, content, is_read, created_at`

// querier is satisfied by both *sqlx.DB and *sqlx.Tx.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// withTx runs fn in a transaction, committing only if fn returns nil.
func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return utils.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return utils.NewStorageError("commit transaction", err)
	}
	return nil
}

func (s *sqlStore) FindConversation(ctx context.Context, pair models.Pair) (*models.Conversation, error) {
	return s.findConversation(ctx, s.DB, pair)
}

func (s *sqlStore) findConversation(ctx context.Context, q querier, pair models.Pair) (*models.Conversation, error) {
	var row conversationRow
	query := q.Rebind(`SELECT ` + conversationColumns + ` FROM conversations WHERE participant_a = ? AND participant_b = ?`)
	if err := q.GetContext(ctx, &row, query, pair.A, pair.B); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.NewConversationNotFoundError(pair.A.String() + "/" + pair.B.String())
		}
		return nil, utils.NewStorageError("find conversation", err)
	}
	return row.toModel(), nil
}

func (s *sqlStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	return s.getConversation(ctx, s.DB, id)
}

func (s *sqlStore) getConversation(ctx context.Context, q querier, id uuid.UUID) (*models.Conversation, error) {
	var row conversationRow
	query := q.Rebind(`SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`)
	if err := q.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.NewConversationNotFoundError(id.String())
		}
		return nil, utils.NewStorageError("get conversation", err)
	}
	return row.toModel(), nil
}

func (s *sqlStore) ResolveConversation(ctx context.Context, pair models.Pair, propertyID *uuid.UUID) (*models.Conversation, error) {
	var conv *models.Conversation
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		conv, err = s.resolveConversation(ctx, tx, pair, propertyID)
		return err
	})
	return conv, err
}

// resolveConversation inserts a candidate row and lets the pair's unique
// constraint absorb the conflict, then reads back whichever row won.
func (s *sqlStore) resolveConversation(ctx context.Context, tx *sqlx.Tx, pair models.Pair, propertyID *uuid.UUID) (*models.Conversation, error) {
	candidate := models.NewConversation(pair, propertyID, now())

	insert := tx.Rebind(`INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (participant_a, participant_b) DO NOTHING`)
	_, err := tx.ExecContext(ctx, insert,
		candidate.ID,
		candidate.ParticipantA,
		candidate.ParticipantB,
		nullUUID(propertyID),
		candidate.CreatedAt,
		candidate.LastActivityAt,
	)
	if err != nil {
		if s.isForeignKeyViolation(err) {
			return nil, utils.NewAppError(utils.ErrUserNotFound, "Conversation participant does not exist", err)
		}
		return nil, utils.NewStorageError("create conversation", err)
	}

	return s.findConversation(ctx, tx, pair)
}

func (s *sqlStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.getConversation(ctx, tx, msg.ConversationID); err != nil {
			return err
		}
		return s.insertMessage(ctx, tx, msg)
	})
}

func (s *sqlStore) ResolveAndAppend(ctx context.Context, pair models.Pair, propertyID *uuid.UUID, msg *models.Message) (*models.Conversation, error) {
	var conv *models.Conversation
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		conv, err = s.resolveConversation(ctx, tx, pair, propertyID)
		if err != nil {
			return err
		}
		msg.ConversationID = conv.ID
		if err := s.insertMessage(ctx, tx, msg); err != nil {
			return err
		}
		conv.LastActivityAt = msg.CreatedAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// insertMessage writes the message and bumps the owning conversation's
// last_activity_at. Callers run it inside a transaction.
func (s *sqlStore) insertMessage(ctx context.Context, tx *sqlx.Tx, msg *models.Message) error {
	insert := tx.Rebind(`INSERT INTO messages (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, insert,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.ReceiverID,
		msg.Content,
		msg.IsRead,
		msg.CreatedAt,
	)
	if err != nil {
		if s.isForeignKeyViolation(err) {
			return utils.NewAppError(utils.ErrUserNotFound, "Message participant does not exist", err)
		}
		return utils.NewStorageError("insert message", err)
	}

	bump := tx.Rebind(`UPDATE conversations SET last_activity_at = ? WHERE id = ?`)
	res, err := tx.ExecContext(ctx, bump, msg.CreatedAt, msg.ConversationID)
	if err != nil {
		return utils.NewStorageError("update conversation activity", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return utils.NewConversationNotFoundError(msg.ConversationID.String())
	}
	return nil
}

// ListMessages flips the reader's unread messages first and then reads the
// thread, so the returned slice reflects the post-view state.
func (s *sqlStore) ListMessages(ctx context.Context, conversationID, readerID uuid.UUID) ([]*models.Message, int, error) {
	var (
		messages []*models.Message
		flipped  int
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.getConversation(ctx, tx, conversationID); err != nil {
			return err
		}

		markRead := tx.Rebind(`UPDATE messages SET is_read = ?
			WHERE conversation_id = ? AND receiver_id = ? AND is_read = ?`)
		res, err := tx.ExecContext(ctx, markRead, true, conversationID, readerID, false)
		if err != nil {
			return utils.NewStorageError("mark messages read", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			flipped = int(n)
		}

		query := tx.Rebind(`SELECT ` + messageColumns + ` FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC, id ASC`)
		messages = make([]*models.Message, 0)
		if err := tx.SelectContext(ctx, &messages, query, conversationID); err != nil {
			return utils.NewStorageError("list messages", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	for _, m := range messages {
		m.CreatedAt = m.CreatedAt.UTC()
	}
	return messages, flipped, nil
}

func (s *sqlStore) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	query := s.DB.Rebind(`SELECT COUNT(*) FROM messages WHERE receiver_id = ? AND is_read = ?`)
	if err := s.DB.GetContext(ctx, &count, query, userID, false); err != nil {
		return 0, utils.NewStorageError("count unread", err)
	}
	return count, nil
}

func (s *sqlStore) CountUnreadByConversation(ctx context.Context, conversationID, userID uuid.UUID) (int, error) {
	var count int
	query := s.DB.Rebind(`SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND receiver_id = ? AND is_read = ?`)
	if err := s.DB.GetContext(ctx, &count, query, conversationID, userID, false); err != nil {
		return 0, utils.NewStorageError("count unread by conversation", err)
	}
	return count, nil
}

func (s *sqlStore) ListConversations(ctx context.Context, userID uuid.UUID) ([]*models.ConversationSummary, error) {
	query := s.DB.Rebind(`
		SELECT c.id, c.participant_a, c.participant_b, c.property_id, c.created_at, c.last_activity_at,
			(SELECT COUNT(*) FROM messages m
				WHERE m.conversation_id = c.id AND m.receiver_id = ? AND m.is_read = ?) AS unread_count
		FROM conversations c
		WHERE c.participant_a = ? OR c.participant_b = ?
		ORDER BY c.last_activity_at DESC, c.id`)

	var rows []summaryRow
	if err := s.DB.SelectContext(ctx, &rows, query, userID, false, userID, userID); err != nil {
		return nil, utils.NewStorageError("list conversations", err)
	}

	lastQuery := s.DB.Rebind(`SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`)

	summaries := make([]*models.ConversationSummary, 0, len(rows))
	for i := range rows {
		summary := &models.ConversationSummary{
			Conversation: rows[i].toModel(),
			UnreadCount:  rows[i].UnreadCount,
		}

		var last models.Message
		err := s.DB.GetContext(ctx, &last, lastQuery, rows[i].ID)
		switch {
		case err == nil:
			last.CreatedAt = last.CreatedAt.UTC()
			summary.LastMessage = &last
		case !errors.Is(err, sql.ErrNoRows):
			return nil, utils.NewStorageError("load last message", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *sqlStore) LookupUsers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.UserSummary, error) {
	result := make(map[uuid.UUID]*models.UserSummary, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`SELECT id, display_name, profile_image_url FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build user lookup: %w", err)
	}

	var users []*models.UserSummary
	if err := s.DB.SelectContext(ctx, &users, s.DB.Rebind(query), args...); err != nil {
		return nil, utils.NewStorageError("lookup users", err)
	}
	for _, u := range users {
		result[u.ID] = u
	}
	return result, nil
}

// execAll runs schema statements one at a time.
func (s *sqlStore) execAll(ctx context.Context, statements []string) error {
	for _, stmt := range statements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

// now is the storage clock: UTC with microsecond precision so values survive
// a round trip through PostgreSQL unchanged.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
