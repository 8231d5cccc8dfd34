package database

import (
	"context"
	"errors"
	"time"

	"househub/internal/models"
	"househub/internal/utils"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ConversationDocument represents the MongoDB document structure for conversations
type ConversationDocument struct {
	ID             string    `bson:"_id"`
	ParticipantA   string    `bson:"participantA"`
	ParticipantB   string    `bson:"participantB"`
	PropertyID     *string   `bson:"propertyId,omitempty"`
	CreatedAt      time.Time `bson:"createdAt"`
	LastActivityAt time.Time `bson:"lastActivityAt"`
}

// MessageDocument represents the MongoDB document structure for messages
type MessageDocument struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversationId"`
	SenderID       string    `bson:"senderId"`
	ReceiverID     string    `bson:"receiverId"`
	Content        string    `bson:"content"`
	IsRead         bool      `bson:"isRead"`
	CreatedAt      time.Time `bson:"createdAt"`
}

// UserDocument is the subset of the auth subsystem's user document we read.
type UserDocument struct {
	ID              string  `bson:"_id"`
	DisplayName     string  `bson:"display_name"`
	ProfileImageURL *string `bson:"profile_image_url,omitempty"`
}

func (d *ConversationDocument) toModel() (*models.Conversation, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, err
	}
	a, err := uuid.Parse(d.ParticipantA)
	if err != nil {
		return nil, err
	}
	b, err := uuid.Parse(d.ParticipantB)
	if err != nil {
		return nil, err
	}
	conv := &models.Conversation{
		ID:             id,
		ParticipantA:   a,
		ParticipantB:   b,
		CreatedAt:      d.CreatedAt.UTC(),
		LastActivityAt: d.LastActivityAt.UTC(),
	}
	if d.PropertyID != nil {
		propertyID, err := uuid.Parse(*d.PropertyID)
		if err != nil {
			return nil, err
		}
		conv.PropertyID = &propertyID
	}
	return conv, nil
}

func newMessageDocument(msg *models.Message) MessageDocument {
	return MessageDocument{
		ID:             msg.ID,
		ConversationID: msg.ConversationID.String(),
		SenderID:       msg.SenderID.String(),
		ReceiverID:     msg.ReceiverID.String(),
		Content:        msg.Content,
		IsRead:         msg.IsRead,
		CreatedAt:      msg.CreatedAt,
	}
}

func (d *MessageDocument) toModel() (*models.Message, error) {
	conversationID, err := uuid.Parse(d.ConversationID)
	if err != nil {
		return nil, err
	}
	senderID, err := uuid.Parse(d.SenderID)
	if err != nil {
		return nil, err
	}
	receiverID, err := uuid.Parse(d.ReceiverID)
	if err != nil {
		return nil, err
	}
	return &models.Message{
		ID:             d.ID,
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        d.Content,
		IsRead:         d.IsRead,
		CreatedAt:      d.CreatedAt.UTC(),
	}, nil
}

func pairFilter(pair models.Pair) bson.M {
	return bson.M{"participantA": pair.A.String(), "participantB": pair.B.String()}
}

func (m *MongoDB) decodeConversation(res *mongo.SingleResult, notFound *utils.AppError) (*models.Conversation, error) {
	var doc ConversationDocument
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, notFound
		}
		return nil, utils.NewStorageError("decode conversation", err)
	}
	conv, err := doc.toModel()
	if err != nil {
		return nil, utils.NewStorageError("decode conversation", err)
	}
	return conv, nil
}

func (m *MongoDB) FindConversation(ctx context.Context, pair models.Pair) (*models.Conversation, error) {
	return m.decodeConversation(
		m.Conversations.FindOne(ctx, pairFilter(pair)),
		utils.NewConversationNotFoundError(pair.A.String()+"/"+pair.B.String()),
	)
}

func (m *MongoDB) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	return m.decodeConversation(
		m.Conversations.FindOne(ctx, bson.M{"_id": id.String()}),
		utils.NewConversationNotFoundError(id.String()),
	)
}

// upsertConversation upserts the pair with $setOnInsert. Two racing upserts
// can both miss and collide on the unique index, in which case the
// duplicate key error is returned wrapped.
func (m *MongoDB) upsertConversation(ctx context.Context, pair models.Pair, propertyID *uuid.UUID) (*models.Conversation, error) {
	ts := now().Truncate(time.Millisecond)
	onInsert := bson.M{
		"_id":            uuid.NewString(),
		"createdAt":      ts,
		"lastActivityAt": ts,
	}
	if propertyID != nil {
		onInsert["propertyId"] = propertyID.String()
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	res := m.Conversations.FindOneAndUpdate(ctx, pairFilter(pair), bson.M{"$setOnInsert": onInsert}, opts)
	return m.decodeConversation(res, utils.NewConversationNotFoundError(pair.A.String()+"/"+pair.B.String()))
}

// ResolveConversation finds or creates the pair's conversation. The loser of
// a creation race re-fetches the winner's row.
func (m *MongoDB) ResolveConversation(ctx context.Context, pair models.Pair, propertyID *uuid.UUID) (*models.Conversation, error) {
	conv, err := m.upsertConversation(ctx, pair, propertyID)
	if err != nil && mongo.IsDuplicateKeyError(err) {
		return m.FindConversation(ctx, pair)
	}
	return conv, err
}

// withTransaction runs fn inside a session transaction.
func (m *MongoDB) withTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := m.Client.StartSession()
	if err != nil {
		return utils.NewStorageError("start session", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// insertMessage writes the message and bumps the conversation's activity
// timestamp. Callers run it inside a transaction.
func (m *MongoDB) insertMessage(ctx context.Context, msg *models.Message) error {
	// BSON dates carry milliseconds; keep the caller's copy equal to what is stored.
	msg.CreatedAt = msg.CreatedAt.Truncate(time.Millisecond)
	if _, err := m.Messages.InsertOne(ctx, newMessageDocument(msg)); err != nil {
		return utils.NewStorageError("insert message", err)
	}
	res, err := m.Conversations.UpdateOne(ctx,
		bson.M{"_id": msg.ConversationID.String()},
		bson.M{"$set": bson.M{"lastActivityAt": msg.CreatedAt}},
	)
	if err != nil {
		return utils.NewStorageError("update conversation activity", err)
	}
	if res.MatchedCount == 0 {
		return utils.NewConversationNotFoundError(msg.ConversationID.String())
	}
	return nil
}

func (m *MongoDB) AppendMessage(ctx context.Context, msg *models.Message) error {
	return m.withTransaction(ctx, func(sc mongo.SessionContext) error {
		if _, err := m.GetConversation(sc, msg.ConversationID); err != nil {
			return err
		}
		return m.insertMessage(sc, msg)
	})
}

func (m *MongoDB) ResolveAndAppend(ctx context.Context, pair models.Pair, propertyID *uuid.UUID, msg *models.Message) (*models.Conversation, error) {
	var conv *models.Conversation
	attempt := func() error {
		return m.withTransaction(ctx, func(sc mongo.SessionContext) error {
			var err error
			conv, err = m.upsertConversation(sc, pair, propertyID)
			if err != nil {
				return err
			}
			msg.ConversationID = conv.ID
			if err := m.insertMessage(sc, msg); err != nil {
				return err
			}
			conv.LastActivityAt = msg.CreatedAt
			return nil
		})
	}

	err := attempt()
	// A duplicate key inside a transaction aborts it; by now the competing
	// conversation is committed, so one more attempt finds it.
	if err != nil && mongo.IsDuplicateKeyError(err) {
		err = attempt()
	}
	if err != nil {
		if _, ok := utils.AsAppError(err); !ok {
			err = utils.NewStorageError("send message", err)
		}
		return nil, err
	}
	return conv, nil
}

func (m *MongoDB) ListMessages(ctx context.Context, conversationID, readerID uuid.UUID) ([]*models.Message, int, error) {
	var (
		messages []*models.Message
		flipped  int
	)
	err := m.withTransaction(ctx, func(sc mongo.SessionContext) error {
		if _, err := m.GetConversation(sc, conversationID); err != nil {
			return err
		}

		res, err := m.Messages.UpdateMany(sc,
			bson.M{"conversationId": conversationID.String(), "receiverId": readerID.String(), "isRead": false},
			bson.M{"$set": bson.M{"isRead": true}},
		)
		if err != nil {
			return utils.NewStorageError("mark messages read", err)
		}
		flipped = int(res.ModifiedCount)

		opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
		cursor, err := m.Messages.Find(sc, bson.M{"conversationId": conversationID.String()}, opts)
		if err != nil {
			return utils.NewStorageError("list messages", err)
		}
		defer cursor.Close(sc)

		messages = make([]*models.Message, 0)
		for cursor.Next(sc) {
			var doc MessageDocument
			if err := cursor.Decode(&doc); err != nil {
				return utils.NewStorageError("decode message", err)
			}
			msg, err := doc.toModel()
			if err != nil {
				return utils.NewStorageError("decode message", err)
			}
			messages = append(messages, msg)
		}
		if err := cursor.Err(); err != nil {
			return utils.NewStorageError("list messages", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return messages, flipped, nil
}

func (m *MongoDB) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	n, err := m.Messages.CountDocuments(ctx, bson.M{"receiverId": userID.String(), "isRead": false})
	if err != nil {
		return 0, utils.NewStorageError("count unread", err)
	}
	return int(n), nil
}

func (m *MongoDB) CountUnreadByConversation(ctx context.Context, conversationID, userID uuid.UUID) (int, error) {
	n, err := m.Messages.CountDocuments(ctx, bson.M{
		"conversationId": conversationID.String(),
		"receiverId":     userID.String(),
		"isRead":         false,
	})
	if err != nil {
		return 0, utils.NewStorageError("count unread by conversation", err)
	}
	return int(n), nil
}

func (m *MongoDB) ListConversations(ctx context.Context, userID uuid.UUID) ([]*models.ConversationSummary, error) {
	filter := bson.M{
		"$or": []bson.M{
			{"participantA": userID.String()},
			{"participantB": userID.String()},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "lastActivityAt", Value: -1}, {Key: "_id", Value: 1}})

	cursor, err := m.Conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, utils.NewStorageError("list conversations", err)
	}
	defer cursor.Close(ctx)

	var docs []ConversationDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, utils.NewStorageError("list conversations", err)
	}

	lastOpts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	summaries := make([]*models.ConversationSummary, 0, len(docs))
	for i := range docs {
		conv, err := docs[i].toModel()
		if err != nil {
			return nil, utils.NewStorageError("decode conversation", err)
		}

		unread, err := m.CountUnreadByConversation(ctx, conv.ID, userID)
		if err != nil {
			return nil, err
		}
		summary := &models.ConversationSummary{Conversation: conv, UnreadCount: unread}

		var last MessageDocument
		err = m.Messages.FindOne(ctx, bson.M{"conversationId": docs[i].ID}, lastOpts).Decode(&last)
		switch {
		case err == nil:
			if summary.LastMessage, err = last.toModel(); err != nil {
				return nil, utils.NewStorageError("decode message", err)
			}
		case !errors.Is(err, mongo.ErrNoDocuments):
			return nil, utils.NewStorageError("load last message", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (m *MongoDB) LookupUsers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.UserSummary, error) {
	result := make(map[uuid.UUID]*models.UserSummary, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}

	cursor, err := m.Users.Find(ctx, bson.M{"_id": bson.M{"$in": keys}})
	if err != nil {
		return nil, utils.NewStorageError("lookup users", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc UserDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, utils.NewStorageError("decode user", err)
		}
		id, err := uuid.Parse(doc.ID)
		if err != nil {
			continue
		}
		result[id] = &models.UserSummary{
			ID:              id,
			DisplayName:     doc.DisplayName,
			ProfileImageURL: doc.ProfileImageURL,
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, utils.NewStorageError("lookup users", err)
	}
	return result, nil
}
