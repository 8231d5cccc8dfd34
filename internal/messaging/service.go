package messaging

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"househub/internal/cache"
	"househub/internal/database"
	"househub/internal/models"
	"househub/internal/realtime"
	"househub/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Notifier pushes events to connected users. *realtime.Relay implements it.
type Notifier interface {
	Relay(event string, recipient uuid.UUID, payload interface{}) error
	OnlineSet(ids []uuid.UUID) map[uuid.UUID]bool
}

// Service is the messaging core: conversation resolution, message storage,
// unread counting and the realtime push that follows a send.
type Service struct {
	store    database.Store
	cache    cache.Cache
	cacheTTL time.Duration
	notifier Notifier
	metrics  *utils.MetricsCollector
	log      zerolog.Logger
	now      func() time.Time
}

type Option func(*Service)

// WithCache caches global unread counts for ttl.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithMetrics(m *utils.MetricsCollector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store database.Store, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store: store,
		log:   logger.With().Str("component", "messaging").Logger(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) observe(operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.AddOperationLatency(operation, time.Since(start))
	if err != nil {
		s.metrics.IncrementErrors(err)
	}
}

// pairFor validates the two ids and returns them in canonical order.
func pairFor(userID, otherID uuid.UUID) (models.Pair, error) {
	if otherID == uuid.Nil {
		return models.Pair{}, utils.NewValidationError(utils.FieldError{Field: "receiverId", Message: "Valid receiver ID is required"})
	}
	pair, err := models.NewPair(userID, otherID)
	if errors.Is(err, models.ErrSelfConversation) {
		return models.Pair{}, utils.NewValidationError(utils.FieldError{Field: "receiverId", Message: "You cannot message yourself"})
	}
	return pair, err
}

// participantConversation loads a conversation and hides it from users who
// are not part of it.
func (s *Service) participantConversation(ctx context.Context, conversationID, userID uuid.UUID) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.Pair().Has(userID) {
		return nil, utils.NewConversationNotFoundError(conversationID.String())
	}
	return conv, nil
}

// ResolveConversation returns the conversation between userA and userB,
// creating it on first contact. propertyID is recorded only on creation.
func (s *Service) ResolveConversation(ctx context.Context, userA, userB uuid.UUID, propertyID *uuid.UUID) (conv *models.Conversation, err error) {
	defer func(start time.Time) { s.observe("resolve_conversation", start, err) }(time.Now())

	pair, err := pairFor(userA, userB)
	if err != nil {
		return nil, err
	}
	return s.store.ResolveConversation(ctx, pair, propertyID)
}

// SendMessage appends a message to an existing conversation.
func (s *Service) SendMessage(ctx context.Context, conversationID, senderID, receiverID uuid.UUID, body string) (msg *models.Message, err error) {
	defer func(start time.Time) { s.observe("send_message", start, err) }(time.Now())

	if fe := contentError(body); fe != nil {
		return nil, utils.NewValidationError(*fe)
	}
	content := models.NormalizeContent(body)

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	other, ok := conv.Pair().Other(senderID)
	if !ok || other != receiverID {
		return nil, utils.NewValidationError(utils.FieldError{
			Field:   "receiverId",
			Message: "Receiver is not the other participant of this conversation",
		})
	}

	msg = models.NewMessage(conv.ID, senderID, receiverID, content, s.timestamp())
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	s.afterSend(ctx, msg)
	return msg, nil
}

// SendInput is a send addressed by receiver rather than by conversation.
type SendInput struct {
	SenderID   uuid.UUID
	ReceiverID uuid.UUID
	PropertyID *uuid.UUID
	Content    string
}

// Validate checks the input and reports every invalid field at once.
func (in SendInput) Validate() error {
	var fields []utils.FieldError
	switch {
	case in.ReceiverID == uuid.Nil:
		fields = append(fields, utils.FieldError{Field: "receiverId", Message: "Valid receiver ID is required"})
	case in.ReceiverID == in.SenderID:
		fields = append(fields, utils.FieldError{Field: "receiverId", Message: "You cannot message yourself"})
	}
	if fe := contentError(in.Content); fe != nil {
		fields = append(fields, *fe)
	}
	if len(fields) > 0 {
		return utils.NewValidationError(fields...)
	}
	return nil
}

// contentError reports why body cannot be stored, or nil if it can.
func contentError(body string) *utils.FieldError {
	switch {
	case models.NormalizeContent(body) == "":
		return &utils.FieldError{Field: "content", Message: "Message cannot be empty"}
	case strings.ContainsRune(body, 0):
		return &utils.FieldError{Field: "content", Message: "Message contains invalid characters"}
	}
	return nil
}

// Send resolves the sender/receiver conversation and appends the message in
// one storage transaction, then notifies the receiver if connected.
func (s *Service) Send(ctx context.Context, in SendInput) (msg *models.Message, conv *models.Conversation, err error) {
	defer func(start time.Time) { s.observe("send", start, err) }(time.Now())

	if err := in.Validate(); err != nil {
		return nil, nil, err
	}
	pair, err := pairFor(in.SenderID, in.ReceiverID)
	if err != nil {
		return nil, nil, err
	}

	msg = models.NewMessage(uuid.Nil, in.SenderID, in.ReceiverID, models.NormalizeContent(in.Content), s.timestamp())
	conv, err = s.store.ResolveAndAppend(ctx, pair, in.PropertyID, msg)
	if err != nil {
		return nil, nil, err
	}
	s.afterSend(ctx, msg)
	return msg, conv, nil
}

// afterSend runs once a message is durable. Nothing here can fail the send.
func (s *Service) afterSend(ctx context.Context, msg *models.Message) {
	if s.metrics != nil {
		s.metrics.IncrementMessagesSent()
	}
	s.invalidateUnread(ctx, msg.ReceiverID)

	if s.notifier == nil {
		return
	}
	if err := s.notifier.Relay(realtime.EventReceiveMessage, msg.ReceiverID, msg); err != nil {
		s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("realtime relay failed")
	}
}

// ListMessages returns the conversation oldest first and marks everything
// addressed to forUserID as read. The result reflects the new read state.
func (s *Service) ListMessages(ctx context.Context, conversationID, forUserID uuid.UUID) (msgs []*models.Message, err error) {
	defer func(start time.Time) { s.observe("list_messages", start, err) }(time.Now())

	if _, err := s.participantConversation(ctx, conversationID, forUserID); err != nil {
		return nil, err
	}
	msgs, flipped, err := s.store.ListMessages(ctx, conversationID, forUserID)
	if err != nil {
		return nil, err
	}
	if flipped > 0 {
		s.invalidateUnread(ctx, forUserID)
	}
	return msgs, nil
}

// Thread is a conversation as seen by one participant.
type Thread struct {
	Conversation *models.Conversation // nil when the pair never talked
	Messages     []*models.Message
	Participants map[uuid.UUID]*models.UserSummary
}

// ViewConversation opens the conversation between viewer and other. An
// unknown pair yields an empty thread rather than an error.
func (s *Service) ViewConversation(ctx context.Context, viewerID, otherID uuid.UUID) (*Thread, error) {
	pair, err := pairFor(viewerID, otherID)
	if err != nil {
		return nil, err
	}

	thread := &Thread{Messages: []*models.Message{}}
	conv, err := s.store.FindConversation(ctx, pair)
	if utils.IsErrorCode(err, utils.ErrConversationNotFound) {
		return thread, nil
	}
	if err != nil {
		return nil, err
	}

	thread.Conversation = conv
	if thread.Messages, err = s.ListMessages(ctx, conv.ID, viewerID); err != nil {
		return nil, err
	}
	thread.Participants, err = s.store.LookupUsers(ctx, []uuid.UUID{pair.A, pair.B})
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// CountUnread returns the user's unread total across all conversations.
// Counts are served from the cache when one is configured.
func (s *Service) CountUnread(ctx context.Context, userID uuid.UUID) (count int, err error) {
	defer func(start time.Time) { s.observe("count_unread", start, err) }(time.Now())

	var key string
	if s.cache != nil {
		key = s.unreadKey(ctx, userID)
	}
	if key != "" {
		val, err := s.cache.Get(ctx, key)
		switch {
		case err == nil:
			if n, convErr := strconv.Atoi(val); convErr == nil {
				return n, nil
			}
		case !errors.Is(err, cache.ErrMiss):
			s.log.Warn().Err(err).Msg("unread cache read failed")
		}
	}

	count, err = s.store.CountUnread(ctx, userID)
	if err != nil {
		return 0, err
	}
	if key != "" {
		if err := s.cache.Set(ctx, key, strconv.Itoa(count), s.cacheTTL); err != nil {
			s.log.Warn().Err(err).Msg("unread cache write failed")
		}
	}
	return count, nil
}

// CountUnreadByConversation is the per-conversation badge count.
func (s *Service) CountUnreadByConversation(ctx context.Context, conversationID, userID uuid.UUID) (count int, err error) {
	defer func(start time.Time) { s.observe("count_unread_conversation", start, err) }(time.Now())

	if _, err := s.participantConversation(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	return s.store.CountUnreadByConversation(ctx, conversationID, userID)
}

// unreadKey resolves the cache key for the user's current unread version.
// It returns "" when the version cannot be read, so the count bypasses the
// cache.
func (s *Service) unreadKey(ctx context.Context, userID uuid.UUID) string {
	id := userID.String()
	version, err := s.cache.Get(ctx, cache.UnreadVersionKey(id))
	switch {
	case errors.Is(err, cache.ErrMiss):
		version = "0"
	case err != nil:
		s.log.Warn().Err(err).Msg("unread cache version read failed")
		return ""
	}
	return cache.UnreadKey(id, version)
}

// invalidateUnread bumps the user's unread version. Counts cached under the
// old version, including one being filled right now, are never read again.
func (s *Service) invalidateUnread(ctx context.Context, userID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.Incr(ctx, cache.UnreadVersionKey(userID.String())); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID.String()).Msg("unread cache invalidation failed")
	}
}

// InboxEntry is one conversation in a user's inbox.
type InboxEntry struct {
	Conversation *models.Conversation
	OtherUser    *models.UserSummary
	OtherOnline  bool
	LastMessage  *models.Message
	UnreadCount  int
}

// ListConversations returns the user's conversations, most recently active
// first, with the counterpart's display data.
func (s *Service) ListConversations(ctx context.Context, userID uuid.UUID) (entries []*InboxEntry, err error) {
	defer func(start time.Time) { s.observe("list_conversations", start, err) }(time.Now())

	summaries, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	others := make([]uuid.UUID, 0, len(summaries))
	for _, sum := range summaries {
		other, _ := sum.Conversation.Pair().Other(userID)
		others = append(others, other)
	}

	users, err := s.store.LookupUsers(ctx, others)
	if err != nil {
		return nil, err
	}
	online := map[uuid.UUID]bool{}
	if s.notifier != nil && len(others) > 0 {
		online = s.notifier.OnlineSet(others)
	}

	entries = make([]*InboxEntry, 0, len(summaries))
	for i, sum := range summaries {
		other := others[i]
		user, ok := users[other]
		if !ok {
			user = &models.UserSummary{ID: other}
		}
		entries = append(entries, &InboxEntry{
			Conversation: sum.Conversation,
			OtherUser:    user,
			OtherOnline:  online[other],
			LastMessage:  sum.LastMessage,
			UnreadCount:  sum.UnreadCount,
		})
	}
	return entries, nil
}
