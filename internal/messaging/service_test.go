package messaging

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"househub/internal/cache"
	"househub/internal/database"
	"househub/internal/models"
	"househub/internal/realtime"
	"househub/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayed struct {
	Event     string
	Recipient uuid.UUID
	Payload   interface{}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []relayed
	online map[uuid.UUID]bool
}

func (f *fakeNotifier) Relay(event string, recipient uuid.UUID, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, relayed{Event: event, Recipient: recipient, Payload: payload})
	return nil
}

func (f *fakeNotifier) OnlineSet(ids []uuid.UUID) map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		out[id] = f.online[id]
	}
	return out
}

func (f *fakeNotifier) sent() []relayed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relayed(nil), f.events...)
}

// testClock advances one millisecond per reading.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type fixture struct {
	svc      *Service
	store    *database.MemoryStore
	cache    *cache.MemoryCache
	notifier *fakeNotifier
	alice    *models.UserSummary
	bob      *models.UserSummary
	carol    *models.UserSummary
}

func newFixture(t *testing.T, storeOpts ...database.MemoryOption) *fixture {
	t.Helper()
	f := &fixture{
		store:    database.NewMemoryStore(storeOpts...),
		cache:    cache.NewMemoryCache(),
		notifier: &fakeNotifier{online: map[uuid.UUID]bool{}},
		alice:    &models.UserSummary{ID: uuid.New(), DisplayName: "Alice"},
		bob:      &models.UserSummary{ID: uuid.New(), DisplayName: "Bob"},
		carol:    &models.UserSummary{ID: uuid.New(), DisplayName: "Carol"},
	}
	for _, u := range []*models.UserSummary{f.alice, f.bob, f.carol} {
		f.store.AddUser(u)
	}
	clock := &testClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	f.svc = NewService(f.store, zerolog.Nop(),
		WithCache(f.cache, time.Minute),
		WithNotifier(f.notifier),
		WithMetrics(utils.NewMetricsCollector()),
		WithClock(clock.Now),
	)
	return f
}

func (f *fixture) send(t *testing.T, from, to *models.UserSummary, content string) (*models.Message, *models.Conversation) {
	t.Helper()
	msg, conv, err := f.svc.Send(context.Background(), SendInput{SenderID: from.ID, ReceiverID: to.ID, Content: content})
	require.NoError(t, err)
	return msg, conv
}

func TestResolveConversationIsSymmetric(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.ResolveConversation(ctx, f.alice.ID, f.bob.ID, nil)
	require.NoError(t, err)
	second, err := f.svc.ResolveConversation(ctx, f.bob.ID, f.alice.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = f.svc.ResolveConversation(ctx, f.alice.ID, f.alice.ID, nil)
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))

	_, err = f.svc.ResolveConversation(ctx, f.alice.ID, uuid.Nil, nil)
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))
}

func TestPropertyIsRecordedOnCreationOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first, second := uuid.New(), uuid.New()

	_, conv, err := f.svc.Send(ctx, SendInput{SenderID: f.alice.ID, ReceiverID: f.bob.ID, PropertyID: &first, Content: "about the flat"})
	require.NoError(t, err)
	_, again, err := f.svc.Send(ctx, SendInput{SenderID: f.bob.ID, ReceiverID: f.alice.ID, PropertyID: &second, Content: "which one?"})
	require.NoError(t, err)

	assert.Equal(t, conv.ID, again.ID)
	require.NotNil(t, again.PropertyID)
	assert.Equal(t, first, *again.PropertyID)
}

func TestSendRejectsBlankContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, body := range []string{"", "   ", "\n\t "} {
		_, _, err := f.svc.Send(ctx, SendInput{SenderID: f.alice.ID, ReceiverID: f.bob.ID, Content: body})
		appErr, ok := utils.AsAppError(err)
		require.True(t, ok)
		assert.Equal(t, utils.ErrInvalidInput, appErr.Code)
		require.Len(t, appErr.Fields, 1)
		assert.Equal(t, "content", appErr.Fields[0].Field)
	}

	pair, err := models.NewPair(f.alice.ID, f.bob.ID)
	require.NoError(t, err)
	_, err = f.store.FindConversation(ctx, pair)
	assert.True(t, utils.IsErrorCode(err, utils.ErrConversationNotFound))
	count, err := f.svc.CountUnread(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, f.notifier.sent())
}

func TestSendRejectsNULBytes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, err := f.svc.Send(ctx, SendInput{SenderID: f.alice.ID, ReceiverID: f.bob.ID, Content: "hi\x00there"})
	appErr, ok := utils.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, utils.ErrInvalidInput, appErr.Code)
	require.Len(t, appErr.Fields, 1)
	assert.Equal(t, "content", appErr.Fields[0].Field)

	pair, err := models.NewPair(f.alice.ID, f.bob.ID)
	require.NoError(t, err)
	_, err = f.store.FindConversation(ctx, pair)
	assert.True(t, utils.IsErrorCode(err, utils.ErrConversationNotFound))
	count, err := f.svc.CountUnread(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	conv, err := f.svc.ResolveConversation(ctx, f.alice.ID, f.bob.ID, nil)
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, conv.ID, f.alice.ID, f.bob.ID, "\x00")
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))
	assert.Empty(t, f.notifier.sent())
}

func TestSendReportsEveryInvalidField(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Send(context.Background(), SendInput{SenderID: f.alice.ID, Content: " "})

	appErr, ok := utils.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "Validation failed", appErr.Message)
	assert.Len(t, appErr.Fields, 2)
}

func TestSendMessageChecksReceiver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv, err := f.svc.ResolveConversation(ctx, f.alice.ID, f.bob.ID, nil)
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, conv.ID, f.alice.ID, f.carol.ID, "hi")
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))

	_, err = f.svc.SendMessage(ctx, conv.ID, f.carol.ID, f.bob.ID, "hi")
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))

	_, err = f.svc.SendMessage(ctx, conv.ID, f.alice.ID, f.alice.ID, "hi")
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))

	_, err = f.svc.SendMessage(ctx, uuid.New(), f.alice.ID, f.bob.ID, "hi")
	assert.True(t, utils.IsErrorCode(err, utils.ErrConversationNotFound))

	_, err = f.svc.SendMessage(ctx, conv.ID, f.alice.ID, f.bob.ID, "   ")
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))

	msg, err := f.svc.SendMessage(ctx, conv.ID, f.alice.ID, f.bob.ID, "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	assert.False(t, msg.IsRead)

	msgs, err := f.svc.ListMessages(ctx, conv.ID, f.alice.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestListMessagesIsOrderedOldestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var conv *models.Conversation
	for i := 0; i < 10; i++ {
		from, to := f.alice, f.bob
		if i%3 == 0 {
			from, to = f.bob, f.alice
		}
		_, conv = f.send(t, from, to, strings.Repeat("x", i+1))
	}

	msgs, err := f.svc.ListMessages(ctx, conv.ID, f.alice.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 10)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
		assert.Len(t, msgs[i].Content, i+1)
	}
}

func TestListMessagesHidesConversationFromOutsiders(t *testing.T) {
	f := newFixture(t)
	_, conv := f.send(t, f.alice, f.bob, "private")

	_, err := f.svc.ListMessages(context.Background(), conv.ID, f.carol.ID)
	assert.True(t, utils.IsErrorCode(err, utils.ErrConversationNotFound))

	_, err = f.svc.CountUnreadByConversation(context.Background(), conv.ID, f.carol.ID)
	assert.True(t, utils.IsErrorCode(err, utils.ErrConversationNotFound))
}

func TestViewingFlipsOnlyViewersMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, f.alice, f.bob, "one")
	f.send(t, f.alice, f.bob, "two")
	f.send(t, f.bob, f.alice, "three")

	thread, err := f.svc.ViewConversation(ctx, f.bob.ID, f.alice.ID)
	require.NoError(t, err)
	require.Len(t, thread.Messages, 3)
	for _, m := range thread.Messages {
		if m.ReceiverID == f.bob.ID {
			assert.True(t, m.IsRead, m.Content)
		} else {
			assert.False(t, m.IsRead, m.Content)
		}
	}
	assert.Equal(t, "Alice", thread.Participants[f.alice.ID].DisplayName)

	bobUnread, err := f.svc.CountUnread(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Zero(t, bobUnread)
	aliceUnread, err := f.svc.CountUnread(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, aliceUnread)
}

func TestViewUnknownPairIsEmpty(t *testing.T) {
	f := newFixture(t)
	thread, err := f.svc.ViewConversation(context.Background(), f.alice.ID, f.carol.ID)
	require.NoError(t, err)
	assert.Nil(t, thread.Conversation)
	assert.Empty(t, thread.Messages)

	_, err = f.svc.ViewConversation(context.Background(), f.alice.ID, f.alice.ID)
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))
}

func TestUnreadTotalEqualsSumOfConversations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.send(t, f.bob, f.alice, "a")
	f.send(t, f.bob, f.alice, "b")
	f.send(t, f.carol, f.alice, "c")
	f.send(t, f.alice, f.carol, "d")
	_, err := f.svc.ViewConversation(ctx, f.alice.ID, f.carol.ID)
	require.NoError(t, err)
	f.send(t, f.carol, f.alice, "e")

	total, err := f.svc.CountUnread(ctx, f.alice.ID)
	require.NoError(t, err)

	inbox, err := f.svc.ListConversations(ctx, f.alice.ID)
	require.NoError(t, err)
	sum := 0
	for _, entry := range inbox {
		n, err := f.svc.CountUnreadByConversation(ctx, entry.Conversation.ID, f.alice.ID)
		require.NoError(t, err)
		assert.Equal(t, n, entry.UnreadCount)
		sum += n
	}
	assert.Equal(t, 3, total)
	assert.Equal(t, total, sum)
}

func TestUnreadCacheIsInvalidated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bob := f.bob.ID.String()

	f.send(t, f.alice, f.bob, "one")
	count, err := f.svc.CountUnread(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	version, err := f.cache.Get(ctx, cache.UnreadVersionKey(bob))
	require.NoError(t, err)
	assert.Equal(t, "1", version)
	cached, err := f.cache.Get(ctx, cache.UnreadKey(bob, version))
	require.NoError(t, err)
	assert.Equal(t, "1", cached)

	f.send(t, f.alice, f.bob, "two")
	version, err = f.cache.Get(ctx, cache.UnreadVersionKey(bob))
	require.NoError(t, err)
	assert.Equal(t, "2", version, "send bumps the receiver's version")
	_, err = f.cache.Get(ctx, cache.UnreadKey(bob, version))
	assert.ErrorIs(t, err, cache.ErrMiss)

	count, err = f.svc.CountUnread(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = f.svc.ViewConversation(ctx, f.bob.ID, f.alice.ID)
	require.NoError(t, err)
	count, err = f.svc.CountUnread(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

// interleavingStore runs afterCount once, between the store computing an
// unread total and the service caching it.
type interleavingStore struct {
	database.Store
	once       sync.Once
	afterCount func()
}

func (s *interleavingStore) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	n, err := s.Store.CountUnread(ctx, userID)
	s.once.Do(func() {
		if s.afterCount != nil {
			s.afterCount()
		}
	})
	return n, err
}

func TestUnreadCountSurvivesSendDuringFill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	store := &interleavingStore{Store: f.store}
	svc := NewService(store, zerolog.Nop(), WithCache(f.cache, time.Minute))
	store.afterCount = func() {
		_, _, err := svc.Send(ctx, SendInput{SenderID: f.alice.ID, ReceiverID: f.bob.ID, Content: "mid-count"})
		require.NoError(t, err)
	}

	count, err := svc.CountUnread(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Zero(t, count, "computed before the send landed")

	count, err = svc.CountUnread(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	inbox, err := svc.ListConversations(ctx, f.bob.ID)
	require.NoError(t, err)
	sum := 0
	for _, entry := range inbox {
		n, err := svc.CountUnreadByConversation(ctx, entry.Conversation.ID, f.bob.ID)
		require.NoError(t, err)
		sum += n
	}
	assert.Equal(t, sum, count)
}

func TestSendNotifiesReceiver(t *testing.T) {
	f := newFixture(t)
	msg, _ := f.send(t, f.alice, f.bob, "ping")

	events := f.notifier.sent()
	require.Len(t, events, 1)
	assert.Equal(t, realtime.EventReceiveMessage, events[0].Event)
	assert.Equal(t, f.bob.ID, events[0].Recipient)
	assert.Equal(t, msg, events[0].Payload)
}

func TestFailedSendLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, database.WithKnownUsersOnly())
	stranger := uuid.New()

	_, _, err := f.svc.Send(ctx, SendInput{SenderID: f.alice.ID, ReceiverID: stranger, Content: "hello?"})
	assert.True(t, utils.IsErrorCode(err, utils.ErrUserNotFound))

	inbox, err := f.svc.ListConversations(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Empty(t, inbox)
	assert.Empty(t, f.notifier.sent())
}

func TestListConversationsEnrichesCounterpart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.notifier.online[f.carol.ID] = true

	f.send(t, f.bob, f.alice, "older")
	f.send(t, f.carol, f.alice, "newer")

	inbox, err := f.svc.ListConversations(ctx, f.alice.ID)
	require.NoError(t, err)
	require.Len(t, inbox, 2)

	assert.Equal(t, "Carol", inbox[0].OtherUser.DisplayName)
	assert.True(t, inbox[0].OtherOnline)
	assert.Equal(t, "newer", inbox[0].LastMessage.Content)
	assert.Equal(t, 1, inbox[0].UnreadCount)

	assert.Equal(t, "Bob", inbox[1].OtherUser.DisplayName)
	assert.False(t, inbox[1].OtherOnline)
}

// Hello/Hi walk-through between a tenant and a landlord.
func TestConversationScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	property := uuid.New()
	user1, user2 := f.alice, f.bob

	hello, conv, err := f.svc.Send(ctx, SendInput{SenderID: user1.ID, ReceiverID: user2.ID, PropertyID: &property, Content: "Hello"})
	require.NoError(t, err)
	assert.True(t, conv.Pair().Has(user1.ID))
	assert.True(t, conv.Pair().Has(user2.ID))
	firstActivity := conv.LastActivityAt

	user1Before, err := f.svc.CountUnread(ctx, user1.ID)
	require.NoError(t, err)
	user2Before, err := f.svc.CountUnread(ctx, user2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, user2Before)

	_, replyConv, err := f.svc.Send(ctx, SendInput{SenderID: user2.ID, ReceiverID: user1.ID, Content: "Hi"})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, replyConv.ID)
	assert.True(t, replyConv.LastActivityAt.After(firstActivity))

	user1Before, err = f.svc.CountUnread(ctx, user1.ID)
	require.NoError(t, err)

	msgs, err := f.svc.ListMessages(ctx, conv.ID, user2.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, "Hi", msgs[1].Content)
	assert.Equal(t, hello.ID, msgs[0].ID)
	assert.True(t, msgs[0].IsRead)

	user1After, err := f.svc.CountUnread(ctx, user1.ID)
	require.NoError(t, err)
	user2After, err := f.svc.CountUnread(ctx, user2.ID)
	require.NoError(t, err)
	assert.Equal(t, user1Before, user1After)
	assert.Equal(t, user2Before-1, user2After)
}

func TestSendToOfflineRecipientThroughRelay(t *testing.T) {
	ctx := context.Background()
	relay := realtime.NewRelay(zerolog.Nop(), nil)
	defer relay.Stop()

	store := database.NewMemoryStore()
	svc := NewService(store, zerolog.Nop(), WithNotifier(relay))
	sender, receiver := uuid.New(), uuid.New()

	msg, _, err := svc.Send(ctx, SendInput{SenderID: sender, ReceiverID: receiver, Content: "anyone there?"})
	require.NoError(t, err)

	count, err := svc.CountUnread(ctx, receiver)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "the message is durable even though nobody was connected")
	assert.False(t, relay.Online(receiver))
	assert.NotEmpty(t, msg.ID)
}
