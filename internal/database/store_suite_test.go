package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"househub/internal/models"
	"househub/internal/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory returns a fresh, empty store in which the given users exist.
type storeFactory func(t *testing.T, users ...*models.UserSummary) Store

func newUser(name string) *models.UserSummary {
	return &models.UserSummary{ID: uuid.New(), DisplayName: name}
}

func mustPair(t *testing.T, x, y uuid.UUID) models.Pair {
	t.Helper()
	pair, err := models.NewPair(x, y)
	require.NoError(t, err)
	return pair
}

// runStoreSuite exercises the behavior every backend must share.
func runStoreSuite(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	t.Run("ResolveIsIdempotentInEitherOrder", func(t *testing.T) {
		alice, bob := newUser("alice"), newUser("bob")
		store := factory(t, alice, bob)
		property := uuid.New()

		first, err := store.ResolveConversation(ctx, mustPair(t, alice.ID, bob.ID), &property)
		require.NoError(t, err)
		second, err := store.ResolveConversation(ctx, mustPair(t, bob.ID, alice.ID), nil)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		require.NotNil(t, second.PropertyID)
		assert.Equal(t, property, *second.PropertyID)

		found, err := store.FindConversation(ctx, mustPair(t, bob.ID, alice.ID))
		require.NoError(t, err)
		assert.Equal(t, first.ID, found.ID)

		got, err := store.GetConversation(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, first.Pair(), got.Pair())
	})

	t.Run("ConcurrentResolveCreatesOneConversation", func(t *testing.T) {
		alice, bob := newUser("alice"), newUser("bob")
		store := factory(t, alice, bob)
		pair := mustPair(t, alice.ID, bob.ID)

		const workers = 8
		ids := make([]uuid.UUID, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				conv, err := store.ResolveConversation(ctx, pair, nil)
				if assert.NoError(t, err) {
					ids[i] = conv.ID
				}
			}(i)
		}
		wg.Wait()

		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
	})

	t.Run("MissingConversationIsNotFound", func(t *testing.T) {
		alice, bob := newUser("alice"), newUser("bob")
		store := factory(t, alice, bob)

		_, err := store.FindConversation(ctx, mustPair(t, alice.ID, bob.ID))
		assert.True(t, utils.IsErrorCode(err, utils.ErrConversationNotFound))

		msg := models.NewMessage(uuid.New(), alice.ID, bob.ID, "hello", now())
		err = store.AppendMessage(ctx, msg)
		assert.True(t, utils.IsErrorCode(err, utils.ErrConversationNotFound))

		_, _, err = store.ListMessages(ctx, uuid.New(), alice.ID)
		assert.True(t, utils.IsErrorCode(err, utils.ErrConversationNotFound))
	})

	t.Run("SendListAndReadFlip", func(t *testing.T) {
		alice, bob := newUser("alice"), newUser("bob")
		store := factory(t, alice, bob)
		pair := mustPair(t, alice.ID, bob.ID)

		hello := models.NewMessage(uuid.Nil, alice.ID, bob.ID, "Hello", now())
		conv, err := store.ResolveAndAppend(ctx, pair, nil, hello)
		require.NoError(t, err)
		assert.Equal(t, conv.ID, hello.ConversationID)

		time.Sleep(2 * time.Millisecond)
		hi := models.NewMessage(conv.ID, bob.ID, alice.ID, "Hi", now())
		require.NoError(t, store.AppendMessage(ctx, hi))

		again, err := store.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.True(t, again.LastActivityAt.Equal(hi.CreatedAt))

		unread, err := store.CountUnread(ctx, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, unread)

		msgs, flipped, err := store.ListMessages(ctx, conv.ID, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, flipped)
		require.Len(t, msgs, 2)
		assert.Equal(t, hello.ID, msgs[0].ID)
		assert.Equal(t, hi.ID, msgs[1].ID)
		assert.True(t, msgs[0].IsRead, "message addressed to the viewer is flipped")
		assert.False(t, msgs[1].IsRead, "message addressed to the other participant is untouched")

		bobUnread, err := store.CountUnread(ctx, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, bobUnread)
		aliceUnread, err := store.CountUnread(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, aliceUnread)

		_, flipped, err = store.ListMessages(ctx, conv.ID, bob.ID)
		require.NoError(t, err)
		assert.Zero(t, flipped)
	})

	t.Run("MessagesAreOrderedWithinSameTimestamp", func(t *testing.T) {
		alice, bob := newUser("alice"), newUser("bob")
		store := factory(t, alice, bob)

		conv, err := store.ResolveConversation(ctx, mustPair(t, alice.ID, bob.ID), nil)
		require.NoError(t, err)

		ts := now()
		var sent []string
		for _, body := range []string{"one", "two", "three", "four"} {
			msg := models.NewMessage(conv.ID, alice.ID, bob.ID, body, ts)
			require.NoError(t, store.AppendMessage(ctx, msg))
			sent = append(sent, msg.ID)
		}

		msgs, _, err := store.ListMessages(ctx, conv.ID, alice.ID)
		require.NoError(t, err)
		require.Len(t, msgs, len(sent))
		for i, msg := range msgs {
			assert.Equal(t, sent[i], msg.ID)
		}
	})

	t.Run("UnreadTotalsMatchPerConversation", func(t *testing.T) {
		alice, bob, carol := newUser("alice"), newUser("bob"), newUser("carol")
		store := factory(t, alice, bob, carol)

		send := func(from, to *models.UserSummary, body string) {
			msg := models.NewMessage(uuid.Nil, from.ID, to.ID, body, now())
			_, err := store.ResolveAndAppend(ctx, mustPair(t, from.ID, to.ID), nil, msg)
			require.NoError(t, err)
		}
		send(bob, alice, "is it available?")
		send(bob, alice, "hello?")
		send(carol, alice, "viewing tomorrow")
		send(alice, carol, "sure")

		total, err := store.CountUnread(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, total)

		summaries, err := store.ListConversations(ctx, alice.ID)
		require.NoError(t, err)
		require.Len(t, summaries, 2)

		sum := 0
		for _, s := range summaries {
			n, err := store.CountUnreadByConversation(ctx, s.Conversation.ID, alice.ID)
			require.NoError(t, err)
			assert.Equal(t, n, s.UnreadCount)
			sum += n
		}
		assert.Equal(t, total, sum)
	})

	t.Run("ListConversationsNewestFirst", func(t *testing.T) {
		alice, bob, carol := newUser("alice"), newUser("bob"), newUser("carol")
		store := factory(t, alice, bob, carol)

		first := models.NewMessage(uuid.Nil, bob.ID, alice.ID, "first", now())
		withBob, err := store.ResolveAndAppend(ctx, mustPair(t, alice.ID, bob.ID), nil, first)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)

		second := models.NewMessage(uuid.Nil, carol.ID, alice.ID, "second", now())
		withCarol, err := store.ResolveAndAppend(ctx, mustPair(t, alice.ID, carol.ID), nil, second)
		require.NoError(t, err)

		summaries, err := store.ListConversations(ctx, alice.ID)
		require.NoError(t, err)
		require.Len(t, summaries, 2)
		assert.Equal(t, withCarol.ID, summaries[0].Conversation.ID)
		assert.Equal(t, withBob.ID, summaries[1].Conversation.ID)
		require.NotNil(t, summaries[0].LastMessage)
		assert.Equal(t, "second", summaries[0].LastMessage.Content)

		empty, err := store.ListConversations(ctx, uuid.New())
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("LookupUsers", func(t *testing.T) {
		alice, bob := newUser("alice"), newUser("bob")
		store := factory(t, alice, bob)

		found, err := store.LookupUsers(ctx, []uuid.UUID{alice.ID, bob.ID, uuid.New()})
		require.NoError(t, err)
		require.Len(t, found, 2)
		assert.Equal(t, "alice", found[alice.ID].DisplayName)
		assert.Equal(t, "bob", found[bob.ID].DisplayName)

		none, err := store.LookupUsers(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
