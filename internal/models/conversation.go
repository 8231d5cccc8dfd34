package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrSelfConversation is returned when both sides of a pair are the same user.
var ErrSelfConversation = errors.New("a conversation needs two distinct participants")

// Pair is an unordered pair of users stored in canonical order: A sorts before B.
type Pair struct {
	A uuid.UUID
	B uuid.UUID
}

// NewPair normalizes two user ids so that (x, y) and (y, x) produce the same Pair.
func NewPair(x, y uuid.UUID) (Pair, error) {
	if x == y {
		return Pair{}, ErrSelfConversation
	}
	if x.String() > y.String() {
		x, y = y, x
	}
	return Pair{A: x, B: y}, nil
}

// Has reports whether userID is one of the two participants.
func (p Pair) Has(userID uuid.UUID) bool {
	return p.A == userID || p.B == userID
}

// Other returns the counterpart of userID. The second result is false when
// userID is not a participant.
func (p Pair) Other(userID uuid.UUID) (uuid.UUID, bool) {
	switch userID {
	case p.A:
		return p.B, true
	case p.B:
		return p.A, true
	}
	return uuid.Nil, false
}

// Conversation is the thread between two users. Participants are kept in
// canonical order; PropertyID is metadata recorded when the thread was opened.
type Conversation struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	ParticipantA   uuid.UUID  `json:"participantA" db:"participant_a"`
	ParticipantB   uuid.UUID  `json:"participantB" db:"participant_b"`
	PropertyID     *uuid.UUID `json:"propertyId,omitempty" db:"-"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	LastActivityAt time.Time  `json:"lastActivityAt" db:"last_activity_at"`
}

// NewConversation builds a conversation row for pair, not yet persisted.
func NewConversation(pair Pair, propertyID *uuid.UUID, now time.Time) *Conversation {
	return &Conversation{
		ID:             uuid.New(),
		ParticipantA:   pair.A,
		ParticipantB:   pair.B,
		PropertyID:     propertyID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Pair returns the participants as a Pair.
func (c *Conversation) Pair() Pair {
	return Pair{A: c.ParticipantA, B: c.ParticipantB}
}

// ConversationSummary is one row of a user's inbox.
type ConversationSummary struct {
	Conversation *Conversation
	LastMessage  *Message
	UnreadCount  int
}
