package simulator

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"househub/internal/realtime"

	"github.com/google/uuid"
)

var sampleMessages = []string{
	"Hi, is the apartment still available?",
	"Could I schedule a viewing this weekend?",
	"Are pets allowed in the building?",
	"Is parking included in the rent?",
	"What is the earliest move-in date?",
	"Are utilities included?",
	"Thanks, that works for me.",
	"Can you send a few more photos of the kitchen?",
	"How long is the minimum lease?",
	"Sounds good, see you then!",
}

type sendResponse struct {
	Success bool `json:"success"`
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
}

type inboxResponse struct {
	Conversations []struct {
		OtherUser struct {
			ID uuid.UUID `json:"id"`
		} `json:"otherUser"`
		UnreadCount int `json:"unreadCount"`
	} `json:"conversations"`
}

// SimulateActivities runs message traffic and inbox reads until ctx ends.
func (s *Simulator) SimulateActivities(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.simulateMessages(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.simulateInboxReads(ctx)
	}()

	wg.Wait()
}

// tickChance converts a per-hour rate into the chance of acting on one tick.
func (s *Simulator) tickChance(perHour float64) float64 {
	return perHour / 3600.0 * s.config.TickInterval.Seconds()
}

// runTicks feeds connected users to a worker pool, each user being picked
// with probability chance per tick.
func (s *Simulator) runTicks(ctx context.Context, chance float64, work func(*SimulatedUser)) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	jobs := make(chan *SimulatedUser, len(s.users))
	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for user := range jobs {
				work(user)
			}
		}()
	}
	defer wg.Wait()
	defer close(jobs)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, user := range s.users {
				if !user.online() || rand.Float64() >= chance {
					continue
				}
				select {
				case jobs <- user:
				default:
					// Workers are behind; skip rather than pile up.
				}
			}
		}
	}
}

func (s *Simulator) simulateMessages(ctx context.Context) {
	s.runTicks(ctx, s.tickChance(s.config.MessageFrequency), func(user *SimulatedUser) {
		s.sendMessage(ctx, user, s.pickReceiver(user))
	})
}

func (s *Simulator) simulateInboxReads(ctx context.Context) {
	s.runTicks(ctx, s.tickChance(s.config.ReadFrequency), func(user *SimulatedUser) {
		s.readInbox(ctx, user)
	})
}

// pickReceiver draws a Zipf-distributed counterpart other than user.
func (s *Simulator) pickReceiver(user *SimulatedUser) *SimulatedUser {
	s.rngMu.Lock()
	idx := int(s.zipf.Uint64())
	s.rngMu.Unlock()

	if s.users[idx] == user {
		idx = (idx + 1) % len(s.users)
	}
	return s.users[idx]
}

func (s *Simulator) sendMessage(ctx context.Context, from, to *SimulatedUser) {
	if rand.Float64() < s.config.TypingRate {
		if err := from.writeFrame(realtime.EventTyping, realtime.TypingPayload{ReceiverID: to.ID, IsTyping: true}); err != nil {
			s.log.Debug().Err(err).Msg("typing indicator failed")
		}
	}

	body, err := s.makeRequest(ctx, "POST", "/messages", from.Token, map[string]string{
		"receiverId": to.ID.String(),
		"content":    sampleMessages[rand.Intn(len(sampleMessages))],
	})
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Str("sender_id", from.ID.String()).Msg("send failed")
		}
		return
	}

	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil || !resp.Success {
		s.log.Warn().Err(err).Msg("unexpected send response")
		return
	}

	s.stats.mu.Lock()
	s.stats.MessagesSent++
	s.stats.mu.Unlock()
}

// readInbox lists the user's conversations and opens every one with unread
// messages, which marks them read.
func (s *Simulator) readInbox(ctx context.Context, user *SimulatedUser) {
	body, err := s.makeRequest(ctx, "GET", "/messages/conversations", user.Token, nil)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("inbox request failed")
		}
		return
	}

	var inbox inboxResponse
	if err := json.Unmarshal(body, &inbox); err != nil {
		s.log.Warn().Err(err).Msg("unexpected inbox response")
		return
	}

	for _, conv := range inbox.Conversations {
		if conv.UnreadCount == 0 {
			continue
		}
		if _, err := s.makeRequest(ctx, "GET", "/messages/conversation/"+conv.OtherUser.ID.String(), user.Token, nil); err != nil {
			return
		}
	}

	s.stats.mu.Lock()
	s.stats.InboxReads++
	s.stats.mu.Unlock()
}
