package realtime

import (
	"househub/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Message types for the registry actor
type (
	joinMsg struct {
		UserID uuid.UUID
		Client *Client
	}

	leaveMsg struct {
		Client *Client
	}

	deliverMsg struct {
		Event     string
		Recipient uuid.UUID
		Frame     []byte
	}

	onlineMsg struct {
		UserIDs []uuid.UUID
	}

	countMsg struct{}
)

// registryActor is the only owner of the userId -> connection table. One
// connection is tracked per user; a later join replaces the earlier one.
type registryActor struct {
	clients map[uuid.UUID]*Client
	log     zerolog.Logger
	metrics *utils.MetricsCollector
}

func newRegistryActor(logger zerolog.Logger, metrics *utils.MetricsCollector) actor.Actor {
	return &registryActor{
		clients: make(map[uuid.UUID]*Client),
		log:     logger,
		metrics: metrics,
	}
}

func (a *registryActor) Receive(context actor.Context) {
	switch msg := context.Message().(type) {
	case *joinMsg:
		a.handleJoin(msg)
		context.Respond(true)
	case *leaveMsg:
		a.handleLeave(msg)
	case *deliverMsg:
		a.handleDeliver(msg)
	case *onlineMsg:
		online := make(map[uuid.UUID]bool, len(msg.UserIDs))
		for _, id := range msg.UserIDs {
			_, online[id] = a.clients[id]
		}
		context.Respond(online)
	case *countMsg:
		context.Respond(len(a.clients))
	case *actor.Stopping:
		for userID, c := range a.clients {
			c.shutdown()
			delete(a.clients, userID)
		}
		a.updateGauge()
	}
}

func (a *registryActor) handleJoin(msg *joinMsg) {
	if prev, ok := a.clients[msg.UserID]; ok && prev != msg.Client {
		a.log.Debug().Str("user_id", msg.UserID.String()).Msg("replacing previous connection")
		prev.shutdown()
	}
	a.clients[msg.UserID] = msg.Client
	a.updateGauge()
	a.log.Info().Str("user_id", msg.UserID.String()).Int("online", len(a.clients)).Msg("user joined")
}

// handleLeave removes the client's entry only if it still owns it, so a
// stale disconnect never evicts a newer connection.
func (a *registryActor) handleLeave(msg *leaveMsg) {
	for userID, c := range a.clients {
		if c == msg.Client {
			delete(a.clients, userID)
			a.updateGauge()
			a.log.Info().Str("user_id", userID.String()).Int("online", len(a.clients)).Msg("user left")
			return
		}
	}
}

func (a *registryActor) handleDeliver(msg *deliverMsg) {
	delivered := false
	if c, ok := a.clients[msg.Recipient]; ok {
		delivered = c.trySend(msg.Frame)
		if !delivered {
			a.log.Warn().Str("user_id", msg.Recipient.String()).Str("event", msg.Event).Msg("send buffer full, event dropped")
		}
	}
	if a.metrics != nil {
		a.metrics.RecordRelay(msg.Event, delivered)
	}
}

func (a *registryActor) updateGauge() {
	if a.metrics != nil {
		a.metrics.SetConnectedClients(len(a.clients))
	}
}
