package realtime

import (
	"fmt"
	"time"

	"househub/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const requestTimeout = 2 * time.Second

// Relay pushes events to connected users. Delivery is best-effort and
// at-most-once: events for users without a live connection are dropped.
type Relay struct {
	system *actor.ActorSystem
	pid    *actor.PID
	log    zerolog.Logger
}

func NewRelay(logger zerolog.Logger, metrics *utils.MetricsCollector) *Relay {
	logger = logger.With().Str("component", "relay").Logger()
	system := actor.NewActorSystem()
	props := actor.PropsFromProducer(func() actor.Actor {
		return newRegistryActor(logger, metrics)
	})
	return &Relay{
		system: system,
		pid:    system.Root.Spawn(props),
		log:    logger,
	}
}

// Join binds userID to c, replacing any connection the user had before.
func (r *Relay) Join(userID uuid.UUID, c *Client) error {
	_, err := r.system.Root.RequestFuture(r.pid, &joinMsg{UserID: userID, Client: c}, requestTimeout).Result()
	if err != nil {
		return fmt.Errorf("relay join: %w", err)
	}
	return nil
}

// Leave forgets c. It is a no-op if c was already replaced.
func (r *Relay) Leave(c *Client) {
	r.system.Root.Send(r.pid, &leaveMsg{Client: c})
}

// Relay queues event for recipient and returns immediately. An offline
// recipient is not an error.
func (r *Relay) Relay(event string, recipient uuid.UUID, payload interface{}) error {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}
	r.system.Root.Send(r.pid, &deliverMsg{Event: event, Recipient: recipient, Frame: frame})
	return nil
}

// OnlineSet reports which of ids currently have a connection. Users are
// reported offline if the registry does not answer in time.
func (r *Relay) OnlineSet(ids []uuid.UUID) map[uuid.UUID]bool {
	res, err := r.system.Root.RequestFuture(r.pid, &onlineMsg{UserIDs: ids}, requestTimeout).Result()
	if err != nil {
		r.log.Warn().Err(err).Msg("online lookup failed")
		return map[uuid.UUID]bool{}
	}
	online, _ := res.(map[uuid.UUID]bool)
	return online
}

func (r *Relay) Online(userID uuid.UUID) bool {
	return r.OnlineSet([]uuid.UUID{userID})[userID]
}

// Connected returns the number of users with a live connection.
func (r *Relay) Connected() int {
	res, err := r.system.Root.RequestFuture(r.pid, &countMsg{}, requestTimeout).Result()
	if err != nil {
		return 0
	}
	n, _ := res.(int)
	return n
}

// Stop closes every tracked connection and stops the registry.
func (r *Relay) Stop() {
	if err := r.system.Root.PoisonFuture(r.pid).Wait(); err != nil {
		r.log.Warn().Err(err).Msg("relay stop")
	}
}
