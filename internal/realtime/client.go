package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192

	sendBufferSize = 256
)

// Client is a middleman between one websocket connection and the relay.
type Client struct {
	relay *Relay
	conn  *websocket.Conn
	log   zerolog.Logger

	// authUserID comes from the connection's token; a join must match it.
	authUserID uuid.UUID
	// userID is set once join succeeds. Only the read pump touches it.
	userID uuid.UUID

	// Buffered channel of outbound frames.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(relay *Relay, conn *websocket.Conn, authUserID uuid.UUID) *Client {
	return &Client{
		relay:      relay,
		conn:       conn,
		log:        relay.log.With().Str("auth_user_id", authUserID.String()).Logger(),
		authUserID: authUserID,
		send:       make(chan []byte, sendBufferSize),
		done:       make(chan struct{}),
	}
}

// Serve runs the read and write pumps for an upgraded connection owned by
// the authenticated user. It returns immediately.
func (r *Relay) Serve(conn *websocket.Conn, authUserID uuid.UUID) *Client {
	c := newClient(r, conn, authUserID)
	go c.writePump()
	go c.readPump()
	return c
}

// trySend queues frame without blocking. It reports false when the client
// is closed or its buffer is full.
func (c *Client) trySend(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// shutdown tells the write pump to close the connection.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		c.relay.Leave(c)
		c.shutdown()
		c.conn.Close()
		c.log.Debug().Msg("read pump stopped")
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		c.handleFrame(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write pump stopped")
	}()
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Warn().Err(err).Msg("websocket write error")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "connection replaced"))
			return
		}
	}
}

func (c *Client) handleFrame(raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.sendError("", "malformed frame")
		return
	}

	switch frame.Event {
	case EventJoin:
		var p JoinPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.UserID == uuid.Nil {
			c.sendError(frame.Event, "userId is required")
			return
		}
		if p.UserID != c.authUserID {
			c.sendError(frame.Event, "userId does not match the authenticated user")
			return
		}
		if err := c.relay.Join(p.UserID, c); err != nil {
			c.log.Error().Err(err).Msg("join failed")
			c.sendError(frame.Event, "join failed")
			return
		}
		c.userID = p.UserID

	case EventSendMessage:
		if !c.joined(frame.Event) {
			return
		}
		var p SendMessagePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.ReceiverID == uuid.Nil {
			c.sendError(frame.Event, "receiverId is required")
			return
		}
		if len(p.Message) == 0 {
			c.sendError(frame.Event, "message is required")
			return
		}
		c.relayOrLog(EventReceiveMessage, p.ReceiverID, p.Message)

	case EventTyping:
		if !c.joined(frame.Event) {
			return
		}
		var p TypingPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.ReceiverID == uuid.Nil {
			c.sendError(frame.Event, "receiverId is required")
			return
		}
		c.relayOrLog(EventUserTyping, p.ReceiverID, TypingNotice{IsTyping: p.IsTyping, UserID: c.userID})

	default:
		c.sendError(frame.Event, "unknown event")
	}
}

func (c *Client) joined(event string) bool {
	if c.userID == uuid.Nil {
		c.sendError(event, "join first")
		return false
	}
	return true
}

func (c *Client) relayOrLog(event string, recipient uuid.UUID, payload interface{}) {
	if err := c.relay.Relay(event, recipient, payload); err != nil {
		c.log.Warn().Err(err).Str("event", event).Msg("relay failed")
	}
}

func (c *Client) sendError(event, message string) {
	frame, err := EncodeFrame(EventError, ErrorNotice{Event: event, Message: message})
	if err != nil {
		return
	}
	c.trySend(frame)
}
