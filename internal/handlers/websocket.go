package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/synctube/internal/metrics"
	"github.com/mossy-p/synctube/internal/models"
	"github.com/mossy-p/synctube/internal/signaling"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one browser connected to the realtime gateway.
type Client struct {
	ID     string
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte
	log    *zap.Logger
}

// HandleGateway joins the caller to the room, then streams room and
// participant snapshots plus signals addressed to them until the socket
// closes. Outbound offers, answers and candidates are published with the
// sender forced to the authenticated identity. The participant leaves when
// its last socket on this instance closes.
func (h *Handler) HandleGateway(c *gin.Context) {
	userID, ok := actor(c)
	if !ok {
		return
	}

	room, err := h.svc.ResolveRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.fail(c, "gateway", err)
		return
	}
	roomID := room.RoomID

	displayName := c.Query("displayName")
	if displayName == "" {
		displayName = userID
	}

	// The session outlives the request once the connection is hijacked.
	ctx, cancel := context.WithCancel(context.Background())

	// Counted before joining so a sibling socket closing meanwhile does not
	// take the participant out.
	h.openSession(roomID, userID)
	if _, err := h.join(ctx, roomID, userID, models.JoinRoomRequest{DisplayName: displayName, Avatar: c.Query("avatar")}); err != nil {
		cancel()
		h.closeSession(roomID, userID)
		h.fail(c, "gateway", err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		if h.closeSession(roomID, userID) {
			h.svc.LeaveBestEffort(context.Background(), roomID, userID)
		}
		return
	}

	client := &Client{
		ID:     userID,
		RoomID: roomID,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		log:    h.log.With(zap.String("room", roomID), zap.String("user", userID)),
	}
	metrics.GatewayConnections.Inc()

	relay := signaling.NewStreamRelay(h.store, roomID, h.log)
	if err := h.startFeeds(ctx, cancel, client, relay); err != nil {
		client.log.Error("failed to start room feeds", zap.Error(err))
		client.sendEvent(models.GatewayEvent{Type: "error", Error: "failed to subscribe to room"})
	}

	go client.writePump(ctx)
	go func() {
		client.readPump(ctx, relay)
		cancel()
		metrics.GatewayConnections.Dec()

		if !h.closeSession(roomID, userID) {
			client.log.Info("gateway client disconnected, other sessions remain")
			return
		}
		leaveCtx, done := context.WithTimeout(context.Background(), writeWait)
		defer done()
		h.svc.LeaveBestEffort(leaveCtx, roomID, userID)
		client.log.Info("gateway client disconnected")
	}()
}

func sessionKey(roomID, userID string) string {
	return roomID + "/" + userID
}

func (h *Handler) openSession(roomID, userID string) {
	h.sessionsMu.Lock()
	defer h.sessionsMu.Unlock()
	h.sessions[sessionKey(roomID, userID)]++
}

// closeSession reports whether the last socket for the user just closed.
func (h *Handler) closeSession(roomID, userID string) bool {
	h.sessionsMu.Lock()
	defer h.sessionsMu.Unlock()
	key := sessionKey(roomID, userID)
	h.sessions[key]--
	if h.sessions[key] > 0 {
		return false
	}
	delete(h.sessions, key)
	return true
}

// startFeeds forwards the room, the participants and addressed signals to the
// client. Losing the room or being removed from it ends the session.
func (h *Handler) startFeeds(ctx context.Context, cancel context.CancelFunc, client *Client, relay *signaling.StreamRelay) error {
	rooms, err := h.svc.WatchRoom(ctx, client.RoomID)
	if err != nil {
		return err
	}
	participants, err := h.svc.WatchParticipants(ctx, client.RoomID)
	if err != nil {
		return err
	}
	self, err := h.svc.WatchParticipant(ctx, client.RoomID, client.ID)
	if err != nil {
		return err
	}
	signals, err := relay.Subscribe(ctx, signaling.Filter{To: client.ID}, time.Now().Add(-h.signalGrace).UnixMilli())
	if err != nil {
		return err
	}

	go func() {
		for room := range rooms {
			if room == nil {
				client.sendEvent(models.GatewayEvent{Type: "error", Error: "room not found"})
				cancel()
				return
			}
			client.sendEvent(models.GatewayEvent{Type: "room", Room: room})
		}
	}()
	go func() {
		for list := range participants {
			if list == nil {
				list = []models.Participant{}
			}
			client.sendEvent(models.GatewayEvent{Type: "participants", Participants: list})
		}
	}()
	go func() {
		for p := range self {
			if p == nil {
				client.sendEvent(models.GatewayEvent{Type: "error", Error: "removed from room"})
				cancel()
				return
			}
		}
	}()
	go func() {
		for msg := range signals {
			client.sendEvent(models.GatewayEvent{Type: "signal", Signal: &msg})
		}
	}()
	return nil
}

func (c *Client) readPump(ctx context.Context, relay signaling.Relay) {
	defer c.Conn.Close()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.Debug("failed to parse message", zap.Error(err))
			continue
		}

		// The sender is always the authenticated identity.
		msg.From = c.ID
		msg.RoomID = c.RoomID
		if msg.Timestamp == 0 {
			msg.Timestamp = time.Now().UnixMilli()
		}

		switch msg.Type {
		case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
			if msg.To == "" || msg.To == c.ID {
				c.sendEvent(models.GatewayEvent{Type: "error", Error: "signal needs a recipient"})
				continue
			}
			if err := relay.Publish(ctx, msg); err != nil {
				c.log.Warn("failed to relay signal", zap.String("to", msg.To), zap.Error(err))
				c.sendEvent(models.GatewayEvent{Type: "error", Error: "failed to relay signal"})
			}
		default:
			c.log.Debug("unknown message type", zap.String("type", string(msg.Type)))
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendEvent(ev models.GatewayEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("failed to marshal event", zap.Error(err))
		return
	}

	select {
	case c.Send <- data:
	default:
		c.log.Warn("client buffer full, dropping event", zap.String("type", ev.Type))
	}
}
