package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appLog "icsreminder/internal/log"
	"icsreminder/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 32
)

// wsMessage is the frame pushed to room subscribers.
type wsMessage struct {
	Kind   model.MessageKind `json:"kind"`
	RoomID string            `json:"room_id"`
	Text   string            `json:"text"`
	HTML   string            `json:"html,omitempty"`
	UID    string            `json:"uid,omitempty"`
	VEvent string            `json:"vevent,omitempty"`
	Next   *time.Time        `json:"next,omitempty"`
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	room string
	send chan []byte
}

// Hub fans room messages out to websocket subscribers of that room. It is
// a scheduler.Sender, so triggers reach the feed alongside the Matrix room.
type Hub struct {
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*wsClient]struct{}
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		rooms: make(map[string]map[*wsClient]struct{}),
	}
}

// Send pushes msg to every subscriber of roomID. Subscribers whose buffer
// is full are dropped rather than stalling the sender.
func (h *Hub) Send(_ context.Context, roomID string, msg model.Message) error {
	data, err := json.Marshal(wsMessage{
		Kind:   msg.Kind,
		RoomID: roomID,
		Text:   msg.Text,
		HTML:   msg.HTML,
		UID:    msg.UID,
		VEvent: msg.VEvent,
		Next:   msg.Next,
	})
	if err != nil {
		return err
	}

	var stale []*wsClient
	h.mu.RLock()
	for c := range h.rooms[roomID] {
		select {
		case c.send <- data:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		appLog.Warn("ws: subscriber too slow, dropping", "room", roomID)
		h.unregister(c)
	}
	return nil
}

// Subscribers reports how many connections follow roomID.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// ServeWS upgrades the request and subscribes the connection to roomID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, roomID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		appLog.Warn("ws: upgrade failed", "room", roomID, "error", err.Error())
		return
	}
	c := &wsClient{hub: h, conn: conn, room: roomID, send: make(chan []byte, sendBuffer)}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, set := range h.rooms {
		for c := range set {
			close(c.send)
		}
		delete(h.rooms, room)
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	set, ok := h.rooms[c.room]
	if !ok {
		set = make(map[*wsClient]struct{})
		h.rooms[c.room] = set
	}
	set[c] = struct{}{}
	n := len(set)
	h.mu.Unlock()
	appLog.Debug("ws: subscriber joined", "room", c.room, "subscribers", n)
}

// unregister removes c and closes its send channel exactly once.
func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.rooms[c.room]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.rooms, c.room)
	}
}

// readPump only services control frames; subscribers do not send data.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				appLog.Warn("ws: read error", "room", c.room, "error", err.Error())
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
