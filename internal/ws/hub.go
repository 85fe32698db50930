// Package ws fans engine telemetry out to websocket subscribers. Delivery is
// fire-and-forget: a slow client loses messages, never blocks the engine.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is the wire envelope for every published event.
type Msg struct {
	Type     string `json:"type"`
	MarketID string `json:"market_id"`
	Data     any    `json:"data"`
}

// Hub manages per-market subscription rooms. A connection may subscribe to
// any number of markets.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*conn]bool

	log *zap.SugaredLogger
}

type conn struct {
	ws      *websocket.Conn
	send    chan []byte
	hub     *Hub
	markets map[string]bool
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		rooms: make(map[string]map[*conn]bool),
		log:   log,
	}
}

// Publish sends one event to every subscriber of the market. Satisfies
// engine.PublishFunc.
func (h *Hub) Publish(marketID, msgType string, data any) {
	b, err := json.Marshal(Msg{Type: msgType, MarketID: marketID, Data: data})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[marketID] {
		select {
		case c.send <- b:
		default:
			// slow client, drop
		}
	}
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("ws upgrade", "err", err)
		return
	}
	c := &conn{
		ws:      wsConn,
		send:    make(chan []byte, 64),
		hub:     h,
		markets: make(map[string]bool),
	}
	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		var sub struct {
			Action   string `json:"action"`
			MarketID string `json:"market_id"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, sub.MarketID)
		case "unsubscribe":
			c.hub.unsubscribe(c, sub.MarketID)
		}
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

func (h *Hub) subscribe(c *conn, marketID string) {
	if marketID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[marketID]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[marketID] = room
	}
	room[c] = true
	c.markets[marketID] = true
}

func (h *Hub) unsubscribe(c *conn, marketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c, marketID)
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for marketID := range c.markets {
		h.dropLocked(c, marketID)
	}
	close(c.send)
}

func (h *Hub) dropLocked(c *conn, marketID string) {
	if room, ok := h.rooms[marketID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, marketID)
		}
	}
	delete(c.markets, marketID)
}
