package realtime

import (
	"encoding/json"
	"storefront-api/logger"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
	sendBuffer     = 64
)

// Message is the envelope exchanged with the chat widget.
type Message struct {
	Type   string    `json:"type"`
	Body   string    `json:"body,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// Client is one websocket connection of an authenticated user.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID int
	send   chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// Hub tracks live chat connections per user so account actions such as a
// ban can terminate them immediately.
type Hub struct {
	mu      sync.Mutex
	clients map[int]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[int]map[*Client]struct{})}
}

// Serve registers conn for userID and blocks until the connection ends.
func (h *Hub) Serve(conn *websocket.Conn, userID int) {
	c := &Client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	h.register(c)

	go c.writePump()
	c.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	logger.Log.WithField("user_id", c.userID).Debug("Chat connection registered")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if set, ok := h.clients[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.mu.Unlock()
}

// Disconnect closes every connection of userID with a policy-violation close
// frame carrying reason, and returns how many were closed.
func (h *Hub) Disconnect(userID int, reason string) int {
	h.mu.Lock()
	set := h.clients[userID]
	delete(h.clients, userID)
	h.mu.Unlock()

	for c := range set {
		c.closeWith(websocket.ClosePolicyViolation, reason)
	}

	if len(set) > 0 {
		logger.Log.WithFields(logrus.Fields{
			"user_id":     userID,
			"connections": len(set),
			"reason":      reason,
		}).Info("Chat connections closed")
	}
	return len(set)
}

// CloseAll closes every connection; used on shutdown.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	all := h.clients
	h.clients = make(map[int]map[*Client]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for c := range set {
			c.closeWith(websocket.CloseGoingAway, reason)
		}
	}
}

// Connections returns the number of live connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// deliver queues msg on every connection of userID. Slow consumers drop messages.
func (h *Hub) deliver(userID int, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[userID] {
		select {
		case c.send <- payload:
		default:
			logger.Log.WithField("user_id", userID).Warn("Chat send buffer full, dropping message")
		}
	}
}

// closeWith sends a close frame with code and reason, unless code is zero,
// and closes the connection. Safe to call more than once.
func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if code != 0 {
			deadline := time.Now().Add(writeWait)
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		}
		c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.closeWith(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var in Message
		if err := c.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Log.WithError(err).WithField("user_id", c.userID).Debug("Chat connection closed unexpectedly")
			}
			return
		}
		if in.Type == "" {
			in.Type = "message"
		}
		in.SentAt = time.Now().UTC()
		// Echo to all of the user's tabs; storing and routing to support
		// staff is handled by the chat backend.
		c.hub.deliver(c.userID, in)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.closeWith(0, "")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeWith(0, "")
				return
			}
		}
	}
}
