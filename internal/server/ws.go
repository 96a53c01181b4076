package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ayusman/smartpantry/internal/ledger"
	"github.com/ayusman/smartpantry/internal/logging"
	"github.com/ayusman/smartpantry/internal/store"
)

const (
	writeWait      = 5 * time.Second
	clientBuffer   = 64
	maxClientBytes = 512
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// Event is a message on the /api/events feed.
type Event struct {
	Type        string             `json:"type"`
	Transaction *store.Transaction `json:"transaction,omitempty"`
	Entry       *ledger.Entry      `json:"entry,omitempty"`
	Items       []ledger.Entry     `json:"items,omitempty"`
}

// Event types.
const (
	EventSnapshot    = "snapshot"
	EventTransaction = "transaction"
)

type eventClient struct {
	conn *websocket.Conn
	send chan []byte
}

// EventHub pushes committed transactions to websocket clients. A client
// that cannot keep up is disconnected rather than slowing the ledger.
type EventHub struct {
	inventory func() []ledger.Entry
	log       logrus.FieldLogger

	mu      sync.RWMutex
	clients map[*eventClient]struct{}
}

// NewEventHub creates a hub. When inventory is set, new clients first
// receive a snapshot of it.
func NewEventHub(inventory func() []ledger.Entry, log logrus.FieldLogger) *EventHub {
	return &EventHub{
		inventory: inventory,
		log:       logging.Component(log, "events"),
		clients:   make(map[*eventClient]struct{}),
	}
}

// Publish sends a committed transaction to every client. Its signature
// matches ledger.Observer.
func (h *EventHub) Publish(tx store.Transaction, entry ledger.Entry) {
	msg, err := json.Marshal(Event{Type: EventTransaction, Transaction: &tx, Entry: &entry})
	if err != nil {
		h.log.WithError(err).Error("failed to encode event")
		return
	}

	var slow []*eventClient
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.WithField("remote", c.conn.RemoteAddr().String()).Warn("dropping slow event client")
		h.remove(c)
	}
}

// Clients returns the number of connected clients.
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client goes
// away.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade error")
		return
	}

	c := &eventClient{conn: conn, send: make(chan []byte, clientBuffer)}
	if h.inventory != nil {
		if msg, err := json.Marshal(Event{Type: EventSnapshot, Items: h.inventory()}); err == nil {
			c.send <- msg
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)

	// Reads only detect the close; clients have nothing to say.
	conn.SetReadLimit(maxClientBytes)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
}

func (h *EventHub) writeLoop(c *eventClient) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.remove(c)
			c.conn.Close()
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
}

func (h *EventHub) remove(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Close disconnects every client.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
