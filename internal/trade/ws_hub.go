package trade

// WebSocket hub pushing fills and TP/SL triggers to the connections of the
// user they belong to.

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ecolebourse/plus-engine/internal/apperr"
	"github.com/ecolebourse/plus-engine/internal/identity"
	"github.com/ecolebourse/plus-engine/internal/metrics"
)

// Event types.
const (
	EventOrderFilled    = "order_filled"
	EventPositionClosed = "position_closed"
	EventTpslTriggered  = "tpsl_triggered"
)

// Event is a JSON message sent to WebSocket clients.
type Event struct {
	Type      string    `json:"type"`
	OrderID   string    `json:"order_id,omitempty"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side,omitempty"`
	Quantity  string    `json:"quantity,omitempty"`
	Price     string    `json:"price_eur,omitempty"`
	CashDelta string    `json:"cash_delta_eur,omitempty"`
	RuleID    string    `json:"rule_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

type client struct {
	userID string
	conn   *websocket.Conn
}

type envelope struct {
	userID string
	data   []byte
}

// Hub manages WebSocket connections grouped by user and delivers each event
// only to the connections of its user.
type Hub struct {
	clients map[string]map[*client]bool
	publish chan envelope
	mu      sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*client]bool),
		publish: make(chan envelope, 256),
	}
}

// Run starts the hub's main event loop until done is closed. Must be
// called in a goroutine.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			h.mu.Lock()
			for _, conns := range h.clients {
				for c := range conns {
					c.conn.Close()
				}
			}
			h.clients = make(map[string]map[*client]bool)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case env := <-h.publish:
			h.mu.RLock()
			var dead []*client
			for c := range h.clients[env.userID] {
				c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := c.conn.WriteMessage(websocket.TextMessage, env.data); err != nil {
					dead = append(dead, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range dead {
				h.remove(c)
			}
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*client]bool)
	}
	h.clients[c.userID][c] = true
	metrics.WebSocketClients.Inc()
	slog.Debug("ws client connected", "user", c.userID)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.clients[c.userID]
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.userID)
	}
	c.conn.Close()
	metrics.WebSocketClients.Dec()
}

// Connected returns the number of open connections of userID.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Publish queues ev for userID's connections.
func (h *Hub) Publish(userID string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.publish <- envelope{userID: userID, data: data}:
	default:
		// Drop if buffer full to avoid blocking order execution.
		slog.Warn("ws publish dropped", "user", userID, "type", ev.Type)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Tokens authenticate; origin is not checked.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. The route
// must sit behind the identity middleware.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		apperr.Write(w, apperr.New(apperr.Unauthorized, "missing identity"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{userID: id.UserID, conn: conn}
	h.add(c)

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer h.remove(c)
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[c.userID][c]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
