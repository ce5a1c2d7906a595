package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"

	"github.com/atmx/custody-engine/internal/metrics"
	"github.com/atmx/custody-engine/internal/model"
)

// wsClient is a connection plus its subscription. Zero keys match all.
type wsClient struct {
	owner solana.PublicKey
	pool  solana.PublicKey
}

func (c wsClient) wants(ev *model.Event) bool {
	if !c.owner.IsZero() && !c.owner.Equals(ev.Owner) {
		return false
	}
	if !c.pool.IsZero() && !c.pool.Equals(ev.Pool) {
		return false
	}
	return true
}

type wsRegistration struct {
	conn   *websocket.Conn
	client wsClient
}

type wsBroadcast struct {
	event model.Event
	data  []byte
}

// WSHub manages WebSocket connections and pushes committed events to the
// clients subscribed to them.
type WSHub struct {
	clients    map[*websocket.Conn]wsClient
	broadcast  chan wsBroadcast
	register   chan wsRegistration
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]wsClient),
		broadcast:  make(chan wsBroadcast, 256),
		register:   make(chan wsRegistration),
		unregister: make(chan *websocket.Conn),
		logger:     logger.With("component", "ws"),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.conn] = reg.client
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			var failed []*websocket.Conn
			h.mu.RLock()
			for conn, c := range h.clients {
				if !c.wants(&msg.event) {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.drop(conn)
			}
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		metrics.WebSocketClients.Set(float64(n))
	}
}

// Broadcast queues ev for delivery.
func (h *WSHub) Broadcast(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("ws marshal event", "id", ev.ID, "err", err)
		return
	}
	select {
	case h.broadcast <- wsBroadcast{event: ev, data: data}:
	default:
		// Drop if buffer full to avoid blocking instruction execution.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. The
// optional owner and pool query parameters narrow the subscription.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var c wsClient
	var err error
	if c.owner, err = queryKey(r.URL.Query().Get("owner")); err != nil {
		writeError(w, err)
		return
	}
	if c.pool, err = queryKey(r.URL.Query().Get("pool")); err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- wsRegistration{conn: conn, client: c}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
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
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
