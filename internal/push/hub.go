// Package push routes orchestrator frames to browser websocket clients.
// Topics are "execution/{id}" and "project/{id}"; the hub is fire-and-forget
// so a slow socket never backs up a publisher.
package push

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"nimbus-ide/internal/logging"
)

// Envelope is the wire format for one pushed payload.
type Envelope struct {
	Topic     string      `json:"topic"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		allowed := []string{"http://localhost:3000", "http://localhost:5173"}
		if env := os.Getenv("CORS_ALLOWED_ORIGINS"); env != "" {
			allowed = strings.Split(env, ",")
		}
		for _, a := range allowed {
			if strings.TrimSpace(a) == origin {
				return true
			}
		}
		return origin == "" && os.Getenv("ENVIRONMENT") != "production"
	},
}

// Hub fans pushed envelopes out to subscribed clients.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	publish    chan []byte
	shutdown   chan struct{}

	mu     sync.RWMutex
	topics map[string]map[*Client]bool
}

// NewHub returns a Hub; call Run in its own goroutine.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan []byte, 1024),
		shutdown:   make(chan struct{}),
		topics:     make(map[string]map[*Client]bool),
	}
}

// Publish implements the orchestrator's push bus. It never blocks; when the
// hub's queue is full the envelope is dropped (subscribers still get the
// authoritative stream through the mux).
func (h *Hub) Publish(topic string, payload interface{}) {
	data, err := json.Marshal(Envelope{Topic: topic, Payload: payload, Timestamp: time.Now()})
	if err != nil {
		logging.L().Error("push encode failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	select {
	case h.publish <- data:
	default:
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.shutdown:
			h.mu.Lock()
			for _, clients := range h.topics {
				for c := range clients {
					close(c.send)
				}
			}
			h.topics = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			for topic := range c.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Client]bool)
				}
				h.topics[topic][c] = true
			}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			for topic := range c.topics {
				if clients := h.topics[topic]; clients != nil {
					delete(clients, c)
					if len(clients) == 0 {
						delete(h.topics, topic)
					}
				}
			}
			h.mu.Unlock()
			close(c.send)

		case data := <-h.publish:
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			h.mu.RLock()
			for c := range h.topics[env.Topic] {
				select {
				case c.send <- data:
				default:
					// Slow socket; skip this envelope.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Shutdown stops the hub and closes all client connections.
func (h *Hub) Shutdown() {
	close(h.shutdown)
}

// HandleWebSocket upgrades the request and subscribes the client to the
// topics named in the "topics" query parameter (comma-separated). Auth
// middleware must have set user_id.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	userIDVal, ok := c.Get("user_id")
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	userID := userIDVal.(uint)

	var topics []string
	if raw := c.Query("topics"); raw != "" {
		topics = strings.Split(raw, ",")
	}
	if len(topics) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topics parameter required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.L().Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		userID: userID,
		topics: make(map[string]bool, len(topics)),
		send:   make(chan []byte, 256),
		hub:    h,
	}
	for _, t := range topics {
		client.topics[strings.TrimSpace(t)] = true
	}

	h.register <- client
	go client.writePump()
	go client.readPump()
}
