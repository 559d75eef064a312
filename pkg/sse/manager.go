package sse

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Event types pushed to live clients. Delivery is best-effort; clients
// reconcile via the status endpoint on reconnect.
const (
	EventMessageCreated = "message.created"
	EventMessageUpdated = "message.updated"
	EventMessageDeleted = "message.deleted"
	EventFolderUpdated  = "folder.updated"
	EventSyncStarted    = "sync.started"
	EventSyncProgress   = "sync.progress"
	EventSyncCompleted  = "sync.completed"
)

// Event is an ephemeral notification for one account's live connections.
type Event struct {
	Type      string      `json:"type"`
	AccountID string      `json:"account_id"`
	Payload   interface{} `json:"payload,omitempty"`
}

type client struct {
	accountID string
	ch        chan Event
}

// Manager owns the per-account subscriber sets. It is injected wherever
// code needs to publish events; there is no module-level registry.
type Manager struct {
	register    chan *client
	unregister  chan *client
	broadcast   chan Event
	clients     map[string]map[*client]struct{}
	keepAlive   time.Duration
	maxLifetime time.Duration
}

func NewManager(keepAlive, maxLifetime time.Duration) *Manager {
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	if maxLifetime <= 0 {
		maxLifetime = 25 * time.Minute
	}
	return &Manager{
		register:    make(chan *client),
		unregister:  make(chan *client),
		broadcast:   make(chan Event, 256),
		clients:     make(map[string]map[*client]struct{}),
		keepAlive:   keepAlive,
		maxLifetime: maxLifetime,
	}
}

// Run owns the client map; all mutations go through the channels.
func (m *Manager) Run() {
	for {
		select {
		case c := <-m.register:
			if m.clients[c.accountID] == nil {
				m.clients[c.accountID] = make(map[*client]struct{})
			}
			m.clients[c.accountID][c] = struct{}{}
			log.Printf("[SSE] Client connected for account %s (%d live)", c.accountID, len(m.clients[c.accountID]))
		case c := <-m.unregister:
			if set, ok := m.clients[c.accountID]; ok {
				if _, ok := set[c]; ok {
					delete(set, c)
					close(c.ch)
					if len(set) == 0 {
						delete(m.clients, c.accountID)
					}
				}
			}
		case ev := <-m.broadcast:
			for c := range m.clients[ev.AccountID] {
				select {
				case c.ch <- ev:
				default:
					// Slow consumer: drop the event, the channel is best-effort.
				}
			}
		}
	}
}

// Broadcast delivers an event to every live connection for the account.
// Delivery to a connection that has gone away is a no-op cleanup.
func (m *Manager) Broadcast(accountID, eventType string, payload interface{}) {
	select {
	case m.broadcast <- Event{Type: eventType, AccountID: accountID, Payload: payload}:
	default:
		log.Printf("[SSE] Broadcast queue full, dropping %s for account %s", eventType, accountID)
	}
}

// ServeHTTP holds one long-lived connection for an account. Connections
// self-expire after maxLifetime; clients are expected to reconnect.
func (m *Manager) ServeHTTP(c *gin.Context, accountID string) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	cl := &client{accountID: accountID, ch: make(chan Event, 32)}
	m.register <- cl
	defer func() { m.unregister <- cl }()

	keepAlive := time.NewTicker(m.keepAlive)
	defer keepAlive.Stop()
	lifetime := time.NewTimer(m.maxLifetime)
	defer lifetime.Stop()

	fmt.Fprintf(w, "event: connected\ndata: {\"account_id\":%q}\n\n", accountID)
	w.Flush()

	for {
		select {
		case ev, ok := <-cl.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("[SSE] Failed to marshal event: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			w.Flush()
		case <-keepAlive.C:
			// Comment line distinguishes "idle but alive" from dead.
			fmt.Fprint(w, ": keep-alive\n\n")
			w.Flush()
		case <-lifetime.C:
			fmt.Fprint(w, "event: reconnect\ndata: {}\n\n")
			w.Flush()
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
