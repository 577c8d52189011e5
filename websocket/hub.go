package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	gorilla "github.com/gorilla/websocket"

	"report-sync/metrics"
	"report-sync/models"
	"report-sync/store"
)

var errHubStopped = errors.New("hub stopped")

// WebSocket upgrader
var upgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// dashboards are served from several origins
		return true
	},
}

// ViewSource projects the store for one tab
type ViewSource interface {
	View(active models.Classification, f store.Filter) (store.View, error)
}

// Hub manages dashboard WebSocket connections and pushes tab views to them
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	source ViewSource

	// Classifications changed since the last push
	pending   map[models.Classification]bool
	pendingMu sync.Mutex
	changed   chan struct{}

	stop     chan struct{}
	stopOnce sync.Once

	// Mutex for thread-safe operations
	mutex sync.RWMutex
}

// NewHub creates a new WebSocket hub
func NewHub(source ViewSource) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		source:     source,
		pending:    make(map[models.Classification]bool),
		changed:    make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.closeAll()
			return

		case client := <-h.Register:
			h.mutex.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mutex.Unlock()
			metrics.DashboardClients.Set(float64(total))
			log.WithField("client", client.id).Infof("Client connected. Total clients: %d", total)
			client.pushView()

		case client := <-h.Unregister:
			h.mutex.Lock()
			h.removeLocked(client)
			total := len(h.clients)
			h.mutex.Unlock()
			metrics.DashboardClients.Set(float64(total))
			log.WithField("client", client.id).Infof("Client disconnected. Total clients: %d", total)

		case <-h.changed:
			h.pendingMu.Lock()
			changed := h.pending
			h.pending = make(map[models.Classification]bool)
			h.pendingMu.Unlock()

			h.mutex.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				if changed[client.tabs.Selected()] {
					targets = append(targets, client)
				}
			}
			h.mutex.RUnlock()

			for _, client := range targets {
				client.pushView()
			}
		}
	}
}

// Stop closes every client and ends Run
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// CollectionChanged schedules a push to every client viewing c.
// Bursts of changes are coalesced into one push.
func (h *Hub) CollectionChanged(c models.Classification) {
	h.pendingMu.Lock()
	h.pending[c] = true
	h.pendingMu.Unlock()

	select {
	case h.changed <- struct{}{}:
	default:
	}
}

// ServeWS upgrades the request and registers a client bound to its URL
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(h, conn, r.URL)
	select {
	case h.Register <- client:
	case <-h.stop:
		conn.Close()
		return errHubStopped
	}

	go client.WritePump()
	go client.ReadPump()
	return nil
}

func (h *Hub) unregister(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.stop:
	}
}

// ConnectedClients returns the number of registered clients
func (h *Hub) ConnectedClients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// deliver queues a message for client, dropping clients that cannot keep up
func (h *Hub) deliver(client *Client, message []byte) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.clients[client] {
		return
	}
	select {
	case client.send <- message:
	default:
		log.WithField("client", client.id).Warn("dropping slow client")
		h.removeLocked(client)
	}
}

func (h *Hub) removeLocked(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client := range h.clients {
		h.removeLocked(client)
	}
	metrics.DashboardClients.Set(0)
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.BroadcastMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	})
}
