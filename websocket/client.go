package websocket

import (
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"

	"report-sync/models"
	"report-sync/store"
	"report-sync/tabsync"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

// ClientMessage is sent by the dashboard.
// "select" changes the tab, "navigate" reports a back/forward locator change.
type ClientMessage struct {
	Type  string `json:"type"`
	Tab   string `json:"tab,omitempty"`
	Query string `json:"query,omitempty"`
}

// LocationUpdate asks the dashboard for a shallow locator replace
type LocationUpdate struct {
	Query string `json:"query"`
}

// Client is a dashboard connection with its own tab selection
type Client struct {
	id      string
	hub     *Hub
	conn    *gorilla.Conn
	send    chan []byte
	locator *tabsync.URLLocator
	tabs    *tabsync.Synchronizer
	filter  store.Filter
}

// NewClient binds a connection to the tab encoded in its request URL
func NewClient(hub *Hub, conn *gorilla.Conn, requestURL *url.URL) *Client {
	locator := tabsync.NewURLLocator(requestURL)
	c := &Client{
		id:      uuid.NewString(),
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 64),
		locator: locator,
		tabs:    tabsync.New(locator),
		filter:  FilterFromQuery(requestURL.Query()),
	}
	c.tabs.OnChange(func(models.Classification) {
		c.pushView()
	})
	return c
}

// FilterFromQuery reads brand, lang and min_severity parameters
func FilterFromQuery(q url.Values) store.Filter {
	f := store.Filter{
		Brand:    q.Get("brand"),
		Language: q.Get("lang"),
	}
	if v, err := strconv.ParseFloat(q.Get("min_severity"), 64); err == nil {
		f.MinSeverity = v
	}
	return f
}

// Selected returns the tab the client is looking at
func (c *Client) Selected() models.Classification {
	return c.tabs.Selected()
}

func (c *Client) pushView() {
	view, err := c.hub.source.View(c.tabs.Selected(), c.filter)
	if err != nil {
		log.WithField("client", c.id).WithError(err).Error("failed to build view")
		return
	}
	message, err := encode("view", view)
	if err != nil {
		log.WithField("client", c.id).WithError(err).Error("failed to marshal view")
		return
	}
	c.hub.deliver(c, message)
}

func (c *Client) handle(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.WithField("client", c.id).Debugf("ignoring malformed message: %v", err)
		return
	}

	switch msg.Type {
	case "select":
		c.tabs.Select(models.Classification(msg.Tab))
		message, err := encode("location", LocationUpdate{Query: c.locator.RawQuery()})
		if err != nil {
			return
		}
		c.hub.deliver(c, message)
	case "navigate":
		if err := c.locator.Navigate(msg.Query); err != nil {
			log.WithField("client", c.id).Debugf("ignoring invalid query %q: %v", msg.Query, err)
			return
		}
		c.tabs.LocatorChanged()
	default:
		log.WithField("client", c.id).Debugf("ignoring message type %q", msg.Type)
	}
}

// ReadPump pumps messages from the WebSocket connection to the client
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if gorilla.IsUnexpectedCloseError(err, gorilla.CloseGoingAway, gorilla.CloseAbnormalClosure) {
				log.WithField("client", c.id).Errorf("WebSocket read error: %v", err)
			}
			return
		}
		c.handle(message)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(gorilla.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(gorilla.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorilla.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
