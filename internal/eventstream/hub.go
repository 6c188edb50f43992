// Package eventstream relays the executor's operationStatus notifications to
// connected RPC clients over a websocket, adapting the hub/client pump
// pattern used elsewhere in the example pack for broadcasting structured
// events to many listeners.
package eventstream

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"dacinstalld/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wireStatus is the JSON shape spec section 6 documents for the
// operationStatus event: operation and status as the RPC's own capitalized
// string literals, not the internal events.Status/Task.Operation values.
type wireStatus struct {
	Handle    string `json:"handle"`
	Operation string `json:"operation"`
	Type      string `json:"type"`
	ID        string `json:"id"`
	Version   string `json:"version"`
	Status    string `json:"status"`
	Percent   int    `json:"percent"`
	Details   string `json:"details"`
}

func toWireStatus(s events.OperationStatus) wireStatus {
	return wireStatus{
		Handle:    s.Handle,
		Operation: wireOperation(s.Operation),
		Type:      s.Type,
		ID:        s.ID,
		Version:   s.Version,
		Status:    wireStatusLiteral(s.Status),
		Percent:   s.Percent,
		Details:   s.Details,
	}
}

func wireOperation(op string) string {
	switch op {
	case "install":
		return "Installing"
	case "uninstall":
		return "Uninstalling"
	default:
		return op
	}
}

func wireStatusLiteral(s events.Status) string {
	switch s {
	case events.StatusProgress:
		return "Progress"
	case events.StatusSuccess:
		return "Success"
	case events.StatusFailed:
		return "Failed"
	case events.StatusCancelled:
		return "Cancelled"
	default:
		return string(s)
	}
}

// Hub fans out operationStatus events from a single bus subscription to
// every connected websocket client.
type Hub struct {
	bus        *events.Bus
	register   chan *client
	unregister chan *client
	clients    map[*client]bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub constructs a Hub that will relay bus's operationStatus topic once
// Run is started.
func NewHub(bus *events.Bus) *Hub {
	return &Hub{
		bus:        bus,
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    make(map[*client]bool),
	}
}

// Run subscribes to the bus and relays events to connected clients until done
// is closed or the bus is closed. It is intended to run in its own goroutine for the process
// lifetime.
func (h *Hub) Run(done <-chan struct{}) {
	sub := h.bus.Subscribe(events.TopicOperationStatus, 256)
	for {
		select {
		case <-done:
			return
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case evt, ok := <-sub:
			if !ok {
				return
			}
			status, ok := evt.Payload.(events.OperationStatus)
			if !ok {
				continue
			}
			data, err := json.Marshal(toWireStatus(status))
			if err != nil {
				log.Printf("WARN: eventstream: marshalling status: %v", err)
				continue
			}
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Handler upgrades the connection and starts its read/write pumps.
func (h *Hub) Handler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WARN: eventstream: upgrade failed: %v", err)
		return
	}

	cl := &client{conn: conn, send: make(chan []byte, 32)}
	h.register <- cl

	go cl.writePump()
	cl.readPump(h)
}

// readPump discards any client-sent frames (the protocol is server-push
// only) and exists solely to detect disconnects and keep the connection
// alive with pong deadlines.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
