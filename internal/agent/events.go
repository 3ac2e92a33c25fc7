package agent

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// MeshEvent is one item on the live event feed: accepted joins, database
// syncs, broadcast failures.
type MeshEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Level     string      `json:"level"` // info, warning, critical
}

// EventHub fans mesh events out to connected websocket clients.
type EventHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan MeshEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stopCh     chan struct{}
	mu         sync.Mutex
}

// NewEventHub creates the hub; call Run on its own goroutine.
func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan MeshEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stopCh:     make(chan struct{}),
	}
}

// Run is the hub's event loop.
func (h *EventHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if err := client.WriteJSON(event); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.stopCh:
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
			}
			h.clients = map[*websocket.Conn]bool{}
			h.mu.Unlock()
			return
		}
	}
}

// Stop closes every client and ends the loop.
func (h *EventHub) Stop() { close(h.stopCh) }

// Register adds a client connection.
func (h *EventHub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister removes a client connection.
func (h *EventHub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// Publish queues an event for every connected client. Non-blocking: when the
// channel is full the event is dropped rather than stalling a handler.
func (h *EventHub) Publish(eventType string, data interface{}, level string) {
	event := MeshEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Level:     level,
	}
	select {
	case h.broadcast <- event:
	default:
		logrus.Warn("event feed full, dropping event")
	}
}
