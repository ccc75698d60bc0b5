package service

import (
	"encoding/json"
	"log"
	"sync"

	"shadowkeep-backend/internal/model"

	"github.com/gofiber/contrib/websocket"
)

type WSClient struct {
	Conn   *websocket.Conn
	ConnID string
	Send   chan []byte
}

// WSHub fans events out to every connected client. Events are delivered
// in the order they reach the broadcast channel; the hub itself never
// reorders.
type WSHub struct {
	clients    map[*WSClient]bool
	register   chan *WSClient
	unregister chan *WSClient
	broadcast  chan []byte
	mu         sync.RWMutex
	done       chan struct{}
}

func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WS: %s connected (total: %d)", client.ConnID, total)
			h.deliver(visitorCountPayload(total))

		case client := <-h.unregister:
			h.mu.Lock()
			total := len(h.clients)
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				total = len(h.clients)
			}
			h.mu.Unlock()
			log.Printf("WS: %s disconnected (total: %d)", client.ConnID, total)
			h.deliver(visitorCountPayload(total))

		case message := <-h.broadcast:
			h.deliver(message)

		case <-h.done:
			return
		}
	}
}

// deliver fans one payload out to all clients; slow clients are evicted.
func (h *WSHub) deliver(message []byte) {
	if message == nil {
		return
	}
	h.mu.Lock()
	for client := range h.clients {
		select {
		case client.Send <- message:
		default:
			close(client.Send)
			delete(h.clients, client)
		}
	}
	h.mu.Unlock()
}

func (h *WSHub) Shutdown() {
	close(h.done)
}

func (h *WSHub) Register(client *WSClient) {
	h.register <- client
}

func (h *WSHub) Unregister(client *WSClient) {
	h.unregister <- client
}

func (h *WSHub) Broadcast(event *model.WSEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.broadcast <- data
}

// SendTo queues an event for one client only, used for the history and
// presence snapshot a new connection receives.
func (h *WSHub) SendTo(client *WSClient, event *model.WSEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

func (h *WSHub) VisitorCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func visitorCountPayload(count int) []byte {
	data, err := json.Marshal(model.NewWSEvent(model.EventVisitorCount, count))
	if err != nil {
		return nil
	}
	return data
}
