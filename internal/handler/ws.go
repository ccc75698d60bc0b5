package handler

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"shadowkeep-backend/internal/model"
	"shadowkeep-backend/internal/service"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	readDeadline   = 120 * time.Second
	maxMessageSize = 16 * 1024
)

type WSHandler struct {
	hub          *service.WSHub
	presence     *service.PresenceTracker
	history      *service.HistoryService
	coordinator  *service.TurnCoordinator
	authSvc      *service.AuthService
	historyLimit int
}

func NewWSHandler(hub *service.WSHub, presence *service.PresenceTracker, history *service.HistoryService, coordinator *service.TurnCoordinator, authSvc *service.AuthService, historyLimit int) *WSHandler {
	return &WSHandler{
		hub:          hub,
		presence:     presence,
		history:      history,
		coordinator:  coordinator,
		authSvc:      authSvc,
		historyLimit: historyLimit,
	}
}

func (h *WSHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		// Validate JWT from query param
		token := c.Query("token")
		if token == "" {
			return c.Status(401).JSON(fiber.Map{"error": "token required"})
		}

		role, err := h.authSvc.ValidateAccessToken(token)
		if err != nil {
			return c.Status(401).JSON(fiber.Map{"error": "invalid token"})
		}

		c.Locals("auth_role", string(role))
		return websocket.New(h.handleConnection)(c)
	}
	return fiber.ErrUpgradeRequired
}

func (h *WSHandler) handleConnection(c *websocket.Conn) {
	authRole, _ := c.Locals("auth_role").(string)

	client := &service.WSClient{
		Conn:   c,
		ConnID: uuid.NewString(),
		Send:   make(chan []byte, 256),
	}

	h.hub.Register(client)
	defer func() {
		h.hub.Unregister(client)
		if _, changed := h.presence.Disconnect(client.ConnID); changed {
			h.hub.Broadcast(model.NewWSEvent(model.EventPresenceStatus, h.presence.Snapshot()))
		}
	}()

	// Writer goroutine
	go func() {
		defer c.Close()
		for msg := range client.Send {
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// New connections get recent history, then the presence snapshot,
	// then the live stream.
	ctx := context.Background()
	h.hub.SendTo(client, model.NewWSEvent(model.EventLoadHistory, h.history.Recent(ctx, h.historyLimit)))
	h.hub.SendTo(client, model.NewWSEvent(model.EventPresenceStatus, h.presence.Snapshot()))
	h.hub.SendTo(client, model.NewWSEvent(model.EventVisitorCount, h.hub.VisitorCount()))

	// Reader loop
	c.SetReadLimit(maxMessageSize)
	c.SetReadDeadline(time.Now().Add(readDeadline))
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			break
		}
		c.SetReadDeadline(time.Now().Add(readDeadline))

		var event model.WSEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			log.Printf("WS: dropping malformed event from %s: %v", client.ConnID, err)
			continue
		}

		h.dispatch(client, authRole, &event)
	}
}

func (h *WSHandler) dispatch(client *service.WSClient, authRole string, event *model.WSEvent) {
	switch event.Type {
	case model.EventIdentify:
		var payload model.WSIdentify
		if err := json.Unmarshal(event.Data, &payload); err != nil || !model.ValidRole(payload.Role) {
			log.Printf("WS: dropping identify with unknown role from %s", client.ConnID)
			return
		}
		if authRole != "" && authRole != string(payload.Role) {
			log.Printf("WS: %s tried to identify as %s but authenticated as %s", client.ConnID, payload.Role, authRole)
			return
		}
		if h.presence.Identify(client.ConnID, payload.Role) {
			h.hub.Broadcast(model.NewWSEvent(model.EventPresenceStatus, h.presence.Snapshot()))
		}

	case model.EventSendMessage:
		var msg model.ChatMessage
		if err := json.Unmarshal(event.Data, &msg); err != nil {
			log.Printf("WS: dropping malformed message from %s: %v", client.ConnID, err)
			return
		}
		if msg.Content == "" || !model.ValidRole(model.Role(msg.Author)) {
			log.Printf("WS: dropping message with empty content or unknown author %q", msg.Author)
			return
		}
		if authRole != "" && authRole != msg.Author {
			log.Printf("WS: %s tried to send as %s but authenticated as %s", client.ConnID, msg.Author, authRole)
			return
		}
		if !model.ValidKind(msg.Kind) {
			msg.Kind = model.KindMessage
		}
		if msg.Kind == model.KindPersona {
			// Clients cannot speak as a persona.
			msg.Kind = model.KindMessage
		}
		h.coordinator.HandleMessage(context.Background(), msg)

	case model.EventTyping:
		var payload model.WSTyping
		if err := json.Unmarshal(event.Data, &payload); err != nil || !model.ValidRole(model.Role(payload.Actor)) {
			return
		}
		if authRole != "" && authRole != payload.Actor {
			return
		}
		h.hub.Broadcast(model.NewWSEvent(model.EventUserTyping, payload))

	case model.EventStoppedTyping:
		var payload model.WSTyping
		if err := json.Unmarshal(event.Data, &payload); err != nil || !model.ValidRole(model.Role(payload.Actor)) {
			return
		}
		if authRole != "" && authRole != payload.Actor {
			return
		}
		h.hub.Broadcast(model.NewWSEvent(model.EventUserStoppedTyping, payload))

	case model.EventPing:
		h.hub.SendTo(client, &model.WSEvent{Type: model.EventPong})

	default:
		log.Printf("WS: unknown event type %s from %s", event.Type, client.ConnID)
	}
}
