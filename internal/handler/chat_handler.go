package handler

import (
	"strconv"

	"shadowkeep-backend/internal/model"
	"shadowkeep-backend/internal/service"

	"github.com/gofiber/fiber/v2"
)

type ChatHandler struct {
	history *service.HistoryService
}

func NewChatHandler(history *service.HistoryService) *ChatHandler {
	return &ChatHandler{history: history}
}

// GetHistory returns recent chat messages in chronological order.
// GET /api/v1/chat/history?limit=100
func (h *ChatHandler) GetHistory(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "100"))
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	msgs := h.history.Recent(c.Context(), limit)
	if msgs == nil {
		msgs = []model.ChatMessage{}
	}

	return c.JSON(fiber.Map{"messages": msgs, "degraded": h.history.Degraded()})
}
