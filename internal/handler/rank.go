package handler

import (
	"log"
	"strings"
	"time"

	"shadowkeep-backend/internal/model"
	"shadowkeep-backend/internal/repository"

	"github.com/gofiber/fiber/v2"
)

type RankHandler struct {
	rankRepo *repository.RankRepository // nil when running without a database
}

func NewRankHandler(rankRepo *repository.RankRepository) *RankHandler {
	return &RankHandler{rankRepo: rankRepo}
}

// Get returns the current rank.
// GET /api/v1/rank
func (h *RankHandler) Get(c *fiber.Ctx) error {
	if h.rankRepo == nil {
		return c.Status(503).JSON(fiber.Map{"error": "rank store unavailable"})
	}

	rank, err := h.rankRepo.Get(c.Context())
	if err != nil {
		log.Printf("[Rank] Get DB error: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to read rank"})
	}

	return c.JSON(rank)
}

// Set updates the current rank. Goddess only.
// POST /api/v1/rank
func (h *RankHandler) Set(c *fiber.Ctx) error {
	if h.rankRepo == nil {
		return c.Status(503).JSON(fiber.Map{"error": "rank store unavailable"})
	}

	var req model.RankUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	req.Rank = strings.TrimSpace(req.Rank)
	if req.Rank == "" {
		return c.Status(400).JSON(fiber.Map{"error": "rank is required"})
	}

	updatedAt := time.Now().UnixMilli()
	if err := h.rankRepo.Set(c.Context(), req.Rank, updatedAt); err != nil {
		log.Printf("[Rank] Set DB error: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to save rank"})
	}

	return c.JSON(fiber.Map{"ok": true, "rank": model.Rank{Rank: req.Rank, UpdatedAt: updatedAt}})
}
