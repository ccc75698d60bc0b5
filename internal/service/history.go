package service

import (
	"context"
	"log"
	"sync"

	"shadowkeep-backend/internal/model"
)

// ChatStore is the durable side of the history adapter, implemented by
// repository.ChatRepository.
type ChatStore interface {
	InsertMessage(ctx context.Context, msg model.ChatMessage) error
	RecentMessages(ctx context.Context, limit int) ([]model.ChatMessage, error)
}

const ringCapacity = 256

// HistoryService appends messages durably and replays recent history.
// Every message lands in a bounded in-memory ring first, so delivery is
// acknowledged even when Postgres is down; the durable store is retried
// lazily on the next call rather than by background polling.
type HistoryService struct {
	store ChatStore // nil when the relay booted without a database

	mu       sync.Mutex
	ring     []model.ChatMessage
	degraded bool
}

func NewHistoryService(store ChatStore) *HistoryService {
	h := &HistoryService{store: store}
	if store == nil {
		h.degraded = true
		log.Printf("[History] No durable store configured, running on in-memory ring only")
	}
	return h
}

// Append records a message. Never fails outward: the in-memory append
// always succeeds, and a durable-store error only flips the degraded
// flag.
func (h *HistoryService) Append(ctx context.Context, msg model.ChatMessage) {
	h.mu.Lock()
	h.ring = append(h.ring, msg)
	if len(h.ring) > ringCapacity {
		h.ring = h.ring[len(h.ring)-ringCapacity:]
	}
	h.mu.Unlock()

	if h.store == nil {
		return
	}

	if err := h.store.InsertMessage(ctx, msg); err != nil {
		h.setDegraded(true, err)
		return
	}
	h.setDegraded(false, nil)
}

// Recent returns up to limit messages in chronological order, from the
// durable store when it answers, else from the ring.
func (h *HistoryService) Recent(ctx context.Context, limit int) []model.ChatMessage {
	if limit <= 0 {
		limit = 100
	}

	if h.store != nil {
		msgs, err := h.store.RecentMessages(ctx, limit)
		if err == nil {
			h.setDegraded(false, nil)
			return msgs
		}
		h.setDegraded(true, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	start := 0
	if len(h.ring) > limit {
		start = len(h.ring) - limit
	}
	out := make([]model.ChatMessage, len(h.ring)-start)
	copy(out, h.ring[start:])
	return out
}

// Degraded reports whether the durable store failed on the last call.
func (h *HistoryService) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

func (h *HistoryService) setDegraded(degraded bool, cause error) {
	h.mu.Lock()
	changed := h.degraded != degraded
	h.degraded = degraded
	h.mu.Unlock()

	if !changed {
		return
	}
	if degraded {
		log.Printf("[History] Durable store unavailable, falling back to in-memory ring: %v", cause)
	} else {
		log.Printf("[History] Durable store recovered")
	}
}
