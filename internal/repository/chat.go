package repository

import (
	"context"

	"shadowkeep-backend/internal/model"

	"github.com/jackc/pgx/v5/pgxpool"
)

type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

// InsertMessage stores a single chat message.
func (r *ChatRepository) InsertMessage(ctx context.Context, msg model.ChatMessage) error {
	var oldRank, newRank *string
	if msg.RankChange != nil {
		oldRank = &msg.RankChange.OldRank
		newRank = &msg.RankChange.NewRank
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, author, content, ts, kind, old_rank, new_rank)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.Author, msg.Content, msg.Timestamp, string(msg.Kind), oldRank, newRank)
	return err
}

// RecentMessages returns up to limit most-recent messages in
// chronological order (oldest first).
func (r *ChatRepository) RecentMessages(ctx context.Context, limit int) ([]model.ChatMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	// Select newest N rows DESC, then reverse for chronological order
	rows, err := r.pool.Query(ctx, `
		SELECT id, author, content, ts, kind, old_rank, new_rank
		FROM chat_messages
		ORDER BY ts DESC, created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		var kind string
		var oldRank, newRank *string
		if err := rows.Scan(&m.ID, &m.Author, &m.Content, &m.Timestamp, &kind, &oldRank, &newRank); err != nil {
			return nil, err
		}
		m.Kind = model.MessageKind(kind)
		if oldRank != nil && newRank != nil {
			m.RankChange = &model.RankChange{OldRank: *oldRank, NewRank: *newRank}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse for chronological order (oldest first)
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return msgs, nil
}

// DeleteOlderThan removes messages older than the given number of days.
// Returns the number of deleted rows.
func (r *ChatRepository) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM chat_messages
		WHERE ts < (EXTRACT(EPOCH FROM NOW() - make_interval(days => $1)) * 1000)::BIGINT
	`, days)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
