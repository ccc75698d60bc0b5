package repository

import (
	"context"

	"shadowkeep-backend/internal/model"

	"github.com/jackc/pgx/v5/pgxpool"
)

type RankRepository struct {
	pool *pgxpool.Pool
}

func NewRankRepository(pool *pgxpool.Pool) *RankRepository {
	return &RankRepository{pool: pool}
}

func (r *RankRepository) Get(ctx context.Context) (model.Rank, error) {
	var rank model.Rank
	err := r.pool.QueryRow(ctx, `
		SELECT rank, updated_at FROM player_rank WHERE singleton = TRUE
	`).Scan(&rank.Rank, &rank.UpdatedAt)
	return rank, err
}

func (r *RankRepository) Set(ctx context.Context, rank string, updatedAt int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO player_rank (singleton, rank, updated_at)
		VALUES (TRUE, $1, $2)
		ON CONFLICT (singleton) DO UPDATE SET rank = $1, updated_at = $2
	`, rank, updatedAt)
	return err
}
