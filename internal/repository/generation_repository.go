package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/paintwave/imagenbot/internal/models"
)

type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

// Append writes one immutable audit row. Rows are never updated or deleted.
func (r *GenerationRepository) Append(ctx context.Context, gen *models.Generation) error {
	const query = `
INSERT INTO generations (request_id, user_id, model, original_prompt, final_prompt)
VALUES (?, ?, ?, ?, NULLIF(?, ''))`
	if _, err := r.db.ExecContext(ctx, query, gen.RequestID, gen.UserID, gen.Model, gen.OriginalPrompt, gen.FinalPrompt); err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

func (r *GenerationRepository) CountAll(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM generations`
	var count int
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count generations: %w", err)
	}
	return count, nil
}

func (r *GenerationRepository) CountForDay(ctx context.Context, day time.Time) (int, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24 * time.Hour)
	const query = `
SELECT COUNT(*) FROM generations
WHERE created_at >= ? AND created_at < ?`
	var count int
	if err := r.db.QueryRowContext(ctx, query, start, end).Scan(&count); err != nil {
		return 0, fmt.Errorf("count daily generations: %w", err)
	}
	return count, nil
}
