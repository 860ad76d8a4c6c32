package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/paintwave/imagenbot/internal/models"
)

// UsageRepository stores per-(user, model, day) quota events. Rows are only
// ever inserted and counted; the day is part of the key, so there is no
// rollover to run.
type UsageRepository struct {
	db *sql.DB
}

func NewUsageRepository(db *sql.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

func (r *UsageRepository) CountForDay(ctx context.Context, userID int64, model models.ModelID, day time.Time) (int, error) {
	const query = `
SELECT COUNT(*) FROM model_usage
WHERE user_id = ? AND model = ? AND used_date = ?`
	var count int
	if err := r.db.QueryRowContext(ctx, query, userID, model, day.Format("2006-01-02")).Scan(&count); err != nil {
		return 0, fmt.Errorf("count model usage: %w", err)
	}
	return count, nil
}

func (r *UsageRepository) Record(ctx context.Context, userID int64, model models.ModelID, day time.Time) error {
	const query = `INSERT INTO model_usage (user_id, model, used_date) VALUES (?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, userID, model, day.Format("2006-01-02")); err != nil {
		return fmt.Errorf("record model usage: %w", err)
	}
	return nil
}
