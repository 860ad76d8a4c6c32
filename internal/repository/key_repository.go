package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/paintwave/imagenbot/internal/models"
)

type KeyRepository struct {
	db *sql.DB
}

func NewKeyRepository(db *sql.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// List returns every credential in creation order, active or not.
func (r *KeyRepository) List(ctx context.Context) ([]models.APIKey, error) {
	const query = `
SELECT id, secret, usage_count, usage_limit, is_active, created_at
FROM api_keys ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		var k models.APIKey
		var active int
		if err := rows.Scan(&k.ID, &k.Secret, &k.UsageCount, &k.UsageLimit, &active, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		k.IsActive = active != 0
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Add inserts a credential, ignoring duplicates of the same secret.
func (r *KeyRepository) Add(ctx context.Context, secret string, usageLimit int) error {
	const query = `INSERT IGNORE INTO api_keys (secret, usage_limit) VALUES (?, ?)`
	if _, err := r.db.ExecContext(ctx, query, secret, usageLimit); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// IncrementUsage bumps the usage counter by exactly one, atomically in the store.
func (r *KeyRepository) IncrementUsage(ctx context.Context, keyID int64) error {
	const query = `UPDATE api_keys SET usage_count = usage_count + 1 WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, keyID); err != nil {
		return fmt.Errorf("increment key usage: %w", err)
	}
	return nil
}

// Deactivate permanently retires a credential.
func (r *KeyRepository) Deactivate(ctx context.Context, keyID int64) error {
	const query = `UPDATE api_keys SET is_active = 0 WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, keyID); err != nil {
		return fmt.Errorf("deactivate key: %w", err)
	}
	return nil
}

// AverageUsagePercent reports mean usage across active keys; 100 with no keys.
func (r *KeyRepository) AverageUsagePercent(ctx context.Context) (float64, error) {
	const query = `
SELECT COALESCE(AVG(usage_count / usage_limit * 100), 100)
FROM api_keys WHERE is_active = 1 AND usage_limit > 0`
	var pct float64
	if err := r.db.QueryRowContext(ctx, query).Scan(&pct); err != nil {
		return 0, fmt.Errorf("average key usage: %w", err)
	}
	return pct, nil
}
