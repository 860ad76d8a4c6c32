package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/paintwave/imagenbot/internal/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) FindByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	const query = `
SELECT id, telegram_id, COALESCE(username, ''), COALESCE(full_name, ''), clarification_enabled, selected_model, created_at, updated_at
FROM users WHERE telegram_id = ?`
	row := r.db.QueryRowContext(ctx, query, telegramID)
	var u models.User
	var clarification int
	if err := row.Scan(&u.ID, &u.TelegramID, &u.Username, &u.FullName, &clarification, &u.SelectedModel, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.ClarificationEnabled = clarification != 0
	return &u, nil
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	const query = `
INSERT INTO users (telegram_id, username, full_name, clarification_enabled, selected_model)
VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)`
	clarification := 0
	if user.ClarificationEnabled {
		clarification = 1
	}
	res, err := r.db.ExecContext(ctx, query, user.TelegramID, user.Username, user.FullName, clarification, user.SelectedModel)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	user.ID = id
	return user, nil
}

func (r *UserRepository) UpdateProfile(ctx context.Context, userID int64, username, fullName string) error {
	const query = `
UPDATE users SET username = NULLIF(?, ''), full_name = NULLIF(?, ''), updated_at = NOW()
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, username, fullName, userID); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// Ensure returns the user for the Telegram ID, creating them on first contact.
func (r *UserRepository) Ensure(ctx context.Context, telegramID int64, username, fullName string, defaultModel models.ModelID) (*models.User, bool, error) {
	user, err := r.FindByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, false, err
	}
	if user != nil {
		go func() {
			_ = r.UpdateProfile(context.Background(), user.ID, username, fullName)
		}()
		return user, false, nil
	}
	newUser := &models.User{
		TelegramID:           telegramID,
		Username:             username,
		FullName:             fullName,
		ClarificationEnabled: true,
		SelectedModel:        defaultModel,
	}
	created, err := r.Create(ctx, newUser)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (r *UserRepository) SetClarificationEnabled(ctx context.Context, userID int64, enabled bool) error {
	value := 0
	if enabled {
		value = 1
	}
	const query = `UPDATE users SET clarification_enabled = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, value, userID); err != nil {
		return fmt.Errorf("set clarification enabled: %w", err)
	}
	return nil
}

func (r *UserRepository) SetSelectedModel(ctx context.Context, userID int64, model models.ModelID) error {
	const query = `UPDATE users SET selected_model = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, model, userID); err != nil {
		return fmt.Errorf("set selected model: %w", err)
	}
	return nil
}

func (r *UserRepository) CountAll(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM users`
	var count int
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (r *UserRepository) ListTelegramIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT telegram_id FROM users`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list telegram ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan telegram id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
