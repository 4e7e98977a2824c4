package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/apperr"
	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/models"
)

type NotificationRepository struct {
	db *sql.DB
}

func NewNotificationRepository(database *PostgresDB) *NotificationRepository {
	return &NotificationRepository{db: database.Conn}
}

// Create stores an unread notification for the user.
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	if n.Type == "" {
		n.Type = models.NotificationOther
	}

	query := `
		INSERT INTO notifications (user_id, title, message, type)
		VALUES ($1, $2, $3, $4)
		RETURNING id, is_read, created_at
	`

	err := r.db.QueryRowContext(ctx, query, n.UserID, n.Title, n.Message, n.Type).
		Scan(&n.ID, &n.IsRead, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}

	return nil
}

// ListByUser returns the user's notifications, newest first. A non-nil
// isRead keeps only read or only unread ones.
func (r *NotificationRepository) ListByUser(ctx context.Context, userID int64, isRead *bool) ([]models.Notification, error) {
	query := `
		SELECT id, user_id, title, message, type, is_read, created_at
		FROM notifications
		WHERE user_id = $1 AND ($2::boolean IS NULL OR is_read = $2)
		ORDER BY id DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID, isRead)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	notifications := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Type, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	return notifications, rows.Err()
}

// MarkRead marks one of the user's notifications read. Notifications of
// other users are reported as not found.
func (r *NotificationRepository) MarkRead(ctx context.Context, userID, id int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if rows == 0 {
		return apperr.New(apperr.KindNotificationNotFound, "notification %d not found", id)
	}
	return nil
}

// MarkAllRead marks every unread notification of the user read and
// returns how many changed.
func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND NOT is_read`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return result.RowsAffected()
}

func (r *NotificationRepository) CountUnread(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT is_read`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}
