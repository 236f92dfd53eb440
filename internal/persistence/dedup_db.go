package persistence

import (
	"context"
	"database/sql"
)

// PostgresDedupChecker answers whether a notification already produced a
// stored outcome.
type PostgresDedupChecker struct {
	db *sql.DB
}

func NewPostgresDedupChecker(db *sql.DB) *PostgresDedupChecker {
	return &PostgresDedupChecker{db: db}
}

func (c *PostgresDedupChecker) IsDuplicate(ctx context.Context, notificationID string) (bool, error) {
	var exists bool
	err := c.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM swapgate.outcomes WHERE notification_id = $1
		)
	`, notificationID).Scan(&exists)
	return exists, err
}

// RecentNotificationIDs returns up to limit ids, oldest first, for warming
// the in-memory dedup cache.
func (c *PostgresDedupChecker) RecentNotificationIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT notification_id FROM (
			SELECT notification_id, completed_at FROM swapgate.outcomes
			ORDER BY completed_at DESC
			LIMIT $1
		) recent
		ORDER BY completed_at ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
