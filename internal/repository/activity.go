package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/clanops/rustmap/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const activityColumns = `id, profile_id, session_id, server_id, player_name,
	external_player_id, action, occurred_at`

type activityRepo struct{}

// NewActivityRepository returns a pgx-backed ActivityRepository.
func NewActivityRepository() ActivityRepository {
	return &activityRepo{}
}

func (r *activityRepo) Insert(ctx context.Context, db DBTX, a *domain.Activity) error {
	_, err := db.Exec(ctx, `
		INSERT INTO player_activities (`+activityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.ProfileID, a.SessionID, a.ServerID, a.PlayerName,
		a.ExternalPlayerID, string(a.Action), a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (r *activityRepo) ListByServer(ctx context.Context, db DBTX, serverID string, limit int) ([]domain.Activity, error) {
	rows, err := db.Query(ctx, `
		SELECT `+activityColumns+`
		FROM player_activities
		WHERE server_id = $1
		ORDER BY occurred_at DESC, id
		LIMIT $2`, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	return collectActivities(rows)
}

func (r *activityRepo) ListByProfile(ctx context.Context, db DBTX, profileID uuid.UUID, limit int) ([]domain.Activity, error) {
	rows, err := db.Query(ctx, `
		SELECT `+activityColumns+`
		FROM player_activities
		WHERE profile_id = $1
		ORDER BY occurred_at DESC, id
		LIMIT $2`, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("list profile activities: %w", err)
	}
	return collectActivities(rows)
}

func (r *activityRepo) DeleteBefore(ctx context.Context, db DBTX, cutoff time.Time) (int64, error) {
	tag, err := db.Exec(ctx, `DELETE FROM player_activities WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete activities: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectActivities(rows pgx.Rows) ([]domain.Activity, error) {
	defer rows.Close()
	activities := make([]domain.Activity, 0)
	for rows.Next() {
		var a domain.Activity
		var action string
		if err := rows.Scan(&a.ID, &a.ProfileID, &a.SessionID, &a.ServerID, &a.PlayerName,
			&a.ExternalPlayerID, &action, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Action = domain.Action(action)
		activities = append(activities, a)
	}
	return activities, rows.Err()
}
