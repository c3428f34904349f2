package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/clanops/rustmap/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const profileColumns = `id, server_id, player_name, external_player_id, online,
	current_session_start, last_join_time, last_leave_time, last_seen,
	total_sessions, total_play_time_minutes, first_seen_at, last_rank, last_score`

// PgProfileRepository implements ProfileRepository using pgx.
type PgProfileRepository struct{}

// NewPgProfileRepository creates a new PgProfileRepository.
func NewPgProfileRepository() *PgProfileRepository {
	return &PgProfileRepository{}
}

// Insert relies on the (server_id, player_name) unique constraint so that
// concurrent resolves for the same key never produce two rows.
func (r *PgProfileRepository) Insert(ctx context.Context, db DBTX, p *domain.Profile) (bool, error) {
	tag, err := db.Exec(ctx, `
		INSERT INTO player_profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (server_id, player_name) DO NOTHING`,
		p.ID, p.ServerID, p.PlayerName, p.ExternalPlayerID, p.Online,
		p.CurrentSessionStart, p.LastJoinTime, p.LastLeaveTime, p.LastSeen,
		p.TotalSessions, p.TotalPlayTimeMinutes, p.FirstSeenAt, p.LastRank, p.LastScore,
	)
	if err != nil {
		return false, fmt.Errorf("insert profile: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgProfileRepository) FindByID(ctx context.Context, db DBTX, id uuid.UUID) (*domain.Profile, error) {
	row := db.QueryRow(ctx, `SELECT `+profileColumns+` FROM player_profiles WHERE id = $1`, id)
	return scanProfile(row)
}

func (r *PgProfileRepository) FindByKey(ctx context.Context, db DBTX, serverID, playerName string) (*domain.Profile, error) {
	row := db.QueryRow(ctx, `
		SELECT `+profileColumns+`
		FROM player_profiles WHERE server_id = $1 AND player_name = $2`, serverID, playerName)
	return scanProfile(row)
}

func (r *PgProfileRepository) LockForUpdate(ctx context.Context, db DBTX, serverID, playerName string) (*domain.Profile, error) {
	row := db.QueryRow(ctx, `
		SELECT `+profileColumns+`
		FROM player_profiles WHERE server_id = $1 AND player_name = $2 FOR UPDATE`, serverID, playerName)
	return scanProfile(row)
}

func (r *PgProfileRepository) Update(ctx context.Context, db DBTX, p *domain.Profile) error {
	tag, err := db.Exec(ctx, `
		UPDATE player_profiles SET
		  external_player_id = $2, online = $3, current_session_start = $4,
		  last_join_time = $5, last_leave_time = $6, last_seen = $7,
		  total_sessions = $8, total_play_time_minutes = $9,
		  last_rank = $10, last_score = $11
		WHERE id = $1`,
		p.ID, p.ExternalPlayerID, p.Online, p.CurrentSessionStart,
		p.LastJoinTime, p.LastLeaveTime, p.LastSeen,
		p.TotalSessions, p.TotalPlayTimeMinutes,
		p.LastRank, p.LastScore,
	)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update profile %s: no rows affected", p.ID)
	}
	return nil
}

func (r *PgProfileRepository) ListByServer(ctx context.Context, db DBTX, serverID string, limit int) ([]domain.Profile, error) {
	rows, err := db.Query(ctx, `
		SELECT `+profileColumns+`
		FROM player_profiles
		WHERE server_id = $1
		ORDER BY last_seen DESC, id
		LIMIT $2`, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return collectProfiles(rows)
}

func (r *PgProfileRepository) ListOnline(ctx context.Context, db DBTX, serverID string) ([]domain.Profile, error) {
	rows, err := db.Query(ctx, `
		SELECT `+profileColumns+`
		FROM player_profiles
		WHERE server_id = $1 AND online
		ORDER BY current_session_start DESC NULLS LAST, id`, serverID)
	if err != nil {
		return nil, fmt.Errorf("list online profiles: %w", err)
	}
	return collectProfiles(rows)
}

func collectProfiles(rows pgx.Rows) ([]domain.Profile, error) {
	defer rows.Close()
	profiles := make([]domain.Profile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

func scanProfile(row pgx.Row) (*domain.Profile, error) {
	var p domain.Profile
	err := row.Scan(
		&p.ID, &p.ServerID, &p.PlayerName, &p.ExternalPlayerID, &p.Online,
		&p.CurrentSessionStart, &p.LastJoinTime, &p.LastLeaveTime, &p.LastSeen,
		&p.TotalSessions, &p.TotalPlayTimeMinutes, &p.FirstSeenAt, &p.LastRank, &p.LastScore,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	return &p, nil
}
