package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clanops/rustmap/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const sessionColumns = `id, profile_id, server_id, player_name, join_time,
	leave_time, duration_minutes, is_open, clock_skew`

type sessionRepo struct{}

// NewSessionRepository returns a pgx-backed SessionRepository.
func NewSessionRepository() SessionRepository {
	return &sessionRepo{}
}

func (r *sessionRepo) Insert(ctx context.Context, db DBTX, s *domain.Session) error {
	_, err := db.Exec(ctx, `
		INSERT INTO player_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.ProfileID, s.ServerID, s.PlayerName, s.JoinTime,
		s.LeaveTime, s.DurationMinutes, s.Open, s.ClockSkew,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *sessionRepo) FindOpenByProfile(ctx context.Context, db DBTX, profileID uuid.UUID) (*domain.Session, error) {
	row := db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM player_sessions
		WHERE profile_id = $1 AND is_open
		ORDER BY join_time DESC
		LIMIT 1`, profileID)
	return scanSession(row)
}

// Close only touches open rows; a closed session is never mutated again.
func (r *sessionRepo) Close(ctx context.Context, db DBTX, id uuid.UUID, leaveTime time.Time, durationMinutes int, clockSkew bool) (*domain.Session, error) {
	row := db.QueryRow(ctx, `
		UPDATE player_sessions
		SET leave_time = $2, duration_minutes = $3, is_open = false, clock_skew = $4
		WHERE id = $1 AND is_open
		RETURNING `+sessionColumns,
		id, leaveTime, durationMinutes, clockSkew)
	s, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("close session: %w", err)
	}
	if s == nil {
		return nil, fmt.Errorf("close session %s: not open", id)
	}
	return s, nil
}

func (r *sessionRepo) ListByProfile(ctx context.Context, db DBTX, profileID uuid.UUID, limit int) ([]domain.Session, error) {
	rows, err := db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM player_sessions
		WHERE profile_id = $1
		ORDER BY join_time DESC, id
		LIMIT $2`, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]domain.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func (r *sessionRepo) CountOpenByProfile(ctx context.Context, db DBTX, profileID uuid.UUID) (int, error) {
	var n int
	err := db.QueryRow(ctx,
		`SELECT COUNT(*) FROM player_sessions WHERE profile_id = $1 AND is_open`, profileID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open sessions: %w", err)
	}
	return n, nil
}

func (r *sessionRepo) DeleteClosedBefore(ctx context.Context, db DBTX, cutoff time.Time) (int64, error) {
	tag, err := db.Exec(ctx, `
		DELETE FROM player_sessions
		WHERE NOT is_open AND leave_time < $1 AND join_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var s domain.Session
	err := row.Scan(&s.ID, &s.ProfileID, &s.ServerID, &s.PlayerName, &s.JoinTime,
		&s.LeaveTime, &s.DurationMinutes, &s.Open, &s.ClockSkew)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}
