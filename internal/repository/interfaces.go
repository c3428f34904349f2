package repository

import (
	"context"
	"time"

	"github.com/clanops/rustmap/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX abstracts pgx.Tx and pgxpool.Pool so repositories work with both.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// TxDB is a DBTX that can also open transactions (*pgxpool.Pool satisfies it).
type TxDB interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ProfileRepository provides access to player_profiles.
type ProfileRepository interface {
	// Insert creates the profile unless one already exists for (server_id, player_name).
	// Returns false when the row already existed.
	Insert(ctx context.Context, db DBTX, profile *domain.Profile) (bool, error)

	// FindByID returns a profile, or nil if not found.
	FindByID(ctx context.Context, db DBTX, id uuid.UUID) (*domain.Profile, error)

	// FindByKey returns the profile for (serverID, playerName), or nil if not found.
	FindByKey(ctx context.Context, db DBTX, serverID, playerName string) (*domain.Profile, error)

	// LockForUpdate acquires a row-level lock (SELECT FOR UPDATE) on the profile
	// for (serverID, playerName). Returns nil if not found.
	LockForUpdate(ctx context.Context, db DBTX, serverID, playerName string) (*domain.Profile, error)

	// Update writes every mutable column of the profile.
	Update(ctx context.Context, db DBTX, profile *domain.Profile) error

	// ListByServer returns profiles ordered by last_seen DESC.
	ListByServer(ctx context.Context, db DBTX, serverID string, limit int) ([]domain.Profile, error)

	// ListOnline returns the profiles currently flagged online, most recent join first.
	ListOnline(ctx context.Context, db DBTX, serverID string) ([]domain.Profile, error)
}

// SessionRepository provides access to player_sessions.
type SessionRepository interface {
	// Insert creates a new open session.
	Insert(ctx context.Context, db DBTX, session *domain.Session) error

	// FindOpenByProfile returns the profile's open session, or nil.
	FindOpenByProfile(ctx context.Context, db DBTX, profileID uuid.UUID) (*domain.Session, error)

	// Close sets leave time and duration and marks the session closed.
	Close(ctx context.Context, db DBTX, id uuid.UUID, leaveTime time.Time, durationMinutes int, clockSkew bool) (*domain.Session, error)

	// ListByProfile returns sessions ordered by join_time DESC, open and closed.
	ListByProfile(ctx context.Context, db DBTX, profileID uuid.UUID, limit int) ([]domain.Session, error)

	// CountOpenByProfile returns the number of open sessions (0 or 1 when consistent).
	CountOpenByProfile(ctx context.Context, db DBTX, profileID uuid.UUID) (int, error)

	// DeleteClosedBefore removes closed sessions that both started and ended before cutoff.
	DeleteClosedBefore(ctx context.Context, db DBTX, cutoff time.Time) (int64, error)
}

// ActivityRepository provides access to the append-only player_activities log.
type ActivityRepository interface {
	// Insert appends an activity entry.
	Insert(ctx context.Context, db DBTX, activity *domain.Activity) error

	// ListByServer returns activities ordered by timestamp DESC.
	ListByServer(ctx context.Context, db DBTX, serverID string, limit int) ([]domain.Activity, error)

	// ListByProfile returns a profile's activities ordered by timestamp DESC.
	ListByProfile(ctx context.Context, db DBTX, profileID uuid.UUID, limit int) ([]domain.Activity, error)

	// DeleteBefore removes activities older than cutoff.
	DeleteBefore(ctx context.Context, db DBTX, cutoff time.Time) (int64, error)
}

// OutboxRepository provides access to the event_outbox table.
type OutboxRepository interface {
	// Insert writes an outbox event (within the same transaction as the activity).
	Insert(ctx context.Context, db DBTX, draft domain.OutboxDraft) error

	// FetchUnpublished returns pending events in insertion order.
	FetchUnpublished(ctx context.Context, db DBTX, limit int) ([]domain.OutboxRecord, error)

	// MarkPublished deletes the given events.
	MarkPublished(ctx context.Context, db DBTX, seqIDs []int64) error
}
