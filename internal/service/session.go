package service

import (
	"context"
	"log/slog"

	"github.com/clanops/rustmap/internal/domain"
	"github.com/clanops/rustmap/internal/metrics"
	"github.com/clanops/rustmap/internal/repository"
	"github.com/clanops/rustmap/internal/tracker"
	"github.com/google/uuid"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// LivePublisher fans committed activity out to dashboard clients.
type LivePublisher interface {
	Publish(room string, event string, data interface{})
}

// ServerRoom is the live hub room for a game server.
func ServerRoom(serverID string) string {
	return "server:" + serverID
}

// SessionService is the transaction boundary around the tracker engine and
// the read side used by the HTTP API.
type SessionService struct {
	db         repository.TxDB
	engine     *tracker.Engine
	profiles   repository.ProfileRepository
	sessions   repository.SessionRepository
	activities repository.ActivityRepository
	live       LivePublisher
	logger     *slog.Logger
}

// NewSessionService creates a SessionService. live may be nil.
func NewSessionService(
	db repository.TxDB,
	engine *tracker.Engine,
	profiles repository.ProfileRepository,
	sessions repository.SessionRepository,
	activities repository.ActivityRepository,
	live LivePublisher,
	logger *slog.Logger,
) *SessionService {
	return &SessionService{
		db:         db,
		engine:     engine,
		profiles:   profiles,
		sessions:   sessions,
		activities: activities,
		live:       live,
		logger:     logger,
	}
}

// RecordJoin reconciles a PLAYER_JOIN event.
func (s *SessionService) RecordJoin(ctx context.Context, evt domain.PlayerEvent) (*tracker.Result, error) {
	return s.record(ctx, domain.ActionJoined, evt, s.engine.ExecuteJoin)
}

// RecordLeave reconciles a PLAYER_LEAVE event.
func (s *SessionService) RecordLeave(ctx context.Context, evt domain.PlayerEvent) (*tracker.Result, error) {
	return s.record(ctx, domain.ActionLeft, evt, s.engine.ExecuteLeave)
}

type executeFunc func(context.Context, repository.DBTX, domain.PlayerEvent) (*tracker.Result, error)

func (s *SessionService) record(ctx context.Context, action domain.Action, evt domain.PlayerEvent, execute executeFunc) (*tracker.Result, error) {
	evt = domain.NormalizePlayerEvent(evt)
	if err := domain.ValidatePlayerEvent(evt); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		metrics.RecordTrackerStoreError(string(action))
		return nil, domain.ErrStore("begin tx", err)
	}
	defer tx.Rollback(ctx)

	result, err := execute(ctx, tx, evt)
	if err != nil {
		if domain.IsStoreError(err) {
			metrics.RecordTrackerStoreError(string(action))
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		metrics.RecordTrackerStoreError(string(action))
		return nil, domain.ErrStore("commit tx", err)
	}

	metrics.RecordTrackerEvent(string(action), string(result.Outcome))
	if result.Session != nil && result.Session.ClockSkew {
		metrics.RecordClockSkew()
	}
	s.publish(result)
	return result, nil
}

// publish runs only after commit so dashboards never see rolled-back state.
func (s *SessionService) publish(result *tracker.Result) {
	if s.live == nil || result.Activity == nil {
		return
	}
	evtType := domain.EventPlayerJoined
	if result.Activity.Action == domain.ActionLeft {
		evtType = domain.EventPlayerLeft
	}
	s.live.Publish(ServerRoom(result.Activity.ServerID), string(evtType), domain.ActivityEnvelope{
		Activity: result.Activity,
		Profile:  result.Profile,
		Session:  result.Session,
	})
}

// --- Query Surface ---

// NormalizeLimit applies the default and the upper bound to a list limit.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// ListProfiles returns a server's profiles, most recently seen first.
func (s *SessionService) ListProfiles(ctx context.Context, serverID string, limit int) ([]domain.Profile, error) {
	profiles, err := s.profiles.ListByServer(ctx, s.db, serverID, NormalizeLimit(limit))
	if err != nil {
		return nil, domain.ErrStore("list profiles", err)
	}
	return profiles, nil
}

// ListOnlineProfiles returns the profiles currently flagged online on a server.
func (s *SessionService) ListOnlineProfiles(ctx context.Context, serverID string) ([]domain.Profile, error) {
	profiles, err := s.profiles.ListOnline(ctx, s.db, serverID)
	if err != nil {
		return nil, domain.ErrStore("list online profiles", err)
	}
	return profiles, nil
}

// GetProfile returns a single profile.
func (s *SessionService) GetProfile(ctx context.Context, id uuid.UUID) (*domain.Profile, error) {
	profile, err := s.profiles.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, domain.ErrStore("get profile", err)
	}
	if profile == nil {
		return nil, domain.ErrNotFound("profile", id.String())
	}
	return profile, nil
}

// ListSessions returns a profile's sessions, open and closed, newest join first.
func (s *SessionService) ListSessions(ctx context.Context, profileID uuid.UUID, limit int) ([]domain.Session, error) {
	sessions, err := s.sessions.ListByProfile(ctx, s.db, profileID, NormalizeLimit(limit))
	if err != nil {
		return nil, domain.ErrStore("list sessions", err)
	}
	return sessions, nil
}

// ListRecentActivities returns a server's activity log, newest first.
func (s *SessionService) ListRecentActivities(ctx context.Context, serverID string, limit int) ([]domain.Activity, error) {
	activities, err := s.activities.ListByServer(ctx, s.db, serverID, NormalizeLimit(limit))
	if err != nil {
		return nil, domain.ErrStore("list activities", err)
	}
	return activities, nil
}

// ListProfileActivities returns one profile's activity log, newest first.
func (s *SessionService) ListProfileActivities(ctx context.Context, profileID uuid.UUID, limit int) ([]domain.Activity, error) {
	activities, err := s.activities.ListByProfile(ctx, s.db, profileID, NormalizeLimit(limit))
	if err != nil {
		return nil, domain.ErrStore("list profile activities", err)
	}
	return activities, nil
}
