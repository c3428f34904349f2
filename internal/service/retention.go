package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clanops/rustmap/internal/domain"
	"github.com/clanops/rustmap/internal/metrics"
	"github.com/clanops/rustmap/internal/repository"
	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

// PruneResult reports how many rows a retention run removed.
type PruneResult struct {
	Cutoff     time.Time `json:"cutoff"`
	Activities int64     `json:"activities"`
	Sessions   int64     `json:"sessions"`
}

// RetentionService deletes activity and closed-session history older than
// the configured number of days. Profiles are never pruned.
type RetentionService struct {
	db         repository.TxDB
	sessions   repository.SessionRepository
	activities repository.ActivityRepository
	days       int
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewRetentionService creates a RetentionService. days <= 0 disables pruning.
func NewRetentionService(
	db repository.TxDB,
	sessions repository.SessionRepository,
	activities repository.ActivityRepository,
	days int,
	clock clockwork.Clock,
	logger *slog.Logger,
) *RetentionService {
	return &RetentionService{
		db:         db,
		sessions:   sessions,
		activities: activities,
		days:       days,
		clock:      clock,
		logger:     logger,
	}
}

// Enabled reports whether a retention window is configured.
func (s *RetentionService) Enabled() bool {
	return s.days > 0
}

// Prune removes expired rows in a single transaction. Activities go first so
// no surviving row references a deleted session.
func (s *RetentionService) Prune(ctx context.Context) (*PruneResult, error) {
	if !s.Enabled() {
		return &PruneResult{}, nil
	}
	cutoff := s.clock.Now().UTC().AddDate(0, 0, -s.days)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, domain.ErrStore("begin tx", err)
	}
	defer tx.Rollback(ctx)

	activities, err := s.activities.DeleteBefore(ctx, tx, cutoff)
	if err != nil {
		return nil, domain.ErrStore("prune activities", err)
	}
	sessions, err := s.sessions.DeleteClosedBefore(ctx, tx, cutoff)
	if err != nil {
		return nil, domain.ErrStore("prune sessions", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, domain.ErrStore("commit tx", err)
	}

	metrics.RecordRetentionDeleted("player_activities", activities)
	metrics.RecordRetentionDeleted("player_sessions", sessions)
	s.logger.Info("retention prune complete",
		"cutoff", cutoff, "activities_deleted", activities, "sessions_deleted", sessions)

	return &PruneResult{Cutoff: cutoff, Activities: activities, Sessions: sessions}, nil
}

// Schedule registers Prune as a recurring job and starts the scheduler.
// The caller owns the returned scheduler and must Shutdown it.
func (s *RetentionService) Schedule(ctx context.Context, every time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithClock(s.clock))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			if _, err := s.Prune(ctx); err != nil {
				s.logger.Error("retention prune failed", "error", err)
			}
		}),
		gocron.WithName("retention-prune"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("register retention job: %w", err)
	}

	sched.Start()
	s.logger.Info("retention job scheduled", "every", every, "days", s.days)
	return sched, nil
}
