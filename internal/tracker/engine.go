// Package tracker reconciles BattleMetrics join/leave events into player
// profiles, sessions and the activity log.
//
// The Engine holds no state between calls: every decision (is the profile
// online, which session is open) is re-read from the store inside the
// caller's transaction, under a row lock on the profile.
package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/clanops/rustmap/internal/domain"
	"github.com/clanops/rustmap/internal/repository"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Outcome reports what a reconciliation call did.
type Outcome string

const (
	// OutcomeApplied means the event changed profile/session state.
	OutcomeApplied Outcome = "applied"
	// OutcomeIgnored is the DuplicateEventIgnored case: join while online or
	// leave while offline. Nothing was written.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeSelfHealed means the profile's online flag disagreed with its
	// session rows. A leave without an open session sets the profile offline
	// anyway; a join over a leftover open session closes it first.
	OutcomeSelfHealed Outcome = "self_healed"
)

// Result is the outcome of ExecuteJoin / ExecuteLeave.
type Result struct {
	Outcome  Outcome
	Profile  *domain.Profile
	Session  *domain.Session
	Activity *domain.Activity
}

// Engine provides the reconciliation primitives:
//  1. ResolveProfile: lookup-or-create plus row lock
//  2. ExecuteJoin: open a session, mark online, append activity
//  3. ExecuteLeave: close the session, mark offline, append activity
type Engine struct {
	profiles   repository.ProfileRepository
	sessions   repository.SessionRepository
	activities repository.ActivityRepository
	outbox     repository.OutboxRepository
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewEngine creates a tracker engine with the given repositories.
func NewEngine(
	profiles repository.ProfileRepository,
	sessions repository.SessionRepository,
	activities repository.ActivityRepository,
	outbox repository.OutboxRepository,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		profiles:   profiles,
		sessions:   sessions,
		activities: activities,
		outbox:     outbox,
		clock:      clock,
		logger:     logger,
	}
}

// now is truncated to Postgres timestamptz precision so values read back
// from the store compare equal to the ones written.
func (e *Engine) now() time.Time {
	return e.clock.Now().UTC().Truncate(time.Microsecond)
}

// appendActivity writes the activity row and its outbox event.
func (e *Engine) appendActivity(ctx context.Context, tx repository.DBTX, profile *domain.Profile, session *domain.Session, action domain.Action, at time.Time) (*domain.Activity, error) {
	activity := &domain.Activity{
		ID:               uuid.New(),
		ProfileID:        profile.ID,
		ServerID:         profile.ServerID,
		PlayerName:       profile.PlayerName,
		ExternalPlayerID: profile.ExternalPlayerID,
		Action:           action,
		Timestamp:        at,
	}
	if session != nil {
		id := session.ID
		activity.SessionID = &id
	}

	if err := e.activities.Insert(ctx, tx, activity); err != nil {
		return nil, domain.ErrStore("append activity", err)
	}
	if err := e.outbox.Insert(ctx, tx, domain.NewActivityEvent(activity, profile, session)); err != nil {
		return nil, domain.ErrStore("insert outbox event", err)
	}
	return activity, nil
}

// applyEventDetails copies the optional feed attributes onto the profile.
func applyEventDetails(profile *domain.Profile, evt domain.PlayerEvent) {
	if evt.ExternalPlayerID != nil {
		id := *evt.ExternalPlayerID
		profile.ExternalPlayerID = &id
	}
	if evt.Rank != nil {
		rank := *evt.Rank
		profile.LastRank = &rank
	}
	if evt.Score != nil {
		score := *evt.Score
		profile.LastScore = &score
	}
}

func logAttrs(evt domain.PlayerEvent, profile *domain.Profile) []any {
	attrs := []any{"server_id", evt.ServerID, "player_name", evt.PlayerName}
	if profile != nil {
		attrs = append(attrs, "profile_id", profile.ID)
	}
	return attrs
}

func timePtr(t time.Time) *time.Time { return &t }
