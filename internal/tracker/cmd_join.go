package tracker

import (
	"context"

	"github.com/clanops/rustmap/internal/domain"
	"github.com/clanops/rustmap/internal/repository"
	"github.com/google/uuid"
)

// ExecuteJoin records a PLAYER_JOIN.
// Pattern: Resolve+Lock → online check → open session → update profile → append activity
//
// An open session left on an offline profile is closed with zero minutes and
// clock_skew set before the new one opens (OutcomeSelfHealed).
func (e *Engine) ExecuteJoin(ctx context.Context, tx repository.DBTX, evt domain.PlayerEvent) (*Result, error) {
	profile, err := e.ResolveProfile(ctx, tx, evt)
	if err != nil {
		return nil, err
	}

	if profile.Online {
		e.logger.Info("duplicate join ignored", logAttrs(evt, profile)...)
		return &Result{Outcome: OutcomeIgnored, Profile: profile}, nil
	}

	now := e.now()
	outcome := OutcomeApplied

	stale, err := e.sessions.FindOpenByProfile(ctx, tx, profile.ID)
	if err != nil {
		return nil, domain.ErrStore("find open session", err)
	}
	if stale != nil {
		// The real leave time is unknown: close with zero minutes and flag it.
		if _, err := e.sessions.Close(ctx, tx, stale.ID, now, 0, true); err != nil {
			return nil, domain.ErrStore("close stale session", err)
		}
		outcome = OutcomeSelfHealed
		e.logger.Warn("offline profile had an open session, closing it",
			append(logAttrs(evt, profile), "session_id", stale.ID, "join_time", stale.JoinTime)...)
	}

	session := &domain.Session{
		ID:         uuid.New(),
		ProfileID:  profile.ID,
		ServerID:   profile.ServerID,
		PlayerName: profile.PlayerName,
		JoinTime:   now,
		Open:       true,
	}
	if err := e.sessions.Insert(ctx, tx, session); err != nil {
		return nil, domain.ErrStore("open session", err)
	}

	profile.Online = true
	profile.CurrentSessionStart = timePtr(now)
	profile.LastJoinTime = timePtr(now)
	profile.LastSeen = now
	profile.TotalSessions++
	applyEventDetails(profile, evt)
	if err := e.profiles.Update(ctx, tx, profile); err != nil {
		return nil, domain.ErrStore("update profile", err)
	}

	activity, err := e.appendActivity(ctx, tx, profile, session, domain.ActionJoined, now)
	if err != nil {
		return nil, err
	}

	e.logger.Info("player joined", append(logAttrs(evt, profile), "session_id", session.ID)...)
	return &Result{Outcome: outcome, Profile: profile, Session: session, Activity: activity}, nil
}
