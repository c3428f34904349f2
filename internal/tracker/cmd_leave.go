package tracker

import (
	"context"

	"github.com/clanops/rustmap/internal/domain"
	"github.com/clanops/rustmap/internal/repository"
)

// ExecuteLeave records a PLAYER_LEAVE.
// Pattern: Resolve+Lock → offline check → close session → update profile → append activity
//
// A profile flagged online without an open session row is set offline
// without adding play time (OutcomeSelfHealed).
func (e *Engine) ExecuteLeave(ctx context.Context, tx repository.DBTX, evt domain.PlayerEvent) (*Result, error) {
	profile, err := e.ResolveProfile(ctx, tx, evt)
	if err != nil {
		return nil, err
	}

	if !profile.Online {
		e.logger.Warn("leave for offline player ignored", logAttrs(evt, profile)...)
		return &Result{Outcome: OutcomeIgnored, Profile: profile}, nil
	}

	now := e.now()
	outcome := OutcomeApplied

	open, err := e.sessions.FindOpenByProfile(ctx, tx, profile.ID)
	if err != nil {
		return nil, domain.ErrStore("find open session", err)
	}

	var closed *domain.Session
	if open != nil {
		minutes, skewed := SessionMinutes(open.JoinTime, now)
		if skewed {
			e.logger.Warn("leave precedes join, duration clamped to zero",
				append(logAttrs(evt, profile), "session_id", open.ID, "join_time", open.JoinTime, "leave_time", now)...)
		}
		closed, err = e.sessions.Close(ctx, tx, open.ID, now, minutes, skewed)
		if err != nil {
			return nil, domain.ErrStore("close session", err)
		}
		profile.TotalPlayTimeMinutes += minutes
	} else {
		outcome = OutcomeSelfHealed
		e.logger.Warn("online profile had no open session, marking offline", logAttrs(evt, profile)...)
	}

	profile.Online = false
	profile.CurrentSessionStart = nil
	profile.LastLeaveTime = timePtr(now)
	profile.LastSeen = now
	applyEventDetails(profile, evt)
	if err := e.profiles.Update(ctx, tx, profile); err != nil {
		return nil, domain.ErrStore("update profile", err)
	}

	activity, err := e.appendActivity(ctx, tx, profile, closed, domain.ActionLeft, now)
	if err != nil {
		return nil, err
	}

	attrs := logAttrs(evt, profile)
	if closed != nil {
		attrs = append(attrs, "session_id", closed.ID, "duration_minutes", *closed.DurationMinutes)
	}
	e.logger.Info("player left", attrs...)
	return &Result{Outcome: outcome, Profile: profile, Session: closed, Activity: activity}, nil
}
