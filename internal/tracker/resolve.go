package tracker

import (
	"context"
	"fmt"

	"github.com/clanops/rustmap/internal/domain"
	"github.com/clanops/rustmap/internal/repository"
)

// ResolveProfile returns the profile for (server, player name), creating it
// on first sight, and locks the row for the rest of the transaction.
// The insert is ON CONFLICT DO NOTHING, so two concurrent first sightings
// converge on the same row and the second caller blocks on the lock.
func (e *Engine) ResolveProfile(ctx context.Context, tx repository.DBTX, evt domain.PlayerEvent) (*domain.Profile, error) {
	created, err := e.profiles.Insert(ctx, tx, domain.NewProfile(evt.ServerID, evt.PlayerName, evt.ExternalPlayerID, e.now()))
	if err != nil {
		return nil, domain.ErrStore("resolve profile", err)
	}

	profile, err := e.profiles.LockForUpdate(ctx, tx, evt.ServerID, evt.PlayerName)
	if err != nil {
		return nil, domain.ErrStore("lock profile", err)
	}
	if profile == nil {
		return nil, domain.ErrStore("lock profile", fmt.Errorf("profile %s/%s missing after insert", evt.ServerID, evt.PlayerName))
	}

	if created {
		e.logger.Info("profile created", logAttrs(evt, profile)...)
	}
	return profile, nil
}
