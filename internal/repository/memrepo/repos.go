package memrepo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/clanops/rustmap/internal/domain"
	"github.com/clanops/rustmap/internal/repository"
	"github.com/google/uuid"
)

type profileRepo struct{ s *Store }

func (r *profileRepo) Insert(_ context.Context, db repository.DBTX, p *domain.Profile) (bool, error) {
	defer r.s.enter(db)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure("profiles.insert"); err != nil {
		return false, err
	}
	for _, existing := range r.s.profiles {
		if existing.ServerID == p.ServerID && existing.PlayerName == p.PlayerName {
			return false, nil
		}
	}
	r.s.profiles[p.ID] = *p
	return true, nil
}

func (r *profileRepo) FindByID(_ context.Context, db repository.DBTX, id uuid.UUID) (*domain.Profile, error) {
	defer r.s.enter(db)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure("profiles.find"); err != nil {
		return nil, err
	}
	p, ok := r.s.profiles[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *profileRepo) FindByKey(_ context.Context, db repository.DBTX, serverID, playerName string) (*domain.Profile, error) {
	defer r.s.enter(db)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure("profiles.find"); err != nil {
		return nil, err
	}
	return r.byKeyLocked(serverID, playerName), nil
}

func (r *profileRepo) LockForUpdate(_ context.Context, db repository.DBTX, serverID, playerName string) (*domain.Profile, error) {
	defer r.s.enter(db)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure("profiles.lock"); err != nil {
		return nil, err
	}
	return r.byKeyLocked(serverID, playerName), nil
}

func (r *profileRepo) byKeyLocked(serverID, playerName string) *domain.Profile {
	for _, p := range r.s.profiles {
		if p.ServerID == serverID && p.PlayerName == playerName {
			found := p
			return &found
		}
	}
	return nil
}

func (r *profileRepo) Update(_ context.Context, db repository.DBTX, p *domain.Profile) error {
	defer r.s.enter(db)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure("profiles.update"); err != nil {
		return err
	}
	existing, ok := r.s.profiles[p.ID]
	if !ok {
		return notFound("update profile", p.ID)
	}
	updated := *p
	updated.ServerID = existing.ServerID
	updated.PlayerName = existing.PlayerName
	updated.FirstSeenAt = existing.FirstSeenAt
	r.s.profiles[p.ID] = updated
	return nil
}

func (r *profileRepo) ListByServer(_ context.Context, db repository.DBTX, serverID string, limit int) ([]domain.Profile, error) {
	defer r.s.enter(db)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure("profiles.list"); err != nil {
		return nil, err
	}
	out := make([]domain.Profile, 0)
	for _, p := range r.s.profiles {
		if p.ServerID == serverID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return truncate(out, limit), nil
}

func (r *profileRepo) ListOnline(_ context.Context, db repository.DBTX, serverID string) ([]domain.Profile, error) {
	defer r.s.enter(db)()
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]domain.Profile, 0)
	for _, p := range r.s.profiles {
		if p.ServerID == serverID && p.Online {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].CurrentSessionStart, out[j].CurrentSessionStart
		switch {
		case a == nil && b == nil:
			return out[i].ID.String() < out[j].ID.String()
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.After(*b)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

type sessionRepo struct{ s *Store }

func (r *sessionRepo) Insert(_ context.Context, db repository.DBTX, sess *domain.Session) error {
	defer r.s.enter(db)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure("sessions.insert"); err != nil {
		return err
	}
	if sess.Open {
		for _, existing := range r.s.sessions {
			if existing.ProfileID == sess.ProfileID && existing.Open {
				return fmt.Errorf("insert session: profile %s already has open session %s", sess.ProfileID, existing.ID)
			}
		}
	}
	r.s.sessions[sess.ID] = *sess
	return nil
}

func (r *sessionRepo) FindOpenByProfile(_ context.Context, db repository.DBTX, profileID uuid.UUID) (*domain.Session, error) {
	defer r.s.enter(db)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure("sessions.find_open"); err != nil {
		return nil, err
	}
	for _, sess := range r.s.sessions {
		if sess.ProfileID == profileID && sess.Open {
			found := sess
			return &found, nil
		}
	}
	return nil, nil
}

func (r *sessionRepo) Close(_ context.Context, db repository.DBTX, id uuid.UUID, leaveTime time.Time, durationMinutes int, clockSkew bool) (*domain.Session, error) {
	defer r.s.enter(db)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure("sessions.close"); err != nil {
		return nil, err
	}
	sess, ok := r.s.sessions[id]
	if !ok || !sess.Open {
		return nil, fmt.Errorf("close session %s: not open", id)
	}
	sess.LeaveTime = &leaveTime
	sess.DurationMinutes = &durationMinutes
	sess.Open = false
	sess.ClockSkew = clockSkew
	r.s.sessions[id] = sess
	return &sess, nil
}

func (r *sessionRepo) ListByProfile(_ context.Context, db repository.DBTX, profileID uuid.UUID, limit int) ([]domain.Session, error) {
	defer r.s.enter(db)()
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]domain.Session, 0)
	for _, sess := range r.s.sessions {
		if sess.ProfileID == profileID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinTime.Equal(out[j].JoinTime) {
			return out[i].JoinTime.After(out[j].JoinTime)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return truncate(out, limit), nil
}

func (r *sessionRepo) CountOpenByProfile(_ context.Context, db repository.DBTX, profileID uuid.UUID) (int, error) {
	defer r.s.enter(db)()
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	n := 0
	for _, sess := range r.s.sessions {
		if sess.ProfileID == profileID && sess.Open {
			n++
		}
	}
	return n, nil
}

func (r *sessionRepo) DeleteClosedBefore(_ context.Context, db repository.DBTX, cutoff time.Time) (int64, error) {
	defer r.s.enter(db)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure("sessions.delete"); err != nil {
		return 0, err
	}
	var n int64
	for id, sess := range r.s.sessions {
		if !sess.Open && sess.LeaveTime != nil && sess.LeaveTime.Before(cutoff) && sess.JoinTime.Before(cutoff) {
			delete(r.s.sessions, id)
			n++
		}
	}
	return n, nil
}

type activityRepo struct{ s *Store }

func (r *activityRepo) Insert(_ context.Context, db repository.DBTX, a *domain.Activity) error {
	defer r.s.enter(db)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure("activities.insert"); err != nil {
		return err
	}
	r.s.activities = append(r.s.activities, *a)
	return nil
}

func (r *activityRepo) ListByServer(_ context.Context, db repository.DBTX, serverID string, limit int) ([]domain.Activity, error) {
	defer r.s.enter(db)()
	return r.list(func(a domain.Activity) bool { return a.ServerID == serverID }, limit)
}

func (r *activityRepo) ListByProfile(_ context.Context, db repository.DBTX, profileID uuid.UUID, limit int) ([]domain.Activity, error) {
	defer r.s.enter(db)()
	return r.list(func(a domain.Activity) bool { return a.ProfileID == profileID }, limit)
}

// list walks the log newest-inserted first so equal timestamps keep
// reverse insertion order after the stable sort.
func (r *activityRepo) list(match func(domain.Activity) bool, limit int) ([]domain.Activity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure("activities.list"); err != nil {
		return nil, err
	}
	out := make([]domain.Activity, 0)
	for i := len(r.s.activities) - 1; i >= 0; i-- {
		if match(r.s.activities[i]) {
			out = append(out, r.s.activities[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return truncate(out, limit), nil
}

func (r *activityRepo) DeleteBefore(_ context.Context, db repository.DBTX, cutoff time.Time) (int64, error) {
	defer r.s.enter(db)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure("activities.delete"); err != nil {
		return 0, err
	}
	kept := r.s.activities[:0:0]
	var n int64
	for _, a := range r.s.activities {
		if a.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	r.s.activities = kept
	return n, nil
}

type outboxRepo struct{ s *Store }

func (r *outboxRepo) Insert(_ context.Context, db repository.DBTX, draft domain.OutboxDraft) error {
	defer r.s.enter(db)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure("outbox.insert"); err != nil {
		return err
	}
	r.s.nextSeq++
	r.s.outbox = append(r.s.outbox, domain.OutboxRecord{SeqID: r.s.nextSeq, OutboxDraft: draft})
	return nil
}

func (r *outboxRepo) FetchUnpublished(_ context.Context, db repository.DBTX, limit int) ([]domain.OutboxRecord, error) {
	defer r.s.enter(db)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure("outbox.fetch"); err != nil {
		return nil, err
	}
	out := append([]domain.OutboxRecord(nil), r.s.outbox...)
	return truncate(out, limit), nil
}

func (r *outboxRepo) MarkPublished(_ context.Context, db repository.DBTX, seqIDs []int64) error {
	defer r.s.enter(db)()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure("outbox.mark"); err != nil {
		return err
	}
	published := make(map[int64]struct{}, len(seqIDs))
	for _, id := range seqIDs {
		published[id] = struct{}{}
	}
	kept := r.s.outbox[:0:0]
	for _, rec := range r.s.outbox {
		if _, ok := published[rec.SeqID]; !ok {
			kept = append(kept, rec)
		}
	}
	r.s.outbox = kept
	return nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
