// Package memrepo is an in-memory implementation of the repository
// interfaces. It backs unit tests and STORE_DRIVER=memory local runs.
//
// Transactions are serialized: Begin takes a store-wide lock and snapshots
// every table; Rollback restores the snapshot. Calls made outside a
// transaction wait until the open transaction commits or rolls back, so they
// never observe uncommitted writes.
package memrepo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/clanops/rustmap/internal/domain"
	"github.com/clanops/rustmap/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrSQLUnsupported is returned when raw SQL is issued against the memory store.
var ErrSQLUnsupported = errors.New("memrepo: raw SQL is not supported")

// Store holds all tables. It satisfies repository.TxDB.
type Store struct {
	txMu sync.RWMutex

	mu         sync.RWMutex
	profiles   map[uuid.UUID]domain.Profile
	sessions   map[uuid.UUID]domain.Session
	activities []domain.Activity
	outbox     []domain.OutboxRecord
	nextSeq    int64
	failures   map[string]error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		profiles: make(map[uuid.UUID]domain.Profile),
		sessions: make(map[uuid.UUID]domain.Session),
		failures: make(map[string]error),
	}
}

// FailNext makes the next call of op return err. Ops are named
// "<table>.<method>", e.g. "sessions.insert", "profiles.update" or
// "activities.list".
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// takeFailure must be called with s.mu held.
func (s *Store) takeFailure(op string) error {
	if err, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return err
	}
	return nil
}

// Repositories returns the four repositories bound to this store.
func (s *Store) Repositories() (repository.ProfileRepository, repository.SessionRepository, repository.ActivityRepository, repository.OutboxRepository) {
	return &profileRepo{s: s}, &sessionRepo{s: s}, &activityRepo{s: s}, &outboxRepo{s: s}
}

// Ping reports whether the store can serve requests. It honors "store.ping" failures.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeFailure("store.ping")
}

func (s *Store) Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, ErrSQLUnsupported
}

func (s *Store) Query(context.Context, string, ...interface{}) (pgx.Rows, error) {
	return nil, ErrSQLUnsupported
}

func (s *Store) QueryRow(context.Context, string, ...interface{}) pgx.Row {
	return errRow{}
}

// Begin serializes against other transactions and snapshots all tables.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("store.begin"); err != nil {
		s.txMu.Unlock()
		return nil, err
	}
	return &memTx{store: s, snap: s.snapshotLocked()}, nil
}

// enter holds the transaction lock for a call made outside a transaction.
// Calls made through a *memTx already own it.
func (s *Store) enter(db repository.DBTX) func() {
	if _, ok := db.(*memTx); ok {
		return func() {}
	}
	s.txMu.RLock()
	return s.txMu.RUnlock
}

type snapshot struct {
	profiles   map[uuid.UUID]domain.Profile
	sessions   map[uuid.UUID]domain.Session
	activities []domain.Activity
	outbox     []domain.OutboxRecord
	nextSeq    int64
}

func (s *Store) snapshotLocked() snapshot {
	snap := snapshot{
		profiles:   make(map[uuid.UUID]domain.Profile, len(s.profiles)),
		sessions:   make(map[uuid.UUID]domain.Session, len(s.sessions)),
		activities: append([]domain.Activity(nil), s.activities...),
		outbox:     append([]domain.OutboxRecord(nil), s.outbox...),
		nextSeq:    s.nextSeq,
	}
	for k, v := range s.profiles {
		snap.profiles[k] = v
	}
	for k, v := range s.sessions {
		snap.sessions[k] = v
	}
	return snap
}

func (s *Store) restoreLocked(snap snapshot) {
	s.profiles = snap.profiles
	s.sessions = snap.sessions
	s.activities = snap.activities
	s.outbox = snap.outbox
	s.nextSeq = snap.nextSeq
}

// memTx embeds pgx.Tx only to satisfy the interface; memrepo repositories
// never call through to it.
type memTx struct {
	pgx.Tx
	store *Store
	snap  snapshot
	done  bool
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.store.mu.Lock()
	err := t.store.takeFailure("store.commit")
	if err != nil {
		t.store.restoreLocked(t.snap)
	}
	t.store.mu.Unlock()
	t.done = true
	t.store.txMu.Unlock()
	return err
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.store.mu.Lock()
	t.store.restoreLocked(t.snap)
	t.store.mu.Unlock()
	t.done = true
	t.store.txMu.Unlock()
	return nil
}

func (t *memTx) Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, ErrSQLUnsupported
}

func (t *memTx) Query(context.Context, string, ...interface{}) (pgx.Rows, error) {
	return nil, ErrSQLUnsupported
}

func (t *memTx) QueryRow(context.Context, string, ...interface{}) pgx.Row {
	return errRow{}
}

type errRow struct{}

func (errRow) Scan(...interface{}) error { return ErrSQLUnsupported }

func notFound(entity string, id uuid.UUID) error {
	return fmt.Errorf("%s %s: no rows affected", entity, id)
}
