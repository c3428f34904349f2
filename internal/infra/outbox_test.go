package infra

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/clanops/rustmap/internal/domain"
	"github.com/clanops/rustmap/internal/guard"
	"github.com/clanops/rustmap/internal/repository/memrepo"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMessage struct {
	topic string
	key   string
	value []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	msgs     []publishedMessage
	failOnNo int // 1-based call number that fails; 0 = never
	failAll  bool
	calls    int
}

func (p *fakePublisher) Publish(_ context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failAll || (p.failOnNo != 0 && p.calls == p.failOnNo) {
		return errors.New("broker unavailable")
	}
	p.msgs = append(p.msgs, publishedMessage{topic: topic, key: string(key), value: value})
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedOutbox(t *testing.T, store *memrepo.Store, n int) []domain.OutboxDraft {
	t.Helper()
	_, _, _, outbox := store.Repositories()
	drafts := make([]domain.OutboxDraft, 0, n)
	for i := 0; i < n; i++ {
		evtType := domain.EventPlayerJoined
		if i%2 == 1 {
			evtType = domain.EventPlayerLeft
		}
		d := domain.OutboxDraft{
			EventID:       uuid.New(),
			AggregateType: domain.AggregateProfile,
			AggregateID:   "profile-1",
			EventType:     evtType,
			PartitionKey:  "srv1",
			Payload:       []byte(`{"n":1}`),
			OccurredAt:    time.Date(2026, 5, 1, 18, i, 0, 0, time.UTC),
		}
		require.NoError(t, outbox.Insert(context.Background(), store, d))
		drafts = append(drafts, d)
	}
	return drafts
}

func newRelay(store *memrepo.Store, pub Publisher, clock clockwork.Clock) *OutboxRelay {
	_, _, _, outbox := store.Repositories()
	breaker := guard.NewCircuitBreaker(3, time.Minute, clock)
	return NewOutboxRelay(store, outbox, pub, breaker, "rustmap", 100*time.Millisecond, 10, clock, discardLogger())
}

func TestOutboxRelay_PublishesInOrder(t *testing.T) {
	store := memrepo.New()
	drafts := seedOutbox(t, store, 3)
	pub := &fakePublisher{}
	relay := newRelay(store, pub, clockwork.NewFakeClock())

	n, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, pub.msgs, 3)
	assert.Equal(t, "rustmap.player.joined", pub.msgs[0].topic)
	assert.Equal(t, "rustmap.player.left", pub.msgs[1].topic)
	assert.Equal(t, "profile-1", pub.msgs[0].key)

	var msg relayMessage
	require.NoError(t, json.Unmarshal(pub.msgs[2].value, &msg))
	assert.Equal(t, drafts[2].EventID.String(), msg.EventID)
	assert.Equal(t, "srv1", msg.ServerID)
	assert.JSONEq(t, `{"n":1}`, string(msg.Payload))

	_, _, _, outbox := store.Repositories()
	left, err := outbox.FetchUnpublished(context.Background(), store, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestOutboxRelay_StopsAtFirstFailure(t *testing.T) {
	store := memrepo.New()
	seedOutbox(t, store, 3)
	pub := &fakePublisher{failOnNo: 2}
	relay := newRelay(store, pub, clockwork.NewFakeClock())

	n, err := relay.RelayOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)

	_, _, _, outbox := store.Repositories()
	left, err := outbox.FetchUnpublished(context.Background(), store, 10)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, domain.EventPlayerLeft, left[0].EventType)

	// Next pass picks up where the failed one stopped.
	n, err = relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOutboxRelay_OpenCircuitSkipsPublish(t *testing.T) {
	store := memrepo.New()
	seedOutbox(t, store, 1)
	pub := &fakePublisher{failAll: true}
	clock := clockwork.NewFakeClock()
	relay := newRelay(store, pub, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := relay.RelayOnce(ctx)
		require.Error(t, err)
	}
	require.Equal(t, 3, pub.calls)

	_, err := relay.RelayOnce(ctx)
	var openErr *guard.OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, 3, pub.calls, "open circuit must not reach the broker")

	// After the reset timeout a single probe goes through and closes the circuit.
	pub.failAll = false
	clock.Advance(time.Minute)
	n, err := relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOutboxRelay_EmptyBatch(t *testing.T) {
	store := memrepo.New()
	relay := newRelay(store, &fakePublisher{}, clockwork.NewFakeClock())

	n, err := relay.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutboxRelay_FetchError(t *testing.T) {
	store := memrepo.New()
	store.FailNext("outbox.fetch", errors.New("db down"))
	relay := newRelay(store, &fakePublisher{}, clockwork.NewFakeClock())

	_, err := relay.RelayOnce(context.Background())
	assert.Error(t, err)
}

func TestOutboxRelay_RunPollsOnTick(t *testing.T) {
	store := memrepo.New()
	seedOutbox(t, store, 2)
	pub := &fakePublisher{}
	clock := clockwork.NewFakeClock()
	relay := newRelay(store, pub, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(100 * time.Millisecond)
	assert.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestKafkaProducer_DisabledIsNoop(t *testing.T) {
	p := NewKafkaProducer("", true, discardLogger())
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Publish(context.Background(), "rustmap.player.joined", []byte("k"), []byte("v")))
	assert.NoError(t, p.Close())
}

func TestHealthCheck(t *testing.T) {
	store := memrepo.New()
	require.NoError(t, HealthCheck(context.Background(), store))

	store.FailNext("store.ping", errors.New("unreachable"))
	assert.Error(t, HealthCheck(context.Background(), store))
}
