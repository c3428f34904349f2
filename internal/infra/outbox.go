package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clanops/rustmap/internal/domain"
	"github.com/clanops/rustmap/internal/guard"
	"github.com/clanops/rustmap/internal/metrics"
	"github.com/clanops/rustmap/internal/repository"
	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
)

// Publisher is the sink for relayed outbox events. *KafkaProducer implements it.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// OutboxRelay polls event_outbox and publishes activity events to Kafka.
// Delivery is at-least-once: rows are deleted only after a successful publish.
type OutboxRelay struct {
	db          repository.DBTX
	outbox      repository.OutboxRepository
	publisher   Publisher
	breaker     *guard.CircuitBreaker
	topicPrefix string
	interval    time.Duration
	batchSize   int
	clock       clockwork.Clock
	logger      *slog.Logger
}

// NewOutboxRelay creates a new outbox relay.
func NewOutboxRelay(
	db repository.DBTX,
	outbox repository.OutboxRepository,
	publisher Publisher,
	breaker *guard.CircuitBreaker,
	topicPrefix string,
	interval time.Duration,
	batchSize int,
	clock clockwork.Clock,
	logger *slog.Logger,
) *OutboxRelay {
	return &OutboxRelay{
		db:          db,
		outbox:      outbox,
		publisher:   publisher,
		breaker:     breaker,
		topicPrefix: topicPrefix,
		interval:    interval,
		batchSize:   batchSize,
		clock:       clock,
		logger:      logger,
	}
}

// relayMessage is the Kafka message value.
type relayMessage struct {
	EventID       string          `json:"event_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	ServerID      string          `json:"server_id"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Topic returns the Kafka topic for an event type.
func (r *OutboxRelay) Topic(eventType domain.EventType) string {
	return r.topicPrefix + "." + string(eventType)
}

// Run polls until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started", "interval", r.interval, "batch_size", r.batchSize)

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.Chan():
			if _, err := r.RelayOnce(ctx); err != nil {
				r.logger.Error("outbox relay error", "error", err)
			}
		}
	}
}

// RelayOnce publishes one batch in sequence order and returns how many
// events were published. It stops at the first publish failure, or at a
// topic whose circuit is open, so later events for the same profile never
// overtake an earlier one.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	records, err := r.outbox.FetchUnpublished(ctx, r.db, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch outbox: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	published := make([]int64, 0, len(records))
	var publishErr error
	for _, rec := range records {
		value, err := json.Marshal(relayMessage{
			EventID:       rec.EventID.String(),
			AggregateType: string(rec.AggregateType),
			AggregateID:   rec.AggregateID,
			EventType:     string(rec.EventType),
			ServerID:      rec.PartitionKey,
			Payload:       json.RawMessage(rec.Payload),
			OccurredAt:    rec.OccurredAt,
		})
		if err != nil {
			publishErr = fmt.Errorf("encode event %s: %w", rec.EventID, err)
			break
		}
		topic := r.Topic(rec.EventType)
		if err := r.breaker.Allow(topic); err != nil {
			publishErr = err
			break
		}
		if err := r.publisher.Publish(ctx, topic, []byte(rec.AggregateID), value); err != nil {
			r.breaker.RecordFailure(topic)
			publishErr = fmt.Errorf("publish event %s: %w", rec.EventID, err)
			break
		}
		r.breaker.RecordSuccess(topic)
		published = append(published, rec.SeqID)
	}

	if len(published) > 0 {
		if err := r.outbox.MarkPublished(ctx, r.db, published); err != nil {
			return 0, fmt.Errorf("mark published: %w", err)
		}
		metrics.RecordOutboxPublished(len(published))
		r.logger.Debug("outbox batch relayed", "published", len(published))
	}
	return len(published), publishErr
}
