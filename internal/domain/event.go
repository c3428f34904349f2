package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the outbox event types.
type EventType string

const (
	EventPlayerJoined EventType = "player.joined"
	EventPlayerLeft   EventType = "player.left"
)

// AggregateType enumerates the aggregate root types for outbox events.
type AggregateType string

const (
	AggregateProfile AggregateType = "profile"
)

// OutboxDraft is the payload written to the event_outbox table.
type OutboxDraft struct {
	EventID       uuid.UUID       `json:"event_id"`
	AggregateType AggregateType   `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     EventType       `json:"event_type"`
	PartitionKey  string          `json:"partition_key"`
	Headers       json.RawMessage `json:"headers"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// OutboxRecord is an unpublished outbox row together with its sequence id.
type OutboxRecord struct {
	SeqID int64
	OutboxDraft
}
