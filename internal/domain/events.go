package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ActivityEnvelope is the outbox and live-stream representation of an activity.
type ActivityEnvelope struct {
	Activity *Activity `json:"activity"`
	Profile  *Profile  `json:"profile"`
	Session  *Session  `json:"session,omitempty"`
}

// NewActivityEvent creates the outbox event for a recorded join or leave.
func NewActivityEvent(activity *Activity, profile *Profile, session *Session) OutboxDraft {
	evtType := EventPlayerJoined
	if activity.Action == ActionLeft {
		evtType = EventPlayerLeft
	}
	payload, _ := json.Marshal(ActivityEnvelope{Activity: activity, Profile: profile, Session: session})
	return OutboxDraft{
		EventID:       uuid.New(),
		AggregateType: AggregateProfile,
		AggregateID:   profile.ID.String(),
		EventType:     evtType,
		PartitionKey:  profile.ServerID,
		Headers:       json.RawMessage(`{}`),
		Payload:       payload,
		OccurredAt:    activity.Timestamp,
	}
}
