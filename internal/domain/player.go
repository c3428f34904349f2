package domain

import (
	"time"

	"github.com/google/uuid"
)

// Action is the direction of a feed event as recorded in player_activities.
type Action string

const (
	ActionJoined Action = "joined"
	ActionLeft   Action = "left"
)

// Profile represents a player_profiles row: one per (server, player name).
type Profile struct {
	ID                   uuid.UUID  `json:"id"`
	ServerID             string     `json:"server_id"`
	PlayerName           string     `json:"player_name"`
	ExternalPlayerID     *string    `json:"external_player_id,omitempty"`
	Online               bool       `json:"online"`
	CurrentSessionStart  *time.Time `json:"current_session_start,omitempty"`
	LastJoinTime         *time.Time `json:"last_join_time,omitempty"`
	LastLeaveTime        *time.Time `json:"last_leave_time,omitempty"`
	LastSeen             time.Time  `json:"last_seen"`
	TotalSessions        int        `json:"total_sessions"`
	TotalPlayTimeMinutes int        `json:"total_play_time_minutes"`
	FirstSeenAt          time.Time  `json:"first_seen_at"`
	LastRank             *int       `json:"last_rank,omitempty"`
	LastScore            *int       `json:"last_score,omitempty"`
}

// NewProfile builds a fresh offline profile first seen at now.
func NewProfile(serverID, playerName string, externalPlayerID *string, now time.Time) *Profile {
	return &Profile{
		ID:               uuid.New(),
		ServerID:         serverID,
		PlayerName:       playerName,
		ExternalPlayerID: externalPlayerID,
		LastSeen:         now,
		FirstSeenAt:      now,
	}
}

// Session represents a player_sessions row: one contiguous online interval.
// LeaveTime and DurationMinutes stay nil while the session is open.
type Session struct {
	ID              uuid.UUID  `json:"id"`
	ProfileID       uuid.UUID  `json:"profile_id"`
	ServerID        string     `json:"server_id"`
	PlayerName      string     `json:"player_name"`
	JoinTime        time.Time  `json:"join_time"`
	LeaveTime       *time.Time `json:"leave_time,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	Open            bool       `json:"open"`
	ClockSkew       bool       `json:"clock_skew"`
}

// Activity is an append-only join/left log entry.
type Activity struct {
	ID               uuid.UUID  `json:"id"`
	ProfileID        uuid.UUID  `json:"profile_id"`
	SessionID        *uuid.UUID `json:"session_id,omitempty"`
	ServerID         string     `json:"server_id"`
	PlayerName       string     `json:"player_name"`
	ExternalPlayerID *string    `json:"external_player_id,omitempty"`
	Action           Action     `json:"action"`
	Timestamp        time.Time  `json:"timestamp"`
}

// PlayerEvent is the typed input for join/leave reconciliation.
// It is validated at the feed boundary, not by the reconciler.
type PlayerEvent struct {
	ServerID         string  `json:"server_id" validate:"required,max=64"`
	PlayerName       string  `json:"player_name" validate:"required,max=128"`
	ExternalPlayerID *string `json:"external_player_id,omitempty" validate:"omitempty,max=64"`
	Rank             *int    `json:"rank,omitempty" validate:"omitempty,min=0"`
	Score            *int    `json:"score,omitempty"`
}
