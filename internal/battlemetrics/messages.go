package battlemetrics

import (
	"strings"

	"github.com/clanops/rustmap/internal/domain"
	"github.com/goccy/go-json"
)

// Inbound frame types handled by the client. Everything else is counted and
// skipped.
const (
	FramePlayerJoin  = "PLAYER_JOIN"
	FramePlayerLeave = "PLAYER_LEAVE"
)

// Outbound actions.
const (
	actionAuth = "auth"
	actionJoin = "join"
)

// frame is the inbound envelope: {"t": "<type>", "p": {...}}.
type frame struct {
	Type    string          `json:"t"`
	Payload json.RawMessage `json:"p"`
}

// command is the outbound envelope: {"action": "...", "data": ...}.
type command struct {
	Action string      `json:"action"`
	Data   interface{} `json:"data"`
}

func authCommand(token string) command {
	return command{Action: actionAuth, Data: token}
}

func joinCommand(serverIDs ...string) command {
	channels := make([]string, 0, len(serverIDs))
	for _, id := range serverIDs {
		channels = append(channels, channelName(id))
	}
	return command{Action: actionJoin, Data: channels}
}

func channelName(serverID string) string {
	return "server:" + serverID
}

// playerPayload is the "p" object of PLAYER_JOIN / PLAYER_LEAVE.
type playerPayload struct {
	ServerID flexString `json:"serverId"`
	Name     string     `json:"name"`
	ID       flexString `json:"id"`
	Rank     *int       `json:"rank"`
	Score    *int       `json:"score"`
}

func (p playerPayload) event() domain.PlayerEvent {
	evt := domain.PlayerEvent{
		ServerID:   string(p.ServerID),
		PlayerName: p.Name,
		Rank:       p.Rank,
		Score:      p.Score,
	}
	if id := strings.TrimSpace(string(p.ID)); id != "" {
		evt.ExternalPlayerID = &id
	}
	return domain.NormalizePlayerEvent(evt)
}

// flexString decodes ids that arrive either as JSON strings or numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
