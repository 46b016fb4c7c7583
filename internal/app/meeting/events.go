package meeting

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conclave/internal/core"
	"github.com/dkeye/Conclave/internal/domain"
)

// Server-to-client signaling events, fanned out by the meeting actor to
// its attached connections.

type RosterEntry struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Subject       string               `json:"subject"`
	Prefs         domain.Preferences   `json:"prefs"`
	Streams       []string             `json:"streams,omitempty"`
}

type rosterEvent struct {
	Type   string        `json:"type"` // "roster"
	Roster []RosterEntry `json:"roster"`
}

type prefEvent struct {
	Type          string               `json:"type"` // "pref"
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Prefs         domain.Preferences   `json:"prefs"`
}

type routingEvent struct {
	Type          string               `json:"type"` // "routing"
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Primary       *domain.MHAssignment `json:"primary,omitempty"`
	Backup        *domain.MHAssignment `json:"backup,omitempty"`
}

// byeEvent asks clients to reconnect; sent when the actor loses
// ownership or the meeting ends. A fencing conflict is not a client
// error, just a brief reconnect.
type byeEvent struct {
	Type   string `json:"type"` // "bye"
	Reason string `json:"reason"`
}

func encodeEvent(v any) (core.Frame, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.meeting").Msg("event marshal")
		return nil, false
	}
	return core.Frame(b), true
}
