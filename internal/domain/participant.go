package domain

import "time"

const MaxLayoutLen = 32

type (
	ParticipantID string
	CorrelationID string
)

// Preferences are client-tunable settings restored on reconnect.
type Preferences struct {
	Mute   bool   `json:"mute"`
	Layout string `json:"layout"`
}

// Participant represents one logical attendee of a meeting. The
// participant id is assigned by the coordinator on first join, never
// taken from the client. The correlation id ties reconnect attempts to
// this participant across transport connections.
type Participant struct {
	ID            ParticipantID `json:"id"`
	CorrelationID CorrelationID `json:"correlation_id"`
	Subject       string        `json:"subject"`
	Prefs         Preferences   `json:"prefs"`
	Streams       []string      `json:"streams,omitempty"`
	Primary       *MHAssignment `json:"primary,omitempty"`
	Backup        *MHAssignment `json:"backup,omitempty"`
	JoinedAt      time.Time     `json:"joined_at"`
}

// Binding is the session-binding tuple returned to a client on join and
// on every successful reconnect. The nonce is one-time-use.
type Binding struct {
	CorrelationID CorrelationID `json:"correlation_id"`
	ParticipantID ParticipantID `json:"participant_id"`
	Subject       string        `json:"-"`
	Nonce         string        `json:"nonce"`
	ExpiresAt     time.Time     `json:"expires_at"`
}
