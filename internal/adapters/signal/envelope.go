package signal

import (
	"time"

	"github.com/dkeye/Conclave/internal/domain"
)

// Client-to-server envelopes. Every message carries a type tag; the
// remaining fields depend on it.

type envelope struct {
	Type string `json:"type"`
}

type joinRequest struct {
	MeetingID domain.MeetingID `json:"meeting_id"`
	Token     string           `json:"token"`

	// Reconnect credentials, absent on a first join.
	CorrelationID domain.CorrelationID `json:"correlation_id,omitempty"`
	ParticipantID domain.ParticipantID `json:"participant_id,omitempty"`
	Nonce         string               `json:"nonce,omitempty"`
}

type muteRequest struct {
	Mute bool `json:"mute"`
}

type layoutRequest struct {
	Layout string `json:"layout"`
}

type publishRequest struct {
	Streams []string `json:"streams"`
}

// Server-to-client envelopes.

// welcome acknowledges a join. It always carries fresh binding
// material: the old nonce is dead the moment this message is built.
type welcome struct {
	Type          string               `json:"type"` // "welcome"
	MeetingID     domain.MeetingID     `json:"meeting_id"`
	CorrelationID domain.CorrelationID `json:"correlation_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Nonce         string               `json:"nonce"`
	ExpiresAt     time.Time            `json:"expires_at"`
	Restored      bool                 `json:"restored"`
	Primary       *domain.MHAssignment `json:"primary,omitempty"`
	Backup        *domain.MHAssignment `json:"backup,omitempty"`
}

type errorReply struct {
	Type string `json:"type"` // "error"
	Code string `json:"code"`
}

type pongReply struct {
	Type string `json:"type"` // "pong"
}

type whoamiReply struct {
	Type          string               `json:"type"` // "whoami"
	Subject       string               `json:"subject"`
	MeetingID     domain.MeetingID     `json:"meeting_id,omitempty"`
	ParticipantID domain.ParticipantID `json:"participant_id,omitempty"`
}
