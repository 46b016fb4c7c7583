package core

import (
	"context"
	"time"

	"github.com/dkeye/Conclave/internal/domain"
)

// Frame is a framed signaling payload, ready for the transport.
type Frame []byte

// SignalConnection abstracts the system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Identity is the result of validating an external identity token.
type Identity struct {
	Subject  string
	Scopes   []string
	IssuedAt time.Time
	Expiry   time.Time
}

// IdentityVerifier validates identity tokens issued by the external
// identity/authorization service. Validity is never cached across
// requests; every call re-verifies.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// RoutingPusher pushes a participant routing table to an MH node. MH
// nodes are stateless with respect to roles; they serve whatever table
// was pushed last.
type RoutingPusher interface {
	Push(ctx context.Context, node domain.MHAssignment, table RoutingTable) error
}

// RoutingEntry routes one participant's published streams through an
// MH node.
type RoutingEntry struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Streams       []string             `json:"streams,omitempty"`
}

type RoutingTable struct {
	MeetingID domain.MeetingID `json:"meeting_id"`
	Entries   []RoutingEntry   `json:"entries"`
}
