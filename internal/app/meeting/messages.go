package meeting

import (
	"github.com/dkeye/Conclave/internal/core"
	"github.com/dkeye/Conclave/internal/domain"
)

// message is the closed set of inputs a meeting actor processes. Every
// variant is matched exhaustively in handle(); adding an operation is a
// compile-time exercise, not a runtime dispatch.
type message interface{ isMessage() }

type joinMsg struct {
	binding   domain.Binding
	subject   string
	reconnect bool
	conn      core.SignalConnection
	reply     chan joinReply
}

type joinReply struct {
	participant domain.Participant
	restored    bool
	err         error
}

type leaveMsg struct {
	participantID domain.ParticipantID
	reply         chan error
}

type prefMsg struct {
	participantID domain.ParticipantID
	prefs         domain.Preferences
	reply         chan error
}

type streamsMsg struct {
	participantID domain.ParticipantID
	streams       []string
	reply         chan error
}

type mhFailedMsg struct {
	mhID domain.MHID
}

type connClosedMsg struct {
	participantID domain.ParticipantID
}

type endMsg struct {
	reply chan error
}

type snapshotMsg struct {
	reply chan snapshotReply
}

type snapshotReply struct {
	state      *domain.Meeting
	generation uint64
	degraded   bool
}

func (joinMsg) isMessage()       {}
func (leaveMsg) isMessage()      {}
func (prefMsg) isMessage()       {}
func (streamsMsg) isMessage()    {}
func (mhFailedMsg) isMessage()   {}
func (connClosedMsg) isMessage() {}
func (endMsg) isMessage()        {}
func (snapshotMsg) isMessage()   {}

// FaultKind classifies why an actor stopped or misbehaved.
type FaultKind int

const (
	// FaultEnded is the normal terminal condition.
	FaultEnded FaultKind = iota
	// FaultFencedOut means another instance took ownership; the actor
	// tore itself down and must not be restarted here.
	FaultFencedOut
	// FaultPanic is a crash inside the actor; the supervisor may
	// restart within its budget.
	FaultPanic
)

func (k FaultKind) String() string {
	switch k {
	case FaultEnded:
		return "ended"
	case FaultFencedOut:
		return "fenced_out"
	case FaultPanic:
		return "panic"
	}
	return "unknown"
}

// Fault is reported to the supervisor over a send-only handle; the
// actor never holds a reference back into the supervisor.
type Fault struct {
	MeetingID domain.MeetingID
	Kind      FaultKind
	Err       error
}
