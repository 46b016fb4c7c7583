// Package domain contains entities without logic, just meta-data
package domain

type (
	MeetingID  string
	InstanceID string
)

// Meeting is the in-memory projection of one meeting. It is owned
// exclusively by a single meeting actor; the durable copy lives in the
// shared store together with its fencing generation.
type Meeting struct {
	ID           MeetingID                      `json:"id"`
	Participants map[ParticipantID]*Participant `json:"participants"`
	Ended        bool                           `json:"ended"`
}

func NewMeeting(id MeetingID) *Meeting {
	return &Meeting{
		ID:           id,
		Participants: make(map[ParticipantID]*Participant),
	}
}

// ByCorrelation finds the participant bound to a correlation id.
// Correlation ids are stable across reconnects, participant ids are not
// exposed for lookup by clients.
func (m *Meeting) ByCorrelation(cid CorrelationID) (*Participant, bool) {
	for _, p := range m.Participants {
		if p.CorrelationID == cid {
			return p, true
		}
	}
	return nil, false
}

// Clone returns a deep copy, used for optimistic apply with rollback.
func (m *Meeting) Clone() *Meeting {
	cp := &Meeting{
		ID:           m.ID,
		Ended:        m.Ended,
		Participants: make(map[ParticipantID]*Participant, len(m.Participants)),
	}
	for id, p := range m.Participants {
		pc := *p
		pc.Streams = append([]string(nil), p.Streams...)
		cp.Participants[id] = &pc
	}
	return cp
}
