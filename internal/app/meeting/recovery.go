package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conclave/internal/app/fencing"
	"github.com/dkeye/Conclave/internal/core"
	"github.com/dkeye/Conclave/internal/domain"
)

// Loader recovers meetings from the shared store, either on demand when
// a client knocks on a meeting this instance does not host yet, or in
// bulk when taking over a failed instance's workload.
type Loader struct {
	coord *fencing.Coordinator
}

func NewLoader(coord *fencing.Coordinator) *Loader {
	return &Loader{coord: coord}
}

// Recover loads the durable projection and claims ownership with a
// fenced takeover write. On success the returned state and generation
// seed a fresh actor. ErrNotFound means the meeting never existed or
// already expired.
//
// Losing the takeover race is normal: another instance recovered the
// meeting first, and the caller should retry a lookup against the store
// owner rather than force the issue.
func (l *Loader) Recover(ctx context.Context, id domain.MeetingID) (*domain.Meeting, uint64, error) {
	rec, err := l.coord.Load(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	state, err := decodeMeeting(id, rec.State)
	if err != nil {
		return nil, 0, err
	}
	if state.Ended {
		return nil, 0, core.ErrMeetingEnded
	}

	// Claim ownership: a write at the stored generation bumps it past
	// anything the previous owner could still present.
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, 0, err
	}
	res := l.coord.TryWrite(ctx, id, rec.Generation, raw)
	switch res.Status {
	case fencing.Committed:
		log.Info().Str("module", "app.meeting").
			Str("meeting", string(id)).
			Uint64("generation", res.Generation).
			Str("previous_owner", string(rec.Owner)).
			Msg("meeting recovered, ownership claimed")
		return state, res.Generation, nil
	case fencing.FencedOut:
		return nil, 0, core.ErrFenced
	default:
		return nil, 0, core.ErrDegraded
	}
}

// Peek loads the durable projection without claiming ownership. Quorum
// checks size their denominator here for meetings hosted elsewhere; a
// takeover write for a mere read would fence out a healthy owner.
func (l *Loader) Peek(ctx context.Context, id domain.MeetingID) (*domain.Meeting, error) {
	rec, err := l.coord.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	state, err := decodeMeeting(id, rec.State)
	if err != nil {
		return nil, err
	}
	if state.Ended {
		return nil, core.ErrMeetingEnded
	}
	return state, nil
}

// decodeMeeting tolerates an empty payload: a never-written meeting
// decodes to a fresh state.
func decodeMeeting(id domain.MeetingID, raw []byte) (*domain.Meeting, error) {
	state := domain.NewMeeting(id)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, state); err != nil {
			return nil, fmt.Errorf("corrupt meeting projection %s: %w", id, err)
		}
	}
	if state.Participants == nil {
		state.Participants = make(map[domain.ParticipantID]*domain.Participant)
	}
	return state, nil
}

// RecoverAll takes over every stored meeting that a failed instance
// owned. Individual losses (races with a concurrent recoverer) are
// skipped, not fatal.
func (l *Loader) RecoverAll(ctx context.Context, failed domain.InstanceID) (map[domain.MeetingID]Recovered, error) {
	ids, err := l.coord.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.MeetingID]Recovered)
	for _, id := range ids {
		rec, err := l.coord.Load(ctx, id)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				continue
			}
			return out, err
		}
		if rec.Owner != failed {
			continue
		}
		state, gen, err := l.Recover(ctx, id)
		if err != nil {
			if errors.Is(err, core.ErrFenced) || errors.Is(err, core.ErrMeetingEnded) {
				continue
			}
			return out, err
		}
		out[id] = Recovered{State: state, Generation: gen}
	}
	return out, nil
}

type Recovered struct {
	State      *domain.Meeting
	Generation uint64
}
