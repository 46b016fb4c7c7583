package meeting

import (
	"context"

	"github.com/dkeye/Conclave/internal/core"
	"github.com/dkeye/Conclave/internal/domain"
)

// Mailbox wrappers. Callers never touch actor state directly; every
// operation is a message and a reply.

// JoinResult is what a signaling connection gets back from Join.
type JoinResult struct {
	Participant domain.Participant
	Restored    bool
}

func (a *Actor) Join(ctx context.Context, b domain.Binding, subject string, reconnect bool, conn core.SignalConnection) (JoinResult, error) {
	reply := make(chan joinReply, 1)
	if err := a.send(ctx, joinMsg{binding: b, subject: subject, reconnect: reconnect, conn: conn, reply: reply}); err != nil {
		return JoinResult{}, err
	}
	select {
	case r := <-reply:
		return JoinResult{Participant: r.participant, Restored: r.restored}, r.err
	case <-ctx.Done():
		return JoinResult{}, ctx.Err()
	}
}

func (a *Actor) Leave(ctx context.Context, id domain.ParticipantID) error {
	return a.roundTrip(ctx, func(reply chan error) message {
		return leaveMsg{participantID: id, reply: reply}
	})
}

func (a *Actor) SetPreferences(ctx context.Context, id domain.ParticipantID, prefs domain.Preferences) error {
	return a.roundTrip(ctx, func(reply chan error) message {
		return prefMsg{participantID: id, prefs: prefs, reply: reply}
	})
}

func (a *Actor) SetStreams(ctx context.Context, id domain.ParticipantID, streams []string) error {
	return a.roundTrip(ctx, func(reply chan error) message {
		return streamsMsg{participantID: id, streams: streams, reply: reply}
	})
}

func (a *Actor) End(ctx context.Context) error {
	return a.roundTrip(ctx, func(reply chan error) message {
		return endMsg{reply: reply}
	})
}

// MHFailed and ConnClosed are fire-and-forget notifications.

func (a *Actor) MHFailed(mhID domain.MHID) {
	select {
	case a.mailbox <- mhFailedMsg{mhID: mhID}:
	default:
		// Mailbox full; the next failover sweep repeats the signal.
	}
}

func (a *Actor) ConnClosed(id domain.ParticipantID) {
	select {
	case a.mailbox <- connClosedMsg{participantID: id}:
	default:
	}
}

// Snapshot returns a deep copy of the current state for reads (readiness
// probes, quorum sizing). The copy is safe to inspect outside the actor.
func (a *Actor) Snapshot(ctx context.Context) (*domain.Meeting, uint64, bool, error) {
	reply := make(chan snapshotReply, 1)
	if err := a.send(ctx, snapshotMsg{reply: reply}); err != nil {
		return nil, 0, false, err
	}
	select {
	case r := <-reply:
		return r.state, r.generation, r.degraded, nil
	case <-ctx.Done():
		return nil, 0, false, ctx.Err()
	}
}

func (a *Actor) roundTrip(ctx context.Context, build func(chan error) message) error {
	reply := make(chan error, 1)
	if err := a.send(ctx, build(reply)); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) send(ctx context.Context, msg message) error {
	select {
	case a.mailbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
