package app

import (
	"time"

	"github.com/dkeye/Conclave/internal/domain"
)

// RestartDecision is what the supervisor does with a faulted meeting
// actor.
type RestartDecision int

const (
	// Discard removes the actor; the meeting ended or moved elsewhere.
	Discard RestartDecision = iota
	// Restart re-spawns the actor with its last known state.
	Restart
	// Quarantine stops restarting a crash-looping meeting. Clients get
	// rejected until the quarantine entry is cleared.
	Quarantine
)

// RestartPolicy allows limit restarts per meeting within window. A
// crash loop that exhausts the budget quarantines the meeting instead
// of burning the instance down with it.
type RestartPolicy struct {
	limit  int
	window time.Duration

	history map[domain.MeetingID][]time.Time
	now     func() time.Time
}

func NewRestartPolicy(limit int, window time.Duration) *RestartPolicy {
	return &RestartPolicy{
		limit:   limit,
		window:  window,
		history: make(map[domain.MeetingID][]time.Time),
		now:     time.Now,
	}
}

// OnPanic records one crash and decides. Callers hold the supervisor
// lock; the policy itself is not concurrency-safe.
func (p *RestartPolicy) OnPanic(id domain.MeetingID) RestartDecision {
	now := p.now()
	kept := p.history[id][:0]
	for _, ts := range p.history[id] {
		if now.Sub(ts) <= p.window {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	p.history[id] = kept

	if len(kept) > p.limit {
		delete(p.history, id)
		return Quarantine
	}
	return Restart
}

// Forget drops crash history, when a meeting ends or leaves this
// instance.
func (p *RestartPolicy) Forget(id domain.MeetingID) {
	delete(p.history, id)
}
