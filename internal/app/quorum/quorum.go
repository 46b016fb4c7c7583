// Package quorum tallies client-submitted "coordinator unreachable"
// reports. A quorum of distinct reporters for the same suspect within
// the window triggers proactive failover well before the heartbeat
// timeout would.
package quorum

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conclave/internal/domain"
	"github.com/dkeye/Conclave/internal/metrics"
)

// ErrNoReporters rejects reports against a meeting with an empty
// roster: nobody is left whose word could form a quorum.
var ErrNoReporters = errors.New("meeting has no participants")

// Threshold is the quorum size for a meeting with n participants:
// floor(n/2)+1, never below 1. For n=1 a single report suffices, for
// n=2 both participants must agree.
func Threshold(n int) int {
	if n < 1 {
		return 1
	}
	return n/2 + 1
}

type suspectKey struct {
	suspect domain.InstanceID
	meeting domain.MeetingID
}

// Tracker is an ephemeral, per-coordinator-instance tally. Nothing here
// is durable; a restart simply starts counting again.
type Tracker struct {
	mu      sync.Mutex
	window  time.Duration
	reports map[suspectKey]map[domain.ParticipantID]time.Time

	// sizeOf reports the current participant count of a meeting, from
	// the live actor or the durable projection. An error rejects the
	// report: an unknown denominator must never weaken the gate.
	sizeOf func(context.Context, domain.MeetingID) (int, error)
	// onQuorum fires once per reached quorum; the tally resets after.
	onQuorum func(domain.InstanceID, domain.MeetingID)

	now func() time.Time
}

func NewTracker(window time.Duration, sizeOf func(context.Context, domain.MeetingID) (int, error), onQuorum func(domain.InstanceID, domain.MeetingID)) *Tracker {
	return &Tracker{
		window:   window,
		reports:  make(map[suspectKey]map[domain.ParticipantID]time.Time),
		sizeOf:   sizeOf,
		onQuorum: onQuorum,
		now:      time.Now,
	}
}

// Report ingests one unreachability report. Returns true when this
// report completed a quorum. Reports for meetings that cannot be sized
// are rejected, never tallied.
func (t *Tracker) Report(ctx context.Context, suspect domain.InstanceID, meeting domain.MeetingID, reporter domain.ParticipantID) (bool, error) {
	n, err := t.sizeOf(ctx, meeting)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrNoReporters
	}

	t.mu.Lock()
	key := suspectKey{suspect, meeting}
	m, ok := t.reports[key]
	if !ok {
		m = make(map[domain.ParticipantID]time.Time)
		t.reports[key] = m
	}
	now := t.now()
	m[reporter] = now

	// Drop reports that aged out of the window.
	for p, ts := range m {
		if now.Sub(ts) > t.window {
			delete(m, p)
		}
	}

	reached := len(m) >= Threshold(n)
	var cb func(domain.InstanceID, domain.MeetingID)
	if reached {
		delete(t.reports, key)
		cb = t.onQuorum
	}
	t.mu.Unlock()

	if reached {
		metrics.FailoversInitiated.Inc()
		log.Warn().Str("module", "app.quorum").
			Str("suspect", string(suspect)).
			Str("meeting", string(meeting)).
			Int("participants", n).
			Msg("unreachability quorum reached, initiating failover")
		if cb != nil {
			cb(suspect, meeting)
		}
	}
	return reached, nil
}

// Reset clears all tallies against a suspect, after a successful
// heartbeat or a completed failover decision.
func (t *Tracker) Reset(suspect domain.InstanceID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.reports {
		if key.suspect == suspect {
			delete(t.reports, key)
		}
	}
}

// Pending returns the live report count for a suspect/meeting pair.
func (t *Tracker) Pending(suspect domain.InstanceID, meeting domain.MeetingID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.reports[suspectKey{suspect, meeting}]
	now := t.now()
	count := 0
	for _, ts := range m {
		if now.Sub(ts) <= t.window {
			count++
		}
	}
	return count
}
