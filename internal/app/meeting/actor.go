// Package meeting implements the meeting actor: the sole authority over
// one meeting's state. All roster, preference and assignment mutations
// are serialized through its mailbox and made durable through fenced
// writes before they are acknowledged.
package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conclave/internal/app/fencing"
	"github.com/dkeye/Conclave/internal/app/mh"
	"github.com/dkeye/Conclave/internal/core"
	"github.com/dkeye/Conclave/internal/domain"
	"github.com/dkeye/Conclave/internal/metrics"
)

const mailboxSize = 64

// Deps are the collaborators a meeting actor talks to. Faults is a
// send-only handle to the supervisor.
type Deps struct {
	Fencing  *fencing.Coordinator
	Selector *mh.Selector
	Pusher   core.RoutingPusher
	Faults   chan<- Fault
	EndGrace time.Duration
}

type Actor struct {
	id      domain.MeetingID
	deps    Deps
	mailbox chan message

	// Everything below is owned by the run goroutine; no locks.
	state    *domain.Meeting
	gen      uint64
	degraded bool
	fenced   bool
	conns    map[domain.ParticipantID]core.SignalConnection
	endTimer *time.Timer

	ctx context.Context
}

// New creates an actor over existing state. gen is the generation the
// durable projection was last committed under (zero for a brand-new
// meeting).
func New(id domain.MeetingID, gen uint64, state *domain.Meeting, deps Deps) *Actor {
	if state == nil {
		state = domain.NewMeeting(id)
	}
	return &Actor{
		id:      id,
		deps:    deps,
		mailbox: make(chan message, mailboxSize),
		state:   state,
		gen:     gen,
		conns:   make(map[domain.ParticipantID]core.SignalConnection),
	}
}

func (a *Actor) ID() domain.MeetingID { return a.id }

// Run processes the mailbox until the meeting ends, the actor is fenced
// out, or ctx is canceled (drain). Message handling is strictly
// sequential; panics are contained and reported as faults.
func (a *Actor) Run(ctx context.Context) {
	a.ctx = ctx
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "app.meeting").
				Str("meeting", string(a.id)).
				Any("panic", r).
				Msg("meeting actor panic")
			a.closeConns("reconnect")
			a.report(FaultPanic, fmt.Errorf("panic: %v", r))
		}
	}()

	var endC <-chan time.Time
	for {
		if a.endTimer != nil {
			endC = a.endTimer.C
		} else {
			endC = nil
		}
		select {
		case <-ctx.Done():
			// Drain teardown: abandon ownership without marking the
			// meeting ended; the next owner takes over cleanly.
			a.closeConns("draining")
			return
		case <-endC:
			a.endTimer = nil
			if len(a.state.Participants) == 0 {
				a.end()
				a.report(FaultEnded, nil)
				return
			}
		case msg := <-a.mailbox:
			a.handle(msg)
			if a.fenced {
				a.report(FaultFencedOut, core.ErrFenced)
				return
			}
			if a.state.Ended {
				a.report(FaultEnded, nil)
				return
			}
		}
	}
}

// handle dispatches one message. The switch is exhaustive over the
// closed message set.
func (a *Actor) handle(msg message) {
	switch m := msg.(type) {
	case joinMsg:
		m.reply <- a.onJoin(m)
	case leaveMsg:
		m.reply <- a.onLeave(m.participantID)
	case prefMsg:
		m.reply <- a.onPref(m.participantID, m.prefs)
	case streamsMsg:
		m.reply <- a.onStreams(m.participantID, m.streams)
	case mhFailedMsg:
		a.onMHFailed(m.mhID)
	case connClosedMsg:
		a.onConnClosed(m.participantID)
	case endMsg:
		m.reply <- a.onEnd()
	case snapshotMsg:
		m.reply <- snapshotReply{state: a.state.Clone(), generation: a.gen, degraded: a.degraded}
	default:
		panic(fmt.Sprintf("unhandled meeting message %T", msg))
	}
}

func (a *Actor) onJoin(m joinMsg) joinReply {
	if a.state.Ended {
		return joinReply{err: core.ErrMeetingEnded}
	}

	// Session recovery: a validated reconnect for a known correlation
	// restores the prior participant state untouched. No durable
	// mutation happens, the roster never changed.
	if m.reconnect {
		if p, ok := a.state.ByCorrelation(m.binding.CorrelationID); ok {
			if old := a.conns[p.ID]; old != nil {
				old.Close()
			}
			a.conns[p.ID] = m.conn
			a.stopEndTimer()
			log.Info().Str("module", "app.meeting").
				Str("meeting", string(a.id)).
				Str("participant", string(p.ID)).
				Msg("participant reconnected, state restored")
			return joinReply{participant: *p, restored: true}
		}
		// Binding was valid but the roster no longer has the
		// participant (left, or the meeting was recreated). Fall
		// through to a fresh join under the same binding.
	}

	if a.degraded {
		// Joining mutates the roster and the roster must be durable
		// before we acknowledge.
		return joinReply{err: core.ErrDegraded}
	}

	p := &domain.Participant{
		ID:            m.binding.ParticipantID,
		CorrelationID: m.binding.CorrelationID,
		Subject:       m.subject,
		JoinedAt:      time.Now(),
	}
	primary, backup, err := a.deps.Selector.SelectPair()
	if err == nil {
		p.Primary, p.Backup = &primary, &backup
	} else {
		log.Warn().Str("module", "app.meeting").
			Str("meeting", string(a.id)).
			Msg("no mh capacity, join proceeds without media assignment")
	}

	if err := a.commit(func(s *domain.Meeting) {
		s.Participants[p.ID] = p
	}); err != nil {
		return joinReply{err: err}
	}

	a.conns[p.ID] = m.conn
	a.stopEndTimer()
	a.broadcastRoster()
	a.pushRouting(p)
	log.Info().Str("module", "app.meeting").
		Str("meeting", string(a.id)).
		Str("participant", string(p.ID)).
		Msg("participant joined")
	return joinReply{participant: *a.state.Participants[p.ID]}
}

func (a *Actor) onLeave(id domain.ParticipantID) error {
	if _, ok := a.state.Participants[id]; !ok {
		return nil
	}
	if err := a.commit(func(s *domain.Meeting) {
		delete(s.Participants, id)
	}); err != nil {
		return err
	}
	if c := a.conns[id]; c != nil {
		c.Close()
		delete(a.conns, id)
	}
	a.broadcastRoster()
	log.Info().Str("module", "app.meeting").
		Str("meeting", string(a.id)).
		Str("participant", string(id)).
		Msg("participant left")

	if len(a.state.Participants) == 0 {
		a.startEndTimer()
	}
	return nil
}

func (a *Actor) onPref(id domain.ParticipantID, prefs domain.Preferences) error {
	if _, ok := a.state.Participants[id]; !ok {
		return core.ErrNotFound
	}
	if err := a.commit(func(s *domain.Meeting) {
		s.Participants[id].Prefs = prefs
	}); err != nil {
		return err
	}
	if f, ok := encodeEvent(prefEvent{Type: "pref", ParticipantID: id, Prefs: prefs}); ok {
		a.broadcast(f)
	}
	return nil
}

func (a *Actor) onStreams(id domain.ParticipantID, streams []string) error {
	if _, ok := a.state.Participants[id]; !ok {
		return core.ErrNotFound
	}
	if err := a.commit(func(s *domain.Meeting) {
		s.Participants[id].Streams = append([]string(nil), streams...)
	}); err != nil {
		return err
	}
	a.pushRouting(a.state.Participants[id])
	a.broadcastRoster()
	return nil
}

// onMHFailed promotes backups to primaries for every participant routed
// through the failed node and selects fresh backups. Clients are told,
// never asked.
func (a *Actor) onMHFailed(failed domain.MHID) {
	type change struct {
		id       domain.ParticipantID
		promoted bool
	}
	var changes []change

	err := a.commit(func(s *domain.Meeting) {
		for id, p := range s.Participants {
			if p.Primary != nil && p.Primary.MHID == failed {
				if p.Backup != nil && p.Backup.MHID != failed {
					p.Primary = p.Backup
				} else {
					p.Primary = nil
				}
				p.Backup = nil
				changes = append(changes, change{id: id, promoted: p.Primary != nil})
			} else if p.Backup != nil && p.Backup.MHID == failed {
				p.Backup = nil
				changes = append(changes, change{id: id})
			}
			if p.Backup == nil && p.Primary != nil {
				excl := p.Primary.Domain
				if na, err := a.deps.Selector.SelectExcluding(excl, p.Primary.MHID); err == nil {
					p.Backup = &na
				}
			} else if p.Primary == nil {
				if np, nb, err := a.deps.Selector.SelectPair(); err == nil {
					p.Primary, p.Backup = &np, &nb
				}
			}
		}
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "app.meeting").
			Str("meeting", string(a.id)).
			Str("mh", string(failed)).
			Msg("mh failover commit failed")
		return
	}

	for _, ch := range changes {
		if ch.promoted {
			metrics.MHFailovers.Inc()
		}
		p := a.state.Participants[ch.id]
		if p == nil {
			continue
		}
		a.pushRouting(p)
		if f, ok := encodeEvent(routingEvent{
			Type:          "routing",
			ParticipantID: p.ID,
			Primary:       p.Primary,
			Backup:        p.Backup,
		}); ok {
			if c := a.conns[p.ID]; c != nil {
				_ = c.TrySend(f)
			}
		}
	}
	if len(changes) > 0 {
		log.Warn().Str("module", "app.meeting").
			Str("meeting", string(a.id)).
			Str("mh", string(failed)).
			Int("affected", len(changes)).
			Msg("mh failover applied")
	}
}

func (a *Actor) onConnClosed(id domain.ParticipantID) {
	delete(a.conns, id)
	// The participant stays in the roster, eligible for reconnect.
	log.Info().Str("module", "app.meeting").
		Str("meeting", string(a.id)).
		Str("participant", string(id)).
		Msg("connection closed, participant disconnected")
}

func (a *Actor) onEnd() error {
	return a.end()
}

func (a *Actor) end() error {
	if err := a.commit(func(s *domain.Meeting) {
		s.Ended = true
	}); err != nil && !errors.Is(err, core.ErrDegraded) {
		return err
	}
	// Even if the store is unreachable the meeting ends locally; the
	// durable projection catches up on the next owner's recovery.
	a.state.Ended = true
	a.closeConns("meeting ended")
	log.Info().Str("module", "app.meeting").Str("meeting", string(a.id)).Msg("meeting ended")
	return nil
}

// commit applies a mutation optimistically to a clone and makes it
// durable through a fenced write. Only a committed clone replaces the
// actor state, so a fenced-out or failed write never leaves a
// half-applied mutation behind — and a client never sees success for a
// mutation that lost its generation.
func (a *Actor) commit(mutate func(*domain.Meeting)) error {
	if a.fenced {
		return core.ErrFenced
	}
	next := a.state.Clone()
	mutate(next)
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}

	res := a.deps.Fencing.TryWrite(a.ctx, a.id, a.gen, raw)
	switch res.Status {
	case fencing.Committed:
		a.state = next
		a.gen = res.Generation
		if a.degraded {
			a.degraded = false
			log.Info().Str("module", "app.meeting").
				Str("meeting", string(a.id)).
				Msg("store reachable again, leaving degraded mode")
		}
		return nil
	case fencing.FencedOut:
		a.fenced = true
		a.closeConns("reconnect")
		return core.ErrFenced
	default:
		a.degraded = true
		return core.ErrDegraded
	}
}

func (a *Actor) broadcastRoster() {
	roster := make([]RosterEntry, 0, len(a.state.Participants))
	for _, p := range a.state.Participants {
		roster = append(roster, RosterEntry{
			ParticipantID: p.ID,
			Subject:       p.Subject,
			Prefs:         p.Prefs,
			Streams:       p.Streams,
		})
	}
	if f, ok := encodeEvent(rosterEvent{Type: "roster", Roster: roster}); ok {
		a.broadcast(f)
	}
}

// broadcast fans a frame out to all attached connections. A slow
// consumer is disconnected rather than allowed to stall the meeting; it
// can reconnect and recover its session.
func (a *Actor) broadcast(f core.Frame) {
	for id, c := range a.conns {
		if err := c.TrySend(f); err != nil {
			log.Warn().Str("module", "app.meeting").
				Str("meeting", string(a.id)).
				Str("participant", string(id)).
				Msg("backpressure, dropping connection")
			c.Close()
			delete(a.conns, id)
		}
	}
}

func (a *Actor) pushRouting(p *domain.Participant) {
	if a.deps.Pusher == nil || p.Primary == nil {
		return
	}
	table := core.RoutingTable{
		MeetingID: a.id,
		Entries:   []core.RoutingEntry{{ParticipantID: p.ID, Streams: p.Streams}},
	}
	if err := a.deps.Pusher.Push(a.ctx, *p.Primary, table); err != nil {
		log.Warn().Err(err).Str("module", "app.meeting").
			Str("meeting", string(a.id)).
			Str("mh", string(p.Primary.MHID)).
			Msg("routing push failed")
	}
}

func (a *Actor) closeConns(reason string) {
	if f, ok := encodeEvent(byeEvent{Type: "bye", Reason: reason}); ok {
		a.broadcast(f)
	}
	for id, c := range a.conns {
		c.Close()
		delete(a.conns, id)
	}
}

func (a *Actor) report(kind FaultKind, err error) {
	if a.deps.Faults == nil {
		return
	}
	a.deps.Faults <- Fault{MeetingID: a.id, Kind: kind, Err: err}
}

func (a *Actor) startEndTimer() {
	a.stopEndTimer()
	if a.deps.EndGrace <= 0 {
		a.deps.EndGrace = time.Second
	}
	a.endTimer = time.NewTimer(a.deps.EndGrace)
}

func (a *Actor) stopEndTimer() {
	if a.endTimer != nil {
		a.endTimer.Stop()
		a.endTimer = nil
	}
}
