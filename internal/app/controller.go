// Package app hosts the coordinator controller: the supervisor that
// owns all meeting actors on this instance, restarts crashed ones
// within a budget, and takes over meetings from failed instances.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conclave/internal/app/fencing"
	"github.com/dkeye/Conclave/internal/app/meeting"
	"github.com/dkeye/Conclave/internal/app/mh"
	"github.com/dkeye/Conclave/internal/core"
	"github.com/dkeye/Conclave/internal/domain"
	"github.com/dkeye/Conclave/internal/metrics"
)

// ErrQuarantined is returned for meetings that exhausted their restart
// budget on this instance.
var ErrQuarantined = errors.New("meeting quarantined")

type meetingEntry struct {
	actor  *meeting.Actor
	cancel context.CancelFunc
}

// Status is the instance readiness reported on the health surface.
type Status string

const (
	StatusReady    Status = "ready"
	StatusDegraded Status = "degraded"
	StatusDraining Status = "draining"
)

type ControllerDeps struct {
	Coordinator *fencing.Coordinator
	Loader      *meeting.Loader
	Selector    *mh.Selector
	Pusher      core.RoutingPusher
	Breaker     *fencing.Breaker

	EndGrace      time.Duration
	RestartLimit  int
	RestartWindow time.Duration
}

type Controller struct {
	mu          sync.RWMutex
	meetings    map[domain.MeetingID]*meetingEntry
	quarantined map[domain.MeetingID]time.Time
	draining    bool

	deps   ControllerDeps
	policy *RestartPolicy
	faults chan meeting.Fault

	runCtx context.Context
	wg     sync.WaitGroup
}

func NewController(deps ControllerDeps) *Controller {
	return &Controller{
		meetings:    make(map[domain.MeetingID]*meetingEntry),
		quarantined: make(map[domain.MeetingID]time.Time),
		deps:        deps,
		policy:      NewRestartPolicy(deps.RestartLimit, deps.RestartWindow),
		faults:      make(chan meeting.Fault, 64),
	}
}

// Run consumes actor faults until ctx is canceled. Must be running
// before any meeting is attached.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.faults:
			c.handleFault(ctx, f)
		}
	}
}

// GetOrAttach returns the local actor for a meeting, recovering it from
// the shared store or creating it fresh when this instance does not
// host it yet.
func (c *Controller) GetOrAttach(ctx context.Context, id domain.MeetingID) (*meeting.Actor, error) {
	c.mu.RLock()
	e, ok := c.meetings[id]
	draining := c.draining
	c.mu.RUnlock()
	// Draining wins over a cached entry: actors are already canceled
	// and must not be handed out again.
	if draining {
		return nil, core.ErrDraining
	}
	if ok {
		return e.actor, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return nil, core.ErrDraining
	}
	if e, ok = c.meetings[id]; ok {
		return e.actor, nil
	}
	if _, bad := c.quarantined[id]; bad {
		return nil, ErrQuarantined
	}

	state, gen, err := c.deps.Loader.Recover(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrNotFound):
		// Brand new meeting, first write will claim generation 1.
		state, gen = domain.NewMeeting(id), 0
	default:
		return nil, err
	}
	return c.spawnLocked(id, gen, state), nil
}

// Lookup returns the local actor if this instance hosts the meeting.
func (c *Controller) Lookup(id domain.MeetingID) (*meeting.Actor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.meetings[id]
	if !ok {
		return nil, false
	}
	return e.actor, true
}

// MeetingSize reports the participant count used as the quorum
// denominator for unreachability reports. Hosted meetings answer from
// the live actor; everything else is sized from the durable projection
// so reports against a remote coordinator face the same majority gate.
// Unknown meetings are an error, never a zero denominator.
func (c *Controller) MeetingSize(ctx context.Context, id domain.MeetingID) (int, error) {
	if a, ok := c.Lookup(id); ok {
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		snap, _, _, err := a.Snapshot(sctx)
		if err != nil {
			return 0, err
		}
		return len(snap.Participants), nil
	}
	state, err := c.deps.Loader.Peek(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(state.Participants), nil
}

// MHFailed fans a media-node failure out to every hosted meeting.
func (c *Controller) MHFailed(id domain.MHID) {
	c.mu.RLock()
	actors := make([]*meeting.Actor, 0, len(c.meetings))
	for _, e := range c.meetings {
		actors = append(actors, e.actor)
	}
	c.mu.RUnlock()

	for _, a := range actors {
		a.MHFailed(id)
	}
}

// TakeOver claims every meeting the failed instance owned. Called when
// a quorum of clients reported the instance unreachable, or by an
// operator. Races with other recovering instances are resolved by the
// fencing protocol; lost meetings are simply skipped.
func (c *Controller) TakeOver(ctx context.Context, failed domain.InstanceID) (int, error) {
	if failed == c.deps.Coordinator.Instance() {
		return 0, nil
	}
	recovered, err := c.deps.Loader.RecoverAll(ctx, failed)
	if err != nil && len(recovered) == 0 {
		return 0, err
	}

	c.mu.Lock()
	n := 0
	for id, r := range recovered {
		if _, ok := c.meetings[id]; ok {
			continue
		}
		c.spawnLocked(id, r.Generation, r.State)
		n++
	}
	c.mu.Unlock()

	if n > 0 {
		log.Warn().Str("module", "app.controller").
			Str("failed_instance", string(failed)).
			Int("meetings", n).
			Msg("took over meetings from failed instance")
	}
	return n, err
}

// Drain stops accepting new meetings, tells every actor to shut down
// and waits up to grace for them to finish. Meeting state stays in the
// store for the next owner.
func (c *Controller) Drain(grace time.Duration) {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for _, e := range c.meetings {
		e.cancel()
	}
	n := len(c.meetings)
	// Canceled actors never serve another message; drop the entries so
	// lookups refuse instead of handing out a dead mailbox.
	c.meetings = make(map[domain.MeetingID]*meetingEntry)
	metrics.MeetingsActive.Set(0)
	c.mu.Unlock()

	log.Info().Str("module", "app.controller").Int("meetings", n).Msg("draining")

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Warn().Str("module", "app.controller").Msg("drain grace expired")
	}
}

// Status reports instance readiness: draining beats degraded beats
// ready.
func (c *Controller) Status() Status {
	c.mu.RLock()
	draining := c.draining
	c.mu.RUnlock()
	if draining {
		return StatusDraining
	}
	if c.deps.Breaker != nil && c.deps.Breaker.State() != fencing.BreakerClosed {
		return StatusDegraded
	}
	return StatusReady
}

func (c *Controller) MeetingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.meetings)
}

// spawnLocked must be called with the write lock held.
func (c *Controller) spawnLocked(id domain.MeetingID, gen uint64, state *domain.Meeting) *meeting.Actor {
	a := meeting.New(id, gen, state, meeting.Deps{
		Fencing:  c.deps.Coordinator,
		Selector: c.deps.Selector,
		Pusher:   c.deps.Pusher,
		Faults:   c.faults,
		EndGrace: c.deps.EndGrace,
	})
	base := c.runCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	c.meetings[id] = &meetingEntry{actor: a, cancel: cancel}
	metrics.MeetingsActive.Set(float64(len(c.meetings)))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		a.Run(ctx)
	}()
	log.Info().Str("module", "app.controller").
		Str("meeting", string(id)).
		Uint64("generation", gen).
		Msg("meeting actor started")
	return a
}

func (c *Controller) handleFault(ctx context.Context, f meeting.Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.meetings[f.MeetingID]; ok {
		e.cancel()
		delete(c.meetings, f.MeetingID)
		metrics.MeetingsActive.Set(float64(len(c.meetings)))
	}

	switch f.Kind {
	case meeting.FaultEnded:
		c.policy.Forget(f.MeetingID)

	case meeting.FaultFencedOut:
		// Ownership moved to another instance; nothing to restart here.
		c.policy.Forget(f.MeetingID)
		log.Warn().Str("module", "app.controller").
			Str("meeting", string(f.MeetingID)).
			Msg("lost meeting ownership")

	case meeting.FaultPanic:
		log.Error().Err(f.Err).Str("module", "app.controller").
			Str("meeting", string(f.MeetingID)).
			Msg("meeting actor crashed")
		if c.draining {
			return
		}
		switch c.policy.OnPanic(f.MeetingID) {
		case Restart:
			// Recover from the store rather than trusting whatever the
			// crashed actor held in memory. The takeover write also
			// invalidates any generation the dead actor still presented.
			state, gen, err := c.deps.Loader.Recover(ctx, f.MeetingID)
			if err != nil {
				if !errors.Is(err, core.ErrNotFound) && !errors.Is(err, core.ErrMeetingEnded) {
					log.Error().Err(err).Str("module", "app.controller").
						Str("meeting", string(f.MeetingID)).
						Msg("restart recovery failed")
				}
				return
			}
			metrics.ActorRestarts.Inc()
			c.spawnLocked(f.MeetingID, gen, state)

		case Quarantine:
			c.quarantined[f.MeetingID] = time.Now()
			metrics.ActorQuarantines.Inc()
			log.Error().Str("module", "app.controller").
				Str("meeting", string(f.MeetingID)).
				Msg("meeting quarantined after crash loop")
		}
	}
}

// ClearQuarantine lifts a quarantine, operator action.
func (c *Controller) ClearQuarantine(id domain.MeetingID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.quarantined[id]; !ok {
		return false
	}
	delete(c.quarantined, id)
	c.policy.Forget(id)
	return true
}
