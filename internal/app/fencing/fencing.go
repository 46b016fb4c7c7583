// Package fencing prevents split-brain: every durable meeting mutation
// presents the writer's generation, and the shared store's atomic
// script rejects any writer whose generation regressed. The loser of a
// fencing race tears itself down instead of serving stale state.
package fencing

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conclave/internal/core"
	"github.com/dkeye/Conclave/internal/domain"
	"github.com/dkeye/Conclave/internal/metrics"
)

type Status int

const (
	Committed Status = iota
	FencedOut
	StoreUnavailable
)

// Result of a fenced write attempt. Generation is the new stored
// generation on Committed, the stored generation that won on FencedOut,
// and zero on StoreUnavailable.
type Result struct {
	Status     Status
	Generation uint64
}

// Coordinator issues fenced writes on behalf of one coordinator
// instance. It never does an unfenced read-modify-write: the
// compare-and-increment runs inside the store.
type Coordinator struct {
	store    core.Store
	instance domain.InstanceID
}

func NewCoordinator(store core.Store, instance domain.InstanceID) *Coordinator {
	return &Coordinator{store: store, instance: instance}
}

func (c *Coordinator) Instance() domain.InstanceID { return c.instance }

// TryWrite applies one mutation's durable projection under the fencing
// protocol.
func (c *Coordinator) TryWrite(ctx context.Context, id domain.MeetingID, expected uint64, state []byte) Result {
	res, err := c.store.FencedWrite(ctx, id, expected, c.instance, state)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.fencing").
			Str("meeting", string(id)).
			Uint64("expected", expected).
			Msg("fenced write failed, store unavailable")
		return Result{Status: StoreUnavailable}
	}
	if !res.Committed {
		metrics.FencingRejections.Inc()
		log.Warn().Str("module", "app.fencing").
			Str("meeting", string(id)).
			Uint64("expected", expected).
			Uint64("stored", res.Generation).
			Msg("fenced out")
		return Result{Status: FencedOut, Generation: res.Generation}
	}
	return Result{Status: Committed, Generation: res.Generation}
}

// Load reads the durable projection for recovery or takeover.
func (c *Coordinator) Load(ctx context.Context, id domain.MeetingID) (core.MeetingRecord, error) {
	return c.store.LoadMeeting(ctx, id)
}

// List enumerates stored meetings, used when taking over a failed
// instance's workload.
func (c *Coordinator) List(ctx context.Context) ([]domain.MeetingID, error) {
	return c.store.ListMeetings(ctx)
}
