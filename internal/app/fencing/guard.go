package fencing

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Conclave/internal/core"
	"github.com/dkeye/Conclave/internal/domain"
)

// GuardedStore decorates a core.Store with the circuit breaker and a
// per-call timeout. No coordinator code talks to the shared store
// except through a guard: an unreachable store must cost one timeout,
// not block an actor indefinitely.
type GuardedStore struct {
	inner   core.Store
	breaker *Breaker
	timeout time.Duration
}

var _ core.Store = (*GuardedStore)(nil)

func NewGuardedStore(inner core.Store, breaker *Breaker, timeout time.Duration) *GuardedStore {
	return &GuardedStore{inner: inner, breaker: breaker, timeout: timeout}
}

func (g *GuardedStore) Breaker() *Breaker { return g.breaker }

// call runs fn under the breaker and timeout, recording the outcome.
func call[T any](g *GuardedStore, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !g.breaker.Allow() {
		return zero, core.ErrDegraded
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := fn(ctx)
	if err != nil {
		g.breaker.Failure()
		return zero, err
	}
	g.breaker.Success()
	return out, nil
}

func (g *GuardedStore) FencedWrite(ctx context.Context, id domain.MeetingID, expected uint64, owner domain.InstanceID, state []byte) (core.FencedResult, error) {
	return call(g, ctx, func(ctx context.Context) (core.FencedResult, error) {
		return g.inner.FencedWrite(ctx, id, expected, owner, state)
	})
}

func (g *GuardedStore) LoadMeeting(ctx context.Context, id domain.MeetingID) (core.MeetingRecord, error) {
	if !g.breaker.Allow() {
		return core.MeetingRecord{}, core.ErrDegraded
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	rec, err := g.inner.LoadMeeting(ctx, id)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		g.breaker.Failure()
		return core.MeetingRecord{}, err
	}
	g.breaker.Success()
	return rec, err
}

func (g *GuardedStore) ListMeetings(ctx context.Context) ([]domain.MeetingID, error) {
	return call(g, ctx, func(ctx context.Context) ([]domain.MeetingID, error) {
		return g.inner.ListMeetings(ctx)
	})
}

func (g *GuardedStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := call(g, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.Put(ctx, key, value, ttl)
	})
	return err
}

func (g *GuardedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	type pair struct {
		v  []byte
		ok bool
	}
	p, err := call(g, ctx, func(ctx context.Context) (pair, error) {
		v, ok, err := g.inner.Get(ctx, key)
		return pair{v, ok}, err
	})
	return p.v, p.ok, err
}

func (g *GuardedStore) CheckAndClear(ctx context.Context, key string) (bool, error) {
	return call(g, ctx, func(ctx context.Context) (bool, error) {
		return g.inner.CheckAndClear(ctx, key)
	})
}

func (g *GuardedStore) Close() error { return g.inner.Close() }
