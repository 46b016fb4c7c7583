// Package memstore is the in-memory reference implementation of
// core.Store. It backs development setups and tests; production
// deployments use the sqlite store. All operations are atomic under a
// single mutex, which is exactly the atomicity contract the fencing
// script requires.
package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Conclave/internal/core"
	"github.com/dkeye/Conclave/internal/domain"
)

var errWriteFault = errors.New("memstore: injected write fault")

type meetingRow struct {
	state      []byte
	generation uint64
	owner      domain.InstanceID
}

type kvRow struct {
	value     []byte
	expiresAt time.Time
}

type Store struct {
	mu       sync.Mutex
	meetings map[domain.MeetingID]*meetingRow
	kv       map[string]kvRow

	failWrites bool

	// now is swappable for TTL tests.
	now func() time.Time
}

var _ core.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		meetings: make(map[domain.MeetingID]*meetingRow),
		kv:       make(map[string]kvRow),
		now:      time.Now,
	}
}

func (s *Store) FencedWrite(ctx context.Context, id domain.MeetingID, expected uint64, owner domain.InstanceID, state []byte) (core.FencedResult, error) {
	if err := ctx.Err(); err != nil {
		return core.FencedResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrites {
		return core.FencedResult{}, errWriteFault
	}
	row, ok := s.meetings[id]
	if !ok {
		row = &meetingRow{}
		s.meetings[id] = row
	}
	if expected < row.generation {
		return core.FencedResult{Committed: false, Generation: row.generation}, nil
	}
	row.state = append([]byte(nil), state...)
	row.generation = expected + 1
	row.owner = owner
	return core.FencedResult{Committed: true, Generation: row.generation}, nil
}

func (s *Store) LoadMeeting(ctx context.Context, id domain.MeetingID) (core.MeetingRecord, error) {
	if err := ctx.Err(); err != nil {
		return core.MeetingRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.meetings[id]
	if !ok {
		return core.MeetingRecord{}, core.ErrNotFound
	}
	return core.MeetingRecord{
		State:      append([]byte(nil), row.state...),
		Generation: row.generation,
		Owner:      row.owner,
	}, nil
}

func (s *Store) ListMeetings(ctx context.Context) ([]domain.MeetingID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.MeetingID, 0, len(s.meetings))
	for id := range s.meetings {
		out = append(out, id)
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.kv[key] = kvRow{
		value:     append([]byte(nil), value...),
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.kv[key]
	if !ok {
		return nil, false, nil
	}
	if s.now().After(row.expiresAt) {
		delete(s.kv, key)
		return nil, false, nil
	}
	return append([]byte(nil), row.value...), true, nil
}

func (s *Store) CheckAndClear(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.kv[key]
	if !ok {
		return false, nil
	}
	delete(s.kv, key)
	if s.now().After(row.expiresAt) {
		return false, nil
	}
	return true, nil
}

func (s *Store) Close() error { return nil }

// FailWrites toggles fault injection for FencedWrite. Test hook.
func (s *Store) FailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = fail
}

// SetClock overrides the store clock. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
