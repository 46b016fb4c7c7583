package core

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Conclave/internal/domain"
)

var ErrNotFound = errors.New("not found")

// MeetingRecord is the durable projection of one meeting plus its
// fencing record.
type MeetingRecord struct {
	State      []byte
	Generation uint64
	Owner      domain.InstanceID
}

// FencedResult reports the outcome of an atomic fenced write. When
// Committed is true, Generation is the newly stored generation;
// otherwise it is the stored generation that fenced the caller out.
type FencedResult struct {
	Committed  bool
	Generation uint64
}

// Store is the shared low-latency store consumed by the coordinator.
// The only contract the coordinator depends on is per-key atomicity of
// FencedWrite and CheckAndClear; no multi-key transactions are assumed.
type Store interface {
	// FencedWrite compares expected against the stored generation for the
	// meeting. If expected >= stored, it installs state, advances the
	// stored generation to expected+1 and records owner — all atomically.
	// Otherwise nothing changes and the caller is fenced out.
	FencedWrite(ctx context.Context, id domain.MeetingID, expected uint64, owner domain.InstanceID, state []byte) (FencedResult, error)

	// LoadMeeting returns the durable projection, or ErrNotFound.
	LoadMeeting(ctx context.Context, id domain.MeetingID) (MeetingRecord, error)

	// ListMeetings returns ids of all stored, not-yet-expired meetings.
	ListMeetings(ctx context.Context) ([]domain.MeetingID, error)

	// Put stores an opaque value under key with a TTL. Used for bindings
	// and nonce markers.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value under key if present and not expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// CheckAndClear atomically removes key, reporting whether it existed.
	// This is the one-time-use primitive for binding nonces.
	CheckAndClear(ctx context.Context, key string) (bool, error)

	Close() error
}
