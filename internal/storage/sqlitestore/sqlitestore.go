// Package sqlitestore is a durable core.Store backed by SQLite. The
// fencing script runs as a single transaction, which gives the same
// per-key atomicity the coordinator gets from an in-memory store or a
// scripted key-value store.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dkeye/Conclave/internal/core"
	"github.com/dkeye/Conclave/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS meetings (
	id         TEXT PRIMARY KEY,
	generation INTEGER NOT NULL,
	owner      TEXT NOT NULL,
	state      BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
`

type Store struct {
	db *sql.DB
}

var _ core.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY between the
	// fencing transactions issued by concurrent meeting actors.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) FencedWrite(ctx context.Context, id domain.MeetingID, expected uint64, owner domain.InstanceID, state []byte) (core.FencedResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.FencedResult{}, err
	}
	defer tx.Rollback()

	var stored int64
	err = tx.QueryRowContext(ctx,
		`SELECT generation FROM meetings WHERE id = ?`, string(id)).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		stored = 0
	case err != nil:
		return core.FencedResult{}, err
	}

	if expected < uint64(stored) {
		return core.FencedResult{Committed: false, Generation: uint64(stored)}, nil
	}

	next := int64(expected) + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO meetings (id, generation, owner, state) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET generation = ?, owner = ?, state = ?`,
		string(id), next, string(owner), state,
		next, string(owner), state)
	if err != nil {
		return core.FencedResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.FencedResult{}, err
	}
	return core.FencedResult{Committed: true, Generation: uint64(next)}, nil
}

func (s *Store) LoadMeeting(ctx context.Context, id domain.MeetingID) (core.MeetingRecord, error) {
	var (
		gen   int64
		owner string
		state []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT generation, owner, state FROM meetings WHERE id = ?`, string(id)).
		Scan(&gen, &owner, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return core.MeetingRecord{}, core.ErrNotFound
	}
	if err != nil {
		return core.MeetingRecord{}, err
	}
	return core.MeetingRecord{
		State:      state,
		Generation: uint64(gen),
		Owner:      domain.InstanceID(owner),
	}, nil
}

func (s *Store) ListMeetings(ctx context.Context) ([]domain.MeetingID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM meetings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MeetingID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, domain.MeetingID(id))
	}
	return out, rows.Err()
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now().UnixMilli()
	// Lazy purge keeps the table bounded without a sweeper goroutine.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at <= ?`, now); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = ?, expires_at = ?`,
		key, value, now+ttl.Milliseconds(),
		value, now+ttl.Milliseconds())
	return err
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND expires_at > ?`,
		key, time.Now().UnixMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) CheckAndClear(ctx context.Context, key string) (bool, error) {
	// One statement, so the check and the clear cannot interleave with a
	// concurrent consumer.
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE key = ? AND expires_at > ?`,
		key, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Close() error { return s.db.Close() }
