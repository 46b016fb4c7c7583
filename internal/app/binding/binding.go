// Package binding implements the session-binding protocol: one-time
// rotating nonces that prove a reconnecting client owns a prior
// session. Nonces are keyed hashes under a per-meeting key derived from
// the master secret, so a leaked meeting key never crosses meetings.
package binding

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/hkdf"

	"github.com/dkeye/Conclave/internal/core"
	"github.com/dkeye/Conclave/internal/domain"
	"github.com/dkeye/Conclave/internal/metrics"
)

const keyInfo = "conclave/session-binding/v1"

// record is the durable binding state, stored under binding/<meeting>/<corr>.
type record struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Subject       string               `json:"subject"`
	Nonce         string               `json:"nonce"`
	Counter       uint64               `json:"counter"`
	ExpiresAt     time.Time            `json:"expires_at"`
}

type Service struct {
	store    core.Store
	verifier core.IdentityVerifier
	master   []byte
	ttl      time.Duration

	// consumed remembers recently cleared nonces for a short grace
	// window so an in-flight duplicate reconnect is told "already
	// consumed" instead of being mistaken for a forgery.
	consumed *gocache.Cache

	now func() time.Time
}

func NewService(store core.Store, verifier core.IdentityVerifier, masterSecret []byte, ttl, grace time.Duration) *Service {
	return &Service{
		store:    store,
		verifier: verifier,
		master:   masterSecret,
		ttl:      ttl,
		consumed: gocache.New(grace, 2*grace),
		now:      time.Now,
	}
}

// Issue mints a fresh binding for a first join. The correlation id is
// server-generated and time-ordered; it is never accepted from the
// client.
func (s *Service) Issue(ctx context.Context, meetingID domain.MeetingID, identity core.Identity) (domain.Binding, error) {
	corrID := domain.CorrelationID(uuid.Must(uuid.NewV7()).String())
	participantID := domain.ParticipantID(uuid.NewString())

	b, err := s.mint(ctx, meetingID, corrID, participantID, identity.Subject, 1)
	if err != nil {
		return domain.Binding{}, err
	}
	log.Info().Str("module", "app.binding").
		Str("meeting", string(meetingID)).
		Str("corr", string(corrID)).
		Str("participant", string(participantID)).
		Msg("binding issued")
	return b, nil
}

// ValidateAndRotate checks a presented binding and, on success,
// invalidates the old nonce and returns a rotated one. Every failure
// maps to "treat as new join"; there is no partial trust.
func (s *Service) ValidateAndRotate(
	ctx context.Context,
	meetingID domain.MeetingID,
	corrID domain.CorrelationID,
	participantID domain.ParticipantID,
	presentedNonce string,
	identityToken string,
) (domain.Binding, error) {
	b, err := s.validateAndRotate(ctx, meetingID, corrID, participantID, presentedNonce, identityToken)
	s.audit(meetingID, corrID, participantID, err)
	return b, err
}

func (s *Service) validateAndRotate(
	ctx context.Context,
	meetingID domain.MeetingID,
	corrID domain.CorrelationID,
	participantID domain.ParticipantID,
	presentedNonce string,
	identityToken string,
) (domain.Binding, error) {
	identity, err := s.verifier.Verify(ctx, identityToken)
	if err != nil {
		return domain.Binding{}, fmt.Errorf("%w: %v", core.ErrIdentityMismatch, err)
	}

	raw, ok, err := s.store.Get(ctx, bindingKey(meetingID, corrID))
	if err != nil {
		return domain.Binding{}, err
	}
	if !ok {
		return domain.Binding{}, core.ErrUnknownBinding
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.Binding{}, err
	}

	if rec.ParticipantID != participantID {
		return domain.Binding{}, core.ErrUnknownBinding
	}
	if identity.Subject != rec.Subject {
		return domain.Binding{}, core.ErrIdentityMismatch
	}
	if s.now().After(rec.ExpiresAt) {
		return domain.Binding{}, core.ErrExpiredBinding
	}
	if subtle.ConstantTimeCompare([]byte(presentedNonce), []byte(rec.Nonce)) != 1 {
		if _, hit := s.consumed.Get(nonceKey(meetingID, corrID, presentedNonce)); hit {
			return domain.Binding{}, core.ErrNonceAlreadyConsumed
		}
		return domain.Binding{}, core.ErrNonceMismatch
	}

	// One-time use: exactly one of any concurrent duplicate reconnects
	// clears the marker and wins rotation.
	cleared, err := s.store.CheckAndClear(ctx, nonceKey(meetingID, corrID, rec.Nonce))
	if err != nil {
		return domain.Binding{}, err
	}
	if !cleared {
		return domain.Binding{}, core.ErrNonceAlreadyConsumed
	}
	s.consumed.SetDefault(nonceKey(meetingID, corrID, rec.Nonce), struct{}{})

	return s.mint(ctx, meetingID, corrID, participantID, rec.Subject, rec.Counter+1)
}

func (s *Service) mint(
	ctx context.Context,
	meetingID domain.MeetingID,
	corrID domain.CorrelationID,
	participantID domain.ParticipantID,
	subject string,
	counter uint64,
) (domain.Binding, error) {
	nonce, err := s.nonce(meetingID, corrID, participantID, counter)
	if err != nil {
		return domain.Binding{}, err
	}
	expires := s.now().Add(s.ttl)

	raw, err := json.Marshal(record{
		ParticipantID: participantID,
		Subject:       subject,
		Nonce:         nonce,
		Counter:       counter,
		ExpiresAt:     expires,
	})
	if err != nil {
		return domain.Binding{}, err
	}
	if err := s.store.Put(ctx, bindingKey(meetingID, corrID), raw, s.ttl); err != nil {
		return domain.Binding{}, err
	}
	if err := s.store.Put(ctx, nonceKey(meetingID, corrID, nonce), []byte{1}, s.ttl); err != nil {
		return domain.Binding{}, err
	}

	return domain.Binding{
		CorrelationID: corrID,
		ParticipantID: participantID,
		Subject:       subject,
		Nonce:         nonce,
		ExpiresAt:     expires,
	}, nil
}

// nonce computes the keyed hash over (correlation id, participant id,
// counter) under the per-meeting key.
func (s *Service) nonce(meetingID domain.MeetingID, corrID domain.CorrelationID, participantID domain.ParticipantID, counter uint64) (string, error) {
	key, err := s.meetingKey(meetingID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(corrID))
	mac.Write([]byte{0})
	mac.Write([]byte(participantID))
	mac.Write([]byte{0})
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	mac.Write(buf[:])
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// meetingKey derives a per-meeting key from the master secret. Salt is
// the meeting id, so compromise of one meeting key does not affect
// another, and rotating the master secret does not require touching
// stored bindings (they expire within seconds anyway).
func (s *Service) meetingKey(meetingID domain.MeetingID) ([]byte, error) {
	if len(s.master) == 0 {
		return nil, errors.New("binding master secret is empty")
	}
	r := hkdf.New(sha256.New, s.master, []byte(meetingID), []byte(keyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// audit emits the observability event for a validation attempt. Ids
// only, never participant content.
func (s *Service) audit(meetingID domain.MeetingID, corrID domain.CorrelationID, participantID domain.ParticipantID, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, core.ErrExpiredBinding):
		outcome = "expired"
	case errors.Is(err, core.ErrNonceMismatch):
		outcome = "nonce_mismatch"
	case errors.Is(err, core.ErrIdentityMismatch):
		outcome = "identity_mismatch"
	case errors.Is(err, core.ErrNonceAlreadyConsumed):
		outcome = "consumed"
	case errors.Is(err, core.ErrUnknownBinding):
		outcome = "unknown"
	default:
		outcome = "error"
	}
	metrics.NonceValidations.WithLabelValues(outcome).Inc()

	ev := log.Info()
	if err != nil {
		ev = log.Warn()
	}
	ev.Str("module", "app.binding").
		Str("meeting", string(meetingID)).
		Str("corr", string(corrID)).
		Str("participant", string(participantID)).
		Str("outcome", outcome).
		Msg("binding validation")
}

func bindingKey(m domain.MeetingID, c domain.CorrelationID) string {
	return fmt.Sprintf("binding/%s/%s", m, c)
}

func nonceKey(m domain.MeetingID, c domain.CorrelationID, nonce string) string {
	return fmt.Sprintf("nonce/%s/%s/%s", m, c, nonce)
}
