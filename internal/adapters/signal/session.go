package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conclave/internal/app"
	"github.com/dkeye/Conclave/internal/app/binding"
	"github.com/dkeye/Conclave/internal/app/meeting"
	"github.com/dkeye/Conclave/internal/core"
	"github.com/dkeye/Conclave/internal/domain"
	"github.com/dkeye/Conclave/internal/metrics"
)

// maxAuthFailures closes the connection after repeated rejected join
// attempts. The client can open a fresh connection and start over.
const maxAuthFailures = 2

type sessionState int

const (
	stateConnecting sessionState = iota
	stateAuthenticating
	stateAttached
	stateClosed
	stateFailed
)

// Handler terminates signaling WebSockets and drives the per-connection
// session state machine.
type Handler struct {
	control  *app.Controller
	binder   *binding.Service
	verifier core.IdentityVerifier
	limiter  *RateLimiter

	readLimit  int64
	pingPeriod time.Duration
}

func NewHandler(control *app.Controller, binder *binding.Service, verifier core.IdentityVerifier, limiter *RateLimiter, readLimit int64, pingPeriod time.Duration) *Handler {
	return &Handler{
		control:    control,
		binder:     binder,
		verifier:   verifier,
		limiter:    limiter,
		readLimit:  readLimit,
		pingPeriod: pingPeriod,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// session is single-goroutine state: only readPump touches it.
type session struct {
	h    *Handler
	conn *Conn

	state        sessionState
	authFailures int

	remoteAddr    string
	subject       string
	meetingID     domain.MeetingID
	participantID domain.ParticipantID
	prefs         domain.Preferences
	actor         *meeting.Actor
}

func (h *Handler) HandleSignal(c *gin.Context) {
	// A draining instance refuses new connections before the upgrade;
	// clients reattach to another coordinator via session binding.
	if h.control.Status() == app.StatusDraining {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "draining"})
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "adapters.signal").
		Str("remote", c.ClientIP()).
		Msg("new signaling connection")

	conn := NewConn(ws, h.readLimit, h.pingPeriod)
	s := &session{h: h, conn: conn, state: stateConnecting, remoteAddr: c.ClientIP()}

	metrics.ConnectionsActive.Inc()
	ctx, cancel := context.WithCancel(c.Request.Context())
	go func() {
		defer cancel()
		conn.writePump(ctx)
	}()
	go func() {
		defer cancel()
		defer metrics.ConnectionsActive.Dec()
		s.readPump(ctx)
	}()
}

func (s *session) readPump(ctx context.Context) {
	defer func() {
		// A fault here is contained to this connection; the participant
		// stays eligible for reconnect and the meeting actor is untouched.
		if r := recover(); r != nil {
			log.Error().Str("module", "adapters.signal").
				Str("remote", s.remoteAddr).
				Any("panic", r).
				Msg("connection handler panic")
		}
		s.conn.Close()
		s.detach()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := s.conn.conn.ReadMessage()
			if err != nil {
				return
			}
			s.dispatch(ctx, data)
			if s.state == stateClosed || s.state == stateFailed {
				return
			}
		}
	}
}

func (s *session) dispatch(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "adapters.signal").Msg("bad json, closing")
		s.state = stateFailed
		return
	}

	switch env.Type {
	case "join":
		s.handleJoin(ctx, data)
	case "leave":
		s.handleLeave(ctx)
	case "mute":
		s.handleMute(ctx, data)
	case "layout":
		s.handleLayout(ctx, data)
	case "publish":
		s.handlePublish(ctx, data)
	case "ping":
		s.sendJSON(pongReply{Type: "pong"})
	case "whoami":
		s.sendJSON(whoamiReply{
			Type:          "whoami",
			Subject:       s.subject,
			MeetingID:     s.meetingID,
			ParticipantID: s.participantID,
		})
	default:
		log.Warn().Str("module", "adapters.signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (s *session) handleJoin(ctx context.Context, data []byte) {
	if s.state == stateAttached {
		// A second join on a live session is a protocol violation.
		s.sendError("already_attached")
		s.state = stateFailed
		return
	}
	var req joinRequest
	if err := json.Unmarshal(data, &req); err != nil || req.MeetingID == "" {
		s.sendError("bad_request")
		s.state = stateFailed
		return
	}
	if !s.h.limiter.Allow(s.remoteAddr) {
		s.sendError("rate_limited")
		s.authFailure()
		return
	}
	s.state = stateAuthenticating

	reconnect := req.CorrelationID != ""
	var (
		b   domain.Binding
		err error
	)
	if reconnect {
		b, err = s.h.binder.ValidateAndRotate(ctx, req.MeetingID, req.CorrelationID, req.ParticipantID, req.Nonce, req.Token)
	} else {
		var identity core.Identity
		identity, err = s.h.verifier.Verify(ctx, req.Token)
		if err == nil {
			b, err = s.h.binder.Issue(ctx, req.MeetingID, identity)
		}
	}
	if err != nil {
		// A rejected binding means "you are a stranger": the client may
		// retry as a fresh joiner on this same connection.
		s.sendError(errorCode(err))
		s.authFailure()
		return
	}

	actor, err := s.h.control.GetOrAttach(ctx, req.MeetingID)
	if err != nil {
		s.sendError(errorCode(err))
		s.authFailure()
		return
	}
	res, err := actor.Join(ctx, b, b.Subject, reconnect, s.conn)
	if err != nil {
		s.sendError(errorCode(err))
		s.authFailure()
		return
	}

	s.state = stateAttached
	s.authFailures = 0
	s.meetingID = req.MeetingID
	s.participantID = res.Participant.ID
	s.prefs = res.Participant.Prefs
	s.subject = res.Participant.Subject
	s.actor = actor

	s.sendJSON(welcome{
		Type:          "welcome",
		MeetingID:     req.MeetingID,
		CorrelationID: b.CorrelationID,
		ParticipantID: b.ParticipantID,
		Nonce:         b.Nonce,
		ExpiresAt:     b.ExpiresAt,
		Restored:      res.Restored,
		Primary:       res.Participant.Primary,
		Backup:        res.Participant.Backup,
	})
}

func (s *session) handleLeave(ctx context.Context) {
	if s.state != stateAttached {
		s.sendError("not_attached")
		return
	}
	if err := s.actor.Leave(ctx, s.participantID); err != nil {
		s.sendError(errorCode(err))
		return
	}
	s.actor = nil
	s.state = stateClosed
}

func (s *session) handleMute(ctx context.Context, data []byte) {
	var req muteRequest
	if !s.attachedAndParsed(data, &req) {
		return
	}
	prefs := s.prefs
	prefs.Mute = req.Mute
	if err := s.actor.SetPreferences(ctx, s.participantID, prefs); err != nil {
		s.sendError(errorCode(err))
		return
	}
	s.prefs = prefs
}

func (s *session) handleLayout(ctx context.Context, data []byte) {
	var req layoutRequest
	if !s.attachedAndParsed(data, &req) {
		return
	}
	if len(req.Layout) > domain.MaxLayoutLen {
		s.sendError("bad_request")
		return
	}
	prefs := s.prefs
	prefs.Layout = req.Layout
	if err := s.actor.SetPreferences(ctx, s.participantID, prefs); err != nil {
		s.sendError(errorCode(err))
		return
	}
	s.prefs = prefs
}

func (s *session) handlePublish(ctx context.Context, data []byte) {
	var req publishRequest
	if !s.attachedAndParsed(data, &req) {
		return
	}
	if err := s.actor.SetStreams(ctx, s.participantID, req.Streams); err != nil {
		s.sendError(errorCode(err))
	}
}

func (s *session) attachedAndParsed(data []byte, v any) bool {
	if s.state != stateAttached {
		s.sendError("not_attached")
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.sendError("bad_request")
		return false
	}
	return true
}

func (s *session) authFailure() {
	s.authFailures++
	if s.authFailures >= maxAuthFailures {
		log.Warn().Str("module", "adapters.signal").
			Str("remote", s.remoteAddr).
			Msg("auth failures exhausted, closing")
		s.state = stateFailed
	} else {
		s.state = stateConnecting
	}
}

// detach tells the actor its participant went away. The participant
// stays in the roster, ready for a session-binding reconnect.
func (s *session) detach() {
	if s.actor != nil && s.participantID != "" {
		s.actor.ConnClosed(s.participantID)
	}
}

func (s *session) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("sendJSON marshal")
		return
	}
	_ = s.conn.TrySend(b)
}

func (s *session) sendError(code string) {
	s.sendJSON(errorReply{Type: "error", Code: code})
}

// errorCode maps internal errors onto stable wire codes. Binding
// rejections collapse onto one code: the client learns it must join
// fresh, never why the nonce was refused.
func errorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrExpiredBinding),
		errors.Is(err, core.ErrNonceMismatch),
		errors.Is(err, core.ErrNonceAlreadyConsumed),
		errors.Is(err, core.ErrUnknownBinding):
		return "binding_rejected"
	case errors.Is(err, core.ErrIdentityMismatch):
		return "unauthorized"
	case errors.Is(err, core.ErrDegraded):
		return "degraded"
	case errors.Is(err, core.ErrDraining):
		return "draining"
	case errors.Is(err, core.ErrMeetingEnded):
		return "meeting_ended"
	case errors.Is(err, core.ErrFenced):
		return "retry"
	case errors.Is(err, app.ErrQuarantined):
		return "unavailable"
	default:
		return "internal"
	}
}
