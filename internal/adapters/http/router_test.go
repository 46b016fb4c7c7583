package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Conclave/internal/adapters/signal"
	"github.com/dkeye/Conclave/internal/app"
	"github.com/dkeye/Conclave/internal/app/binding"
	"github.com/dkeye/Conclave/internal/app/fencing"
	"github.com/dkeye/Conclave/internal/app/meeting"
	"github.com/dkeye/Conclave/internal/app/mh"
	"github.com/dkeye/Conclave/internal/app/quorum"
	"github.com/dkeye/Conclave/internal/config"
	"github.com/dkeye/Conclave/internal/core"
	"github.com/dkeye/Conclave/internal/domain"
	"github.com/dkeye/Conclave/internal/storage/memstore"
)

type noopVerifier struct{}

func (noopVerifier) Verify(context.Context, string) (core.Identity, error) {
	return core.Identity{Subject: "tester"}, nil
}

func newTestRouter(t *testing.T) (*Deps, *memstore.Store, http.Handler) {
	t.Helper()
	store := memstore.New()
	coord := fencing.NewCoordinator(store, "inst-1")
	reg := mh.NewRegistry(time.Second, 2, 3)

	control := app.NewController(app.ControllerDeps{
		Coordinator:   coord,
		Loader:        meeting.NewLoader(coord),
		Selector:      mh.NewSelector(reg),
		EndGrace:      time.Minute,
		RestartLimit:  3,
		RestartWindow: time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go control.Run(ctx)
	t.Cleanup(cancel)

	verifier := noopVerifier{}
	binder := binding.NewService(store, verifier, []byte("secret"), time.Minute, time.Second)
	tracker := quorum.NewTracker(10*time.Second, control.MeetingSize, nil)

	deps := &Deps{
		Cfg:      &config.Config{Mode: "release", Drain: config.DrainConfig{Grace: time.Second}},
		Control:  control,
		Signal:   signal.NewHandler(control, binder, verifier, signal.NewRateLimiter(100, time.Minute), 0, 0),
		Registry: reg,
		Quorum:   tracker,
	}
	return deps, store, SetupRouter(*deps)
}

func seedMeeting(t *testing.T, store *memstore.Store, id domain.MeetingID, owner domain.InstanceID, participants int) {
	t.Helper()
	m := domain.NewMeeting(id)
	for i := 0; i < participants; i++ {
		pid := domain.ParticipantID(fmt.Sprintf("p%d", i+1))
		m.Participants[pid] = &domain.Participant{ID: pid}
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	res, err := store.FencedWrite(context.Background(), id, 0, owner, raw)
	require.NoError(t, err)
	require.True(t, res.Committed)
}

func doJSON(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	_, _, r := newTestRouter(t)
	w := doJSON(r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyzReflectsDrain(t *testing.T) {
	deps, _, r := newTestRouter(t)

	w := doJSON(r, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")

	deps.Control.Drain(time.Millisecond)
	w = doJSON(r, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "draining")
}

func TestHeartbeatRegistersNode(t *testing.T) {
	deps, _, r := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/api/v1/mh/heartbeat",
		`{"mh_id":"mh-1","failure_domain":"dom-a","addr":"10.0.0.1:9000","load":0.4}`)
	require.Equal(t, http.StatusOK, w.Code)

	nodes := deps.Registry.Snapshot()
	require.Len(t, nodes, 1)
	assert.Equal(t, domain.MHID("mh-1"), nodes[0].ID)
	assert.Equal(t, domain.MHHealthy, nodes[0].Health)
}

func TestHeartbeatValidation(t *testing.T) {
	_, _, r := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/api/v1/mh/heartbeat", `{"mh_id":"mh-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/mh/heartbeat",
		`{"mh_id":"mh-1","failure_domain":"dom-a","addr":"10.0.0.1:9000","load":1.5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnreachableReportAccepted(t *testing.T) {
	_, store, r := newTestRouter(t)
	seedMeeting(t, store, "m1", "inst-x", 5)

	// One report against a 5-participant meeting is far from a quorum.
	w := doJSON(r, http.MethodPost, "/api/v1/unreachable",
		`{"suspect_instance":"inst-x","meeting_id":"m1","participant_id":"p1"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"quorum_reached":false`)
	assert.Contains(t, w.Body.String(), `"pending":1`)

	w = doJSON(r, http.MethodPost, "/api/v1/unreachable", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnreachableQuorumSizedFromStore(t *testing.T) {
	// The meeting is not hosted here; the denominator comes from the
	// durable projection, so 3 of 5 distinct reporters are required.
	_, store, r := newTestRouter(t)
	seedMeeting(t, store, "m1", "inst-x", 5)

	for i, want := range []bool{false, false, true} {
		w := doJSON(r, http.MethodPost, "/api/v1/unreachable",
			fmt.Sprintf(`{"suspect_instance":"inst-x","meeting_id":"m1","participant_id":"p%d"}`, i+1))
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Contains(t, w.Body.String(), fmt.Sprintf(`"quorum_reached":%t`, want), "report %d", i+1)
	}
}

func TestUnreachableUnknownMeetingRejected(t *testing.T) {
	_, _, r := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/api/v1/unreachable",
		`{"suspect_instance":"inst-x","meeting_id":"ghost","participant_id":"p1"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "unknown meeting")
}

func TestUnreachableEmptyMeetingRejected(t *testing.T) {
	_, store, r := newTestRouter(t)
	seedMeeting(t, store, "m1", "inst-x", 0)

	w := doJSON(r, http.MethodPost, "/api/v1/unreachable",
		`{"suspect_instance":"inst-x","meeting_id":"m1","participant_id":"p1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAdminDrain(t *testing.T) {
	deps, _, r := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/admin/drain", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	assert.Eventually(t, func() bool {
		return deps.Control.Status() == app.StatusDraining
	}, time.Second, 5*time.Millisecond)
}

func TestSignalRejectedWhileDraining(t *testing.T) {
	deps, _, r := newTestRouter(t)
	deps.Control.Drain(time.Millisecond)

	w := doJSON(r, http.MethodGet, "/api/v1/ws/signal", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "draining")
}

func TestAdminTakeover(t *testing.T) {
	_, _, r := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/admin/takeover", `{"instance":"inst-dead"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"taken":0`)

	w = doJSON(r, http.MethodPost, "/admin/takeover", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminClearQuarantineNotFound(t *testing.T) {
	_, _, r := newTestRouter(t)
	w := doJSON(r, http.MethodPost, "/admin/quarantine/clear", `{"meeting_id":"m1"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsExposed(t *testing.T) {
	_, _, r := newTestRouter(t)
	w := doJSON(r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "conclave_")
}
