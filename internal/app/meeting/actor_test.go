package meeting

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Conclave/internal/app/fencing"
	"github.com/dkeye/Conclave/internal/app/mh"
	"github.com/dkeye/Conclave/internal/core"
	"github.com/dkeye/Conclave/internal/domain"
	"github.com/dkeye/Conclave/internal/storage/memstore"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
	refuse bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse {
		return core.ErrDraining
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) events(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type recordingPusher struct {
	mu     sync.Mutex
	pushes []core.RoutingTable
}

func (p *recordingPusher) Push(_ context.Context, _ domain.MHAssignment, t core.RoutingTable) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, t)
	return nil
}

type harness struct {
	store  *memstore.Store
	actor  *Actor
	faults chan Fault
	reg    *mh.Registry
	cancel context.CancelFunc
	done   chan struct{}
}

func newHarness(t *testing.T, instance domain.InstanceID) *harness {
	t.Helper()
	store := memstore.New()
	reg := mh.NewRegistry(time.Second, 2, 3)
	reg.ReportHeartbeat("mh-a", "dom-a", "10.0.0.1:9000", 0.1)
	reg.ReportHeartbeat("mh-b", "dom-b", "10.0.0.2:9000", 0.2)

	faults := make(chan Fault, 4)
	actor := New("m1", 0, nil, Deps{
		Fencing:  fencing.NewCoordinator(store, instance),
		Selector: mh.NewSelector(reg),
		Pusher:   &recordingPusher{},
		Faults:   faults,
		EndGrace: 30 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		actor.Run(ctx)
	}()
	t.Cleanup(cancel)
	return &harness{store: store, actor: actor, faults: faults, reg: reg, cancel: cancel, done: done}
}

func binding(cid domain.CorrelationID, pid domain.ParticipantID) domain.Binding {
	return domain.Binding{CorrelationID: cid, ParticipantID: pid}
}

func TestJoinCommitsRosterBeforeAck(t *testing.T) {
	h := newHarness(t, "inst-1")
	ctx := context.Background()

	conn := &fakeConn{}
	res, err := h.actor.Join(ctx, binding("c1", "p1"), "alice", false, conn)
	require.NoError(t, err)
	assert.False(t, res.Restored)
	assert.Equal(t, domain.ParticipantID("p1"), res.Participant.ID)
	require.NotNil(t, res.Participant.Primary)
	require.NotNil(t, res.Participant.Backup)
	assert.NotEqual(t, res.Participant.Primary.Domain, res.Participant.Backup.Domain)

	// The ack implies the roster is durable at generation 1.
	rec, err := h.store.LoadMeeting(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Generation)
	var m domain.Meeting
	require.NoError(t, json.Unmarshal(rec.State, &m))
	assert.Contains(t, m.Participants, domain.ParticipantID("p1"))
}

func TestReconnectRestoresStateWithoutWrite(t *testing.T) {
	h := newHarness(t, "inst-1")
	ctx := context.Background()

	first, err := h.actor.Join(ctx, binding("c1", "p1"), "alice", false, &fakeConn{})
	require.NoError(t, err)
	require.NoError(t, h.actor.SetPreferences(ctx, "p1", domain.Preferences{Mute: true}))

	rec, err := h.store.LoadMeeting(ctx, "m1")
	require.NoError(t, err)
	genBefore := rec.Generation

	conn2 := &fakeConn{}
	res, err := h.actor.Join(ctx, binding("c1", "p1"), "alice", true, conn2)
	require.NoError(t, err)
	assert.True(t, res.Restored)
	assert.Equal(t, first.Participant.ID, res.Participant.ID)
	assert.True(t, res.Participant.Prefs.Mute, "preferences survive reconnect")

	rec, err = h.store.LoadMeeting(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, genBefore, rec.Generation, "reconnect must not spend a generation")
}

func TestReconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, "inst-1")
	ctx := context.Background()

	_, err := h.actor.Join(ctx, binding("c1", "p1"), "alice", false, &fakeConn{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := h.actor.Join(ctx, binding("c1", "p1"), "alice", true, &fakeConn{})
		require.NoError(t, err)
		assert.True(t, res.Restored)
	}
	snap, _, _, err := h.actor.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Participants, 1)
}

func TestLeaveThenEmptyRosterEndsAfterGrace(t *testing.T) {
	h := newHarness(t, "inst-1")
	ctx := context.Background()

	_, err := h.actor.Join(ctx, binding("c1", "p1"), "alice", false, &fakeConn{})
	require.NoError(t, err)
	require.NoError(t, h.actor.Leave(ctx, "p1"))

	select {
	case f := <-h.faults:
		assert.Equal(t, FaultEnded, f.Kind)
	case <-time.After(time.Second):
		t.Fatal("meeting did not end after grace period")
	}

	rec, err := h.store.LoadMeeting(ctx, "m1")
	require.NoError(t, err)
	var m domain.Meeting
	require.NoError(t, json.Unmarshal(rec.State, &m))
	assert.True(t, m.Ended)
}

func TestRejoinWithinGraceCancelsEnd(t *testing.T) {
	h := newHarness(t, "inst-1")
	ctx := context.Background()

	_, err := h.actor.Join(ctx, binding("c1", "p1"), "alice", false, &fakeConn{})
	require.NoError(t, err)
	require.NoError(t, h.actor.Leave(ctx, "p1"))

	_, err = h.actor.Join(ctx, binding("c2", "p2"), "bob", false, &fakeConn{})
	require.NoError(t, err)

	select {
	case f := <-h.faults:
		t.Fatalf("meeting ended despite rejoin: %v", f.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFencedOutTearsDown(t *testing.T) {
	h := newHarness(t, "inst-1")
	ctx := context.Background()

	conn := &fakeConn{}
	_, err := h.actor.Join(ctx, binding("c1", "p1"), "alice", false, conn)
	require.NoError(t, err)

	// Another instance takes over the meeting at a higher generation.
	rec, err := h.store.LoadMeeting(ctx, "m1")
	require.NoError(t, err)
	res, err := h.store.FencedWrite(ctx, "m1", rec.Generation, "inst-2", rec.State)
	require.NoError(t, err)
	require.True(t, res.Committed)

	err = h.actor.SetPreferences(ctx, "p1", domain.Preferences{Mute: true})
	assert.ErrorIs(t, err, core.ErrFenced)

	select {
	case f := <-h.faults:
		assert.Equal(t, FaultFencedOut, f.Kind)
	case <-time.After(time.Second):
		t.Fatal("no fault after fencing")
	}
	<-h.done

	assert.True(t, conn.isClosed(), "clients told to reconnect on fence")
	var sawBye bool
	for _, ev := range conn.events(t) {
		if ev["type"] == "bye" {
			sawBye = true
		}
	}
	assert.True(t, sawBye)

	// The winner's state stands untouched.
	after, err := h.store.LoadMeeting(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceID("inst-2"), after.Owner)
}

func TestSplitBrainExactlyOneWriterSurvives(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	seed, _ := json.Marshal(domain.NewMeeting("m1"))
	res, err := store.FencedWrite(ctx, "m1", 0, "seed", seed)
	require.NoError(t, err)
	gen := res.Generation

	// Two instances both believe they own generation gen.
	a, err := store.FencedWrite(ctx, "m1", gen, "inst-a", seed)
	require.NoError(t, err)
	b, err := store.FencedWrite(ctx, "m1", gen, "inst-b", seed)
	require.NoError(t, err)

	assert.True(t, a.Committed)
	assert.False(t, b.Committed, "second writer at the same generation is fenced")
}

func TestDegradedModeRefusesMutationsServesReads(t *testing.T) {
	h := newHarness(t, "inst-1")
	ctx := context.Background()

	_, err := h.actor.Join(ctx, binding("c1", "p1"), "alice", false, &fakeConn{})
	require.NoError(t, err)

	h.store.FailWrites(true)

	err = h.actor.SetPreferences(ctx, "p1", domain.Preferences{Mute: true})
	assert.ErrorIs(t, err, core.ErrDegraded)

	// Reads keep working from memory, and the failed mutation was
	// rolled back.
	snap, _, degraded, err := h.actor.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.False(t, snap.Participants["p1"].Prefs.Mute)

	// New joins are refused while degraded.
	_, err = h.actor.Join(ctx, binding("c2", "p2"), "bob", false, &fakeConn{})
	assert.ErrorIs(t, err, core.ErrDegraded)

	// Store recovers; the next mutation commits and clears the flag.
	h.store.FailWrites(false)
	require.NoError(t, h.actor.SetPreferences(ctx, "p1", domain.Preferences{Mute: true}))
	_, _, degraded, err = h.actor.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, degraded)
}

func TestMHFailoverPromotesBackup(t *testing.T) {
	h := newHarness(t, "inst-1")
	ctx := context.Background()

	conn := &fakeConn{}
	res, err := h.actor.Join(ctx, binding("c1", "p1"), "alice", false, conn)
	require.NoError(t, err)
	oldPrimary := res.Participant.Primary.MHID
	oldBackup := res.Participant.Backup.MHID

	h.actor.MHFailed(oldPrimary)

	// Synchronize on the mailbox by a round trip.
	snap, _, _, err := h.actor.Snapshot(ctx)
	require.NoError(t, err)
	p := snap.Participants["p1"]
	require.NotNil(t, p.Primary)
	assert.Equal(t, oldBackup, p.Primary.MHID, "backup promoted to primary")
	assert.NotEqual(t, oldPrimary, p.Primary.MHID)

	var sawRouting bool
	for _, ev := range conn.events(t) {
		if ev["type"] == "routing" {
			sawRouting = true
		}
	}
	assert.True(t, sawRouting, "client told about new assignment")
}

func TestSlowConsumerIsDropped(t *testing.T) {
	h := newHarness(t, "inst-1")
	ctx := context.Background()

	slow := &fakeConn{refuse: true}
	_, err := h.actor.Join(ctx, binding("c1", "p1"), "alice", false, slow)
	require.NoError(t, err)

	_, err = h.actor.Join(ctx, binding("c2", "p2"), "bob", false, &fakeConn{})
	require.NoError(t, err)

	assert.True(t, slow.isClosed(), "backpressured connection is dropped")

	// Roster state is unaffected; p1 may reconnect.
	snap, _, _, err := h.actor.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Participants, 2)
}

func TestEndBroadcastsByeAndReportsFault(t *testing.T) {
	h := newHarness(t, "inst-1")
	ctx := context.Background()

	conn := &fakeConn{}
	_, err := h.actor.Join(ctx, binding("c1", "p1"), "alice", false, conn)
	require.NoError(t, err)

	require.NoError(t, h.actor.End(ctx))
	select {
	case f := <-h.faults:
		assert.Equal(t, FaultEnded, f.Kind)
	case <-time.After(time.Second):
		t.Fatal("no fault after end")
	}
	assert.True(t, conn.isClosed())
}

func TestRecoverClaimsOwnership(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	// inst-1 hosts the meeting and writes generation 1.
	coord1 := fencing.NewCoordinator(store, "inst-1")
	m := domain.NewMeeting("m1")
	m.Participants["p1"] = &domain.Participant{ID: "p1", CorrelationID: "c1", Subject: "alice"}
	raw, _ := json.Marshal(m)
	res := coord1.TryWrite(ctx, "m1", 0, raw)
	require.Equal(t, fencing.Committed, res.Status)

	// inst-2 recovers and takes over.
	loader := NewLoader(fencing.NewCoordinator(store, "inst-2"))
	state, gen, err := loader.Recover(ctx, "m1")
	require.NoError(t, err)
	assert.Contains(t, state.Participants, domain.ParticipantID("p1"))
	assert.Greater(t, gen, res.Generation)

	// inst-1's next write at its stale generation is fenced.
	res = coord1.TryWrite(ctx, "m1", res.Generation, raw)
	assert.Equal(t, fencing.FencedOut, res.Status)
}

func TestRecoverUnknownMeeting(t *testing.T) {
	loader := NewLoader(fencing.NewCoordinator(memstore.New(), "inst-2"))
	_, _, err := loader.Recover(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRecoverAllTakesOverFailedInstanceOnly(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	write := func(id domain.MeetingID, owner domain.InstanceID) {
		raw, _ := json.Marshal(domain.NewMeeting(id))
		res, err := store.FencedWrite(ctx, id, 0, owner, raw)
		require.NoError(t, err)
		require.True(t, res.Committed)
	}
	write("m1", "inst-dead")
	write("m2", "inst-dead")
	write("m3", "inst-alive")

	loader := NewLoader(fencing.NewCoordinator(store, "inst-2"))
	got, err := loader.RecoverAll(ctx, "inst-dead")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, domain.MeetingID("m1"))
	assert.Contains(t, got, domain.MeetingID("m2"))
	assert.NotContains(t, got, domain.MeetingID("m3"))

	// Ownership moved in the store.
	rec, err := store.LoadMeeting(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceID("inst-2"), rec.Owner)
}

func TestJoinEndedMeeting(t *testing.T) {
	h := newHarness(t, "inst-1")
	ctx := context.Background()

	_, err := h.actor.Join(ctx, binding("c1", "p1"), "alice", false, &fakeConn{})
	require.NoError(t, err)
	require.NoError(t, h.actor.End(ctx))
	<-h.done

	loader := NewLoader(fencing.NewCoordinator(h.store, "inst-2"))
	_, _, err = loader.Recover(ctx, "m1")
	assert.ErrorIs(t, err, core.ErrMeetingEnded)
}

func TestPanicReportsFault(t *testing.T) {
	h := newHarness(t, "inst-1")

	// An unknown message type panics the handler; the actor contains it.
	h.actor.mailbox <- bogusMsg{}

	select {
	case f := <-h.faults:
		assert.Equal(t, FaultPanic, f.Kind)
		assert.Error(t, f.Err)
	case <-time.After(time.Second):
		t.Fatal("panic not reported")
	}
	<-h.done
}

type bogusMsg struct{}

func (bogusMsg) isMessage() {}
