package quorum

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Conclave/internal/core"
	"github.com/dkeye/Conclave/internal/domain"
)

func TestThreshold(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{5, 3},
		{10, 6},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Threshold(tc.n), "n=%d", tc.n)
	}
}

func newTestTracker(size int) (*Tracker, *[]domain.InstanceID) {
	var fired []domain.InstanceID
	tr := NewTracker(10*time.Second,
		func(context.Context, domain.MeetingID) (int, error) { return size, nil },
		func(suspect domain.InstanceID, _ domain.MeetingID) { fired = append(fired, suspect) })
	return tr, &fired
}

func report(t *testing.T, tr *Tracker, suspect domain.InstanceID, meeting domain.MeetingID, reporter domain.ParticipantID) bool {
	t.Helper()
	reached, err := tr.Report(context.Background(), suspect, meeting, reporter)
	require.NoError(t, err)
	return reached
}

func TestQuorumFiresAtThreshold(t *testing.T) {
	tr, fired := newTestTracker(5)

	assert.False(t, report(t, tr, "inst-x", "m1", "p1"))
	assert.False(t, report(t, tr, "inst-x", "m1", "p2"))
	assert.True(t, report(t, tr, "inst-x", "m1", "p3"))
	assert.Equal(t, []domain.InstanceID{"inst-x"}, *fired)

	// Tally resets after firing.
	assert.Equal(t, 0, tr.Pending("inst-x", "m1"))
}

func TestDuplicateReportersCountOnce(t *testing.T) {
	tr, fired := newTestTracker(5)

	assert.False(t, report(t, tr, "inst-x", "m1", "p1"))
	assert.False(t, report(t, tr, "inst-x", "m1", "p1"))
	assert.False(t, report(t, tr, "inst-x", "m1", "p1"))
	assert.Empty(t, *fired)
	assert.Equal(t, 1, tr.Pending("inst-x", "m1"))
}

func TestSingleParticipantFallback(t *testing.T) {
	tr, fired := newTestTracker(1)

	assert.True(t, report(t, tr, "inst-x", "m1", "p1"))
	assert.Len(t, *fired, 1)
}

func TestTwoParticipantsNeedBoth(t *testing.T) {
	tr, _ := newTestTracker(2)

	assert.False(t, report(t, tr, "inst-x", "m1", "p1"))
	assert.True(t, report(t, tr, "inst-x", "m1", "p2"))
}

func TestUnknownMeetingRejectsReport(t *testing.T) {
	var fired []domain.InstanceID
	tr := NewTracker(10*time.Second,
		func(context.Context, domain.MeetingID) (int, error) { return 0, core.ErrNotFound },
		func(suspect domain.InstanceID, _ domain.MeetingID) { fired = append(fired, suspect) })

	reached, err := tr.Report(context.Background(), "inst-x", "m1", "p1")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.False(t, reached)
	assert.Empty(t, fired, "a report that cannot be sized must never fire")
	assert.Equal(t, 0, tr.Pending("inst-x", "m1"), "rejected reports are not tallied")
}

func TestEmptyMeetingRejectsReport(t *testing.T) {
	tr, fired := newTestTracker(0)

	reached, err := tr.Report(context.Background(), "inst-x", "m1", "p1")
	assert.ErrorIs(t, err, ErrNoReporters)
	assert.False(t, reached)
	assert.Empty(t, *fired)
}

func TestWindowExpiry(t *testing.T) {
	tr, fired := newTestTracker(3)
	now := time.Now()
	tr.now = func() time.Time { return now }

	assert.False(t, report(t, tr, "inst-x", "m1", "p1"))

	// p1's report ages out before p2 arrives.
	now = now.Add(11 * time.Second)
	assert.False(t, report(t, tr, "inst-x", "m1", "p2"))
	assert.Empty(t, *fired)
	assert.Equal(t, 1, tr.Pending("inst-x", "m1"))
}

func TestReset(t *testing.T) {
	tr, _ := newTestTracker(5)

	report(t, tr, "inst-x", "m1", "p1")
	report(t, tr, "inst-x", "m2", "p1")
	report(t, tr, "inst-y", "m1", "p1")
	tr.Reset("inst-x")

	assert.Equal(t, 0, tr.Pending("inst-x", "m1"))
	assert.Equal(t, 0, tr.Pending("inst-x", "m2"))
	assert.Equal(t, 1, tr.Pending("inst-y", "m1"))
}

func TestFiringResetsAllSuspectTallies(t *testing.T) {
	// Mirrors the server wiring: the failover callback clears every
	// remaining tally against the suspect once the takeover completed.
	var tr *Tracker
	fired := 0
	tr = NewTracker(10*time.Second,
		func(context.Context, domain.MeetingID) (int, error) { return 3, nil },
		func(suspect domain.InstanceID, _ domain.MeetingID) {
			fired++
			tr.Reset(suspect)
		})

	report(t, tr, "inst-x", "m2", "p9")
	report(t, tr, "inst-x", "m1", "p1")
	assert.True(t, report(t, tr, "inst-x", "m1", "p2"))
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, tr.Pending("inst-x", "m2"), "failover settles every meeting the suspect owned")
}

func TestSuspectsTrackedIndependently(t *testing.T) {
	tr, fired := newTestTracker(3)

	report(t, tr, "inst-x", "m1", "p1")
	report(t, tr, "inst-y", "m1", "p2")
	assert.Empty(t, *fired)

	report(t, tr, "inst-x", "m1", "p2")
	assert.Equal(t, []domain.InstanceID{"inst-x"}, *fired)
}
