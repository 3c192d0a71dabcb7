package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairedge/fairedge/pkg/types"
)

func newTestStore(t *testing.T, maxQueue int) *BoltStore {
	t.Helper()
	st, err := NewBoltStore(t.TempDir(), maxQueue)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestEnqueueJobAssignsMonotonicIDs(t *testing.T) {
	st := newTestStore(t, 10)

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := st.EnqueueJob("alice", "10.0.0.1", 8889, types.PriorityLow, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	assert.Equal(t, []int64{1000, 1001, 1002, 1003, 1004}, ids)
}

func TestIDSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	st, err := NewBoltStore(dir, 10)
	require.NoError(t, err)
	id, err := st.EnqueueJob("alice", "10.0.0.1", 8889, types.PriorityLow, "")
	require.NoError(t, err)
	require.Equal(t, int64(1000), id)
	require.NoError(t, st.Close())

	st, err = NewBoltStore(dir, 10)
	require.NoError(t, err)
	defer st.Close()

	id, err = st.EnqueueJob("alice", "10.0.0.1", 8889, types.PriorityLow, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1001), id)
}

func TestEnqueueJobQueueCap(t *testing.T) {
	st := newTestStore(t, 2)

	// The capacity check runs before the insert, so the queue admits
	// one row past the cap before refusing.
	for i := 0; i < 3; i++ {
		_, err := st.EnqueueJob("alice", "10.0.0.1", 8889, types.PriorityLow, "")
		require.NoError(t, err)
	}

	_, err := st.EnqueueJob("alice", "10.0.0.1", 8889, types.PriorityLow, "")
	assert.ErrorIs(t, err, ErrQueueFull)

	size, err := st.WaitingSize()
	require.NoError(t, err)
	assert.Equal(t, 3, size)
}

func TestRemoveWaiting(t *testing.T) {
	st := newTestStore(t, 10)

	id, err := st.EnqueueJob("alice", "10.0.0.1", 8889, types.PriorityLow, "")
	require.NoError(t, err)

	existed, err := st.RemoveWaiting(id)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = st.RemoveWaiting(id)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestMoveToHistory(t *testing.T) {
	st := newTestStore(t, 10)

	id, err := st.EnqueueJob("alice", "10.0.0.1", 8889, types.PriorityHigh, "80")
	require.NoError(t, err)

	require.NoError(t, st.MoveToHistory(id))

	// Gone from the queue, present in the history.
	size, err := st.WaitingSize()
	require.NoError(t, err)
	assert.Zero(t, size)

	addr, err := st.LookupHistory(id)
	require.NoError(t, err)
	assert.Equal(t, &types.ClientAddr{Name: "alice", IP: "10.0.0.1", Port: 8889}, addr)

	// A second move finds nothing to move.
	assert.ErrorIs(t, st.MoveToHistory(id), ErrNotFound)
}

func TestLookupHistoryNotFound(t *testing.T) {
	st := newTestStore(t, 10)

	_, err := st.LookupHistory(9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTerminationQueue(t *testing.T) {
	st := newTestStore(t, 10)

	require.NoError(t, st.EnqueueTermination(1000, types.ReasonRequested))
	require.NoError(t, st.EnqueueTermination(1001, types.ReasonIdle))
	// Re-recording overwrites the reason.
	require.NoError(t, st.EnqueueTermination(1000, types.ReasonIdle))

	reqs, err := st.ListTerminationRequests()
	require.NoError(t, err)
	assert.Equal(t, []types.TerminationRequest{
		{JobID: 1000, Reason: types.ReasonIdle},
		{JobID: 1001, Reason: types.ReasonIdle},
	}, reqs)

	require.NoError(t, st.DeleteTerminationRequest(1000))
	reqs, err = st.ListTerminationRequests()
	require.NoError(t, err)
	assert.Equal(t, []types.TerminationRequest{{JobID: 1001, Reason: types.ReasonIdle}}, reqs)
}

func TestOldestWaitingSelection(t *testing.T) {
	st := newTestStore(t, 10)

	current := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return current }

	submit := func(client string, priority int, at time.Time) int64 {
		current = at
		id, err := st.EnqueueJob(client, "10.0.0.1", 8889, priority, "")
		require.NoError(t, err)
		return id
	}

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	aliceOld := submit("alice", types.PriorityLow, base)
	bobOld := submit("bob", types.PriorityHigh, base.Add(time.Minute))
	submit("alice", types.PriorityHigh, base.Add(2*time.Minute))
	submit("bob", types.PriorityLow, base.Add(3*time.Minute))

	job, err := st.OldestWaiting()
	require.NoError(t, err)
	assert.Equal(t, aliceOld, job.ID)

	job, err = st.OldestWaitingForClient("bob")
	require.NoError(t, err)
	assert.Equal(t, bobOld, job.ID)

	job, err = st.OldestWaitingForPriority(types.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, bobOld, job.ID)

	job, err = st.OldestWaitingForClientPriority("alice", types.PriorityLow)
	require.NoError(t, err)
	assert.Equal(t, aliceOld, job.ID)

	_, err = st.OldestWaitingForClient("carol")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWaitingClientsAndPriorities(t *testing.T) {
	st := newTestStore(t, 10)

	for _, j := range []struct {
		client   string
		priority int
	}{
		{"alice", types.PriorityLow},
		{"bob", types.PriorityHigh},
		{"alice", types.PriorityHigh},
		{"carol", types.PriorityLow},
	} {
		_, err := st.EnqueueJob(j.client, "10.0.0.1", 8889, j.priority, "")
		require.NoError(t, err)
	}

	clients, err := st.WaitingClients()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, clients)

	clients, err = st.WaitingClientsForPriority(types.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "alice"}, clients)

	priorities, err := st.WaitingPriorities()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{types.PriorityLow, types.PriorityHigh}, priorities)
}

func TestHistoryCountsRollingWindow(t *testing.T) {
	st := newTestStore(t, 10)

	current := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return current }

	dispatch := func(client string, priority int, at time.Time) {
		current = at
		id, err := st.EnqueueJob(client, "10.0.0.1", 8889, priority, "")
		require.NoError(t, err)
		require.NoError(t, st.MoveToHistory(id))
	}

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	dispatch("alice", types.PriorityHigh, now.Add(-8*24*time.Hour)) // outside the window
	dispatch("alice", types.PriorityHigh, now.Add(-2*24*time.Hour))
	dispatch("alice", types.PriorityLow, now.Add(-time.Hour))
	dispatch("bob", types.PriorityHigh, now.Add(-time.Minute))

	current = now

	total, err := st.HistoryCount()
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	count, err := st.HistoryCountForClient("alice")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = st.HistoryCountForPriority(types.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = st.HistoryCountForClientPriority("alice", types.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
