package monitor

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/docker/docker/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairedge/fairedge/pkg/callback"
	"github.com/fairedge/fairedge/pkg/log"
	"github.com/fairedge/fairedge/pkg/store"
	"github.com/fairedge/fairedge/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
}

type fakeStore struct {
	store.Store
	terminations []types.TerminationRequest
	history      map[int64]types.ClientAddr
	deleted      []int64
}

func (f *fakeStore) EnqueueTermination(jobID int64, reason string) error {
	f.terminations = append(f.terminations, types.TerminationRequest{JobID: jobID, Reason: reason})
	return nil
}

func (f *fakeStore) ListTerminationRequests() ([]types.TerminationRequest, error) {
	return f.terminations, nil
}

func (f *fakeStore) DeleteTerminationRequest(jobID int64) error {
	f.deleted = append(f.deleted, jobID)
	return nil
}

func (f *fakeStore) LookupHistory(jobID int64) (*types.ClientAddr, error) {
	addr, ok := f.history[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &addr, nil
}

type fakeRuntime struct {
	containers []types.RunningContainer
	stats      map[string]types.ContainerStats
	statsErr   error
	stopErrs   map[string]error

	stopped []string
	removed []string
}

func (f *fakeRuntime) List(context.Context) ([]types.RunningContainer, error) {
	return f.containers, nil
}

func (f *fakeRuntime) Inspect(context.Context, string) ([]int, error) { return nil, nil }

func (f *fakeRuntime) Stats(_ context.Context, id string) (*types.ContainerStats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	s := f.stats[id]
	return &s, nil
}

func (f *fakeRuntime) Run(context.Context, string, string, int64, int64, int64, types.PortMap) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeRuntime) Exec(context.Context, string, []string) error { return nil }

func (f *fakeRuntime) PutArchive(context.Context, string, string, io.Reader) error { return nil }

func (f *fakeRuntime) Stop(_ context.Context, id string) error {
	if err := f.stopErrs[id]; err != nil {
		return err
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) PruneStopped(context.Context) error { return nil }

type fakeNotifier struct {
	notified map[int64]string
	err      error
}

func (n *fakeNotifier) Dial(types.ClientAddr) (callback.Session, error) {
	return nil, errors.New("not used")
}

func (n *fakeNotifier) NotifyTerminated(_ types.ClientAddr, jobID int64, reason string) error {
	if n.err != nil {
		return n.err
	}
	if n.notified == nil {
		n.notified = make(map[int64]string)
	}
	n.notified[jobID] = reason
	return nil
}

func TestCPUPercentages(t *testing.T) {
	tests := []struct {
		name     string
		current  map[int64]types.ContainerStats
		previous map[int64]types.ContainerStats
		cores    int
		expected map[int64]float64
	}{
		{
			name:     "busy container",
			current:  map[int64]types.ContainerStats{1000: {TotalUsage: 5e9, SystemUsage: 20e9}},
			previous: map[int64]types.ContainerStats{1000: {TotalUsage: 1e9, SystemUsage: 10e9}},
			cores:    2,
			expected: map[int64]float64{1000: 80.0}, // 4/10 * 100 * 2
		},
		{
			name:     "idle container",
			current:  map[int64]types.ContainerStats{1000: {TotalUsage: 1.08e9, SystemUsage: 20e9}},
			previous: map[int64]types.ContainerStats{1000: {TotalUsage: 1e9, SystemUsage: 10e9}},
			cores:    4,
			expected: map[int64]float64{1000: 3.2}, // 0.08/10 * 100 * 4
		},
		{
			name:     "only in second sample counts as busy",
			current:  map[int64]types.ContainerStats{1000: {TotalUsage: 1e9, SystemUsage: 10e9}},
			previous: map[int64]types.ContainerStats{},
			cores:    2,
			expected: map[int64]float64{1000: 100.0},
		},
		{
			name:     "no usage delta",
			current:  map[int64]types.ContainerStats{1000: {TotalUsage: 1e9, SystemUsage: 20e9}},
			previous: map[int64]types.ContainerStats{1000: {TotalUsage: 1e9, SystemUsage: 10e9}},
			cores:    2,
			expected: map[int64]float64{1000: 0.0},
		},
		{
			name:     "gone container dropped",
			current:  map[int64]types.ContainerStats{},
			previous: map[int64]types.ContainerStats{1000: {TotalUsage: 1e9, SystemUsage: 10e9}},
			cores:    2,
			expected: map[int64]float64{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := cpuPercentages(tt.current, tt.previous, tt.cores)
			require.Len(t, result, len(tt.expected))
			for jobID, pct := range tt.expected {
				assert.InDelta(t, pct, result[jobID], 0.001, "job %d", jobID)
			}
		})
	}
}

func TestSampleAllFilters(t *testing.T) {
	now := time.Now()
	rt := &fakeRuntime{
		containers: []types.RunningContainer{
			{ID: "c1", Name: "1000", CreatedAt: now.Add(-5 * time.Minute)},
			{ID: "c2", Name: "1001", CreatedAt: now.Add(-30 * time.Second)}, // too young
			{ID: "c3", Name: "helper", CreatedAt: now.Add(-time.Hour)},      // not a job
		},
		stats: map[string]types.ContainerStats{
			"c1": {TotalUsage: 1e9, SystemUsage: 10e9},
		},
	}
	m := NewMonitor(&fakeStore{}, rt, &fakeNotifier{}, 2)

	samples, err := m.sampleAll(context.Background())
	require.NoError(t, err)

	require.Len(t, samples, 1)
	assert.Equal(t, types.ContainerStats{TotalUsage: 1e9, SystemUsage: 10e9}, samples[1000])
}

func TestSampleAllPropagatesStatsError(t *testing.T) {
	rt := &fakeRuntime{
		containers: []types.RunningContainer{
			{ID: "c1", Name: "1000", CreatedAt: time.Now().Add(-5 * time.Minute)},
		},
		statsErr: errors.New("engine unavailable"),
	}
	m := NewMonitor(&fakeStore{}, rt, &fakeNotifier{}, 2)

	_, err := m.sampleAll(context.Background())
	assert.Error(t, err)
}

func TestDrainStopsAndNotifies(t *testing.T) {
	st := &fakeStore{
		terminations: []types.TerminationRequest{{JobID: 1000, Reason: types.ReasonRequested}},
		history:      map[int64]types.ClientAddr{1000: {Name: "alice", IP: "10.0.0.1", Port: 8889}},
	}
	rt := &fakeRuntime{}
	notifier := &fakeNotifier{}
	m := NewMonitor(st, rt, notifier, 2)

	m.drain(context.Background())

	assert.Equal(t, []string{"1000"}, rt.stopped)
	assert.Equal(t, []string{"1000"}, rt.removed)
	assert.Equal(t, []int64{1000}, st.deleted)
	assert.Equal(t, map[int64]string{1000: types.ReasonRequested}, notifier.notified)
}

func TestDrainToleratesMissingContainer(t *testing.T) {
	st := &fakeStore{
		terminations: []types.TerminationRequest{{JobID: 1000, Reason: types.ReasonRequested}},
		history:      map[int64]types.ClientAddr{1000: {Name: "alice", IP: "10.0.0.1", Port: 8889}},
	}
	rt := &fakeRuntime{
		stopErrs: map[string]error{"1000": errdefs.NotFound(errors.New("no such container"))},
	}
	notifier := &fakeNotifier{}
	m := NewMonitor(st, rt, notifier, 2)

	m.drain(context.Background())

	// The request is consumed either way, but a container that never
	// existed produces no removal and no notification.
	assert.Equal(t, []int64{1000}, st.deleted)
	assert.Empty(t, rt.removed)
	assert.Empty(t, notifier.notified)
}

func TestDrainNotifiesEvenWhenClientUnreachable(t *testing.T) {
	st := &fakeStore{
		terminations: []types.TerminationRequest{{JobID: 1000, Reason: types.ReasonIdle}},
		history:      map[int64]types.ClientAddr{1000: {Name: "alice", IP: "10.0.0.1", Port: 8889}},
	}
	rt := &fakeRuntime{}
	m := NewMonitor(st, rt, &fakeNotifier{err: errors.New("connection refused")}, 2)

	m.drain(context.Background())

	// The stop stands; the failed notification is not retried.
	assert.Equal(t, []string{"1000"}, rt.stopped)
	assert.Equal(t, []int64{1000}, st.deleted)
}
