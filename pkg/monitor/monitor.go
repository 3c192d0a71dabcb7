package monitor

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/fairedge/fairedge/pkg/callback"
	"github.com/fairedge/fairedge/pkg/log"
	"github.com/fairedge/fairedge/pkg/metrics"
	"github.com/fairedge/fairedge/pkg/runtime"
	"github.com/fairedge/fairedge/pkg/store"
	"github.com/fairedge/fairedge/pkg/types"
)

const (
	// scanInterval separates idle scans.
	scanInterval = 2 * time.Minute
	// sampleGap separates the two CPU samples of one scan.
	sampleGap = 10 * time.Second
	// drainInterval paces the termination-queue drain.
	drainInterval = time.Second
	// minUptime excludes containers still starting up from the scan.
	minUptime = 60 * time.Second
	// idleThreshold is the CPU percentage below which a container is
	// considered idle.
	idleThreshold = 10.0
)

// Monitor watches running containers for idleness and drains the
// termination queue. One loop interleaves both duties: scans every
// two minutes, drains roughly every second.
type Monitor struct {
	store    store.Store
	runtime  runtime.Runtime
	notifier callback.Notifier
	cores    int

	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor wires a monitor. cores is the host's logical CPU count,
// probed once at startup.
func NewMonitor(st store.Store, rt runtime.Runtime, notifier callback.Notifier, cores int) *Monitor {
	return &Monitor{
		store:    st,
		runtime:  rt,
		notifier: notifier,
		cores:    cores,
		logger:   log.WithComponent("monitor"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the monitoring loop.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop stops the monitor and waits for the loop to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)
	m.logger.Info().Msg("monitor started")

	nextScan := time.Now()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !time.Now().Before(nextScan) {
			m.scanIdle(ctx)
			nextScan = time.Now().Add(scanInterval)
		}

		m.drain(ctx)

		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(drainInterval):
		}
	}
}

// scanIdle takes two CPU samples sampleGap apart and queues every
// container under the idle threshold for termination. A sampling error
// skips the whole cycle; nothing is queued from stale data.
func (m *Monitor) scanIdle(ctx context.Context) {
	previous, err := m.sampleAll(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("cpu sampling failed, skipping idle scan")
		return
	}

	select {
	case <-m.stopCh:
		return
	case <-ctx.Done():
		return
	case <-time.After(sampleGap):
	}

	current, err := m.sampleAll(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("cpu sampling failed, skipping idle scan")
		return
	}

	for jobID, pct := range cpuPercentages(current, previous, m.cores) {
		if pct >= idleThreshold {
			continue
		}
		m.logger.Info().Int64("job_id", jobID).Float64("cpu_pct", pct).Msg("container idle, queueing for termination")
		metrics.IdleContainersDetected.Inc()
		if err := m.store.EnqueueTermination(jobID, types.ReasonIdle); err != nil {
			m.logger.Error().Err(err).Int64("job_id", jobID).Msg("failed to queue termination")
		}
	}
}

// sampleAll takes one CPU sample per running job container older than
// minUptime, keyed by job id.
func (m *Monitor) sampleAll(ctx context.Context) (map[int64]types.ContainerStats, error) {
	containers, err := m.runtime.List(ctx)
	if err != nil {
		return nil, err
	}

	samples := make(map[int64]types.ContainerStats)
	for _, c := range containers {
		jobID, err := strconv.ParseInt(c.Name, 10, 64)
		if err != nil {
			continue // not one of ours
		}
		if time.Since(c.CreatedAt) <= minUptime {
			continue
		}
		stats, err := m.runtime.Stats(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		samples[jobID] = *stats
	}
	return samples, nil
}

// cpuPercentages computes per-container CPU usage across two samples.
// A container seen only in the second sample counts as fully busy; it
// gets judged on the next scan.
func cpuPercentages(current, previous map[int64]types.ContainerStats, cores int) map[int64]float64 {
	percentages := make(map[int64]float64, len(current))
	for jobID, cur := range current {
		prev, ok := previous[jobID]
		if !ok {
			percentages[jobID] = 100.0
			continue
		}
		totalDelta := cur.TotalUsage - prev.TotalUsage
		systemDelta := cur.SystemUsage - prev.SystemUsage
		if totalDelta > 0 && systemDelta > 0 {
			percentages[jobID] = totalDelta / systemDelta * 100.0 * float64(cores)
		} else {
			percentages[jobID] = 0.0
		}
	}
	return percentages
}

// drain stops and removes every container in the termination queue.
// NotFound is tolerated: the container may have never started or
// already exited, and in that case the client is not notified.
func (m *Monitor) drain(ctx context.Context) {
	reqs, err := m.store.ListTerminationRequests()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to read termination queue")
		return
	}

	for _, req := range reqs {
		name := strconv.FormatInt(req.JobID, 10)
		logger := m.logger.With().Int64("job_id", req.JobID).Str("reason", req.Reason).Logger()

		stopped := true
		if err := m.runtime.Stop(ctx, name); err != nil {
			stopped = false
			if runtime.IsNotFound(err) {
				logger.Debug().Msg("container already stopped or never existed")
			} else {
				logger.Error().Err(err).Msg("failed to stop container")
			}
		}
		if stopped {
			if err := m.runtime.Remove(ctx, name); err != nil && !runtime.IsNotFound(err) {
				logger.Error().Err(err).Msg("failed to remove container")
			}
		}

		if err := m.store.DeleteTerminationRequest(req.JobID); err != nil {
			logger.Error().Err(err).Msg("failed to delete termination request")
		}

		if stopped {
			metrics.JobsTerminated.WithLabelValues(req.Reason).Inc()
			m.notifyTerminated(req, logger)
		}
	}
}

func (m *Monitor) notifyTerminated(req types.TerminationRequest, logger zerolog.Logger) {
	addr, err := m.store.LookupHistory(req.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn().Msg("no history entry for terminated job")
		} else {
			logger.Error().Err(err).Msg("failed to look up client")
		}
		return
	}
	if err := m.notifier.NotifyTerminated(*addr, req.JobID, req.Reason); err != nil {
		// The stop itself stands; the client just was not told.
		logger.Error().Err(err).Msg("client unreachable for termination notification")
	}
}
