package scheduler

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/fairedge/fairedge/pkg/callback"
	"github.com/fairedge/fairedge/pkg/config"
	"github.com/fairedge/fairedge/pkg/log"
	"github.com/fairedge/fairedge/pkg/metrics"
	"github.com/fairedge/fairedge/pkg/network"
	"github.com/fairedge/fairedge/pkg/runtime"
	"github.com/fairedge/fairedge/pkg/store"
	"github.com/fairedge/fairedge/pkg/sysinfo"
	"github.com/fairedge/fairedge/pkg/types"
)

// idleDelay keeps the loop cheap while the admission gate rejects.
const idleDelay = 250 * time.Millisecond

// Scheduler is the admission-and-dispatch loop: it gates on queue
// depth, concurrent-container count and host resources, selects the
// next job per the configured strategy, launches its container and
// provisions shell access.
type Scheduler struct {
	cfg      *config.Config
	store    store.Store
	runtime  runtime.Runtime
	notifier callback.Notifier
	prober   sysinfo.Prober
	alloc    *network.Allocator

	maxJobs int
	cores   int
	keysDir string

	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScheduler wires a scheduler. maxJobs and cores are derived once
// at startup from the host.
func NewScheduler(cfg *config.Config, st store.Store, rt runtime.Runtime, notifier callback.Notifier, prober sysinfo.Prober, maxJobs, cores int) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		runtime:  rt,
		notifier: notifier,
		prober:   prober,
		alloc:    network.NewAllocator(cfg.PortLower, cfg.PortUpper),
		maxJobs:  maxJobs,
		cores:    cores,
		keysDir:  filepath.Join(cfg.DataDir, "keys"),
		logger:   log.WithComponent("scheduler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop requests shutdown and blocks until every running container has
// been stopped and pruned.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	s.logger.Info().
		Int("max_jobs", s.maxJobs).
		Int("strategy", s.cfg.Strategy).
		Msg("scheduler started")

	for {
		select {
		case <-s.stopCh:
			s.shutdown(ctx)
			return
		case <-ctx.Done():
			s.shutdown(context.Background())
			return
		default:
		}

		if !s.admit(ctx) {
			time.Sleep(idleDelay)
		}
	}
}

// admit evaluates the gate once and dispatches a single job when it
// passes. Returns false when nothing was dispatched.
func (s *Scheduler) admit(ctx context.Context) bool {
	running, err := s.runtime.List(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list running containers")
		return false
	}
	metrics.RunningContainers.Set(float64(len(running)))

	size, err := s.store.WaitingSize()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read queue size")
		return false
	}
	metrics.WaitingJobs.Set(float64(size))

	if size == 0 || len(running) >= s.maxJobs {
		return false
	}
	if !s.hostResourcesAvailable() {
		return false
	}

	s.dispatchOne(ctx, running)
	return true
}

// hostResourcesAvailable is the resource half of the admission gate:
// enough free CPU for one more job's share and one memory unit free.
func (s *Scheduler) hostResourcesAvailable() bool {
	freeCPU, err := s.prober.FreeCPUPercent()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to probe cpu")
		return false
	}
	freeMem, err := s.prober.AvailableMemMiB()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to probe memory")
		return false
	}

	cpuNeed := float64(s.cfg.CPUUnit) / float64(s.cfg.MaxCPU*s.cores)
	return freeCPU >= cpuNeed && freeMem >= float64(s.cfg.MemUnit)
}

// dispatchOne runs one full dispatch: select, move to history, map
// ports, connect back to the client, launch, notify and install the
// shell key. Dispatch is synchronous; a slow client slows the loop,
// and queue growth is bounded by the queue cap.
func (s *Scheduler) dispatchOne(ctx context.Context, running []types.RunningContainer) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchDuration)

	job, err := s.pickNext()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error().Err(err).Msg("failed to select next job")
		}
		return
	}
	logger := s.logger.With().Int64("job_id", job.ID).Str("client", job.ClientName).Logger()

	// The client observes Started only after the job is in history.
	if err := s.store.MoveToHistory(job.ID); err != nil {
		// Lost the race with an early termination request.
		logger.Warn().Err(err).Msg("job left the queue before dispatch")
		return
	}

	ports := s.alloc.MapPorts(job, network.UsedHostPorts(running))

	sess, err := s.notifier.Dial(types.ClientAddr{Name: job.ClientName, IP: job.ClientIP, Port: job.ClientPort})
	if err != nil {
		// The dispatch is not rolled back; the container will run
		// without the client knowing.
		logger.Error().Err(err).Msg("client unreachable for start notification")
	} else {
		defer sess.Close()
	}

	logger.Info().Int("priority", job.Priority).Msg("starting container")

	containerID, ports, err := s.runContainer(ctx, job, ports, running)
	if err != nil {
		logger.Error().Err(err).Msg("Unable to start the job")
		metrics.DispatchFailures.Inc()
		return
	}
	metrics.JobsDispatched.WithLabelValues(strconv.Itoa(job.Priority)).Inc()

	if sess == nil {
		return
	}
	if err := sess.SendStarted(job.ID, ports); err != nil {
		logger.Error().Err(err).Msg("failed to send start notification")
		return
	}
	if err := s.setupShellAccess(ctx, job.ID, containerID, sess); err != nil {
		logger.Error().Err(err).Msg("failed to set up shell access")
	}
}

// runContainer climbs the retry ladder: run, run again on a rebuilt
// handle with the same ports, then once more with a fresh port map.
func (s *Scheduler) runContainer(ctx context.Context, job *types.Job, ports types.PortMap, running []types.RunningContainer) (string, types.PortMap, error) {
	name := strconv.FormatInt(job.ID, 10)
	memBytes := int64(s.cfg.MemUnit) << 20

	run := func(p types.PortMap) (string, error) {
		return s.runtime.Run(ctx, name, s.cfg.Image, int64(s.cfg.MaxCPU), int64(s.cfg.CPUUnit), memBytes, p)
	}

	id, err := run(ports)
	if err == nil {
		return id, ports, nil
	}
	s.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("container start failed, retrying")

	if id, err = run(ports); err == nil {
		return id, ports, nil
	}

	// Possibly a port collision with a concurrent allocation.
	ports = s.alloc.MapPorts(job, network.UsedHostPorts(running))
	if id, err = run(ports); err == nil {
		return id, ports, nil
	}
	return "", nil, err
}

// setupShellAccess receives the client's public key, persists it, and
// installs it inside the container as the root authorized_keys.
func (s *Scheduler) setupShellAccess(ctx context.Context, jobID int64, containerID string, sess callback.Session) error {
	key, err := sess.ReceiveKey()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.keysDir, 0700); err != nil {
		return fmt.Errorf("failed to create keys dir: %w", err)
	}
	keyPath := filepath.Join(s.keysDir, fmt.Sprintf("%d.pub", jobID))
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return fmt.Errorf("failed to persist public key: %w", err)
	}

	archive, err := tarKey(key)
	if err != nil {
		return err
	}
	if err := s.runtime.PutArchive(ctx, containerID, "/tmp", archive); err != nil {
		return err
	}
	if err := s.runtime.Exec(ctx, containerID, []string{"mkdir", "-p", "/root/.ssh"}); err != nil {
		return err
	}
	return s.runtime.Exec(ctx, containerID, []string{"cp", "/tmp/id_rsa.pub", "/root/.ssh/authorized_keys"})
}

// tarKey wraps the key bytes in a single-entry tar stream for the
// archive push.
func tarKey(key []byte) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    "id_rsa.pub",
		Mode:    0600,
		Size:    int64(len(key)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(key); err != nil {
		return nil, fmt.Errorf("failed to write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish tar stream: %w", err)
	}
	return &buf, nil
}

// shutdown stops every running container, then prunes the stopped
// ones.
func (s *Scheduler) shutdown(ctx context.Context) {
	s.logger.Info().Msg("stopping all containers")
	for {
		running, err := s.runtime.List(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to list containers during shutdown")
			break
		}
		if len(running) == 0 {
			break
		}
		for _, c := range running {
			if err := s.runtime.Stop(ctx, c.ID); err != nil {
				s.logger.Error().Err(err).Str("container", c.Name).Msg("failed to stop container")
			}
		}
	}
	if err := s.runtime.PruneStopped(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to prune stopped containers")
	}
	s.logger.Info().Msg("scheduler stopped")
}
