package store

import (
	"errors"

	"github.com/fairedge/fairedge/pkg/types"
)

var (
	// ErrQueueFull is returned by EnqueueJob when the waiting queue
	// is at capacity.
	ErrQueueFull = errors.New("no space in job queue")

	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")
)

// Store is the persistent state behind the scheduler and monitor: the
// waiting queue, the termination queue and the append-only dispatch
// history that drives fairness. All mutating operations are
// transactional; writers are serialized by the backing engine.
type Store interface {
	// EnqueueJob admits a job to the waiting queue and returns its id.
	EnqueueJob(client, ip string, port, priority int, ports string) (int64, error)

	// RemoveWaiting deletes a waiting row, reporting whether one existed.
	RemoveWaiting(jobID int64) (bool, error)

	// WaitingSize returns the number of waiting rows.
	WaitingSize() (int, error)

	// MoveToHistory atomically moves one waiting row into the history.
	MoveToHistory(jobID int64) error

	// LookupHistory returns the callback address recorded for a
	// dispatched job.
	LookupHistory(jobID int64) (*types.ClientAddr, error)

	// EnqueueTermination records a stop intent for a job.
	EnqueueTermination(jobID int64, reason string) error

	// ListTerminationRequests returns all pending stop intents.
	ListTerminationRequests() ([]types.TerminationRequest, error)

	// DeleteTerminationRequest drops a stop intent after the stop
	// attempt.
	DeleteTerminationRequest(jobID int64) error

	// Selection queries used by the scheduler. Oldest* break ties by
	// submission time, then by smallest job id.
	OldestWaiting() (*types.Job, error)
	OldestWaitingForClient(client string) (*types.Job, error)
	OldestWaitingForPriority(priority int) (*types.Job, error)
	OldestWaitingForClientPriority(client string, priority int) (*types.Job, error)

	// WaitingClients returns the distinct client names present in the
	// waiting queue, in insertion order of their oldest row.
	WaitingClients() ([]string, error)
	WaitingClientsForPriority(priority int) ([]string, error)

	// WaitingPriorities returns the distinct priorities present in
	// the waiting queue.
	WaitingPriorities() ([]int, error)

	// History counts over the rolling fairness window, evaluated
	// against the store's clock.
	HistoryCount() (int, error)
	HistoryCountForClient(client string) (int, error)
	HistoryCountForPriority(priority int) (int, error)
	HistoryCountForClientPriority(client string, priority int) (int, error)

	Close() error
}
