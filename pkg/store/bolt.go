package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fairedge/fairedge/pkg/types"
)

var (
	// Bucket names
	bucketJobQueue  = []byte("job_queue")
	bucketJobs      = []byte("jobs")
	bucketTermQueue = []byte("term_queue")
	bucketMeta      = []byte("meta")

	keyNextJobID = []byte("next_job_id")
)

// fairnessWindow is the rolling window the history counts cover.
const fairnessWindow = 7 * 24 * time.Hour

// BoltStore implements Store on a single bbolt database file. bbolt
// allows one writer at a time, which gives every mutating method the
// serialization the Store contract requires.
type BoltStore struct {
	db       *bolt.DB
	maxQueue int

	// now is the store's clock; replaced in tests.
	now func() time.Time
}

// NewBoltStore opens (creating if needed) the database under dataDir
// and seeds the job id sequence so the first issued id is 1000.
func NewBoltStore(dataDir string, maxQueue int) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "edge.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketJobQueue, bucketJobs, bucketTermQueue, bucketMeta}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		if meta.Get(keyNextJobID) == nil {
			return meta.Put(keyNextJobID, itob(types.FirstJobID))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, maxQueue: maxQueue, now: time.Now}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// EnqueueJob admits a job if the waiting queue has space, assigning
// the next id in the monotonic sequence. The size check happens before
// the insert, so the queue holds at most maxQueue+1 rows.
func (s *BoltStore) EnqueueJob(client, ip string, port, priority int, ports string) (int64, error) {
	var jobID int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketJobQueue)
		if queue.Stats().KeyN > s.maxQueue {
			return ErrQueueFull
		}

		meta := tx.Bucket(bucketMeta)
		jobID = btoi(meta.Get(keyNextJobID))
		if err := meta.Put(keyNextJobID, itob(jobID+1)); err != nil {
			return err
		}

		job := types.Job{
			ID:          jobID,
			ClientName:  client,
			ClientIP:    ip,
			ClientPort:  port,
			Priority:    priority,
			SubmittedAt: s.now(),
			Ports:       ports,
		}
		data, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return queue.Put(itob(jobID), data)
	})
	if err != nil {
		return 0, err
	}
	return jobID, nil
}

// RemoveWaiting deletes a waiting row, reporting whether one existed.
func (s *BoltStore) RemoveWaiting(jobID int64) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketJobQueue)
		key := itob(jobID)
		if queue.Get(key) == nil {
			return nil
		}
		existed = true
		return queue.Delete(key)
	})
	return existed, err
}

// WaitingSize returns the number of waiting rows.
func (s *BoltStore) WaitingSize() (int, error) {
	var size int
	err := s.db.View(func(tx *bolt.Tx) error {
		size = tx.Bucket(bucketJobQueue).Stats().KeyN
		return nil
	})
	return size, err
}

// MoveToHistory moves one waiting row into the history inside a single
// transaction, so the job id is never visible in both tables and never
// absent from both.
func (s *BoltStore) MoveToHistory(jobID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketJobQueue)
		key := itob(jobID)
		data := queue.Get(key)
		if data == nil {
			return fmt.Errorf("job %d: %w", jobID, ErrNotFound)
		}
		if err := tx.Bucket(bucketJobs).Put(key, data); err != nil {
			return err
		}
		return queue.Delete(key)
	})
}

// LookupHistory returns the callback address recorded for a job.
func (s *BoltStore) LookupHistory(jobID int64) (*types.ClientAddr, error) {
	var addr types.ClientAddr
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get(itob(jobID))
		if data == nil {
			return fmt.Errorf("job %d: %w", jobID, ErrNotFound)
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		addr = types.ClientAddr{Name: job.ClientName, IP: job.ClientIP, Port: job.ClientPort}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &addr, nil
}

// EnqueueTermination records a stop intent. Re-recording the same job
// overwrites the previous reason.
func (s *BoltStore) EnqueueTermination(jobID int64, reason string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		req := types.TerminationRequest{JobID: jobID, Reason: reason}
		data, err := json.Marshal(&req)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTermQueue).Put(itob(jobID), data)
	})
}

// ListTerminationRequests returns all pending stop intents.
func (s *BoltStore) ListTerminationRequests() ([]types.TerminationRequest, error) {
	var reqs []types.TerminationRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTermQueue).ForEach(func(k, v []byte) error {
			var req types.TerminationRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return err
			}
			reqs = append(reqs, req)
			return nil
		})
	})
	return reqs, err
}

// DeleteTerminationRequest drops a stop intent.
func (s *BoltStore) DeleteTerminationRequest(jobID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTermQueue).Delete(itob(jobID))
	})
}

// OldestWaiting returns the waiting row with the earliest submission
// time, smallest id first on ties.
func (s *BoltStore) OldestWaiting() (*types.Job, error) {
	return s.oldestWaiting(func(*types.Job) bool { return true })
}

// OldestWaitingForClient returns the client's oldest waiting row.
func (s *BoltStore) OldestWaitingForClient(client string) (*types.Job, error) {
	return s.oldestWaiting(func(j *types.Job) bool { return j.ClientName == client })
}

// OldestWaitingForPriority returns the oldest waiting row at a priority.
func (s *BoltStore) OldestWaitingForPriority(priority int) (*types.Job, error) {
	return s.oldestWaiting(func(j *types.Job) bool { return j.Priority == priority })
}

// OldestWaitingForClientPriority returns the client's oldest waiting
// row at a priority.
func (s *BoltStore) OldestWaitingForClientPriority(client string, priority int) (*types.Job, error) {
	return s.oldestWaiting(func(j *types.Job) bool {
		return j.ClientName == client && j.Priority == priority
	})
}

func (s *BoltStore) oldestWaiting(match func(*types.Job) bool) (*types.Job, error) {
	var oldest *types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		// Keys are big-endian ids, so the cursor walks in id order;
		// on equal submission times the smaller id wins by arriving
		// first.
		return tx.Bucket(bucketJobQueue).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if !match(&job) {
				return nil
			}
			if oldest == nil || job.SubmittedAt.Before(oldest.SubmittedAt) {
				j := job
				oldest = &j
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	return oldest, nil
}

// WaitingClients returns distinct waiting client names in insertion
// order of their oldest row.
func (s *BoltStore) WaitingClients() ([]string, error) {
	return s.waitingClients(func(*types.Job) bool { return true })
}

// WaitingClientsForPriority restricts WaitingClients to one priority.
func (s *BoltStore) WaitingClientsForPriority(priority int) ([]string, error) {
	return s.waitingClients(func(j *types.Job) bool { return j.Priority == priority })
}

func (s *BoltStore) waitingClients(match func(*types.Job) bool) ([]string, error) {
	var clients []string
	seen := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobQueue).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if !match(&job) || seen[job.ClientName] {
				return nil
			}
			seen[job.ClientName] = true
			clients = append(clients, job.ClientName)
			return nil
		})
	})
	return clients, err
}

// WaitingPriorities returns the distinct priorities currently waiting.
func (s *BoltStore) WaitingPriorities() ([]int, error) {
	var priorities []int
	seen := make(map[int]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobQueue).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if seen[job.Priority] {
				return nil
			}
			seen[job.Priority] = true
			priorities = append(priorities, job.Priority)
			return nil
		})
	})
	return priorities, err
}

// HistoryCount returns the number of dispatches in the fairness window.
func (s *BoltStore) HistoryCount() (int, error) {
	return s.historyCount(func(*types.Job) bool { return true })
}

// HistoryCountForClient counts a client's dispatches in the window.
func (s *BoltStore) HistoryCountForClient(client string) (int, error) {
	return s.historyCount(func(j *types.Job) bool { return j.ClientName == client })
}

// HistoryCountForPriority counts dispatches at a priority in the window.
func (s *BoltStore) HistoryCountForPriority(priority int) (int, error) {
	return s.historyCount(func(j *types.Job) bool { return j.Priority == priority })
}

// HistoryCountForClientPriority counts a client's dispatches at one
// priority in the window.
func (s *BoltStore) HistoryCountForClientPriority(client string, priority int) (int, error) {
	return s.historyCount(func(j *types.Job) bool {
		return j.ClientName == client && j.Priority == priority
	})
}

func (s *BoltStore) historyCount(match func(*types.Job) bool) (int, error) {
	cutoff := s.now().Add(-fairnessWindow)
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if match(&job) && !job.SubmittedAt.Before(cutoff) {
				count++
			}
			return nil
		})
	})
	return count, err
}

// itob returns an 8-byte big-endian representation of v, so bucket
// keys sort in id order.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
