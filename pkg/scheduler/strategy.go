package scheduler

import (
	"fmt"
	"sort"

	"github.com/fairedge/fairedge/pkg/config"
	"github.com/fairedge/fairedge/pkg/store"
	"github.com/fairedge/fairedge/pkg/types"
)

// priorityWeights are the target long-run dispatch fractions per
// priority class.
var priorityWeights = map[int]float64{
	types.PriorityHigh:   0.50,
	types.PriorityMedium: 0.35,
	types.PriorityLow:    0.15,
}

// pickNext selects the next waiting job according to the configured
// strategy. Returns store.ErrNotFound when the queue emptied between
// the gate check and the selection.
func (s *Scheduler) pickNext() (*types.Job, error) {
	switch s.cfg.Strategy {
	case config.StrategyFIFO:
		return s.store.OldestWaiting()

	case config.StrategyFairClient:
		client, err := s.nextClient()
		if err != nil {
			return nil, err
		}
		return s.store.OldestWaitingForClient(client)

	case config.StrategyPriority:
		priority, err := s.nextPriority()
		if err != nil {
			return nil, err
		}
		return s.store.OldestWaitingForPriority(priority)

	case config.StrategyPriorityClient:
		priority, err := s.nextPriority()
		if err != nil {
			return nil, err
		}
		client, err := s.nextClientForPriority(priority)
		if err != nil {
			return nil, err
		}
		return s.store.OldestWaitingForClientPriority(client, priority)

	default:
		// Validated at startup; kept as a guard.
		return nil, fmt.Errorf("unknown strategy %d", s.cfg.Strategy)
	}
}

// nextClient picks the waiting client with the fewest dispatches in
// the fairness window. Ties go to the client listed first.
func (s *Scheduler) nextClient() (string, error) {
	clients, err := s.store.WaitingClients()
	if err != nil {
		return "", err
	}
	return s.leastServed(clients, s.store.HistoryCountForClient)
}

// nextClientForPriority is nextClient restricted to one priority, with
// history counted at that priority only.
func (s *Scheduler) nextClientForPriority(priority int) (string, error) {
	clients, err := s.store.WaitingClientsForPriority(priority)
	if err != nil {
		return "", err
	}
	return s.leastServed(clients, func(client string) (int, error) {
		return s.store.HistoryCountForClientPriority(client, priority)
	})
}

func (s *Scheduler) leastServed(clients []string, count func(string) (int, error)) (string, error) {
	if len(clients) == 0 {
		return "", store.ErrNotFound
	}

	best := ""
	bestCount := 0
	for _, client := range clients {
		n, err := count(client)
		if err != nil {
			return "", err
		}
		if best == "" || n < bestCount {
			best = client
			bestCount = n
		}
	}
	return best, nil
}

// nextPriority chooses the next priority class to serve: among the
// priorities with waiting work, in descending order, the first whose
// observed dispatch frequency is under its target weight. When every
// class has exceeded its weight the highest waiting priority wins.
func (s *Scheduler) nextPriority() (int, error) {
	waiting, err := s.store.WaitingPriorities()
	if err != nil {
		return 0, err
	}
	if len(waiting) == 0 {
		return 0, store.ErrNotFound
	}

	total, err := s.store.HistoryCount()
	if err != nil {
		return 0, err
	}

	freq := make(map[int]float64, len(waiting))
	for _, p := range waiting {
		count, err := s.store.HistoryCountForPriority(p)
		if err != nil {
			return 0, err
		}
		if count > 0 && total > 0 {
			freq[p] = float64(count) / float64(total)
		} else {
			freq[p] = 0
		}
	}

	sort.Sort(sort.Reverse(sort.IntSlice(waiting)))
	return selectPriority(waiting, freq), nil
}

// selectPriority scans the descending-ordered waiting priorities and
// returns the first under its weight, or the highest when all are
// saturated.
func selectPriority(waiting []int, freq map[int]float64) int {
	for _, p := range waiting {
		if freq[p] < priorityWeights[p] {
			return p
		}
	}
	return waiting[0]
}
